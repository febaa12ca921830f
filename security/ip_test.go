package security

import (
	"net/http/httptest"
	"testing"
)

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name              string
		remoteAddr        string
		xForwardedFor     string
		xRealIP           string
		trustProxy        bool
		trustedProxyCount int
		want              string
	}{
		{
			name:       "direct connection",
			remoteAddr: "203.0.113.7:52311",
			want:       "203.0.113.7",
		},
		{
			name:          "proxy headers ignored when proxies are not trusted",
			remoteAddr:    "10.0.0.1:80",
			xForwardedFor: "203.0.113.7",
			xRealIP:       "203.0.113.8",
			want:          "10.0.0.1",
		},
		{
			name:              "single trusted proxy",
			remoteAddr:        "10.0.0.1:80",
			xForwardedFor:     "203.0.113.7, 10.0.0.1",
			trustProxy:        true,
			trustedProxyCount: 1,
			want:              "203.0.113.7",
		},
		{
			name:              "two trusted proxies skip the untrusted hop",
			remoteAddr:        "10.0.0.1:80",
			xForwardedFor:     "203.0.113.7, 198.51.100.9, 10.0.0.2, 10.0.0.1",
			trustProxy:        true,
			trustedProxyCount: 2,
			want:              "198.51.100.9",
		},
		{
			name:              "fewer entries than proxies falls back to leftmost",
			remoteAddr:        "10.0.0.1:80",
			xForwardedFor:     "203.0.113.7",
			trustProxy:        true,
			trustedProxyCount: 3,
			want:              "203.0.113.7",
		},
		{
			name:       "x-real-ip when forwarded-for is absent",
			remoteAddr: "10.0.0.1:80",
			xRealIP:    "203.0.113.7",
			trustProxy: true,
			want:       "203.0.113.7",
		},
		{
			name:          "garbage forwarded-for falls through to x-real-ip",
			remoteAddr:    "10.0.0.1:80",
			xForwardedFor: "not-an-ip",
			xRealIP:       "203.0.113.7",
			trustProxy:    true,
			want:          "203.0.113.7",
		},
		{
			name:       "garbage headers fall back to remote addr",
			remoteAddr: "10.0.0.1:80",
			xRealIP:    "spoofed",
			trustProxy: true,
			want:       "10.0.0.1",
		},
		{
			name:       "ipv6 remote addr",
			remoteAddr: "[2001:db8::1]:443",
			want:       "2001:db8::1",
		},
		{
			name:       "remote addr without port",
			remoteAddr: "203.0.113.7",
			want:       "203.0.113.7",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/token", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xForwardedFor != "" {
				r.Header.Set("X-Forwarded-For", tt.xForwardedFor)
			}
			if tt.xRealIP != "" {
				r.Header.Set("X-Real-IP", tt.xRealIP)
			}

			if got := GetClientIP(r, tt.trustProxy, tt.trustedProxyCount); got != tt.want {
				t.Errorf("GetClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCalculateClientIPIndex(t *testing.T) {
	tests := []struct {
		name       string
		numIPs     int
		proxyCount int
		want       int
	}{
		{name: "zero proxy count assumes one proxy", numIPs: 2, proxyCount: 0, want: 0},
		{name: "one proxy", numIPs: 3, proxyCount: 1, want: 1},
		{name: "two proxies", numIPs: 4, proxyCount: 2, want: 1},
		{name: "short list clamps to leftmost", numIPs: 1, proxyCount: 2, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := calculateClientIPIndex(tt.numIPs, tt.proxyCount); got != tt.want {
				t.Errorf("calculateClientIPIndex(%d, %d) = %d, want %d",
					tt.numIPs, tt.proxyCount, got, tt.want)
			}
		})
	}
}
