package security

import (
	"testing"
	"time"
)

func TestIsTokenExpired(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name      string
		expiresAt time.Time
		want      bool
	}{
		{name: "future expiry", expiresAt: now.Add(time.Hour), want: false},
		{name: "zero time never expires", expiresAt: time.Time{}, want: false},
		{name: "just expired, inside the skew grace", expiresAt: now.Add(-time.Second), want: false},
		{name: "expired beyond the grace", expiresAt: now.Add(-DefaultClockSkewGracePeriod - time.Second), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTokenExpired(tt.expiresAt); got != tt.want {
				t.Errorf("IsTokenExpired(%v) = %v, want %v", tt.expiresAt, got, tt.want)
			}
		})
	}
}

func TestIsTokenExpiredWithGracePeriod(t *testing.T) {
	now := time.Now()

	// Zero grace means strict expiry.
	if !IsTokenExpiredWithGracePeriod(now.Add(-time.Millisecond), 0) {
		t.Error("strict check should report an expired token")
	}

	// A wide grace keeps a recently expired token valid.
	if IsTokenExpiredWithGracePeriod(now.Add(-time.Minute), 2*time.Minute) {
		t.Error("token inside the grace window reported expired")
	}

	// The grace never extends past its own width.
	if !IsTokenExpiredWithGracePeriod(now.Add(-3*time.Minute), 2*time.Minute) {
		t.Error("token past the grace window reported valid")
	}
}

func TestIsTokenExpiringSoon(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name      string
		expiresAt time.Time
		threshold time.Duration
		want      bool
	}{
		{name: "well before threshold", expiresAt: now.Add(time.Hour), threshold: time.Minute, want: false},
		{name: "inside threshold", expiresAt: now.Add(30 * time.Second), threshold: time.Minute, want: true},
		{name: "already expired", expiresAt: now.Add(-time.Minute), threshold: time.Minute, want: true},
		{name: "zero time", expiresAt: time.Time{}, threshold: time.Minute, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTokenExpiringSoon(tt.expiresAt, tt.threshold); got != tt.want {
				t.Errorf("IsTokenExpiringSoon(%v, %v) = %v, want %v",
					tt.expiresAt, tt.threshold, got, tt.want)
			}
		})
	}
}
