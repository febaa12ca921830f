package delegate

import (
	"testing"

	"github.com/shoresuite/delegate/server"
)

func TestConfig_Endpoints(t *testing.T) {
	tests := []struct {
		name   string
		issuer string
	}{
		{"plain issuer", "https://auth.example.com"},
		{"trailing slash", "https://auth.example.com/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Engine: server.Config{Issuer: tt.issuer}}

			want := "https://auth.example.com"
			if got := cfg.AuthorizationEndpoint(); got != want+PathAuthorize {
				t.Errorf("AuthorizationEndpoint() = %q", got)
			}
			if got := cfg.TokenEndpoint(); got != want+PathToken {
				t.Errorf("TokenEndpoint() = %q", got)
			}
			if got := cfg.RevocationEndpoint(); got != want+PathRevoke {
				t.Errorf("RevocationEndpoint() = %q", got)
			}
			if got := cfg.JWKSEndpoint(); got != want+PathJWKS {
				t.Errorf("JWKSEndpoint() = %q", got)
			}
		})
	}
}
