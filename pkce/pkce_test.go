package pkce

import (
	"strings"
	"testing"

	"golang.org/x/oauth2"
)

func TestChallengeMatchesKnownVector(t *testing.T) {
	// Test vector from RFC 7636 Appendix B
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	want := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"

	if got := Challenge(verifier); got != want {
		t.Errorf("Challenge() = %q, want %q", got, want)
	}
}

func TestVerifyRoundTrip(t *testing.T) {
	verifier := oauth2.GenerateVerifier()
	challenge := Challenge(verifier)

	if err := Verify(verifier, challenge, MethodS256); err != nil {
		t.Errorf("Verify() with matching pair failed: %v", err)
	}
}

func TestVerifyRejectsWrongVerifier(t *testing.T) {
	challenge := Challenge(oauth2.GenerateVerifier())
	other := oauth2.GenerateVerifier()

	if err := Verify(other, challenge, MethodS256); err == nil {
		t.Error("Verify() accepted a verifier that does not match the challenge")
	}
}

func TestVerifyRejectsPlainMethod(t *testing.T) {
	verifier := oauth2.GenerateVerifier()

	if err := Verify(verifier, verifier, "plain"); err == nil {
		t.Error("Verify() accepted the plain method")
	}
}

func TestVerifyRejectsUnknownMethod(t *testing.T) {
	verifier := oauth2.GenerateVerifier()
	challenge := Challenge(verifier)

	if err := Verify(verifier, challenge, "S512"); err == nil {
		t.Error("Verify() accepted an unknown method")
	}
}

func TestVerifyRequiresVerifier(t *testing.T) {
	if err := Verify("", Challenge("x"), MethodS256); err == nil {
		t.Error("Verify() accepted an empty verifier")
	}
}

func TestValidateVerifier(t *testing.T) {
	tests := []struct {
		name     string
		verifier string
		wantErr  bool
	}{
		{
			name:     "minimum length",
			verifier: strings.Repeat("a", MinVerifierLength),
			wantErr:  false,
		},
		{
			name:     "maximum length",
			verifier: strings.Repeat("a", MaxVerifierLength),
			wantErr:  false,
		},
		{
			name:     "too short",
			verifier: strings.Repeat("a", MinVerifierLength-1),
			wantErr:  true,
		},
		{
			name:     "too long",
			verifier: strings.Repeat("a", MaxVerifierLength+1),
			wantErr:  true,
		},
		{
			name:     "all unreserved characters",
			verifier: "abcDEF0123456789-._~" + strings.Repeat("x", 30),
			wantErr:  false,
		},
		{
			name:     "invalid character",
			verifier: strings.Repeat("a", 42) + "!",
			wantErr:  true,
		},
		{
			name:     "null byte",
			verifier: strings.Repeat("a", 42) + "\x00",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateVerifier(tt.verifier)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateVerifier(%q) error = %v, wantErr %v", tt.verifier, err, tt.wantErr)
			}
		})
	}
}

func TestGeneratedVerifiersAreValid(t *testing.T) {
	for i := 0; i < 10; i++ {
		v := oauth2.GenerateVerifier()
		if err := ValidateVerifier(v); err != nil {
			t.Fatalf("generated verifier %q failed validation: %v", v, err)
		}
	}
}
