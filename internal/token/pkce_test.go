package token

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyPKCE(t *testing.T) {
	verifier := NewPKCEVerifier()
	require.NotEmpty(t, verifier)
	challenge := S256Challenge(verifier)

	tests := []struct {
		name      string
		challenge string
		method    string
		verifier  string
		wantErr   error
	}{
		{"no challenge recorded", "", "", "anything", nil},
		{"S256 match", challenge, "S256", verifier, nil},
		{"S256 default method", challenge, "", verifier, nil},
		{"S256 mismatch", challenge, "S256", "wrong-verifier-wrong-verifier-wrong-wrong", ErrPKCEMismatch},
		{"plain match", "plain-value", "plain", "plain-value", nil},
		{"plain mismatch", "plain-value", "plain", "other-value", ErrPKCEMismatch},
		{"challenge without verifier", challenge, "S256", "", ErrPKCERequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyPKCE(tt.challenge, tt.method, tt.verifier)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
