package oauthprovider

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// VerifyPKCE checks an RFC 7636 S256 code_verifier against the stored
// challenge.
func VerifyPKCE(challenge, method, verifier string) error {
	if method != "S256" {
		return fmt.Errorf("%w: unsupported code_challenge_method", ErrInvalidGrant)
	}
	if len(verifier) < 43 || len(verifier) > 128 {
		return fmt.Errorf("%w: code_verifier must be 43-128 characters", ErrInvalidGrant)
	}
	for _, c := range verifier {
		if !isUnreserved(c) {
			return fmt.Errorf("%w: code_verifier contains invalid characters", ErrInvalidGrant)
		}
	}

	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("%w: code_verifier does not match code_challenge", ErrInvalidGrant)
	}
	return nil
}

func isUnreserved(c rune) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '-', c == '.', c == '_', c == '~':
		return true
	default:
		return false
	}
}
