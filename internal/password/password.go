package password

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	Algorithm  = "pbkdf2_sha256"
	Iterations = 120000
	SaltBytes  = 16
	KeyBytes   = 32
)

type VerifyResult struct {
	Valid        bool
	UpgradedHash string
}

func CreateHash(password string) (string, error) {
	return createHash(password, Iterations)
}

func createHash(password string, iterations int) (string, error) {
	salt := make([]byte, SaltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := pbkdf2.Key([]byte(password), salt, iterations, KeyBytes, sha256.New)
	return encode(iterations, salt, key), nil
}

// Verify never fails on a malformed record; it reports Valid=false instead.
func Verify(password, stored string) VerifyResult {
	iterations, salt, expected, ok := decode(stored)
	if !ok {
		return VerifyResult{}
	}

	derived := pbkdf2.Key([]byte(password), salt, iterations, len(expected), sha256.New)
	if subtle.ConstantTimeCompare(derived, expected) != 1 {
		return VerifyResult{}
	}

	result := VerifyResult{Valid: true}
	if iterations < Iterations {
		if upgraded, err := CreateHash(password); err == nil {
			result.UpgradedHash = upgraded
		}
	}
	return result
}

func encode(iterations int, salt, key []byte) string {
	return strings.Join([]string{
		Algorithm,
		strconv.Itoa(iterations),
		hex.EncodeToString(salt),
		hex.EncodeToString(key),
	}, "$")
}

func decode(stored string) (int, []byte, []byte, bool) {
	parts := strings.Split(stored, "$")
	if len(parts) != 4 || parts[0] != Algorithm {
		return 0, nil, nil, false
	}

	iterations, err := strconv.Atoi(parts[1])
	if err != nil || iterations <= 0 {
		return 0, nil, nil, false
	}

	salt, err := hex.DecodeString(parts[2])
	if err != nil || len(salt) == 0 {
		return 0, nil, nil, false
	}

	key, err := hex.DecodeString(parts[3])
	if err != nil || len(key) == 0 {
		return 0, nil, nil, false
	}

	return iterations, salt, key, true
}
