// Package crypto hashes account passwords for the backend with Argon2id.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"

	"golang.org/x/crypto/argon2"
)

// SaltSize is the length of a per-user salt.
const SaltSize = 16

type argonParams struct {
	time    uint32
	memory  uint32 // KiB
	threads uint8
	keyLen  uint32
}

var params = argonParams{time: 3, memory: 64 * 1024, threads: 1, keyLen: 32}

// NewSalt returns a random per-user salt.
func NewSalt() ([]byte, error) {
	b := make([]byte, SaltSize)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// HashPassword derives the stored hash of password.
func HashPassword(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, params.time, params.memory, params.threads, params.keyLen)
}

// VerifyPassword compares password against a stored hash in constant time.
// A record without a hash never verifies.
func VerifyPassword(password string, salt, stored []byte) bool {
	if len(stored) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(HashPassword(password, salt), stored) == 1
}
