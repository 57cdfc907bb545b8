package utils

import (
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// IsBcryptHash reports whether s looks like a bcrypt digest.
func IsBcryptHash(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}

// HashOrRead returns secret unchanged when it is already a bcrypt digest, otherwise hashes it.
func HashOrRead(secret string) ([]byte, error) {
	if IsBcryptHash(secret) {
		return []byte(secret), nil
	}
	return bcrypt.GenerateFromPassword([]byte(secret), 10)
}

// SecretMatches compares a presented secret against a bcrypt digest.
func SecretMatches(hash []byte, presented string) bool {
	if len(hash) == 0 || presented == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(presented)) == nil
}
