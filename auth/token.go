package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// TokenPrefix marks scimhub-issued credential tokens so leaked values can
// be recognized in scanners and logs.
const TokenPrefix = "sct_"

// GenerateToken returns a new plaintext credential token: the prefix plus
// 32 random bytes hex-encoded. The plaintext is shown to the caller once
// and never stored.
func GenerateToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return TokenPrefix + hex.EncodeToString(raw), nil
}

// HashToken returns the bcrypt hash stored in place of the plaintext.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash token: %w", err)
	}
	return string(hash), nil
}

// VerifyToken reports whether the presented plaintext matches the stored
// hash. bcrypt comparison is constant-time over the digest.
func VerifyToken(hash, token string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil
}
