// Package auth hashes and checks the operator API key.
package auth

import (
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/bcrypt"
)

const bcryptCostFactor = 12

// ErrEmptyKey is returned when asked to hash an empty key.
var ErrEmptyKey = errors.New("api key must not be empty")

// HashAPIKey returns the bcrypt hash stored in ADMIN_API_KEY_HASH.
func HashAPIKey(apiKey string) (string, error) {
	if apiKey == "" {
		return "", ErrEmptyKey
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcryptCostFactor)
	if err != nil {
		slog.Error("Failed to generate bcrypt hash for API key", slog.Any("error", err))
		return "", fmt.Errorf("failed to hash api key: %w", err)
	}
	return string(hashed), nil
}

// CheckAPIKey compares a presented key with a stored bcrypt hash. An empty
// key or hash never matches.
func CheckAPIKey(apiKey, hash string) bool {
	if apiKey == "" || hash == "" {
		return false
	}
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(apiKey))
	if err != nil {
		if !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			// Usually a malformed hash in configuration.
			slog.Warn("Error comparing API key hash", slog.Any("error", err))
		}
		return false
	}
	return true
}
