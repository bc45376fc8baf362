package transaction

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
)

var (
	ErrInvalidPhone = errors.New("invalid phone number")
	ErrInvalidMAC   = errors.New("invalid MAC address")
)

var (
	phonePattern = regexp.MustCompile(`^(254|0)?([17]\d{8})$`)
	macPattern   = regexp.MustCompile(`^([0-9A-Fa-f]{2}[:-]){5}([0-9A-Fa-f]{2})$`)
)

const passwordAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// PasswordLength is the length of generated hotspot passwords.
const PasswordLength = 8

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizePhone accepts 07XXXXXXXX, 01XXXXXXXX, 2547XXXXXXXX or the bare
// nine digits, with any punctuation, and returns the 254XXXXXXXXX form.
func NormalizePhone(raw string) (string, error) {
	m := phonePattern.FindStringSubmatch(digitsOnly(raw))
	if m == nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidPhone, raw)
	}
	return "254" + m[2], nil
}

// PhonesMatch compares the last nine digits of both numbers.
func PhonesMatch(a, b string) bool {
	da, db := digitsOnly(a), digitsOnly(b)
	if len(da) < 9 || len(db) < 9 {
		return false
	}
	return da[len(da)-9:] == db[len(db)-9:]
}

// GenerateUsername derives the hotspot username from a normalized phone.
func GenerateUsername(phone string) string {
	d := digitsOnly(phone)
	if len(d) > 6 {
		d = d[len(d)-6:]
	}
	return "user_" + d
}

// GeneratePassword returns PasswordLength random alphanumerics.
func GeneratePassword() (string, error) {
	buf := make([]byte, PasswordLength)
	max := big.NewInt(int64(len(passwordAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate password: %w", err)
		}
		buf[i] = passwordAlphabet[n.Int64()]
	}
	return string(buf), nil
}

// NormalizeMAC validates a colon- or dash-separated MAC and returns it
// upper-cased with colons. An empty input is allowed.
func NormalizeMAC(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	if !macPattern.MatchString(raw) {
		return "", fmt.Errorf("%w: %q", ErrInvalidMAC, raw)
	}
	return strings.ToUpper(strings.ReplaceAll(raw, "-", ":")), nil
}
