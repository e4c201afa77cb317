// Package auth generates and verifies the daemon's API keys.
//
// Keys have the form portalgate_<prefix>_<secret>. Only the prefix and a
// SHA-256 of the secret are stored.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"math/big"
	"strings"
)

const (
	servicePrefix = "portalgate"
	prefixLength  = 12
	secretBytes   = 32
)

var ErrInvalidKeyFormat = errors.New("invalid API key format")

// Key is a freshly generated API key. Display is shown to the operator once.
type Key struct {
	Display string
	Prefix  string
	Hash    []byte
}

func Generate() (Key, error) {
	prefixBytes := make([]byte, prefixLength)
	if _, err := rand.Read(prefixBytes); err != nil {
		return Key{}, err
	}
	for i := range prefixBytes {
		prefixBytes[i] = alphanumeric[int(prefixBytes[i])%len(alphanumeric)]
	}

	secretRaw := make([]byte, secretBytes)
	if _, err := rand.Read(secretRaw); err != nil {
		return Key{}, err
	}
	secret := encodeBase62(secretRaw)

	prefix := string(prefixBytes)
	return Key{
		Display: servicePrefix + "_" + prefix + "_" + secret,
		Prefix:  prefix,
		Hash:    HashSecret(secret),
	}, nil
}

func HashSecret(secret string) []byte {
	h := sha256.Sum256([]byte(secret))
	return h[:]
}

// Verify reports whether displayKey's secret hashes to storedHash.
func Verify(displayKey string, storedHash []byte) bool {
	_, secret, err := Parse(displayKey)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(HashSecret(secret), storedHash) == 1
}

// Parse splits a display key into its lookup prefix and secret.
func Parse(displayKey string) (prefix string, secret string, err error) {
	rest, ok := strings.CutPrefix(displayKey, servicePrefix+"_")
	if !ok {
		return "", "", ErrInvalidKeyFormat
	}
	prefix, secret, ok = strings.Cut(rest, "_")
	if !ok || secret == "" || len(prefix) != prefixLength {
		return "", "", ErrInvalidKeyFormat
	}
	for _, c := range prefix {
		if !isAlphanumeric(c) {
			return "", "", ErrInvalidKeyFormat
		}
	}
	return prefix, secret, nil
}

// FromBearer extracts the key from an "Authorization: Bearer <key>" value.
func FromBearer(header string) (string, bool) {
	key, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || key == "" {
		return "", false
	}
	return key, true
}

var alphanumeric = []byte("abcdefghijklmnopqrstuvwxyz0123456789")

// base62Alphabet includes A-Za-z0-9 (no special characters)
const base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

func encodeBase62(data []byte) string {
	num := new(big.Int).SetBytes(data)
	base := big.NewInt(62)
	zero := big.NewInt(0)
	var result []byte

	for num.Cmp(zero) > 0 {
		mod := new(big.Int)
		num.DivMod(num, base, mod)
		result = append([]byte{base62Alphabet[mod.Int64()]}, result...)
	}

	// Preserve leading zeros
	for _, b := range data {
		if b != 0 {
			break
		}
		result = append([]byte{'0'}, result...)
	}

	if len(result) == 0 {
		return "0"
	}
	return string(result)
}

func isAlphanumeric(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}
