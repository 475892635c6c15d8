// Package crypto implements the symmetric and asymmetric primitives used by the connector.
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
)

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// RandInt63 returns a non-negative random int64.
func RandInt63() (int64, error) {
	b, err := RandBytes(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b) &^ (1 << 63)), nil
}

// RandString returns a URL-safe string encoding n random bytes.
func RandString(n int) (string, error) {
	b, err := RandBytes(n)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
