package crypto

import (
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Key purposes. Every sub-key is derived from the same master secret.
const (
	PurposeInvitationToken = "invitation-token"
	PurposeRefreshToken    = "refresh-token"
	PurposeResourceCache   = "resource-cache"
	PurposePrivateKey      = "private-key"
)

// MinMasterLen is the minimum accepted master secret length.
const MinMasterLen = 32

// DeriveKey derives an n-byte key for purpose via HKDF-SHA256.
func DeriveKey(master []byte, purpose string, n int) ([]byte, error) {
	if len(master) < MinMasterLen {
		return nil, errors.New("master secret too short")
	}
	r := hkdf.New(sha256.New, master, nil, []byte(purpose))
	key := make([]byte, n)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}
