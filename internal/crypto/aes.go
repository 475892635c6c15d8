package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/and161185/health-connector/internal/errs"
)

const (
	ivLen    = 12
	minIVLen = 12
	maxIVLen = 16
	tagLen   = 16
)

// AES encrypts with AES-GCM. Wire format: [4-byte BE IV length][IV][ciphertext+tag].
type AES struct {
	block cipher.Block
}

// NewAES constructs an AES cipher for a 16, 24 or 32 byte key.
func NewAES(key []byte) (*AES, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}
	return &AES{block: block}, nil
}

// NewAESFromMaster derives a 256-bit key for purpose and constructs the cipher.
func NewAESFromMaster(master []byte, purpose string) (*AES, error) {
	key, err := DeriveKey(master, purpose, 32)
	if err != nil {
		return nil, err
	}
	return NewAES(key)
}

// Encrypt seals plain under a fresh random IV.
func (a *AES) Encrypt(plain []byte) ([]byte, error) {
	gcm, err := cipher.NewGCMWithNonceSize(a.block, ivLen)
	if err != nil {
		return nil, err
	}
	iv, err := RandBytes(ivLen)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 4, 4+ivLen+len(plain)+tagLen)
	binary.BigEndian.PutUint32(out, uint32(ivLen))
	out = append(out, iv...)
	return gcm.Seal(out, iv, plain, nil), nil
}

// Decrypt opens a blob produced by Encrypt. Any malformed input yields errs.ErrDecrypt.
func (a *AES) Decrypt(blob []byte) ([]byte, error) {
	if len(blob) < 4 {
		return nil, errs.ErrDecrypt
	}
	n := int(binary.BigEndian.Uint32(blob[:4]))
	if n < minIVLen || n > maxIVLen || len(blob) < 4+n+tagLen {
		return nil, errs.ErrDecrypt
	}
	gcm, err := cipher.NewGCMWithNonceSize(a.block, n)
	if err != nil {
		return nil, errs.ErrDecrypt
	}
	iv := blob[4 : 4+n]
	plain, err := gcm.Open(nil, iv, blob[4+n:], nil)
	if err != nil {
		return nil, errs.ErrDecrypt
	}
	return plain, nil
}

// EncryptString encrypts s and returns the blob base64 encoded.
func (a *AES) EncryptString(s string) (string, error) {
	blob, err := a.Encrypt([]byte(s))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(blob), nil
}

// DecryptString reverses EncryptString.
func (a *AES) DecryptString(b64 string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", errs.ErrDecrypt
	}
	plain, err := a.Decrypt(blob)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
