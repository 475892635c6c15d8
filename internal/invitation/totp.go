// Package invitation implements the phone-bound invitation token and its rolling PINs.
package invitation

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/and161185/health-connector/internal/crypto"
)

// TotpKeyLen is the HMAC-SHA1 key length in bytes (512 bit).
const TotpKeyLen = 64

// TotpKey is a per-invitation HMAC key. It is never shared between invitations.
type TotpKey []byte

// RandomTotpKey generates a fresh key.
func RandomTotpKey() (TotpKey, error) {
	b, err := crypto.RandBytes(TotpKeyLen)
	if err != nil {
		return nil, err
	}
	return TotpKey(b), nil
}

// Pin returns the length-digit PIN for counter t using RFC 4226 dynamic truncation.
func (k TotpKey) Pin(t int64, length int) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(t))
	mac := hmac.New(sha1.New, k)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	off := sum[len(sum)-1] & 0x0f
	bin := binary.BigEndian.Uint32(sum[off:off+4]) & 0x7fffffff

	mod := uint32(1)
	for i := 0; i < length; i++ {
		mod *= 10
	}
	return fmt.Sprintf("%0*d", length, bin%mod)
}

// TimeFrame is a sliding window of Num duration-aligned buckets.
type TimeFrame struct {
	Duration time.Duration
	Num      int
}

// Windows returns the bucket boundaries (epoch millis) valid at now, most recent first.
func (f TimeFrame) Windows(now time.Time) []int64 {
	d := f.Duration.Milliseconds()
	if d <= 0 || f.Num <= 0 {
		return nil
	}
	ms := now.UnixMilli()
	base := ms - ms%d
	out := make([]int64, f.Num)
	for i := range out {
		out[i] = base - int64(i)*d
	}
	return out
}
