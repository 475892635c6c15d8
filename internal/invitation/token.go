package invitation

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/health-connector/internal/crypto"
)

// Token is the encrypted capability carried by the patient's browser through the PIN flow.
type Token struct {
	CaseID  uuid.UUID `json:"caseId"`
	Phone   string    `json:"phone"`
	TotpKey TotpKey   `json:"totpKey"`
	Nonce   int64     `json:"nonce"`
	Locale  string    `json:"locale"`
}

// NewToken mints a token with a fresh key and nonce.
func NewToken(caseID uuid.UUID, phone, locale string) (Token, error) {
	key, err := RandomTotpKey()
	if err != nil {
		return Token{}, err
	}
	nonce, err := crypto.RandInt63()
	if err != nil {
		return Token{}, err
	}
	return Token{CaseID: caseID, Phone: phone, TotpKey: key, Nonce: nonce, Locale: locale}, nil
}

// Pins returns the PINs acceptable at now, most recent first.
func (t Token) Pins(tf TimeFrame, now time.Time, length int) []string {
	ws := tf.Windows(now)
	out := make([]string, len(ws))
	for i, w := range ws {
		out[i] = t.TotpKey.Pin(w, length)
	}
	return out
}

// FirstPin returns the PIN of the current bucket.
func (t Token) FirstPin(tf TimeFrame, now time.Time, length int) string {
	ws := tf.Windows(now)
	if len(ws) == 0 {
		return ""
	}
	return t.TotpKey.Pin(ws[0], length)
}

// MatchesPin reports whether pin equals any PIN acceptable at now.
func (t Token) MatchesPin(pin string, tf TimeFrame, now time.Time, length int) bool {
	ok := 0
	for _, p := range t.Pins(tf, now, length) {
		ok |= subtle.ConstantTimeCompare([]byte(p), []byte(pin))
	}
	return ok == 1
}

// Encrypt serializes the token to JSON, seals it and returns URL-safe base64.
func (t Token) Encrypt(c *crypto.AES) (string, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	blob, err := c.Encrypt(b)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(blob), nil
}

// Decrypt reverses Encrypt. Any failure yields ok=false; it never panics on client input.
func Decrypt(s string, c *crypto.AES) (tok Token, ok bool) {
	blob, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Token{}, false
	}
	plain, err := c.Decrypt(blob)
	if err != nil {
		return Token{}, false
	}
	if err := json.Unmarshal(plain, &tok); err != nil || tok.CaseID == uuid.Nil {
		return Token{}, false
	}
	return tok, true
}
