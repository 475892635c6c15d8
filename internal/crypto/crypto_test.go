package crypto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/and161185/health-connector/internal/errs"
)

func testMaster(t *testing.T) []byte {
	t.Helper()
	m, err := RandBytes(MinMasterLen)
	if err != nil {
		t.Fatalf("RandBytes: %v", err)
	}
	return m
}

func TestRandBytes_LengthAndUniqueness(t *testing.T) {
	t.Parallel()

	const n = 64
	a, err := RandBytes(n)
	if err != nil {
		t.Fatalf("RandBytes: %v", err)
	}
	if len(a) != n {
		t.Fatalf("len=%d, want=%d", len(a), n)
	}
	b, _ := RandBytes(n)
	if bytes.Equal(a, b) {
		t.Fatalf("two subsequent RandBytes(%d) are equal", n)
	}
}

func TestRandInt63_NonNegative(t *testing.T) {
	t.Parallel()
	for i := 0; i < 100; i++ {
		v, err := RandInt63()
		if err != nil {
			t.Fatalf("RandInt63: %v", err)
		}
		if v < 0 {
			t.Fatalf("negative value %d", v)
		}
	}
}

func TestDeriveKey_PurposeSeparation(t *testing.T) {
	t.Parallel()
	m := testMaster(t)

	a1, err := DeriveKey(m, PurposeInvitationToken, 32)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	a2, _ := DeriveKey(m, PurposeInvitationToken, 32)
	b, _ := DeriveKey(m, PurposeRefreshToken, 32)
	if !bytes.Equal(a1, a2) {
		t.Fatalf("DeriveKey must be deterministic")
	}
	if bytes.Equal(a1, b) {
		t.Fatalf("keys for different purposes must differ")
	}
	if _, err := DeriveKey([]byte("short"), PurposeInvitationToken, 32); err == nil {
		t.Fatalf("want error on short master secret")
	}
}

func TestAES_Roundtrip(t *testing.T) {
	t.Parallel()
	a, err := NewAESFromMaster(testMaster(t), PurposeResourceCache)
	if err != nil {
		t.Fatalf("NewAESFromMaster: %v", err)
	}
	pt := []byte(`{"resourceType":"Patient","id":"p1"}`)

	blob, err := a.Encrypt(pt)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if binary.BigEndian.Uint32(blob[:4]) != 12 {
		t.Fatalf("iv length prefix = %d, want 12", binary.BigEndian.Uint32(blob[:4]))
	}
	if len(blob) != 4+12+len(pt)+16 {
		t.Fatalf("blob len = %d", len(blob))
	}
	got, err := a.Decrypt(blob)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, pt) {
		t.Fatalf("roundtrip mismatch")
	}
}

func TestAES_DecryptFailsClosed(t *testing.T) {
	t.Parallel()
	m := testMaster(t)
	a, _ := NewAESFromMaster(m, PurposeResourceCache)
	other, _ := NewAESFromMaster(m, PurposeRefreshToken)
	blob, _ := a.Encrypt([]byte("payload"))

	if _, err := other.Decrypt(blob); !errors.Is(err, errs.ErrDecrypt) {
		t.Fatalf("wrong key: want ErrDecrypt, got %v", err)
	}
	if _, err := a.Decrypt(blob[:3]); !errors.Is(err, errs.ErrDecrypt) {
		t.Fatalf("short blob: want ErrDecrypt, got %v", err)
	}

	bad := append([]byte(nil), blob...)
	binary.BigEndian.PutUint32(bad[:4], 8)
	if _, err := a.Decrypt(bad); !errors.Is(err, errs.ErrDecrypt) {
		t.Fatalf("iv len 8: want ErrDecrypt, got %v", err)
	}
	binary.BigEndian.PutUint32(bad[:4], 17)
	if _, err := a.Decrypt(bad); !errors.Is(err, errs.ErrDecrypt) {
		t.Fatalf("iv len 17: want ErrDecrypt, got %v", err)
	}

	tampered := append([]byte(nil), blob...)
	tampered[len(tampered)-1] ^= 0xff
	if _, err := a.Decrypt(tampered); !errors.Is(err, errs.ErrDecrypt) {
		t.Fatalf("tampered: want ErrDecrypt, got %v", err)
	}
}

func TestAES_StringHelpers(t *testing.T) {
	t.Parallel()
	a, _ := NewAESFromMaster(testMaster(t), PurposeRefreshToken)

	enc, err := a.EncryptString("refresh-123")
	if err != nil {
		t.Fatalf("EncryptString: %v", err)
	}
	dec, err := a.DecryptString(enc)
	if err != nil || dec != "refresh-123" {
		t.Fatalf("DecryptString: %q %v", dec, err)
	}
	if _, err := a.DecryptString("%%%not-base64"); !errors.Is(err, errs.ErrDecrypt) {
		t.Fatalf("want ErrDecrypt on bad base64, got %v", err)
	}
}

func TestRSA_KeyEncodingRoundtrip(t *testing.T) {
	t.Parallel()
	priv, err := GenerateRSAKey(1024)
	if err != nil {
		t.Fatalf("GenerateRSAKey: %v", err)
	}

	der, err := MarshalPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPublicKey: %v", err)
	}
	pub, err := ParsePublicKey(der)
	if err != nil {
		t.Fatalf("ParsePublicKey: %v", err)
	}

	pemBytes, err := MarshalPrivateKeyPEM(priv)
	if err != nil {
		t.Fatalf("MarshalPrivateKeyPEM: %v", err)
	}
	priv2, err := ParsePrivateKeyPEM(pemBytes)
	if err != nil {
		t.Fatalf("ParsePrivateKeyPEM: %v", err)
	}

	if !pub.Equal(&priv.PublicKey) {
		t.Fatalf("public key changed by DER roundtrip")
	}
	if !priv2.Equal(priv) {
		t.Fatalf("private key changed by PEM roundtrip")
	}

	if _, err := ParsePrivateKeyPEM([]byte("garbage")); err == nil {
		t.Fatalf("want error on garbage PEM")
	}
}
