package security

import (
	"bytes"
	"testing"
	"time"
)

func TestSealOpen_RoundTrip(t *testing.T) {
	_, priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	sealer := NewSealer(0)
	secret := NewSecret("correct horse battery staple")

	sealed, err := sealer.Seal(priv, secret)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(sealed, priv) {
		t.Error("sealed bytes contain plaintext private key")
	}

	opened, err := sealer.Open(sealed, secret)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !priv.Equal(opened) {
		t.Error("opened key does not equal original")
	}
}

func TestSealOpen_WrongPassphrase(t *testing.T) {
	_, priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	sealer := NewSealer(0)
	sealed, err := sealer.Seal(priv, NewSecret("right"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := sealer.Open(sealed, NewSecret("wrong")); err != ErrSealedCorrupt {
		t.Errorf("Open with wrong passphrase = %v, want ErrSealedCorrupt", err)
	}
}

func TestSealOpen_Tampered(t *testing.T) {
	_, priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	sealer := NewSealer(0)
	secret := NewSecret("pass")
	sealed, err := sealer.Seal(priv, secret)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	sealed[len(sealed)-1] ^= 0x01
	if _, err := sealer.Open(sealed, secret); err != ErrSealedCorrupt {
		t.Errorf("Open tampered = %v, want ErrSealedCorrupt", err)
	}
}

func TestSeal_MissingPassphrase(t *testing.T) {
	_, priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	sealer := NewSealer(0)
	if _, err := sealer.Seal(priv, nil); err != ErrPassphraseMissing {
		t.Errorf("Seal(nil secret) = %v, want ErrPassphraseMissing", err)
	}
	if _, err := sealer.Seal(priv, NewSecret("")); err != ErrPassphraseMissing {
		t.Errorf("Seal(empty secret) = %v, want ErrPassphraseMissing", err)
	}
}

func TestSealer_CacheRespectsTTL(t *testing.T) {
	sealer := NewSealer(time.Minute)
	current := time.Unix(1700000000, 0).UTC()
	sealer.now = func() time.Time { return current }

	secret := NewSecret("pass")
	salt := bytes.Repeat([]byte{0xAB}, sealSaltLen)

	k1 := sealer.deriveKey(secret, salt)
	k2 := sealer.deriveKey(secret, salt)
	if !bytes.Equal(k1, k2) {
		t.Error("cached derivation differs from first derivation")
	}

	// After expiry the key is re-derived; the result is identical but the
	// cache entry must have been replaced rather than served stale.
	current = current.Add(2 * time.Minute)
	k3 := sealer.deriveKey(secret, salt)
	if !bytes.Equal(k1, k3) {
		t.Error("re-derived key differs")
	}
}

func TestSecret_Wipe(t *testing.T) {
	s := NewSecret("sensitive")
	s.Wipe()
	if len(s.b) != 0 {
		t.Error("Wipe did not clear passphrase bytes")
	}
	var nilSecret *Secret
	nilSecret.Wipe() // must not panic
}

func TestEncodeParsePublicKeyPEM(t *testing.T) {
	pub, _, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	pemBytes, err := EncodePublicKeyPEM(pub)
	if err != nil {
		t.Fatalf("EncodePublicKeyPEM: %v", err)
	}
	parsed, err := ParsePublicKeyPEM(pemBytes)
	if err != nil {
		t.Fatalf("ParsePublicKeyPEM: %v", err)
	}
	if !pub.Equal(parsed) {
		t.Error("parsed public key does not equal original")
	}
}

func TestParsePublicKeyPEM_Invalid(t *testing.T) {
	if _, err := ParsePublicKeyPEM([]byte("not pem")); err == nil {
		t.Error("ParsePublicKeyPEM accepted garbage")
	}
}
