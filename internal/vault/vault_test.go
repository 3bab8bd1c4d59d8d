package vault

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestSealUnsealRoundTrip(t *testing.T) {
	v := New(testKey)
	inputs := []string{
		"",
		"hunter2",
		"quote ' backslash \\ dollar $ newline \n tab \t",
		string([]byte{0x00, 0xff, 0x10, 0x80}),
		strings.Repeat("x", 4096),
		"пароль 密码",
	}
	for _, in := range inputs {
		sealed, err := v.Seal(in)
		if err != nil {
			t.Fatalf("Seal(%q) failed: %v", in, err)
		}
		out, err := v.Unseal(sealed)
		if err != nil {
			t.Fatalf("Unseal failed for %q: %v", in, err)
		}
		if out != in {
			t.Errorf("Expected %q, but got %q", in, out)
		}
	}
}

func TestSealUsesFreshNonce(t *testing.T) {
	v := New(testKey)
	a, _ := v.Seal("same")
	b, _ := v.Seal("same")
	if a == b {
		t.Error("Expected two seals of the same plaintext to differ")
	}
}

func TestUnsealRejectsForeignInput(t *testing.T) {
	v := New(testKey)
	sealed, err := v.Seal("secret")
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	raw, _ := base64.StdEncoding.DecodeString(sealed)
	raw[len(raw)-1] ^= 0x01
	tampered := base64.StdEncoding.EncodeToString(raw)

	other := New(strings.Repeat("ab", 32))

	tests := []struct {
		name  string
		vault *Vault
		input string
	}{
		{"tampered", v, tampered},
		{"wrong key", other, sealed},
		{"legacy plaintext", v, "plain-old-password"},
		{"short base64", v, base64.StdEncoding.EncodeToString([]byte("short"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.vault.Unseal(tt.input)
			if !errors.Is(err, ErrDecryption) {
				t.Fatalf("Expected a decryption error, but got %v", err)
			}
			var de *DecryptionError
			if !errors.As(err, &de) {
				t.Errorf("Expected *DecryptionError, but got %T", err)
			}
			if got := tt.vault.TryUnseal(tt.input); got != tt.input {
				t.Errorf("Expected TryUnseal to return the input unchanged, but got %q", got)
			}
		})
	}
}

func TestInvalidKeyFailsAtFirstUse(t *testing.T) {
	for _, key := range []string{"", "abcd", strings.Repeat("zz", 32)} {
		v := New(key)
		if _, err := v.Seal("x"); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Expected ErrInvalidKey for key %q, but got %v", key, err)
		}
		if _, err := v.Unseal("x"); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Expected ErrInvalidKey on Unseal for key %q, but got %v", key, err)
		}
	}
}
