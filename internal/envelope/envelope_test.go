package envelope

import (
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
)

var (
	engineOnce sync.Once
	testEngine *Engine
)

// sharedEngine amortizes key derivation across tests.
func sharedEngine(t *testing.T) *Engine {
	t.Helper()
	engineOnce.Do(func() {
		e, err := New("test-master-secret")
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		testEngine = e
	})
	return testEngine
}

func TestNew_RequiresSecret(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	e := sharedEngine(t)

	for _, plaintext := range []string{
		"sk-abcdefghijklmnopqrstuvwxyz",
		"x",
		"ключ-с-юникодом-🔑",
		strings.Repeat("a", 4096),
	} {
		blob, err := e.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", plaintext, err)
		}
		got, err := e.Decrypt(blob)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if got != plaintext {
			t.Errorf("round trip = %q, want %q", got, plaintext)
		}
	}
}

func TestEncrypt_Empty(t *testing.T) {
	_, err := sharedEngine(t).Encrypt("")
	if !errors.Is(err, ErrEncryption) {
		t.Fatalf("got %v, want ErrEncryption", err)
	}
}

func TestEncrypt_FreshDataKeyPerCall(t *testing.T) {
	e := sharedEngine(t)
	a, _ := e.Encrypt("same-value-1234567890")
	b, _ := e.Encrypt("same-value-1234567890")
	if a == b {
		t.Fatal("two encryptions of the same value produced identical blobs")
	}
}

func TestEncrypt_BlobFormat(t *testing.T) {
	blob, err := sharedEngine(t).Encrypt("sk-format-check-000000")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		t.Fatalf("blob is not standard base64: %v", err)
	}
	if strings.Count(string(raw), Separator) != 1 {
		t.Fatalf("inner blob %q should contain exactly one separator", raw)
	}
}

func TestDecrypt_Tampered(t *testing.T) {
	e := sharedEngine(t)
	blob, err := e.Encrypt("sk-tamper-target-1234567890")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	raw, _ := base64.StdEncoding.DecodeString(blob)
	left, right, _ := strings.Cut(string(raw), Separator)

	flip := func(s string) string {
		b, _ := rawURL.DecodeString(s)
		b[len(b)-1] ^= 0x01
		return rawURL.EncodeToString(b)
	}
	reencode := func(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

	tests := []struct {
		name string
		blob string
	}{
		{"payload bit flip", reencode(left + Separator + flip(right))},
		{"wrapped key bit flip", reencode(flip(left) + Separator + right)},
		{"truncated payload", reencode(left + Separator + right[:len(right)/2])},
		{"missing separator", reencode(left + right)},
		{"empty left part", reencode(Separator + right)},
		{"empty right part", reencode(left + Separator)},
		{"not base64", "%%%not-base64%%%"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Decrypt(tt.blob)
			if err != ErrDecryption {
				t.Fatalf("got %v, want bare ErrDecryption", err)
			}
		})
	}
}

func TestDecrypt_EveryCharacterEdited(t *testing.T) {
	e := sharedEngine(t)
	const plaintext = "sk-tamper-target-1234567890"
	blob, err := e.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/-_=\n"

	accepted := 0
	for i := range len(blob) {
		for _, r := range alphabet {
			if byte(r) == blob[i] {
				continue
			}
			edited := blob[:i] + string(r) + blob[i+1:]
			if _, err := e.Decrypt(edited); err == nil {
				accepted++
				if accepted <= 3 {
					t.Errorf("position %d: %q -> %q still decrypts", i, blob[i], r)
				}
			} else if err != ErrDecryption {
				t.Fatalf("position %d: got %v, want bare ErrDecryption", i, err)
			}
		}
	}
	if accepted > 0 {
		t.Fatalf("%d edited blobs decrypted", accepted)
	}

	for _, edited := range []string{blob + "\n", blob[:4] + "\r\n" + blob[4:], " " + blob} {
		if _, err := e.Decrypt(edited); err != ErrDecryption {
			t.Errorf("Decrypt(%q...) = %v, want ErrDecryption", edited[:8], err)
		}
	}
	if got, err := e.Decrypt(blob); err != nil || got != plaintext {
		t.Fatalf("original blob: %q, %v", got, err)
	}
}

func TestDecrypt_WrongMasterKey(t *testing.T) {
	blob, _ := sharedEngine(t).Encrypt("sk-wrong-master-1234567890")
	other, err := New("a-different-secret")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := other.Decrypt(blob); err != ErrDecryption {
		t.Fatalf("got %v, want ErrDecryption", err)
	}
}

func TestRewrap(t *testing.T) {
	current := sharedEngine(t)
	next, err := New("rotated-master-secret")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	blob, _ := current.Encrypt("sk-rewrap-me-1234567890")
	rewrapped, err := current.Rewrap(blob, next)
	if err != nil {
		t.Fatalf("Rewrap: %v", err)
	}

	got, err := next.Decrypt(rewrapped)
	if err != nil {
		t.Fatalf("Decrypt with new master: %v", err)
	}
	if got != "sk-rewrap-me-1234567890" {
		t.Errorf("got %q", got)
	}
	if _, err := current.Decrypt(rewrapped); err != ErrDecryption {
		t.Errorf("old master should no longer open rewrapped blob, got %v", err)
	}

	oldRaw, _ := base64.StdEncoding.DecodeString(blob)
	newRaw, _ := base64.StdEncoding.DecodeString(rewrapped)
	_, oldPayload, _ := strings.Cut(string(oldRaw), Separator)
	_, newPayload, _ := strings.Cut(string(newRaw), Separator)
	if oldPayload != newPayload {
		t.Error("Rewrap must not touch the sealed payload")
	}
}
