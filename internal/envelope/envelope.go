// Package envelope implements two-layer encryption for stored credentials.
// Each value is sealed under a fresh random data key, and the data key is sealed
// under a master key derived once from the application secret.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// Iterations is the PBKDF2-HMAC-SHA256 work factor for the master key.
	Iterations = 600_000
	// Salt is the fixed application salt for master-key derivation.
	Salt = "keyvault-master-key-salt-v4"
	// Separator joins the wrapped data key and the sealed payload.
	Separator = "::v4::"

	keySize = 32
)

var (
	// ErrEncryption is returned when a value cannot be sealed.
	ErrEncryption = errors.New("encryption failed")
	// ErrDecryption is returned for every decryption failure. It never carries a cause.
	ErrDecryption = errors.New("decryption failed")
)

// Both layers decode strictly so non-zero padding bits are rejected. Without
// that, several texts decode to the same bytes and an edited blob still opens.
var (
	stdB64 = base64.StdEncoding.Strict()
	rawURL = base64.RawURLEncoding.Strict()
)

// Engine seals and opens credential blobs. Safe for concurrent use.
type Engine struct {
	master cipher.AEAD
}

// New derives the master key from secret and returns a ready Engine.
// Derivation is deliberately slow; build one Engine per process.
func New(secret string) (*Engine, error) {
	if secret == "" {
		return nil, fmt.Errorf("master secret is required")
	}
	key := pbkdf2.Key([]byte(secret), []byte(Salt), Iterations, keySize, sha256.New)
	master, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("initializing master cipher: %w", err)
	}
	return &Engine{master: master}, nil
}

// Encrypt seals plaintext and returns the encoded blob.
func (e *Engine) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", ErrEncryption
	}

	dataKey := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, dataKey); err != nil {
		return "", fmt.Errorf("%w: generating data key: %v", ErrEncryption, err)
	}
	dataCipher, err := newGCM(dataKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryption, err)
	}

	payload, err := seal(dataCipher, []byte(plaintext))
	if err != nil {
		return "", fmt.Errorf("%w: sealing payload: %v", ErrEncryption, err)
	}
	wrapped, err := seal(e.master, dataKey)
	if err != nil {
		return "", fmt.Errorf("%w: wrapping data key: %v", ErrEncryption, err)
	}

	return encode(wrapped, payload), nil
}

// Decrypt opens a blob produced by Encrypt. Any malformed, truncated or
// tampered input returns ErrDecryption.
func (e *Engine) Decrypt(blob string) (string, error) {
	wrapped, payload, err := decode(blob)
	if err != nil {
		return "", ErrDecryption
	}

	dataKey, err := open(e.master, wrapped)
	if err != nil || len(dataKey) != keySize {
		return "", ErrDecryption
	}
	dataCipher, err := newGCM(dataKey)
	if err != nil {
		return "", ErrDecryption
	}
	plaintext, err := open(dataCipher, payload)
	if err != nil || !utf8.Valid(plaintext) {
		return "", ErrDecryption
	}
	return string(plaintext), nil
}

// Rewrap re-seals the blob's data key under next's master key. The payload
// is carried over untouched.
func (e *Engine) Rewrap(blob string, next *Engine) (string, error) {
	wrapped, payload, err := decode(blob)
	if err != nil {
		return "", ErrDecryption
	}
	dataKey, err := open(e.master, wrapped)
	if err != nil || len(dataKey) != keySize {
		return "", ErrDecryption
	}
	rewrapped, err := seal(next.master, dataKey)
	if err != nil {
		return "", fmt.Errorf("%w: wrapping data key: %v", ErrEncryption, err)
	}
	return encode(rewrapped, payload), nil
}

func encode(wrapped, payload []byte) string {
	inner := rawURL.EncodeToString(wrapped) + Separator + rawURL.EncodeToString(payload)
	return stdB64.EncodeToString([]byte(inner))
}

func decode(blob string) (wrapped, payload []byte, err error) {
	raw, err := stdB64.DecodeString(blob)
	if err != nil {
		return nil, nil, err
	}
	left, right, ok := strings.Cut(string(raw), Separator)
	if !ok || left == "" || right == "" {
		return nil, nil, ErrDecryption
	}
	if wrapped, err = rawURL.DecodeString(left); err != nil {
		return nil, nil, err
	}
	if payload, err = rawURL.DecodeString(right); err != nil {
		return nil, nil, err
	}
	// The decoders skip CR and LF; only the canonical text is accepted.
	if encode(wrapped, payload) != blob {
		return nil, nil, ErrDecryption
	}
	return wrapped, payload, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// seal prepends a random nonce to the AEAD output.
func seal(aead cipher.AEAD, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func open(aead cipher.AEAD, sealed []byte) ([]byte, error) {
	n := aead.NonceSize()
	if len(sealed) < n+aead.Overhead() {
		return nil, ErrDecryption
	}
	return aead.Open(nil, sealed[:n], sealed[n:], nil)
}
