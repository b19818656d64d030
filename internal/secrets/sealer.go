// Package secrets encrypts TOTP seeds at rest and derives subkeys from the
// configured secret-encryption key.
package secrets

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const sealVersion byte = 1

var (
	// ErrKeySize is returned when the encryption key is not 32 bytes.
	ErrKeySize = errors.New("secret encryption key must be 32 bytes")
	// ErrSealedMalformed is returned for ciphertext that cannot be opened.
	ErrSealedMalformed = errors.New("sealed secret malformed")
)

// Sealer wraps XChaCha20-Poly1305. The user ID is bound as associated data
// so a sealed seed cannot be moved between users.
type Sealer struct {
	aead cipher.AEAD
	rand io.Reader
}

func NewSealer(key []byte, random io.Reader) (*Sealer, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrKeySize
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead, rand: random}, nil
}

// Seal returns version || nonce || ciphertext.
func (s *Sealer) Seal(plaintext []byte, userID string) ([]byte, error) {
	if s == nil {
		return nil, ErrKeySize
	}
	out := make([]byte, 1+s.aead.NonceSize(), 1+s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	out[0] = sealVersion
	if _, err := io.ReadFull(s.rand, out[1:]); err != nil {
		return nil, err
	}
	return s.aead.Seal(out, out[1:], plaintext, []byte(userID)), nil
}

func (s *Sealer) Open(sealed []byte, userID string) ([]byte, error) {
	if s == nil {
		return nil, ErrKeySize
	}
	ns := s.aead.NonceSize()
	if len(sealed) < 1+ns+s.aead.Overhead() || sealed[0] != sealVersion {
		return nil, ErrSealedMalformed
	}
	plain, err := s.aead.Open(nil, sealed[1:1+ns], sealed[1+ns:], []byte(userID))
	if err != nil {
		return nil, ErrSealedMalformed
	}
	return plain, nil
}

// DeriveKey expands master into a 32-byte subkey bound to info.
func DeriveKey(master []byte, info string) ([]byte, error) {
	if len(master) == 0 {
		return nil, ErrKeySize
	}
	out := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(info)), out); err != nil {
		return nil, err
	}
	return out, nil
}

// KeyedHash returns HMAC-SHA256(key, parts[0] || 0x00 || parts[1] ...).
func KeyedHash(key []byte, parts ...string) [32]byte {
	mac := hmac.New(sha256.New, key)
	for i, p := range parts {
		if i > 0 {
			_, _ = mac.Write([]byte{0})
		}
		_, _ = mac.Write([]byte(p))
	}
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}
