// ABOUTME: Symmetric sealing of credentials stored at rest
// ABOUTME: NaCl secretbox with a key derived via HKDF-SHA256 from the configured secret

package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keySize   = 32
	nonceSize = 24

	// sealedPrefix marks values produced by Seal so plaintext left over from
	// an older record can be told apart.
	sealedPrefix = "sb1:"

	hkdfInfo = "switchboard credential sealing v1"
)

var (
	// ErrEmptySecret is returned when no key material is configured.
	ErrEmptySecret = errors.New("sealing secret is empty")

	// ErrUnseal is returned when a sealed value is corrupt or was sealed with another key.
	ErrUnseal = errors.New("cannot unseal value")
)

// Sealer encrypts and decrypts short strings such as bot tokens.
type Sealer struct {
	key [keySize]byte
}

// NewSealer derives a sealing key from secret.
func NewSealer(secret []byte) (*Sealer, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	s := &Sealer{}
	r := hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(r, s.key[:]); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return s, nil
}

// Seal encrypts plaintext and returns a printable token.
func (s *Sealer) Seal(plaintext string) (string, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	box := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &s.key)
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(box), nil
}

// Open decrypts a value produced by Seal.
func (s *Sealer) Open(sealed string) (string, error) {
	encoded, ok := strings.CutPrefix(sealed, sealedPrefix)
	if !ok {
		return "", fmt.Errorf("%w: missing prefix", ErrUnseal)
	}
	box, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnseal, err)
	}
	if len(box) < nonceSize+secretbox.Overhead {
		return "", fmt.Errorf("%w: too short", ErrUnseal)
	}

	var nonce [nonceSize]byte
	copy(nonce[:], box[:nonceSize])
	plain, ok := secretbox.Open(nil, box[nonceSize:], &nonce, &s.key)
	if !ok {
		return "", ErrUnseal
	}
	return string(plain), nil
}

// IsSealed reports whether a stored value was produced by Seal.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, sealedPrefix)
}
