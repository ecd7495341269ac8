package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"github.com/HerbHall/courierkeys/internal/envelope"
	"github.com/HerbHall/courierkeys/internal/keys"
)

// Cipher encrypts and decrypts individual secret values as envelope
// strings. It holds no mutable state and is safe for concurrent use.
type Cipher struct {
	resolver *keys.Resolver
}

// NewCipher returns a Cipher drawing keys from resolver.
func NewCipher(resolver *keys.Resolver) *Cipher {
	return &Cipher{resolver: resolver}
}

// Encrypt seals plaintext with the primary key of backend b under a fresh
// random IV and returns the versioned envelope.
func (c *Cipher) Encrypt(plaintext string, b envelope.Backend) (string, error) {
	key, err := c.resolver.DeriveKey(b)
	if err != nil {
		return "", err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	iv := make([]byte, envelope.IVSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	sealed := gcm.Seal(nil, iv, []byte(plaintext), additionalData(b))
	split := len(sealed) - envelope.TagSize
	return envelope.Encode(b, iv, sealed[split:], sealed[:split]), nil
}

// Decrypt opens payload with every candidate key of its declared backend,
// or of the legacy key set for unversioned payloads. The first key that
// authenticates wins.
func (c *Cipher) Decrypt(payload string) (string, error) {
	p, err := envelope.Decode(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDecryptionFailed, err)
	}

	var candidates [][]byte
	var aad []byte
	if p.Legacy {
		candidates = c.resolver.LegacyCandidateKeys()
		if len(candidates) == 0 {
			return "", fmt.Errorf("%w: %w: legacy payload", ErrDecryptionFailed, keys.ErrBackendNotConfigured)
		}
	} else {
		candidates, err = c.resolver.CandidateKeys(p.Backend)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrDecryptionFailed, err)
		}
		aad = additionalData(p.Backend)
	}

	sealed := make([]byte, 0, len(p.Ciphertext)+len(p.Tag))
	sealed = append(sealed, p.Ciphertext...)
	sealed = append(sealed, p.Tag...)

	for _, key := range candidates {
		gcm, err := newGCM(key)
		if err != nil {
			return "", err
		}
		if plain, err := gcm.Open(nil, p.IV, sealed, aad); err == nil {
			return string(plain), nil
		}
	}
	return "", fmt.Errorf("%w: no candidate key for %s payload", ErrDecryptionFailed, p.Backend)
}

// Reencrypt decrypts payload and encrypts the plaintext under target. The
// plaintext never leaves this function.
func (c *Cipher) Reencrypt(payload string, target envelope.Backend) (string, error) {
	plain, err := c.Decrypt(payload)
	if err != nil {
		return "", err
	}
	return c.Encrypt(plain, target)
}

// NeedsRekey reports whether payload is legacy or owned by a backend other
// than target. Malformed payloads need rekeying and will fail on decrypt.
func NeedsRekey(payload string, target envelope.Backend) bool {
	p, err := envelope.Decode(payload)
	if err != nil {
		return true
	}
	return p.Legacy || p.Backend != target
}

// BackendOf returns the backend declared by payload. Legacy payloads report
// low_assurance.
func BackendOf(payload string) (envelope.Backend, error) {
	p, err := envelope.Decode(payload)
	if err != nil {
		return "", err
	}
	return p.Backend, nil
}

// IsLegacy reports whether payload lacks a version prefix.
func IsLegacy(payload string) bool {
	return !envelope.IsVersioned(payload)
}

// Available reports whether backend b has key material.
func (c *Cipher) Available(b envelope.Backend) bool {
	return c.resolver.Available(b)
}

// AvailableBackends lists the configured backends.
func (c *Cipher) AvailableBackends() []envelope.Backend {
	return c.resolver.AvailableBackends()
}

// additionalData binds a versioned ciphertext to its header so a payload
// cannot be relabeled with another backend.
func additionalData(b envelope.Backend) []byte {
	return []byte(envelope.Version + ":" + string(b))
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}
