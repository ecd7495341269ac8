// Package keys derives the symmetric key material behind each envelope
// backend from configured secrets.
//
// The low-assurance backend hashes a shared secret with SHA-256. Several
// shared secrets may be configured: the first is used for encryption and all
// of them are tried on decryption, so historical secrets keep working after a
// rotation. The managed-KMS backend derives its key from one dedicated secret
// with HKDF-SHA256; when that secret is unset the backend is unavailable and
// nothing falls back to the low-assurance path.
package keys

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/HerbHall/courierkeys/internal/envelope"
)

// ErrBackendNotConfigured is returned when a backend has no key material.
var ErrBackendNotConfigured = errors.New("backend not configured")

// KeySize is the AES-256 key length produced for every backend.
const KeySize = 32

// DevFallbackSecret is the publicly known last-resort shared secret. It is
// only a candidate when Config.AllowDevFallback is set.
const DevFallbackSecret = "courierkeys-development-secret-change-me"

// managedKMSInfo binds HKDF output to this backend and envelope version.
const managedKMSInfo = "courierkeys/managed_kms/" + envelope.Version

// Config holds the secrets the resolver derives keys from. It is loaded once
// at startup and never mutated.
type Config struct {
	// SharedSecrets are low-assurance secrets in priority order.
	SharedSecrets []string
	// ManagedKMSSecret enables the managed_kms backend when non-empty.
	ManagedKMSSecret string
	// LegacyKey decrypts pre-versioning payloads only. 64 hex characters are
	// used as the raw key; anything else is hashed with SHA-256.
	LegacyKey string
	// AllowDevFallback appends DevFallbackSecret as the last low-assurance
	// candidate. Development only.
	AllowDevFallback bool
}

// Resolver derives keys for envelope backends. It is immutable and safe for
// concurrent use.
type Resolver struct {
	lowAssurance [][]byte
	managedKMS   []byte
	legacy       []byte
}

// NewResolver precomputes all key material from cfg.
func NewResolver(cfg Config) (*Resolver, error) {
	r := &Resolver{}

	secrets := make([]string, 0, len(cfg.SharedSecrets)+1)
	for _, s := range cfg.SharedSecrets {
		if s = strings.TrimSpace(s); s != "" {
			secrets = append(secrets, s)
		}
	}
	if cfg.AllowDevFallback {
		secrets = append(secrets, DevFallbackSecret)
	}
	for _, s := range secrets {
		r.lowAssurance = appendUnique(r.lowAssurance, hashSecret(s))
	}

	if s := strings.TrimSpace(cfg.ManagedKMSSecret); s != "" {
		key, err := deriveHKDF(s)
		if err != nil {
			return nil, fmt.Errorf("derive managed_kms key: %w", err)
		}
		r.managedKMS = key
	}

	if s := strings.TrimSpace(cfg.LegacyKey); s != "" {
		r.legacy = legacyKey(s)
	}

	return r, nil
}

// DeriveKey returns the primary key for b, the one new payloads are
// encrypted with.
func (r *Resolver) DeriveKey(b envelope.Backend) ([]byte, error) {
	keys, err := r.CandidateKeys(b)
	if err != nil {
		return nil, err
	}
	return keys[0], nil
}

// CandidateKeys returns every key that may have produced a payload for b,
// primary first, without duplicates.
func (r *Resolver) CandidateKeys(b envelope.Backend) ([][]byte, error) {
	switch b {
	case envelope.BackendLowAssurance:
		if len(r.lowAssurance) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrBackendNotConfigured, b)
		}
		return cloneKeys(r.lowAssurance), nil
	case envelope.BackendManagedKMS:
		if r.managedKMS == nil {
			return nil, fmt.Errorf("%w: %s", ErrBackendNotConfigured, b)
		}
		return cloneKeys([][]byte{r.managedKMS}), nil
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrBackendNotConfigured, b)
	}
}

// LegacyCandidateKeys returns the keys tried for unversioned payloads: the
// low-assurance candidates followed by the legacy single key.
func (r *Resolver) LegacyCandidateKeys() [][]byte {
	keys := cloneKeys(r.lowAssurance)
	if r.legacy != nil {
		keys = appendUnique(keys, append([]byte(nil), r.legacy...))
	}
	return keys
}

// Available reports whether b has key material.
func (r *Resolver) Available(b envelope.Backend) bool {
	_, err := r.CandidateKeys(b)
	return err == nil
}

// AvailableBackends lists configured backends, lowest assurance first.
func (r *Resolver) AvailableBackends() []envelope.Backend {
	var out []envelope.Backend
	for _, b := range envelope.Backends {
		if r.Available(b) {
			out = append(out, b)
		}
	}
	return out
}

func hashSecret(s string) []byte {
	sum := sha256.Sum256([]byte(s))
	return sum[:]
}

func deriveHKDF(secret string) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(managedKMSInfo)), key); err != nil {
		return nil, err
	}
	return key, nil
}

func legacyKey(s string) []byte {
	if len(s) == hex.EncodedLen(KeySize) {
		if raw, err := hex.DecodeString(s); err == nil {
			return raw
		}
	}
	return hashSecret(s)
}

func appendUnique(keys [][]byte, k []byte) [][]byte {
	for _, existing := range keys {
		if bytes.Equal(existing, k) {
			return keys
		}
	}
	return append(keys, k)
}

func cloneKeys(keys [][]byte) [][]byte {
	out := make([][]byte, len(keys))
	for i, k := range keys {
		out[i] = append([]byte(nil), k...)
	}
	return out
}
