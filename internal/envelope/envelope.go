// Package envelope encodes and parses the self-describing string form of an
// encrypted secret.
//
// The versioned form is
//
//	v1:<backend>:<iv>.<tag>.<ciphertext>
//
// where each dot-separated segment is standard base64. Payloads written before
// versioning carry only the three segments and are implicitly owned by the
// low-assurance backend.
package envelope

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedPayload is returned when a payload string does not parse.
var ErrMalformedPayload = errors.New("malformed payload")

// Version is the only envelope version this package emits and accepts.
const Version = "v1"

// AES-256-GCM geometry carried in the envelope.
const (
	IVSize  = 12
	TagSize = 16
)

// Backend names the key-derivation path that produced a payload's key.
type Backend string

// Supported backends.
const (
	BackendLowAssurance Backend = "low_assurance"
	BackendManagedKMS   Backend = "managed_kms"
)

// Backends lists every recognized backend, lowest assurance first.
var Backends = []Backend{BackendLowAssurance, BackendManagedKMS}

// ParseBackend maps a backend tag to a Backend. Unrecognized tags fail with
// ErrMalformedPayload because they can only come from stored data or input.
func ParseBackend(s string) (Backend, error) {
	switch Backend(s) {
	case BackendLowAssurance, BackendManagedKMS:
		return Backend(s), nil
	default:
		return "", fmt.Errorf("%w: unknown backend %q", ErrMalformedPayload, s)
	}
}

// String implements fmt.Stringer.
func (b Backend) String() string { return string(b) }

// Payload is a decoded envelope.
type Payload struct {
	Backend    Backend
	IV         []byte
	Tag        []byte
	Ciphertext []byte
	// Legacy is true when the payload had no version prefix.
	Legacy bool
}

// Encode always emits the versioned form.
func Encode(b Backend, iv, tag, ciphertext []byte) string {
	enc := base64.StdEncoding
	return Version + ":" + string(b) + ":" +
		enc.EncodeToString(iv) + "." +
		enc.EncodeToString(tag) + "." +
		enc.EncodeToString(ciphertext)
}

// IsVersioned reports whether s carries a version prefix. It does not
// validate the rest of the payload.
func IsVersioned(s string) bool {
	return strings.HasPrefix(s, Version+":")
}

// Decode parses a versioned or legacy payload.
func Decode(s string) (*Payload, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrMalformedPayload)
	}

	parts := strings.Split(s, ":")
	switch len(parts) {
	case 1:
		p, err := decodeBody(parts[0])
		if err != nil {
			return nil, err
		}
		p.Backend = BackendLowAssurance
		p.Legacy = true
		return p, nil
	case 3:
		if parts[0] != Version {
			return nil, fmt.Errorf("%w: unsupported version %q", ErrMalformedPayload, parts[0])
		}
		b, err := ParseBackend(parts[1])
		if err != nil {
			return nil, err
		}
		p, err := decodeBody(parts[2])
		if err != nil {
			return nil, err
		}
		p.Backend = b
		return p, nil
	default:
		return nil, fmt.Errorf("%w: expected 1 or 3 colon-separated parts, got %d", ErrMalformedPayload, len(parts))
	}
}

func decodeBody(body string) (*Payload, error) {
	// The base64 decoder skips line breaks; a payload is a single line.
	if strings.ContainsAny(body, "\r\n") {
		return nil, fmt.Errorf("%w: line break in payload", ErrMalformedPayload)
	}
	segs := strings.Split(body, ".")
	if len(segs) != 3 {
		return nil, fmt.Errorf("%w: expected 3 dot-separated segments, got %d", ErrMalformedPayload, len(segs))
	}

	iv, err := base64.StdEncoding.DecodeString(segs[0])
	if err != nil {
		return nil, fmt.Errorf("%w: iv: %v", ErrMalformedPayload, err)
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("%w: iv length %d, want %d", ErrMalformedPayload, len(iv), IVSize)
	}

	tag, err := base64.StdEncoding.DecodeString(segs[1])
	if err != nil {
		return nil, fmt.Errorf("%w: tag: %v", ErrMalformedPayload, err)
	}
	if len(tag) != TagSize {
		return nil, fmt.Errorf("%w: tag length %d, want %d", ErrMalformedPayload, len(tag), TagSize)
	}

	// An empty plaintext yields an empty ciphertext segment.
	ct, err := base64.StdEncoding.DecodeString(segs[2])
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext: %v", ErrMalformedPayload, err)
	}

	return &Payload{IV: iv, Tag: tag, Ciphertext: ct}, nil
}
