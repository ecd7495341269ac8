package vault

import (
	"fmt"
	"strings"
)

const maxTenantIDLen = 128

// ValidateTenantID checks that a tenant id is non-empty, bounded, and made
// of URL-safe characters.
func ValidateTenantID(id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrInvalidTenant
	}
	if len(id) > maxTenantIDLen {
		return fmt.Errorf("tenant id exceeds %d characters", maxTenantIDLen)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.', r == ':':
		default:
			return fmt.Errorf("tenant id contains invalid character %q", r)
		}
	}
	return nil
}

// ParseProvider maps a path segment to a slot-owning provider. The internal
// security provider is not addressable.
func ParseProvider(s string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	if _, err := LookupProvider(p); err != nil {
		return "", err
	}
	return p, nil
}
