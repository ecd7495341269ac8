package vault

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors returned by the vault. Callers match them with errors.Is.
var (
	ErrDecryptionFailed        = errors.New("decryption failed")
	ErrIncompleteCredentialSet = errors.New("incomplete credential set")
	ErrUnknownProvider         = errors.New("unknown provider")
	ErrUnknownField            = errors.New("unknown credential field")
	ErrProfileConflict         = errors.New("provider profile was modified concurrently")
	ErrInvalidConfigRefMap     = errors.New("invalid config ref map")
	ErrModeSwitchDisabled      = errors.New("security mode is fixed by configuration")
	ErrInvalidSecurityMode     = errors.New("unknown security mode")
	ErrInvalidTenant           = errors.New("tenant id must not be empty")
)

// IncompleteCredentialSetError lists the mandatory fields a provider is
// missing after an upsert. It matches ErrIncompleteCredentialSet.
type IncompleteCredentialSetError struct {
	Provider Provider
	Missing  []string
}

func (e *IncompleteCredentialSetError) Error() string {
	return fmt.Sprintf("%s: %s missing %s", ErrIncompleteCredentialSet, e.Provider, strings.Join(e.Missing, ", "))
}

// Is reports whether target is ErrIncompleteCredentialSet.
func (e *IncompleteCredentialSetError) Is(target error) bool {
	return target == ErrIncompleteCredentialSet
}
