package vault

import "github.com/HerbHall/courierkeys/internal/envelope"

// VaultConfig holds configuration for the vault module.
type VaultConfig struct {
	EventListLimit    int    `mapstructure:"event_list_limit"`
	MaxEventListLimit int    `mapstructure:"max_event_list_limit"`
	FixedBackend      string `mapstructure:"fixed_backend"`
}

// DefaultConfig returns the default vault configuration.
func DefaultConfig() VaultConfig {
	return VaultConfig{
		EventListLimit:    50,
		MaxEventListLimit: 500,
	}
}

// fixedBackend parses FixedBackend; empty means mode switching is allowed.
func (c VaultConfig) fixedBackend() (envelope.Backend, error) {
	if c.FixedBackend == "" {
		return "", nil
	}
	return envelope.ParseBackend(c.FixedBackend)
}
