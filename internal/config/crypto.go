package config

import (
	"strings"

	"github.com/spf13/viper"

	"github.com/HerbHall/courierkeys/internal/keys"
)

// CryptoConfig extracts the key resolver settings. Current shared secrets
// come first, then decrypt-only historical ones, preserving configured order.
func CryptoConfig(v *viper.Viper) keys.Config {
	shared := secretList(v, "crypto.shared_secrets")
	shared = append(shared, secretList(v, "crypto.previous_shared_secrets")...)

	return keys.Config{
		SharedSecrets:    shared,
		ManagedKMSSecret: v.GetString("crypto.managed_kms_secret"),
		LegacyKey:        v.GetString("crypto.legacy_key"),
		AllowDevFallback: v.GetBool("crypto.allow_dev_fallback"),
	}
}

// secretList reads a list of secrets. A YAML list is taken as is. A plain
// string, which is what environment overrides produce, is split on commas
// only, so secrets may contain spaces.
func secretList(v *viper.Viper, key string) []string {
	raw, ok := v.Get(key).(string)
	if !ok {
		return append([]string{}, v.GetStringSlice(key)...)
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
