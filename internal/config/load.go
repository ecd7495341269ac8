package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override: CK_SERVER_PORT=9090,
// CK_CRYPTO_MANAGED_KMS_SECRET=... List-valued secrets such as
// CK_CRYPTO_SHARED_SECRETS are comma-separated.
const EnvPrefix = "CK"

// LoadConfig reads configuration from an optional file and the environment.
// A missing config file is not an error; defaults apply.
func LoadConfig(configPath string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("courierkeys")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/courierkeys")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	return v, nil
}

// SetDefaults registers every default value. Crypto secrets have no defaults.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.rate_limit_rps", 20)
	v.SetDefault("server.rate_limit_burst", 40)
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("database.path", "./data/courierkeys.db")
	v.SetDefault("auth.issuer", "courierkeys")
	v.SetDefault("auth.access_token_ttl", "15m")
	v.SetDefault("crypto.allow_dev_fallback", false)
	v.SetDefault("plugins.vault.enabled", true)
	v.SetDefault("plugins.vault.event_list_limit", 50)
	v.SetDefault("plugins.vault.max_event_list_limit", 500)
	v.SetDefault("migrate.workers", 4)
}
