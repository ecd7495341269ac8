package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
)

func TestLoadConfig_DefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())

	v, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if got := v.GetInt("server.port"); got != 8080 {
		t.Errorf("server.port = %d, want 8080", got)
	}
	if v.GetBool("crypto.allow_dev_fallback") {
		t.Error("crypto.allow_dev_fallback must default to false")
	}
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "courierkeys.yaml")
	content := []byte(`
crypto:
  shared_secrets: ["current", "older"]
  legacy_key: legacy
server:
  port: 9000
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CK_CRYPTO_MANAGED_KMS_SECRET", "kms-from-env")

	v, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if got := v.GetInt("server.port"); got != 9000 {
		t.Errorf("server.port = %d, want 9000", got)
	}

	cc := CryptoConfig(v)
	if len(cc.SharedSecrets) != 2 || cc.SharedSecrets[0] != "current" {
		t.Errorf("SharedSecrets = %v, want [current older]", cc.SharedSecrets)
	}
	if cc.ManagedKMSSecret != "kms-from-env" {
		t.Errorf("ManagedKMSSecret not read from environment")
	}
	if cc.LegacyKey != "legacy" {
		t.Errorf("LegacyKey = %q, want %q", cc.LegacyKey, "legacy")
	}
}

func TestCryptoConfig_PreviousSecretsAfterCurrent(t *testing.T) {
	v := viper.New()
	v.Set("crypto.shared_secrets", []string{"new"})
	v.Set("crypto.previous_shared_secrets", []string{"old1", "old2"})

	cc := CryptoConfig(v)
	want := []string{"new", "old1", "old2"}
	if len(cc.SharedSecrets) != len(want) {
		t.Fatalf("SharedSecrets = %v, want %v", cc.SharedSecrets, want)
	}
	for i := range want {
		if cc.SharedSecrets[i] != want[i] {
			t.Errorf("SharedSecrets[%d] = %q, want %q", i, cc.SharedSecrets[i], want[i])
		}
	}
}

func TestCryptoConfig_SecretsFromEnvironment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CK_CRYPTO_SHARED_SECRETS", "correct horse battery staple, second secret")
	t.Setenv("CK_CRYPTO_PREVIOUS_SHARED_SECRETS", "old passphrase")

	v, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	cc := CryptoConfig(v)
	want := []string{"correct horse battery staple", "second secret", "old passphrase"}
	if len(cc.SharedSecrets) != len(want) {
		t.Fatalf("SharedSecrets = %q, want %q", cc.SharedSecrets, want)
	}
	for i := range want {
		if cc.SharedSecrets[i] != want[i] {
			t.Errorf("SharedSecrets[%d] = %q, want %q", i, cc.SharedSecrets[i], want[i])
		}
	}
}

func TestViperConfig_Sub(t *testing.T) {
	v := viper.New()
	v.Set("plugins.vault.event_list_limit", 25)
	c := New(v)

	if got := c.Sub("plugins.vault").GetInt("event_list_limit"); got != 25 {
		t.Errorf("Sub().GetInt() = %d, want 25", got)
	}
	if c.Sub("missing").IsSet("anything") {
		t.Error("missing sub-tree should be empty")
	}
}
