package main

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/HerbHall/courierkeys/internal/envelope"
	"github.com/HerbHall/courierkeys/internal/keys"
	"github.com/HerbHall/courierkeys/internal/migrate"
	"github.com/HerbHall/courierkeys/internal/store"
	"github.com/HerbHall/courierkeys/internal/vault"
	"github.com/HerbHall/courierkeys/pkg/plugin"
)

const secret = "cli-shared-secret"

func legacy(t *testing.T, plaintext string) string {
	t.Helper()
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	require.NoError(t, err)
	gcm, err := cipher.NewGCM(block)
	require.NoError(t, err)
	iv := make([]byte, envelope.IVSize)
	_, err = rand.Read(iv)
	require.NoError(t, err)
	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	split := len(sealed) - envelope.TagSize
	return strings.TrimPrefix(envelope.Encode(envelope.BackendLowAssurance, iv, sealed[split:], sealed[:split]), "v1:low_assurance:")
}

// seedDB creates a database file holding legacy records for tenants.
func seedDB(t *testing.T, tenants ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "courierkeys.db")
	db, err := store.New(path)
	require.NoError(t, err)
	defer db.Close()

	r, err := keys.NewResolver(keys.Config{SharedSecrets: []string{secret}})
	require.NoError(t, err)
	require.NoError(t, vault.New(r).Init(context.Background(), plugin.Dependencies{Logger: zap.NewNop(), Store: db}))

	records := vault.NewRecordStore(db.DB())
	for _, id := range tenants {
		rec := vault.NewCredentialRecord(id)
		rec.Slots[vault.SlotOpenAIAPIKey] = legacy(t, "sk-"+id)
		require.NoError(t, records.Put(context.Background(), rec))
	}
	return path
}

func execute(t *testing.T, args ...string) (*migrate.Report, error) {
	t.Helper()
	t.Setenv("CK_CRYPTO_SHARED_SECRETS", secret)
	t.Setenv("CK_LOGGING_LEVEL", "error")

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs(append(args, "--json"))
	err := cmd.ExecuteContext(context.Background())

	var report migrate.Report
	if out.Len() > 0 {
		require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	}
	return &report, err
}

func TestCredmigrate_DefaultsToDryRun(t *testing.T) {
	path := seedDB(t, "r1", "r2")

	report, err := execute(t, "--db", path)
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Equal(t, 2, report.WouldMigrate)
	assert.Zero(t, report.Migrated)

	report, err = execute(t, "--db", path, "--dry-run=false", "--tenant", "r1", "--actor", "ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Migrated)

	report, err = execute(t, "--db", path, "--dry-run=false")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Migrated)
	assert.Equal(t, 1, report.Skipped)
}

func TestCredmigrate_FailureExitsNonZero(t *testing.T) {
	path := seedDB(t, "r1")
	t.Setenv("CK_CRYPTO_SHARED_SECRETS", "a-different-secret")

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--db", path})
	err := cmd.ExecuteContext(context.Background())
	assert.ErrorIs(t, err, errRowsFailed)
	assert.Contains(t, out.String(), "1 failed")
	assert.NotContains(t, out.String(), "sk-r1")
}
