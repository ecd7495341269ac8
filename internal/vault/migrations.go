package vault

import (
	"database/sql"

	"github.com/HerbHall/courierkeys/pkg/plugin"
)

func migrations() []plugin.Migration {
	return []plugin.Migration{
		{
			Version:     1,
			Description: "create credential record and provider profile tables",
			Up: func(tx *sql.Tx) error {
				stmts := []string{
					`CREATE TABLE IF NOT EXISTS credential_records (
						tenant_id TEXT PRIMARY KEY,
						doordash_api_key TEXT,
						doordash_signing_secret TEXT,
						doordash_developer_id TEXT,
						uber_client_id TEXT,
						uber_client_secret TEXT,
						uber_customer_id TEXT,
						uber_webhook_signing_key TEXT,
						openai_api_key TEXT,
						anthropic_api_key TEXT,
						created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
						updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
					)`,

					`CREATE TABLE IF NOT EXISTS provider_profiles (
						id TEXT PRIMARY KEY,
						tenant_id TEXT NOT NULL,
						provider TEXT NOT NULL,
						backend TEXT NOT NULL CHECK (backend IN ('low_assurance', 'managed_kms')),
						state TEXT NOT NULL CHECK (state IN ('ACTIVE', 'DISABLED', 'ROTATING', 'REVOKED')),
						profile_version INTEGER NOT NULL CHECK (profile_version >= 1),
						config_ref_map TEXT NOT NULL DEFAULT '{}',
						created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
						updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
						UNIQUE (tenant_id, provider)
					)`,
					`CREATE INDEX IF NOT EXISTS idx_provider_profiles_tenant ON provider_profiles(tenant_id)`,

					`CREATE TABLE IF NOT EXISTS provider_profile_events (
						id TEXT PRIMARY KEY,
						tenant_id TEXT NOT NULL,
						provider TEXT NOT NULL,
						profile_id TEXT NOT NULL REFERENCES provider_profiles(id),
						action TEXT NOT NULL,
						actor TEXT,
						profile_version INTEGER NOT NULL,
						outcome TEXT NOT NULL CHECK (outcome IN ('SUCCESS', 'FAILURE')),
						metadata TEXT NOT NULL DEFAULT '{}',
						created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
					)`,
					`CREATE INDEX IF NOT EXISTS idx_profile_events_tenant ON provider_profile_events(tenant_id, created_at)`,
					`CREATE INDEX IF NOT EXISTS idx_profile_events_profile ON provider_profile_events(profile_id)`,

					// The audit log is append-only.
					`CREATE TRIGGER IF NOT EXISTS provider_profile_events_no_update
						BEFORE UPDATE ON provider_profile_events
						BEGIN SELECT RAISE(ABORT, 'provider_profile_events is append-only'); END`,
					`CREATE TRIGGER IF NOT EXISTS provider_profile_events_no_delete
						BEFORE DELETE ON provider_profile_events
						BEGIN SELECT RAISE(ABORT, 'provider_profile_events is append-only'); END`,
				}
				for _, stmt := range stmts {
					if _, err := tx.Exec(stmt); err != nil {
						return err
					}
				}
				return nil
			},
		},
	}
}
