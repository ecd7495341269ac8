package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/HerbHall/courierkeys/pkg/plugin"
)

func tempDB(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := New(path)
	if err != nil {
		t.Fatalf("New(%q): %v", path, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createKV(t *testing.T, s *SQLiteStore) {
	t.Helper()
	if _, err := s.DB().Exec("CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)"); err != nil {
		t.Fatalf("create table: %v", err)
	}
}

func countKV(t *testing.T, s *SQLiteStore) int {
	t.Helper()
	var n int
	if err := s.DB().QueryRow("SELECT COUNT(*) FROM kv").Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestNew_invalid_path(t *testing.T) {
	if _, err := New("/nonexistent/path/to/db"); err == nil {
		t.Error("expected error for invalid path, got nil")
	}
}

func TestTx_commit(t *testing.T) {
	s := tempDB(t)
	createKV(t, s)

	err := s.Tx(context.Background(), func(tx *sql.Tx) error {
		_, err := tx.Exec("INSERT INTO kv (k, v) VALUES ('a', '1')")
		return err
	})
	if err != nil {
		t.Fatalf("Tx() error = %v", err)
	}
	if n := countKV(t, s); n != 1 {
		t.Errorf("rows = %d, want 1", n)
	}
}

func TestTx_rollback_on_error(t *testing.T) {
	s := tempDB(t)
	createKV(t, s)
	sentinel := errors.New("abort")

	err := s.Tx(context.Background(), func(tx *sql.Tx) error {
		if _, err := tx.Exec("INSERT INTO kv (k, v) VALUES ('a', '1')"); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("Tx() error = %v, want %v", err, sentinel)
	}
	if n := countKV(t, s); n != 0 {
		t.Errorf("rows after rollback = %d, want 0", n)
	}
}

func TestMigrate_applies_once_per_plugin(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()
	calls := 0
	migs := []plugin.Migration{{
		Version:     1,
		Description: "create kv",
		Up: func(tx *sql.Tx) error {
			calls++
			_, err := tx.Exec("CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)")
			return err
		},
	}}

	if err := s.Migrate(ctx, "vault", migs); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if err := s.Migrate(ctx, "vault", migs); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("Up called %d times, want 1", calls)
	}
}

func TestMigrate_failure_rolls_back(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()
	migs := []plugin.Migration{{
		Version:     1,
		Description: "broken",
		Up: func(tx *sql.Tx) error {
			if _, err := tx.Exec("CREATE TABLE kv (k TEXT)"); err != nil {
				return err
			}
			return errors.New("boom")
		},
	}}

	if err := s.Migrate(ctx, "vault", migs); err == nil {
		t.Fatal("expected migration error")
	}
	var name string
	err := s.DB().QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='kv'").Scan(&name)
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("table kv exists after failed migration (err = %v)", err)
	}
}

func TestForeignKeys_enabled(t *testing.T) {
	s := tempDB(t)
	var fk int
	if err := s.DB().QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatalf("query pragma: %v", err)
	}
	if fk != 1 {
		t.Errorf("foreign_keys = %d, want 1", fk)
	}
}

func TestCheckVersion(t *testing.T) {
	tests := []struct {
		name    string
		stored  string
		current string
		wantErr error
	}{
		{"same", "1.2.0", "1.2.0", nil},
		{"newer binary", "1.2.0", "1.3.0", nil},
		{"older binary", "1.3.0", "1.2.0", ErrNewerSchema},
		{"dev stored", "dev", "0.1.0", nil},
		{"dev binary", "9.9.9", "dev", nil},
		{"prefixed", "v1.0.0", "1.0.1", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := tempDB(t)
			ctx := context.Background()
			if err := s.CheckVersion(ctx, tt.stored); err != nil {
				t.Fatalf("first CheckVersion() error = %v", err)
			}
			err := s.CheckVersion(ctx, tt.current)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("CheckVersion(%q) error = %v", tt.current, err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("CheckVersion(%q) error = %v, want %v", tt.current, err, tt.wantErr)
			}
		})
	}
}
