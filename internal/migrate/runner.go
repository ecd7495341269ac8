// Package migrate re-encrypts legacy (unversioned) credential payloads into
// the versioned envelope format, one tenant at a time. A failing tenant is
// logged and counted; it never stops the batch.
package migrate

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/courierkeys/internal/envelope"
	"github.com/HerbHall/courierkeys/internal/vault"
)

// Status is the terminal state of one tenant row.
type Status string

const (
	StatusMigrated     Status = "migrated"
	StatusWouldMigrate Status = "would_migrate"
	StatusSkipped      Status = "skipped"
	StatusFailed       Status = "failed"
)

// Options controls a batch run.
type Options struct {
	// DryRun decrypts and re-encrypts in memory but writes nothing.
	DryRun bool
	// TenantID restricts the run to one tenant when set.
	TenantID string
	// Actor is recorded on every audit event the run writes.
	Actor string
	// Workers bounds concurrent tenants. Values below 1 mean 1.
	Workers int
}

// RowResult is the outcome for one tenant. Error holds the error text,
// which never contains credential values.
type RowResult struct {
	TenantID string           `json:"tenant_id"`
	Status   Status           `json:"status"`
	Backend  envelope.Backend `json:"backend,omitempty"`
	Slots    []string         `json:"slots,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// Report aggregates a batch run.
type Report struct {
	DryRun       bool          `json:"dry_run"`
	Rows         []RowResult   `json:"rows"`
	Migrated     int           `json:"migrated"`
	WouldMigrate int           `json:"would_migrate"`
	Skipped      int           `json:"skipped"`
	Failed       int           `json:"failed"`
	Duration     time.Duration `json:"duration"`
}

// OK reports whether every row finished without error.
func (r *Report) OK() bool { return r.Failed == 0 }

// Migrator is the slice of the credential service a batch run needs.
type Migrator interface {
	MigrateLegacyRecord(ctx context.Context, tenantID, actor string, dryRun bool) (*vault.LegacyChange, error)
}

// TenantLister enumerates tenants that own a credential record.
type TenantLister interface {
	ListTenantIDs(ctx context.Context) ([]string, error)
}

// Runner drives a batch migration.
type Runner struct {
	svc     Migrator
	tenants TenantLister
	logger  *zap.Logger
}

// NewRunner creates a Runner.
func NewRunner(svc Migrator, tenants TenantLister, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{svc: svc, tenants: tenants, logger: logger}
}

// Run migrates every tenant (or opts.TenantID) and returns the report. The
// returned error covers listing tenants only; per-tenant failures are in
// the report.
func (r *Runner) Run(ctx context.Context, opts Options) (*Report, error) {
	start := time.Now()

	var ids []string
	if opts.TenantID != "" {
		if err := vault.ValidateTenantID(opts.TenantID); err != nil {
			return nil, err
		}
		ids = []string{opts.TenantID}
	} else {
		var err error
		ids, err = r.tenants.ListTenantIDs(ctx)
		if err != nil {
			return nil, err
		}
	}

	workers := max(opts.Workers, 1)
	r.logger.Info("legacy migration started",
		zap.Bool("dry_run", opts.DryRun),
		zap.Int("tenants", len(ids)),
		zap.Int("workers", workers),
	)

	rows := make([]RowResult, len(ids))
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

dispatch:
	for i, id := range ids {
		select {
		case <-ctx.Done():
			for j := i; j < len(ids); j++ {
				rows[j] = RowResult{TenantID: ids[j], Status: StatusFailed, Error: ctx.Err().Error()}
			}
			break dispatch
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			defer func() { <-sem }()
			rows[i] = r.migrateOne(ctx, id, opts)
		}(i, id)
	}
	wg.Wait()

	report := &Report{DryRun: opts.DryRun, Rows: rows}
	for _, row := range rows {
		switch row.Status {
		case StatusMigrated:
			report.Migrated++
		case StatusWouldMigrate:
			report.WouldMigrate++
		case StatusSkipped:
			report.Skipped++
		case StatusFailed:
			report.Failed++
		}
	}
	sort.SliceStable(report.Rows, func(i, j int) bool { return report.Rows[i].TenantID < report.Rows[j].TenantID })
	report.Duration = time.Since(start)

	r.logger.Info("legacy migration finished",
		zap.Bool("dry_run", opts.DryRun),
		zap.Int("migrated", report.Migrated),
		zap.Int("would_migrate", report.WouldMigrate),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Duration("duration", report.Duration),
	)
	return report, nil
}

func (r *Runner) migrateOne(ctx context.Context, tenantID string, opts Options) (row RowResult) {
	row.TenantID = tenantID
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("legacy migration panicked", zap.String("tenant_id", tenantID), zap.Any("panic", p))
			row = RowResult{TenantID: tenantID, Status: StatusFailed, Error: "internal error"}
		}
	}()

	change, err := r.svc.MigrateLegacyRecord(ctx, tenantID, opts.Actor, opts.DryRun)
	if err != nil {
		r.logger.Warn("legacy migration failed", zap.String("tenant_id", tenantID), zap.Error(err))
		row.Status = StatusFailed
		row.Error = err.Error()
		return row
	}
	if change == nil {
		r.logger.Debug("no legacy slots", zap.String("tenant_id", tenantID))
		row.Status = StatusSkipped
		return row
	}

	row.Backend = change.Backend
	for _, s := range change.Slots {
		row.Slots = append(row.Slots, string(s))
	}
	if change.Written {
		row.Status = StatusMigrated
	} else {
		row.Status = StatusWouldMigrate
	}
	r.logger.Info("legacy slots re-encrypted",
		zap.String("tenant_id", tenantID),
		zap.String("status", string(row.Status)),
		zap.String("backend", string(change.Backend)),
		zap.Strings("slots", row.Slots),
	)
	return row
}
