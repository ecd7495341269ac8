// Command credmigrate re-encrypts legacy credential payloads into the
// versioned envelope format. It runs as a dry run unless --dry-run=false is
// given, and exits non-zero when any tenant fails.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/HerbHall/courierkeys/internal/config"
	"github.com/HerbHall/courierkeys/internal/keys"
	"github.com/HerbHall/courierkeys/internal/migrate"
	"github.com/HerbHall/courierkeys/internal/store"
	"github.com/HerbHall/courierkeys/internal/vault"
	"github.com/HerbHall/courierkeys/internal/version"
	"github.com/HerbHall/courierkeys/pkg/plugin"
)

// errRowsFailed marks a run that finished with failed rows.
var errRowsFailed = errors.New("one or more tenants failed to migrate")

type options struct {
	configPath string
	dbPath     string
	dryRun     bool
	tenantID   string
	actor      string
	workers    int
	jsonOut    bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errRowsFailed) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "credmigrate",
		Short:         "Re-encrypt legacy credential payloads into the versioned format",
		Version:       version.Short(),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.configPath, "config", "", "path to configuration file")
	f.StringVar(&opts.dbPath, "db", "", "database path (overrides database.path)")
	f.BoolVar(&opts.dryRun, "dry-run", true, "report intended changes without writing")
	f.StringVar(&opts.tenantID, "tenant", "", "migrate a single tenant")
	f.StringVar(&opts.actor, "actor", "credmigrate", "actor recorded on audit events")
	f.IntVar(&opts.workers, "workers", 0, "tenants processed concurrently (default migrate.workers)")
	f.BoolVar(&opts.jsonOut, "json", false, "print the report as JSON")
	return cmd
}

func run(ctx context.Context, out io.Writer, opts *options) error {
	v, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logger, err := config.NewLogger(v)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.Named("credmigrate")

	resolver, err := keys.NewResolver(config.CryptoConfig(v))
	if err != nil {
		return fmt.Errorf("key resolver: %w", err)
	}

	dbPath := opts.dbPath
	if dbPath == "" {
		dbPath = v.GetString("database.path")
	}
	db, err := store.New(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.CheckVersion(ctx, version.Short()); err != nil {
		return err
	}

	module := vault.New(resolver)
	err = module.Init(ctx, plugin.Dependencies{
		Config: config.New(v).Sub("plugins.vault"),
		Logger: logger.Named("vault"),
		Store:  db,
	})
	if err != nil {
		return err
	}

	workers := opts.workers
	if workers <= 0 {
		workers = v.GetInt("migrate.workers")
	}
	runner := migrate.NewRunner(module.Service(), vault.NewRecordStore(db.DB()), logger)
	report, err := runner.Run(ctx, migrate.Options{
		DryRun:   opts.dryRun,
		TenantID: opts.tenantID,
		Actor:    opts.actor,
		Workers:  workers,
	})
	if err != nil {
		return err
	}

	if opts.jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		printReport(out, report)
	}

	if !report.OK() {
		logger.Error("migration finished with failures", zap.Int("failed", report.Failed))
		return errRowsFailed
	}
	return nil
}

func printReport(out io.Writer, r *migrate.Report) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TENANT\tSTATUS\tBACKEND\tSLOTS\tERROR")
	for _, row := range r.Rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			row.TenantID, row.Status, row.Backend, strings.Join(row.Slots, ","), row.Error)
	}
	_ = tw.Flush()

	mode := "live"
	if r.DryRun {
		mode = "dry run"
	}
	fmt.Fprintf(out, "\n%s: %d migrated, %d would migrate, %d skipped, %d failed (%s)\n",
		mode, r.Migrated, r.WouldMigrate, r.Skipped, r.Failed, r.Duration.Round(time.Millisecond))
}
