// Package main syncs the pool definitions file into the store without
// starting the server. The server does the same on startup; this command is
// for checking a definitions change before a rollout.
//
// Usage:
//
//	pool-sync [--dry-run] [--file pools.yaml]
//
// Import Path: rbs.io/buffer/cmd/pool-sync
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"rbs.io/buffer/internal/config"
	"rbs.io/buffer/internal/infrastructure"
	"rbs.io/buffer/internal/pkg/logger"
	"rbs.io/buffer/internal/repository"
	"rbs.io/buffer/internal/service"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "pool-sync error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	cmd := newRootCommand(out)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(context.Background())
}

type syncCommand struct {
	dryRun bool
	file   string
}

func newRootCommand(out io.Writer) *cobra.Command {
	sc := &syncCommand{}

	cmd := &cobra.Command{
		Use:   "pool-sync",
		Short: "Sync the pool definitions file into the store",
		Long: `Validate the pool definitions file and apply it to the PostgreSQL store:
new pools are created, sizes follow the file and pools missing from the file
are deactivated. A changed resource configuration for an existing pool id is
rejected.

With --dry-run the file is only validated and printed.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          sc.run,
	}
	cmd.SetOut(out)

	cmd.Flags().BoolVar(&sc.dryRun, "dry-run", false, "validate the definitions file and print it; do not touch the store")
	cmd.Flags().StringVarP(&sc.file, "file", "f", "", "pool definitions file (default: pools.config_path)")

	return cmd
}

func (sc *syncCommand) run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if sc.file != "" {
		cfg.Pools.ConfigPath = sc.file
	}

	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if sc.dryRun {
		defs, err := service.NewPoolService(nil).LoadPoolConfigs(cfg.Pools.ConfigPath)
		if err != nil {
			return err
		}
		printDefinitions(cmd.OutOrStdout(), defs)
		return nil
	}

	if cfg.Database.Driver != config.DriverPostgres {
		return fmt.Errorf("pool-sync needs the postgres driver, got %q", cfg.Database.Driver)
	}

	ctx := cmd.Context()
	db, err := infrastructure.NewDatabaseClients(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	defer db.Close()

	// Schema migrations are expected to have run already.
	pools := service.NewPoolService(repository.NewPostgresStore(db.Pool))
	defs, err := pools.LoadPoolConfigs(cfg.Pools.ConfigPath)
	if err != nil {
		return err
	}
	report, err := pools.SyncPools(ctx, defs)
	if report != nil {
		logger.Info("Pool definitions synced",
			zap.Strings("created", report.Created),
			zap.Strings("resized", report.Resized),
			zap.Strings("deactivated", report.Deactivated),
			zap.Strings("unchanged", report.Unchanged),
			zap.Strings("cleanup_changed", report.CleanupChanged),
		)
	}
	return err
}

func printDefinitions(out io.Writer, defs []service.PoolDefinition) {
	for _, d := range defs {
		ttl := "default"
		if d.Cleanup.TTL > 0 {
			ttl = d.Cleanup.TTL.String()
		}
		fmt.Fprintf(out, "%s\tsize=%d\tkind=%s\tauto_delete=%t\tcleanup_ttl=%s\n",
			d.ID, d.Size, d.ResourceConfig.Kind, d.Cleanup.AutoDelete, ttl)
	}
}
