// cmd/odoosync/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ilcreatore32/odoosync/checkpoint"
	"github.com/ilcreatore32/odoosync/config"
	"github.com/ilcreatore32/odoosync/godoo"
	"github.com/ilcreatore32/odoosync/identity"
	"github.com/ilcreatore32/odoosync/reconcile"
)

// Exit codes of one invocation.
const (
	exitOK           = 0
	exitFatal        = 1
	exitRecordErrors = 2
	exitInterrupted  = 130
)

func main() {
	os.Exit(execute())
}

func execute() int {
	var configPath string
	code := exitOK

	cmd := &cobra.Command{
		Use:   "odoosync",
		Short: "Reconcile master data from a source Odoo instance into a target one",
		Long: "odoosync reads categories, products, partners and pricelists from the source\n" +
			"instance and creates, updates or archives their counterparts in the target.\n" +
			"Counterparts are remembered as ir.model.data records in the target, so\n" +
			"running it again only writes what changed.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			code, err = run(cmd.Context(), configPath)
			return err
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file (default ./odoosync.yaml)")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "odoosync:", err)
		if code == exitOK {
			code = exitFatal
		}
	}
	return code
}

func run(ctx context.Context, configPath string) (int, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return exitFatal, err
	}

	logger := godoo.NewLogger(godoo.LoggerEnv(cfg.Logging.Env), cfg.Logging.Level)
	defer func() {
		_ = logger.Sync()
	}()

	source, err := godoo.New(cfg.Source.URL, cfg.Source.DB, cfg.Source.Username, cfg.Source.Password,
		append(cfg.ClientOptions("source", cfg.Source), godoo.WithLogger(logger))...)
	if err != nil {
		return exitFatal, fmt.Errorf("source client: %w", err)
	}
	target, err := godoo.New(cfg.Target.URL, cfg.Target.DB, cfg.Target.Username, cfg.Target.Password,
		append(cfg.ClientOptions("target", cfg.Target), godoo.WithLogger(logger))...)
	if err != nil {
		return exitFatal, fmt.Errorf("target client: %w", err)
	}
	defer func() {
		if cerr := multierr.Combine(source.Close(), target.Close()); cerr != nil {
			logger.Warn("Failed to close Odoo connections", zap.Error(cerr))
		}
	}()

	for _, client := range []*godoo.OdooClient{source, target} {
		if err := client.Authenticate(ctx); err != nil {
			logger.Error("Authentication failed", zap.String("instance", client.Name()), zap.Error(err))
			return exitFatal, err
		}
		version, err := client.Version(ctx)
		if err != nil {
			logger.Warn("Could not read server version", zap.String("instance", client.Name()), zap.Error(err))
			continue
		}
		logger.Info("Connected to Odoo",
			zap.String("instance", client.Name()),
			zap.String("server_version", version.ServerVersion),
			zap.Int64("protocol_version", version.ProtocolVer),
		)
	}

	links := identity.New(target, identity.WithModule(cfg.Sync.LinkModule), identity.WithLogger(logger))
	catalog, err := reconcile.NewCatalog(source, target, links, reconcile.CatalogConfig{
		ProductKey:   cfg.Sync.ProductKey,
		ArchiveKey:   cfg.Sync.ArchiveKey,
		CustomFields: cfg.Sync.CustomFields,
		Logger:       logger,
	})
	if err != nil {
		return exitFatal, err
	}
	entities, err := catalog.Select(cfg.Sync.Entities)
	if err != nil {
		return exitFatal, err
	}

	reconciler := reconcile.New(source, target, links, catalog.Mapper(),
		reconcile.WithLogger(logger),
		reconcile.WithOnlyActive(cfg.Sync.OnlyActive),
		reconcile.WithLimit(cfg.Sync.Limit),
		reconcile.WithImages(cfg.Sync.SyncImages, cfg.Sync.ImagePageSize),
		reconcile.WithFilters(cfg.Sync.Filters()),
		reconcile.WithPlaces(cfg.Sync.FloatPlaces),
	)
	runnerOpts := []reconcile.RunnerOption{
		reconcile.WithRunnerLogger(logger),
		reconcile.WithScope(catalog.Names()),
	}
	if cfg.Sync.CheckpointFile != "" {
		runnerOpts = append(runnerOpts, reconcile.WithCheckpoint(checkpoint.New(cfg.Sync.CheckpointFile), cfg.Sync.Incremental))
	}

	summary, err := reconcile.NewRunner(reconciler, runnerOpts...).RunAll(ctx, entities)
	switch {
	case err != nil && errors.Is(err, context.Canceled):
		return exitInterrupted, err
	case err != nil:
		return exitFatal, err
	case summary.Interrupted:
		logger.Warn("Run interrupted, checkpoint left unchanged")
		return exitInterrupted, nil
	case cfg.Sync.FailOnErrors && summary.Errors() > 0:
		return exitRecordErrors, fmt.Errorf("%d records failed: %w", summary.Errors(), summary.Err())
	}
	return exitOK, nil
}
