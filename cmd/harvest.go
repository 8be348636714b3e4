package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openglam/iiif-harvest/internal/cache"
	"github.com/openglam/iiif-harvest/internal/clock/system"
	"github.com/openglam/iiif-harvest/internal/config"
	collyfetcher "github.com/openglam/iiif-harvest/internal/fetcher/colly"
	"github.com/openglam/iiif-harvest/internal/hash/sha256"
	"github.com/openglam/iiif-harvest/internal/id/uuid"
	"github.com/openglam/iiif-harvest/internal/iiif"
	"github.com/openglam/iiif-harvest/internal/logging"
	"github.com/openglam/iiif-harvest/internal/metrics"
	"github.com/openglam/iiif-harvest/internal/walker"
)

// newHarvestCmd creates the 'harvest' subcommand, which runs one full
// ingestion pass against the configured root collection.
func newHarvestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "harvest",
		Short: "Walks the configured collection and updates the manifest cache",
		Long: `Fetches the root collection, recursively resolves every referenced
sub-collection and manifest under the configured concurrency budget, and
writes normalized documents plus resolved thumbnails into the cache.
Per-resource failures are reported at the end; only a root failure is fatal.`,

		RunE: runHarvestCommand,
	}
	return cmd
}

func runHarvestCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	metrics.Init()

	w, err := buildWalker(cfg, logger)
	if err != nil {
		return err
	}

	report, err := w.Run(cmd.Context())
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("harvest interrupted", zap.String("run_id", report.RunID))
			return nil
		}
		return fmt.Errorf("run harvest: %w", err)
	}

	logSummary(logger, report)
	return nil
}

func buildWalker(cfg config.Config, logger *zap.Logger) (*walker.Walker, error) {
	store, err := cache.Open(cfg.Cache.Dir, logger)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.HTTP.UserAgent,
		Timeout:   cfg.Timeout(),
	}, logger)
	policy := iiif.NewExponentialRetryPolicy(cfg.HTTP.MaxRetries, cfg.BackoffInitial(), cfg.BackoffMax())
	retrying := iiif.NewRetryingFetcher(fetcher, policy, logger)

	strategy := iiif.StrategySafe
	if cfg.IIIF.Thumbnails.Unsafe {
		strategy = iiif.StrategyUnsafe
	}
	thumbs := iiif.NewThumbnailResolver(retrying, iiif.ThumbnailOptions{
		Strategy:      strategy,
		PreferredSize: cfg.IIIF.Thumbnails.PreferredSize,
		ProbeLimit:    cfg.IIIF.Thumbnails.ProbeLimit,
	}, logger)

	return walker.New(
		retrying,
		store,
		thumbs,
		sha256.New(),
		system.New(),
		uuid.NewGenerator(),
		walker.Config{
			RootURI:     cfg.Collection.URI,
			Concurrency: cfg.IIIF.Concurrency,
			ChunkSize:   cfg.IIIF.ChunkSize,
			Thumbnails: cache.ThumbnailMeta{
				Unsafe:        cfg.IIIF.Thumbnails.Unsafe,
				PreferredSize: cfg.IIIF.Thumbnails.PreferredSize,
			},
		},
		logger,
	), nil
}

func logSummary(logger *zap.Logger, report walker.Report) {
	logger.Info("harvest finished",
		zap.String("run_id", report.RunID),
		zap.String("root", report.RootURI),
		zap.Int("resolved", report.Resolved),
		zap.Int("cached_hits", report.CachedHits),
		zap.Int("collections", report.Collections),
		zap.Int("deduped", report.Deduped),
		zap.Int("failed", report.Failed()),
		zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)),
	)
	for _, f := range report.Failures {
		logger.Warn("resource failed",
			zap.String("uri", f.URI),
			zap.String("id", f.ID),
			zap.String("reason", f.Reason),
		)
	}
}
