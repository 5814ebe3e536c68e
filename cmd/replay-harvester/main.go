package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/Sternrassler/replay-harvester/pkg/client"
	"github.com/Sternrassler/replay-harvester/pkg/config"
	"github.com/Sternrassler/replay-harvester/pkg/logging"
	"github.com/Sternrassler/replay-harvester/pkg/metrics"
	"github.com/Sternrassler/replay-harvester/pkg/ratelimit"
	"github.com/Sternrassler/replay-harvester/pkg/store"
	"github.com/Sternrassler/replay-harvester/pkg/sweep"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// Mode selects what a run does.
type Mode string

const (
	// ModeSetupIndex seeds every category with its first page and exits.
	ModeSetupIndex Mode = "setup-index"

	// ModeAutoDownload sweeps the categories until interrupted.
	ModeAutoDownload Mode = "auto-download"
)

type options struct {
	configPath   string
	logLevel     string
	setupIndex   bool
	autoDownload bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "replay-harvester",
		Short: "Harvest replays from a rate limited listing API, one rank at a time",
		Long: `replay-harvester downloads every replay of a fixed set of ranks.

Run it once with --setup-index to fetch the first listing page of every rank,
then with --auto-download to sweep the ranks forever. Without either flag the
mode is picked from whether the store already holds a harvest.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			err := run(ctx, opts, cmd.ErrOrStderr())
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
			}
			return err
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&opts.setupIndex, "setup-index", false, "fetch the first page of every category and exit")
	flags.BoolVar(&opts.autoDownload, "auto-download", false, "sweep all categories until interrupted")
	flags.StringVar(&opts.configPath, "config", "", "config file (default: ./harvester.yaml)")
	flags.StringVar(&opts.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	cmd.MarkFlagsMutuallyExclusive("setup-index", "auto-download")

	return cmd
}

// selectMode honours an explicit flag and otherwise infers the mode from
// whether the store is initialized.
func selectMode(opts *options, initialized bool) Mode {
	switch {
	case opts.setupIndex:
		return ModeSetupIndex
	case opts.autoDownload:
		return ModeAutoDownload
	case initialized:
		return ModeAutoDownload
	default:
		return ModeSetupIndex
	}
}

func run(ctx context.Context, opts *options, stderr io.Writer) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logCfg := cfg.Log()
	logCfg.Output = stderr
	logging.Setup(logCfg)
	logging.WithRun(uuid.NewString())
	logger := logging.NewLogger("harvester")

	token, err := config.LoadToken(cfg.API.TokenFile)
	if err != nil {
		logger.Error().Err(err).Str("token_file", cfg.API.TokenFile).Msg("Failed to read token file")
		return err
	}

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	limiter := ratelimit.New(cfg.Limiter(), logging.NewLogger("ratelimit"))
	upstream, err := client.New(cfg.Client(token), limiter, logging.NewLogger("client"))
	if err != nil {
		return err
	}
	ctrl, err := sweep.New(cfg.Sweep(), st, upstream, limiter, logging.NewLogger("sweep"))
	if err != nil {
		return err
	}

	initialized, err := ctrl.Initialized(ctx)
	if err != nil {
		return err
	}
	mode := selectMode(opts, initialized)
	logger.Info().
		Str("mode", string(mode)).
		Str("backend", cfg.Storage.Backend).
		Int("categories", len(cfg.Categories)).
		Msg("Starting replay-harvester")

	if mode == ModeSetupIndex {
		created, err := ctrl.Bootstrap(ctx)
		if err != nil {
			logger.Error().Err(err).Int("created", created).Msg("Bootstrap failed")
			return err
		}
		logger.Info().Int("created", created).Int64("requests", upstream.Requests()).Msg("Index setup complete")
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ctrl.Run(gctx) })
	if cfg.Metrics.Addr != "" {
		g.Go(func() error { return metrics.Serve(gctx, cfg.Metrics.Addr, logging.NewLogger("metrics")) })
	}

	err = g.Wait()
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		logger.Info().Int64("requests", upstream.Requests()).Msg("Shutting down")
		return nil
	}
	if err != nil {
		logger.Error().Err(err).Msg("Sweep stopped")
	}
	return err
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	switch cfg.Storage.Backend {
	case config.BackendBolt:
		st, err := store.OpenBoltStore(cfg.Storage.BoltPath)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { st.Close() }, nil

	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr: cfg.Storage.RedisAddr,
			DB:   cfg.Storage.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Storage.RedisAddr, err)
		}
		return store.NewRedisStore(rdb, store.DefaultRedisPrefix), func() { rdb.Close() }, nil

	default:
		return store.NewFileStore(cfg.Storage.Dir), func() {}, nil
	}
}
