// Command shvbroker runs the RPC message broker.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"shvbroker/internal/appnode"
	"shvbroker/internal/auth"
	"shvbroker/internal/broker"
	"shvbroker/internal/logging"
)

var appVersion = "dev"

var verboseModules []string

func main() {
	root := &cobra.Command{
		Use:           "shvbroker",
		Short:         "SHV-style RPC message broker",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringSliceVarP(&verboseModules, "verbose", "v", nil,
		`comma-separated list of modules to log at debug level ("." selects the broker binary itself)`)

	root.AddCommand(newServeCmd(), newVersionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the broker version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(appVersion)
			return nil
		},
	}
}

type serveConfig struct {
	addr          string
	usersFile     string
	jwtSecret     string
	tokenTTL      time.Duration
	maxConnPerSec float64
	heartbeat     time.Duration
}

func newServeCmd() *cobra.Command {
	var cfg serveConfig

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "accept connections and run the broker event loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.addr, "addr", "127.0.0.1:3755", "TCP address to listen on")
	cmd.Flags().StringVar(&cfg.usersFile, "users-file", "", "path to a user:sha1 password file (hot-reloaded); empty uses the in-memory placeholder oracle")
	cmd.Flags().StringVar(&cfg.jwtSecret, "jwt-secret", "", "secret enabling the TOKEN login type for session resumption; empty disables it")
	cmd.Flags().DurationVar(&cfg.tokenTTL, "token-ttl", time.Hour, "lifetime of issued resumption tokens")
	cmd.Flags().Float64Var(&cfg.maxConnPerSec, "max-conn-per-sec", 0, "cap on accepted connections per second; 0 disables the limiter")
	cmd.Flags().DurationVar(&cfg.heartbeat, "heartbeat", time.Minute, "interval between connection/mount-count heartbeat log lines; 0 disables it")

	return cmd
}

func runServe(ctx context.Context, cfg serveConfig) error {
	filter := logging.NewComponentFilterHandler(slog.NewTextHandler(os.Stderr, nil), slog.LevelInfo)
	for _, m := range verboseModules {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		if m == "." {
			// This binary's own log lines carry the "heartbeat" tag.
			m = "heartbeat"
		}
		filter.SetLevel(m, slog.LevelDebug)
	}
	logger := slog.New(filter)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	oracle, err := buildOracle(cfg.usersFile, logger.With("component", "auth"))
	if err != nil {
		return fmt.Errorf("build password oracle: %w", err)
	}
	if closer, ok := oracle.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	var tokens *auth.TokenService
	if cfg.jwtSecret != "" {
		tokens = auth.NewTokenService([]byte(cfg.jwtSecret), cfg.tokenTTL)
	}

	b := broker.New(broker.Config{Logger: logger.With("component", "broker"), Oracle: oracle})
	b.Mount(".app", appnode.New("shvbroker", appVersion, b.Subscriptions(), b.Stats()))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		b.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return broker.Serve(gctx, cfg.addr, b.Events(), logger.With("component", "accept"), cfg.maxConnPerSec, tokens)
	})

	if cfg.heartbeat > 0 {
		g.Go(func() error {
			return runHeartbeat(gctx, b, logger.With("component", "heartbeat"), cfg.heartbeat)
		})
	}

	return g.Wait()
}

func buildOracle(usersFile string, logger *slog.Logger) (auth.PasswordOracle, error) {
	if usersFile == "" {
		return &auth.InMemoryOracle{}, nil
	}
	return auth.NewFileOracle(usersFile, logger)
}

// runHeartbeat logs connection/mount counts on a gocron schedule until
// ctx is cancelled.
func runHeartbeat(ctx context.Context, b *broker.Broker, logger *slog.Logger, interval time.Duration) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	stats := b.Stats()
	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			logger.Info("heartbeat",
				"connected_clients", stats.ConnectedClients.Load(),
				"mount_count", stats.MountCount.Load(),
			)
		}),
	)
	if err != nil {
		return fmt.Errorf("schedule heartbeat job: %w", err)
	}

	scheduler.Start()
	<-ctx.Done()
	return scheduler.Shutdown()
}
