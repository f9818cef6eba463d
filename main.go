package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"rollcall/config"
	"rollcall/metrics"
	"rollcall/storage"
)

var rootCmd = cli.Command{
	Name:   "rollcall",
	Usage:  "record attendance by visiting nearby responders over their private wireless groups",
	Before: setupLogging,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  DataDirFlag,
			Usage: "directory holding config.json and the attendance database",
		},
		&cli.StringFlag{
			Name:  DisplayIDFlag,
			Usage: "identity sent on the wire, persisted to config.json",
		},
		&cli.StringFlag{
			Name:    LogLevelFlag,
			Usage:   "log level: debug, info, warn or error",
			Value:   "info",
			Sources: cli.EnvVars("ROLLCALL_LOG_LEVEL"),
		},
		&cli.BoolFlag{
			Name:  LogPrettyFlag,
			Usage: "human-readable console logs instead of JSON",
		},
		&cli.StringFlag{
			Name:  MetricsAddrFlag,
			Usage: "serve Prometheus metrics on this address, disabled when empty",
		},
		&cli.StringFlag{
			Name:  WifiInterfaceFlag,
			Usage: "wireless interface to manage, overrides config.json",
		},
		&cli.DurationFlag{
			Name:  AttemptRetentionFlag,
			Usage: "how long attempt log entries are kept",
			Value: storage.DefaultAttemptRetention,
		},
	},
	Commands: []*cli.Command{
		&conveneCmd,
		&respondCmd,
		&attendanceCmd,
	},
}

func setupLogging(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	level, err := zerolog.ParseLevel(cmd.String(LogLevelFlag))
	if err != nil {
		return ctx, fmt.Errorf("parse %s: %w", LogLevelFlag, err)
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if cmd.Bool(LogPrettyFlag) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	}
	return ctx, nil
}

// environment is the state shared by every command: persisted config and the attendance store.
type environment struct {
	cfg     *config.DeviceConfig
	cfgPath string
	dataDir string
	store   *storage.Store
}

func openEnvironment(cmd *cli.Command) (*environment, error) {
	cfg, cfgPath, err := config.LoadOrCreate(cmd.String(DataDirFlag))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if id := cmd.String(DisplayIDFlag); id != "" && id != cfg.DisplayID {
		if err := cfg.SetDisplayID(id); err != nil {
			return nil, err
		}
		if err := config.Save(cfgPath, cfg); err != nil {
			return nil, err
		}
	}
	if iface := cmd.String(WifiInterfaceFlag); iface != "" {
		cfg.WifiInterface = iface
	}

	dataDir := filepath.Dir(cfgPath)
	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	store.SetAttemptRetention(cmd.Duration(AttemptRetentionFlag))

	log.Info().
		Str("device_id", cfg.DeviceID).
		Str("display_id", cfg.DisplayID).
		Str("config", cfgPath).
		Str("database", dbPath).
		Msg("environment ready")

	return &environment{cfg: cfg, cfgPath: cfgPath, dataDir: dataDir, store: store}, nil
}

func (e *environment) Close() {
	if err := e.store.Close(); err != nil {
		log.Error().Err(err).Msg("database close error")
	}
}

// runGroup runs fn with an errgroup and, when addr is set, a metrics server beside it.
func runGroup(ctx context.Context, addr string, reg *prometheus.Registry, fn func(context.Context, *errgroup.Group)) error {
	g, gctx := errgroup.WithContext(ctx)
	if addr != "" {
		g.Go(func() error {
			return metrics.Serve(gctx, addr, reg)
		})
	}
	fn(gctx, g)
	return ignoreCanceled(g.Wait())
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// printNotifications writes status lines until the channel closes.
func printNotifications(notes <-chan string) {
	for line := range notes {
		fmt.Println(line)
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.Run(ctx, os.Args); err != nil {
		log.Fatal().Err(err).Msg("rollcall failed")
	}
}
