package main

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"rollcall/convener"
	"rollcall/discovery"
	"rollcall/metrics"
	"rollcall/wifi"
)

var conveneCmd = cli.Command{
	Name:   "convene",
	Usage:  "discover responders, join each private group in turn and record attendance",
	Action: runConvene,
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  LenientConfirmFlag,
			Usage: "keep running when a joined network cannot be confirmed",
		},
	},
}

func runConvene(ctx context.Context, cmd *cli.Command) error {
	env, err := openEnvironment(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	nm, err := wifi.NewNMCLI(ctx, wifi.NMCLIOptions{Interface: env.cfg.WifiInterface})
	if err != nil {
		return err
	}
	defer nm.Close()

	scanner, err := discovery.NewPeerScanner(discovery.Config{
		SelfDeviceID: env.cfg.DeviceID,
		DeviceName:   env.cfg.DisplayID,
	})
	if err != nil {
		return err
	}
	if err := scanner.Start(); err != nil {
		return err
	}
	defer scanner.Stop()

	reg := prometheus.NewRegistry()
	collector := metrics.New(reg)

	opts := convener.OptionsFromConfig(env.cfg)
	opts.Attachment = nm
	opts.Scanner = nm
	opts.Discoverer = scanner
	opts.Recorder = env.store
	opts.Metrics = collector
	if cmd.Bool(LenientConfirmFlag) {
		opts.LenientConfirm = true
	}

	orch, err := convener.New(opts)
	if err != nil {
		return err
	}

	log.Info().
		Str("component", "cli").
		Str("interface", nm.Interface()).
		Str("convener_id", opts.ConvenerID).
		Msg("convening")

	return runGroup(ctx, cmd.String(MetricsAddrFlag), reg, func(gctx context.Context, g *errgroup.Group) {
		if err := orch.Start(gctx); err != nil {
			g.Go(func() error { return err })
			return
		}
		g.Go(func() error {
			printNotifications(orch.Notifications())
			return orch.Wait()
		})
		g.Go(func() error {
			return ignoreCanceled(orch.Consume(gctx, convener.Sources{
				Discovery:      scanner.Events(),
				DiscoveryReady: scanner.Ready(),
				ScanResults:    nm.ScanResults(),
				LinkStates:     nm.LinkStates(),
			}))
		})
		g.Go(func() error {
			return ignoreCanceled(nm.WatchLinkState(gctx))
		})
	})
}
