package main

import (
	"context"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"rollcall/metrics"
	"rollcall/responder"
	"rollcall/wifi"
)

var respondCmd = cli.Command{
	Name:   "respond",
	Usage:  "host a private group and answer convener handshakes",
	Action: runRespond,
}

func runRespond(ctx context.Context, cmd *cli.Command) error {
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

	deviceName, err := os.Hostname()
	if err != nil || deviceName == "" {
		deviceName = env.cfg.DisplayID
	}

	reg := prometheus.NewRegistry()
	service, err := responder.New(responder.Options{
		ResponderID:   env.cfg.DisplayID,
		DeviceID:      env.cfg.DeviceID,
		DeviceName:    deviceName,
		ListenAddress: env.cfg.ListenAddress(),
		SocketTimeout: env.cfg.SocketTimeout(),
		Host:          nm,
		Recorder:      env.store,
		Metrics:       metrics.New(reg),
	})
	if err != nil {
		return err
	}

	return runGroup(ctx, cmd.String(MetricsAddrFlag), reg, func(gctx context.Context, g *errgroup.Group) {
		if err := service.Start(gctx); err != nil {
			g.Go(func() error { return err })
			return
		}
		g.Go(func() error {
			printNotifications(service.Notifications())
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return service.Stop()
		})
	})
}
