package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"mqrunner/internal/app"
	"mqrunner/pkg/logx"
)

func main() {
	var (
		cfgPath     string
		concurrency int
		reportEvery time.Duration
		ack         bool
		stopTimeout time.Duration
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.IntVar(&concurrency, "concurrency", 0, "override runner.concurrency")
	flag.DurationVar(&reportEvery, "report-every", 0, "override report.interval")
	flag.BoolVar(&ack, "ack", false, "override runner.acknowledge_messages")
	flag.DurationVar(&stopTimeout, "stop-timeout", 30*time.Second, "graceful shutdown deadline")
	flag.Parse()

	ov := app.Overrides{Concurrency: concurrency, ReportEvery: reportEvery}
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "ack" {
			v := ack
			ov.Acknowledge = &v
		}
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Bootstrap logger for failures before the configured logger exists.
	boot := logx.NewConsole("info")

	a, err := app.New(cfgPath, ov)
	if err != nil {
		boot.Error("startup failed", logx.Err(err))
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		boot.Error("startup failed", logx.Err(err))
		os.Exit(1)
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	// Block until a signal arrives or the runner stops on its own (drain
	// after an unhealthy state).
	select {
	case <-ctx.Done():
	case <-a.Done():
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	a.Stop(stopCtx)

	if !a.Healthy() {
		os.Exit(1)
	}
}
