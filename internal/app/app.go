// Package app wires configuration, queue backend, runner, reporting, and
// the HTTP surface into one startable unit.
package app

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"mqrunner/internal/config"
	"mqrunner/internal/httpapi"
	"mqrunner/internal/notify"
	"mqrunner/internal/processor"
	"mqrunner/internal/queue"
	"mqrunner/internal/report"
	"mqrunner/internal/runner"
	"mqrunner/internal/validator"
	"mqrunner/pkg/logx"
)

const defaultReportInterval = 5 * time.Minute

// Overrides carries command-line flags that take precedence over the config
// file. Zero values leave the file untouched.
type Overrides struct {
	// Concurrency overrides runner.concurrency when positive.
	Concurrency int
	// ReportEvery overrides report.interval when positive.
	ReportEvery time.Duration
	// Acknowledge overrides runner.acknowledge_messages when non-nil.
	Acknowledge *bool
}

type App struct {
	cfgPath string
	cfg     *config.Config

	log       logx.Logger
	logCloser io.Closer

	backend  queue.Backend
	runner   *runner.Runner
	reporter *report.Reporter
	http     *httpapi.Server
	watcher  *config.Watcher

	cancel context.CancelFunc
	bg     sync.WaitGroup
}

// New loads the config, applies flag overrides, and builds every component.
// Nothing starts running until Start.
func New(cfgPath string, ov Overrides) (*App, error) {
	cfg, raw, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg, ov)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	log, logCloser, err := logx.New(logx.Config{Level: cfg.App.LogLevel, File: cfg.App.LogFile})
	if err != nil {
		return nil, fmt.Errorf("initializing logging: %w", err)
	}
	log = log.With(logx.String("app", appName(cfg)))

	a := &App{cfgPath: cfgPath, cfg: cfg, log: log, logCloser: logCloser}

	qcfg, err := mapQueueConfig(cfg)
	if err != nil {
		return nil, err
	}
	backend, err := queue.Open(qcfg, cfg.Runner.AcknowledgeMessages, log)
	if err != nil {
		return nil, fmt.Errorf("opening queue backend: %w", err)
	}
	a.backend = backend

	procTimeout, err := config.ParseDurationField("processor.timeout", cfg.Processor.Timeout)
	if err != nil {
		return nil, err
	}
	proc, err := processor.NewExec(cfg.Processor.Command, cfg.Processor.Args, procTimeout, log)
	if err != nil {
		return nil, err
	}

	rcfg, err := mapRunnerConfig(cfg)
	if err != nil {
		return nil, err
	}
	run, err := runner.New(rcfg, backend, backend, validator.Format{}, proc, log)
	if err != nil {
		return nil, err
	}
	a.runner = run

	if cfg.Report.IsEnabled() {
		interval, err := config.ParseDurationOrDefault("report.interval", cfg.Report.Interval, defaultReportInterval)
		if err != nil {
			return nil, err
		}
		notifier, err := buildNotifier(cfg, log)
		if err != nil {
			return nil, err
		}
		rep, err := report.New(run, notifier, interval, log)
		if err != nil {
			return nil, err
		}
		a.reporter = rep
	}

	if cfg.HTTP.Listen != "" {
		a.http = httpapi.New(cfg.HTTP.Listen, run, log)
	}

	a.watcher = config.NewWatcher(cfgPath, raw, a.applyReload, log)

	return a, nil
}

// Start launches the runner loop and the supporting services. It returns
// immediately; use Done to observe the runner's exit.
func (a *App) Start(ctx context.Context) error {
	bgCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	if a.http != nil {
		a.http.Start()
	}
	if a.reporter != nil {
		if err := a.reporter.Start(); err != nil {
			cancel()
			return err
		}
	}

	a.bg.Add(1)
	go func() {
		defer a.bg.Done()
		if err := a.watcher.Run(bgCtx); err != nil {
			a.log.Warn("config watcher exited", logx.Err(err))
		}
	}()

	a.bg.Add(1)
	go func() {
		defer a.bg.Done()
		a.runner.Run(ctx)
	}()

	a.log.Info("app started", logx.String("config", a.cfgPath))
	return nil
}

// Done is closed once the runner loop has drained and exited, whether from
// Stop, context cancellation, or a self-stop on an unhealthy state.
func (a *App) Done() <-chan struct{} { return a.runner.Done() }

// Healthy reports the runner's invariant status, for exit-code decisions.
func (a *App) Healthy() bool { return a.runner.Healthy() }

// Stop drains the runner and shuts the supporting services down. The
// reporter stops last so its final summary reflects the terminal state.
func (a *App) Stop(ctx context.Context) {
	a.log.Info("stopping")
	a.runner.Stop()

	select {
	case <-a.runner.Done():
	case <-ctx.Done():
		a.log.Warn("stop deadline reached before runner drained")
	}

	if a.cancel != nil {
		a.cancel()
	}
	if a.http != nil {
		a.http.Stop(ctx)
	}
	if a.reporter != nil {
		a.reporter.Stop()
	}
	if err := a.backend.Close(); err != nil {
		a.log.Warn("queue backend close", logx.Err(err))
	}

	done := make(chan struct{})
	go func() {
		a.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	a.log.Info("stopped",
		logx.Uint64("processed", a.runner.Processed()),
		logx.Bool("healthy", a.runner.Healthy()))
	if a.logCloser != nil {
		_ = a.logCloser.Close()
	}
}

// applyReload handles config file changes. Only the log level is safe to
// change live; everything else needs a restart, which gets logged so the
// operator is not left guessing.
func (a *App) applyReload(cfg *config.Config) {
	if cfg.App.LogLevel != a.cfg.App.LogLevel {
		a.log = a.log.SetLevel(logx.ParseLevel(cfg.App.LogLevel, logx.LevelInfo))
		a.log.Info("log level changed", logx.String("level", cfg.App.LogLevel))
	}
	if cfg.Runner != a.cfg.Runner || cfg.Queue != a.cfg.Queue || cfg.Processor.Command != a.cfg.Processor.Command {
		a.log.Warn("runner/queue/processor config changed; restart required for changes to take effect")
	}
	a.cfg = cfg
}

func applyOverrides(cfg *config.Config, ov Overrides) {
	if ov.Concurrency > 0 {
		cfg.Runner.Concurrency = ov.Concurrency
	}
	if ov.ReportEvery > 0 {
		cfg.Report.Interval = ov.ReportEvery.String()
	}
	if ov.Acknowledge != nil {
		cfg.Runner.AcknowledgeMessages = *ov.Acknowledge
	}
}

func appName(cfg *config.Config) string {
	if cfg.App.Name != "" {
		return cfg.App.Name
	}
	return "mqrunner"
}

func buildNotifier(cfg *config.Config, log logx.Logger) (report.Notifier, error) {
	if cfg.Telegram == nil {
		return notify.Log{Logger: log}, nil
	}
	return notify.NewTelegram(notify.TelegramConfig{
		Token:      cfg.Telegram.Token,
		ChatID:     cfg.Telegram.ChatID,
		Prefix:     appName(cfg),
		RatePerMin: cfg.Telegram.RatePerMin,
	}, log)
}

func mapRunnerConfig(cfg *config.Config) (runner.Config, error) {
	tick, err := config.ParseDurationField("runner.tick_interval", cfg.Runner.TickInterval)
	if err != nil {
		return runner.Config{}, err
	}
	join, err := config.ParseDurationField("runner.join_timeout", cfg.Runner.JoinTimeout)
	if err != nil {
		return runner.Config{}, err
	}
	delay, err := config.ParseDurationField("runner.startup_delay", cfg.Runner.StartupDelay)
	if err != nil {
		return runner.Config{}, err
	}
	return runner.Config{
		Concurrency:  cfg.Runner.Concurrency,
		AckRequired:  cfg.Runner.AcknowledgeMessages,
		TickInterval: tick,
		MaxAttempts:  cfg.Runner.MaxAdmissionAttempts,
		JoinTimeout:  join,
		StartupDelay: delay,
	}, nil
}

func mapQueueConfig(cfg *config.Config) (queue.Config, error) {
	recv, err := config.ParseDurationField("queue.receive_timeout", cfg.Queue.ReceiveTimeout)
	if err != nil {
		return queue.Config{}, err
	}
	busy, err := config.ParseDurationField("queue.sqlite.busy_timeout", cfg.Queue.SQLite.BusyTimeout)
	if err != nil {
		return queue.Config{}, err
	}
	vis, err := config.ParseDurationField("queue.sqlite.visibility_timeout", cfg.Queue.SQLite.VisibilityTimeout)
	if err != nil {
		return queue.Config{}, err
	}
	return queue.Config{
		Driver:         cfg.Queue.Driver,
		ReceiveTimeout: recv,
		NATS: queue.NATSConfig{
			URL:           cfg.Queue.NATS.URL,
			Stream:        cfg.Queue.NATS.Stream,
			Subject:       cfg.Queue.NATS.Subject,
			Durable:       cfg.Queue.NATS.Durable,
			EventsSubject: cfg.Queue.NATS.EventsSubject,
		},
		Redis: queue.RedisConfig{
			Addr:      cfg.Queue.Redis.Addr,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			QueueKey:  cfg.Queue.Redis.QueueKey,
			EventsKey: cfg.Queue.Redis.EventsKey,
		},
		SQLite: queue.SQLiteConfig{
			Path:              cfg.Queue.SQLite.Path,
			BusyTimeout:       busy,
			VisibilityTimeout: vis,
		},
	}, nil
}
