// Package report periodically summarizes the runner's condition for
// operators.
package report

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"mqrunner/pkg/logx"
)

// Surface is the read-only view of the runner the reporter consumes.
type Surface interface {
	Healthy() bool
	Processed() uint64
	LatestIssues() []string
}

// Notifier delivers a report to wherever the operators live.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Reporter sends a health summary on a fixed interval, plus a final one
// when the runner has stopped.
type Reporter struct {
	surface  Surface
	notifier Notifier
	interval time.Duration
	log      logx.Logger
	cron     *cron.Cron
}

func New(surface Surface, notifier Notifier, interval time.Duration, log logx.Logger) (*Reporter, error) {
	if surface == nil {
		return nil, errors.New("report: surface is required")
	}
	if notifier == nil {
		return nil, errors.New("report: notifier is required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("report: interval must be positive, got %v", interval)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reporter{
		surface:  surface,
		notifier: notifier,
		interval: interval,
		log:      log.With(logx.String("component", "report")),
	}, nil
}

func (r *Reporter) Start() error {
	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", r.interval), r.report); err != nil {
		return fmt.Errorf("scheduling health report: %w", err)
	}
	c.Start()
	r.cron = c
	r.log.Info("health reporting started", logx.Duration("interval", r.interval))
	return nil
}

// Stop halts the schedule, waits for an in-flight report, and sends one
// final summary so operators see the terminal state.
func (r *Reporter) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
		r.cron = nil
	}
	r.report()
}

func (r *Reporter) report() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := r.notifier.Notify(ctx, r.compose()); err != nil {
		r.log.Warn("health report delivery failed", logx.Err(err))
	}
}

func (r *Reporter) compose() string {
	if r.surface.Healthy() {
		return fmt.Sprintf("Feeling good. Processed %d messages.", r.surface.Processed())
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Feeling bad. Processed %d messages. Issues encountered:", r.surface.Processed())
	for _, issue := range r.surface.LatestIssues() {
		b.WriteString("\n- ")
		b.WriteString(issue)
	}
	return b.String()
}
