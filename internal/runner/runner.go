package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/atomic"

	"mqrunner/internal/queue"
	"mqrunner/pkg/logx"
)

// Consumer hands out queued messages and completes them once they have been
// fully processed.
type Consumer interface {
	// Receive returns the next message, or (nil, nil) when the queue is
	// momentarily empty. It blocks no longer than the backend's receive
	// timeout.
	Receive(ctx context.Context) (*queue.Message, error)
	// Acknowledge permanently removes a previously received message. It
	// fails when id does not belong to an in-flight message.
	Acknowledge(ctx context.Context, id string) error
}

// Publisher delivers a completion event for a successfully processed
// message. Fire-and-forget: publish errors are logged, never escalated.
type Publisher interface {
	Publish(ctx context.Context, content string) error
}

// Validator decides whether a message matches the expected format. A false
// result is a normal rejection. A non-nil error means the validator itself
// is broken, which the runner treats as a systemic fault: a validator that
// cannot be trusted corrupts every subsequent admission decision.
type Validator interface {
	Validate(content string) (bool, error)
}

// Processor does the per-message work. Errors and panics are captured by
// the job handle and never reach the scheduler loop.
type Processor interface {
	Process(ctx context.Context, content string) error
}

// Config holds the runner's construction-time settings. Zero durations and
// counts fall back to defaults; Concurrency must be positive.
type Config struct {
	// Concurrency caps the number of messages processed at the same time.
	Concurrency int
	// AckRequired makes the runner acknowledge (delete) messages after
	// successful processing. When false, redelivery is entirely up to the
	// queue implementation.
	AckRequired bool
	// TickInterval is the idle sleep between scheduler ticks.
	TickInterval time.Duration
	// MaxAttempts bounds failed admission attempts per tick, so an empty
	// queue cannot cause a tight receive spin within one tick. The counter
	// resets every tick.
	MaxAttempts int
	// JoinTimeout bounds how long a single reap waits on one job handle.
	JoinTimeout time.Duration
	// StartupDelay postpones the first tick so collaborators can finish
	// their own initialization.
	StartupDelay time.Duration
}

// finalizeTimeout bounds the acknowledge and publish calls that settle one
// finished job.
const finalizeTimeout = 10 * time.Second

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 500 * time.Millisecond
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = 100 * time.Millisecond
	}
	if c.StartupDelay < 0 {
		c.StartupDelay = 0
	}
	return c
}

// Runner is the scheduler core: it admits messages up to the concurrency
// ceiling, runs each through the Processor on its own goroutine, reaps
// completions, and keeps job/goroutine accounting honest.
//
// All mutable state below the "loop-owned" marker is touched only by the
// goroutine running Run. The cross-goroutine surface is limited to the
// stopping flag (Stop) and the read-only atomics/issue log consumed by
// health reporters.
type Runner struct {
	cfg       Config
	consumer  Consumer
	publisher Publisher
	validator Validator
	processor Processor
	log       logx.Logger

	// Loop-owned state.
	running  int
	nextSeq  uint64
	inflight map[uint64]string // job sequence -> queue id
	handles  []*job

	// Cross-goroutine surface.
	stopping  *atomic.Bool
	healthy   *atomic.Bool
	processed *atomic.Uint64
	inFlight  *atomic.Int64
	issues    *issueLog

	done chan struct{}
}

// New validates configuration and collaborators before the loop ever
// starts; these are the only faults that propagate to the caller.
func New(cfg Config, consumer Consumer, publisher Publisher, validator Validator, processor Processor, log logx.Logger) (*Runner, error) {
	if cfg.Concurrency <= 0 {
		return nil, fmt.Errorf("runner: concurrency must be a positive integer, got %d", cfg.Concurrency)
	}
	if consumer == nil {
		return nil, errors.New("runner: consumer is required")
	}
	if publisher == nil {
		return nil, errors.New("runner: publisher is required")
	}
	if validator == nil {
		return nil, errors.New("runner: validator is required")
	}
	if processor == nil {
		return nil, errors.New("runner: processor is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	return &Runner{
		cfg:       cfg.withDefaults(),
		consumer:  consumer,
		publisher: publisher,
		validator: validator,
		processor: processor,
		log:       log.With(logx.String("component", "runner")),
		inflight:  make(map[uint64]string),
		stopping:  atomic.NewBool(false),
		healthy:   atomic.NewBool(true),
		processed: atomic.NewUint64(0),
		inFlight:  atomic.NewInt64(0),
		issues:    newIssueLog(maxIssues),
		done:      make(chan struct{}),
	}, nil
}

// Stop requests a drain-then-stop: no new admissions, in-flight jobs finish
// normally, then the loop exits. Safe to call from any goroutine, any
// number of times. This is the only cross-goroutine write into the runner.
func (r *Runner) Stop() { r.stopping.Store(true) }

// Done is closed when the loop has fully drained and exited.
func (r *Runner) Done() <-chan struct{} { return r.done }

// Healthy reports whether all invariant checks have passed so far.
func (r *Runner) Healthy() bool { return r.healthy.Load() }

// Processed returns the number of successfully processed messages.
func (r *Runner) Processed() uint64 { return r.processed.Load() }

// InFlight returns the number of jobs currently being processed.
func (r *Runner) InFlight() int { return int(r.inFlight.Load()) }

// LatestIssues returns the recorded operational issues, oldest first.
func (r *Runner) LatestIssues() []string { return r.issues.All() }

// Run drives the scheduler loop until a stop request (or unhealthy state)
// has been drained. It never returns an error: every runtime fault becomes
// state surfaced through Healthy and LatestIssues, and the decision to
// terminate the process belongs to the supervising caller.
//
// Cancelling ctx is equivalent to calling Stop.
func (r *Runner) Run(ctx context.Context) {
	defer close(r.done)

	if r.cfg.StartupDelay > 0 {
		select {
		case <-ctx.Done():
			r.stopping.Store(true)
		case <-time.After(r.cfg.StartupDelay):
		}
	}

	r.log.Info("runner started",
		logx.Int("concurrency", r.cfg.Concurrency),
		logx.Bool("ack_required", r.cfg.AckRequired),
		logx.Duration("tick", r.cfg.TickInterval))

	for {
		if ctx.Err() != nil {
			r.stopping.Store(true)
		}

		if !r.stopping.Load() && r.healthy.Load() {
			r.admit(ctx)
		}
		r.reap(ctx)
		r.checkInvariants()
		r.inFlight.Store(int64(r.running))

		if !r.healthy.Load() {
			r.stopping.Store(true)
		}

		if r.stopping.Load() {
			if r.running > 0 {
				// Draining: keep reaping, no new admissions. Each reap
				// pass blocks up to JoinTimeout per still-running job, so
				// this is not a tight spin.
				r.log.Debug("draining", logx.Int("in_flight", r.running))
				continue
			}
			r.log.Info("runner stopped",
				logx.Uint64("processed", r.processed.Load()),
				logx.Bool("healthy", r.healthy.Load()))
			return
		}

		select {
		case <-ctx.Done():
			r.stopping.Store(true)
		case <-time.After(r.cfg.TickInterval):
		}
	}
}

// admit fills free concurrency slots by repeatedly running the
// receive-validate-launch sequence. Failed attempts (empty queue, rejected
// message, receive error) count against MaxAttempts; the counter resets
// next tick.
func (r *Runner) admit(ctx context.Context) {
	free := r.cfg.Concurrency - r.running
	attempts := 0
	for free > 0 && attempts < r.cfg.MaxAttempts {
		if r.launchOne(ctx) {
			free--
		} else {
			attempts++
		}
		if !r.healthy.Load() {
			return
		}
	}
}

// launchOne runs one admission attempt: receive a message, validate it,
// and start a job for it.
func (r *Runner) launchOne(ctx context.Context) bool {
	msg, err := r.consumer.Receive(ctx)
	if err != nil {
		// Transient: a broker hiccup is a failed attempt, not an issue.
		r.log.Warn("receive failed", logx.Err(err))
		return false
	}
	if msg == nil {
		return false
	}

	ok, err := r.validator.Validate(msg.Content)
	if err != nil {
		r.fault(fmt.Sprintf("validator failed on message %q: %v", msg.Content, err))
		return false
	}
	if !ok {
		// Normal rejection: the message format does not match expectations.
		r.log.Warn("message rejected by validator", logx.String("message", msg.Content))
		return false
	}

	// Jobs run detached from the loop context: a stop request (or signal)
	// must let in-flight processors finish normally during the drain.
	r.nextSeq++
	j := startJob(context.WithoutCancel(ctx), msg, r.processor)
	j.seq = r.nextSeq
	r.inflight[j.seq] = msg.ID
	r.handles = append(r.handles, j)
	r.running++
	r.log.Info("job started", logx.String("message", msg.Content), logx.String("id", msg.ID))
	return true
}

// reap polls every active job handle with a bounded wait and finalizes the
// ones that completed. Survivors are compacted in place; the two-phase
// scan-then-keep avoids mutating the slice while ranging over it.
func (r *Runner) reap(ctx context.Context) {
	if len(r.handles) == 0 {
		return
	}
	kept := r.handles[:0]
	for _, j := range r.handles {
		finished, jobErr := j.wait(r.cfg.JoinTimeout)
		if !finished {
			kept = append(kept, j)
			continue
		}
		r.finalize(ctx, j, jobErr)
	}
	// Clear trailing slots so finalized jobs are not pinned by the backing
	// array.
	for i := len(kept); i < len(r.handles); i++ {
		r.handles[i] = nil
	}
	r.handles = kept
}

// finalize settles one completed job: bookkeeping, then acknowledge and
// publish on success, or an issue on failure. A message is acknowledged if
// and only if processing completed without error and acknowledgement is
// configured.
func (r *Runner) finalize(ctx context.Context, j *job, jobErr error) {
	delete(r.inflight, j.seq)
	r.running--

	if jobErr != nil {
		r.log.Error("job failed",
			logx.String("message", j.msg.Content),
			logx.String("id", j.msg.ID),
			logx.Duration("took", time.Since(j.started)),
			logx.Err(jobErr))
		r.issues.Add(fmt.Sprintf("processing message %q (id %q) failed: %v", j.msg.Content, j.msg.ID, jobErr))
		return
	}

	r.processed.Inc()

	// Settling a finished job must complete even when the loop context was
	// cancelled mid-drain, so acknowledge and publish run on their own
	// bounded context.
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	if r.cfg.AckRequired && j.msg.ID != "" {
		if err := r.consumer.Acknowledge(opCtx, j.msg.ID); err != nil {
			// The queue no longer agrees with our bookkeeping.
			r.fault(fmt.Sprintf("acknowledge of message id %q failed: %v", j.msg.ID, err))
			return
		}
	}
	if err := r.publisher.Publish(opCtx, j.msg.Content); err != nil {
		r.log.Warn("publish failed", logx.String("message", j.msg.Content), logx.Err(err))
	}

	r.log.Info("job completed",
		logx.String("message", j.msg.Content),
		logx.String("id", j.msg.ID),
		logx.Duration("took", time.Since(j.started)))
}

// fault records a systemic issue and marks the runner unhealthy. Flipping
// health is idempotent.
func (r *Runner) fault(issue string) {
	r.log.Error("systemic fault", logx.String("issue", issue))
	r.issues.Add(issue)
	r.healthy.Store(false)
}
