package runner

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"mqrunner/internal/queue"
	"mqrunner/pkg/logx"
)

type fakeQueue struct {
	mu        sync.Mutex
	pending   []queue.Message
	acked     []string
	published []string
	recvErr   error
	ackErr    error
}

func (q *fakeQueue) push(content, id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, queue.Message{Content: content, ID: id})
}

func (q *fakeQueue) Receive(ctx context.Context) (*queue.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.recvErr != nil {
		return nil, q.recvErr
	}
	if len(q.pending) == 0 {
		return nil, nil
	}
	m := q.pending[0]
	q.pending = q.pending[1:]
	return &m, nil
}

func (q *fakeQueue) Acknowledge(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ackErr != nil {
		return q.ackErr
	}
	q.acked = append(q.acked, id)
	return nil
}

func (q *fakeQueue) Publish(ctx context.Context, content string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.published = append(q.published, content)
	return nil
}

func (q *fakeQueue) acks() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.acked...)
}

func (q *fakeQueue) pubs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.published...)
}

func (q *fakeQueue) remaining() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

type validatorFunc func(string) (bool, error)

func (f validatorFunc) Validate(content string) (bool, error) { return f(content) }

type processorFunc func(context.Context, string) error

func (f processorFunc) Process(ctx context.Context, content string) error { return f(ctx, content) }

// tokenValidator accepts exactly three non-empty ;-separated tokens.
func tokenValidator(content string) (bool, error) {
	parts := strings.Split(content, ";")
	if len(parts) != 3 {
		return false, nil
	}
	for _, p := range parts {
		if p == "" {
			return false, nil
		}
	}
	return true, nil
}

func acceptAll(string) (bool, error) { return true, nil }

func noopProcess(context.Context, string) error { return nil }

func testConfig() Config {
	return Config{
		Concurrency:  2,
		AckRequired:  true,
		TickInterval: 5 * time.Millisecond,
		MaxAttempts:  2,
		JoinTimeout:  10 * time.Millisecond,
	}
}

func startRunner(t *testing.T, r *Runner) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	t.Cleanup(func() {
		cancel()
		select {
		case <-r.Done():
		case <-time.After(5 * time.Second):
			t.Fatal("runner did not stop within 5s")
		}
	})
	return cancel
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestProcessesValidMessagesAndSkipsRejected(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{}
	q.push("a;b;c", "m1")
	q.push("d;e;f", "m2")
	q.push("bad", "m3")

	var mu sync.Mutex
	var seen []string
	proc := processorFunc(func(ctx context.Context, content string) error {
		mu.Lock()
		seen = append(seen, content)
		mu.Unlock()
		return nil
	})

	r, err := New(testConfig(), q, q, validatorFunc(tokenValidator), proc, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	startRunner(t, r)

	waitFor(t, "two messages processed", func() bool { return r.Processed() == 2 })
	waitFor(t, "queue drained", func() bool { return q.remaining() == 0 })
	waitFor(t, "acks recorded", func() bool { return len(q.acks()) == 2 })

	if !r.Healthy() {
		t.Fatalf("runner unhealthy, issues: %v", r.LatestIssues())
	}
	gotAcks := map[string]bool{}
	for _, id := range q.acks() {
		gotAcks[id] = true
	}
	if !gotAcks["m1"] || !gotAcks["m2"] {
		t.Fatalf("acks = %v, want m1 and m2", q.acks())
	}
	if len(q.pubs()) != 2 {
		t.Fatalf("published = %v, want 2 entries", q.pubs())
	}
	mu.Lock()
	defer mu.Unlock()
	for _, c := range seen {
		if c == "bad" {
			t.Fatal("rejected message was processed")
		}
	}
	if len(r.LatestIssues()) != 0 {
		t.Fatalf("unexpected issues: %v", r.LatestIssues())
	}
}

func TestConcurrencyCeiling(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{}
	for i := 0; i < 5; i++ {
		q.push("a;b;c", "")
	}

	release := make(chan struct{})
	proc := processorFunc(func(ctx context.Context, content string) error {
		<-release
		return nil
	})

	cfg := testConfig()
	cfg.AckRequired = false
	cfg.MaxAttempts = 5
	r, err := New(cfg, q, q, validatorFunc(acceptAll), proc, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	startRunner(t, r)

	waitFor(t, "ceiling reached", func() bool { return r.InFlight() == 2 })

	// Sample for a while: the observed in-flight count must never exceed
	// the limit even though three more messages are waiting.
	for i := 0; i < 25; i++ {
		if n := r.InFlight(); n > 2 {
			t.Fatalf("in-flight = %d, exceeds limit 2", n)
		}
		time.Sleep(2 * time.Millisecond)
	}

	close(release)
	waitFor(t, "all messages processed", func() bool { return r.Processed() == 5 })
	if !r.Healthy() {
		t.Fatalf("runner unhealthy, issues: %v", r.LatestIssues())
	}
}

func TestProcessorErrorIsIsolated(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{}
	q.push("x;y;z", "m1")

	proc := processorFunc(func(ctx context.Context, content string) error {
		return errors.New("container exploded")
	})

	r, err := New(testConfig(), q, q, validatorFunc(tokenValidator), proc, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	startRunner(t, r)

	waitFor(t, "issue recorded", func() bool { return len(r.LatestIssues()) == 1 })

	if r.Processed() != 0 {
		t.Fatalf("processed = %d, want 0", r.Processed())
	}
	if len(q.acks()) != 0 {
		t.Fatalf("failed job must not be acknowledged, got %v", q.acks())
	}
	if len(q.pubs()) != 0 {
		t.Fatalf("failed job must not be published, got %v", q.pubs())
	}
	if !strings.Contains(r.LatestIssues()[0], "m1") {
		t.Fatalf("issue should name the message id: %q", r.LatestIssues()[0])
	}
	// A processing fault is isolated, not systemic.
	if !r.Healthy() {
		t.Fatal("runner should stay healthy after a processing fault")
	}
	select {
	case <-r.Done():
		t.Fatal("runner stopped after an isolated processing fault")
	default:
	}
}

func TestProcessorPanicIsCaptured(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{}
	q.push("a;b;c", "m1")

	proc := processorFunc(func(ctx context.Context, content string) error {
		panic("boom")
	})

	r, err := New(testConfig(), q, q, validatorFunc(tokenValidator), proc, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	startRunner(t, r)

	waitFor(t, "issue recorded", func() bool { return len(r.LatestIssues()) == 1 })
	if !strings.Contains(r.LatestIssues()[0], "panic") {
		t.Fatalf("issue should mention the panic: %q", r.LatestIssues()[0])
	}
	if !r.Healthy() {
		t.Fatal("a panicking processor is a per-job fault, not systemic")
	}
}

func TestValidatorErrorStopsRunner(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{}
	q.push("a;b;c", "m1")

	val := validatorFunc(func(string) (bool, error) {
		return false, errors.New("validator wiring broken")
	})

	r, err := New(testConfig(), q, q, val, processorFunc(noopProcess), logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	startRunner(t, r)

	// Zero jobs in flight, so the runner should drain straight to stopped.
	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop after validator fault")
	}
	if r.Healthy() {
		t.Fatal("validator fault must flip health")
	}
	issues := r.LatestIssues()
	if len(issues) != 1 || !strings.Contains(issues[0], "validator") {
		t.Fatalf("issues = %v, want one validator issue", issues)
	}
	if r.Processed() != 0 {
		t.Fatalf("processed = %d, want 0", r.Processed())
	}
}

func TestRejectedMessagesAreNotIssues(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{}
	q.push("nope", "m1")

	r, err := New(testConfig(), q, q, validatorFunc(tokenValidator), processorFunc(noopProcess), logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	startRunner(t, r)

	waitFor(t, "message consumed", func() bool { return q.remaining() == 0 })
	time.Sleep(20 * time.Millisecond)

	if r.Processed() != 0 {
		t.Fatalf("processed = %d, want 0", r.Processed())
	}
	if len(r.LatestIssues()) != 0 {
		t.Fatalf("rejection must not record issues: %v", r.LatestIssues())
	}
	if !r.Healthy() {
		t.Fatal("rejection must not flip health")
	}
}

func TestReceiveErrorIsTransient(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{recvErr: errors.New("broker hiccup")}

	r, err := New(testConfig(), q, q, validatorFunc(acceptAll), processorFunc(noopProcess), logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	startRunner(t, r)

	time.Sleep(50 * time.Millisecond)
	if !r.Healthy() {
		t.Fatal("receive errors are transient, not systemic")
	}
	if len(r.LatestIssues()) != 0 {
		t.Fatalf("unexpected issues: %v", r.LatestIssues())
	}
}

func TestStopDrainsInFlightJobs(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{}
	q.push("a;b;c", "m1")
	q.push("d;e;f", "m2")
	q.push("g;h;i", "m3")

	release := make(chan struct{})
	proc := processorFunc(func(ctx context.Context, content string) error {
		<-release
		return nil
	})

	r, err := New(testConfig(), q, q, validatorFunc(tokenValidator), proc, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	startRunner(t, r)

	waitFor(t, "two jobs in flight", func() bool { return r.InFlight() == 2 })
	r.Stop()

	// Still draining: the loop must not exit while jobs are running, and
	// the third message must never be admitted.
	time.Sleep(40 * time.Millisecond)
	select {
	case <-r.Done():
		t.Fatal("runner exited with jobs still in flight")
	default:
	}
	if q.remaining() != 1 {
		t.Fatalf("remaining = %d, want 1 (no admissions after stop)", q.remaining())
	}

	close(release)
	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not finish draining")
	}
	if r.Processed() != 2 {
		t.Fatalf("processed = %d, want 2", r.Processed())
	}
	if q.remaining() != 1 {
		t.Fatalf("remaining = %d, want 1 after drain", q.remaining())
	}
}

func TestDuplicateMessageContentsStayTracked(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{}
	q.push("a;b;c", "m1")
	q.push("a;b;c", "m2")

	release := make(chan struct{})
	proc := processorFunc(func(ctx context.Context, content string) error {
		<-release
		return nil
	})

	r, err := New(testConfig(), q, q, validatorFunc(tokenValidator), proc, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	startRunner(t, r)

	waitFor(t, "both duplicates in flight", func() bool { return r.InFlight() == 2 })

	// Identical payloads are distinct jobs; the accounting must not collapse
	// them into one tracked entry.
	if !r.Healthy() {
		t.Fatalf("runner unhealthy with duplicate payloads in flight: %v", r.LatestIssues())
	}

	close(release)
	waitFor(t, "both processed", func() bool { return r.Processed() == 2 })
	waitFor(t, "both acked", func() bool { return len(q.acks()) == 2 })
	if !r.Healthy() {
		t.Fatalf("runner unhealthy, issues: %v", r.LatestIssues())
	}
}

func TestCancelledContextDrainsWithoutKillingJobs(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{}
	q.push("a;b;c", "m1")

	started := make(chan struct{})
	proc := processorFunc(func(ctx context.Context, content string) error {
		close(started)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
			return nil
		}
	})

	r, err := New(testConfig(), q, q, validatorFunc(tokenValidator), proc, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	<-started
	cancel()

	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not drain after cancellation")
	}

	// The in-flight processor must finish normally during the drain, and
	// settling it (ack, publish) must not be poisoned by the cancellation.
	if r.Processed() != 1 {
		t.Fatalf("processed = %d, want 1", r.Processed())
	}
	if !r.Healthy() {
		t.Fatalf("drain flipped health: %v", r.LatestIssues())
	}
	if len(r.LatestIssues()) != 0 {
		t.Fatalf("unexpected issues: %v", r.LatestIssues())
	}
	if got := q.acks(); len(got) != 1 || got[0] != "m1" {
		t.Fatalf("acks = %v, want [m1]", got)
	}
	if len(q.pubs()) != 1 {
		t.Fatalf("published = %v, want 1 entry", q.pubs())
	}
}

func TestAckDisabledSkipsAcknowledge(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{}
	q.push("a;b;c", "")

	cfg := testConfig()
	cfg.AckRequired = false
	r, err := New(cfg, q, q, validatorFunc(tokenValidator), processorFunc(noopProcess), logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	startRunner(t, r)

	waitFor(t, "message processed", func() bool { return r.Processed() == 1 })
	if len(q.acks()) != 0 {
		t.Fatalf("acknowledge called with ack disabled: %v", q.acks())
	}
	if len(q.pubs()) != 1 {
		t.Fatalf("published = %v, want 1 entry", q.pubs())
	}
}

func TestAcknowledgeFailureIsSystemic(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{ackErr: errors.New("id does not belong to any message")}
	q.push("a;b;c", "m1")

	r, err := New(testConfig(), q, q, validatorFunc(tokenValidator), processorFunc(noopProcess), logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	startRunner(t, r)

	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop after acknowledge fault")
	}
	if r.Healthy() {
		t.Fatal("acknowledge fault must flip health")
	}
	issues := r.LatestIssues()
	if len(issues) != 1 || !strings.Contains(issues[0], "acknowledge") {
		t.Fatalf("issues = %v, want one acknowledge issue", issues)
	}
}

func TestInvariantViolationFlipsHealthOnce(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{}
	r, err := New(testConfig(), q, q, validatorFunc(acceptAll), processorFunc(noopProcess), logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Synthetic accounting corruption, checked without running the loop.
	r.running = 1
	r.checkInvariants()

	if r.Healthy() {
		t.Fatal("invariant violation must flip health")
	}
	if n := len(r.LatestIssues()); n != 1 {
		t.Fatalf("issues = %d, want exactly 1", n)
	}

	// The same violation again is an exact duplicate: no new issue, and
	// flipping health stays idempotent.
	r.checkInvariants()
	if n := len(r.LatestIssues()); n != 1 {
		t.Fatalf("issues after duplicate = %d, want 1", n)
	}
}

func TestNegativeCountIsViolation(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{}
	r, err := New(testConfig(), q, q, validatorFunc(acceptAll), processorFunc(noopProcess), logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	r.running = -1
	r.checkInvariants()
	if r.Healthy() {
		t.Fatal("negative count must flip health")
	}
}

func TestStopBeforeRunExitsImmediately(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{}
	r, err := New(testConfig(), q, q, validatorFunc(acceptAll), processorFunc(noopProcess), logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.Stop()
	go r.Run(context.Background())

	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not honor a stop requested before Run")
	}
}

func TestNewRejectsInvalidConstruction(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{}
	val := validatorFunc(acceptAll)
	proc := processorFunc(noopProcess)

	cases := []struct {
		name string
		fn   func() (*Runner, error)
	}{
		{"zero concurrency", func() (*Runner, error) {
			return New(Config{Concurrency: 0}, q, q, val, proc, logx.Nop())
		}},
		{"negative concurrency", func() (*Runner, error) {
			return New(Config{Concurrency: -3}, q, q, val, proc, logx.Nop())
		}},
		{"nil consumer", func() (*Runner, error) {
			return New(Config{Concurrency: 1}, nil, q, val, proc, logx.Nop())
		}},
		{"nil publisher", func() (*Runner, error) {
			return New(Config{Concurrency: 1}, q, nil, val, proc, logx.Nop())
		}},
		{"nil validator", func() (*Runner, error) {
			return New(Config{Concurrency: 1}, q, q, nil, proc, logx.Nop())
		}},
		{"nil processor", func() (*Runner, error) {
			return New(Config{Concurrency: 1}, q, q, val, nil, logx.Nop())
		}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := tc.fn(); err == nil {
				t.Fatal("expected a construction error")
			}
		})
	}
}
