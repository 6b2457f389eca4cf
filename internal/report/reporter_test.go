package report

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"mqrunner/pkg/logx"
)

type fakeSurface struct {
	healthy   bool
	processed uint64
	issues    []string
}

func (s *fakeSurface) Healthy() bool          { return s.healthy }
func (s *fakeSurface) Processed() uint64      { return s.processed }
func (s *fakeSurface) LatestIssues() []string { return s.issues }

type fakeNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (n *fakeNotifier) Notify(ctx context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, text)
	return nil
}

func (n *fakeNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.sent...)
}

func TestComposeHealthy(t *testing.T) {
	t.Parallel()
	s := &fakeSurface{healthy: true, processed: 42}
	r, err := New(s, &fakeNotifier{}, time.Minute, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := r.compose()
	if !strings.Contains(got, "Feeling good") || !strings.Contains(got, "42") {
		t.Fatalf("compose = %q", got)
	}
}

func TestComposeUnhealthyListsIssues(t *testing.T) {
	t.Parallel()
	s := &fakeSurface{
		healthy:   false,
		processed: 3,
		issues:    []string{"validator failed", "accounting mismatch"},
	}
	r, err := New(s, &fakeNotifier{}, time.Minute, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := r.compose()
	if !strings.Contains(got, "Feeling bad") {
		t.Fatalf("compose = %q", got)
	}
	for _, issue := range s.issues {
		if !strings.Contains(got, issue) {
			t.Fatalf("compose missing issue %q: %q", issue, got)
		}
	}
}

func TestStopSendsFinalReport(t *testing.T) {
	t.Parallel()
	n := &fakeNotifier{}
	r, err := New(&fakeSurface{healthy: true}, n, time.Hour, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.Stop()
	if got := n.all(); len(got) != 1 {
		t.Fatalf("sent = %v, want exactly the final report", got)
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()
	s := &fakeSurface{}
	n := &fakeNotifier{}
	if _, err := New(nil, n, time.Minute, logx.Nop()); err == nil {
		t.Fatal("expected error for nil surface")
	}
	if _, err := New(s, nil, time.Minute, logx.Nop()); err == nil {
		t.Fatal("expected error for nil notifier")
	}
	if _, err := New(s, n, 0, logx.Nop()); err == nil {
		t.Fatal("expected error for zero interval")
	}
}
