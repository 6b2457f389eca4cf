package runner

import "sync"

// maxIssues bounds the issue log. Under repeated identical failures this
// caps both memory and downstream alert volume.
const maxIssues = 10

// issueLog is a bounded, ordered, de-duplicated record of operational
// problems. Exact-string repeats collapse into the existing entry. Once
// full, new issues are dropped so the oldest context is preserved.
//
// Reads come from reporter goroutines, so access is guarded.
type issueLog struct {
	mu       sync.Mutex
	capacity int
	entries  []string
	seen     map[string]struct{}
}

func newIssueLog(capacity int) *issueLog {
	return &issueLog{
		capacity: capacity,
		seen:     make(map[string]struct{}),
	}
}

func (l *issueLog) Add(issue string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.seen[issue]; dup {
		return
	}
	if len(l.entries) >= l.capacity {
		return
	}
	l.seen[issue] = struct{}{}
	l.entries = append(l.entries, issue)
}

// All returns a copy of the recorded issues, oldest first.
func (l *issueLog) All() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *issueLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
