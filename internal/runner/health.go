package runner

import "fmt"

// checkInvariants runs the per-tick accounting checks. A violation is an
// issue, not a crash: the runner keeps going in a degraded state until the
// loop reaches its next stop decision.
//
// Invariants:
//   - running == len(handles) == len(inflight)
//   - running >= 0
//   - running <= concurrency ceiling
func (r *Runner) checkInvariants() {
	if r.running < 0 {
		r.fault(fmt.Sprintf("in-flight job count is negative: %d", r.running))
	}
	if r.running != len(r.handles) || r.running != len(r.inflight) {
		r.fault(fmt.Sprintf(
			"job accounting mismatch: running=%d handles=%d tracked=%d",
			r.running, len(r.handles), len(r.inflight)))
	}
	if r.running > r.cfg.Concurrency {
		r.fault(fmt.Sprintf(
			"concurrency ceiling exceeded: running=%d limit=%d",
			r.running, r.cfg.Concurrency))
	}
}
