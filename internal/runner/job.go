package runner

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"mqrunner/internal/queue"
)

// job is the handle for one in-flight processing goroutine. It carries the
// original message and captures the processor's error (or panic) so that
// failures never unwind into the scheduler loop and never get lost.
type job struct {
	msg     *queue.Message
	seq     uint64
	started time.Time
	done    chan error
}

func startJob(ctx context.Context, msg *queue.Message, p Processor) *job {
	j := &job{
		msg:     msg,
		started: time.Now(),
		done:    make(chan error, 1),
	}
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				j.done <- fmt.Errorf("processor panic: %v\n%s", rec, debug.Stack())
			}
		}()
		j.done <- p.Process(ctx, msg.Content)
	}()
	return j
}

// wait blocks up to timeout for the job to finish. It reports false while
// the processor is still running; once it reports true the handle must not
// be waited on again.
func (j *job) wait(timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		select {
		case err := <-j.done:
			return true, err
		default:
			return false, nil
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case err := <-j.done:
		return true, err
	case <-t.C:
		return false, nil
	}
}
