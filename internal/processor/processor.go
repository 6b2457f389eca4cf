// Package processor holds the per-message work functions handed to the
// runner.
package processor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"mqrunner/pkg/logx"
)

// Exec launches one external command per message. The message's
// semicolon-separated tokens are appended to the configured argument list,
// the same way job parameters used to be handed to a container entrypoint.
type Exec struct {
	command string
	args    []string
	timeout time.Duration
	log     logx.Logger
}

func NewExec(command string, args []string, timeout time.Duration, log logx.Logger) (*Exec, error) {
	if strings.TrimSpace(command) == "" {
		return nil, errors.New("processor: command is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Exec{
		command: command,
		args:    append([]string(nil), args...),
		timeout: timeout,
		log:     log.With(logx.String("component", "processor")),
	}, nil
}

func (p *Exec) Process(ctx context.Context, content string) error {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	args := append(append([]string(nil), p.args...), strings.Split(content, ";")...)
	start := time.Now()

	cmd := exec.CommandContext(ctx, p.command, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("command %s failed: %w (output: %s)", p.command, err, firstLine(out))
	}

	p.log.Debug("command completed",
		logx.String("command", p.command),
		logx.String("message", content),
		logx.Duration("took", time.Since(start)))
	return nil
}

// firstLine trims command output down to something that fits in an issue
// string.
func firstLine(out []byte) string {
	s := strings.TrimSpace(string(out))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	if s == "" {
		return "<none>"
	}
	return s
}
