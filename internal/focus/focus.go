// Package focus answers "which terminal does the user look at right now?".
//
// A Probe returns a free-form identity string for the foreground terminal.
// The relay's arbiter matches listener labels and hints against it, so the
// string only needs to contain whatever those listeners advertise.
// Probing is best-effort: Bounded folds errors and timeouts into "unknown".
package focus

import (
	"context"
	"strings"
	"time"
)

// Probe reports the identity of the foreground terminal.
type Probe interface {
	// Name identifies the probe in logs ("tmux", "command", "none").
	Name() string
	// Identity returns the current foreground identity. An empty string
	// means the probe could not tell.
	Identity(ctx context.Context) (string, error)
}

// Outcome classifies a bounded probe call.
type Outcome string

const (
	OutcomeIdentity Outcome = "identity"
	OutcomeEmpty    Outcome = "empty"
	OutcomeError    Outcome = "error"
	OutcomeTimeout  Outcome = "timeout"
	OutcomeDisabled Outcome = "disabled"
)

// Bounded runs p with a hard timeout. The probe runs on its own goroutine,
// so a probe that ignores ctx is abandoned rather than waited for.
// Anything but a non-empty identity returns "".
func Bounded(ctx context.Context, p Probe, timeout time.Duration) (string, Outcome) {
	if p == nil {
		return "", OutcomeDisabled
	}
	if _, ok := p.(Nop); ok {
		return "", OutcomeDisabled
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		identity string
		err      error
	}
	ch := make(chan result, 1)
	go func() {
		id, err := p.Identity(ctx)
		ch <- result{identity: id, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			if ctx.Err() != nil {
				return "", OutcomeTimeout
			}
			return "", OutcomeError
		}
		id := strings.TrimSpace(r.identity)
		if id == "" {
			return "", OutcomeEmpty
		}
		return id, OutcomeIdentity
	case <-ctx.Done():
		return "", OutcomeTimeout
	}
}

// Nop never knows the focus.
type Nop struct{}

// Name returns "none".
func (Nop) Name() string { return "none" }

// Identity always returns "".
func (Nop) Identity(context.Context) (string, error) { return "", nil }

// Static returns a fixed answer, optionally after a delay. Useful in tests
// and for pinning the focus from configuration.
type Static struct {
	Value string
	Err   error
	Delay time.Duration
}

// Name returns "static".
func (s Static) Name() string { return "static" }

// Identity returns s.Value (or s.Err) once s.Delay has elapsed.
func (s Static) Identity(ctx context.Context) (string, error) {
	if s.Delay > 0 {
		t := time.NewTimer(s.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return s.Value, s.Err
}
