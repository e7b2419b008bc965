// Package arbiter picks at most one listener to receive an event.
//
// Rules, first match wins:
//  1. no listeners: decline
//  2. one listener: select it
//  3. several: select the first whose label or hint occurs in the focus identity
//  4. several: select the only listener with a fresh heartbeat
//  5. decline as "conflict" (several fresh) or "all stale" (none fresh)
//
// The arbiter never guesses between equally plausible listeners. Pasting
// into the wrong terminal is worse than dropping the event.
package arbiter

import (
	"context"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/timvw/pane-relay/internal/focus"
	"github.com/timvw/pane-relay/internal/registry"
)

const (
	DefaultFreshWindow  = 3 * time.Second
	DefaultProbeTimeout = 500 * time.Millisecond
)

// Rule names the rule that selected a target.
type Rule string

const (
	RuleSingle Rule = "single"
	RuleFocus  Rule = "focus"
	RuleFresh  Rule = "fresh"
)

// Reason names why an event was declined.
type Reason string

const (
	ReasonNoListeners Reason = "no listeners"
	ReasonConflict    Reason = "conflict"
	ReasonAllStale    Reason = "all stale"
)

// Decision is the outcome of one arbitration.
type Decision struct {
	// Selected is true when Target is valid.
	Selected bool
	Target   registry.Record
	Rule     Rule
	// Reason is set when Selected is false.
	Reason Reason

	// Candidates is the snapshot size.
	Candidates int
	// Fresh is the number of fresh listeners, when rule 4 was evaluated.
	Fresh int
	// Identity and Probe describe the focus probe call, when one was made.
	Identity string
	Probe    focus.Outcome
}

// Arbiter is a pure decision function over a snapshot plus one bounded
// focus probe. It holds no state between calls.
type Arbiter struct {
	Probe        focus.Probe
	ProbeTimeout time.Duration
	FreshWindow  time.Duration
	Clock        clock.Clock
}

// New returns an arbiter with default timings.
func New(probe focus.Probe, clk clock.Clock) *Arbiter {
	if clk == nil {
		clk = clock.New()
	}
	return &Arbiter{
		Probe:        probe,
		ProbeTimeout: DefaultProbeTimeout,
		FreshWindow:  DefaultFreshWindow,
		Clock:        clk,
	}
}

// Decide selects a target from records, which must be in registration order.
func (a *Arbiter) Decide(ctx context.Context, records []registry.Record) Decision {
	d := Decision{Candidates: len(records)}

	switch len(records) {
	case 0:
		d.Reason = ReasonNoListeners
		return d
	case 1:
		d.Selected = true
		d.Target = records[0]
		d.Rule = RuleSingle
		return d
	}

	d.Identity, d.Probe = focus.Bounded(ctx, a.Probe, a.probeTimeout())
	if d.Identity != "" {
		if rec, ok := MatchFocus(records, d.Identity); ok {
			d.Selected = true
			d.Target = rec
			d.Rule = RuleFocus
			return d
		}
	}

	now := a.now()
	window := a.freshWindow()
	var fresh []registry.Record
	for _, rec := range records {
		if rec.HeartbeatAge(now) < window {
			fresh = append(fresh, rec)
		}
	}
	d.Fresh = len(fresh)

	switch len(fresh) {
	case 1:
		d.Selected = true
		d.Target = fresh[0]
		d.Rule = RuleFresh
	case 0:
		d.Reason = ReasonAllStale
	default:
		d.Reason = ReasonConflict
	}
	return d
}

// MatchFocus returns the first record whose non-empty EndpointLabel or
// ProcessHint occurs in identity.
func MatchFocus(records []registry.Record, identity string) (registry.Record, bool) {
	for _, rec := range records {
		if rec.EndpointLabel != "" && strings.Contains(identity, rec.EndpointLabel) {
			return rec, true
		}
		if rec.ProcessHint != "" && strings.Contains(identity, rec.ProcessHint) {
			return rec, true
		}
	}
	return registry.Record{}, false
}

func (a *Arbiter) now() time.Time {
	if a.Clock == nil {
		return time.Now()
	}
	return a.Clock.Now()
}

func (a *Arbiter) probeTimeout() time.Duration {
	if a.ProbeTimeout <= 0 {
		return DefaultProbeTimeout
	}
	return a.ProbeTimeout
}

func (a *Arbiter) freshWindow() time.Duration {
	if a.FreshWindow <= 0 {
		return DefaultFreshWindow
	}
	return a.FreshWindow
}
