package arbiter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/timvw/pane-relay/internal/focus"
	"github.com/timvw/pane-relay/internal/registry"
)

type fakeConn struct{}

func (*fakeConn) Send([]byte) error { return nil }

// rec builds a record whose last heartbeat was age ago relative to now.
func rec(id, label, hint string, now time.Time, age time.Duration) registry.Record {
	return registry.Record{
		ClientID:        id,
		Metadata:        registry.Metadata{EndpointLabel: label, ProcessHint: hint},
		LastHeartbeatAt: now.Add(-age),
		Conn:            &fakeConn{},
	}
}

func newArbiter(probe focus.Probe) (*Arbiter, *clock.Mock) {
	clk := clock.NewMock()
	clk.Add(time.Hour)
	a := New(probe, clk)
	a.ProbeTimeout = 50 * time.Millisecond
	return a, clk
}

func TestDecide(t *testing.T) {
	a, clk := newArbiter(nil)
	now := clk.Now()

	tests := []struct {
		name       string
		probe      focus.Probe
		records    []registry.Record
		wantTarget string
		wantRule   Rule
		wantReason Reason
	}{
		{
			name:       "no listeners",
			wantReason: ReasonNoListeners,
		},
		{
			name:       "single stale listener is still selected",
			probe:      focus.Static{Value: "unrelated"},
			records:    []registry.Record{rec("a", "proj", "", now, time.Minute)},
			wantTarget: "a",
			wantRule:   RuleSingle,
		},
		{
			name:  "focus match by label",
			probe: focus.Static{Value: "session:work;pane:%7;path:/home/u/beta;"},
			records: []registry.Record{
				rec("a", "alpha", "pane:%1;", now, 0),
				rec("b", "beta", "pane:%2;", now, 0),
			},
			wantTarget: "b",
			wantRule:   RuleFocus,
		},
		{
			name:  "focus match by hint",
			probe: focus.Static{Value: "session:work;pane:%2;path:/tmp;"},
			records: []registry.Record{
				rec("a", "alpha", "pane:%1;", now, 0),
				rec("b", "beta", "pane:%2;", now, 0),
			},
			wantTarget: "b",
			wantRule:   RuleFocus,
		},
		{
			name:  "focus match picks first in registration order",
			probe: focus.Static{Value: "path:/src/shared;"},
			records: []registry.Record{
				rec("a", "shared", "", now, 10*time.Second),
				rec("b", "shared", "", now, 0),
			},
			wantTarget: "a",
			wantRule:   RuleFocus,
		},
		{
			name:  "empty label and hint never match",
			probe: focus.Static{Value: "anything"},
			records: []registry.Record{
				rec("a", "", "", now, 0),
				rec("b", "", "", now, 0),
			},
			wantReason: ReasonConflict,
		},
		{
			name:  "unique fresh listener wins without focus match",
			probe: focus.Static{Value: "session:other;"},
			records: []registry.Record{
				rec("a", "alpha", "", now, 0),
				rec("b", "beta", "", now, 5*time.Second),
			},
			wantTarget: "a",
			wantRule:   RuleFresh,
		},
		{
			name:  "probe error falls through to freshness",
			probe: focus.Static{Err: errors.New("no server running")},
			records: []registry.Record{
				rec("a", "alpha", "", now, 10*time.Second),
				rec("b", "beta", "", now, time.Second),
			},
			wantTarget: "b",
			wantRule:   RuleFresh,
		},
		{
			name:  "probe timeout falls through to freshness",
			probe: focus.Static{Value: "beta", Delay: time.Second},
			records: []registry.Record{
				rec("a", "alpha", "", now, 0),
				rec("b", "beta", "", now, time.Minute),
			},
			wantTarget: "a",
			wantRule:   RuleFresh,
		},
		{
			name:  "several fresh and no focus match is a conflict",
			probe: focus.Static{Value: "session:other;"},
			records: []registry.Record{
				rec("a", "alpha", "", now, 0),
				rec("b", "beta", "", now, time.Second),
			},
			wantReason: ReasonConflict,
		},
		{
			name:  "nothing fresh is all stale",
			probe: focus.Nop{},
			records: []registry.Record{
				rec("a", "alpha", "", now, 3*time.Second),
				rec("b", "beta", "", now, 8*time.Second),
			},
			wantReason: ReasonAllStale,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a.Probe = tt.probe
			d := a.Decide(context.Background(), tt.records)

			if tt.wantTarget == "" {
				if d.Selected {
					t.Fatalf("expected decline, selected %q via %s", d.Target.ClientID, d.Rule)
				}
				if d.Reason != tt.wantReason {
					t.Errorf("reason: got %q, want %q", d.Reason, tt.wantReason)
				}
				return
			}
			if !d.Selected {
				t.Fatalf("expected %q, declined: %q", tt.wantTarget, d.Reason)
			}
			if d.Target.ClientID != tt.wantTarget {
				t.Errorf("target: got %q, want %q", d.Target.ClientID, tt.wantTarget)
			}
			if d.Rule != tt.wantRule {
				t.Errorf("rule: got %q, want %q", d.Rule, tt.wantRule)
			}
		})
	}
}

// countingProbe records whether it was consulted.
type countingProbe struct{ calls int }

func (*countingProbe) Name() string { return "counting" }

func (p *countingProbe) Identity(context.Context) (string, error) {
	p.calls++
	return "x", nil
}

func TestDecide_SingleListenerSkipsProbe(t *testing.T) {
	p := &countingProbe{}
	a, clk := newArbiter(p)
	a.Decide(context.Background(), []registry.Record{rec("a", "", "", clk.Now(), 0)})
	if p.calls != 0 {
		t.Errorf("probe called %d times for a single listener", p.calls)
	}
}

func TestDecide_FreshWindowBoundary(t *testing.T) {
	a, clk := newArbiter(focus.Nop{})
	now := clk.Now()

	// Exactly at the window edge is stale: freshness is age < window.
	d := a.Decide(context.Background(), []registry.Record{
		rec("a", "", "", now, 3*time.Second-time.Millisecond),
		rec("b", "", "", now, 3*time.Second),
	})
	if !d.Selected || d.Target.ClientID != "a" {
		t.Fatalf("expected a via fresh, got %+v", d)
	}
	if d.Fresh != 1 {
		t.Errorf("Fresh: got %d, want 1", d.Fresh)
	}
}

func TestMatchFocus(t *testing.T) {
	records := []registry.Record{
		{ClientID: "a", Metadata: registry.Metadata{ProcessHint: "pane:%1;"}},
		{ClientID: "b", Metadata: registry.Metadata{ProcessHint: "pane:%12;"}},
	}
	got, ok := MatchFocus(records, "session:s;pane:%12;tty:/dev/pts/4;")
	if !ok || got.ClientID != "b" {
		t.Fatalf("MatchFocus = %q, %v; want b", got.ClientID, ok)
	}
	if _, ok := MatchFocus(records, "pane:%3;"); ok {
		t.Error("expected no match")
	}
}
