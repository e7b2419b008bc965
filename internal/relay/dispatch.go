package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/timvw/pane-relay/internal/arbiter"
	"github.com/timvw/pane-relay/internal/protocol"
	"github.com/timvw/pane-relay/internal/registry"
)

// ReasonSendFailed is reported when the selected listener's queue rejected
// the frame.
const ReasonSendFailed arbiter.Reason = "send failed"

// ErrStopped is returned by Status after Shutdown.
var ErrStopped = errors.New("relay: stopped")

type eventKind int

const (
	evRegister eventKind = iota
	evHeartbeat
	evClosed
	evProduce
	evStatus
)

// event is everything that crosses from a transport goroutine to the loop.
type event struct {
	kind  eventKind
	peer  *peer
	env   protocol.Envelope
	reply chan<- protocol.Status
}

// Result describes the handling of one producer event.
type Result struct {
	Delivered bool
	ClientID  string
	Rule      arbiter.Rule
	// Reason is set when the event was dropped.
	Reason     arbiter.Reason
	Candidates int
	Err        error
}

func (s *Server) post(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.stop:
		return false
	}
}

// loop is the only goroutine that touches the registry.
func (s *Server) loop() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.stop:
			return
		case ev := <-s.events:
			s.handle(ev)
		}
	}
}

func (s *Server) handle(ev event) {
	switch ev.kind {
	case evRegister:
		env := ev.env
		replaced := s.reg.Register(env.ClientID, registry.Metadata{
			EndpointLabel: env.EndpointLabel,
			ProcessHint:   env.ProcessHint,
			ProcessID:     env.ProcessID,
		}, ev.peer)
		ev.peer.clientIDs[env.ClientID] = struct{}{}
		s.metrics.RecordRegistration(s.ctx, replaced)
		ev.peer.log.Info("listener registered",
			"client", env.ClientID,
			"label", env.EndpointLabel,
			"hint", env.ProcessHint,
			"pid", env.ProcessID,
			"replaced", replaced,
			"listeners", s.reg.Len())

	case evHeartbeat:
		known := s.reg.Heartbeat(ev.env.ClientID)
		s.metrics.RecordHeartbeat(s.ctx, known)
		if !known {
			ev.peer.log.Debug("heartbeat from unregistered client", "client", ev.env.ClientID)
		}

	case evClosed:
		for id := range ev.peer.clientIDs {
			rec, _ := s.reg.Get(id)
			if s.reg.RemoveConn(id, ev.peer) {
				ev.peer.log.Info("listener removed",
					"client", id,
					"label", rec.EndpointLabel,
					"listeners", s.reg.Len())
			}
		}
		ev.peer.clientIDs = nil

	case evProduce:
		res := s.dispatch(s.ctx, ev.env)
		if s.onDispatch != nil {
			s.onDispatch(res)
		}

	case evStatus:
		ev.reply <- s.status()
	}
}

// dispatch arbitrates one event and forwards it to at most one listener.
func (s *Server) dispatch(ctx context.Context, env protocol.Envelope) Result {
	ctx, span := s.tracer.Start(ctx, "dispatch")
	defer span.End()

	d := s.arb.Decide(ctx, s.reg.Snapshot())
	if d.Probe != "" {
		s.metrics.RecordProbe(ctx, string(d.Probe))
	}
	span.SetAttributes(
		attribute.String("event.type", env.Type),
		attribute.Int("relay.candidates", d.Candidates),
		attribute.Int("relay.fresh", d.Fresh),
		attribute.String("probe.outcome", string(d.Probe)),
	)
	res := Result{Candidates: d.Candidates}

	if !d.Selected {
		res.Reason = d.Reason
		span.SetAttributes(attribute.String("arbiter.reason", string(d.Reason)))
		s.metrics.RecordDecline(ctx, string(d.Reason))
		s.log.Warn("event dropped",
			"reason", d.Reason,
			"candidates", d.Candidates,
			"fresh", d.Fresh,
			"probe", d.Probe)
		return res
	}

	res.ClientID = d.Target.ClientID
	res.Rule = d.Rule
	span.SetAttributes(
		attribute.String("arbiter.rule", string(d.Rule)),
		attribute.String("listener.client_id", d.Target.ClientID),
	)

	if err := d.Target.Conn.Send(protocol.ElementFrame(env.Data)); err != nil {
		res.Reason = ReasonSendFailed
		res.Err = err
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.RecordDecline(ctx, string(ReasonSendFailed))
		s.log.Warn("event dropped", "reason", ReasonSendFailed, "client", d.Target.ClientID, "error", err)
		return res
	}

	res.Delivered = true
	s.metrics.RecordDelivery(ctx, string(d.Rule))
	s.log.Info("event delivered",
		"client", d.Target.ClientID,
		"label", d.Target.EndpointLabel,
		"rule", d.Rule,
		"candidates", d.Candidates)
	return res
}

func (s *Server) status() protocol.Status {
	now := s.clock.Now()
	st := protocol.Status{
		ProducerAddr: s.ProducerAddr(),
		ListenerAddr: s.ListenerAddr(),
		Listeners:    []protocol.ListenerStatus{},
	}
	for _, rec := range s.reg.Snapshot() {
		age := rec.HeartbeatAge(now)
		st.Listeners = append(st.Listeners, protocol.ListenerStatus{
			ClientID:       rec.ClientID,
			EndpointLabel:  rec.EndpointLabel,
			ProcessHint:    rec.ProcessHint,
			ProcessID:      rec.ProcessID,
			RegisteredAt:   rec.RegisteredAt,
			HeartbeatAgeMs: age.Milliseconds(),
			Fresh:          age < s.arb.FreshWindow,
		})
	}
	return st
}

// Status returns the registry snapshot as seen by the loop.
func (s *Server) Status(ctx context.Context) (protocol.Status, error) {
	reply := make(chan protocol.Status, 1)
	if !s.post(event{kind: evStatus, reply: reply}) {
		return protocol.Status{}, ErrStopped
	}
	select {
	case st := <-reply:
		return st, nil
	case <-ctx.Done():
		return protocol.Status{}, ctx.Err()
	case <-s.stop:
		return protocol.Status{}, ErrStopped
	}
}

func (s *Server) serveStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	st, err := s.Status(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(st); err != nil {
		s.log.Debug("write status", "error", err)
	}
}
