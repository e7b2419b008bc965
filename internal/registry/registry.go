// Package registry holds the table of currently reachable listeners.
//
// A Registry is not safe for concurrent use. It is owned by the relay's
// dispatch loop, which serializes every mutation and snapshot.
package registry

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Transport is the live connection a record is bound to.
type Transport interface {
	Send(frame []byte) error
}

// Metadata is the listener-supplied identity carried by a registration.
type Metadata struct {
	// EndpointLabel is a human-readable identity, e.g. the working directory name.
	EndpointLabel string
	// ProcessHint is a free-form locality hint, e.g. a terminal pane identifier.
	ProcessHint string
	// ProcessID is the listener's OS process id (informational).
	ProcessID int
}

// Record is one registered listener.
type Record struct {
	ClientID string
	Metadata

	RegisteredAt    time.Time
	LastHeartbeatAt time.Time

	Conn Transport
}

// HeartbeatAge returns how long ago the record last heartbeated.
func (r Record) HeartbeatAge(now time.Time) time.Duration {
	return now.Sub(r.LastHeartbeatAt)
}

// Registry maps client ids to records and remembers registration order.
type Registry struct {
	clock   clock.Clock
	records map[string]*Record
	order   []string
}

// New creates an empty registry. A nil clock uses the wall clock.
func New(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		clock:   clk,
		records: make(map[string]*Record),
	}
}

// Register inserts or replaces the record for clientID and stamps its
// heartbeat. A replacement moves to the end of registration order.
// It reports whether an earlier record was replaced.
func (r *Registry) Register(clientID string, meta Metadata, conn Transport) bool {
	now := r.clock.Now()
	_, replaced := r.records[clientID]
	if replaced {
		r.dropOrder(clientID)
	}
	r.records[clientID] = &Record{
		ClientID:        clientID,
		Metadata:        meta,
		RegisteredAt:    now,
		LastHeartbeatAt: now,
		Conn:            conn,
	}
	r.order = append(r.order, clientID)
	return replaced
}

// Heartbeat refreshes the record's liveness. Unknown ids are ignored; the
// listener may already have been evicted. It reports whether a record was touched.
func (r *Registry) Heartbeat(clientID string) bool {
	rec, ok := r.records[clientID]
	if !ok {
		return false
	}
	rec.LastHeartbeatAt = r.clock.Now()
	return true
}

// Remove deletes the record for clientID if present.
func (r *Registry) Remove(clientID string) bool {
	if _, ok := r.records[clientID]; !ok {
		return false
	}
	delete(r.records, clientID)
	r.dropOrder(clientID)
	return true
}

// RemoveConn deletes the record for clientID only while it is still bound
// to conn. A transport that was superseded by a re-registration closing
// late must not evict its replacement.
func (r *Registry) RemoveConn(clientID string, conn Transport) bool {
	rec, ok := r.records[clientID]
	if !ok || rec.Conn != conn {
		return false
	}
	return r.Remove(clientID)
}

// Get returns a copy of the record for clientID.
func (r *Registry) Get(clientID string) (Record, bool) {
	rec, ok := r.records[clientID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Len returns the number of records.
func (r *Registry) Len() int {
	return len(r.records)
}

// Snapshot returns a point-in-time copy of all records in registration order.
func (r *Registry) Snapshot() []Record {
	out := make([]Record, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.records[id])
	}
	return out
}

func (r *Registry) dropOrder(clientID string) {
	for i, id := range r.order {
		if id == clientID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}
