// Package protocol defines the JSON envelope exchanged over the relay's
// WebSocket links.
//
// Listener -> relay: register, heartbeat.
// Producer -> relay: ping, or an event carrying an opaque data payload.
// Relay -> listener: element.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	TypeRegister  = "register"
	TypeHeartbeat = "heartbeat"
	TypePing      = "ping"
	TypeElement   = "element"
)

// Envelope is the single JSON object shape used on every link. Fields not
// relevant to a given Type are omitted.
type Envelope struct {
	Type string `json:"type,omitempty"`

	// register / heartbeat
	ClientID      string `json:"clientId,omitempty"`
	EndpointLabel string `json:"endpointLabel,omitempty"`
	ProcessHint   string `json:"processHint,omitempty"`
	ProcessID     int    `json:"processId,omitempty"`
	// Timestamp is unix milliseconds.
	Timestamp int64 `json:"timestamp,omitempty"`

	// Data is the opaque event payload (producer event, element).
	Data json.RawMessage `json:"data,omitempty"`
}

// Decode parses a single frame.
func Decode(frame []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(frame, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return e, nil
}

// Encode marshals the envelope.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// HasData reports whether the envelope carries a non-null payload.
func (e Envelope) HasData() bool {
	d := bytes.TrimSpace(e.Data)
	return len(d) > 0 && !bytes.Equal(d, []byte("null"))
}

// IsEvent reports whether a producer frame is a routable event. Pings and
// frames without data are not.
func (e Envelope) IsEvent() bool {
	return e.Type != TypePing && e.HasData()
}

// ValidateListener checks a frame received on the listener endpoint.
func (e Envelope) ValidateListener() error {
	switch e.Type {
	case TypeRegister, TypeHeartbeat:
		if strings.TrimSpace(e.ClientID) == "" {
			return fmt.Errorf("%s: clientId is required", e.Type)
		}
		return nil
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unexpected message type %q", e.Type)
	}
}

// NewRegister builds a listener registration message.
func NewRegister(clientID, endpointLabel, processHint string, pid int) Envelope {
	return Envelope{
		Type:          TypeRegister,
		ClientID:      clientID,
		EndpointLabel: endpointLabel,
		ProcessHint:   processHint,
		ProcessID:     pid,
	}
}

// NewHeartbeat builds a listener heartbeat message.
func NewHeartbeat(clientID string, at time.Time) Envelope {
	return Envelope{
		Type:      TypeHeartbeat,
		ClientID:  clientID,
		Timestamp: at.UnixMilli(),
	}
}

// NewPing builds a producer liveness probe.
func NewPing() Envelope {
	return Envelope{Type: TypePing}
}

// NewEvent builds a producer event. tag is optional.
func NewEvent(tag string, data json.RawMessage) Envelope {
	return Envelope{Type: tag, Data: data}
}

// ElementFrame wraps data as {"type":"element","data":...}. The payload
// bytes are copied through untouched (json.Marshal would re-compact them).
func ElementFrame(data json.RawMessage) []byte {
	const prefix = `{"type":"element","data":`
	buf := make([]byte, 0, len(prefix)+len(data)+1)
	buf = append(buf, prefix...)
	buf = append(buf, data...)
	buf = append(buf, '}')
	return buf
}

// ListenerStatus is one row of the relay's /status response.
type ListenerStatus struct {
	ClientID       string    `json:"clientId"`
	EndpointLabel  string    `json:"endpointLabel"`
	ProcessHint    string    `json:"processHint"`
	ProcessID      int       `json:"processId"`
	RegisteredAt   time.Time `json:"registeredAt"`
	HeartbeatAgeMs int64     `json:"heartbeatAgeMs"`
	Fresh          bool      `json:"fresh"`
}

// Status is the /status response body.
type Status struct {
	ProducerAddr string           `json:"producerAddr"`
	ListenerAddr string           `json:"listenerAddr"`
	Listeners    []ListenerStatus `json:"listeners"`
}
