package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/timvw/pane-relay/internal/protocol"
)

var (
	errPeerClosed = errors.New("link closed")
	errQueueFull  = errors.New("send queue full")
)

// peer is one accepted WebSocket link. Outbound frames go through a
// bounded queue drained by a writer goroutine, so Send never blocks.
type peer struct {
	id     string
	role   string
	remote string
	conn   *websocket.Conn
	log    *slog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// clientIDs registered over this link. Loop-owned.
	clientIDs map[string]struct{}
}

func newPeer(conn *websocket.Conn, role, remote string, queue int, log *slog.Logger) *peer {
	id := uuid.NewString()
	return &peer{
		id:        id,
		role:      role,
		remote:    remote,
		conn:      conn,
		log:       log.With("peer", id, "endpoint", role, "remote", remote),
		send:      make(chan []byte, queue),
		done:      make(chan struct{}),
		clientIDs: make(map[string]struct{}),
	}
}

// Send queues frame for the writer. It fails when the link is closed or
// the queue is full.
func (p *peer) Send(frame []byte) error {
	select {
	case <-p.done:
		return errPeerClosed
	default:
	}
	select {
	case p.send <- frame:
		return nil
	case <-p.done:
		return errPeerClosed
	default:
		return errQueueFull
	}
}

func (p *peer) writeLoop(writeTimeout time.Duration) {
	for {
		select {
		case <-p.done:
			return
		case frame := <-p.send:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := p.conn.Write(ctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				p.log.Warn("write failed", "error", err)
				p.close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

func (p *peer) close(code websocket.StatusCode, reason string) {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.conn.Close(code, reason)
	})
}

func (s *Server) accept(w http.ResponseWriter, r *http.Request, role string) *peer {
	// Producers are browser pages on arbitrary origins; the endpoints bind
	// to loopback.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.log.Debug("websocket upgrade failed", "endpoint", role, "remote", r.RemoteAddr, "error", err)
		return nil
	}
	conn.SetReadLimit(s.cfg.MaxMessageBytes)
	p := newPeer(conn, role, r.RemoteAddr, s.cfg.SendQueue, s.log)
	s.addPeer(p)
	p.log.Debug("link opened")
	return p
}

func (s *Server) serveProducer(w http.ResponseWriter, r *http.Request) {
	p := s.accept(w, r, "producer")
	if p == nil {
		return
	}
	defer func() {
		s.removePeer(p)
		p.close(websocket.StatusNormalClosure, "")
		p.log.Debug("link closed")
	}()

	for {
		_, frame, err := p.conn.Read(s.ctx)
		if err != nil {
			return
		}
		env, err := protocol.Decode(frame)
		if err != nil {
			s.malformed(p, err)
			continue
		}
		if !env.IsEvent() {
			if env.Type != protocol.TypePing {
				s.malformed(p, errors.New("event has no data"))
			}
			continue
		}
		if !s.post(event{kind: evProduce, peer: p, env: env}) {
			return
		}
	}
}

func (s *Server) serveListener(w http.ResponseWriter, r *http.Request) {
	p := s.accept(w, r, "listener")
	if p == nil {
		return
	}
	go p.writeLoop(s.cfg.WriteTimeout)
	defer func() {
		s.post(event{kind: evClosed, peer: p})
		s.removePeer(p)
		p.close(websocket.StatusNormalClosure, "")
		p.log.Debug("link closed")
	}()

	for {
		_, frame, err := p.conn.Read(s.ctx)
		if err != nil {
			return
		}
		env, err := protocol.Decode(frame)
		if err == nil {
			err = env.ValidateListener()
		}
		if err != nil {
			s.malformed(p, err)
			continue
		}
		kind := evHeartbeat
		if env.Type == protocol.TypeRegister {
			kind = evRegister
		}
		if !s.post(event{kind: kind, peer: p, env: env}) {
			return
		}
	}
}

func (s *Server) malformed(p *peer, err error) {
	p.log.Warn("dropping malformed frame", "error", err)
	s.metrics.RecordMalformed(s.ctx, p.role)
}
