// Package lifecycle keeps one logical link to the relay alive.
//
// A Manager walks Disconnected -> Connecting -> Connected -> Disconnected,
// reconnecting with exponential backoff after every failure or close until
// Disconnect is called. The same Manager runs on the listener side (hello =
// register, heartbeat = heartbeat) and on the producer side (no hello,
// heartbeat = ping).
//
// Callbacks (state changes, reconnect scheduling, inbound messages) run
// outside the manager's lock but must not call Connect or Disconnect
// synchronously.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/timvw/pane-relay/internal/logging"
	ppotel "github.com/timvw/pane-relay/internal/otel"
)

// Phase is the link state.
type Phase int32

const (
	Disconnected Phase = iota
	Connecting
	Connected
)

func (p Phase) String() string {
	switch p {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultInitialDelay      = 1 * time.Second
	DefaultMaxDelay          = 30 * time.Second
	DefaultConnectTimeout    = 5 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
)

// ErrNotConnected is returned by Send outside the Connected phase.
var ErrNotConnected = errors.New("link not connected")

// Config describes one link.
type Config struct {
	URL  string
	Role string // "listener" or "producer"; used in logs and metrics

	HeartbeatInterval time.Duration
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	ConnectTimeout    time.Duration
	WriteTimeout      time.Duration
}

// DefaultConfig returns the reference timings for a link to url.
func DefaultConfig(url, role string) Config {
	return Config{
		URL:               url,
		Role:              role,
		HeartbeatInterval: DefaultHeartbeatInterval,
		InitialDelay:      DefaultInitialDelay,
		MaxDelay:          DefaultMaxDelay,
		ConnectTimeout:    DefaultConnectTimeout,
		WriteTimeout:      DefaultWriteTimeout,
	}
}

// ReconnectDelay returns initial * 2^retry, capped at max (when max > 0).
func ReconnectDelay(initial, max time.Duration, retry int) time.Duration {
	if initial <= 0 {
		return 0
	}
	d := initial
	for i := 0; i < retry; i++ {
		if max > 0 && d >= max {
			return max
		}
		if d > math.MaxInt64/2 {
			return d
		}
		d *= 2
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used for heartbeat and reconnect timers.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = logging.OrNop(l) }
}

// WithMetrics sets the metric recorder.
func WithMetrics(metrics *ppotel.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithHello sets the frame sent right after each successful connect.
func WithHello(fn func() ([]byte, error)) Option {
	return func(m *Manager) { m.hello = fn }
}

// WithHeartbeat sets the frame emitted every HeartbeatInterval while connected.
func WithHeartbeat(fn func(now time.Time) ([]byte, error)) Option {
	return func(m *Manager) { m.heartbeat = fn }
}

// WithMessageHandler sets the handler for inbound frames.
func WithMessageHandler(fn func(frame []byte)) Option {
	return func(m *Manager) { m.onMessage = fn }
}

// WithStateHandler is called after every phase change.
func WithStateHandler(fn func(Phase)) Option {
	return func(m *Manager) { m.onState = fn }
}

// WithReconnectHandler is called for every scheduled reconnect with the
// 1-based attempt number and the delay before it.
func WithReconnectHandler(fn func(attempt int, delay time.Duration)) Option {
	return func(m *Manager) { m.onRetry = fn }
}

// Manager owns one link's state machine.
type Manager struct {
	cfg     Config
	dialer  Dialer
	clock   clock.Clock
	log     *slog.Logger
	metrics *ppotel.Metrics

	hello     func() ([]byte, error)
	heartbeat func(time.Time) ([]byte, error)
	onMessage func([]byte)
	onState   func(Phase)
	onRetry   func(int, time.Duration)

	// cbMu serializes callback delivery so observers see phases in order.
	cbMu sync.Mutex

	mu         sync.Mutex
	phase      Phase
	retryCount int
	pending    *clock.Timer
	suppressed bool
	conn       Conn
	// dialCancel aborts the dial in flight, if any.
	dialCancel context.CancelFunc
	// gen increments on every attempt and on Disconnect. Events from an
	// older connection compare unequal and are ignored.
	gen    uint64
	hbStop chan struct{}
	// connected is closed while the phase is Connected.
	connected chan struct{}
	queued    []func()
}

// New creates a disconnected manager. Zero timings in cfg take defaults.
func New(cfg Config, dialer Dialer, opts ...Option) *Manager {
	def := DefaultConfig(cfg.URL, cfg.Role)
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.InitialDelay == 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}

	m := &Manager{
		cfg:       cfg,
		dialer:    dialer,
		clock:     clock.New(),
		log:       logging.Nop(),
		connected: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With("link", cfg.Role, "url", cfg.URL)
	return m
}

// Phase returns the current phase.
func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// RetryCount returns the number of reconnects scheduled since the last
// successful connect.
func (m *Manager) RetryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retryCount
}

// WaitConnected blocks until the link is Connected or ctx is done.
func (m *Manager) WaitConnected(ctx context.Context) error {
	m.mu.Lock()
	ch := m.connected
	m.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect enables the link and makes one connection attempt, returning
// once it has succeeded or failed (at most ConnectTimeout, or sooner if
// Disconnect aborts the dial). It is a no-op unless Disconnected.
// Failures are retried automatically.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.phase != Disconnected {
		m.mu.Unlock()
		return
	}
	m.suppressed = false
	m.mu.Unlock()
	m.attempt()
}

// Disconnect disables the link: aborts a dial in flight, cancels any
// pending reconnect, closes the transport and suppresses reconnection until
// the next Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.suppressed = true
	m.stopPendingLocked()
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	m.gen++
	conn := m.conn
	m.conn = nil
	m.stopHeartbeatLocked()
	m.setPhaseLocked(Disconnected)
	m.mu.Unlock()
	m.flush()

	if conn != nil {
		if err := conn.Close(); err != nil {
			m.log.Debug("close after disconnect", "error", err)
		}
		m.log.Info("link disconnected")
	}
}

// Send writes frame on the current connection.
func (m *Manager) Send(frame []byte) error {
	m.mu.Lock()
	conn, gen, phase := m.conn, m.gen, m.phase
	m.mu.Unlock()

	if phase != Connected || conn == nil {
		return ErrNotConnected
	}
	if err := m.write(conn, frame); err != nil {
		m.handleClose(gen, err)
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

func (m *Manager) attempt() {
	m.mu.Lock()
	if m.phase != Disconnected || m.suppressed {
		m.mu.Unlock()
		return
	}
	m.stopPendingLocked()
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	m.dialCancel = cancel
	m.setPhaseLocked(Connecting)
	m.mu.Unlock()
	m.flush()

	conn, err := m.dialer.Dial(ctx, m.cfg.URL)
	cancel()

	m.mu.Lock()
	if gen != m.gen {
		// Disconnect ran while dialing.
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	m.dialCancel = nil
	if err != nil {
		m.setPhaseLocked(Disconnected)
		m.scheduleLocked()
		m.mu.Unlock()
		m.log.Warn("link connect failed", "error", err)
		m.flush()
		return
	}

	m.conn = conn
	m.retryCount = 0
	stop := make(chan struct{})
	m.hbStop = stop
	var ticker *clock.Ticker
	if m.heartbeat != nil && m.cfg.HeartbeatInterval > 0 {
		ticker = m.clock.Ticker(m.cfg.HeartbeatInterval)
	}
	m.setPhaseLocked(Connected)
	m.mu.Unlock()
	m.log.Info("link connected")
	m.flush()

	go m.readLoop(gen, conn)

	if m.hello != nil {
		frame, err := m.hello()
		if err == nil {
			err = m.write(conn, frame)
		}
		if err != nil {
			if ticker != nil {
				ticker.Stop()
			}
			m.handleClose(gen, fmt.Errorf("hello: %w", err))
			return
		}
	}
	if ticker != nil {
		go m.heartbeatLoop(gen, conn, ticker, stop)
	}
}

// handleClose moves a live connection to Disconnected and schedules a
// reconnect. Reports about superseded connections are ignored.
func (m *Manager) handleClose(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen || m.phase != Connected {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.conn = nil
	m.stopHeartbeatLocked()
	m.setPhaseLocked(Disconnected)
	m.scheduleLocked()
	m.mu.Unlock()

	m.log.Info("link closed", "error", cause)
	m.flush()
	if conn != nil {
		_ = conn.Close()
	}
}

func (m *Manager) readLoop(gen uint64, conn Conn) {
	for {
		frame, err := conn.Read(context.Background())
		if err != nil {
			m.handleClose(gen, err)
			return
		}
		if m.onMessage != nil {
			m.onMessage(frame)
		}
	}
}

func (m *Manager) heartbeatLoop(gen uint64, conn Conn, ticker *clock.Ticker, stop <-chan struct{}) {
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			frame, err := m.heartbeat(now)
			if err != nil {
				m.log.Warn("build heartbeat", "error", err)
				continue
			}
			if err := m.write(conn, frame); err != nil {
				m.handleClose(gen, fmt.Errorf("heartbeat: %w", err))
				return
			}
		}
	}
}

func (m *Manager) write(conn Conn, frame []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.WriteTimeout)
	defer cancel()
	return conn.Write(ctx, frame)
}

// scheduleLocked arms the reconnect timer unless reconnection is suppressed.
func (m *Manager) scheduleLocked() {
	if m.suppressed {
		return
	}
	delay := ReconnectDelay(m.cfg.InitialDelay, m.cfg.MaxDelay, m.retryCount)
	m.retryCount++
	attempt := m.retryCount
	m.pending = m.clock.AfterFunc(delay, m.attempt)

	m.queued = append(m.queued, func() {
		m.log.Debug("reconnect scheduled", "attempt", attempt, "delay", delay)
		m.metrics.RecordReconnect(context.Background(), m.cfg.Role)
		if m.onRetry != nil {
			m.onRetry(attempt, delay)
		}
	})
}

func (m *Manager) stopPendingLocked() {
	if m.pending != nil {
		m.pending.Stop()
		m.pending = nil
	}
}

func (m *Manager) stopHeartbeatLocked() {
	if m.hbStop != nil {
		close(m.hbStop)
		m.hbStop = nil
	}
}

func (m *Manager) setPhaseLocked(p Phase) {
	if m.phase == p {
		return
	}
	if p == Connected {
		close(m.connected)
	} else if m.phase == Connected {
		m.connected = make(chan struct{})
	}
	m.phase = p
	if m.onState != nil {
		fn := m.onState
		m.queued = append(m.queued, func() { fn(p) })
	}
}

// flush delivers queued callbacks in order, outside m.mu.
func (m *Manager) flush() {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.mu.Lock()
	q := m.queued
	m.queued = nil
	m.mu.Unlock()
	for _, fn := range q {
		fn()
	}
}
