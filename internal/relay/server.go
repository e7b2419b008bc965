// Package relay hosts the producer and listener WebSocket endpoints and the
// single dispatch loop that owns the listener registry.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/coder/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/timvw/pane-relay/internal/arbiter"
	"github.com/timvw/pane-relay/internal/focus"
	"github.com/timvw/pane-relay/internal/logging"
	ppotel "github.com/timvw/pane-relay/internal/otel"
	"github.com/timvw/pane-relay/internal/registry"
)

const (
	DefaultHost            = "127.0.0.1"
	DefaultProducerPort    = 7341
	DefaultListenerPort    = 7342
	DefaultPortAttempts    = 10
	DefaultShutdownTimeout = 2 * time.Second
	DefaultMaxMessageBytes = 1 << 20
	DefaultSendQueue       = 16
	DefaultWriteTimeout    = 5 * time.Second

	// StatusPath serves the registry snapshot on the listener port.
	StatusPath = "/status"
)

// ErrPortsExhausted is returned by Start when no port in the retry range
// could be bound.
var ErrPortsExhausted = errors.New("relay: no free port in range")

// Config holds the relay's network and timing settings.
type Config struct {
	Host         string
	ProducerPort int
	ListenerPort int
	// PortAttempts is how many consecutive ports are tried per endpoint.
	PortAttempts int

	FreshWindow     time.Duration
	ProbeTimeout    time.Duration
	ShutdownTimeout time.Duration
	WriteTimeout    time.Duration

	MaxMessageBytes int64
	// SendQueue is the per-listener outbound queue depth.
	SendQueue int
}

// DefaultConfig returns the reference settings.
func DefaultConfig() Config {
	return Config{
		Host:            DefaultHost,
		ProducerPort:    DefaultProducerPort,
		ListenerPort:    DefaultListenerPort,
		PortAttempts:    DefaultPortAttempts,
		FreshWindow:     arbiter.DefaultFreshWindow,
		ProbeTimeout:    arbiter.DefaultProbeTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
		WriteTimeout:    DefaultWriteTimeout,
		MaxMessageBytes: DefaultMaxMessageBytes,
		SendQueue:       DefaultSendQueue,
	}
}

// Option configures a Server.
type Option func(*Server)

// WithClock sets the clock shared by the registry and the arbiter.
func WithClock(c clock.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = logging.OrNop(l) }
}

// WithMetrics sets the metric recorder.
func WithMetrics(m *ppotel.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithTracer sets the tracer used for dispatch spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Server) { s.tracer = t }
}

// WithProbe sets the focus probe consulted when several listeners compete.
func WithProbe(p focus.Probe) Option {
	return func(s *Server) { s.probe = p }
}

// WithDispatchHook is called on the loop goroutine after every dispatch.
func WithDispatchHook(fn func(Result)) Option {
	return func(s *Server) { s.onDispatch = fn }
}

type endpoint struct {
	name string
	ln   net.Listener
	srv  *http.Server
}

// Server is one relay instance.
type Server struct {
	cfg        Config
	clock      clock.Clock
	log        *slog.Logger
	metrics    *ppotel.Metrics
	tracer     trace.Tracer
	probe      focus.Probe
	onDispatch func(Result)

	// Owned by the loop goroutine.
	reg *registry.Registry
	arb *arbiter.Arbiter

	events   chan event
	stop     chan struct{}
	loopDone chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool

	producer *endpoint
	listener *endpoint

	peerMu sync.Mutex
	peers  map[*peer]struct{}
}

// New builds a relay. Zero fields in cfg take defaults.
func New(cfg Config, opts ...Option) *Server {
	def := DefaultConfig()
	if cfg.Host == "" {
		cfg.Host = def.Host
	}
	if cfg.PortAttempts <= 0 {
		cfg.PortAttempts = def.PortAttempts
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = def.MaxMessageBytes
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = def.SendQueue
	}

	s := &Server{
		cfg:      cfg,
		clock:    clock.New(),
		log:      logging.Nop(),
		tracer:   otel.Tracer("pane-relay/relay"),
		probe:    focus.Nop{},
		events:   make(chan event, 64),
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
		peers:    make(map[*peer]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.reg = registry.New(s.clock)
	s.arb = arbiter.New(s.probe, s.clock)
	if cfg.FreshWindow > 0 {
		s.arb.FreshWindow = cfg.FreshWindow
	}
	if cfg.ProbeTimeout > 0 {
		s.arb.ProbeTimeout = cfg.ProbeTimeout
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Start binds both endpoints and starts serving. It returns once the
// sockets are bound; serving continues until Shutdown.
func (s *Server) Start() error {
	err := errors.New("relay: already started")
	s.startOnce.Do(func() {
		err = s.start()
	})
	return err
}

func (s *Server) start() error {
	pln, err := listenWithRetry(s.cfg.Host, s.cfg.ProducerPort, s.cfg.PortAttempts)
	if err != nil {
		return fmt.Errorf("producer endpoint: %w", err)
	}
	lln, err := listenWithRetry(s.cfg.Host, s.cfg.ListenerPort, s.cfg.PortAttempts)
	if err != nil {
		_ = pln.Close()
		return fmt.Errorf("listener endpoint: %w", err)
	}

	pmux := http.NewServeMux()
	pmux.HandleFunc("/", s.serveProducer)
	lmux := http.NewServeMux()
	lmux.HandleFunc(StatusPath, s.serveStatus)
	lmux.HandleFunc("/", s.serveListener)

	s.producer = &endpoint{name: "producer", ln: pln, srv: s.httpServer(pmux)}
	s.listener = &endpoint{name: "listener", ln: lln, srv: s.httpServer(lmux)}
	s.started = true

	go s.loop()
	for _, ep := range []*endpoint{s.producer, s.listener} {
		go s.serve(ep)
	}
	s.log.Info("relay started",
		"producer", s.ProducerAddr(),
		"listener", s.ListenerAddr())
	return nil
}

func (s *Server) httpServer(h http.Handler) *http.Server {
	return &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
		ErrorLog:          slog.NewLogLogger(s.log.Handler(), slog.LevelDebug),
	}
}

func (s *Server) serve(ep *endpoint) {
	if err := ep.srv.Serve(ep.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Error("endpoint stopped", "endpoint", ep.name, "error", err)
	}
}

// Run starts the relay and blocks until ctx is cancelled, then shuts down
// within the configured shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	sctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(sctx)
}

// Shutdown stops accepting links, closes every open link with a going-away
// frame and waits for the close acknowledgements, then stops the loop. The
// whole sequence is bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	s.stopOnce.Do(func() {
		if s.started {
			for _, ep := range []*endpoint{s.producer, s.listener} {
				if err := ep.srv.Shutdown(ctx); err != nil {
					errs = append(errs, fmt.Errorf("%s endpoint: %w", ep.name, err))
				}
			}
		}

		// Readers keep running on s.ctx until the handshakes finish, so
		// the library can consume each peer's close reply.
		if err := s.closePeers(ctx); err != nil {
			errs = append(errs, err)
		}
		s.cancel()
		close(s.stop)

		if s.started {
			select {
			case <-s.loopDone:
			case <-ctx.Done():
				errs = append(errs, fmt.Errorf("dispatch loop: %w", ctx.Err()))
			}
		}
		s.log.Info("relay stopped")
	})
	return errors.Join(errs...)
}

func (s *Server) closePeers(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, p := range s.snapshotPeers() {
		wg.Add(1)
		go func(p *peer) {
			defer wg.Done()
			p.close(websocket.StatusGoingAway, "relay shutting down")
		}(p)
	}
	closed := make(chan struct{})
	go func() {
		wg.Wait()
		close(closed)
	}()
	select {
	case <-closed:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close links: %w", ctx.Err())
	}
}

// ProducerAddr returns the bound producer address, or "" before Start.
func (s *Server) ProducerAddr() string {
	if s.producer == nil {
		return ""
	}
	return s.producer.ln.Addr().String()
}

// ListenerAddr returns the bound listener address, or "" before Start.
func (s *Server) ListenerAddr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.ln.Addr().String()
}

// listenWithRetry binds host:port, moving to port+1 while the address is in
// use, for at most attempts ports. Port 0 asks the kernel and is tried once.
func listenWithRetry(host string, port, attempts int) (net.Listener, error) {
	if attempts < 1 || port == 0 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts && port+i <= 65535; i++ {
		addr := net.JoinHostPort(host, strconv.Itoa(port+i))
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			return ln, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, fmt.Errorf("listen %s: %w", addr, err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %s ports %d-%d: %v", ErrPortsExhausted, host, port, port+attempts-1, lastErr)
}

func (s *Server) addPeer(p *peer) {
	s.peerMu.Lock()
	defer s.peerMu.Unlock()
	s.peers[p] = struct{}{}
}

func (s *Server) removePeer(p *peer) {
	s.peerMu.Lock()
	defer s.peerMu.Unlock()
	delete(s.peers, p)
}

func (s *Server) snapshotPeers() []*peer {
	s.peerMu.Lock()
	defer s.peerMu.Unlock()
	out := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		out = append(out, p)
	}
	return out
}
