package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errClosed = errors.New("fake conn closed")

type fakeConn struct {
	in      chan []byte
	closed  chan struct{}
	once    sync.Once
	mu      sync.Mutex
	written [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 8), closed: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case <-c.closed:
		return nil, errClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, frame []byte) error {
	select {
	case <-c.closed:
		return errClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, append([]byte(nil), frame...))
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) frames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.written))
	for i, b := range c.written {
		out[i] = string(b)
	}
	return out
}

// fakeDialer fails while failures > 0, then hands out fresh fakeConns.
type fakeDialer struct {
	mu       sync.Mutex
	failures int
	dials    int
	conns    []*fakeConn
}

func (d *fakeDialer) Dial(context.Context, string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failures > 0 {
		d.failures--
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type retryLog struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *retryLog) record(_ int, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
}

func (r *retryLog) snapshot() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func testConfig() Config {
	return Config{
		URL:               "ws://relay.test/",
		Role:              "listener",
		HeartbeatInterval: 5 * time.Second,
		InitialDelay:      time.Second,
		MaxDelay:          8 * time.Second,
	}
}

func TestReconnectDelay(t *testing.T) {
	tests := []struct {
		initial, max time.Duration
		retry        int
		want         time.Duration
	}{
		{time.Second, 30 * time.Second, 0, time.Second},
		{time.Second, 30 * time.Second, 1, 2 * time.Second},
		{time.Second, 30 * time.Second, 4, 16 * time.Second},
		{time.Second, 30 * time.Second, 5, 30 * time.Second},
		{time.Second, 30 * time.Second, 500, 30 * time.Second},
		{time.Second, 0, 3, 8 * time.Second},
		{0, 30 * time.Second, 3, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ReconnectDelay(tt.initial, tt.max, tt.retry),
			"ReconnectDelay(%v, %v, %d)", tt.initial, tt.max, tt.retry)
	}
}

func TestPhase_String(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "phase(9)", Phase(9).String())
}

func TestConnect_SuccessSendsHelloAndResetsRetry(t *testing.T) {
	clk := clock.NewMock()
	d := &fakeDialer{}
	var phases []Phase
	var mu sync.Mutex
	m := New(testConfig(), d,
		WithClock(clk),
		WithHello(func() ([]byte, error) { return []byte(`{"type":"register"}`), nil }),
		WithStateHandler(func(p Phase) {
			mu.Lock()
			phases = append(phases, p)
			mu.Unlock()
		}),
	)

	m.Connect()
	require.Equal(t, Connected, m.Phase())
	assert.Equal(t, 0, m.RetryCount())
	assert.Equal(t, []string{`{"type":"register"}`}, d.last().frames())

	mu.Lock()
	assert.Equal(t, []Phase{Connecting, Connected}, phases)
	mu.Unlock()

	m.Disconnect()
}

func TestConnect_IsNoopWhileConnected(t *testing.T) {
	clk := clock.NewMock()
	d := &fakeDialer{}
	m := New(testConfig(), d, WithClock(clk))

	m.Connect()
	m.Connect()
	require.Equal(t, Connected, m.Phase())
	assert.Equal(t, 1, d.dialCount())
	m.Disconnect()
}

func TestReconnect_BackoffDoublesCapsAndResets(t *testing.T) {
	clk := clock.NewMock()
	d := &fakeDialer{failures: 5}
	retries := &retryLog{}
	m := New(testConfig(), d, WithClock(clk), WithReconnectHandler(retries.record))
	defer m.Disconnect()

	m.Connect()
	require.Equal(t, []time.Duration{time.Second}, retries.snapshot())
	require.Equal(t, Disconnected, m.Phase())

	// Each fired timer produces the next failure and the next delay.
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second}
	for i := 1; i < len(want); i++ {
		clk.Add(want[i-1])
		n := i + 1
		require.Eventually(t, func() bool { return len(retries.snapshot()) == n },
			time.Second, time.Millisecond, "waiting for retry %d", n)
	}
	assert.Equal(t, want, retries.snapshot())

	// Sixth dial succeeds.
	clk.Add(8 * time.Second)
	require.Eventually(t, func() bool { return m.Phase() == Connected }, time.Second, time.Millisecond)
	assert.Equal(t, 0, m.RetryCount())

	// A close after a successful connect starts over at the initial delay.
	_ = d.last().Close()
	require.Eventually(t, func() bool { return len(retries.snapshot()) == len(want)+1 }, time.Second, time.Millisecond)
	assert.Equal(t, time.Second, retries.snapshot()[len(want)])
	assert.Equal(t, 1, m.RetryCount())
}

func TestDisconnect_SuppressesReconnectOnLateClose(t *testing.T) {
	clk := clock.NewMock()
	d := &fakeDialer{}
	retries := &retryLog{}
	m := New(testConfig(), d, WithClock(clk), WithReconnectHandler(retries.record))

	m.Connect()
	require.Equal(t, Connected, m.Phase())
	conn := d.last()

	m.Disconnect()
	// The old transport reporting its close must not revive the link.
	_ = conn.Close()
	clk.Add(time.Minute)
	time.Sleep(10 * time.Millisecond)

	assert.Equal(t, Disconnected, m.Phase())
	assert.Empty(t, retries.snapshot())
	assert.Equal(t, 1, d.dialCount())
}

func TestDisconnect_CancelsPendingReconnect(t *testing.T) {
	clk := clock.NewMock()
	d := &fakeDialer{failures: 1}
	m := New(testConfig(), d, WithClock(clk))

	m.Connect()
	require.Equal(t, 1, m.RetryCount())
	m.Disconnect()

	clk.Add(time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, d.dialCount())
	assert.Equal(t, Disconnected, m.Phase())

	// Connect clears the suppression.
	m.Connect()
	assert.Equal(t, Connected, m.Phase())
	m.Disconnect()
}

func TestHeartbeat_EmitsEveryIntervalWhileConnected(t *testing.T) {
	clk := clock.NewMock()
	d := &fakeDialer{}
	m := New(testConfig(), d,
		WithClock(clk),
		WithHeartbeat(func(now time.Time) ([]byte, error) {
			return []byte(now.UTC().Format(time.RFC3339)), nil
		}),
	)

	m.Connect()
	conn := d.last()

	clk.Add(4 * time.Second)
	time.Sleep(5 * time.Millisecond)
	assert.Empty(t, conn.frames(), "no heartbeat before the interval")

	clk.Add(time.Second)
	require.Eventually(t, func() bool { return len(conn.frames()) == 1 }, time.Second, time.Millisecond)
	clk.Add(5 * time.Second)
	require.Eventually(t, func() bool { return len(conn.frames()) == 2 }, time.Second, time.Millisecond)

	m.Disconnect()
	clk.Add(20 * time.Second)
	time.Sleep(5 * time.Millisecond)
	assert.Len(t, conn.frames(), 2, "heartbeats stop after disconnect")
}

func TestSend(t *testing.T) {
	clk := clock.NewMock()
	d := &fakeDialer{}
	m := New(testConfig(), d, WithClock(clk))

	require.ErrorIs(t, m.Send([]byte("x")), ErrNotConnected)

	m.Connect()
	require.NoError(t, m.Send([]byte(`{"type":"ping"}`)))
	assert.Equal(t, []string{`{"type":"ping"}`}, d.last().frames())

	m.Disconnect()
	require.ErrorIs(t, m.Send([]byte("x")), ErrNotConnected)
}

func TestMessageHandler_ReceivesInboundFrames(t *testing.T) {
	clk := clock.NewMock()
	d := &fakeDialer{}
	got := make(chan string, 1)
	m := New(testConfig(), d, WithClock(clk), WithMessageHandler(func(b []byte) { got <- string(b) }))

	m.Connect()
	d.last().in <- []byte(`{"type":"element","data":{}}`)

	select {
	case s := <-got:
		assert.Equal(t, `{"type":"element","data":{}}`, s)
	case <-time.After(time.Second):
		t.Fatal("message handler not called")
	}
	m.Disconnect()
}

func TestHelloFailure_SchedulesReconnect(t *testing.T) {
	clk := clock.NewMock()
	d := &fakeDialer{}
	retries := &retryLog{}
	m := New(testConfig(), d,
		WithClock(clk),
		WithReconnectHandler(retries.record),
		WithHello(func() ([]byte, error) { return nil, errors.New("encode") }),
	)
	defer m.Disconnect()

	m.Connect()
	assert.Equal(t, Disconnected, m.Phase())
	assert.Equal(t, []time.Duration{time.Second}, retries.snapshot())
}

func TestWaitConnected(t *testing.T) {
	clk := clock.NewMock()
	d := &fakeDialer{failures: 1}
	m := New(testConfig(), d, WithClock(clk))
	defer m.Disconnect()

	m.Connect()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	err := m.WaitConnected(ctx)
	cancel()
	require.ErrorIs(t, err, context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() { done <- m.WaitConnected(context.Background()) }()
	clk.Add(time.Second)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitConnected did not return after reconnect")
	}
}

// stallingDialer blocks every dial until its context ends.
type stallingDialer struct {
	started chan struct{}
	once    sync.Once
}

func (d *stallingDialer) Dial(ctx context.Context, _ string) (Conn, error) {
	d.once.Do(func() { close(d.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestDisconnect_AbortsDialInFlight(t *testing.T) {
	clk := clock.NewMock()
	d := &stallingDialer{started: make(chan struct{})}
	cfg := testConfig()
	cfg.ConnectTimeout = time.Minute
	retries := &retryLog{}
	m := New(cfg, d, WithClock(clk), WithReconnectHandler(retries.record))

	returned := make(chan struct{})
	go func() {
		m.Connect()
		close(returned)
	}()
	select {
	case <-d.started:
	case <-time.After(time.Second):
		t.Fatal("dial never started")
	}
	assert.Equal(t, Connecting, m.Phase())

	m.Disconnect()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("Connect still blocked in dial after Disconnect")
	}
	assert.Equal(t, Disconnected, m.Phase())
	assert.Equal(t, 0, m.RetryCount())
	assert.Empty(t, retries.snapshot())
}
