package reactor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/asynchttp/pkg/network"
)

const (
	defaultReadBufferSize = 32 * 1024
	defaultWriteTimeout   = 30 * time.Second
)

var (
	// ErrNotActive is returned when writing to a transport that is not connected.
	ErrNotActive = errors.New("reactor: transport not active")
	// ErrAlreadyConnecting is returned by a second Connect on the same transport.
	ErrAlreadyConnecting = errors.New("reactor: connect already started")
)

// Events receives transport notifications. Every method runs on the loop.
type Events interface {
	OnConnect()
	OnReceive(p []byte)
	OnClose()
	OnError(err error)
}

// ConnTransport is a TCP or TLS connection driven by a Loop. Dialing and
// reading happen on helper goroutines; their results are posted to the loop
// in order. Writes are synchronous.
type ConnTransport struct {
	loop    *Loop
	dialer  *network.DialerConfig
	events  Events
	limiter *rate.Limiter
	logger  *zap.Logger

	WriteTimeout   time.Duration
	ReadBufferSize int

	mu         sync.Mutex
	conn       net.Conn
	cancelDial context.CancelFunc
	untrack    func()
	started    bool

	active atomic.Bool
	closed atomic.Bool
}

// NewConnTransport creates an unconnected transport. limiter paces outgoing
// bytes and may be nil.
func NewConnTransport(loop *Loop, dialer *network.DialerConfig, events Events, limiter *rate.Limiter, logger *zap.Logger) *ConnTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dialer == nil {
		dialer = network.NewDialerConfig()
	}
	return &ConnTransport{
		loop:           loop,
		dialer:         dialer,
		events:         events,
		limiter:        limiter,
		logger:         logger.With(zap.String("component", "conn_transport")),
		WriteTimeout:   defaultWriteTimeout,
		ReadBufferSize: defaultReadBufferSize,
	}
}

// Connect starts dialing host:port. The outcome arrives as OnConnect or
// OnError.
func (t *ConnTransport) Connect(host string, port int, timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return ErrNotActive
	}
	if t.started {
		return ErrAlreadyConnecting
	}
	t.started = true

	cfg := t.dialer.Clone()
	if timeout > 0 {
		cfg.Timeout = timeout
	}
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if cfg.Timeout > 0 {
		ctx, cancel = context.WithTimeout(t.loop.Context(), cfg.Timeout)
	} else {
		ctx, cancel = context.WithCancel(t.loop.Context())
	}
	t.cancelDial = cancel
	t.untrack = t.loop.track(func() { _ = t.Close() })

	address := net.JoinHostPort(host, strconv.Itoa(port))
	t.loop.Go(func(context.Context) error {
		defer cancel()
		conn, err := network.DialContext(ctx, "tcp", address, cfg)
		if err != nil {
			if !t.closed.Load() {
				t.logger.Debug("Dial failed", zap.String("address", address), zap.Error(err))
				t.post(func() { t.events.OnError(err) })
			}
			return nil
		}
		if !t.attach(conn) {
			_ = conn.Close()
			return nil
		}
		t.logger.Debug("Connected", zap.String("address", address), zap.String("local", conn.LocalAddr().String()))
		t.post(t.events.OnConnect)
		t.readLoop(conn)
		return nil
	})
	return nil
}

func (t *ConnTransport) attach(conn net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return false
	}
	t.conn = conn
	t.active.Store(true)
	return true
}

func (t *ConnTransport) post(fn func()) {
	if err := t.loop.Post(fn); err != nil {
		t.logger.Debug("Dropping transport event", zap.Error(err))
	}
}

func (t *ConnTransport) readLoop(conn net.Conn) {
	size := t.ReadBufferSize
	if size <= 0 {
		size = defaultReadBufferSize
	}
	buf := make([]byte, size)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			t.post(func() { t.events.OnReceive(data) })
		}
		if err == nil {
			continue
		}
		if t.closed.Load() {
			return
		}
		t.active.Store(false)
		if errors.Is(err, io.EOF) {
			t.post(t.events.OnClose)
		} else {
			t.post(func() { t.events.OnError(err) })
		}
		return
	}
}

// Active reports whether the connection is established and not closed.
func (t *ConnTransport) Active() bool {
	return t.active.Load() && !t.closed.Load()
}

func (t *ConnTransport) current() (net.Conn, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil || !t.Active() {
		return nil, ErrNotActive
	}
	if t.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(t.WriteTimeout)); err != nil {
			return nil, err
		}
	}
	return conn, nil
}

// Send writes p, blocking until it is written, paced by the limiter.
func (t *ConnTransport) Send(p []byte) (int, error) {
	conn, err := t.current()
	if err != nil {
		return 0, err
	}
	return t.writer(conn).Write(p)
}

// SendFile streams length bytes of path starting at offset.
func (t *ConnTransport) SendFile(path string, offset, length int64) (int64, error) {
	conn, err := t.current()
	if err != nil {
		return 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return 0, err
		}
	}
	n, err := io.CopyN(t.writer(conn), f, length)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return n, &os.PathError{Op: "read", Path: path, Err: fmt.Errorf("file shorter than %d bytes: %w", length, io.ErrUnexpectedEOF)}
		}
		return n, err
	}
	return n, nil
}

func (t *ConnTransport) writer(conn net.Conn) io.Writer {
	if t.limiter == nil {
		return conn
	}
	return &pacedWriter{ctx: t.loop.Context(), w: conn, limiter: t.limiter}
}

// Close tears the connection down without notifying Events. It is safe to
// call more than once.
func (t *ConnTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.active.Store(false)

	t.mu.Lock()
	conn := t.conn
	cancel := t.cancelDial
	untrack := t.untrack
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if untrack != nil {
		untrack()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// pacedWriter splits writes so that no single wait exceeds the limiter burst.
type pacedWriter struct {
	ctx     context.Context
	w       io.Writer
	limiter *rate.Limiter
}

func (p *pacedWriter) Write(b []byte) (int, error) {
	burst := p.limiter.Burst()
	if burst <= 0 {
		return 0, errors.New("reactor: rate limiter has zero burst")
	}
	written := 0
	for len(b) > 0 {
		chunk := b
		if len(chunk) > burst {
			chunk = chunk[:burst]
		}
		if err := p.limiter.WaitN(p.ctx, len(chunk)); err != nil {
			return written, err
		}
		n, err := p.w.Write(chunk)
		written += n
		if err != nil {
			return written, err
		}
		b = b[len(chunk):]
	}
	return written, nil
}

// NewSendLimiter returns a limiter allowing bytesPerSecond, or nil when the
// rate is not positive.
func NewSendLimiter(bytesPerSecond int) *rate.Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	burst := bytesPerSecond
	if burst > 64*1024 {
		burst = 64 * 1024
	}
	return rate.NewLimiter(rate.Limit(bytesPerSecond), burst)
}
