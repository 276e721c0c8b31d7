package reactor

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrLoopStopped is returned by Post once the loop has shut down.
var ErrLoopStopped = errors.New("reactor: loop stopped")

// Loop runs posted callbacks one at a time on a single goroutine. Protocol
// state owned by the loop needs no locking as long as it is only touched from
// posted callbacks.
type Loop struct {
	logger *zap.Logger

	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	closersMu sync.Mutex
	closers   map[uint64]func()
	nextID    uint64
}

// NewLoop creates a loop. Call Start before posting work.
func NewLoop(logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		logger:  logger.With(zap.String("component", "reactor_loop")),
		wake:    make(chan struct{}, 1),
		closers: make(map[uint64]func()),
	}
}

// Start launches the dispatch goroutine. The loop stops when ctx is cancelled
// or Shutdown is called.
func (l *Loop) Start(ctx context.Context) {
	l.ctx, l.cancel = context.WithCancel(ctx)
	l.group, l.ctx = errgroup.WithContext(l.ctx)
	l.group.Go(l.run)
	l.logger.Debug("Reactor loop started")
}

// Context is cancelled when the loop stops. Helper goroutines started with Go
// should watch it.
func (l *Loop) Context() context.Context { return l.ctx }

// Post queues fn to run on the loop goroutine. The queue is unbounded so
// producers never block.
func (l *Loop) Post(fn func()) error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrLoopStopped
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// Do runs fn on the loop and waits for it to return.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := l.Post(func() {
		defer close(done)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.ctx.Done():
		return ErrLoopStopped
	}
}

// Go runs fn on a helper goroutine tracked by the loop. Shutdown waits for it.
func (l *Loop) Go(fn func(ctx context.Context) error) {
	l.group.Go(func() error { return fn(l.ctx) })
}

// track registers a closer invoked on shutdown; the returned func removes it.
func (l *Loop) track(closer func()) (untrack func()) {
	l.closersMu.Lock()
	defer l.closersMu.Unlock()
	l.nextID++
	id := l.nextID
	l.closers[id] = closer
	return func() {
		l.closersMu.Lock()
		delete(l.closers, id)
		l.closersMu.Unlock()
	}
}

func (l *Loop) run() error {
	for {
		select {
		case <-l.ctx.Done():
			l.drainClosed()
			return nil
		case <-l.wake:
		}

		for {
			l.mu.Lock()
			batch := l.queue
			l.queue = nil
			l.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, fn := range batch {
				l.dispatch(fn)
			}
		}
	}
}

// dispatch runs fn, keeping the loop alive if it panics.
func (l *Loop) dispatch(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Panic in reactor callback", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
}

// drainClosed marks the loop stopped and drops queued work.
func (l *Loop) drainClosed() {
	l.mu.Lock()
	l.stopped = true
	dropped := len(l.queue)
	l.queue = nil
	l.mu.Unlock()
	if dropped > 0 {
		l.logger.Debug("Dropped queued callbacks on shutdown", zap.Int("count", dropped))
	}
}

// Shutdown stops the loop, closes tracked resources and waits for every
// goroutine started through the loop.
func (l *Loop) Shutdown() error {
	if l.cancel == nil {
		return nil
	}
	l.logger.Debug("Stopping reactor loop")
	l.cancel()

	l.closersMu.Lock()
	closers := make([]func(), 0, len(l.closers))
	for _, c := range l.closers {
		closers = append(closers, c)
	}
	l.closersMu.Unlock()
	for _, c := range closers {
		c()
	}

	err := l.group.Wait()
	l.logger.Debug("Reactor loop stopped")
	return err
}
