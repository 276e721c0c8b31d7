package customhttp

import (
	"context"
	"errors"
	"sync"

	"github.com/gobwas/ws"
	"go.uber.org/zap"

	"github.com/xkilldash9x/asynchttp/internal/config"
	"github.com/xkilldash9x/asynchttp/internal/observability"
	"github.com/xkilldash9x/asynchttp/pkg/reactor"
)

// Client is a blocking front end for a Session. It owns an event loop and
// runs every session operation on it, so a Client may be shared between
// goroutines; requests on it are still served one at a time.
type Client struct {
	logger  *zap.Logger
	target  Target
	loop    *reactor.Loop
	timers  *reactor.Timers
	session *Session

	closeOnce sync.Once
	closeErr  error
}

type result struct {
	resp *Response
	err  error
}

// NewClient creates a client for the endpoint in rawURL. Only the scheme,
// host and port of rawURL are used.
func NewClient(ctx context.Context, rawURL string, cfg config.ClientConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = observability.GetLogger()
	}
	if err := cfg.Validate(); err != nil {
		return nil, newError(KindConfiguration, err)
	}
	target, _, err := ParseTarget(rawURL)
	if err != nil {
		return nil, err
	}
	settings, dialer, err := SettingsFromConfig(cfg, target)
	if err != nil {
		return nil, err
	}

	loop := reactor.NewLoop(logger)
	loop.Start(ctx)
	timers := reactor.NewTimers(loop)
	limiter := reactor.NewSendLimiter(cfg.SendRate)

	factory := func(events TransportEvents) Transport {
		return reactor.NewConnTransport(loop, dialer, events, limiter, logger)
	}

	c := &Client{
		logger:  logger.With(zap.String("component", "customhttp_client")),
		target:  target,
		loop:    loop,
		timers:  timers,
		session: NewSession(target, settings, factory, timers, logger),
	}
	c.logger.Debug("Client created",
		zap.String("host", target.Host),
		zap.Int("port", target.Port),
		zap.Bool("tls", target.TLS),
		zap.Bool("forward_proxy", settings.ForwardProxy))
	return c, nil
}

// Target returns the endpoint the client talks to.
func (c *Client) Target() Target { return c.target }

// Do sends req and waits for the response. If ctx ends before the request is
// started, ctx.Err() is returned and the session is untouched. If it ends
// while the exchange is in flight the session is closed and the client is not
// reusable afterwards.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	done := make(chan result, 1)
	var (
		execErr error
		started bool
	)
	err := c.loop.Do(ctx, func() {
		if err := ctx.Err(); err != nil {
			execErr = err
			return
		}
		execErr = c.session.Execute(req, func(resp *Response, err error) {
			done <- result{resp, err}
		})
		started = execErr == nil
	})
	if err != nil {
		if !errors.Is(err, reactor.ErrLoopStopped) {
			// Runs after the queued closure, so started is settled.
			_ = c.loop.Post(func() {
				if started {
					c.logger.Debug("Request abandoned, closing session", zap.Error(err))
					_ = c.session.Close()
				}
			})
		}
		return nil, c.loopError(err)
	}
	if execErr != nil {
		return nil, execErr
	}

	select {
	case r := <-done:
		return r.resp, r.err
	case <-ctx.Done():
		c.logger.Debug("Request abandoned, closing session", zap.Error(ctx.Err()))
		_ = c.loop.Post(func() { _ = c.session.Close() })
		select {
		case <-done:
		case <-c.loop.Context().Done():
		}
		return nil, ctx.Err()
	case <-c.loop.Context().Done():
		return nil, newError(KindReset, ErrSessionClosed)
	}
}

func (c *Client) loopError(err error) error {
	if errors.Is(err, reactor.ErrLoopStopped) {
		return newError(KindConfiguration, ErrSessionClosed)
	}
	return err
}

// Get issues a GET for uri.
func (c *Client) Get(ctx context.Context, uri string) (*Response, error) {
	return c.Do(ctx, NewRequest(MethodGet, uri))
}

// Post issues a POST for uri with body.
func (c *Client) Post(ctx context.Context, uri string, body Body) (*Response, error) {
	req := NewRequest(MethodPost, uri)
	req.Body = body
	return c.Do(ctx, req)
}

// Download issues a GET for uri and streams the decoded body to path,
// starting at offset.
func (c *Client) Download(ctx context.Context, uri, path string, offset int64) (*Response, error) {
	req := NewRequest(MethodGet, uri)
	req.DownloadPath = path
	req.DownloadOffset = offset
	return c.Do(ctx, req)
}

// Upgrade performs a WebSocket handshake on uri. onFrame and onClose run on
// the loop goroutine and must not block; either may be nil except onFrame.
func (c *Client) Upgrade(ctx context.Context, uri string, onFrame FrameFunc, onClose func()) (*Response, error) {
	req, err := NewWebSocketRequest(uri)
	if err != nil {
		return nil, err
	}
	return c.UpgradeRequest(ctx, req, onFrame, onClose)
}

// UpgradeRequest is Upgrade for a handshake request built with
// NewWebSocketRequest, so callers can add headers such as Host first.
func (c *Client) UpgradeRequest(ctx context.Context, req *Request, onFrame FrameFunc, onClose func()) (*Response, error) {
	if err := c.loop.Do(ctx, func() {
		c.session.OnMessage(onFrame)
		c.session.OnClose(onClose)
	}); err != nil {
		return nil, c.loopError(err)
	}
	return c.Do(ctx, req)
}

// Push sends one final frame with opcode op on an upgraded connection.
func (c *Client) Push(ctx context.Context, payload []byte, op ws.OpCode) error {
	var pushErr error
	if err := c.loop.Do(ctx, func() { pushErr = c.session.Push(payload, op, true) }); err != nil {
		return c.loopError(err)
	}
	return pushErr
}

// State returns the session state.
func (c *Client) State() State {
	s := StateClosed
	_ = c.loop.Do(context.Background(), func() { s = c.session.State() })
	return s
}

// Stats returns the session counters.
func (c *Client) Stats() Stats {
	var s Stats
	_ = c.loop.Do(context.Background(), func() { s = c.session.Stats() })
	return s
}

// Close shuts the session and the loop down. Calls after the first return
// the first result.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		_ = c.loop.Do(context.Background(), func() { _ = c.session.Close() })
		c.timers.StopAll()
		c.closeErr = c.loop.Shutdown()
		c.logger.Debug("Client closed")
	})
	return c.closeErr
}
