package customhttp

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/gobwas/ws"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/asynchttp/pkg/network"
)

// State is the lifecycle state of a Session.
type State int

const (
	StateReady State = iota
	StateBusy
	StateWaitClose
	StateUpgrade
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "READY"
	case StateBusy:
		return "BUSY"
	case StateWaitClose:
		return "WAIT_CLOSE"
	case StateUpgrade:
		return "UPGRADE"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ResponseFunc receives the outcome of one request. Exactly one of resp and
// err is non-nil.
type ResponseFunc func(resp *Response, err error)

// FrameFunc receives WebSocket frames after an upgrade.
type FrameFunc func(frame ws.Frame)

// Stats counts session activity.
type Stats struct {
	Requests    uint64
	Connections uint64
	Failures    uint64
}

// Session drives request/response exchanges against one endpoint over a
// reusable connection. It is not safe for concurrent use: every method and
// every transport or timer callback must run on the same event loop.
type Session struct {
	id           string
	logger       *zap.Logger
	target       Target
	settings     Settings
	serializer   Serializer
	newTransport TransportFactory
	timers       TimerService

	state     State
	transport Transport
	// gen identifies the current transport; events from older ones are dropped.
	gen       uint64
	connected bool

	scanner  *network.HeaderScanner
	scanning bool
	parser   *Parser
	builder  *responseBuilder
	frames   *FrameReader

	wire            *Wire
	upgradeAttempt  bool
	handshakeFailed bool
	timer           uint64
	timerArmed      bool

	onResponse ResponseFunc
	onMessage  FrameFunc
	onClose    func()

	stats Stats
}

// NewSession creates a Session in the READY state. No connection is made
// until the first request.
func NewSession(target Target, settings Settings, newTransport TransportFactory, timers TimerService, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	settings = settings.withDefaults()
	id := uuid.NewString()
	s := &Session{
		id: id,
		logger: logger.Named("session").With(
			zap.String("session_id", id),
			zap.String("host", target.Host),
			zap.Int("port", target.Port),
		),
		target:   target,
		settings: settings,
		serializer: Serializer{
			Host:               target.Host,
			Port:               target.Port,
			TLS:                target.TLS,
			KeepAlive:          settings.KeepAlive,
			AcceptEncoding:     settings.AcceptEncoding,
			ForwardProxy:       settings.ForwardProxy,
			ProxyAuthorization: settings.ProxyAuthorization,
		},
		newTransport: newTransport,
		timers:       timers,
		scanner:      network.NewHeaderScanner(settings.HeaderBufferSize),
		builder:      newResponseBuilder(),
	}
	s.parser = NewParser(s.builder, settings.HeaderBufferSize)
	s.builder.parser = s.parser
	return s
}

// ID returns the session identifier used in logs.
func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() State { return s.state }

// Stats returns activity counters.
func (s *Session) Stats() Stats { return s.stats }

// Connected reports whether an active transport is attached.
func (s *Session) Connected() bool {
	return s.transport != nil && s.connected && s.transport.Active()
}

// OnMessage registers the frame callback used after a WebSocket upgrade.
func (s *Session) OnMessage(fn FrameFunc) { s.onMessage = fn }

// OnClose registers a callback fired when an upgraded connection closes.
func (s *Session) OnClose(fn func()) { s.onClose = fn }

// Execute starts req. Problems found before any I/O are returned directly and
// leave the session unchanged; everything later is reported through done.
func (s *Session) Execute(req *Request, done ResponseFunc) error {
	switch s.state {
	case StateReady:
	case StateClosed:
		return newError(KindConfiguration, ErrSessionClosed)
	default:
		return newError(KindConfiguration, ErrSessionBusy)
	}
	if s.transport != nil && !s.transport.Active() {
		return newError(KindConfiguration, ErrTransportInactive)
	}

	upgrade := req.isUpgrade()
	if upgrade && s.onMessage == nil {
		return newError(KindConfiguration, ErrNoMessageHandler)
	}

	wire, err := s.serializer.Serialize(req)
	if err != nil {
		return err
	}
	var sink *fileSink
	if req.DownloadPath != "" {
		if sink, err = openFileSink(req.DownloadPath, req.DownloadOffset); err != nil {
			wire.Release()
			return err
		}
	}

	s.wire = wire
	s.onResponse = done
	s.upgradeAttempt = upgrade
	s.handshakeFailed = false
	s.builder.begin(req.method(), sink, upgrade, req.Header.Get("Sec-WebSocket-Key"))
	s.parser.Reset()
	s.scanner.Reset()
	s.scanning = true
	s.state = StateBusy

	s.logger.Debug("Executing request",
		zap.String("method", string(req.method())),
		zap.String("uri", req.URI),
		zap.Bool("upgrade", upgrade),
		zap.Bool("reuse", s.transport != nil))

	if s.transport == nil {
		s.connect()
		return nil
	}
	s.sendRequest()
	return nil
}

func (s *Session) connect() {
	s.gen++
	s.connected = false
	s.transport = s.newTransport(sessionEvents{s: s, gen: s.gen})
	if err := s.transport.Connect(s.target.Host, s.target.Port, s.settings.ConnectTimeout); err != nil {
		s.fail(newError(KindConnect, err))
	}
}

func (s *Session) sendRequest() {
	wire := s.wire
	s.wire = nil
	defer wire.Release()

	s.armTimer()
	for _, seg := range wire.Segments {
		var err error
		if seg.File != nil {
			_, err = s.transport.SendFile(seg.File.Path, seg.File.Offset, seg.File.Length)
		} else {
			_, err = s.transport.Send(seg.Data)
		}
		if err != nil {
			// Remaining parts are not sent.
			s.fail(sendError(err))
			return
		}
	}
	s.logger.Debug("Request sent", zap.Int64("bytes", wire.Len()))
}

func sendError(err error) *Error {
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return newError(KindIO, err)
	}
	return newError(KindReset, err)
}

func (s *Session) armTimer() {
	if s.settings.Timeout <= 0 || s.timers == nil {
		return
	}
	s.disarmTimer()
	gen := s.gen
	s.timer = s.timers.Arm(s.settings.Timeout, func() {
		if s.gen == gen {
			s.handleTimeout()
		}
	})
	s.timerArmed = true
}

func (s *Session) disarmTimer() {
	if s.timerArmed {
		s.timers.Disarm(s.timer)
		s.timerArmed = false
	}
}

// dropTransport closes the current transport and ignores its later events.
func (s *Session) dropTransport() {
	if s.transport != nil {
		_ = s.transport.Close()
		s.transport = nil
	}
	s.connected = false
	s.gen++
}

// fail ends the in-flight request with err and closes the session.
func (s *Session) fail(err *Error) {
	s.disarmTimer()
	s.builder.discard()
	if s.wire != nil {
		s.wire.Release()
		s.wire = nil
	}
	if s.upgradeAttempt {
		s.handshakeFailed = true
	}
	s.dropTransport()
	s.state = StateClosed
	s.stats.Failures++
	s.logger.Debug("Request failed", zap.Stringer("kind", err.Kind), zap.Error(err))
	s.complete(nil, err)
}

func (s *Session) complete(resp *Response, err error) {
	cb := s.onResponse
	s.onResponse = nil
	if cb != nil {
		cb(resp, err)
	}
}

func asError(err error, kind ErrorKind) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return newError(kind, err)
}

func (s *Session) handleConnect() {
	s.connected = true
	s.stats.Connections++
	s.logger.Debug("Connection established")
	if s.state == StateBusy && s.wire != nil {
		s.sendRequest()
	}
}

func (s *Session) handleReceive(p []byte) {
	switch s.state {
	case StateUpgrade:
		s.feedFrames(p)
		return
	case StateBusy, StateWaitClose:
	default:
		s.logger.Debug("Discarding unsolicited bytes", zap.Int("bytes", len(p)))
		return
	}

	data := p
	if s.scanning {
		found, err := s.scanner.Write(p)
		if err != nil {
			s.fail(newError(KindParse, err))
			return
		}
		if !found {
			return
		}
		s.scanning = false
		data = s.scanner.Bytes()
	}

	n, err := s.parser.Feed(data)
	if err != nil {
		s.fail(asError(err, KindParse))
		return
	}
	switch {
	case s.builder.upgraded:
		s.enterUpgrade(data[n:])
	case s.builder.complete:
		s.finishExchange()
	case s.parser.BodyMode() == BodyUntilClose:
		s.state = StateWaitClose
	}
}

func (s *Session) finishExchange() {
	s.disarmTimer()
	resp := s.builder.take()
	keep := s.settings.KeepAlive && s.builder.keepAlive
	if s.upgradeAttempt {
		// The server answered an upgrade request with a plain response.
		s.handshakeFailed = true
		s.upgradeAttempt = false
	}
	if !keep {
		s.dropTransport()
	}
	s.state = StateReady
	s.stats.Requests++
	s.logger.Debug("Response complete",
		zap.Int("status", resp.StatusCode),
		zap.Int("body_bytes", len(resp.Body)),
		zap.Bool("keep_alive", keep))
	s.complete(resp, nil)
}

func (s *Session) enterUpgrade(rest []byte) {
	s.disarmTimer()
	resp := s.builder.take()
	s.state = StateUpgrade
	s.frames = NewFrameReader(s.settings.MaxFrameSize)
	s.stats.Requests++
	s.logger.Debug("Switched to websocket framing", zap.Int("leftover", len(rest)))
	s.complete(resp, nil)
	if len(rest) > 0 && s.state == StateUpgrade {
		s.feedFrames(rest)
	}
}

func (s *Session) feedFrames(p []byte) {
	frames, err := s.frames.Feed(p)
	for _, f := range frames {
		if s.onMessage != nil {
			s.onMessage(f)
		}
		if s.state != StateUpgrade {
			return
		}
	}
	if err != nil {
		s.logger.Warn("Closing websocket after invalid frame", zap.Error(err))
		s.closeUpgraded()
	}
}

func (s *Session) closeUpgraded() {
	s.dropTransport()
	s.frames = nil
	s.state = StateClosed
	if s.onClose != nil {
		s.onClose()
	}
}

// handleDisconnect runs when the transport closes or fails; cause is nil for
// an orderly close.
func (s *Session) handleDisconnect(cause error) {
	s.dropTransport()

	switch s.state {
	case StateReady:
		s.logger.Debug("Idle connection closed by peer", zap.Error(cause))
	case StateUpgrade:
		s.logger.Debug("Websocket connection closed", zap.Error(cause))
		s.closeUpgraded()
	case StateBusy, StateWaitClose:
		if !s.scanning {
			// A close-terminated body ends here, even when the close is abrupt.
			if err := s.parser.Finish(); err != nil {
				s.fail(asError(err, KindReset))
				return
			}
			if s.builder.complete {
				s.finishExchange()
				return
			}
		}
		if cause == nil {
			cause = ErrIncompleteMessage
		}
		s.fail(newError(KindReset, cause))
	}
}

func (s *Session) handleError(err error) {
	if (s.state == StateBusy) && !s.connected {
		s.fail(newError(KindConnect, err))
		return
	}
	s.handleDisconnect(err)
}

func (s *Session) handleTimeout() {
	s.timerArmed = false
	if s.state != StateBusy && s.state != StateWaitClose {
		return
	}
	e := newError(KindTimeout, fmt.Errorf("no response within %s", s.settings.Timeout))
	e.Handshake = s.upgradeAttempt
	s.logger.Warn("Request timed out", zap.Bool("handshake", e.Handshake))
	s.fail(e)
}

// Push sends one WebSocket frame on an upgraded session.
func (s *Session) Push(payload []byte, op ws.OpCode, fin bool) error {
	if s.state != StateUpgrade || s.transport == nil {
		if s.handshakeFailed {
			return ErrHandshakeFailed
		}
		return ErrNotConnected
	}
	buf, err := encodeFrame(payload, op, fin, s.settings.WebSocketMask)
	if err != nil {
		return newError(KindProtocol, err)
	}
	defer sendBufferPool.Put(buf)
	if _, err := s.transport.Send(buf.B); err != nil {
		return newError(KindReset, err)
	}
	return nil
}

// Close tears the session down. An in-flight request completes with a reset
// error. Closing a closed session does nothing.
func (s *Session) Close() error {
	switch s.state {
	case StateClosed:
		return nil
	case StateBusy, StateWaitClose:
		s.fail(newError(KindReset, ErrSessionClosed))
	case StateUpgrade:
		s.closeUpgraded()
	default:
		s.dropTransport()
		s.state = StateClosed
	}
	s.logger.Debug("Session closed", zap.Uint64("requests", s.stats.Requests))
	return nil
}

// sessionEvents binds transport callbacks to the generation that created them.
type sessionEvents struct {
	s   *Session
	gen uint64
}

func (e sessionEvents) current() bool { return e.s.gen == e.gen }

func (e sessionEvents) OnConnect() {
	if e.current() {
		e.s.handleConnect()
	}
}

func (e sessionEvents) OnReceive(p []byte) {
	if e.current() {
		e.s.handleReceive(p)
	}
}

func (e sessionEvents) OnClose() {
	if e.current() {
		e.s.handleDisconnect(nil)
	}
}

func (e sessionEvents) OnError(err error) {
	if e.current() {
		e.s.handleError(err)
	}
}
