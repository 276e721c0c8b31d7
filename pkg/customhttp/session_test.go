package customhttp

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/asynchttp/pkg/network"
)

// fakeTransport records what the session does; tests drive its events.
type fakeTransport struct {
	events     TransportEvents
	host       string
	port       int
	connectErr error
	sendErr    error
	fileErr    error
	sent       bytes.Buffer
	files      []string
	active     bool
	closed     bool
}

func (f *fakeTransport) Connect(host string, port int, _ time.Duration) error {
	f.host, f.port = host, port
	return f.connectErr
}

func (f *fakeTransport) Send(p []byte) (int, error) {
	if f.sendErr != nil {
		return 0, f.sendErr
	}
	f.sent.Write(p)
	return len(p), nil
}

func (f *fakeTransport) SendFile(path string, offset, length int64) (int64, error) {
	if f.fileErr != nil {
		return 0, f.fileErr
	}
	f.files = append(f.files, fmt.Sprintf("%s@%d+%d", filepath.Base(path), offset, length))
	return length, nil
}

func (f *fakeTransport) Close() error {
	f.closed = true
	f.active = false
	return nil
}

func (f *fakeTransport) Active() bool { return f.active && !f.closed }

// open simulates a successful connect.
func (f *fakeTransport) open() {
	f.active = true
	f.events.OnConnect()
}

type fakeTimers struct {
	next  uint64
	armed map[uint64]func()
	last  time.Duration
}

func newFakeTimers() *fakeTimers { return &fakeTimers{armed: make(map[uint64]func())} }

func (f *fakeTimers) Arm(d time.Duration, fn func()) uint64 {
	f.next++
	f.armed[f.next] = fn
	f.last = d
	return f.next
}

func (f *fakeTimers) Disarm(id uint64) { delete(f.armed, id) }

func (f *fakeTimers) fireAll() {
	for id, fn := range f.armed {
		delete(f.armed, id)
		fn()
	}
}

type harness struct {
	t          *testing.T
	session    *Session
	timers     *fakeTimers
	transports []*fakeTransport
	prepare    func(*fakeTransport)

	resp  *Response
	err   error
	calls int
}

func newHarness(t *testing.T, mutate func(*Settings)) *harness {
	t.Helper()
	h := &harness{t: t, timers: newFakeTimers()}
	settings := DefaultSettings()
	settings.AcceptEncoding = ""
	if mutate != nil {
		mutate(&settings)
	}
	factory := func(ev TransportEvents) Transport {
		ft := &fakeTransport{events: ev}
		if h.prepare != nil {
			h.prepare(ft)
		}
		h.transports = append(h.transports, ft)
		return ft
	}
	target := Target{Host: "example.com", Port: 80}
	h.session = NewSession(target, settings, factory, h.timers, zaptest.NewLogger(t))
	return h
}

func (h *harness) execute(req *Request) error {
	h.resp, h.err = nil, nil
	return h.session.Execute(req, func(resp *Response, err error) {
		h.calls++
		h.resp, h.err = resp, err
	})
}

func (h *harness) transport() *fakeTransport {
	h.t.Helper()
	require.NotEmpty(h.t, h.transports)
	return h.transports[len(h.transports)-1]
}

// deliver feeds raw one byte at a time to exercise every split point.
func (h *harness) deliver(raw string) {
	ev := h.transport().events
	for i := 0; i < len(raw); i++ {
		ev.OnReceive([]byte{raw[i]})
	}
}

func TestSession_KeepAliveReusesTransport(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.execute(NewRequest(MethodGet, "/a")))
	assert.Equal(t, StateBusy, h.session.State())

	tr := h.transport()
	assert.Equal(t, "example.com", tr.host)
	assert.Equal(t, 80, tr.port)
	assert.Zero(t, tr.sent.Len(), "nothing is sent before the connection is up")

	tr.open()
	assert.Equal(t, "GET /a HTTP/1.1\r\nHost: example.com\r\nConnection: keep-alive\r\n\r\n", tr.sent.String())
	assert.Equal(t, 30*time.Second, h.timers.last)
	assert.Len(t, h.timers.armed, 1)

	h.deliver("HTTP/1.1 200 OK\r\nContent-Length: 5\r\nX-Trace: 1\r\n\r\nhello")
	require.NoError(t, h.err)
	require.NotNil(t, h.resp)
	assert.Equal(t, 200, h.resp.StatusCode)
	assert.Equal(t, "OK", h.resp.Reason)
	assert.Equal(t, "hello", string(h.resp.Body))
	assert.Equal(t, "1", h.resp.Header.Get("x-trace"))
	assert.Equal(t, StateReady, h.session.State())
	assert.Empty(t, h.timers.armed, "the deadline is disarmed on completion")
	assert.True(t, h.session.Connected())

	tr.sent.Reset()
	require.NoError(t, h.execute(NewRequest(MethodGet, "/b")))
	assert.Len(t, h.transports, 1)
	assert.Contains(t, tr.sent.String(), "GET /b HTTP/1.1\r\n")
	h.deliver("HTTP/1.1 204 No Content\r\n\r\n")
	require.NoError(t, h.err)
	assert.Equal(t, 204, h.resp.StatusCode)

	assert.Equal(t, Stats{Requests: 2, Connections: 1}, h.session.Stats())
	assert.Equal(t, 2, h.calls)
}

func TestSession_KeepAliveDisabledReconnects(t *testing.T) {
	h := newHarness(t, func(s *Settings) { s.KeepAlive = false })
	require.NoError(t, h.execute(NewRequest(MethodGet, "/")))
	first := h.transport()
	first.open()
	assert.Contains(t, first.sent.String(), "Connection: close\r\n")

	h.deliver("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
	require.NoError(t, h.err)
	assert.True(t, first.closed)
	assert.Equal(t, StateReady, h.session.State())
	assert.False(t, h.session.Connected())

	require.NoError(t, h.execute(NewRequest(MethodGet, "/")))
	require.Len(t, h.transports, 2)
	assert.NotSame(t, first, h.transport())
}

func TestSession_ServerConnectionClose(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.execute(NewRequest(MethodGet, "/")))
	tr := h.transport()
	tr.open()
	h.deliver("HTTP/1.1 200 OK\r\nConnection: close\r\nContent-Length: 0\r\n\r\n")
	require.NoError(t, h.err)
	assert.True(t, tr.closed)

	// Late events from the dropped transport are ignored.
	tr.events.OnClose()
	assert.Equal(t, StateReady, h.session.State())
}

func TestSession_HTTP10RequiresKeepAliveToken(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.execute(NewRequest(MethodGet, "/")))
	tr := h.transport()
	tr.open()
	h.deliver("HTTP/1.0 200 OK\r\nContent-Length: 0\r\n\r\n")
	require.NoError(t, h.err)
	assert.True(t, tr.closed)

	require.NoError(t, h.execute(NewRequest(MethodGet, "/")))
	tr = h.transport()
	tr.open()
	h.deliver("HTTP/1.0 200 OK\r\nConnection: keep-alive\r\nContent-Length: 0\r\n\r\n")
	require.NoError(t, h.err)
	assert.False(t, tr.closed)
}

func TestSession_RejectsWhileBusy(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.execute(NewRequest(MethodGet, "/")))

	err := h.session.Execute(NewRequest(MethodGet, "/"), func(*Response, error) {
		t.Fatal("rejected request must not complete")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSessionBusy)
	assert.Equal(t, KindConfiguration, KindOf(err))
	assert.Equal(t, StateBusy, h.session.State())
}

func TestSession_Timeout(t *testing.T) {
	h := newHarness(t, func(s *Settings) { s.Timeout = time.Second })
	require.NoError(t, h.execute(NewRequest(MethodGet, "/")))
	tr := h.transport()
	tr.open()
	h.deliver("HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nabc")

	h.timers.fireAll()
	require.Error(t, h.err)
	assert.Nil(t, h.resp)
	assert.ErrorIs(t, h.err, ErrTimeout)

	var e *Error
	require.ErrorAs(t, h.err, &e)
	assert.False(t, e.Handshake)
	assert.Equal(t, StatusRequestTimeout, e.StatusCode())
	assert.True(t, tr.closed)
	assert.Equal(t, StateClosed, h.session.State())

	err := h.execute(NewRequest(MethodGet, "/"))
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.Equal(t, 1, h.calls)
}

func TestSession_ZeroTimeoutDisablesDeadline(t *testing.T) {
	h := newHarness(t, func(s *Settings) { s.Timeout = 0 })
	require.NoError(t, h.execute(NewRequest(MethodGet, "/")))
	h.transport().open()
	assert.Empty(t, h.timers.armed)
}

func TestSession_ResetMidBody(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.execute(NewRequest(MethodGet, "/")))
	tr := h.transport()
	tr.open()
	h.deliver("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhel")
	tr.events.OnClose()

	assert.ErrorIs(t, h.err, ErrReset)
	assert.ErrorIs(t, h.err, ErrIncompleteMessage)
	assert.Equal(t, StateClosed, h.session.State())
}

func TestSession_ResetBeforeHeaders(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.execute(NewRequest(MethodGet, "/")))
	tr := h.transport()
	tr.open()
	h.deliver("HTTP/1.1 200 OK\r\nContent-")
	tr.events.OnError(syscall.ECONNRESET)

	var e *Error
	require.ErrorAs(t, h.err, &e)
	assert.Equal(t, KindReset, e.Kind)
	assert.Equal(t, syscall.ECONNRESET, e.Errno)
	assert.Equal(t, StatusServerReset, e.StatusCode())
}

func TestSession_CloseTerminatedBody(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.execute(NewRequest(MethodGet, "/")))
	tr := h.transport()
	tr.open()
	h.deliver("HTTP/1.1 200 OK\r\n\r\nstreamed until close")
	assert.Equal(t, StateWaitClose, h.session.State())
	assert.Nil(t, h.resp)

	tr.events.OnClose()
	require.NoError(t, h.err)
	assert.Equal(t, "streamed until close", string(h.resp.Body))
	assert.Equal(t, StateReady, h.session.State())

	// The next request needs a fresh connection.
	require.NoError(t, h.execute(NewRequest(MethodGet, "/")))
	assert.Len(t, h.transports, 2)
}

func TestSession_ConnectFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.prepare = func(ft *fakeTransport) { ft.connectErr = syscall.ECONNREFUSED }
	require.NoError(t, h.execute(NewRequest(MethodGet, "/")))

	assert.ErrorIs(t, h.err, ErrConnect)
	assert.ErrorIs(t, h.err, syscall.ECONNREFUSED)
	assert.Equal(t, StateClosed, h.session.State())
	assert.Equal(t, uint64(1), h.session.Stats().Failures)
}

func TestSession_AsyncConnectError(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.execute(NewRequest(MethodGet, "/")))
	h.transport().events.OnError(errors.New("no route to host"))

	assert.ErrorIs(t, h.err, ErrConnect)
	assert.Equal(t, StatusConnectFailed, h.err.(*Error).StatusCode())
}

func TestSession_SendFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.prepare = func(ft *fakeTransport) { ft.sendErr = syscall.EPIPE }
	require.NoError(t, h.execute(NewRequest(MethodGet, "/")))
	h.transport().open()

	assert.ErrorIs(t, h.err, ErrReset)
	assert.Equal(t, StateClosed, h.session.State())
}

func TestSession_UploadFileFailureIsIOError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "upload.txt")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0o644))
	file, err := NewUploadFile(path, "doc", "", "", 0, 0)
	require.NoError(t, err)

	h := newHarness(t, nil)
	h.prepare = func(ft *fakeTransport) {
		ft.fileErr = &fs.PathError{Op: "open", Path: path, Err: fs.ErrPermission}
	}
	req := NewRequest(MethodPost, "/upload")
	req.Body = &MultipartBody{Files: []UploadFile{file}}
	require.NoError(t, h.execute(req))
	tr := h.transport()
	tr.open()

	assert.ErrorIs(t, h.err, ErrIO)
	assert.Equal(t, StatusIOError, h.err.(*Error).StatusCode())
	assert.NotContains(t, tr.sent.String(), "--\r\n", "closing boundary is never sent")
}

func TestSession_MultipartStreamsFileSegments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "upload.txt")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o644))
	file, err := NewUploadFile(path, "doc", "text/plain", "", 2, 5)
	require.NoError(t, err)

	h := newHarness(t, nil)
	req := NewRequest(MethodPost, "/upload")
	req.Body = &MultipartBody{Fields: []FormField{{Name: "a", Value: "1"}}, Files: []UploadFile{file}}
	require.NoError(t, h.execute(req))
	tr := h.transport()
	tr.open()

	assert.Equal(t, []string{"upload.txt@2+5"}, tr.files)
	assert.True(t, strings.HasSuffix(tr.sent.String(), "--\r\n"))
}

func TestSession_TransportInactive(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.execute(NewRequest(MethodGet, "/")))
	tr := h.transport()
	tr.open()
	h.deliver("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
	require.NoError(t, h.err)

	tr.active = false
	err := h.execute(NewRequest(MethodGet, "/"))
	assert.ErrorIs(t, err, ErrTransportInactive)
	assert.Equal(t, StateReady, h.session.State())
}

func TestSession_IdleCloseKeepsSessionReady(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.execute(NewRequest(MethodGet, "/")))
	tr := h.transport()
	tr.open()
	h.deliver("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")

	tr.events.OnClose()
	assert.Equal(t, StateReady, h.session.State())
	require.NoError(t, h.execute(NewRequest(MethodGet, "/")))
	assert.Len(t, h.transports, 2)
}

func TestSession_ParseError(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.execute(NewRequest(MethodGet, "/")))
	h.transport().open()
	h.deliver("SSH-2.0-OpenSSH_9.6\r\n\r\n")

	assert.ErrorIs(t, h.err, ErrParse)
	assert.Equal(t, StateClosed, h.session.State())
}

func TestSession_HeaderBufferOverflow(t *testing.T) {
	h := newHarness(t, func(s *Settings) { s.HeaderBufferSize = 256 })
	require.NoError(t, h.execute(NewRequest(MethodGet, "/")))
	h.transport().open()
	h.transport().events.OnReceive([]byte("HTTP/1.1 200 OK\r\nX-Big: " + strings.Repeat("a", 300)))

	assert.ErrorIs(t, h.err, ErrParse)
	assert.ErrorIs(t, h.err, network.ErrHeaderTooLarge)
}

func TestSession_UnsolicitedDataIgnored(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.execute(NewRequest(MethodGet, "/")))
	tr := h.transport()
	tr.open()
	h.deliver("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
	tr.events.OnReceive([]byte("junk"))
	assert.Equal(t, StateReady, h.session.State())
	assert.Equal(t, 1, h.calls)
}

func TestSession_CloseFailsPendingRequest(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.execute(NewRequest(MethodGet, "/")))
	tr := h.transport()
	tr.open()

	require.NoError(t, h.session.Close())
	assert.ErrorIs(t, h.err, ErrReset)
	assert.ErrorIs(t, h.err, ErrSessionClosed)
	assert.True(t, tr.closed)
	assert.Empty(t, h.timers.armed)

	require.NoError(t, h.session.Close())
	assert.Equal(t, 1, h.calls)
}

func TestSession_DownloadDecodesToFile(t *testing.T) {
	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	_, _ = zw.Write([]byte("downloaded content"))
	require.NoError(t, zw.Close())

	path := filepath.Join(t.TempDir(), "out.txt")
	h := newHarness(t, nil)
	req := NewRequest(MethodGet, "/file")
	req.DownloadPath = path
	require.NoError(t, h.execute(req))
	h.transport().open()
	h.deliver(fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Encoding: gzip\r\nContent-Length: %d\r\n\r\n%s", gz.Len(), gz.String()))

	require.NoError(t, h.err)
	assert.Equal(t, path, h.resp.DownloadedTo)
	assert.Empty(t, h.resp.Body)
	assert.Equal(t, network.EncodingGzip, h.resp.Encoding)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "downloaded content", string(got))
}

func TestSession_DownloadOpenFailure(t *testing.T) {
	h := newHarness(t, nil)
	req := NewRequest(MethodGet, "/file")
	req.DownloadPath = filepath.Join(t.TempDir(), "missing", "dir", "out.txt")
	err := h.execute(req)
	assert.ErrorIs(t, err, ErrIO)
	assert.Equal(t, StateReady, h.session.State())
	assert.Empty(t, h.transports)
}

func upgradeResponse(key string) string {
	return "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\nConnection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + websocketAccept(key) + "\r\n\r\n"
}

func serverFrame(t *testing.T, op ws.OpCode, payload string) []byte {
	t.Helper()
	var b bytes.Buffer
	require.NoError(t, ws.WriteFrame(&b, ws.NewFrame(op, true, []byte(payload))))
	return b.Bytes()
}

func TestSession_WebSocketUpgrade(t *testing.T) {
	h := newHarness(t, nil)
	var frames []ws.Frame
	closed := false
	h.session.OnMessage(func(f ws.Frame) { frames = append(frames, f) })
	h.session.OnClose(func() { closed = true })

	req, err := NewWebSocketRequest("/chat")
	require.NoError(t, err)
	require.NoError(t, h.execute(req))
	tr := h.transport()
	tr.open()
	assert.Contains(t, tr.sent.String(), "Upgrade: websocket\r\n")

	// The 101 and the first frame arrive in one read.
	packet := append([]byte(upgradeResponse(req.Header.Get("Sec-WebSocket-Key"))), serverFrame(t, ws.OpText, "hi")...)
	tr.events.OnReceive(packet)

	require.NoError(t, h.err)
	assert.True(t, h.resp.Upgraded)
	assert.Equal(t, 101, h.resp.StatusCode)
	assert.Equal(t, StateUpgrade, h.session.State())
	require.Len(t, frames, 1)
	assert.Equal(t, "hi", string(frames[0].Payload))
	assert.Empty(t, h.timers.armed)

	// A frame split across reads.
	second := serverFrame(t, ws.OpBinary, "split frame")
	tr.events.OnReceive(second[:3])
	tr.events.OnReceive(second[3:])
	require.Len(t, frames, 2)
	assert.Equal(t, ws.OpBinary, frames[1].Header.OpCode)

	tr.sent.Reset()
	require.NoError(t, h.session.Push([]byte("hello"), ws.OpText, true))
	frame, err := ws.ReadFrame(bytes.NewReader(tr.sent.Bytes()))
	require.NoError(t, err)
	assert.True(t, frame.Header.Masked)
	assert.True(t, frame.Header.Fin)
	frame = ws.UnmaskFrameInPlace(frame)
	assert.Equal(t, "hello", string(frame.Payload))

	tr.events.OnClose()
	assert.True(t, closed)
	assert.Equal(t, StateClosed, h.session.State())
	assert.ErrorIs(t, h.session.Push([]byte("x"), ws.OpText, true), ErrNotConnected)
}

func TestSession_WebSocketUnmaskedPush(t *testing.T) {
	h := newHarness(t, func(s *Settings) { s.WebSocketMask = false })
	h.session.OnMessage(func(ws.Frame) {})
	req, err := NewWebSocketRequest("/")
	require.NoError(t, err)
	require.NoError(t, h.execute(req))
	tr := h.transport()
	tr.open()
	tr.events.OnReceive([]byte(upgradeResponse(req.Header.Get("Sec-WebSocket-Key"))))
	tr.sent.Reset()

	require.NoError(t, h.session.Push([]byte("plain"), ws.OpText, true))
	frame, err := ws.ReadFrame(bytes.NewReader(tr.sent.Bytes()))
	require.NoError(t, err)
	assert.False(t, frame.Header.Masked)
	assert.Equal(t, "plain", string(frame.Payload))
}

func TestSession_UpgradeRequiresMessageHandler(t *testing.T) {
	h := newHarness(t, nil)
	req, err := NewWebSocketRequest("/")
	require.NoError(t, err)
	err = h.execute(req)
	assert.ErrorIs(t, err, ErrNoMessageHandler)
	assert.Equal(t, StateReady, h.session.State())
}

func TestSession_HandshakeBadAccept(t *testing.T) {
	h := newHarness(t, nil)
	h.session.OnMessage(func(ws.Frame) {})
	req, err := NewWebSocketRequest("/")
	require.NoError(t, err)
	require.NoError(t, h.execute(req))
	tr := h.transport()
	tr.open()
	h.deliver(upgradeResponse("some other key"))

	assert.ErrorIs(t, h.err, ErrProtocol)
	assert.ErrorIs(t, h.err, ErrHandshakeFailed)
	assert.ErrorIs(t, h.session.Push([]byte("x"), ws.OpText, true), ErrHandshakeFailed)
}

func TestSession_HandshakeRefusedWithPlainResponse(t *testing.T) {
	h := newHarness(t, nil)
	h.session.OnMessage(func(ws.Frame) {})
	req, err := NewWebSocketRequest("/")
	require.NoError(t, err)
	require.NoError(t, h.execute(req))
	h.transport().open()
	h.deliver("HTTP/1.1 403 Forbidden\r\nContent-Length: 0\r\n\r\n")

	require.NoError(t, h.err)
	assert.Equal(t, 403, h.resp.StatusCode)
	assert.Equal(t, StateReady, h.session.State())
	assert.ErrorIs(t, h.session.Push([]byte("x"), ws.OpText, true), ErrHandshakeFailed)
}

func TestSession_HandshakeTimeout(t *testing.T) {
	h := newHarness(t, nil)
	h.session.OnMessage(func(ws.Frame) {})
	req, err := NewWebSocketRequest("/")
	require.NoError(t, err)
	require.NoError(t, h.execute(req))
	h.transport().open()
	h.timers.fireAll()

	var e *Error
	require.ErrorAs(t, h.err, &e)
	assert.Equal(t, KindTimeout, e.Kind)
	assert.True(t, e.Handshake)
	assert.Contains(t, e.Error(), "websocket handshake timeout")
}

func TestSession_PushBeforeUpgrade(t *testing.T) {
	h := newHarness(t, nil)
	assert.ErrorIs(t, h.session.Push([]byte("x"), ws.OpText, true), ErrNotConnected)
}

func TestSession_OversizedFrameClosesUpgrade(t *testing.T) {
	h := newHarness(t, func(s *Settings) { s.MaxFrameSize = 4 })
	closed := false
	h.session.OnMessage(func(ws.Frame) { t.Fatal("oversized frame must not be delivered") })
	h.session.OnClose(func() { closed = true })
	req, err := NewWebSocketRequest("/")
	require.NoError(t, err)
	require.NoError(t, h.execute(req))
	tr := h.transport()
	tr.open()
	tr.events.OnReceive([]byte(upgradeResponse(req.Header.Get("Sec-WebSocket-Key"))))
	tr.events.OnReceive(serverFrame(t, ws.OpText, "too large"))

	assert.True(t, closed)
	assert.True(t, tr.closed)
	assert.Equal(t, StateClosed, h.session.State())
}

func TestSession_ID(t *testing.T) {
	a := newHarness(t, nil).session
	b := newHarness(t, nil).session
	assert.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), b.ID())
}
