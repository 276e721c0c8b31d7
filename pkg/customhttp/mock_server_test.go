package customhttp

import (
	"compress/gzip"
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
)

// MockServerHandler is a configurable http.Handler for testing.
type MockServerHandler struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
	Delay      time.Duration
	// Gzip compresses Body and sets Content-Encoding.
	Gzip bool

	hits atomic.Int32
}

// ServeHTTP implements the http.Handler interface.
func (h *MockServerHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.hits.Add(1)
	if h.Delay > 0 {
		select {
		case <-time.After(h.Delay):
		case <-r.Context().Done():
			return
		}
	}

	for key, value := range h.Headers {
		w.Header().Set(key, value)
	}
	status := h.StatusCode
	if status == 0 {
		status = http.StatusOK
	}

	if h.Gzip {
		w.Header().Set("Content-Encoding", "gzip")
		w.WriteHeader(status)
		zw := gzip.NewWriter(w)
		_, _ = zw.Write(h.Body)
		_ = zw.Close()
		return
	}
	w.WriteHeader(status)
	if h.Body != nil {
		_, _ = w.Write(h.Body)
	}
}

// Hits returns the number of requests served.
func (h *MockServerHandler) Hits() int { return int(h.hits.Load()) }

// NewMockServer creates a new httptest.Server with a MockServerHandler.
func NewMockServer(handler http.Handler) *httptest.Server {
	return httptest.NewServer(handler)
}

// NewMockTLSServer creates a TLS httptest.Server restricted to HTTP/1.1.
func NewMockTLSServer(handler http.Handler) *httptest.Server {
	server := httptest.NewUnstartedServer(handler)
	server.TLS = &tls.Config{NextProtos: []string{"http/1.1"}}
	server.StartTLS()
	return server
}

// wsEchoHandler upgrades, sends a greeting frame and echoes every data frame.
func wsEchoHandler(greeting string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		defer conn.Close()
		if greeting != "" {
			if err := ws.WriteFrame(conn, ws.NewTextFrame([]byte(greeting))); err != nil {
				return
			}
		}
		for {
			f, err := ws.ReadFrame(conn)
			if err != nil {
				return
			}
			if f.Header.Masked {
				f = ws.UnmaskFrameInPlace(f)
			}
			if f.Header.OpCode == ws.OpClose {
				return
			}
			if err := ws.WriteFrame(conn, ws.NewFrame(f.Header.OpCode, true, f.Payload)); err != nil {
				return
			}
		}
	}
}
