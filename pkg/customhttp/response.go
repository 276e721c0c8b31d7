package customhttp

import (
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/xkilldash9x/asynchttp/pkg/network"
)

// Response is the result of one exchange.
type Response struct {
	StatusCode int
	Reason     string
	// Header holds lower-cased names in arrival order. Set-Cookie is kept out
	// of it; see Cookies and SetCookieHeaders.
	Header           Header
	Cookies          []*http.Cookie
	SetCookieHeaders []string
	// Body is empty when the body went to DownloadedTo.
	Body         []byte
	DownloadedTo string
	Chunked      bool
	Encoding     network.Encoding
	Upgraded     bool
}

// Cookie returns the named cookie set by the response.
func (r *Response) Cookie(name string) *http.Cookie {
	for _, c := range r.Cookies {
		if c.Name == name {
			return c
		}
	}
	return nil
}

const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

func websocketAccept(key string) string {
	sum := sha1.Sum([]byte(key + websocketGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// responseBuilder turns parser events into a Response for one request.
type responseBuilder struct {
	parser *Parser
	method Method

	resp      *Response
	field     string
	encoding  network.Encoding
	sink      *fileSink
	decoder   *network.Decompressor
	upgrade   bool
	wsKey     string
	keepAlive bool

	complete bool
	upgraded bool
}

func newResponseBuilder() *responseBuilder {
	return &responseBuilder{resp: &Response{}}
}

// begin prepares for a new request. sink may be nil. When upgrade is set a
// 101 response ends the exchange and wsKey, if any, is checked against
// Sec-WebSocket-Accept.
func (b *responseBuilder) begin(method Method, sink *fileSink, upgrade bool, wsKey string) {
	b.discard()
	b.method = method
	b.sink = sink
	b.upgrade = upgrade
	b.wsKey = wsKey
	b.resp = &Response{}
	b.field = ""
	b.encoding = network.EncodingIdentity
	b.keepAlive = false
	b.complete = false
	b.upgraded = false
}

// discard releases the decoder and the file sink after a failure. Bytes
// already written stay in the file.
func (b *responseBuilder) discard() {
	if b.decoder != nil {
		b.decoder.Abort()
		b.decoder = nil
	}
	if b.sink != nil {
		_ = b.sink.Close()
		b.sink = nil
	}
}

func (b *responseBuilder) OnHeaderField(name []byte) error {
	b.field = string(name)
	return nil
}

func (b *responseBuilder) OnHeaderValue(value []byte) error {
	v := string(value)
	resp := b.resp

	switch {
	case strings.EqualFold(b.field, "set-cookie"):
		resp.SetCookieHeaders = append(resp.SetCookieHeaders, v)
		if c, err := http.ParseSetCookie(v); err == nil {
			resp.Cookies = append(resp.Cookies, c)
		}
		b.field = ""
		return nil
	case strings.EqualFold(b.field, "content-encoding"):
		if enc, ok := network.ParseEncoding(v); ok {
			b.encoding = enc
		}
	case strings.EqualFold(b.field, "transfer-encoding"):
		if hasToken(v, "chunked") {
			resp.Chunked = true
		}
	}
	resp.Header.appendCombined(b.field, v)
	b.field = ""
	return nil
}

func (b *responseBuilder) OnHeadersComplete() (bool, error) {
	b.resp.StatusCode = b.parser.StatusCode()
	b.resp.Reason = b.parser.Reason()
	if b.sink != nil && b.encoding != network.EncodingIdentity {
		b.decoder = network.NewDecompressor(b.encoding, b.sink)
	}
	return b.method == MethodHead, nil
}

func (b *responseBuilder) OnBody(p []byte) error {
	switch {
	case b.decoder != nil:
		if _, err := b.decoder.Write(p); err != nil {
			return classifyDecodeError(err)
		}
	case b.sink != nil:
		if _, err := b.sink.Write(p); err != nil {
			return err
		}
	default:
		b.resp.Body = append(b.resp.Body, p...)
	}
	return nil
}

func (b *responseBuilder) OnMessageComplete() (bool, error) {
	resp := b.resp
	b.keepAlive = b.parser.KeepAlive()

	if b.parser.Upgrade() {
		if !b.upgrade {
			// Nobody asked for a protocol switch: keep parsing HTTP. The
			// sink stays open for the final response.
			if b.decoder != nil {
				b.decoder.Abort()
				b.decoder = nil
			}
			b.encoding = network.EncodingIdentity
			b.resp = &Response{}
			return false, nil
		}
		if err := b.verifyHandshake(); err != nil {
			return false, err
		}
		resp.Upgraded = true
		b.upgraded = true
		b.complete = true
		return true, nil
	}

	if err := b.finishBody(); err != nil {
		return false, err
	}
	// One response per request: anything after it is not ours to parse.
	b.complete = true
	return true, nil
}

func (b *responseBuilder) verifyHandshake() error {
	h := b.resp.Header
	if b.wsKey == "" {
		return nil
	}
	if !strings.EqualFold(h.Get("upgrade"), "websocket") {
		return newError(KindProtocol, fmt.Errorf("%w: unexpected Upgrade %q", ErrHandshakeFailed, h.Get("upgrade")))
	}
	if got := h.Get("sec-websocket-accept"); got != websocketAccept(b.wsKey) {
		return newError(KindProtocol, fmt.Errorf("%w: bad Sec-WebSocket-Accept %q", ErrHandshakeFailed, got))
	}
	return nil
}

func (b *responseBuilder) finishBody() error {
	resp := b.resp
	resp.Encoding = b.encoding

	if b.sink != nil {
		var err error
		if b.decoder != nil {
			err = b.decoder.Close()
			b.decoder = nil
			if err != nil {
				err = classifyDecodeError(err)
			}
		}
		resp.DownloadedTo = b.sink.path
		if cerr := b.sink.Close(); err == nil {
			err = cerr
		}
		b.sink = nil
		return err
	}

	if b.encoding != network.EncodingIdentity && len(resp.Body) > 0 {
		decoded, err := network.DecodeAll(b.encoding, resp.Body)
		if err != nil {
			return newError(KindParse, err)
		}
		resp.Body = decoded
	}
	return nil
}

// classifyDecodeError keeps file sink failures as I/O errors and reports
// everything else as a malformed body.
func classifyDecodeError(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return newError(KindParse, err)
}

// take hands over the finished response.
func (b *responseBuilder) take() *Response {
	resp := b.resp
	b.resp = &Response{}
	return resp
}
