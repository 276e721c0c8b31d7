package customhttp

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/valyala/bytebufferpool"
	"golang.org/x/net/http/httpguts"
)

const (
	boundaryPrefix = "------AsyncHttpBoundary"
	// boundaryLength matches the fixed size used on the wire: prefix plus a
	// random token.
	boundaryLength = 38

	multipartFieldHeader = "--%s\r\nContent-Disposition: form-data; name=\"%s\"\r\n\r\n"
	multipartFileHeader  = "--%s\r\nContent-Disposition: form-data; name=\"%s\"; filename=\"%s\"\r\nContent-Type: %s\r\n\r\n"
	multipartClosing     = "--%s--\r\n"
)

var sendBufferPool bytebufferpool.Pool

// Segment is one piece of a serialized request: either bytes or a file
// range streamed from disk.
type Segment struct {
	Data []byte
	File *UploadFile
}

// Wire is a serialized request. Byte segments point into a pooled buffer
// that stays checked out until Release.
type Wire struct {
	Segments []Segment
	// ContentLength is the declared body length, -1 when no body framing was sent.
	ContentLength int64
	Boundary      string

	buf *bytebufferpool.ByteBuffer
}

// Len returns the total number of bytes the request occupies on the wire.
func (w *Wire) Len() int64 {
	var n int64
	for _, seg := range w.Segments {
		if seg.File != nil {
			n += seg.File.Length
		} else {
			n += int64(len(seg.Data))
		}
	}
	return n
}

// Release returns the send buffer to the pool. Segments must not be used
// afterwards.
func (w *Wire) Release() {
	if w.buf != nil {
		sendBufferPool.Put(w.buf)
		w.buf = nil
		w.Segments = nil
	}
}

// Serializer writes requests for one endpoint.
type Serializer struct {
	Host string
	Port int
	TLS  bool

	KeepAlive bool
	// AcceptEncoding is advertised unless the caller sets the header. Empty
	// disables it.
	AcceptEncoding string
	// ForwardProxy sends absolute-form request targets to a plain proxy.
	ForwardProxy       bool
	ProxyAuthorization string

	// NewBoundary overrides boundary generation.
	NewBoundary func() string
}

func newBoundary() string {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	return boundaryPrefix + token[:boundaryLength-len(boundaryPrefix)]
}

func (s *Serializer) hostHeader() string {
	if s.Port == 0 || (s.TLS && s.Port == 443) || (!s.TLS && s.Port == 80) {
		if strings.Contains(s.Host, ":") {
			return "[" + s.Host + "]"
		}
		return s.Host
	}
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// requestTarget returns the request-line URI.
func (s *Serializer) requestTarget(req *Request) (string, error) {
	uri := req.URI
	if uri == "" {
		uri = "/"
	}
	if strings.ContainsAny(uri, " \r\n") {
		return "", newError(KindConfiguration, fmt.Errorf("invalid request uri %q", uri))
	}
	if !s.ForwardProxy || strings.HasPrefix(uri, "http://") {
		return uri, nil
	}
	// A proxy routes on the Host header, so the caller must name the origin.
	host := req.Header.Get("Host")
	if host == "" {
		return "", newError(KindConfiguration, ErrHostRequired)
	}
	if _, _, err := net.SplitHostPort(host); err != nil {
		switch {
		case s.Port != 0 && s.Port != 80:
			host = net.JoinHostPort(strings.Trim(host, "[]"), strconv.Itoa(s.Port))
		case strings.Contains(host, ":") && !strings.HasPrefix(host, "["):
			host = "[" + host + "]"
		}
	}
	return "http://" + host + uri, nil
}

func writeHeader(b *bytebufferpool.ByteBuffer, name, value string) {
	_, _ = b.WriteString(name)
	_, _ = b.WriteString(": ")
	_, _ = b.WriteString(value)
	_, _ = b.WriteString("\r\n")
}

// Serialize builds the wire form of req. The returned Wire must be released.
func (s *Serializer) Serialize(req *Request) (*Wire, error) {
	method := req.method()
	if !method.Valid() {
		return nil, newError(KindConfiguration, fmt.Errorf("unsupported method %q", req.Method))
	}
	target, err := s.requestTarget(req)
	if err != nil {
		return nil, err
	}
	for _, f := range req.Header {
		if !httpguts.ValidHeaderFieldName(f.Name) {
			return nil, newError(KindConfiguration, fmt.Errorf("invalid header name %q", f.Name))
		}
		if !httpguts.ValidHeaderFieldValue(f.Value) {
			return nil, newError(KindConfiguration, fmt.Errorf("invalid value for header %q", f.Name))
		}
	}

	buf := sendBufferPool.Get()
	w := &Wire{ContentLength: -1, buf: buf}

	_, _ = buf.WriteString(string(method))
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(target)
	_, _ = buf.WriteString(" HTTP/1.1\r\n")

	// Host goes first (RFC 9112 section 3.2).
	host := req.Header.Get("Host")
	if host == "" {
		host = s.hostHeader()
	}
	writeHeader(buf, "Host", host)

	var callerLength, callerConnection, callerEncoding, callerType, callerProxyAuth bool
	mp, multipart := req.Body.(*MultipartBody)
	multipart = multipart && mp != nil
	for _, f := range req.Header {
		switch {
		case strings.EqualFold(f.Name, "Host"):
			continue
		case strings.EqualFold(f.Name, "Content-Length"):
			// The body length is always computed here.
			callerLength = true
			continue
		case strings.EqualFold(f.Name, "Connection"):
			callerConnection = true
		case strings.EqualFold(f.Name, "Accept-Encoding"):
			callerEncoding = true
		case strings.EqualFold(f.Name, "Content-Type"):
			// A multipart body carries its own boundary.
			if multipart {
				continue
			}
			callerType = true
		case strings.EqualFold(f.Name, "Proxy-Authorization"):
			callerProxyAuth = true
		}
		if f.Value == "" {
			continue
		}
		writeHeader(buf, f.Name, f.Value)
	}
	if !callerConnection {
		if s.KeepAlive {
			writeHeader(buf, "Connection", "keep-alive")
		} else {
			writeHeader(buf, "Connection", "close")
		}
	}
	if !callerEncoding && s.AcceptEncoding != "" {
		writeHeader(buf, "Accept-Encoding", s.AcceptEncoding)
	}
	if s.ForwardProxy && s.ProxyAuthorization != "" && !callerProxyAuth {
		writeHeader(buf, "Proxy-Authorization", s.ProxyAuthorization)
	}
	writeCookies(buf, req.Cookies)

	switch body := req.Body.(type) {
	case *MultipartBody:
		if body != nil {
			s.writeMultipart(w, body)
			return w, nil
		}
		s.writeNoBody(w, callerLength)
	case FormBody:
		encoded := encodeForm(body)
		if !callerType {
			writeHeader(buf, "Content-Type", "application/x-www-form-urlencoded")
		}
		writeHeader(buf, "Content-Length", strconv.Itoa(len(encoded)))
		_, _ = buf.WriteString("\r\n")
		_, _ = buf.WriteString(encoded)
		w.ContentLength = int64(len(encoded))
		w.Segments = []Segment{{Data: buf.B}}
	case RawBody:
		if len(body) == 0 {
			s.writeNoBody(w, callerLength)
			break
		}
		writeHeader(buf, "Content-Length", strconv.Itoa(len(body)))
		_, _ = buf.WriteString("\r\n")
		_, _ = buf.Write(body)
		w.ContentLength = int64(len(body))
		w.Segments = []Segment{{Data: buf.B}}
	default:
		s.writeNoBody(w, callerLength)
	}
	return w, nil
}

func (s *Serializer) writeNoBody(w *Wire, callerLength bool) {
	if callerLength {
		writeHeader(w.buf, "Content-Length", "0")
		w.ContentLength = 0
	}
	_, _ = w.buf.WriteString("\r\n")
	w.Segments = []Segment{{Data: w.buf.B}}
}

func writeCookies(b *bytebufferpool.ByteBuffer, cookies []Cookie) {
	first := true
	for _, c := range cookies {
		if c.Value == "" {
			continue
		}
		if first {
			_, _ = b.WriteString("Cookie: ")
			first = false
		} else {
			_, _ = b.WriteString("; ")
		}
		_, _ = b.WriteString(c.Name)
		_ = b.WriteByte('=')
		_, _ = b.WriteString(url.QueryEscape(c.Value))
	}
	if !first {
		_, _ = b.WriteString("\r\n")
	}
}

// encodeForm url-encodes fields preserving their order; url.Values would sort them.
func encodeForm(fields FormBody) string {
	var sb strings.Builder
	for i, f := range fields {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(url.QueryEscape(f.Name))
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(f.Value))
	}
	return sb.String()
}

// writeMultipart lays out the header block and every part. Content-Length is
// derived from the part headers and declared file lengths before anything is
// sent, so files are never read here.
func (s *Serializer) writeMultipart(w *Wire, body *MultipartBody) {
	boundary := newBoundary()
	if s.NewBoundary != nil {
		boundary = s.NewBoundary()
	}
	w.Boundary = boundary

	fieldHeaders := make([]string, len(body.Fields))
	fileHeaders := make([]string, len(body.Files))
	closing := fmt.Sprintf(multipartClosing, boundary)

	length := int64(len(closing))
	for i, f := range body.Fields {
		fieldHeaders[i] = fmt.Sprintf(multipartFieldHeader, boundary, f.Name)
		length += int64(len(fieldHeaders[i]) + len(f.Value) + 2)
	}
	for i, f := range body.Files {
		fileHeaders[i] = fmt.Sprintf(multipartFileHeader, boundary, f.Name, f.Filename, f.ContentType)
		length += int64(len(fileHeaders[i])) + f.Length + 2
	}
	w.ContentLength = length

	buf := w.buf
	writeHeader(buf, "Content-Type", "multipart/form-data; boundary="+boundary)
	writeHeader(buf, "Content-Length", strconv.FormatInt(length, 10))
	_, _ = buf.WriteString("\r\n")

	for i, f := range body.Fields {
		_, _ = buf.WriteString(fieldHeaders[i])
		_, _ = buf.WriteString(f.Value)
		_, _ = buf.WriteString("\r\n")
	}

	// Byte ranges are recorded as offsets because the buffer may grow.
	type span struct{ start, end int }
	var spans []span
	start := 0
	for i := range body.Files {
		_, _ = buf.WriteString(fileHeaders[i])
		spans = append(spans, span{start, buf.Len()})
		start = buf.Len()
		_, _ = buf.WriteString("\r\n")
	}
	_, _ = buf.WriteString(closing)
	spans = append(spans, span{start, buf.Len()})

	for i, sp := range spans {
		w.Segments = append(w.Segments, Segment{Data: buf.B[sp.start:sp.end]})
		if i < len(body.Files) {
			w.Segments = append(w.Segments, Segment{File: &body.Files[i]})
		}
	}
}
