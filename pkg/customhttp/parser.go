package customhttp

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Handler receives parse events. Byte slices are only valid for the duration
// of the call.
type Handler interface {
	OnHeaderField(name []byte) error
	OnHeaderValue(value []byte) error
	// OnHeadersComplete returns true when the message cannot carry a body,
	// as for a response to HEAD.
	OnHeadersComplete() (skipBody bool, err error)
	OnBody(p []byte) error
	// OnMessageComplete returns true to stop parsing. Bytes after the
	// message are left unconsumed, which is how an accepted upgrade hands
	// them to another protocol.
	OnMessageComplete() (stop bool, err error)
}

// BodyMode describes how the end of a response body is found.
type BodyMode int

const (
	BodyNone BodyMode = iota
	BodyLength
	BodyChunked
	BodyUntilClose
)

type parserState int

const (
	stateStatusLine parserState = iota
	stateHeaderLine
	stateBodyLength
	stateChunkSize
	stateChunkData
	stateChunkDataEnd
	stateTrailer
	stateBodyUntilClose
	stateStopped
)

const (
	// DefaultMaxHeaderBytes bounds the status line plus header block.
	DefaultMaxHeaderBytes = 64 * 1024
	maxChunkLineLength    = 4096
)

// Parser is an incremental HTTP/1.x response parser. Input may be split at
// any byte; state carries across Feed calls.
type Parser struct {
	h              Handler
	maxHeaderBytes int

	state       parserState
	line        []byte
	headerBytes int
	started     bool

	protoMinor    int
	status        int
	reason        string
	interim       bool
	contentLength int64
	remaining     int64
	chunked       bool
	connClose     bool
	connKeep      bool
	upgrade       bool
	mode          BodyMode
	headersDone   bool
}

// NewParser creates a parser delivering events to h. A non-positive
// maxHeaderBytes selects DefaultMaxHeaderBytes.
func NewParser(h Handler, maxHeaderBytes int) *Parser {
	if maxHeaderBytes <= 0 {
		maxHeaderBytes = DefaultMaxHeaderBytes
	}
	p := &Parser{h: h, maxHeaderBytes: maxHeaderBytes}
	p.resetMessage()
	return p
}

func parseError(format string, args ...any) error {
	return newError(KindParse, fmt.Errorf(format, args...))
}

// Reset discards all state, including a stop after an upgrade.
func (p *Parser) Reset() { p.resetMessage() }

func (p *Parser) resetMessage() {
	p.state = stateStatusLine
	p.line = p.line[:0]
	p.headerBytes = 0
	p.started = false
	p.protoMinor = 1
	p.status = 0
	p.reason = ""
	p.interim = false
	p.contentLength = -1
	p.remaining = 0
	p.chunked = false
	p.connClose = false
	p.connKeep = false
	p.upgrade = false
	p.mode = BodyNone
	p.headersDone = false
}

// StatusCode returns the status of the message being parsed.
func (p *Parser) StatusCode() int { return p.status }

// Reason returns the reason phrase of the status line.
func (p *Parser) Reason() string { return p.reason }

// ContentLength returns the declared length or -1.
func (p *Parser) ContentLength() int64 { return p.contentLength }

// BodyMode returns how the current body is delimited.
func (p *Parser) BodyMode() BodyMode { return p.mode }

// HeadersComplete reports whether the header block has been parsed.
func (p *Parser) HeadersComplete() bool { return p.headersDone }

// Upgrade reports whether the server switched protocols.
func (p *Parser) Upgrade() bool { return p.upgrade }

// Stopped reports whether a handler ended parsing.
func (p *Parser) Stopped() bool { return p.state == stateStopped }

// KeepAlive reports whether the connection may carry another request after
// the current message.
func (p *Parser) KeepAlive() bool {
	if p.connClose || p.mode == BodyUntilClose {
		return false
	}
	if p.protoMinor == 0 {
		return p.connKeep
	}
	return true
}

// Feed parses data and returns the number of bytes consumed. Fewer than
// len(data) bytes are consumed only when a handler stops the parser.
func (p *Parser) Feed(data []byte) (int, error) {
	i := 0
	for i < len(data) {
		switch p.state {
		case stateStopped:
			return i, nil

		case stateBodyLength, stateChunkData:
			n := int(min(p.remaining, int64(len(data)-i)))
			if err := p.h.OnBody(data[i : i+n]); err != nil {
				return i, err
			}
			i += n
			p.remaining -= int64(n)
			if p.remaining > 0 {
				continue
			}
			if p.state == stateChunkData {
				p.state = stateChunkDataEnd
				continue
			}
			if err := p.complete(); err != nil {
				return i, err
			}

		case stateBodyUntilClose:
			if err := p.h.OnBody(data[i:]); err != nil {
				return i, err
			}
			i = len(data)

		default:
			line, n, ok, err := p.readLine(data[i:])
			i += n
			if err != nil {
				return i, err
			}
			if !ok {
				continue
			}
			err = p.processLine(line)
			p.line = p.line[:0]
			if err != nil {
				return i, err
			}
		}
	}
	return i, nil
}

// readLine returns the next complete line without its terminator. When the
// line is still partial it is buffered and ok is false.
func (p *Parser) readLine(data []byte) (line []byte, n int, ok bool, err error) {
	if p.state == stateStatusLine && len(data) > 0 {
		p.started = true
	}
	limit := maxChunkLineLength
	inHeader := p.state == stateStatusLine || p.state == stateHeaderLine || p.state == stateTrailer

	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		n = len(data)
	} else {
		n = idx + 1
	}
	if inHeader {
		p.headerBytes += n
		if p.headerBytes > p.maxHeaderBytes {
			return nil, n, false, parseError("header block exceeds %d bytes", p.maxHeaderBytes)
		}
	} else if len(p.line)+n > limit {
		return nil, n, false, parseError("chunk line exceeds %d bytes", limit)
	}

	if idx < 0 {
		p.line = append(p.line, data...)
		return nil, n, false, nil
	}
	if len(p.line) > 0 {
		p.line = append(p.line, data[:idx]...)
		line = p.line
	} else {
		line = data[:idx]
	}
	line = bytes.TrimSuffix(line, []byte{'\r'})
	return line, n, true, nil
}

func (p *Parser) processLine(line []byte) error {
	switch p.state {
	case stateStatusLine:
		if len(line) == 0 {
			// Stray CRLF before a status line is tolerated (RFC 9112 section 2.2).
			return nil
		}
		return p.parseStatusLine(line)

	case stateHeaderLine:
		if len(line) == 0 {
			return p.headersComplete()
		}
		return p.parseHeaderLine(line)

	case stateChunkSize:
		if i := bytes.IndexByte(line, ';'); i >= 0 {
			line = line[:i]
		}
		sizeStr := strings.TrimSpace(string(line))
		size, err := strconv.ParseUint(sizeStr, 16, 63)
		if err != nil || sizeStr == "" {
			return parseError("invalid chunk size %q", sizeStr)
		}
		if size == 0 {
			p.state = stateTrailer
			return nil
		}
		p.remaining = int64(size)
		p.state = stateChunkData
		return nil

	case stateChunkDataEnd:
		if len(line) != 0 {
			return parseError("missing CRLF after chunk data")
		}
		p.state = stateChunkSize
		return nil

	case stateTrailer:
		if len(line) == 0 {
			return p.complete()
		}
		// Trailer fields are consumed and dropped.
		return nil
	}
	return nil
}

func (p *Parser) parseStatusLine(line []byte) error {
	s := string(line)
	if len(s) < 12 || !strings.HasPrefix(s, "HTTP/1.") || s[8] != ' ' {
		return parseError("malformed status line %q", s)
	}
	switch s[7] {
	case '0':
		p.protoMinor = 0
	case '1':
		p.protoMinor = 1
	default:
		return parseError("unsupported protocol version %q", s[:8])
	}
	code, err := strconv.Atoi(s[9:12])
	if err != nil || code < 100 || code > 999 {
		return parseError("invalid status code %q", s[9:12])
	}
	if len(s) > 12 {
		if s[12] != ' ' {
			return parseError("malformed status line %q", s)
		}
		p.reason = s[13:]
	}
	p.status = code
	p.interim = code >= 100 && code < 200 && code != 101
	p.state = stateHeaderLine
	return nil
}

func (p *Parser) parseHeaderLine(line []byte) error {
	if line[0] == ' ' || line[0] == '\t' {
		return parseError("obsolete header line folding")
	}
	colon := bytes.IndexByte(line, ':')
	if colon <= 0 {
		return parseError("malformed header line %q", line)
	}
	name := line[:colon]
	if !httpguts.ValidHeaderFieldName(string(name)) {
		return parseError("invalid header name %q", name)
	}
	value := bytes.Trim(line[colon+1:], " \t")

	switch {
	case bytes.EqualFold(name, []byte("Content-Length")):
		n, err := strconv.ParseInt(string(value), 10, 64)
		if err != nil || n < 0 {
			return parseError("invalid Content-Length %q", value)
		}
		if p.contentLength >= 0 && p.contentLength != n {
			return parseError("conflicting Content-Length values")
		}
		p.contentLength = n
	case bytes.EqualFold(name, []byte("Transfer-Encoding")):
		codings := strings.Split(string(value), ",")
		p.chunked = strings.EqualFold(strings.TrimSpace(codings[len(codings)-1]), "chunked")
	case bytes.EqualFold(name, []byte("Connection")):
		v := string(value)
		if hasToken(v, "close") {
			p.connClose = true
		}
		if hasToken(v, "keep-alive") {
			p.connKeep = true
		}
	}

	if p.interim {
		return nil
	}
	if err := p.h.OnHeaderField(name); err != nil {
		return err
	}
	return p.h.OnHeaderValue(value)
}

func (p *Parser) headersComplete() error {
	if p.interim {
		// 1xx responses other than 101 precede the real one.
		p.resetMessage()
		return nil
	}
	skip, err := p.h.OnHeadersComplete()
	if err != nil {
		return err
	}
	p.headersDone = true

	switch {
	case p.status == 101:
		p.upgrade = true
		p.mode = BodyNone
		return p.complete()
	case skip || p.status == 204 || p.status == 304:
		p.mode = BodyNone
		return p.complete()
	case p.chunked:
		// Transfer-Encoding overrides Content-Length (RFC 9112 section 6.3).
		p.mode = BodyChunked
		p.contentLength = -1
		p.state = stateChunkSize
		return nil
	case p.contentLength >= 0:
		p.mode = BodyLength
		if p.contentLength == 0 {
			return p.complete()
		}
		p.remaining = p.contentLength
		p.state = stateBodyLength
		return nil
	default:
		p.mode = BodyUntilClose
		p.state = stateBodyUntilClose
		return nil
	}
}

func (p *Parser) complete() error {
	stop, err := p.h.OnMessageComplete()
	if err != nil {
		return err
	}
	if stop {
		p.state = stateStopped
		return nil
	}
	p.resetMessage()
	return nil
}

// Finish tells the parser the transport has closed. A close-terminated body
// completes here; any other partial message is an error.
func (p *Parser) Finish() error {
	switch p.state {
	case stateBodyUntilClose:
		return p.complete()
	case stateStopped:
		return nil
	case stateStatusLine:
		if !p.started {
			return nil
		}
	}
	return ErrIncompleteMessage
}

// IsIncomplete reports whether err came from Finish on a partial message.
func IsIncomplete(err error) bool { return errors.Is(err, ErrIncompleteMessage) }
