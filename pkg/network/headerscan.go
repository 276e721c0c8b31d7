// pkg/network/headerscan.go
package network

import (
	"bytes"
	"errors"
)

// ErrHeaderTooLarge is returned when the header buffer fills up before the
// end of the header block is seen.
var ErrHeaderTooLarge = errors.New("response header exceeds buffer capacity")

var headerTerminator = []byte("\r\n\r\n")

// minScanLength is the shortest prefix worth scanning: a status line alone
// is longer than this.
const minScanLength = 16

// HeaderScanner accumulates the first bytes of a response until the header
// block terminator has arrived. Only the trailing window that might hold a
// split terminator is rescanned on each write.
type HeaderScanner struct {
	buf    []byte
	limit  int
	offset int
	found  bool
}

// NewHeaderScanner creates a scanner holding at most limit bytes.
func NewHeaderScanner(limit int) *HeaderScanner {
	return &HeaderScanner{buf: make([]byte, 0, min(limit, 4096)), limit: limit}
}

// Write appends p and reports whether the terminator has been seen.
func (s *HeaderScanner) Write(p []byte) (bool, error) {
	if s.found {
		s.buf = append(s.buf, p...)
		return true, nil
	}
	s.buf = append(s.buf, p...)
	if len(s.buf) < minScanLength {
		return false, nil
	}

	if idx := bytes.Index(s.buf[s.offset:], headerTerminator); idx >= 0 {
		if s.offset+idx+len(headerTerminator) > s.limit {
			return false, ErrHeaderTooLarge
		}
		s.found = true
		return true, nil
	}
	if len(s.buf) >= s.limit {
		return false, ErrHeaderTooLarge
	}
	s.offset = max(0, len(s.buf)-(len(headerTerminator)-1))
	return false, nil
}

// Bytes returns everything buffered so far, body bytes included.
func (s *HeaderScanner) Bytes() []byte { return s.buf }

// Len returns the number of buffered bytes.
func (s *HeaderScanner) Len() int { return len(s.buf) }

// Reset prepares the scanner for the next response.
func (s *HeaderScanner) Reset() {
	s.buf = s.buf[:0]
	s.offset = 0
	s.found = false
}
