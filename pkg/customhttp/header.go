package customhttp

import (
	"net/textproto"
	"strings"
)

// HeaderField is a single name/value pair.
type HeaderField struct {
	Name  string
	Value string
}

// Header is an ordered header multimap with case-insensitive lookup. Request
// headers keep the caller's spelling; response headers are stored lower-cased.
type Header []HeaderField

func (h Header) index(name string) int {
	for i := range h {
		if strings.EqualFold(h[i].Name, name) {
			return i
		}
	}
	return -1
}

// Get returns the first value for name.
func (h Header) Get(name string) string {
	if i := h.index(name); i >= 0 {
		return h[i].Value
	}
	return ""
}

// Has reports whether name is present.
func (h Header) Has(name string) bool { return h.index(name) >= 0 }

// Values returns every value stored under name, in order.
func (h Header) Values(name string) []string {
	var out []string
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			out = append(out, f.Value)
		}
	}
	return out
}

// Set replaces the first value for name in place, or appends it.
func (h *Header) Set(name, value string) {
	if i := h.index(name); i >= 0 {
		(*h)[i].Value = value
		// Later duplicates would shadow the new value on the wire.
		rest := (*h)[i+1:]
		kept := (*h)[:i+1]
		for _, f := range rest {
			if !strings.EqualFold(f.Name, name) {
				kept = append(kept, f)
			}
		}
		*h = kept
		return
	}
	*h = append(*h, HeaderField{Name: name, Value: value})
}

// Add appends a value without touching existing ones.
func (h *Header) Add(name, value string) {
	*h = append(*h, HeaderField{Name: name, Value: value})
}

// Del removes every value for name.
func (h *Header) Del(name string) {
	kept := (*h)[:0]
	for _, f := range *h {
		if !strings.EqualFold(f.Name, name) {
			kept = append(kept, f)
		}
	}
	*h = kept
}

// Clone returns a copy that shares nothing with h.
func (h Header) Clone() Header {
	if h == nil {
		return nil
	}
	return append(Header(nil), h...)
}

// appendCombined stores a response header under its lower-cased name. A
// repeated name is folded into the first entry as a comma-separated list
// (RFC 9110 section 5.3).
func (h *Header) appendCombined(name, value string) {
	name = strings.ToLower(name)
	if i := h.index(name); i >= 0 {
		(*h)[i].Value += ", " + value
		return
	}
	*h = append(*h, HeaderField{Name: name, Value: value})
}

// hasToken reports whether a comma-separated header value contains token.
func hasToken(value, token string) bool {
	for _, part := range strings.Split(value, ",") {
		if strings.EqualFold(textproto.TrimString(part), token) {
			return true
		}
	}
	return false
}
