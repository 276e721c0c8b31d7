package customhttp

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
)

// Method is an HTTP request method.
type Method string

const (
	MethodGet     Method = "GET"
	MethodHead    Method = "HEAD"
	MethodPost    Method = "POST"
	MethodPut     Method = "PUT"
	MethodDelete  Method = "DELETE"
	MethodPatch   Method = "PATCH"
	MethodOptions Method = "OPTIONS"
	MethodTrace   Method = "TRACE"
	MethodConnect Method = "CONNECT"
)

// Valid reports whether m is one of the supported methods.
func (m Method) Valid() bool {
	switch m {
	case MethodGet, MethodHead, MethodPost, MethodPut, MethodDelete,
		MethodPatch, MethodOptions, MethodTrace, MethodConnect:
		return true
	}
	return false
}

// Cookie is a request cookie. Values are percent-encoded on the wire.
type Cookie struct {
	Name  string
	Value string
}

// FormField is one ordered key/value pair of a form or multipart body.
type FormField struct {
	Name  string
	Value string
}

// Body is one of RawBody, FormBody or *MultipartBody.
type Body interface {
	isBody()
}

// RawBody is sent verbatim. An empty RawBody is treated as no body.
type RawBody []byte

// FormBody is sent as application/x-www-form-urlencoded in field order.
type FormBody []FormField

// MultipartBody is sent as multipart/form-data. File contents are streamed
// from disk when the request is written.
type MultipartBody struct {
	Fields []FormField
	Files  []UploadFile
}

func (RawBody) isBody()        {}
func (FormBody) isBody()       {}
func (*MultipartBody) isBody() {}

// UploadFile describes a byte range of a local file sent as a multipart part.
type UploadFile struct {
	Path        string
	Name        string
	Filename    string
	ContentType string
	Offset      int64
	Length      int64
}

// NewUploadFile validates path and fills in defaults: a zero length means
// the rest of the file, the filename defaults to the base name and the
// content type is guessed from the extension.
func NewUploadFile(path, name, contentType, filename string, offset, length int64) (UploadFile, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return UploadFile{}, newError(KindConfiguration, fmt.Errorf("expand %q: %w", path, err))
	}
	info, err := os.Stat(expanded)
	if err != nil {
		return UploadFile{}, newError(KindIO, err)
	}
	if !info.Mode().IsRegular() {
		return UploadFile{}, newError(KindConfiguration, fmt.Errorf("%s is not a regular file", expanded))
	}
	size := info.Size()
	if size == 0 {
		return UploadFile{}, newError(KindConfiguration, fmt.Errorf("cannot send empty file %s", expanded))
	}
	if offset < 0 || offset >= size {
		return UploadFile{}, newError(KindConfiguration, fmt.Errorf("parameter $offset[%d] exceeds the file size", offset))
	}
	if length < 0 || length > size-offset {
		return UploadFile{}, newError(KindConfiguration, fmt.Errorf("parameter $length[%d] exceeds the file size", length))
	}
	if length == 0 {
		length = size - offset
	}
	if filename == "" {
		filename = filepath.Base(expanded)
	}
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(expanded))
		if contentType == "" {
			contentType = "application/octet-stream"
		}
	}
	return UploadFile{
		Path:        expanded,
		Name:        name,
		Filename:    filename,
		ContentType: contentType,
		Offset:      offset,
		Length:      length,
	}, nil
}

// Request is a snapshot of everything needed to write one request.
type Request struct {
	// Method defaults to POST when a body is set and GET otherwise.
	Method  Method
	URI     string
	Header  Header
	Cookies []Cookie
	Body    Body

	// DownloadPath streams the response body into a file instead of memory.
	DownloadPath   string
	DownloadOffset int64
}

// NewRequest creates a request with an empty header list.
func NewRequest(method Method, uri string) *Request {
	return &Request{Method: method, URI: uri}
}

func (r *Request) method() Method {
	if r.Method != "" {
		return Method(strings.ToUpper(string(r.Method)))
	}
	if hasBody(r.Body) {
		return MethodPost
	}
	return MethodGet
}

func hasBody(b Body) bool {
	switch v := b.(type) {
	case nil:
		return false
	case RawBody:
		return len(v) > 0
	case *MultipartBody:
		return v != nil
	default:
		return true
	}
}

// isUpgrade reports whether the request asks for a protocol switch.
func (r *Request) isUpgrade() bool {
	return hasToken(r.Header.Get("Connection"), "upgrade")
}

// NewWebSocketRequest builds a GET carrying the RFC 6455 opening handshake.
func NewWebSocketRequest(uri string) (*Request, error) {
	key, err := newWebSocketKey()
	if err != nil {
		return nil, err
	}
	req := NewRequest(MethodGet, uri)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", key)
	return req, nil
}

func newWebSocketKey() (string, error) {
	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generate websocket key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(nonce[:]), nil
}
