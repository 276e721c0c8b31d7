// pkg/network/compression.go
package network

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
)

// Encoding identifies a Content-Encoding the client can decode.
type Encoding int

const (
	EncodingIdentity Encoding = iota
	EncodingGzip
	EncodingDeflate
	EncodingBrotli
)

func (e Encoding) String() string {
	switch e {
	case EncodingGzip:
		return "gzip"
	case EncodingDeflate:
		return "deflate"
	case EncodingBrotli:
		return "br"
	default:
		return "identity"
	}
}

// ParseEncoding maps a Content-Encoding value to an Encoding. The boolean is
// false for encodings that cannot be decoded.
func ParseEncoding(value string) (Encoding, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "gzip", "x-gzip":
		return EncodingGzip, true
	case "deflate":
		return EncodingDeflate, true
	case "br":
		return EncodingBrotli, true
	case "identity", "":
		return EncodingIdentity, true
	default:
		return EncodingIdentity, false
	}
}

// ErrDecompressorAborted is reported by writes after Abort.
var ErrDecompressorAborted = errors.New("decompressor aborted")

var (
	gzipReaderPool = sync.Pool{
		New: func() interface{} { return new(gzip.Reader) },
	}
	brotliReaderPool = sync.Pool{
		New: func() interface{} { return brotli.NewReader(nil) },
	}
)

// emptyReader is used to drop references held by pooled readers.
var emptyReader = strings.NewReader("")

func getGzipReader(r io.Reader) (*gzip.Reader, error) {
	zr := gzipReaderPool.Get().(*gzip.Reader)
	if err := zr.Reset(r); err != nil {
		gzipReaderPool.Put(zr)
		return nil, err
	}
	return zr, nil
}

func putGzipReader(zr *gzip.Reader) {
	_ = zr.Reset(emptyReader)
	gzipReaderPool.Put(zr)
}

func getBrotliReader(r io.Reader) *brotli.Reader {
	br := brotliReaderPool.Get().(*brotli.Reader)
	_ = br.Reset(r)
	return br
}

func putBrotliReader(br *brotli.Reader) {
	_ = br.Reset(emptyReader)
	brotliReaderPool.Put(br)
}

// openDecoder wraps src with the decoder for enc. release returns pooled
// state and must be called once the reader is no longer used.
func openDecoder(enc Encoding, src io.Reader) (r io.Reader, release func(), err error) {
	switch enc {
	case EncodingGzip:
		zr, err := getGzipReader(src)
		if err != nil {
			return nil, nil, fmt.Errorf("gzip initialization error: %w", err)
		}
		return zr, func() { putGzipReader(zr) }, nil
	case EncodingDeflate:
		rc, err := tryDeflate(src)
		if err != nil {
			return nil, nil, fmt.Errorf("deflate initialization error: %w", err)
		}
		return rc, func() { _ = rc.Close() }, nil
	case EncodingBrotli:
		br := getBrotliReader(src)
		return br, func() { putBrotliReader(br) }, nil
	default:
		return src, func() {}, nil
	}
}

// DecodeAll decodes a complete in-memory body in one pass.
func DecodeAll(enc Encoding, data []byte) ([]byte, error) {
	if enc == EncodingIdentity || len(data) == 0 {
		return data, nil
	}
	r, release, err := openDecoder(enc, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer release()

	out := bytes.NewBuffer(make([]byte, 0, len(data)*2))
	if _, err := io.Copy(out, r); err != nil {
		return nil, fmt.Errorf("%s decode failed: %w", enc, err)
	}
	return out.Bytes(), nil
}

// Decompressor turns compressed writes into decoded writes on dst. The
// standard decoders pull from a reader, so each Decompressor runs one
// goroutine that reads from a pipe fed by Write. dst is only written by that
// goroutine and only while a Write or Close call is in progress.
type Decompressor struct {
	enc  Encoding
	pw   *io.PipeWriter
	done chan error
	err  error
	shut bool
}

// NewDecompressor starts a streaming decoder for enc writing to dst.
func NewDecompressor(enc Encoding, dst io.Writer) *Decompressor {
	pr, pw := io.Pipe()
	d := &Decompressor{enc: enc, pw: pw, done: make(chan error, 1)}
	go d.run(pr, dst)
	return d
}

func (d *Decompressor) run(pr *io.PipeReader, dst io.Writer) {
	r, release, err := openDecoder(d.enc, pr)
	if errors.Is(err, io.EOF) {
		// The body was empty.
		d.done <- nil
		return
	}
	if err == nil {
		_, err = io.Copy(dst, r)
		release()
		if err != nil {
			err = fmt.Errorf("%s decode failed: %w", d.enc, err)
		}
	}
	if err != nil {
		pr.CloseWithError(err)
		d.done <- err
		return
	}
	// Bytes after the end of the compressed stream are ignored.
	_, _ = io.Copy(io.Discard, pr)
	d.done <- nil
}

// Encoding returns the encoding being decoded.
func (d *Decompressor) Encoding() Encoding { return d.enc }

// Write feeds compressed bytes. It returns once the decoder has consumed them.
func (d *Decompressor) Write(p []byte) (int, error) {
	if d.shut {
		return 0, io.ErrClosedPipe
	}
	return d.pw.Write(p)
}

// Close signals the end of the compressed stream, waits for the decoder and
// returns the first decode or write error.
func (d *Decompressor) Close() error {
	if d.shut {
		return d.err
	}
	d.shut = true
	_ = d.pw.Close()
	d.err = <-d.done
	return d.err
}

// Abort stops the decoder without waiting for a complete stream.
func (d *Decompressor) Abort() {
	if d.shut {
		return
	}
	d.shut = true
	_ = d.pw.CloseWithError(ErrDecompressorAborted)
	<-d.done
	d.err = ErrDecompressorAborted
}

// resettableReader buffers the start of a stream so it can be replayed when
// the first decoder rejects it.
type resettableReader struct {
	r      io.Reader
	buf    *bytes.Buffer
	source io.Reader
}

func newResettableReader(r io.Reader) *resettableReader {
	buf := bytes.NewBuffer(make([]byte, 0, 128))
	return &resettableReader{r: io.TeeReader(r, buf), buf: buf, source: r}
}

func (rr *resettableReader) Read(p []byte) (int, error) {
	return rr.r.Read(p)
}

// stopRecording passes reads straight through once no replay is needed.
func (rr *resettableReader) stopRecording() {
	rr.r = rr.source
	rr.buf = nil
}

func (rr *resettableReader) Reset() {
	rr.r = io.MultiReader(bytes.NewReader(rr.buf.Bytes()), rr.source)
}

// tryDeflate decodes zlib-wrapped deflate (RFC 1950), falling back to raw
// deflate (RFC 1951) which several servers send instead.
func tryDeflate(r io.Reader) (io.ReadCloser, error) {
	rr := newResettableReader(r)
	zlibReader, err := zlib.NewReader(rr)
	if err == nil {
		rr.stopRecording()
		return zlibReader, nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, err
	}
	rr.Reset()
	return flate.NewReader(rr), nil
}
