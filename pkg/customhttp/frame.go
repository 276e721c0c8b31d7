package customhttp

import (
	"bytes"
	"fmt"
	"math"

	"github.com/gobwas/ws"
	"github.com/valyala/bytebufferpool"
)

// FrameReader splits an upgraded byte stream into WebSocket frames. Partial
// frames are held until the rest arrives.
type FrameReader struct {
	buf        []byte
	maxPayload int64
}

// NewFrameReader creates a reader rejecting payloads larger than maxPayload.
func NewFrameReader(maxPayload int64) *FrameReader {
	return &FrameReader{maxPayload: maxPayload}
}

// frameHeaderLength returns the full header size announced by the second
// byte of a frame.
func frameHeaderLength(b1 byte) int {
	n := 2
	switch b1 & 0x7f {
	case 126:
		n += 2
	case 127:
		n += 8
	}
	if b1&0x80 != 0 {
		n += 4
	}
	return n
}

// Feed appends p and returns every frame completed by it, unmasked.
func (r *FrameReader) Feed(p []byte) ([]ws.Frame, error) {
	r.buf = append(r.buf, p...)
	var frames []ws.Frame
	off := 0
	for len(r.buf)-off >= 2 {
		hlen := frameHeaderLength(r.buf[off+1])
		if len(r.buf)-off < hlen {
			break
		}
		h, err := ws.ReadHeader(bytes.NewReader(r.buf[off : off+hlen]))
		if err != nil {
			return frames, newError(KindProtocol, fmt.Errorf("read frame header: %w", err))
		}
		if r.maxPayload > 0 && h.Length > r.maxPayload {
			return frames, newError(KindProtocol, fmt.Errorf("frame payload of %d bytes exceeds limit %d", h.Length, r.maxPayload))
		}
		if h.Length < 0 || h.Length > int64(math.MaxInt-off-hlen) {
			return frames, newError(KindProtocol, fmt.Errorf("frame payload length %d is not addressable", h.Length))
		}
		if int64(len(r.buf)-off-hlen) < h.Length {
			break
		}
		end := off + hlen + int(h.Length)
		payload := append([]byte(nil), r.buf[off+hlen:end]...)
		if h.Masked {
			ws.Cipher(payload, h.Mask, 0)
			h.Masked = false
		}
		frames = append(frames, ws.Frame{Header: h, Payload: payload})
		off = end
	}
	if off > 0 {
		r.buf = append(r.buf[:0], r.buf[off:]...)
	}
	return frames, nil
}

// Buffered returns the number of bytes waiting for the rest of a frame.
func (r *FrameReader) Buffered() int { return len(r.buf) }

// encodeFrame writes a single frame into a pooled buffer. The caller must
// return the buffer with sendBufferPool.Put.
func encodeFrame(payload []byte, op ws.OpCode, fin, mask bool) (*bytebufferpool.ByteBuffer, error) {
	frame := ws.NewFrame(op, fin, append([]byte(nil), payload...))
	if mask {
		frame = ws.MaskFrameInPlace(frame)
	}
	buf := sendBufferPool.Get()
	if err := ws.WriteFrame(buf, frame); err != nil {
		sendBufferPool.Put(buf)
		return nil, err
	}
	return buf, nil
}
