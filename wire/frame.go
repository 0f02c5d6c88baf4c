package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxFrameSize bounds the payload size accepted from a peer.
// A peer declaring a larger frame is presumed buggy or hostile.
const DefaultMaxFrameSize = 1 << 20

// lenSize is the fixed width of the big-endian length prefix.
const lenSize = 4

var (
	// ErrFrameTooLarge is returned when a frame's declared length exceeds the
	// configured maximum. It is fatal to the session.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")

	// ErrTruncated is returned when the transport closes in the middle of a
	// frame. It is reported, not retried.
	ErrTruncated = errors.New("transport closed mid-frame")
)

// AppendFrame appends payload to dst as one length-prefixed frame and returns
// the extended slice.
func AppendFrame(dst, payload []byte) []byte {
	var pre [lenSize]byte
	binary.BigEndian.PutUint32(pre[:], uint32(len(payload)))
	dst = append(dst, pre[:]...)
	return append(dst, payload...)
}

// DecodeFrame decodes one frame from buf. It returns the payload and the
// number of bytes consumed. If buf does not yet hold a complete frame, it
// returns (nil, 0, nil) and the caller should retry with more data; no bytes
// are consumed for a partial frame. If the declared length exceeds max,
// DecodeFrame returns ErrFrameTooLarge without waiting for payload bytes.
func DecodeFrame(buf []byte, max uint32) (payload []byte, n int, err error) {
	if len(buf) < lenSize {
		return nil, 0, nil
	}
	size := binary.BigEndian.Uint32(buf[:lenSize])
	if size > max {
		return nil, 0, fmt.Errorf("%w: declared %d bytes, max %d", ErrFrameTooLarge, size, max)
	}
	if uint32(len(buf)-lenSize) < size {
		return nil, 0, nil
	}
	payload = make([]byte, size)
	copy(payload, buf[lenSize:lenSize+int(size)])
	return payload, lenSize + int(size), nil
}

// A Writer writes length-prefixed frames to an underlying stream.
// It is not safe for concurrent use; callers serialize writes themselves.
type Writer struct {
	w   io.Writer
	buf []byte
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteFrame writes payload as a single frame. The prefix and payload are
// written with one Write call so a frame is never interleaved mid-byte with
// another writer's frame at the io.Writer level.
func (w *Writer) WriteFrame(payload []byte) error {
	w.buf = AppendFrame(w.buf[:0], payload)
	if _, err := w.w.Write(w.buf); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// A Reader reads length-prefixed frames from an underlying stream.
//
// It buffers at most one in-flight frame: the length prefix is validated
// against the maximum before any payload bytes are read, so an oversized
// declaration is rejected without buffering its payload.
type Reader struct {
	r   io.Reader
	max uint32
	pre [lenSize]byte
}

func NewReader(r io.Reader, max uint32) *Reader {
	if max == 0 {
		max = DefaultMaxFrameSize
	}
	return &Reader{r: r, max: max}
}

// ReadFrame reads the next frame's payload. It returns io.EOF only on a clean
// boundary between frames; a stream closing mid-frame yields ErrTruncated.
func (r *Reader) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(r.r, r.pre[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: reading length prefix", ErrTruncated)
		}
		return nil, fmt.Errorf("reading length prefix: %w", err)
	}
	size := binary.BigEndian.Uint32(r.pre[:])
	if size > r.max {
		return nil, fmt.Errorf("%w: declared %d bytes, max %d", ErrFrameTooLarge, size, r.max)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: reading %d-byte payload", ErrTruncated, size)
		}
		return nil, fmt.Errorf("reading payload: %w", err)
	}
	return payload, nil
}
