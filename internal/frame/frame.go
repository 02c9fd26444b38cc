// Package frame implements the device wire framing:
//
//	[1 byte start token '$'][2 bytes payload length, big-endian][payload]
//
// The decoder reassembles frames from a stream delivering bytes in arbitrary
// chunk sizes, discarding noise before the start token and retaining surplus
// bytes for pipelined messages.
package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/mlukasch/balance-link/internal/logging"
	"github.com/mlukasch/balance-link/internal/metrics"
)

const (
	// StartToken marks the first byte of every frame.
	StartToken byte = '$'

	sizeHintLen = 2

	// HeaderLen is start token plus length field.
	HeaderLen = 1 + sizeHintLen

	// MaxPayload is the largest payload the 2-byte length field can declare.
	MaxPayload = 0xFFFF

	// DefaultChunkSize is the per-read buffer used when draining a transport.
	DefaultChunkSize = 4096

	// DefaultAllowedResidue is the accumulation-buffer residue above which a
	// bufferbloat warning is emitted after extracting a frame.
	DefaultAllowedResidue = 1024
)

// ErrTooLarge is returned when a payload exceeds the length field's range.
var ErrTooLarge = errors.New("frame: payload too large")

// Encode wraps payload in a self-delimiting frame.
func Encode(payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooLarge, len(payload), MaxPayload)
	}
	out := make([]byte, HeaderLen+len(payload))
	out[0] = StartToken
	binary.BigEndian.PutUint16(out[1:HeaderLen], uint16(len(payload)))
	copy(out[HeaderLen:], payload)
	return out, nil
}

// Decoder incrementally reassembles one frame at a time. The accumulation
// buffer is the only state carried between calls; it encodes where in the
// frame the stream currently is. Not safe for concurrent use.
type Decoder struct {
	buf   bytes.Buffer
	chunk []byte

	// AllowedResidue bounds the bytes that may remain buffered after a frame
	// is extracted before a bufferbloat warning is emitted. Zero disables the
	// check.
	AllowedResidue int
}

// NewDecoder returns a decoder with the default residue threshold.
func NewDecoder() *Decoder {
	return &Decoder{
		chunk:          make([]byte, DefaultChunkSize),
		AllowedResidue: DefaultAllowedResidue,
	}
}

// Fill appends already-read bytes to the accumulation buffer.
func (d *Decoder) Fill(p []byte) { d.buf.Write(p) }

// Buffered returns the residue currently held in the accumulation buffer.
func (d *Decoder) Buffered() int { return d.buf.Len() }

// Reset discards all buffered bytes. Call on reconnect so stale fragments of
// the previous session cannot prefix the new stream.
func (d *Decoder) Reset() { d.buf.Reset() }

// Next extracts one complete frame from the accumulation buffer without
// touching the transport. ok is false when no complete frame is buffered yet.
// Bytes preceding the first start token are discarded as protocol noise.
func (d *Decoder) Next() (payload []byte, ok bool) {
	data := d.buf.Bytes()
	i := bytes.IndexByte(data, StartToken)
	if i < 0 {
		if n := d.buf.Len(); n > 0 {
			metrics.AddResyncBytes(n)
			d.buf.Reset()
		}
		return nil, false
	}
	if i > 0 {
		metrics.AddResyncBytes(i)
		d.buf.Next(i)
		data = d.buf.Bytes()
	}
	if len(data) < HeaderLen {
		return nil, false
	}
	n := int(binary.BigEndian.Uint16(data[1:HeaderLen]))
	if len(data) < HeaderLen+n {
		return nil, false
	}
	d.buf.Next(HeaderLen)
	payload = make([]byte, n)
	copy(payload, d.buf.Next(n))
	compactBuffer(&d.buf)
	if d.AllowedResidue > 0 && d.buf.Len() > d.AllowedResidue {
		metrics.IncBufferbloat()
		logging.L().Warn("rx_bufferbloat",
			"residue", d.buf.Len(),
			"allowed", d.AllowedResidue)
	}
	return payload, true
}

// ReadFrame drives the decoder from r until exactly one frame is complete.
// Surplus bytes stay buffered for the next call, so a call may return a
// pipelined frame without reading from r at all. A graceful close (zero-byte
// read) surfaces as io.EOF with no payload; the caller decides whether that
// is a disconnect.
func (d *Decoder) ReadFrame(r io.Reader) ([]byte, error) {
	for {
		if payload, ok := d.Next(); ok {
			return payload, nil
		}
		n, err := r.Read(d.chunk)
		if n > 0 {
			d.buf.Write(d.chunk[:n])
			continue
		}
		if err == nil {
			err = io.EOF // zero-byte read without error: treat as closed
		}
		return nil, err
	}
}

// compactBuffer reclaims consumed prefix capacity when the underlying buffer
// grows too large relative to unread bytes. Thresholds chosen to avoid
// excessive copying.
func compactBuffer(b *bytes.Buffer) bool {
	data := b.Bytes()
	if len(data) < 1024 {
		return false
	}
	if cap(data) > 0 && len(data)*4 < cap(data) {
		clone := make([]byte, len(data))
		copy(clone, data)
		b.Reset()
		_, _ = b.Write(clone)
		return true
	}
	return false
}
