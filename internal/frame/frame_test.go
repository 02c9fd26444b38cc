package frame

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"testing"

	"github.com/mlukasch/balance-link/internal/metrics"
)

func mustEncode(t *testing.T, payload []byte) []byte {
	t.Helper()
	out, err := Encode(payload)
	if err != nil {
		t.Fatalf("Encode(%d bytes): %v", len(payload), err)
	}
	return out
}

func TestEncode_Layout(t *testing.T) {
	payload := []byte(`{"pos_setpoint_mm":12.5}`)
	wire := mustEncode(t, payload)
	if wire[0] != StartToken {
		t.Fatalf("first byte = %#x, want start token %#x", wire[0], StartToken)
	}
	if wire[1] != 0x00 || wire[2] != byte(len(payload)) {
		t.Fatalf("length field = %#x %#x, want big-endian %d", wire[1], wire[2], len(payload))
	}
	if !bytes.Equal(wire[HeaderLen:], payload) {
		t.Fatalf("payload mismatch: %q", wire[HeaderLen:])
	}
	if len(wire) != HeaderLen+len(payload) {
		t.Fatalf("wire length = %d", len(wire))
	}
}

func TestEncode_EmptyAndMax(t *testing.T) {
	wire := mustEncode(t, nil)
	if !bytes.Equal(wire, []byte{StartToken, 0, 0}) {
		t.Fatalf("empty frame = %v", wire)
	}
	big := make([]byte, MaxPayload)
	if _, err := Encode(big); err != nil {
		t.Fatalf("max payload: %v", err)
	}
	if _, err := Encode(append(big, 0)); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("oversized payload: err = %v, want ErrTooLarge", err)
	}
}

func TestDecoder_RoundTripChunked(t *testing.T) {
	payload := make([]byte, 3000)
	rand.Read(payload)
	wire := mustEncode(t, payload)
	// Feed the wire bytes in awkward chunk sizes, including one-byte slices
	// across the header boundary.
	for _, chunk := range []int{1, 2, 3, 7, 100, 4096} {
		d := NewDecoder()
		var got []byte
		for off := 0; off < len(wire); off += chunk {
			end := off + chunk
			if end > len(wire) {
				end = len(wire)
			}
			d.Fill(wire[off:end])
			if p, ok := d.Next(); ok {
				got = p
			}
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("chunk=%d: round trip mismatch", chunk)
		}
		if d.Buffered() != 0 {
			t.Fatalf("chunk=%d: residue %d after clean frame", chunk, d.Buffered())
		}
	}
}

func TestDecoder_Resync(t *testing.T) {
	payload := []byte(`{"tilt_angle_deg":-1.25}`)
	garbage := []byte{0x00, 0xFF, 0x7E, 0x13, 0x37}
	d := NewDecoder()
	d.Fill(garbage)
	d.Fill(mustEncode(t, payload))
	got, ok := d.Next()
	if !ok {
		t.Fatal("no frame after resync")
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload = %q", got)
	}
}

func TestDecoder_DiscardsTokenlessNoise(t *testing.T) {
	d := NewDecoder()
	d.Fill([]byte{0x01, 0x02, 0x03})
	if _, ok := d.Next(); ok {
		t.Fatal("frame from pure noise")
	}
	if d.Buffered() != 0 {
		t.Fatalf("tokenless noise retained: %d bytes", d.Buffered())
	}
}

func TestDecoder_Pipelining(t *testing.T) {
	first := []byte(`{"pos_mm":1}`)
	second := []byte(`{"pos_mm":2}`)
	d := NewDecoder()
	d.Fill(append(mustEncode(t, first), mustEncode(t, second)...))
	got, ok := d.Next()
	if !ok || !bytes.Equal(got, first) {
		t.Fatalf("first = %q ok=%v", got, ok)
	}
	got, ok = d.Next()
	if !ok || !bytes.Equal(got, second) {
		t.Fatalf("second = %q ok=%v", got, ok)
	}
	if _, ok := d.Next(); ok {
		t.Fatal("third frame from two-frame input")
	}
}

func TestDecoder_PartialHeaderWaits(t *testing.T) {
	d := NewDecoder()
	d.Fill([]byte{StartToken})
	if _, ok := d.Next(); ok {
		t.Fatal("frame from bare token")
	}
	if d.Buffered() != 1 {
		t.Fatalf("partial header dropped, residue = %d", d.Buffered())
	}
	d.Fill([]byte{0x00})
	if _, ok := d.Next(); ok {
		t.Fatal("frame from incomplete length field")
	}
	d.Fill([]byte{0x01, 'x'})
	got, ok := d.Next()
	if !ok || string(got) != "x" {
		t.Fatalf("got %q ok=%v", got, ok)
	}
}

// chunkReader delivers its contents n bytes at a time, then EOF.
type chunkReader struct {
	data []byte
	n    int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := r.n
	if n > len(r.data) {
		n = len(r.data)
	}
	if n > len(p) {
		n = len(p)
	}
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

func TestReadFrame(t *testing.T) {
	payload := []byte(`{"battery_mv":7400}`)
	wire := mustEncode(t, payload)
	d := NewDecoder()
	got, err := d.ReadFrame(&chunkReader{data: wire, n: 5})
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload = %q", got)
	}
	if _, err := d.ReadFrame(&chunkReader{}); err != io.EOF {
		t.Fatalf("exhausted reader: err = %v, want io.EOF", err)
	}
}

func TestReadFrame_PipelinedWithoutRead(t *testing.T) {
	first := []byte(`a`)
	second := []byte(`bb`)
	d := NewDecoder()
	d.Fill(append(mustEncode(t, first), mustEncode(t, second)...))
	// The reader must never be touched: both frames are already buffered.
	fail := readerFunc(func([]byte) (int, error) {
		t.Fatal("transport read during pipelined extraction")
		return 0, nil
	})
	for _, want := range [][]byte{first, second} {
		got, err := d.ReadFrame(fail)
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("payload = %q, want %q", got, want)
		}
	}
}

type readerFunc func(p []byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }

func TestDecoder_BufferbloatAdvisory(t *testing.T) {
	payload := []byte(`{"pos_mm":1}`)
	residue := bytes.Repeat([]byte{'x'}, 100)
	d := NewDecoder()
	d.AllowedResidue = 8
	before := metrics.Snap().Bufferbloat
	d.Fill(mustEncode(t, payload))
	d.Fill(residue)
	got, ok := d.Next()
	if !ok || !bytes.Equal(got, payload) {
		t.Fatalf("frame not extracted despite residue: %q ok=%v", got, ok)
	}
	if d.Buffered() != len(residue) {
		t.Fatalf("residue = %d, want %d retained", d.Buffered(), len(residue))
	}
	if after := metrics.Snap().Bufferbloat; after != before+1 {
		t.Fatalf("bufferbloat counter = %d, want %d", after, before+1)
	}
	// Within the allowed residue no advisory fires.
	d.Reset()
	d.Fill(mustEncode(t, payload))
	d.Fill(residue[:4])
	if _, ok := d.Next(); !ok {
		t.Fatal("frame not extracted")
	}
	if after := metrics.Snap().Bufferbloat; after != before+1 {
		t.Fatalf("advisory fired within the allowed residue: counter = %d", after)
	}
}

func TestDecoder_Reset(t *testing.T) {
	d := NewDecoder()
	d.Fill([]byte{StartToken, 0x00})
	d.Reset()
	if d.Buffered() != 0 {
		t.Fatalf("residue after reset: %d", d.Buffered())
	}
}
