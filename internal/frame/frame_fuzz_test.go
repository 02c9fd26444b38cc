package frame

import (
	"bytes"
	"testing"
)

// FuzzDecoderRoundTrip ensures arbitrary payloads survive encode/decode.
func FuzzDecoderRoundTrip(f *testing.F) {
	f.Add([]byte(`{"pos_setpoint_mm":12.5}`))
	f.Add([]byte{})
	f.Add([]byte{StartToken, StartToken, 0x00})
	f.Fuzz(func(t *testing.T, payload []byte) {
		if len(payload) > MaxPayload {
			payload = payload[:MaxPayload]
		}
		wire, err := Encode(payload)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		d := NewDecoder()
		d.Fill(wire)
		got, ok := d.Next()
		if !ok {
			t.Fatal("complete frame not extracted")
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("round trip mismatch: %d bytes in, %d out", len(payload), len(got))
		}
	})
}

// FuzzDecoderInvalid ensures arbitrary noise never panics the decoder.
func FuzzDecoderInvalid(f *testing.F) {
	f.Add([]byte{0x00, StartToken, 0xFF, 0xFF})
	f.Add([]byte{StartToken})
	f.Fuzz(func(t *testing.T, data []byte) {
		d := NewDecoder()
		d.Fill(data)
		for i := 0; i < 4; i++ {
			if _, ok := d.Next(); !ok {
				break
			}
		}
	})
}
