// Package link owns the connection to the balance robot: a framed JSON
// protocol over an unreliable byte stream, mediated by two schema-validated
// interface buffers (transmit and receive).
package link

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mlukasch/balance-link/internal/frame"
	"github.com/mlukasch/balance-link/internal/iface"
	"github.com/mlukasch/balance-link/internal/logging"
	"github.com/mlukasch/balance-link/internal/metrics"
	"github.com/mlukasch/balance-link/internal/transport"
)

// State of the link. Transitions are caller-driven; there is no automatic
// reconnect.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "disconnected"
}

// StatusMessageKey is the status text leaf injected into every receive
// definition.
const StatusMessageKey = "msg"

// DefaultReadTimeout bounds each socket read once data has been observed.
const DefaultReadTimeout = time.Second

// Options tune a link. Zero values select the defaults.
type Options struct {
	// ReadTimeout bounds reads while a frame is being completed.
	ReadTimeout time.Duration

	// AllowedResidue is the receive buffer residue above which a bufferbloat
	// warning is emitted (see frame.Decoder).
	AllowedResidue int
}

// Link drives the framed protocol over a dialed transport. The connection
// handle is guarded by the link's own mutex; the two interface buffers carry
// their own locks and are the only state shared with other goroutines.
type Link struct {
	mu    sync.Mutex
	conn  transport.Conn
	dial  transport.Dialer
	dec   *frame.Decoder
	probe []byte

	state  atomic.Int32
	lastRx atomic.Uint64 // float64 bits, seconds since process start

	tx *iface.Buffer
	rx *iface.Buffer

	readTimeout time.Duration
}

// New builds a link over dial using the directional definitions in schema.
// The receive definition is cloned and gets the status message leaf injected
// before it is frozen into a buffer; the caller's schema stays reusable.
// Transmit values are stamped with process uptime, receive values with the
// uptime of the last completed receive.
func New(dial transport.Dialer, schema *iface.Schema, opts Options) (*Link, error) {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	from := schema.FromDevice.Clone()
	if err := from.PutKind(StatusMessageKey, iface.KindString); err != nil {
		return nil, err
	}
	l := &Link{
		dial:        dial,
		dec:         frame.NewDecoder(),
		probe:       make([]byte, frame.DefaultChunkSize),
		readTimeout: opts.ReadTimeout,
	}
	if opts.AllowedResidue > 0 {
		l.dec.AllowedResidue = opts.AllowedResidue
	}
	l.tx = iface.NewBuffer(schema.ToDevice, nil)
	l.rx = iface.NewBuffer(from, l.lastReceive)
	return l, nil
}

// TX returns the transmit buffer (state to be sent to the device).
func (l *Link) TX() *iface.Buffer { return l.tx }

// RX returns the receive buffer (state last reported by the device).
func (l *Link) RX() *iface.Buffer { return l.rx }

// State returns the current link state.
func (l *Link) State() State { return State(l.state.Load()) }

// StatusMessage returns the device's status text leaf.
func (l *Link) StatusMessage() (iface.Stamped, error) {
	return l.rx.Get(StatusMessageKey)
}

func (l *Link) setState(s State) {
	l.state.Store(int32(s))
	metrics.SetLinkState(int(s))
}

func (l *Link) lastReceive() float64 {
	return math.Float64frombits(l.lastRx.Load())
}

func (l *Link) markReceive() {
	l.lastRx.Store(math.Float64bits(iface.Uptime()))
}

// Connect opens the device stream. No-op when already connected. The dialer
// bounds its own connect timeout; ctx can cancel earlier. A dial failure
// propagates unchanged so the caller can classify it.
func (l *Link) Connect(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return nil
	}
	l.setState(StateConnecting)
	conn, err := l.dial(ctx)
	if err != nil {
		l.setState(StateDisconnected)
		metrics.IncError(metrics.ErrConnect)
		return err
	}
	l.conn = conn
	l.dec.Reset() // stale fragments of a previous session must not resurface
	l.setState(StateConnected)
	metrics.IncConnect()
	logging.L().Info("device_connected")
	return nil
}

// Disconnect closes the stream if open. Idempotent; never returns an error.
func (l *Link) Disconnect() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeLocked()
}

func (l *Link) closeLocked() {
	if l.conn == nil {
		return
	}
	_ = l.conn.Close()
	l.conn = nil
	l.setState(StateDisconnected)
	logging.L().Info("device_disconnected")
}

// Send merges overrides into the transmit buffer (validated against the
// schema), serializes the whole buffer to compact JSON, frames it and writes
// it to the device. A transport write error propagates unchanged; by policy
// the caller should then Disconnect.
func (l *Link) Send(overrides map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return fmt.Errorf("%w: cannot send", ErrNotConnected)
	}
	if len(overrides) > 0 {
		if err := l.tx.Update(overrides); err != nil {
			return err
		}
	}
	payload, err := json.Marshal(l.tx)
	if err != nil {
		return err
	}
	pkt, err := frame.Encode(payload)
	if err != nil {
		return err
	}
	if _, err := l.conn.Write(pkt); err != nil {
		metrics.IncError(metrics.ErrSend)
		return err
	}
	metrics.IncTxFrame()
	return nil
}

// Receive polls for one message. It returns (nil, nil) when the socket is
// idle and no complete frame is buffered. Once data is observed, reads are
// bounded by the read timeout and at most one frame is extracted per call;
// surplus bytes stay buffered for the next poll. A graceful remote close
// transitions the link to disconnected and returns ErrRemoteClosed.
func (l *Link) Receive() ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil, fmt.Errorf("%w: cannot receive", ErrNotConnected)
	}

	// Pipelined frames left over from the previous burst are served without
	// touching the socket.
	if payload, ok := l.dec.Next(); ok {
		l.markReceive()
		metrics.IncRxFrame()
		return payload, nil
	}

	// Zero deadline: probe for pending bytes without blocking.
	_ = l.conn.SetReadDeadline(time.Now())
	n, err := l.conn.Read(l.probe)
	if n > 0 {
		l.dec.Fill(l.probe[:n])
	}
	if err != nil {
		switch {
		case isTimeout(err):
			if n == 0 {
				return nil, nil // idle
			}
		case errors.Is(err, io.EOF):
			l.closeLocked()
			return nil, ErrRemoteClosed
		default:
			metrics.IncError(metrics.ErrReceive)
			return nil, err
		}
	}

	_ = l.conn.SetReadDeadline(time.Now().Add(l.readTimeout))
	payload, err := l.dec.ReadFrame(l.conn)
	if err != nil {
		if errors.Is(err, io.EOF) {
			l.closeLocked()
			return nil, ErrRemoteClosed
		}
		if isTimeout(err) {
			return nil, nil // frame incomplete; finish on a later poll
		}
		metrics.IncError(metrics.ErrReceive)
		return nil, err
	}
	l.markReceive()
	metrics.IncRxFrame()
	return payload, nil
}

// Deserialize parses payload as JSON and applies it to the receive buffer as
// a bulk update, firing registered leaf callbacks. Numbers decode as
// json.Number so integer and float literals keep their identity for type
// validation. Unparsable input never touches the buffer.
func (l *Link) Deserialize(payload []byte) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		metrics.IncDeserializeError()
		return fmt.Errorf("%w: could not interpret received data: %q", ErrInvalidData, payload)
	}
	if err := l.rx.Update(m); err != nil {
		metrics.IncDeserializeError()
		return err
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
