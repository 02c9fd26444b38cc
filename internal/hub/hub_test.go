package hub

import (
	"testing"
	"time"

	"github.com/mlukasch/balance-link/internal/iface"
)

func upd(key string, v float64) Update {
	return Update{Key: key, Value: iface.Stamped{Value: v, Timestamp: 1}}
}

func TestHub_Publish_DropDoesNotBlock(t *testing.T) {
	h := New()
	h.OutBufSize = 4
	s := h.Subscribe()
	defer h.Unsubscribe(s)

	// Never read from s.Out to simulate a stalled display widget.
	start := time.Now()
	for i := 0; i < 1000; i++ {
		h.Publish(upd("tilt_angle_deg", float64(i)))
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Publish took too long: %s", elapsed)
	}
	if len(s.Out) != cap(s.Out) {
		t.Fatalf("expected full subscriber buffer, got len=%d cap=%d", len(s.Out), cap(s.Out))
	}
}

func TestHub_Publish_DropKeepsOthersFlowing(t *testing.T) {
	h := New()
	h.OutBufSize = 1
	slow := h.Subscribe()
	defer h.Unsubscribe(slow)
	fast := &Subscriber{Out: make(chan Update, 16), Closed: make(chan struct{})}
	h.mu.Lock()
	h.subs[fast] = struct{}{}
	h.mu.Unlock()
	defer h.Unsubscribe(fast)

	for i := 0; i < 10; i++ {
		h.Publish(upd("pos_mm", float64(i)))
	}

	got := 0
	timeout := time.After(200 * time.Millisecond)
loop:
	for {
		select {
		case <-fast.Out:
			got++
			if got >= 5 {
				break loop
			}
		case <-timeout:
			break loop
		}
	}
	if got == 0 {
		t.Fatal("fast subscriber starved while slow one was backpressured")
	}
}

func TestHub_KickDetachesSlowSubscriber(t *testing.T) {
	h := New()
	h.OutBufSize = 1
	h.Policy = PolicyKick
	s := h.Subscribe()
	h.Publish(upd("tilt_angle_deg", 1))
	h.Publish(upd("tilt_angle_deg", 2)) // overflows; must close the subscriber
	select {
	case <-s.Closed:
	case <-time.After(time.Second):
		t.Fatal("slow subscriber was not kicked")
	}
	h.Unsubscribe(s)
	if h.Count() != 0 {
		t.Fatalf("Count = %d after unsubscribe", h.Count())
	}
}

func TestHub_UnsubscribeIdempotent(t *testing.T) {
	h := New()
	s := h.Subscribe()
	h.Unsubscribe(s)
	h.Unsubscribe(s)
	select {
	case <-s.Closed:
	default:
		t.Fatal("Closed not signalled")
	}
	h.Publish(upd("pos_mm", 1)) // must not panic with no subscribers
}
