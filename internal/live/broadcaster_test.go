package live

import (
	"testing"
	"time"
)

func TestBroadcastReachesSubscriber(t *testing.T) {
	b := NewBroadcaster()
	events, cancel := b.Subscribe("sess-1")
	defer cancel()

	b.Broadcast("sess-1", Event{ModelName: "m", Provider: "p", Status: StatusProcessing})

	select {
	case ev := <-events:
		if ev.ModelName != "m" || ev.Status != StatusProcessing {
			t.Errorf("event = %+v", ev)
		}
		if ev.Timestamp.IsZero() {
			t.Error("timestamp not filled in")
		}
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}
}

func TestBroadcastSessionIsolation(t *testing.T) {
	b := NewBroadcaster()
	mine, cancelMine := b.Subscribe("sess-1")
	defer cancelMine()
	other, cancelOther := b.Subscribe("sess-2")
	defer cancelOther()

	b.Broadcast("sess-1", Event{Status: StatusCompleted})

	select {
	case <-mine:
	case <-time.After(time.Second):
		t.Fatal("subscriber of the right session got nothing")
	}
	select {
	case ev := <-other:
		t.Errorf("cross-session delivery: %+v", ev)
	default:
	}
}

func TestBroadcastNeverBlocks(t *testing.T) {
	b := NewBroadcaster()
	_, cancel := b.Subscribe("sess-1")
	defer cancel()

	// Nobody is reading; flood well past the buffer. Must return promptly.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*4; i++ {
			b.Broadcast("sess-1", Event{Status: StatusProcessing})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked on a slow subscriber")
	}
}

func TestCancelIdempotent(t *testing.T) {
	b := NewBroadcaster()
	events, cancel := b.Subscribe("sess-1")

	cancel()
	cancel() // second call must not panic

	if _, ok := <-events; ok {
		t.Error("channel not closed after cancel")
	}

	// Broadcasting after cancel is a no-op, not a panic.
	b.Broadcast("sess-1", Event{Status: StatusFailed})
}

func TestBroadcastNoSubscribers(t *testing.T) {
	b := NewBroadcaster()
	b.Broadcast("nobody-listening", Event{Status: StatusCompleted})
}
