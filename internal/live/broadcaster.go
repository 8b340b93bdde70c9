// Package live fans per-model execution events out to session subscribers.
// Delivery is best-effort and at-most-once: a slow subscriber loses events
// rather than ever blocking the pipeline.
package live

import (
	"sync"
	"time"
)

// Event statuses.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Event is one per-model progress update.
type Event struct {
	ModelName  string    `json:"modelName"`
	Provider   string    `json:"provider"`
	Status     string    `json:"status"`
	Result     string    `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

const subscriberBuffer = 16

// Broadcaster routes events to live listeners keyed by session id.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[string]map[chan Event]struct{})}
}

// Subscribe registers a listener for a session. The returned cancel func
// must be called to release the subscription; the channel is closed by it.
func (b *Broadcaster) Subscribe(sessionID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[chan Event]struct{})
	}
	b.subs[sessionID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[sessionID], ch)
			if len(b.subs[sessionID]) == 0 {
				delete(b.subs, sessionID)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Broadcast delivers an event to every subscriber of the session without
// blocking: if a subscriber's buffer is full the event is dropped for it.
func (b *Broadcaster) Broadcast(sessionID string, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[sessionID] {
		select {
		case ch <- ev:
		default:
		}
	}
}
