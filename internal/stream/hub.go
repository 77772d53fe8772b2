package stream

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"chapterforge/internal/logging"
)

// subscriberBuffer is each subscriber's event queue depth. A full queue
// drops the event for that subscriber only.
const subscriberBuffer = 64

// Hub fans events out to per-chapter subscriber rooms.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string][]*subscriber
	log   *zap.Logger
}

type subscriber struct {
	ch   chan Event
	once sync.Once
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		rooms: map[string][]*subscriber{},
		log:   logging.Get(logging.CategoryStream),
	}
}

// Subscribe registers for one chapter's events. The returned cancel
// function is idempotent and closes the channel.
func (h *Hub) Subscribe(chapterID string) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}

	h.mu.Lock()
	h.rooms[chapterID] = append(h.rooms[chapterID], sub)
	h.mu.Unlock()

	cancel := func() {
		sub.once.Do(func() {
			h.mu.Lock()
			subs := h.rooms[chapterID]
			for i, s := range subs {
				if s == sub {
					h.rooms[chapterID] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
			if len(h.rooms[chapterID]) == 0 {
				delete(h.rooms, chapterID)
			}
			close(sub.ch)
			h.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

// Publish sends the event to every subscriber of its chapter. Sends are
// non-blocking: a slow subscriber drops this event, the stage itself is
// never delayed.
func (h *Hub) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	// The read lock is held for the whole fanout so a concurrent
	// unsubscribe cannot close a channel mid-send. Sends never block, so
	// the lock is held only briefly.
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.rooms[ev.ChapterID] {
		select {
		case sub.ch <- ev:
		default:
			h.log.Warn("dropping event for slow subscriber",
				zap.String("chapter", ev.ChapterID), zap.String("type", string(ev.Type)))
		}
	}
}

// SubscriberCount reports active subscribers for a chapter.
func (h *Hub) SubscriberCount(chapterID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[chapterID])
}
