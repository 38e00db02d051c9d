// Package activity batches user action events and writes them to the store
// after a quiet period.
package activity

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"temerio/api/internal/clock"
	"temerio/api/internal/store"
)

const DefaultDelay = time.Second

// MaxMetadataBytes caps the encoded metadata stored with one event.
const MaxMetadataBytes = 4 << 10

type inserter interface {
	InsertActivityEvents(context.Context, []store.ActivityEvent) error
}

// Event is one recorded action. ItemID and Metadata are optional.
type Event struct {
	ActorID  string
	Action   string
	ItemType string
	ItemID   string
	Metadata map[string]any
}

// Logger queues events and flushes them in one insert once no new event has
// arrived for the configured delay. When a mixed batch fails it is retried
// per actor so one actor's bad row only drops that actor's events.
type Logger struct {
	store inserter
	clock clock.Clock
	delay time.Duration

	mu      sync.Mutex
	pending []store.ActivityEvent
	timer   clock.Timer
	closed  bool

	// flushMu keeps batches in call order when flushes overlap.
	flushMu sync.Mutex
}

func NewLogger(s inserter, c clock.Clock, delay time.Duration) *Logger {
	if c == nil {
		c = clock.Real{}
	}
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Logger{store: s, clock: c, delay: delay}
}

// Record enqueues the event and restarts the debounce timer. It never blocks
// on storage.
func (l *Logger) Record(event Event) {
	event.ActorID = stripNUL(event.ActorID)
	event.Action = stripNUL(event.Action)
	event.ItemType = stripNUL(event.ItemType)
	event.ItemID = stripNUL(event.ItemID)
	if event.ActorID == "" || event.Action == "" || event.ItemType == "" {
		log.Printf("activity: dropping incomplete event action=%q item_type=%q", event.Action, event.ItemType)
		return
	}

	row := store.ActivityEvent{
		ActorID:   event.ActorID,
		Action:    event.Action,
		ItemType:  event.ItemType,
		CreatedAt: l.clock.Now(),
	}
	if event.ItemID != "" {
		itemID := event.ItemID
		row.ItemID = &itemID
	}
	if len(event.Metadata) > 0 {
		raw, err := json.Marshal(event.Metadata)
		switch {
		case err != nil:
			log.Printf("activity: metadata for %s dropped: %v", row.Action, err)
		case ContainsNUL(event.Metadata):
			log.Printf("activity: metadata for %s dropped: contains NUL", row.Action)
		case len(raw) > MaxMetadataBytes:
			log.Printf("activity: metadata for %s dropped: %d bytes", row.Action, len(raw))
		default:
			row.Metadata = raw
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		log.Printf("activity: logger closed, dropping %s", event.Action)
		return
	}
	l.pending = append(l.pending, row)
	if l.timer != nil {
		l.timer.Stop()
	}
	l.timer = l.clock.AfterFunc(l.delay, l.flushFromTimer)
}

// Pending reports the number of queued events.
func (l *Logger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Flush writes everything queued so far as one batch. A failed batch holding
// several actors is retried per actor; whatever still fails is logged and
// discarded.
func (l *Logger) Flush(ctx context.Context) {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	l.mu.Lock()
	batch := l.pending
	l.pending = nil
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	err := l.store.InsertActivityEvents(ctx, batch)
	if err == nil {
		return
	}
	groups := groupByActor(batch)
	if len(groups) == 1 {
		log.Printf("activity: dropped batch of %d events: %v", len(batch), err)
		return
	}
	log.Printf("activity: batch of %d events failed, retrying per actor: %v", len(batch), err)
	for _, group := range groups {
		if err := l.store.InsertActivityEvents(ctx, group); err != nil {
			log.Printf("activity: dropped %d events for actor %s: %v", len(group), group[0].ActorID, err)
		}
	}
}

// Close flushes pending events and rejects later ones.
func (l *Logger) Close(ctx context.Context) {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.Flush(ctx)
}

func (l *Logger) flushFromTimer() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	l.Flush(ctx)
}

// groupByActor splits batch per actor, keeping first-seen order.
func groupByActor(batch []store.ActivityEvent) [][]store.ActivityEvent {
	index := make(map[string]int)
	var groups [][]store.ActivityEvent
	for _, event := range batch {
		i, ok := index[event.ActorID]
		if !ok {
			i = len(groups)
			index[event.ActorID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], event)
	}
	return groups
}

// ContainsNUL reports whether any string in v, including map keys, holds a
// NUL byte. Postgres rejects those in text and jsonb columns.
func ContainsNUL(v any) bool {
	switch value := v.(type) {
	case string:
		return strings.IndexByte(value, 0) >= 0
	case map[string]any:
		for key, item := range value {
			if ContainsNUL(key) || ContainsNUL(item) {
				return true
			}
		}
	case []any:
		for _, item := range value {
			if ContainsNUL(item) {
				return true
			}
		}
	case []string:
		for _, item := range value {
			if ContainsNUL(item) {
				return true
			}
		}
	}
	return false
}

func stripNUL(s string) string {
	return strings.ReplaceAll(s, "\x00", "")
}
