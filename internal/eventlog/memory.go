package eventlog

import (
	"context"
	"sync"
	"time"
)

// MemoryLog is an in-process Log for tests and ephemeral runs.
type MemoryLog struct {
	mu     sync.Mutex
	events map[string][]Event // per channel, cursor order
	last   map[string]Cursor
	broker *broker
}

// NewMemoryLog creates an empty in-memory event log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		events: make(map[string][]Event),
		last:   make(map[string]Cursor),
		broker: newBroker(),
	}
}

func (l *MemoryLog) Publish(_ context.Context, channel, eventType string, payload any) (Event, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Event{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cursor := nextCursor(l.last[channel], time.Now().UnixMilli())
	l.last[channel] = cursor

	ev := Event{
		ID:        newEventID(),
		Channel:   channel,
		Type:      eventType,
		Timestamp: cursor.Timestamp,
		Sequence:  cursor.Sequence,
		Payload:   raw,
	}
	l.events[channel] = append(l.events[channel], ev)
	l.broker.deliver(ev)
	return ev, nil
}

func (l *MemoryLog) Subscribe(ctx context.Context, channel string, opts SubscribeOptions) (<-chan Event, func(), error) {
	// Snapshot and registration happen under the same lock publishes take,
	// which is what guarantees no gap and no duplicate at the seam.
	l.mu.Lock()
	stored := l.events[channel]
	n := opts.ReplayLast
	if n > len(stored) {
		n = len(stored)
	}
	var replay []Event
	if n > 0 {
		replay = append(replay, stored[len(stored)-n:]...)
	}
	sub, cancel := l.broker.subscribe(channel, replay)
	l.mu.Unlock()

	watchContext(ctx, cancel)
	return sub.out, cancel, nil
}

func (l *MemoryLog) ReadFrom(_ context.Context, channel string, after Cursor) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Event
	for _, ev := range l.events[channel] {
		if ev.Cursor().After(after) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (l *MemoryLog) Sweep(_ context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()

	l.mu.Lock()
	defer l.mu.Unlock()

	var removed int64
	for channel, events := range l.events {
		i := 0
		for i < len(events) && events[i].Timestamp < cutoff {
			i++
		}
		if i > 0 {
			l.events[channel] = append([]Event(nil), events[i:]...)
			removed += int64(i)
		}
	}
	return removed, nil
}

func (l *MemoryLog) Close() error {
	l.broker.closeAll()
	return nil
}
