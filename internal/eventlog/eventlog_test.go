package eventlog

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// logUnderTest runs a contract test against every Log implementation.
func logUnderTest(t *testing.T, fn func(t *testing.T, log Log)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		log := NewMemoryLog()
		defer log.Close()
		fn(t, log)
	})

	t.Run("sqlite", func(t *testing.T) {
		log, err := OpenSQLite(filepath.Join(t.TempDir(), "events.db"))
		if err != nil {
			t.Fatalf("OpenSQLite: %v", err)
		}
		defer log.Close()
		fn(t, log)
	})
}

func TestPublishAssignsStrictlyIncreasingCursors(t *testing.T) {
	logUnderTest(t, func(t *testing.T, log Log) {
		ctx := context.Background()

		var prev Cursor
		for i := 0; i < 50; i++ {
			ev, err := log.Publish(ctx, "ses_a", "text-delta", map[string]string{"text": "x"})
			if err != nil {
				t.Fatalf("Publish: %v", err)
			}
			if i > 0 && !ev.Cursor().After(prev) {
				t.Fatalf("event %d cursor %v not after %v", i, ev.Cursor(), prev)
			}
			if !strings.HasPrefix(ev.ID, "evt_") {
				t.Errorf("event ID %q missing evt_ prefix", ev.ID)
			}
			prev = ev.Cursor()
		}
	})
}

func TestCursorsIncreaseUnderConcurrentPublishers(t *testing.T) {
	logUnderTest(t, func(t *testing.T, log Log) {
		ctx := context.Background()

		const workers, perWorker = 8, 25
		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < perWorker; i++ {
					if _, err := log.Publish(ctx, "ses_conc", "tick", nil); err != nil {
						t.Errorf("Publish: %v", err)
						return
					}
				}
			}()
		}
		wg.Wait()

		events, err := log.ReadFrom(ctx, "ses_conc", Cursor{})
		if err != nil {
			t.Fatalf("ReadFrom: %v", err)
		}
		if len(events) != workers*perWorker {
			t.Fatalf("stored %d events, want %d", len(events), workers*perWorker)
		}
		for i := 1; i < len(events); i++ {
			if !events[i].Cursor().After(events[i-1].Cursor()) {
				t.Fatalf("events[%d] cursor %v not after %v", i, events[i].Cursor(), events[i-1].Cursor())
			}
		}
	})
}

func TestSubscribeReplayThenLiveNoGapNoDuplicate(t *testing.T) {
	logUnderTest(t, func(t *testing.T, log Log) {
		ctx := context.Background()

		const historical = 10
		for i := 0; i < historical; i++ {
			if _, err := log.Publish(ctx, "ses_seam", "step", map[string]int{"n": i}); err != nil {
				t.Fatalf("Publish: %v", err)
			}
		}

		events, cancel, err := log.Subscribe(ctx, "ses_seam", SubscribeOptions{ReplayLast: 4})
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		defer cancel()

		const live = 5
		for i := 0; i < live; i++ {
			if _, err := log.Publish(ctx, "ses_seam", "step", map[string]int{"n": historical + i}); err != nil {
				t.Fatalf("Publish: %v", err)
			}
		}

		var got []Event
		timeout := time.After(2 * time.Second)
		for len(got) < 4+live {
			select {
			case ev := <-events:
				got = append(got, ev)
			case <-timeout:
				t.Fatalf("received %d events, want %d", len(got), 4+live)
			}
		}

		seen := make(map[string]bool)
		var prev Cursor
		for i, ev := range got {
			if seen[ev.ID] {
				t.Fatalf("duplicate event %s at position %d", ev.ID, i)
			}
			seen[ev.ID] = true
			if i > 0 && !ev.Cursor().After(prev) {
				t.Fatalf("event %d out of order: %v not after %v", i, ev.Cursor(), prev)
			}
			prev = ev.Cursor()
		}
	})
}

func TestSubscribeWithoutReplayGetsOnlyLiveEvents(t *testing.T) {
	logUnderTest(t, func(t *testing.T, log Log) {
		ctx := context.Background()

		if _, err := log.Publish(ctx, "ses_live", "old", nil); err != nil {
			t.Fatalf("Publish: %v", err)
		}

		events, cancel, err := log.Subscribe(ctx, "ses_live", SubscribeOptions{})
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		defer cancel()

		want, err := log.Publish(ctx, "ses_live", "new", nil)
		if err != nil {
			t.Fatalf("Publish: %v", err)
		}

		select {
		case ev := <-events:
			if ev.ID != want.ID {
				t.Errorf("got event %s type %q, want %s", ev.ID, ev.Type, want.ID)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for live event")
		}
	})
}

func TestSubscribeCancelClosesChannel(t *testing.T) {
	logUnderTest(t, func(t *testing.T, log Log) {
		events, cancel, err := log.Subscribe(context.Background(), "ses_x", SubscribeOptions{})
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		cancel()
		cancel() // idempotent

		select {
		case _, ok := <-events:
			if ok {
				t.Error("received event after cancel")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("channel not closed after cancel")
		}
	})
}

func TestSubscribeContextCancellation(t *testing.T) {
	logUnderTest(t, func(t *testing.T, log Log) {
		ctx, stop := context.WithCancel(context.Background())
		events, _, err := log.Subscribe(ctx, "ses_ctx", SubscribeOptions{})
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		stop()

		select {
		case _, ok := <-events:
			if ok {
				t.Error("received event after context cancel")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("channel not closed after context cancel")
		}
	})
}

func TestReadFromResumesAfterCursor(t *testing.T) {
	logUnderTest(t, func(t *testing.T, log Log) {
		ctx := context.Background()

		var cursors []Cursor
		for i := 0; i < 6; i++ {
			ev, err := log.Publish(ctx, "ses_r", "step", map[string]int{"n": i})
			if err != nil {
				t.Fatalf("Publish: %v", err)
			}
			cursors = append(cursors, ev.Cursor())
		}

		tail, err := log.ReadFrom(ctx, "ses_r", cursors[2])
		if err != nil {
			t.Fatalf("ReadFrom: %v", err)
		}
		if len(tail) != 3 {
			t.Fatalf("ReadFrom after cursors[2] returned %d events, want 3", len(tail))
		}
		if got := tail[0].Cursor(); got != cursors[3] {
			t.Errorf("first resumed cursor = %v, want %v", got, cursors[3])
		}

		all, err := log.ReadFrom(ctx, "ses_r", Cursor{})
		if err != nil {
			t.Fatalf("ReadFrom: %v", err)
		}
		if len(all) != 6 {
			t.Errorf("ReadFrom from zero cursor returned %d events, want 6", len(all))
		}

		other, err := log.ReadFrom(ctx, "ses_other", Cursor{})
		if err != nil {
			t.Fatalf("ReadFrom: %v", err)
		}
		if len(other) != 0 {
			t.Errorf("unrelated channel returned %d events, want 0", len(other))
		}
	})
}

func TestSweepDeletesOnlyExpiredEvents(t *testing.T) {
	logUnderTest(t, func(t *testing.T, log Log) {
		ctx := context.Background()

		for i := 0; i < 5; i++ {
			if _, err := log.Publish(ctx, "ses_s", "step", nil); err != nil {
				t.Fatalf("Publish: %v", err)
			}
		}

		// Everything just published is inside any reasonable window.
		removed, err := log.Sweep(ctx, time.Hour)
		if err != nil {
			t.Fatalf("Sweep: %v", err)
		}
		if removed != 0 {
			t.Errorf("Sweep(1h) removed %d events, want 0", removed)
		}

		// A negative window puts the cutoff in the future, expiring all.
		removed, err = log.Sweep(ctx, -time.Hour)
		if err != nil {
			t.Fatalf("Sweep: %v", err)
		}
		if removed != 5 {
			t.Errorf("Sweep(-1h) removed %d events, want 5", removed)
		}

		left, err := log.ReadFrom(ctx, "ses_s", Cursor{})
		if err != nil {
			t.Fatalf("ReadFrom: %v", err)
		}
		if len(left) != 0 {
			t.Errorf("%d events remain after full sweep, want 0", len(left))
		}
	})
}

func TestSQLiteCursorSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.db")

	log, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	last, err := log.Publish(ctx, "ses_p", "step", nil)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := log.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer reopened.Close()

	next, err := reopened.Publish(ctx, "ses_p", "step", nil)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if !next.Cursor().After(last.Cursor()) {
		t.Errorf("cursor %v after reopen not after %v", next.Cursor(), last.Cursor())
	}

	all, err := reopened.ReadFrom(ctx, "ses_p", Cursor{})
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("stored %d events across reopen, want 2", len(all))
	}
}

func TestNextCursorMonotonicUnderClockStall(t *testing.T) {
	tests := []struct {
		name string
		prev Cursor
		now  int64
		want Cursor
	}{
		{"advancing clock", Cursor{Timestamp: 100, Sequence: 3}, 200, Cursor{Timestamp: 200, Sequence: 0}},
		{"stalled clock", Cursor{Timestamp: 100, Sequence: 3}, 100, Cursor{Timestamp: 100, Sequence: 4}},
		{"backward clock", Cursor{Timestamp: 100, Sequence: 3}, 50, Cursor{Timestamp: 100, Sequence: 4}},
		{"first event", Cursor{}, 100, Cursor{Timestamp: 100, Sequence: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := nextCursor(tt.prev, tt.now)
			if got != tt.want {
				t.Errorf("nextCursor(%v, %d) = %v, want %v", tt.prev, tt.now, got, tt.want)
			}
			if tt.prev != (Cursor{}) && !got.After(tt.prev) {
				t.Errorf("nextCursor(%v, %d) = %v is not after prev", tt.prev, tt.now, got)
			}
		})
	}
}

func TestCursorStringRoundTrip(t *testing.T) {
	tests := []Cursor{
		{},
		{Timestamp: 1735689600000, Sequence: 0},
		{Timestamp: 1735689600000, Sequence: 42},
	}
	for _, c := range tests {
		t.Run(c.String(), func(t *testing.T) {
			got, err := ParseCursor(c.String())
			if err != nil {
				t.Fatalf("ParseCursor(%q): %v", c.String(), err)
			}
			if got != c {
				t.Errorf("round trip = %v, want %v", got, c)
			}
		})
	}

	for _, bad := range []string{"", "123", "-5", "abc-def", "12-"} {
		if _, err := ParseCursor(bad); err == nil {
			t.Errorf("ParseCursor(%q) succeeded, want error", bad)
		}
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	logUnderTest(t, func(t *testing.T, log Log) {
		ctx := context.Background()

		ev, err := log.Publish(ctx, "ses_pl", "tool-call", map[string]any{"name": "read_file", "args": map[string]any{"path": "main.go"}})
		if err != nil {
			t.Fatalf("Publish: %v", err)
		}
		if ev.Payload == nil {
			t.Fatal("published payload is nil")
		}

		stored, err := log.ReadFrom(ctx, "ses_pl", Cursor{})
		if err != nil {
			t.Fatalf("ReadFrom: %v", err)
		}
		if len(stored) != 1 {
			t.Fatalf("stored %d events, want 1", len(stored))
		}
		if string(stored[0].Payload) != string(ev.Payload) {
			t.Errorf("stored payload %s, want %s", stored[0].Payload, ev.Payload)
		}

		empty, err := log.Publish(ctx, "ses_pl", "abort", nil)
		if err != nil {
			t.Fatalf("Publish: %v", err)
		}
		if empty.Payload != nil {
			t.Errorf("nil payload stored as %s, want nil", empty.Payload)
		}
	})
}

func TestChannelsAreIsolated(t *testing.T) {
	logUnderTest(t, func(t *testing.T, log Log) {
		ctx := context.Background()

		events, cancel, err := log.Subscribe(ctx, "ses_one", SubscribeOptions{})
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		defer cancel()

		if _, err := log.Publish(ctx, "ses_two", "noise", nil); err != nil {
			t.Fatalf("Publish: %v", err)
		}
		want, err := log.Publish(ctx, "ses_one", "signal", nil)
		if err != nil {
			t.Fatalf("Publish: %v", err)
		}

		select {
		case ev := <-events:
			if ev.ID != want.ID {
				t.Errorf("received %s from channel %q, want %s", ev.ID, ev.Channel, want.ID)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for event")
		}
	})
}

func TestSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	log := NewMemoryLog()
	defer log.Close()
	ctx := context.Background()

	// Never drained; the out channel buffer fills and the pending queue grows.
	_, cancel, err := log.Subscribe(ctx, "ses_slow", SubscribeOptions{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			if _, err := log.Publish(ctx, "ses_slow", "flood", fmt.Sprintf("%d", i)); err != nil {
				t.Errorf("Publish: %v", err)
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked behind slow subscriber")
	}
}
