package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/millrace-ai/millrace/internal/conversation"
)

// accumulator builds a step's ordered part list in memory and flushes it to
// the store. Delta flushes are throttled; boundary flushes are forced, so a
// reader always sees every part boundary.
type accumulator struct {
	store  conversation.Store
	stepID string

	parts []conversation.Part
	// open tracks the index of the active streaming part per kind. The
	// stream interleaves at most one open text and one open reasoning
	// block at a time.
	open map[conversation.PartKind]int

	dirty     bool
	interval  time.Duration
	lastFlush time.Time
}

func newAccumulator(store conversation.Store, stepID string, interval time.Duration) *accumulator {
	return &accumulator{
		store:    store,
		stepID:   stepID,
		open:     make(map[conversation.PartKind]int),
		interval: interval,
	}
}

// add appends a part, assigning its ordering, and returns its index.
func (a *accumulator) add(p conversation.Part) int {
	p.Ordering = len(a.parts)
	a.parts = append(a.parts, p)
	a.dirty = true
	return len(a.parts) - 1
}

func (a *accumulator) startPart(kind conversation.PartKind) {
	a.open[kind] = a.add(conversation.Part{
		ID:     conversation.NewPartID(),
		Kind:   kind,
		Status: conversation.StatusActive,
	})
}

func (a *accumulator) appendDelta(kind conversation.PartKind, text string) {
	idx, ok := a.open[kind]
	if !ok {
		a.startPart(kind)
		idx = a.open[kind]
	}
	a.parts[idx].Text += text
	a.dirty = true
}

func (a *accumulator) endPart(kind conversation.PartKind) {
	if idx, ok := a.open[kind]; ok {
		a.parts[idx].Status = conversation.StatusCompleted
		delete(a.open, kind)
		a.dirty = true
	}
}

// abortActive marks every non-terminal part aborted.
func (a *accumulator) abortActive() {
	for i := range a.parts {
		if !a.parts[i].Status.Terminal() {
			a.parts[i].Status = conversation.StatusAbort
			a.dirty = true
		}
	}
	a.open = make(map[conversation.PartKind]int)
}

// flush persists the current part list. Unforced flushes are dropped while
// the throttle interval has not elapsed.
func (a *accumulator) flush(ctx context.Context, force bool) error {
	if !a.dirty {
		return nil
	}
	if !force && time.Since(a.lastFlush) < a.interval {
		return nil
	}
	if err := a.store.ReplaceStepParts(ctx, a.stepID, a.parts); err != nil {
		return fmt.Errorf("flush parts: %w", err)
	}
	a.dirty = false
	a.lastFlush = time.Now()
	return nil
}

// joinedText returns the step's text parts joined in order.
func (a *accumulator) joinedText() string {
	var b strings.Builder
	for _, p := range a.parts {
		if p.Kind == conversation.PartText && p.Text != "" {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(p.Text)
		}
	}
	return b.String()
}
