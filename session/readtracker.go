package session

import (
	"sync"
	"time"
)

// ReadTracker maintains, for the active conversation, the set of received
// messages not yet acknowledged as read and not authored locally. A
// visibility check selects the latest visible unread message as the
// watermark for one message_read event; a single in-flight flag keeps
// overlapping checks from issuing duplicate receipts.
type ReadTracker struct {
	mu       sync.Mutex
	inFlight bool
	pending  map[int64]time.Time
}

// NewReadTracker creates an empty tracker.
func NewReadTracker() *ReadTracker {
	return &ReadTracker{pending: make(map[int64]time.Time)}
}

// Reset clears all pending state, for conversation switches.
func (t *ReadTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inFlight = false
	t.pending = make(map[int64]time.Time)
}

// Observe records one unread, non-self message.
func (t *ReadTracker) Observe(messageID int64, sentAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[messageID] = sentAt
}

// Select picks the latest pending message among the visible ids as the
// receipt watermark and marks a receipt in flight. It returns false when
// nothing is pending among the visible set or a receipt is already in
// flight.
func (t *ReadTracker) Select(visible []int64) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.inFlight {
		return 0, false
	}

	var watermark int64
	var latest time.Time
	found := false
	for _, id := range visible {
		sentAt, ok := t.pending[id]
		if !ok {
			continue
		}
		if !found || sentAt.After(latest) {
			watermark = id
			latest = sentAt
			found = true
		}
	}
	if !found {
		return 0, false
	}

	t.inFlight = true
	return watermark, true
}

// Complete clears the in-flight flag and drops the watermark plus every
// pending message sent at or before it, mirroring the server contract
// that a watermark marks all earlier unread messages as read.
func (t *ReadTracker) Complete(watermark int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.inFlight = false
	cutoff, ok := t.pending[watermark]
	if !ok {
		return
	}
	for id, sentAt := range t.pending {
		if !sentAt.After(cutoff) {
			delete(t.pending, id)
		}
	}
}

// Abort clears the in-flight flag without dropping anything, after a
// failed send.
func (t *ReadTracker) Abort() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inFlight = false
}

// Ack drops messages confirmed read by the server broadcast.
func (t *ReadTracker) Ack(messageIDs []int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range messageIDs {
		delete(t.pending, id)
	}
}

// PendingCount returns the number of unacknowledged messages.
func (t *ReadTracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
