// ABOUTME: Ordered, duplicate-free message sequence for one open conversation
// ABOUTME: Insertion position comes from (createdAt, id), never from arrival order

package chat

import (
	"slices"
	"sort"

	"github.com/2389/aura-chat/internal/model"
)

// Timeline keeps messages sorted by creation time, ties broken by ID, with at
// most one entry per ID. It is not safe for concurrent use.
type Timeline struct {
	msgs []model.Message
	ids  map[string]struct{}
}

// NewTimeline returns an empty timeline.
func NewTimeline() *Timeline {
	return &Timeline{ids: make(map[string]struct{})}
}

// Insert adds m at its sorted position unless a message with the same ID is
// already present. It reports whether the timeline changed. Messages without
// an ID are rejected.
func (t *Timeline) Insert(m model.Message) bool {
	if m.ID == "" {
		return false
	}
	if _, ok := t.ids[m.ID]; ok {
		return false
	}

	i := sort.Search(len(t.msgs), func(i int) bool {
		return m.Before(t.msgs[i])
	})
	t.msgs = slices.Insert(t.msgs, i, m)
	t.ids[m.ID] = struct{}{}
	return true
}

// Merge inserts every message and returns how many were new.
func (t *Timeline) Merge(msgs []model.Message) int {
	added := 0
	for _, m := range msgs {
		if t.Insert(m) {
			added++
		}
	}
	return added
}

// Reset replaces the contents with msgs, sorted and deduplicated.
func (t *Timeline) Reset(msgs []model.Message) {
	t.msgs = t.msgs[:0]
	clear(t.ids)
	t.Merge(msgs)
}

// Messages returns a copy of the timeline in order.
func (t *Timeline) Messages() []model.Message {
	return slices.Clone(t.msgs)
}

// Len returns the number of messages.
func (t *Timeline) Len() int {
	return len(t.msgs)
}

// Contains reports whether a message with id is present.
func (t *Timeline) Contains(id string) bool {
	_, ok := t.ids[id]
	return ok
}
