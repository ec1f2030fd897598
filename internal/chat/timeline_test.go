// ABOUTME: Tests for timeline ordering and identifier deduplication
// ABOUTME: Includes a randomized interleaving check over duplicate-heavy inputs

package chat

import (
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/aura-chat/internal/model"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func msgAt(id string, offset time.Duration) model.Message {
	return model.Message{ID: id, ConversationID: "c1", SenderID: "u1", Text: id, CreatedAt: t0.Add(offset)}
}

func ids(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestTimeline_InsertSortsByTimeThenID(t *testing.T) {
	tl := NewTimeline()

	assert.True(t, tl.Insert(msgAt("m3", 3*time.Second)))
	assert.True(t, tl.Insert(msgAt("m1", time.Second)))
	assert.True(t, tl.Insert(msgAt("b", 2*time.Second)))
	assert.True(t, tl.Insert(msgAt("a", 2*time.Second)))

	assert.Equal(t, []string{"m1", "a", "b", "m3"}, ids(tl.Messages()))
}

func TestTimeline_RejectsDuplicatesAndMissingIDs(t *testing.T) {
	tl := NewTimeline()

	require.True(t, tl.Insert(msgAt("m1", 0)))
	assert.False(t, tl.Insert(msgAt("m1", time.Hour)), "same id, different timestamp")
	assert.False(t, tl.Insert(model.Message{Text: "no id"}))

	assert.Equal(t, 1, tl.Len())
	assert.True(t, tl.Contains("m1"))
	assert.False(t, tl.Contains("m2"))
}

func TestTimeline_MergeAndReset(t *testing.T) {
	tl := NewTimeline()
	tl.Insert(msgAt("m2", 2*time.Second))

	added := tl.Merge([]model.Message{msgAt("m1", time.Second), msgAt("m2", 2*time.Second), msgAt("m3", 3*time.Second)})
	assert.Equal(t, 2, added)
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(tl.Messages()))

	tl.Reset([]model.Message{msgAt("x", 0), msgAt("x", 0)})
	assert.Equal(t, []string{"x"}, ids(tl.Messages()))
	assert.False(t, tl.Contains("m1"))

	tl.Reset(nil)
	assert.Zero(t, tl.Len())
}

func TestTimeline_MessagesIsACopy(t *testing.T) {
	tl := NewTimeline()
	tl.Insert(msgAt("m1", 0))

	out := tl.Messages()
	out[0].Text = "mutated"

	assert.Equal(t, "m1", tl.Messages()[0].Text)
}

func TestTimeline_PushBeforeHistoryEndsSorted(t *testing.T) {
	tl := NewTimeline()

	// The push for m2 lands first; the slower history fetch brings m1.
	tl.Insert(msgAt("m2", 2*time.Second))
	tl.Merge([]model.Message{msgAt("m1", time.Second)})

	assert.Equal(t, []string{"m1", "m2"}, ids(tl.Messages()))
}

func TestTimeline_AnyInterleavingIsDedupedAndOrdered(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))

	for round := 0; round < 200; round++ {
		unique := 1 + rng.IntN(20)
		var arrivals []model.Message
		for i := 0; i < unique; i++ {
			// Few distinct timestamps so ties are common.
			m := msgAt(fmt.Sprintf("m%02d", i), time.Duration(rng.IntN(5))*time.Second)
			copies := 1 + rng.IntN(3)
			for c := 0; c < copies; c++ {
				arrivals = append(arrivals, m)
			}
		}
		rng.Shuffle(len(arrivals), func(i, j int) { arrivals[i], arrivals[j] = arrivals[j], arrivals[i] })

		tl := NewTimeline()
		for _, m := range arrivals {
			tl.Insert(m)
		}

		got := tl.Messages()
		require.Len(t, got, unique, "round %d", round)

		seen := map[string]bool{}
		for i, m := range got {
			require.False(t, seen[m.ID], "round %d: duplicate %s", round, m.ID)
			seen[m.ID] = true
			if i > 0 {
				require.True(t, got[i-1].Before(m), "round %d: %s not before %s", round, got[i-1].ID, m.ID)
			}
		}
	}
}
