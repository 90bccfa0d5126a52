package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var timelineBase = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

// serverMsg builds a confirmed-style message offset from the base time
// by the given number of minutes.
func serverMsg(id, content string, minutes int) Message {
	return Message{
		ID:             id,
		ConversationID: "conv-1",
		Sender:         User{ID: "u2", Username: "bob"},
		Content:        content,
		MessageType:    "text",
		CreatedAt:      timelineBase.Add(time.Duration(minutes) * time.Minute),
	}
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}

	return out
}

// --- Load tests ---

func TestTimelineLoad_SortsAndDeduplicates(t *testing.T) {
	tl := NewTimeline("conv-1")

	// History arrives unordered and with a duplicated id.
	tl.Load([]Message{
		serverMsg("m3", "third", 2),
		serverMsg("m1", "first", 0),
		serverMsg("m3", "third again", 2),
		serverMsg("m2", "second", 1),
	})

	msgs := tl.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(msgs))
	assert.Equal(t, "third", msgs[2].Content)

	for _, m := range msgs {
		assert.Equal(t, DeliveryConfirmed, m.DeliveryState)
	}
}

func TestTimelineLoad_EqualTimestampsKeepInputOrder(t *testing.T) {
	tl := NewTimeline("conv-1")

	tl.Load([]Message{
		serverMsg("m1", "a", 0),
		serverMsg("m2", "b", 0),
		serverMsg("m3", "c", 0),
	})

	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(tl.Messages()))
}

func TestTimelineLoad_ReplacesPreviousContents(t *testing.T) {
	tl := NewTimeline("conv-1")
	tl.Load([]Message{serverMsg("old", "stale", 0)})

	tl.Load([]Message{serverMsg("m1", "fresh", 0)})

	msgs := tl.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
}

// --- ApplyServer tests ---

func TestApplyServer_RedeliveryIsDiscarded(t *testing.T) {
	tl := NewTimeline("conv-1")
	tl.Load([]Message{serverMsg("m1", "hello", 0)})

	changed := tl.ApplyServer(serverMsg("m1", "hello redelivered", 0))

	assert.False(t, changed)
	require.Equal(t, 1, tl.Len())
	assert.Equal(t, "hello", tl.Messages()[0].Content)
}

func TestApplyServer_ConfirmsOptimisticInPlace(t *testing.T) {
	tl := NewTimeline("conv-1")
	tl.Load([]Message{
		serverMsg("m1", "before", 0),
		serverMsg("m2", "after", 10),
	})

	local := Message{
		LocalID:        "t1-abc",
		ConversationID: "conv-1",
		Content:        "mine",
		CreatedAt:      timelineBase.Add(5 * time.Minute),
	}
	tl.AppendLocal(local)

	// Confirmation carries a server id and a server-side timestamp that
	// would sort the message elsewhere. Position must not change.
	confirmation := serverMsg("m9", "mine", 20)
	confirmation.LocalID = "t1-abc"

	changed := tl.ApplyServer(confirmation)
	require.True(t, changed)

	msgs := tl.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "m9", msgs[2].ID)
	assert.Equal(t, "t1-abc", msgs[2].LocalID)
	assert.Equal(t, DeliveryConfirmed, msgs[2].DeliveryState)
	assert.Equal(t, local.CreatedAt, msgs[2].CreatedAt)
}

func TestApplyServer_NewMessageInsertsByTimestamp(t *testing.T) {
	tl := NewTimeline("conv-1")
	tl.Load([]Message{
		serverMsg("m1", "a", 0),
		serverMsg("m3", "c", 10),
	})

	changed := tl.ApplyServer(serverMsg("m2", "b", 5))

	require.True(t, changed)
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(tl.Messages()))
}

func TestApplyServer_OutOfOrderArrivalsConverge(t *testing.T) {
	tl := NewTimeline("conv-1")

	// Arrival order 10:02, 10:00, 10:01 — display order must be by
	// creation time regardless.
	tl.ApplyServer(serverMsg("m3", "c", 2))
	tl.ApplyServer(serverMsg("m1", "a", 0))
	tl.ApplyServer(serverMsg("m2", "b", 1))

	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(tl.Messages()))
}

func TestApplyServer_IdenticalContentStaysDistinct(t *testing.T) {
	tl := NewTimeline("conv-1")

	tl.ApplyServer(serverMsg("m1", "same text", 0))
	tl.ApplyServer(serverMsg("m2", "same text", 1))

	assert.Equal(t, 2, tl.Len())
}

// --- Edit tests ---

func TestApplyEdit_UpdatesContentAndFlag(t *testing.T) {
	tl := NewTimeline("conv-1")
	tl.Load([]Message{serverMsg("m1", "original", 0)})

	edit := serverMsg("m1", "revised", 0)
	changed := tl.ApplyEdit(edit)

	require.True(t, changed)
	msgs := tl.Messages()
	assert.Equal(t, "revised", msgs[0].Content)
	assert.True(t, msgs[0].Edited)
}

func TestApplyEdit_UnknownMessageIsDropped(t *testing.T) {
	tl := NewTimeline("conv-1")
	tl.Load([]Message{serverMsg("m1", "original", 0)})

	changed := tl.ApplyEdit(serverMsg("gone", "revised", 0))

	assert.False(t, changed)
	assert.Equal(t, "original", tl.Messages()[0].Content)
}

func TestEditLocal_RoundTripWithRevert(t *testing.T) {
	tl := NewTimeline("conv-1")
	tl.Load([]Message{serverMsg("m1", "original", 0)})

	prevContent, prevEdited, ok := tl.EditLocal("m1", "optimistic")
	require.True(t, ok)
	assert.Equal(t, "original", prevContent)
	assert.False(t, prevEdited)
	assert.Equal(t, "optimistic", tl.Messages()[0].Content)
	assert.True(t, tl.Messages()[0].Edited)
	assert.Equal(t, DeliveryOptimistic, tl.Messages()[0].DeliveryState)

	tl.RevertEdit("m1", prevContent, prevEdited)

	msgs := tl.Messages()
	assert.Equal(t, "original", msgs[0].Content)
	assert.False(t, msgs[0].Edited)
	assert.Equal(t, DeliveryConfirmed, msgs[0].DeliveryState)
}

func TestEditLocal_ConfirmationRestoresConfirmed(t *testing.T) {
	tl := NewTimeline("conv-1")
	tl.Load([]Message{serverMsg("m1", "original", 0)})

	_, _, ok := tl.EditLocal("m1", "revised")
	require.True(t, ok)
	require.Equal(t, DeliveryOptimistic, tl.Messages()[0].DeliveryState)

	require.True(t, tl.ApplyEdit(serverMsg("m1", "revised", 0)))
	assert.Equal(t, DeliveryConfirmed, tl.Messages()[0].DeliveryState)
}

// --- Delete tests ---

func TestApplyDelete_RemovesMessage(t *testing.T) {
	tl := NewTimeline("conv-1")
	tl.Load([]Message{
		serverMsg("m1", "a", 0),
		serverMsg("m2", "b", 1),
	})

	require.True(t, tl.ApplyDelete("m1"))
	assert.Equal(t, []string{"m2"}, ids(tl.Messages()))

	// Deletion is final: a second notification is a no-op.
	assert.False(t, tl.ApplyDelete("m1"))
}

func TestRemoveLocal_ReinsertRestoresPosition(t *testing.T) {
	tl := NewTimeline("conv-1")
	tl.Load([]Message{
		serverMsg("m1", "a", 0),
		serverMsg("m2", "b", 1),
		serverMsg("m3", "c", 2),
	})

	removed := tl.RemoveLocal("m2")
	require.NotNil(t, removed)
	assert.Equal(t, []string{"m1", "m3"}, ids(tl.Messages()))

	tl.Reinsert(*removed)
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(tl.Messages()))
}

func TestReinsert_SkipsWhenMessageReappeared(t *testing.T) {
	tl := NewTimeline("conv-1")
	tl.Load([]Message{serverMsg("m1", "a", 0)})

	removed := tl.RemoveLocal("m1")
	require.NotNil(t, removed)

	// The server re-delivers the message before the rollback runs.
	tl.ApplyServer(serverMsg("m1", "a", 0))
	tl.Reinsert(*removed)

	assert.Equal(t, 1, tl.Len())
}

// --- Failure marking ---

func TestMarkFailed_FlagsOptimisticMessage(t *testing.T) {
	tl := NewTimeline("conv-1")
	tl.AppendLocal(Message{LocalID: "t1-abc", ConversationID: "conv-1", Content: "hi", CreatedAt: timelineBase})

	require.True(t, tl.MarkFailed("t1-abc"))
	assert.Equal(t, DeliveryFailed, tl.Messages()[0].DeliveryState)

	assert.False(t, tl.MarkFailed("t1-missing"))
}

// --- End to end ---

func TestTimeline_SendConfirmPeerInterleaving(t *testing.T) {
	tl := NewTimeline("conv-1")
	tl.Load([]Message{serverMsg("m1", "earlier", 0)})

	// Local send appears at the end immediately.
	tl.AppendLocal(Message{
		LocalID:        "t1-xyz",
		ConversationID: "conv-1",
		Content:        "outgoing",
		CreatedAt:      timelineBase.Add(5 * time.Minute),
	})

	// A peer message with an earlier timestamp arrives next; it sorts
	// before the optimistic entry.
	tl.ApplyServer(serverMsg("m2", "from peer", 3))

	// Then the send confirmation lands.
	confirmation := serverMsg("m3", "outgoing", 5)
	confirmation.LocalID = "t1-xyz"
	tl.ApplyServer(confirmation)

	msgs := tl.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(msgs))

	for _, m := range msgs {
		assert.Equal(t, DeliveryConfirmed, m.DeliveryState)
	}
}
