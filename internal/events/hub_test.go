package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(ch <-chan Event) []Event {
	var out []Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func TestPublishSubscribe(t *testing.T) {
	h := NewHub()
	fixed := time.Date(2026, 10, 19, 14, 0, 0, 0, time.FixedZone("AEST", 10*3600))
	h.now = func() time.Time { return fixed }

	ch, cancel := h.Subscribe(4)
	h.Publish(CallPlaced, CallData{RunID: "r1", TargetID: "t1", Status: "queued", AttemptNumber: 1})
	h.Publish(TargetSkipped, SkipData{RunID: "r1", TargetID: "t2", Reason: "skip_daily_cap"})
	assert.Zero(t, cancel())

	got := drain(ch)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].Seq)
	assert.Equal(t, CallPlaced, got[0].Type)
	assert.Equal(t, fixed.UTC(), got[0].At)

	data, ok := got[0].Data.(CallData)
	require.True(t, ok)
	assert.Equal(t, "t1", data.TargetID)
	assert.Equal(t, 1, data.AttemptNumber)

	assert.Equal(t, int64(2), got[1].Seq)
	assert.Equal(t, "skip_daily_cap", got[1].Data.(SkipData).Reason)
}

func TestSlowSubscriberCountsMisses(t *testing.T) {
	h := NewHub()
	_, cancel := h.Subscribe(1)

	for range 10 {
		h.Publish(CallFailed, nil)
	}
	assert.Equal(t, 9, cancel())
	assert.Equal(t, 9, cancel(), "cancel is idempotent")
}

func TestCancelClosesChannel(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe(0)
	cancel()

	_, ok := <-ch
	assert.False(t, ok)

	h.Publish(RunFinished, nil)
}

func TestTally(t *testing.T) {
	h := NewHub()
	h.Publish(RunStarted, RunStartedData{RunID: "r1"})
	h.Publish(CallPlaced, nil)
	h.Publish(CallPlaced, nil)

	tally := h.Tally()
	assert.Equal(t, map[string]int{RunStarted: 1, CallPlaced: 2}, tally)

	tally[CallPlaced] = 99
	assert.Equal(t, 2, h.Tally()[CallPlaced])
}
