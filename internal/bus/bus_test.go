package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fustor-io/fustor/internal/model"
)

func evt(path string) model.Event {
	return model.Event{Path: path, EventType: model.Insert, MessageSource: model.Realtime}
}

func TestSubscribeStartsAtHead(t *testing.T) {
	b := New(16)
	b.Publish(evt("/a"))

	h, lost := b.Subscribe(Signature{Driver: "local", URI: "/x"}, 0, false)
	assert.False(t, lost)

	events, _ := b.Poll(h, time.Millisecond)
	assert.Empty(t, events, "a fresh subscriber must not see events published before it subscribed")
}

func TestPublishThenPollDelivers(t *testing.T) {
	b := New(16)
	h, _ := b.Subscribe(Signature{Driver: "local", URI: "/x"}, 0, false)

	b.Publish(evt("/a"), evt("/b"))

	events, cursor := b.Poll(h, time.Millisecond)
	require.Len(t, events, 2)
	assert.Equal(t, "/a", events[0].Path)
	assert.Equal(t, "/b", events[1].Path)
	assert.Equal(t, int64(2), cursor)

	events, _ = b.Poll(h, time.Millisecond)
	assert.Empty(t, events, "position must advance past delivered events")
}

func TestPollWakesOnPublish(t *testing.T) {
	b := New(16)
	h, _ := b.Subscribe(Signature{Driver: "local", URI: "/x"}, 0, false)

	done := make(chan []model.Event, 1)
	go func() {
		events, _ := b.Poll(h, 2*time.Second)
		done <- events
	}()

	time.Sleep(20 * time.Millisecond)
	b.Publish(evt("/a"))

	select {
	case events := <-done:
		require.Len(t, events, 1)
	case <-time.After(time.Second):
		t.Fatal("Poll did not wake up on publish")
	}
}

func TestResubscribeWithStalePositionLosesIt(t *testing.T) {
	b := New(4)
	sig := Signature{Driver: "local", URI: "/x"}
	h, _ := b.Subscribe(sig, 0, false)

	for i := 0; i < 20; i++ {
		b.Publish(evt("/a"))
	}
	b.Poll(h, time.Millisecond) // catch up so it doesn't hold the watermark back

	_, lost := b.Subscribe(sig, 0, true) // resume from way before the retained window
	assert.True(t, lost, "resuming from a position below low_watermark - capacity must report position loss")
}

func TestSplitMovesFastSubscribersToNewBus(t *testing.T) {
	b := New(10)
	fast := Signature{Driver: "local", URI: "/fast"}
	slow := Signature{Driver: "local", URI: "/slow"}

	hFast, _ := b.Subscribe(fast, 0, false)
	hSlow, _ := b.Subscribe(slow, 0, false)

	for i := 0; i < 10; i++ {
		b.Publish(evt("/a"))
	}
	b.Poll(hFast, time.Millisecond) // fast subscriber catches all the way up

	newBus, moved := b.SplitIfDiverged()
	require.NotNil(t, newBus, "a 10/10 vs 0/10 divergence on capacity 10 must trigger a split")
	assert.Contains(t, moved, fast)
	assert.NotContains(t, moved, slow)

	assert.True(t, b.Frozen())
	_, stillHasSlow := b.Position(hSlow)
	assert.True(t, stillHasSlow, "slow subscriber stays on the old, now-frozen bus to drain its backlog")

	// Old bus no longer accepts new publishes.
	b.Publish(evt("/ignored"))
	headAfter := b.Head()
	assert.Equal(t, int64(10), headAfter)

	// New bus continues from the same head and accepts the fast subscriber's future reads.
	newBus.Publish(evt("/c"))
	events, _ := newBus.Poll(hFast, time.Millisecond)
	require.Len(t, events, 1)
	assert.Equal(t, "/c", events[0].Path)
}

func TestSplitIsIdempotent(t *testing.T) {
	b := New(4)
	a := Signature{Driver: "local", URI: "/a"}
	c := Signature{Driver: "local", URI: "/c"}
	hA, _ := b.Subscribe(a, 0, false)
	b.Subscribe(c, 0, false)

	for i := 0; i < 4; i++ {
		b.Publish(evt("/x"))
	}
	b.Poll(hA, time.Millisecond)

	first, _ := b.SplitIfDiverged()
	require.NotNil(t, first)

	second, moved := b.SplitIfDiverged()
	assert.Nil(t, second)
	assert.Nil(t, moved)
}

func TestNoSplitWhenSubscribersKeepPace(t *testing.T) {
	b := New(100)
	sigA := Signature{Driver: "local", URI: "/a"}
	sigB := Signature{Driver: "local", URI: "/b"}
	hA, _ := b.Subscribe(sigA, 0, false)
	hB, _ := b.Subscribe(sigB, 0, false)

	for i := 0; i < 5; i++ {
		b.Publish(evt("/x"))
		b.Poll(hA, time.Millisecond)
		b.Poll(hB, time.Millisecond)
	}

	newBus, moved := b.SplitIfDiverged()
	assert.Nil(t, newBus)
	assert.Nil(t, moved)
}

func TestLowWatermarkTracksSlowestSubscriber(t *testing.T) {
	b := New(16)
	sig := Signature{Driver: "local", URI: "/a"}
	b.Subscribe(sig, 0, false)

	b.Publish(evt("/a"), evt("/b"), evt("/c"))
	assert.Equal(t, int64(0), b.LowWatermark())
}
