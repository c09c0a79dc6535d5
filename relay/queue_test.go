package relay_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Alia5/usbrelay/relay"
)

func TestPacketQueueFIFO(t *testing.T) {
	q := relay.NewPacketQueue(4)

	for i := 0; i < 4; i++ {
		ok := q.Push(relay.Packet{Endpoint: uint8(i)})
		assert.True(t, ok)
	}

	for i := 0; i < 4; i++ {
		p, ok := q.Pop()
		assert.True(t, ok)
		assert.Equal(t, uint8(i), p.Endpoint)
	}
}

func TestPacketQueuePushBlocksWhenFull(t *testing.T) {
	q := relay.NewPacketQueue(1)
	assert.True(t, q.Push(relay.Packet{}))

	pushed := make(chan bool, 1)
	go func() {
		pushed <- q.Push(relay.Packet{})
	}()

	select {
	case <-pushed:
		t.Fatal("Push on a full queue returned before it was drained")
	case <-time.After(50 * time.Millisecond):
	}

	_, ok := q.Pop()
	assert.True(t, ok)

	select {
	case ok := <-pushed:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("blocked Push never unblocked after a Pop freed capacity")
	}
}

func TestPacketQueuePleaseStopWakesWaiters(t *testing.T) {
	q := relay.NewPacketQueue(1)

	done := make(chan bool, 1)
	go func() {
		_, ok := q.Pop()
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	q.PleaseStop()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Pop did not wake up after PleaseStop")
	}

	assert.True(t, q.Stopped())
	_, ok := q.Pop()
	assert.False(t, ok)
}

func TestPacketQueueDrainsBeforeStopReturnsFalse(t *testing.T) {
	q := relay.NewPacketQueue(2)
	assert.True(t, q.Push(relay.Packet{Endpoint: 7}))
	q.PleaseStop()

	p, ok := q.Pop()
	assert.True(t, ok)
	assert.Equal(t, uint8(7), p.Endpoint)

	_, ok = q.Pop()
	assert.False(t, ok)
}
