package relay_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Alia5/usbrelay/relay"
	"github.com/Alia5/usbrelay/relay/relaytest"
)

// recordingProxy collects every packet passed to its Write.
type recordingProxy struct {
	mu      sync.Mutex
	written []relay.Packet
}

func (r *recordingProxy) record(p relay.Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.written = append(r.written, p)
}

func (r *recordingProxy) snapshot() []relay.Packet {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]relay.Packet, len(r.written))
	copy(out, r.written)
	return out
}

func waitForCount(t *testing.T, fn func() int, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if fn() >= want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for count >= %d, got %d", want, fn())
}

func TestReaderPumpsSourceIntoQueueInOrder(t *testing.T) {
	feed := make(chan relay.Packet, 3)
	feed <- relay.Packet{Endpoint: 0x81, Payload: []byte{1}}
	feed <- relay.Packet{Endpoint: 0x81, Payload: []byte{2}}
	feed <- relay.Packet{Endpoint: 0x81, Payload: []byte{3}}

	source := relaytest.NewMockHostProxy(t, relaytest.ProxyFuncs{
		Read: func(ctx context.Context, endpointAddr uint8) (relay.Packet, error) {
			select {
			case p := <-feed:
				return p, nil
			case <-ctx.Done():
				return relay.Packet{}, ctx.Err()
			}
		},
	})

	q := relay.NewPacketQueue(8)
	reader := relay.NewRelayReader(source, 0x81, q, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reader.Run(ctx)

	for i := 1; i <= 3; i++ {
		p, ok := q.Pop()
		assert.True(t, ok)
		assert.Equal(t, []byte{byte(i)}, p.Payload)
	}

	reader.PleaseStop()
}

func TestWriterForwardsQueueToSinkUnchanged(t *testing.T) {
	sink := &recordingProxy{}
	sinkProxy := relaytest.NewMockDeviceProxy(t, relaytest.ProxyFuncs{
		Write: func(ctx context.Context, endpointAddr uint8, p relay.Packet) error {
			sink.record(p)
			return nil
		},
	}, nil)

	q := relay.NewPacketQueue(8)
	noFilters := func() []relay.PacketFilter { return nil }
	writer := relay.NewRelayWriter(sinkProxy, 0x81, q, noFilters, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go writer.Run(ctx)

	q.Push(relay.Packet{Endpoint: 0x81, Payload: []byte("hello")})
	q.Push(relay.Packet{Endpoint: 0x81, Payload: []byte("world")})

	waitForCount(t, func() int { return len(sink.snapshot()) }, 2)
	got := sink.snapshot()
	assert.Equal(t, []byte("hello"), got[0].Payload)
	assert.Equal(t, []byte("world"), got[1].Payload)

	writer.PleaseStop()
}

func TestWriterFilterComposition(t *testing.T) {
	sink := &recordingProxy{}
	sinkProxy := relaytest.NewMockDeviceProxy(t, relaytest.ProxyFuncs{
		Write: func(ctx context.Context, endpointAddr uint8, p relay.Packet) error {
			sink.record(p)
			return nil
		},
	}, nil)

	incrementBy := func(n byte) relay.PacketFilter {
		return relaytest.NewMockFilter(nil, nil, nil, nil, func(p relay.Packet) relay.Action {
			return relay.Mutate([]byte{p.Payload[0] + n})
		})
	}
	chain := []relay.PacketFilter{incrementBy(1), incrementBy(10)}
	filters := func() []relay.PacketFilter { return chain }

	q := relay.NewPacketQueue(8)
	writer := relay.NewRelayWriter(sinkProxy, 0x81, q, filters, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go writer.Run(ctx)

	q.Push(relay.Packet{Endpoint: 0x81, Payload: []byte{0}})

	waitForCount(t, func() int { return len(sink.snapshot()) }, 1)
	got := sink.snapshot()
	assert.Equal(t, byte(11), got[0].Payload[0])

	writer.PleaseStop()
}

func TestWriterFilterDrop(t *testing.T) {
	sink := &recordingProxy{}
	sinkProxy := relaytest.NewMockDeviceProxy(t, relaytest.ProxyFuncs{
		Write: func(ctx context.Context, endpointAddr uint8, p relay.Packet) error {
			sink.record(p)
			return nil
		},
	}, nil)

	dropDead := relaytest.NewMockFilter(nil, nil, nil, nil, func(p relay.Packet) relay.Action {
		if len(p.Payload) >= 2 && p.Payload[0] == 0xDE && p.Payload[1] == 0xAD {
			return relay.Drop()
		}
		return relay.Pass()
	})
	filters := func() []relay.PacketFilter { return []relay.PacketFilter{dropDead} }

	q := relay.NewPacketQueue(8)
	writer := relay.NewRelayWriter(sinkProxy, 0x81, q, filters, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go writer.Run(ctx)

	q.Push(relay.Packet{Endpoint: 0x81, Payload: []byte{0xDE, 0xAD, 0x01}})
	q.Push(relay.Packet{Endpoint: 0x81, Payload: []byte{0x01, 0x02}})
	q.Push(relay.Packet{Endpoint: 0x81, Payload: []byte{0x03, 0x04}})

	waitForCount(t, func() int { return len(sink.snapshot()) }, 2)
	got := sink.snapshot()
	assert.Len(t, got, 2)
	assert.Equal(t, []byte{0x01, 0x02}, got[0].Payload)
	assert.Equal(t, []byte{0x03, 0x04}, got[1].Payload)

	writer.PleaseStop()
}

func TestReaderStopsWithinOneRoundTripOfPleaseStop(t *testing.T) {
	blockedRead := make(chan struct{})
	source := relaytest.NewMockHostProxy(t, relaytest.ProxyFuncs{
		Read: func(ctx context.Context, endpointAddr uint8) (relay.Packet, error) {
			select {
			case <-blockedRead:
				return relay.Packet{}, nil
			case <-ctx.Done():
				return relay.Packet{}, ctx.Err()
			}
		},
	})

	q := relay.NewPacketQueue(1)
	reader := relay.NewRelayReader(source, 0x81, q, testLogger())

	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		reader.Run(ctx)
		close(done)
	}()

	cancel() // simulates please_stop via context cancellation, per spec.md §5

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reader did not exit within one blocking Proxy round trip of cancellation")
	}
}
