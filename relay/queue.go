package relay

import "sync"

// PacketQueue is a bounded FIFO of Packets, safe for exactly one producer
// and one consumer (spec.md §4.1). Push blocks when full, Pop blocks when
// empty; both become interruptible via PleaseStop, which wakes any blocked
// waiter: afterwards Push returns false at once, and Pop returns the
// packets still queued, then ok=false —
// the Go expression of "wakes waiters with a sentinel that the caller
// recognizes as shutdown requested."
type PacketQueue struct {
	data     chan Packet
	stop     chan struct{}
	stopOnce sync.Once
}

// NewPacketQueue creates a queue with the given bounded capacity.
func NewPacketQueue(capacity int) *PacketQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &PacketQueue{
		data: make(chan Packet, capacity),
		stop: make(chan struct{}),
	}
}

// Push enqueues a packet, blocking while the queue is full. Returns false
// without enqueuing if PleaseStop has been called.
func (q *PacketQueue) Push(p Packet) bool {
	select {
	case <-q.stop:
		return false
	default:
	}
	select {
	case q.data <- p:
		return true
	case <-q.stop:
		return false
	}
}

// Pop dequeues a packet, blocking while the queue is empty. Returns
// ok=false if PleaseStop has been called and no packet was available.
func (q *PacketQueue) Pop() (Packet, bool) {
	select {
	case p := <-q.data:
		return p, true
	case <-q.stop:
		// Drain anything already queued before giving up, so packets
		// pushed just before shutdown are not silently dropped.
		select {
		case p := <-q.data:
			return p, true
		default:
			return Packet{}, false
		}
	}
}

// PleaseStop wakes any blocked Push/Pop and causes future calls to return
// immediately. Safe to call multiple times and from any goroutine.
func (q *PacketQueue) PleaseStop() {
	q.stopOnce.Do(func() { close(q.stop) })
}

// Stopped reports whether PleaseStop has been called.
func (q *PacketQueue) Stopped() bool {
	select {
	case <-q.stop:
		return true
	default:
		return false
	}
}

// Chan exposes the underlying data channel so a RelayWriter can select
// across this queue and its auxiliary injector input in one merged loop
// (spec.md §4.3: "FIFO across a single merged stream").
func (q *PacketQueue) Chan() <-chan Packet {
	return q.data
}

// StopChan exposes the stop signal for the same reason.
func (q *PacketQueue) StopChan() <-chan struct{} {
	return q.stop
}
