package relay

import (
	"context"
	"errors"
	"log/slog"
)

// ErrTransportGone is the fatal-error classification for Proxy.Read/Write
// (spec.md §7 "Fatal transport"). A reader or writer that observes it stops
// its own loop immediately; it does not itself transition the RelayManager's
// state — an external actor must still request stop_relaying, and the next
// teardown will observe this worker already exited and join it immediately.
var ErrTransportGone = errors.New("relay: transport gone")

// RelayReader pulls packets from one side of an endpoint and pushes them
// into a PacketQueue (spec.md §4.2).
type RelayReader struct {
	source     Proxy
	endpoint   uint8
	out        *PacketQueue
	logger     *slog.Logger
	stop       chan struct{}
	stopClosed bool
}

// NewRelayReader builds a reader that pumps source.Read(endpoint) into out
// until PleaseStop is called or ctx is cancelled.
func NewRelayReader(source Proxy, endpoint uint8, out *PacketQueue, logger *slog.Logger) *RelayReader {
	return &RelayReader{source: source, endpoint: endpoint, out: out, logger: logger, stop: make(chan struct{})}
}

// PleaseStop requests the reader's loop exit at its next suspension point.
func (r *RelayReader) PleaseStop() {
	if !r.stopClosed {
		r.stopClosed = true
		close(r.stop)
	}
}

// Run pumps packets until please_stop, ctx cancellation, or a fatal
// transport error. Non-fatal errors are logged and the loop continues.
func (r *RelayReader) Run(ctx context.Context) {
	for {
		select {
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		pkt, err := r.source.Read(ctx, r.endpoint)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrTransportGone) {
				r.logger.Error("relay reader: fatal transport error, stopping", "endpoint", r.endpoint, "error", err)
				return
			}
			r.logger.Warn("relay reader: read error, retrying", "endpoint", r.endpoint, "error", err)
			continue
		}

		if !r.out.Push(pkt) {
			return
		}
	}
}
