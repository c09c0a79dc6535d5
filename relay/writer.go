package relay

import (
	"context"
	"errors"
	"log/slog"
)

// ControlObserver lets the EP0 writer call back into the RelayManager when
// it observes a successful SET_CONFIGURATION control transfer (spec.md
// §4.3/§4.8). request is the forwarded SETUP+data packet, reply is the
// device's status-stage response.
type ControlObserver func(request, reply Packet)

// RelayWriter drains its input queue, runs every packet through the bound
// filter chain in registration order, then writes the result to the sink
// Proxy (spec.md §4.3). It also merges in out-of-band packets posted by
// injector threads via Aux, interleaved with queue-sourced packets with the
// policy "FIFO across a single merged stream" (ordering within each source
// preserved, interleaving across sources unspecified).
type RelayWriter struct {
	sink     Proxy
	endpoint uint8

	in  *PacketQueue
	aux *PacketQueue

	filters func() []PacketFilter
	logger  *slog.Logger

	stop       chan struct{}
	stopClosed bool

	// replySink/controlObserver are set only for the EP0 writer: after
	// forwarding a request to sink, it reads the device's reply on the
	// same endpoint and relays it back through replySink, observing
	// SET_CONFIGURATION along the way (spec.md §4.2's "two queues because
	// direction flips per transfer" — see DESIGN.md for how this repo
	// resolves that into one reader/one writer goroutine).
	replySink       Proxy
	controlObserver ControlObserver
}

// NewRelayWriter builds a writer for a unidirectional endpoint.
func NewRelayWriter(sink Proxy, endpoint uint8, in *PacketQueue, filters func() []PacketFilter, logger *slog.Logger) *RelayWriter {
	return &RelayWriter{
		sink:     sink,
		endpoint: endpoint,
		in:       in,
		aux:      NewPacketQueue(16),
		filters:  filters,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// NewControlWriter builds the EP0 writer: it forwards requests to sink
// (the DeviceProxy) and relays replies back through replySink (the
// HostProxy), invoking observer whenever it sees a successful
// SET_CONFIGURATION (spec.md §4.8).
func NewControlWriter(sink, replySink Proxy, in *PacketQueue, filters func() []PacketFilter, observer ControlObserver, logger *slog.Logger) *RelayWriter {
	w := NewRelayWriter(sink, 0, in, filters, logger)
	w.replySink = replySink
	w.controlObserver = observer
	return w
}

// Aux returns the queue injectors bound to this writer post synthetic
// packets onto.
func (w *RelayWriter) Aux() *PacketQueue { return w.aux }

// PleaseStop requests the writer's loop exit at its next suspension point.
func (w *RelayWriter) PleaseStop() {
	if !w.stopClosed {
		w.stopClosed = true
		close(w.stop)
	}
	w.aux.PleaseStop()
}

// Run merges w.in and w.aux (FIFO within each source) and processes each
// packet through the filter chain before writing it to the sink.
func (w *RelayWriter) Run(ctx context.Context) {
	for {
		var pkt Packet
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case <-w.in.StopChan():
			return
		case pkt = <-w.in.Chan():
		case pkt = <-w.aux.Chan():
		}

		w.process(ctx, pkt)
	}
}

// process runs pkt through the bound filter chain and writes whatever
// survives to the sink, handling insert_before packets inline.
func (w *RelayWriter) process(ctx context.Context, pkt Packet) {
	chain := w.filters()
	dropped := false
	for _, f := range chain {
		action := f.Filter(pkt)
		switch action.Kind {
		case ActionPass:
		case ActionDrop:
			dropped = true
		case ActionMutate:
			pkt.Payload = action.Payload
		case ActionInsertBefore:
			w.writeOut(ctx, action.Insert)
		}
		if dropped {
			break
		}
	}
	if dropped {
		return
	}
	w.writeOut(ctx, pkt)
}

func (w *RelayWriter) writeOut(ctx context.Context, pkt Packet) {
	if err := w.sink.Write(ctx, w.endpoint, pkt); err != nil {
		w.logFatalOrRetry("write", err)
		return
	}

	if w.replySink == nil {
		return
	}

	reply, err := w.sink.Read(ctx, w.endpoint)
	if err != nil {
		w.logFatalOrRetry("control reply read", err)
		return
	}
	if err := w.replySink.Write(ctx, w.endpoint, reply); err != nil {
		w.logFatalOrRetry("control reply write", err)
		return
	}
	if w.controlObserver != nil {
		w.controlObserver(pkt, reply)
	}
}

func (w *RelayWriter) logFatalOrRetry(op string, err error) {
	if errors.Is(err, ErrTransportGone) {
		w.logger.Error("relay writer: fatal transport error, stopping", "endpoint", w.endpoint, "op", op, "error", err)
		w.PleaseStop()
		return
	}
	w.logger.Warn("relay writer: error", "endpoint", w.endpoint, "op", op, "error", err)
}
