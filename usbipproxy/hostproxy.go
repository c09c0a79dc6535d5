// Package usbipproxy is the concrete DeviceProxy/HostProxy pair: a USB-IP
// exporter facing the upstream host and a USB-IP client dialing the
// downstream physical device's own export (spec.md §4.9 / SPEC_FULL.md
// §4.9). It is the one transport the relay core ships with; any other
// transport implements the same relay.Proxy contract.
package usbipproxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/Alia5/usbrelay/internal/log"
	"github.com/Alia5/usbrelay/relay"
	"github.com/Alia5/usbrelay/usbdesc"
	"github.com/Alia5/usbrelay/usbip"
)

// errNotConnected is returned by Read/Write when no client has completed the
// USB-IP import handshake.
var errNotConnected = errors.New("usbipproxy: not connected")

// pendingRequest is one USBIP_CMD_SUBMIT awaiting its USBIP_RET_SUBMIT
// reply, demultiplexed off the single host connection by endpoint address.
type pendingRequest struct {
	seq    uint32
	packet relay.Packet
}

// HostProxy presents the relayed device upstream by running a minimal
// USB-IP exporter (adapted from the teacher's internal/server/usb.Server):
// it answers OP_REQ_DEVLIST/OP_REQ_IMPORT from the bus's single export and
// translates USBIP_CMD_SUBMIT URBs to/from relay.Packet values.
// USBIP_CMD_UNLINK is answered directly (see demux) and never becomes a
// relay.Packet.
type HostProxy struct {
	listenAddr    string
	acceptTimeout time.Duration
	logger        *slog.Logger
	rawLogger     log.RawLogger

	bus *bus
	eps *endpointTable

	mu sync.Mutex
	ln net.Listener

	connMu  sync.Mutex
	conn    net.Conn
	writeMu sync.Mutex

	chMu     sync.Mutex
	requests map[uint8]chan pendingRequest

	awaitingMu sync.Mutex
	awaiting   map[uint8]pendingRequest
}

var _ relay.HostProxy = (*HostProxy)(nil)

// NewHostProxy builds a HostProxy listening on listenAddr once Connect is
// first called. busID/devID identify the single exported device's USB-IP
// bus identity (see bus.go).
func NewHostProxy(listenAddr string, busID, devID uint32, acceptTimeout time.Duration, logger *slog.Logger, rawLogger log.RawLogger) *HostProxy {
	return &HostProxy{
		listenAddr:    listenAddr,
		acceptTimeout: acceptTimeout,
		logger:        logger,
		rawLogger:     rawLogger,
		bus:           newBus(busID, devID),
		eps:           newEndpointTable(),
		requests:      make(map[uint8]chan pendingRequest),
		awaiting:      make(map[uint8]pendingRequest),
	}
}

// Connect accepts the next USB-IP client connection and runs the
// devlist/import handshake, retrying (ErrConnectTimeout) on each accept
// timeout so StartControlRelaying's retry loop (spec.md §4.5 step 2) can
// re-check state between attempts.
func (h *HostProxy) Connect(ctx context.Context, device *usbdesc.Device) error {
	h.mu.Lock()
	if h.ln == nil {
		ln, err := net.Listen("tcp", h.listenAddr)
		if err != nil {
			h.mu.Unlock()
			return err
		}
		h.ln = ln
		h.logger.Info("usbipproxy: host exporter listening", "addr", h.listenAddr)
	}
	ln := h.ln
	h.mu.Unlock()

	h.bus.attach(device)

	if tl, ok := ln.(*net.TCPListener); ok {
		_ = tl.SetDeadline(time.Now().Add(h.acceptTimeout))
	}
	conn, err := ln.Accept()
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return relay.ErrConnectTimeout
		}
		return err
	}
	h.logger.Info("usbipproxy: host client connected", "remote", conn.RemoteAddr())

	if err := conn.SetDeadline(time.Now().Add(h.acceptTimeout)); err != nil {
		h.logger.Warn("usbipproxy: set handshake deadline failed", "error", err)
	}
	if err := h.handshake(conn); err != nil {
		conn.Close()
		return fmt.Errorf("usbipproxy: host handshake failed: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})

	h.connMu.Lock()
	h.conn = conn
	h.connMu.Unlock()

	go h.demux(ctx, conn)
	return nil
}

// handshake answers any number of OP_REQ_DEVLIST probes before the real
// OP_REQ_IMPORT, matching how USB-IP clients typically list before they
// attach (teacher's handleConn dispatches on the first management command
// only; real clients may devlist first on the same connection).
func (h *HostProxy) handshake(conn net.Conn) error {
	for {
		hdr, err := usbip.ReadMgmtHeader(conn)
		if err != nil {
			return err
		}
		if hdr.Version != usbip.Version {
			return fmt.Errorf("unexpected usbip version %#x", hdr.Version)
		}
		switch hdr.Command {
		case usbip.OpReqDevlist:
			h.logger.Debug("OP_REQ_DEVLIST")
			if err := h.replyDevList(conn); err != nil {
				return err
			}
		case usbip.OpReqImport:
			h.logger.Debug("OP_REQ_IMPORT")
			return h.replyImport(conn)
		default:
			return fmt.Errorf("unexpected management command %#x", hdr.Command)
		}
	}
}

func (h *HostProxy) replyDevList(conn net.Conn) error {
	var buf bytes.Buffer
	rep := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpRepDevlist}
	if err := rep.Write(&buf); err != nil {
		return err
	}
	exp, ok := h.bus.exported()
	n := uint32(0)
	if ok {
		n = 1
	}
	if err := (&usbip.DevListReplyHeader{NDevices: n}).Write(&buf); err != nil {
		return err
	}
	if ok {
		if err := exp.WriteDevlist(&buf); err != nil {
			return err
		}
	}
	_, err := conn.Write(buf.Bytes())
	return err
}

func (h *HostProxy) replyImport(conn net.Conn) error {
	var busIDBuf [32]byte
	if err := usbip.ReadExactly(conn, busIDBuf[:]); err != nil {
		return err
	}
	requested := string(bytes.TrimRight(busIDBuf[:], "\x00"))

	exp, ok := h.bus.exported()
	if !ok || requested != h.bus.busIDString() {
		return (&usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpRepImport, Status: 1}).Write(conn)
	}

	var buf bytes.Buffer
	if err := (&usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpRepImport}).Write(&buf); err != nil {
		return err
	}
	if err := exp.WriteImport(&buf); err != nil {
		return err
	}
	_, err := conn.Write(buf.Bytes())
	return err
}

// demux reads URBs off the host connection until it closes or ctx is
// cancelled, dispatching each CMD_SUBMIT to the channel for its endpoint
// address and replying to CMD_UNLINK immediately (teacher's handleUrbStream
// never forwards unlinks to the relayed device either).
func (h *HostProxy) demux(ctx context.Context, conn net.Conn) {
	for {
		hdr, err := usbip.ReadURBHeader(conn)
		if err != nil {
			h.logger.Debug("usbipproxy: host urb stream ended", "error", err)
			return
		}
		basic := usbip.DecodeHeaderBasic(hdr[:20])

		switch basic.Command {
		case usbip.CmdUnlinkCode:
			unlink := usbip.DecodeCmdUnlink(hdr[:])
			h.logger.Debug("USBIP_CMD_UNLINK", "seq", basic.Seqnum, "unlink", unlink.UnlinkSeqnum)
			ret := usbip.RetUnlink{Basic: usbip.HeaderBasic{Command: usbip.RetUnlinkCode, Seqnum: basic.Seqnum}, Status: -104}
			h.writeMu.Lock()
			_ = ret.Write(conn)
			h.writeMu.Unlock()

		case usbip.CmdSubmitCode:
			cmd := usbip.DecodeCmdSubmit(hdr[:])
			var payload []byte
			if basic.Dir == usbip.DirOut && cmd.TransferBufferLen > 0 {
				payload = make([]byte, cmd.TransferBufferLen)
				if err := usbip.ReadExactly(conn, payload); err != nil {
					h.logger.Error("usbipproxy: read OUT payload failed", "error", err)
					return
				}
			}
			if h.rawLogger != nil {
				h.rawLogger.Log("OUT", uint8(basic.Ep), payload)
			}

			dir := directionOf(basic.Dir)
			addr := endpointAddress(uint8(basic.Ep), dir)
			pkt := relay.Packet{
				Endpoint:  uint8(basic.Ep),
				Direction: dir,
				Type:      h.eps.transferType(addr),
				Payload:   payload,
			}
			if basic.Ep == 0 {
				setup := cmd.Setup
				pkt.Setup = append([]byte(nil), setup[:]...)
			}

			select {
			case h.requestChan(addr) <- pendingRequest{seq: basic.Seqnum, packet: pkt}:
			case <-ctx.Done():
				return
			}

		default:
			h.logger.Warn("usbipproxy: unsupported URB command", "command", basic.Command)
			return
		}
	}
}

func (h *HostProxy) requestChan(addr uint8) chan pendingRequest {
	h.chMu.Lock()
	defer h.chMu.Unlock()
	ch, ok := h.requests[addr]
	if !ok {
		ch = make(chan pendingRequest, 1)
		h.requests[addr] = ch
	}
	return ch
}

// Read returns the next incoming request addressed to addr: for EP0, the
// next control transfer in either direction; for a data endpoint, the next
// OUT transfer (spec.md §6).
func (h *HostProxy) Read(ctx context.Context, addr uint8) (relay.Packet, error) {
	select {
	case req := <-h.requestChan(addr):
		h.awaitingMu.Lock()
		h.awaiting[addr] = req
		h.awaitingMu.Unlock()
		return req.packet, nil
	case <-ctx.Done():
		return relay.Packet{}, ctx.Err()
	}
}

// Write replies to the request most recently handed out by Read for addr
// (the control reply leg), or — for a data IN endpoint, where nothing ever
// called Read — waits for the host's pending "give me data" request itself.
func (h *HostProxy) Write(ctx context.Context, addr uint8, p relay.Packet) error {
	h.awaitingMu.Lock()
	req, ok := h.awaiting[addr]
	if ok {
		delete(h.awaiting, addr)
	}
	h.awaitingMu.Unlock()

	if !ok {
		select {
		case req = <-h.requestChan(addr):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return h.sendRetSubmit(req.seq, p)
}

func (h *HostProxy) sendRetSubmit(seq uint32, p relay.Packet) error {
	ret := usbip.RetSubmit{
		Basic:        usbip.HeaderBasic{Command: usbip.RetSubmitCode, Seqnum: seq},
		ActualLength: uint32(len(p.Payload)),
	}

	h.connMu.Lock()
	conn := h.conn
	h.connMu.Unlock()
	if conn == nil {
		return errNotConnected
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if err := ret.Write(conn); err != nil {
		return fmt.Errorf("usbipproxy: %w", relay.ErrTransportGone)
	}
	if len(p.Payload) > 0 {
		if _, err := conn.Write(p.Payload); err != nil {
			return fmt.Errorf("usbipproxy: %w", relay.ErrTransportGone)
		}
	}
	if h.rawLogger != nil {
		h.rawLogger.Log("IN", p.Endpoint, p.Payload)
	}
	return nil
}

// Disconnect closes the active client connection, if any. The listener
// itself stays open across relay episodes so the next StartControlRelaying
// can accept a fresh client on the same port.
func (h *HostProxy) Disconnect() error {
	h.connMu.Lock()
	conn := h.conn
	h.conn = nil
	h.connMu.Unlock()
	h.bus.detach()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// ClaimInterface/ReleaseInterface/SetEndpointInterface have no USB-IP
// exporter-side wire equivalent: the upstream client owns interface claims
// on its own kernel stack once it has attached the device.
func (h *HostProxy) ClaimInterface(uint8) error          { return nil }
func (h *HostProxy) ReleaseInterface(uint8) error         { return nil }
func (h *HostProxy) SetEndpointInterface(uint8, uint8) error { return nil }

// SetConfig records the endpoint transfer-type/max-packet-size table used
// to tag outgoing relay.Packet.Type; it issues no USB-IP wire traffic
// (SET_CONFIGURATION was already forwarded as an ordinary EP0 transfer).
func (h *HostProxy) SetConfig(cfg *usbdesc.Configuration, _ *usbdesc.Configuration, _ bool) error {
	h.eps.rebuild(cfg)
	return nil
}

// Close shuts down the listener, releasing the listen port for good.
func (h *HostProxy) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ln != nil {
		return h.ln.Close()
	}
	return nil
}
