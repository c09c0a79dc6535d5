package usbipproxy

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Alia5/usbrelay/internal/log"
	"github.com/Alia5/usbrelay/relay"
	"github.com/Alia5/usbrelay/usbdesc"
	"github.com/Alia5/usbrelay/usbip"
)

// USB control request constants needed to build the SETUP packets Describe
// issues itself, mirroring the bmRequestType/bRequest layout usbdesc.Bytes
// encodes (USB 2.0 §9.4).
const (
	reqTypeDeviceToHost = 0x80
	reqGetDescriptor    = 0x06

	descTypeDevice          = 0x01
	descTypeConfiguration   = 0x02
	descTypeDeviceQualifier = 0x06
	descTypeOtherSpeedCfg   = 0x07
)

// pendingReply is the RET_SUBMIT counterpart awaited by a single submit()
// call, delivered by recvLoop.
type pendingReply struct {
	ret     usbip.RetSubmit
	payload []byte
	err     error
}

// DeviceProxy dials the downstream physical device's own USB-IP export and
// relays USBIP_CMD_SUBMIT/RET_SUBMIT traffic to it (adapted from the
// teacher's testing.TestUsbIpClient, the only existing client-side USB-IP
// code in the pack).
type DeviceProxy struct {
	dialAddr   string
	busID      string
	dialTimeout time.Duration
	logger     *slog.Logger
	rawLogger  log.RawLogger

	eps *endpointTable

	mu    sync.Mutex
	conn  net.Conn
	speed uint32

	writeMu sync.Mutex
	seq     atomic.Uint32

	pendingMu sync.Mutex
	pending   map[uint32]chan pendingReply

	controlMu    sync.Mutex
	controlReply chan relay.Packet
}

var _ relay.DeviceProxy = (*DeviceProxy)(nil)

// NewDeviceProxy builds a DeviceProxy that dials dialAddr and imports busID
// (e.g. "1-1") once Connect is called.
func NewDeviceProxy(dialAddr, busID string, dialTimeout time.Duration, logger *slog.Logger, rawLogger log.RawLogger) *DeviceProxy {
	return &DeviceProxy{
		dialAddr:    dialAddr,
		busID:       busID,
		dialTimeout: dialTimeout,
		logger:      logger,
		rawLogger:   rawLogger,
		eps:         newEndpointTable(),
		pending:     make(map[uint32]chan pendingReply),
	}
}

// Connect dials the downstream exporter and imports its device. device is
// always nil here (DeviceProxy is the side that discovers the device via
// Describe, spec.md §4.5 step 3).
func (d *DeviceProxy) Connect(ctx context.Context, _ *usbdesc.Device) error {
	dialer := net.Dialer{Timeout: d.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", d.dialAddr)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) || isTimeoutErr(err) {
			return relay.ErrConnectTimeout
		}
		return err
	}

	if err := conn.SetDeadline(time.Now().Add(d.dialTimeout)); err != nil {
		d.logger.Warn("usbipproxy: set import deadline failed", "error", err)
	}
	if err := d.importDevice(conn); err != nil {
		conn.Close()
		return fmt.Errorf("usbipproxy: import failed: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})

	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()

	d.controlMu.Lock()
	d.controlReply = make(chan relay.Packet, 1)
	d.controlMu.Unlock()

	go d.recvLoop(conn)
	return nil
}

func isTimeoutErr(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// importDevice sends OP_REQ_IMPORT for d.busID and reads the OP_REP_IMPORT
// body, the wire exchange the teacher's TestUsbIpClient.AttachDevice drives.
func (d *DeviceProxy) importDevice(conn net.Conn) error {
	var buf bytes.Buffer
	if err := (&usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpReqImport}).Write(&buf); err != nil {
		return err
	}
	var busIDBuf [32]byte
	copy(busIDBuf[:], d.busID)
	buf.Write(busIDBuf[:])
	if _, err := conn.Write(buf.Bytes()); err != nil {
		return err
	}

	reply, err := usbip.ReadMgmtHeader(conn)
	if err != nil {
		return err
	}
	if reply.Status != 0 {
		return fmt.Errorf("OP_REP_IMPORT status %d", reply.Status)
	}
	exported, err := usbip.ReadExportedDeviceImport(conn)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.speed = exported.Speed
	d.mu.Unlock()
	d.logger.Info("usbipproxy: imported device", "busid", d.busID,
		"vendor", exported.IDVendor, "product", exported.IDProduct, "speed", exported.Speed)
	return nil
}

// recvLoop decodes RET_SUBMIT replies off the single shared connection and
// dispatches each to the per-seqnum channel submit() registered.
func (d *DeviceProxy) recvLoop(conn net.Conn) {
	for {
		hdr, err := usbip.ReadURBHeader(conn)
		if err != nil {
			d.failAllPending(err)
			return
		}
		ret := usbip.DecodeRetSubmit(hdr[:])
		var payload []byte
		if ret.ActualLength > 0 {
			payload = make([]byte, ret.ActualLength)
			if err := usbip.ReadExactly(conn, payload); err != nil {
				d.failAllPending(err)
				return
			}
		}
		if d.rawLogger != nil {
			d.rawLogger.Log("IN", uint8(ret.Basic.Ep), payload)
		}

		d.pendingMu.Lock()
		ch, ok := d.pending[ret.Basic.Seqnum]
		if ok {
			delete(d.pending, ret.Basic.Seqnum)
		}
		d.pendingMu.Unlock()
		if ok {
			ch <- pendingReply{ret: ret, payload: payload}
		}
	}
}

func (d *DeviceProxy) failAllPending(err error) {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	for seq, ch := range d.pending {
		ch <- pendingReply{err: err}
		delete(d.pending, seq)
	}
}

// submit sends one USBIP_CMD_SUBMIT and blocks for its USBIP_RET_SUBMIT,
// the building block every Describe/Read/Write call issues on top of.
func (d *DeviceProxy) submit(ctx context.Context, ep uint8, dir relay.Direction, setup []byte, out []byte, wantLen uint32) (pendingReply, error) {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return pendingReply{}, errNotConnected
	}

	seq := d.seq.Add(1)
	replyCh := make(chan pendingReply, 1)
	d.pendingMu.Lock()
	d.pending[seq] = replyCh
	d.pendingMu.Unlock()

	cmd := usbip.CmdSubmit{
		Basic: usbip.HeaderBasic{
			Command: usbip.CmdSubmitCode,
			Seqnum:  seq,
			Ep:      uint32(ep),
			Dir:     dirWire(dir),
		},
		TransferBufferLen: wantLen,
	}
	if len(out) > 0 {
		cmd.TransferBufferLen = uint32(len(out))
	}
	if setup != nil {
		copy(cmd.Setup[:], setup)
	}

	d.writeMu.Lock()
	writeErr := cmd.Write(conn)
	if writeErr == nil && dir == relay.DirectionOut && len(out) > 0 {
		_, writeErr = conn.Write(out)
	}
	d.writeMu.Unlock()
	if writeErr != nil {
		d.pendingMu.Lock()
		delete(d.pending, seq)
		d.pendingMu.Unlock()
		return pendingReply{}, fmt.Errorf("usbipproxy: %w", relay.ErrTransportGone)
	}
	if d.rawLogger != nil {
		d.rawLogger.Log("OUT", ep, out)
	}

	select {
	case rep := <-replyCh:
		if rep.err != nil {
			return pendingReply{}, fmt.Errorf("usbipproxy: %w", relay.ErrTransportGone)
		}
		return rep, nil
	case <-ctx.Done():
		return pendingReply{}, ctx.Err()
	}
}

func dirWire(dir relay.Direction) uint32 {
	if dir == relay.DirectionIn {
		return usbip.DirIn
	}
	return usbip.DirOut
}

// Describe fetches the device and (first) configuration descriptors as
// ordinary EP0 control transfers and parses them into the usbdesc object
// model the manager builds its Device from (spec.md §4.5 step 3).
func (d *DeviceProxy) Describe(ctx context.Context) (*usbdesc.Device, error) {
	devBytes, err := d.getDescriptor(ctx, descTypeDevice, 0, usbdesc.DeviceDescLen)
	if err != nil {
		return nil, fmt.Errorf("usbipproxy: get device descriptor: %w", err)
	}
	device, err := usbdesc.ParseDevice(devBytes)
	if err != nil {
		return nil, err
	}

	head, err := d.getDescriptor(ctx, descTypeConfiguration, 0, usbdesc.ConfigDescLen)
	if err != nil {
		return nil, fmt.Errorf("usbipproxy: get configuration header: %w", err)
	}
	total := int(binary.LittleEndian.Uint16(head[2:4]))
	if total < usbdesc.ConfigDescLen {
		total = usbdesc.ConfigDescLen
	}

	full, err := d.getDescriptor(ctx, descTypeConfiguration, 0, total)
	if err != nil {
		return nil, fmt.Errorf("usbipproxy: get configuration descriptor: %w", err)
	}
	cfg, err := usbdesc.ParseConfiguration(full)
	if err != nil {
		return nil, err
	}
	device.Configurations = []*usbdesc.Configuration{cfg}
	device.ActiveConfigurationIndex = 0
	d.eps.rebuild(cfg)

	d.mu.Lock()
	device.HighSpeed = d.speed == usbip.SpeedHigh
	d.mu.Unlock()

	device.Qualifier = d.fetchQualifier(ctx)

	return device, nil
}

// fetchQualifier issues GET_DESCRIPTOR(DEVICE_QUALIFIER), and on success the
// matching GET_DESCRIPTOR(OTHER_SPEED_CONFIGURATION) (USB 2.0 §9.6.2/§9.6.3).
// Full/low-speed-only devices STALL the qualifier request; that's expected,
// not an error, and just means the device isn't dual-speed capable.
func (d *DeviceProxy) fetchQualifier(ctx context.Context) *usbdesc.DeviceQualifier {
	qualBytes, err := d.getDescriptor(ctx, descTypeDeviceQualifier, 0, usbdesc.DeviceQualifierDescLen)
	if err != nil {
		d.logger.Debug("usbipproxy: no device qualifier (not dual-speed capable)", "error", err)
		return nil
	}
	qualifier, err := usbdesc.ParseDeviceQualifier(qualBytes)
	if err != nil {
		d.logger.Warn("usbipproxy: malformed device qualifier", "error", err)
		return nil
	}

	head, err := d.getDescriptor(ctx, descTypeOtherSpeedCfg, 0, usbdesc.ConfigDescLen)
	if err != nil {
		d.logger.Debug("usbipproxy: no other-speed configuration", "error", err)
		return qualifier
	}
	total := int(binary.LittleEndian.Uint16(head[2:4]))
	if total < usbdesc.ConfigDescLen {
		total = usbdesc.ConfigDescLen
	}
	full, err := d.getDescriptor(ctx, descTypeOtherSpeedCfg, 0, total)
	if err != nil {
		d.logger.Warn("usbipproxy: get other-speed configuration failed", "error", err)
		return qualifier
	}
	otherCfg, err := usbdesc.ParseConfiguration(full)
	if err != nil {
		d.logger.Warn("usbipproxy: malformed other-speed configuration", "error", err)
		return qualifier
	}
	qualifier.OtherSpeedConfiguration = otherCfg
	return qualifier
}

func (d *DeviceProxy) getDescriptor(ctx context.Context, descType uint8, index uint8, length int) ([]byte, error) {
	setup := make([]byte, 8)
	setup[0] = reqTypeDeviceToHost
	setup[1] = reqGetDescriptor
	setup[2] = index
	setup[3] = descType
	binary.LittleEndian.PutUint16(setup[6:8], uint16(length))

	rep, err := d.submit(ctx, 0, relay.DirectionIn, setup, nil, uint32(length))
	if err != nil {
		return nil, err
	}
	if rep.ret.Status != 0 {
		return nil, fmt.Errorf("GET_DESCRIPTOR(%#x) stalled: status %d", descType, rep.ret.Status)
	}
	return rep.payload, nil
}

// Read blocks for the next packet from the device on endpointAddr. EP0
// control replies were already captured by the matching Write call (the
// relay core's writeOut does sink.Write then sink.Read for EP0, spec.md
// §4.6) and are stashed on controlReply; data endpoints issue a fresh IN
// submit here.
func (d *DeviceProxy) Read(ctx context.Context, endpointAddr uint8) (relay.Packet, error) {
	if endpointAddr == 0 {
		select {
		case p := <-d.controlReply:
			return p, nil
		case <-ctx.Done():
			return relay.Packet{}, ctx.Err()
		}
	}

	ep := endpointAddr & 0x0f
	rep, err := d.submit(ctx, ep, relay.DirectionIn, nil, nil, uint32(d.eps.maxPacket(endpointAddr)))
	if err != nil {
		return relay.Packet{}, err
	}
	return relay.Packet{
		Endpoint:  ep,
		Direction: relay.DirectionIn,
		Type:      d.eps.transferType(endpointAddr),
		Payload:   rep.payload,
	}, nil
}

// Write sends p to the device. For EP0 it performs the whole control round
// trip (SETUP + optional OUT data, then the RET_SUBMIT reply) in one call
// and stashes the reply for the following Read(ctx, 0); for a data OUT
// endpoint it is a plain bulk/interrupt submit.
func (d *DeviceProxy) Write(ctx context.Context, endpointAddr uint8, p relay.Packet) error {
	if endpointAddr == 0 {
		rep, err := d.submit(ctx, 0, dirForSetup(p), p.Setup, p.Payload, uint32(len(p.Payload)))
		if err != nil {
			return err
		}
		reply := relay.Packet{Endpoint: 0, Type: relay.TransferControl, Payload: rep.payload}
		if rep.ret.Status != 0 {
			reply.Payload = []byte{0x01}
		} else if len(reply.Payload) == 0 {
			reply.Payload = []byte{0x00}
		}
		select {
		case d.controlReply <- reply:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}

	ep := endpointAddr & 0x0f
	_, err := d.submit(ctx, ep, relay.DirectionOut, nil, p.Payload, uint32(len(p.Payload)))
	return err
}

// dirForSetup derives the wire direction of a control transfer from its
// SETUP packet's bmRequestType (bit 7), the way real USB hosts do, rather
// than trusting p.Direction, which EP0 packets posted by injectors or
// returned by filters need not set.
func dirForSetup(p relay.Packet) relay.Direction {
	if len(p.Setup) > 0 && p.Setup[0]&0x80 != 0 {
		return relay.DirectionIn
	}
	return relay.DirectionOut
}

// SetConfig rebuilds the endpoint transfer-type table; SET_CONFIGURATION
// itself already went out as an ordinary EP0 control transfer.
func (d *DeviceProxy) SetConfig(cfg *usbdesc.Configuration, _ *usbdesc.Configuration, _ bool) error {
	d.eps.rebuild(cfg)
	return nil
}

// ClaimInterface/ReleaseInterface/SetEndpointInterface have no USB-IP
// client-side wire equivalent: the downstream exporter's own kernel driver
// owns the real claim, and USBIP_CMD_SUBMIT addresses endpoints directly
// without a prior claim step on this transport.
func (d *DeviceProxy) ClaimInterface(uint8) error            { return nil }
func (d *DeviceProxy) ReleaseInterface(uint8) error          { return nil }
func (d *DeviceProxy) SetEndpointInterface(uint8, uint8) error { return nil }

// Disconnect closes the connection to the downstream exporter.
func (d *DeviceProxy) Disconnect() error {
	d.mu.Lock()
	conn := d.conn
	d.conn = nil
	d.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
