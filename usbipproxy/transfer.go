package usbipproxy

import (
	"github.com/Alia5/usbrelay/relay"
	"github.com/Alia5/usbrelay/usbdesc"
	"github.com/Alia5/usbrelay/usbip"
)

// directionOf maps a USB-IP wire direction field to relay.Direction.
func directionOf(dir uint32) relay.Direction {
	if dir == usbip.DirIn {
		return relay.DirectionIn
	}
	return relay.DirectionOut
}

// endpointAddress rebuilds the full bEndpointAddress (direction bit plus
// 4-bit number) that the relay core keys its slot tables and Proxy calls
// by. Endpoint 0 is bidirectional and always addressed as 0.
func endpointAddress(ep uint8, dir relay.Direction) uint8 {
	if ep == 0 {
		return 0
	}
	if dir == relay.DirectionIn {
		return ep | 0x80
	}
	return ep & 0x7f
}

// relayTransferType converts the usbdesc transfer-type encoding (USB 2.0
// bmAttributes bit layout) to the relay package's enum, whose ordering
// differs (control/bulk/interrupt/isochronous vs. usbdesc's
// control/isochronous/bulk/interrupt).
func relayTransferType(t usbdesc.TransferType) relay.TransferType {
	switch t {
	case usbdesc.TransferIsochronous:
		return relay.TransferIsochronous
	case usbdesc.TransferBulk:
		return relay.TransferBulk
	case usbdesc.TransferInterrupt:
		return relay.TransferInterrupt
	default:
		return relay.TransferControl
	}
}

// endpointTable tracks per-endpoint-address transfer type and max packet
// size derived from the active configuration, used to tag outgoing
// relay.Packet.Type and to size IN read requests. Shared shape between
// HostProxy and DeviceProxy.
type endpointTable struct {
	types      map[uint8]relay.TransferType
	maxPackets map[uint8]uint16
}

func newEndpointTable() *endpointTable {
	return &endpointTable{types: make(map[uint8]relay.TransferType), maxPackets: make(map[uint8]uint16)}
}

func (t *endpointTable) rebuild(cfg *usbdesc.Configuration) {
	t.types = make(map[uint8]relay.TransferType)
	t.maxPackets = make(map[uint8]uint16)
	if cfg == nil {
		return
	}
	for _, iface := range cfg.Interfaces {
		alt := iface.Active()
		if alt == nil {
			continue
		}
		for _, ep := range alt.Endpoints {
			t.types[ep.BEndpointAddress] = relayTransferType(ep.TransferType())
			t.maxPackets[ep.BEndpointAddress] = ep.WMaxPacketSize
		}
	}
}

func (t *endpointTable) transferType(addr uint8) relay.TransferType {
	if addr == 0 {
		return relay.TransferControl
	}
	if tt, ok := t.types[addr]; ok {
		return tt
	}
	return relay.TransferBulk
}

func (t *endpointTable) maxPacket(addr uint8) uint16 {
	if mp, ok := t.maxPackets[addr]; ok && mp > 0 {
		return mp
	}
	return 512
}
