// Package usbdesc is the read-only USB descriptor object model used by the
// relay core to reason about devices, configurations, interfaces and
// endpoints without depending on any concrete transport. Field names follow
// the USB 2.0 specification's descriptor layout.
package usbdesc

import (
	"bytes"
	"encoding/binary"
	"unicode/utf16"
)

// Descriptor types, per USB 2.0 table 9-5.
const (
	DeviceDescType           = 0x01
	ConfigDescType           = 0x02
	StringDescType           = 0x03
	InterfaceDescType        = 0x04
	EndpointDescType         = 0x05
	DeviceQualifierDescType  = 0x06
	OtherSpeedConfigDescType = 0x07
	HIDDescType              = 0x21
	HIDReportDescType        = 0x22
)

// Fixed descriptor lengths in bytes, per USB 2.0.
const (
	DeviceDescLen          = 18
	ConfigDescLen          = 9
	InterfaceDescLen       = 9
	EndpointDescLen        = 7
	DeviceQualifierDescLen = 10
)

// TransferType is the two-bit transfer type field of bmAttributes.
type TransferType uint8

const (
	TransferControl     TransferType = 0x00
	TransferIsochronous TransferType = 0x01
	TransferBulk        TransferType = 0x02
	TransferInterrupt   TransferType = 0x03
)

// EndpointDirection mirrors the direction bit of bEndpointAddress.
type EndpointDirection uint8

const (
	DirectionOut EndpointDirection = 0
	DirectionIn  EndpointDirection = 1
)

// Device is the top-level USB device descriptor plus everything hanging off
// it that the relay core needs: its configurations and an optional device
// qualifier for dual-speed devices. It is built once during control
// bring-up (spec.md §4.5 step 3) and owned exclusively by the RelayManager.
type Device struct {
	BcdUSB             uint16
	BDeviceClass       uint8
	BDeviceSubClass    uint8
	BDeviceProtocol    uint8
	BMaxPacketSize0    uint8
	IDVendor           uint16
	IDProduct          uint16
	BcdDevice          uint16
	IManufacturer      uint8
	IProduct           uint8
	ISerialNumber      uint8
	BNumConfigurations uint8

	Configurations []*Configuration
	Qualifier      *DeviceQualifier // non-nil only for dual-speed devices
	Strings        map[uint8]string

	// ActiveConfigurationIndex is the index into Configurations currently
	// selected via SET_CONFIGURATION (spec.md §4.8). -1 means unconfigured.
	ActiveConfigurationIndex int

	// HighSpeed reports the link speed the DeviceProxy actually negotiated
	// with the downstream device (USB-IP's speed field, not a descriptor
	// value); setConfig passes it unchanged to both proxies' SetConfig as
	// the highSpeed flag.
	HighSpeed bool
}

// ActiveConfiguration returns the currently selected configuration, or nil
// if the device has not yet been configured.
func (d *Device) ActiveConfiguration() *Configuration {
	if d == nil || d.ActiveConfigurationIndex < 0 || d.ActiveConfigurationIndex >= len(d.Configurations) {
		return nil
	}
	return d.Configurations[d.ActiveConfigurationIndex]
}

// Bytes renders the 18-byte device descriptor, per USB 2.0 table 9-8.
func (d *Device) Bytes() []byte {
	var b bytes.Buffer
	b.WriteByte(DeviceDescLen)
	b.WriteByte(DeviceDescType)
	_ = binary.Write(&b, binary.LittleEndian, d.BcdUSB)
	b.WriteByte(d.BDeviceClass)
	b.WriteByte(d.BDeviceSubClass)
	b.WriteByte(d.BDeviceProtocol)
	b.WriteByte(d.BMaxPacketSize0)
	_ = binary.Write(&b, binary.LittleEndian, d.IDVendor)
	_ = binary.Write(&b, binary.LittleEndian, d.IDProduct)
	_ = binary.Write(&b, binary.LittleEndian, d.BcdDevice)
	b.WriteByte(d.IManufacturer)
	b.WriteByte(d.IProduct)
	b.WriteByte(d.ISerialNumber)
	b.WriteByte(d.BNumConfigurations)
	return b.Bytes()
}

// DeviceQualifier describes a dual-speed device's capabilities at the
// non-operating speed (USB 2.0 §9.6.2).
type DeviceQualifier struct {
	BcdUSB             uint16
	BDeviceClass       uint8
	BDeviceSubClass    uint8
	BDeviceProtocol    uint8
	BMaxPacketSize0    uint8
	BNumConfigurations uint8

	// OtherSpeedConfiguration is the configuration descriptor tree fetched
	// via GET_DESCRIPTOR(OTHER_SPEED_CONFIGURATION), describing how the
	// device would present itself at the speed it isn't currently running
	// at (USB 2.0 §9.6.3). nil if that fetch was never made or stalled.
	OtherSpeedConfiguration *Configuration
}

// Bytes renders the 10-byte device qualifier descriptor.
func (q *DeviceQualifier) Bytes() []byte {
	var b bytes.Buffer
	b.WriteByte(DeviceQualifierDescLen)
	b.WriteByte(DeviceQualifierDescType)
	_ = binary.Write(&b, binary.LittleEndian, q.BcdUSB)
	b.WriteByte(q.BDeviceClass)
	b.WriteByte(q.BDeviceSubClass)
	b.WriteByte(q.BDeviceProtocol)
	b.WriteByte(q.BMaxPacketSize0)
	b.WriteByte(q.BNumConfigurations)
	b.WriteByte(0) // bReserved
	return b.Bytes()
}

// Configuration is one USB configuration descriptor plus its interfaces.
type Configuration struct {
	BConfigurationValue uint8
	IConfiguration      uint8
	BMAttributes        uint8
	BMaxPower           uint8

	Interfaces []*Interface
}

// InterfaceAt returns the interface with the given bInterfaceNumber, or nil.
func (c *Configuration) InterfaceAt(number uint8) *Interface {
	for _, i := range c.Interfaces {
		if i.Number == number {
			return i
		}
	}
	return nil
}

// Interface groups the alternate settings for one bInterfaceNumber. Only one
// alternate setting is active at a time; spec.md §4.6 step 1 enumerates
// "every interface and every alternate setting" so both are modeled.
type Interface struct {
	Number     uint8
	Alternates []*InterfaceAltSetting

	// ActiveAltSetting indexes into Alternates; 0 unless SET_INTERFACE has
	// selected a different alternate setting.
	ActiveAltSetting int
}

// Active returns the currently selected alternate setting.
func (i *Interface) Active() *InterfaceAltSetting {
	if i == nil || i.ActiveAltSetting < 0 || i.ActiveAltSetting >= len(i.Alternates) {
		return nil
	}
	return i.Alternates[i.ActiveAltSetting]
}

// InterfaceAltSetting is one alternate setting of an interface: its
// descriptor plus the endpoints it exposes.
type InterfaceAltSetting struct {
	BAlternateSetting  uint8
	BInterfaceClass    uint8
	BInterfaceSubClass uint8
	BInterfaceProtocol uint8
	IInterface         uint8

	Endpoints []*Endpoint
}

// Bytes renders the 9-byte interface descriptor for this alt setting.
func (a *InterfaceAltSetting) Bytes(interfaceNumber uint8) []byte {
	var b bytes.Buffer
	b.WriteByte(InterfaceDescLen)
	b.WriteByte(InterfaceDescType)
	b.WriteByte(interfaceNumber)
	b.WriteByte(a.BAlternateSetting)
	b.WriteByte(uint8(len(a.Endpoints)))
	b.WriteByte(a.BInterfaceClass)
	b.WriteByte(a.BInterfaceSubClass)
	b.WriteByte(a.BInterfaceProtocol)
	b.WriteByte(a.IInterface)
	return b.Bytes()
}

// Endpoint is a single USB endpoint descriptor (USB 2.0 table 9-13).
type Endpoint struct {
	BEndpointAddress uint8
	BmAttributes     uint8
	WMaxPacketSize   uint16
	BInterval        uint8
}

// Direction derives IN/OUT from bit 7 of bEndpointAddress.
func (e *Endpoint) Direction() EndpointDirection {
	if e.BEndpointAddress&0x80 != 0 {
		return DirectionIn
	}
	return DirectionOut
}

// Index derives the 4-bit endpoint number from bits 0-3 of bEndpointAddress.
func (e *Endpoint) Index() uint8 {
	return e.BEndpointAddress & 0x0f
}

// TransferType derives the transfer type from bits 0-1 of bmAttributes.
func (e *Endpoint) TransferType() TransferType {
	return TransferType(e.BmAttributes & 0x03)
}

// IsIsochronous reports whether this endpoint is an isochronous endpoint,
// which spec.md §3 invariant 3 / §4.6 step 2 require the relay core to skip.
func (e *Endpoint) IsIsochronous() bool {
	return e.TransferType() == TransferIsochronous
}

// Bytes renders the 7-byte endpoint descriptor.
func (e *Endpoint) Bytes() []byte {
	var b bytes.Buffer
	b.WriteByte(EndpointDescLen)
	b.WriteByte(EndpointDescType)
	b.WriteByte(e.BEndpointAddress)
	b.WriteByte(e.BmAttributes)
	_ = binary.Write(&b, binary.LittleEndian, e.WMaxPacketSize)
	b.WriteByte(e.BInterval)
	return b.Bytes()
}

// NewControlEndpoint builds the synthetic EP0 endpoint descriptor per
// spec.md §4.5 step 5: length 7, type endpoint, address 0, attributes 0,
// wMaxPacketSize from bMaxPacketSize0.
func NewControlEndpoint(maxPacketSize0 uint8) *Endpoint {
	return &Endpoint{
		BEndpointAddress: 0,
		BmAttributes:     0,
		WMaxPacketSize:   uint16(maxPacketSize0),
		BInterval:        0,
	}
}

// EncodeStringDescriptor converts a UTF-8 string to a USB string descriptor
// (USB 2.0 §9.6.7): bLength, bDescriptorType=0x03, then UTF-16LE code units.
func EncodeStringDescriptor(s string) []byte {
	units := utf16.Encode([]rune(s))
	buf := make([]byte, 2+len(units)*2)
	buf[0] = uint8(len(buf))
	buf[1] = StringDescType
	for i, u := range units {
		buf[2+i*2] = uint8(u)
		buf[2+i*2+1] = uint8(u >> 8)
	}
	return buf
}

// ConfigurationBytes renders the full configuration descriptor (header +
// every interface's alt settings + their endpoints), with wTotalLength
// patched in after the fact, matching the teacher's two-pass build/patch
// approach for variable-length descriptor blobs.
func ConfigurationBytes(cfg *Configuration) []byte {
	var b bytes.Buffer
	b.WriteByte(ConfigDescLen)
	b.WriteByte(ConfigDescType)
	_ = binary.Write(&b, binary.LittleEndian, uint16(0)) // wTotalLength, patched below
	b.WriteByte(uint8(len(cfg.Interfaces)))
	b.WriteByte(cfg.BConfigurationValue)
	b.WriteByte(cfg.IConfiguration)
	b.WriteByte(cfg.BMAttributes)
	b.WriteByte(cfg.BMaxPower)

	for _, iface := range cfg.Interfaces {
		for _, alt := range iface.Alternates {
			b.Write(alt.Bytes(iface.Number))
			for _, ep := range alt.Endpoints {
				b.Write(ep.Bytes())
			}
		}
	}

	data := b.Bytes()
	binary.LittleEndian.PutUint16(data[2:4], uint16(len(data)))
	return data
}
