package usbdesc

import (
	"encoding/binary"
	"fmt"
)

// ParseDevice decodes an 18-byte USB device descriptor, the inverse of
// Device.Bytes, into a Device with no configurations attached yet. Callers
// fetch and attach configurations separately via ParseConfiguration.
func ParseDevice(b []byte) (*Device, error) {
	if len(b) < DeviceDescLen {
		return nil, fmt.Errorf("usbdesc: device descriptor too short: %d bytes", len(b))
	}
	if b[1] != DeviceDescType {
		return nil, fmt.Errorf("usbdesc: unexpected descriptor type %#x, want device", b[1])
	}
	return &Device{
		BcdUSB:                   binary.LittleEndian.Uint16(b[2:4]),
		BDeviceClass:             b[4],
		BDeviceSubClass:          b[5],
		BDeviceProtocol:          b[6],
		BMaxPacketSize0:          b[7],
		IDVendor:                 binary.LittleEndian.Uint16(b[8:10]),
		IDProduct:                binary.LittleEndian.Uint16(b[10:12]),
		BcdDevice:                binary.LittleEndian.Uint16(b[12:14]),
		IManufacturer:            b[14],
		IProduct:                 b[15],
		ISerialNumber:            b[16],
		BNumConfigurations:       b[17],
		ActiveConfigurationIndex: -1,
	}, nil
}

// ParseDeviceQualifier decodes a 10-byte device qualifier descriptor
// (USB 2.0 §9.6.2), the inverse of DeviceQualifier.Bytes.
func ParseDeviceQualifier(b []byte) (*DeviceQualifier, error) {
	if len(b) < DeviceQualifierDescLen {
		return nil, fmt.Errorf("usbdesc: device qualifier too short: %d bytes", len(b))
	}
	if b[1] != DeviceQualifierDescType {
		return nil, fmt.Errorf("usbdesc: unexpected descriptor type %#x, want device qualifier", b[1])
	}
	return &DeviceQualifier{
		BcdUSB:             binary.LittleEndian.Uint16(b[2:4]),
		BDeviceClass:       b[4],
		BDeviceSubClass:    b[5],
		BDeviceProtocol:    b[6],
		BMaxPacketSize0:    b[7],
		BNumConfigurations: b[8],
	}, nil
}

// ParseConfiguration walks a full GET_DESCRIPTOR(CONFIGURATION) (or
// OTHER_SPEED_CONFIGURATION — USB 2.0 §9.6.3 defines it with the identical
// layout, differing only in bDescriptorType) blob — the 9-byte header
// followed by every interface/alt-setting descriptor and the endpoint
// descriptors hanging off each, possibly interleaved with class-specific
// descriptors (HID, etc.) that are skipped by their own bLength — and builds
// the Configuration/Interface/Endpoint object model, the inverse of
// ConfigurationBytes. Alternate settings are grouped by bInterfaceNumber in
// the order first seen.
func ParseConfiguration(b []byte) (*Configuration, error) {
	if len(b) < ConfigDescLen || (b[1] != ConfigDescType && b[1] != OtherSpeedConfigDescType) {
		return nil, fmt.Errorf("usbdesc: invalid configuration descriptor header")
	}
	cfg := &Configuration{
		BConfigurationValue: b[5],
		IConfiguration:      b[6],
		BMAttributes:        b[7],
		BMaxPower:           b[8],
	}

	byNumber := make(map[uint8]*Interface)
	var order []uint8
	var curAlt *InterfaceAltSetting

	off := ConfigDescLen
	for off+2 <= len(b) {
		length := int(b[off])
		if length < 2 || off+length > len(b) {
			break
		}
		switch b[off+1] {
		case InterfaceDescType:
			if length < InterfaceDescLen {
				break
			}
			number := b[off+2]
			alt := &InterfaceAltSetting{
				BAlternateSetting:  b[off+3],
				BInterfaceClass:    b[off+5],
				BInterfaceSubClass: b[off+6],
				BInterfaceProtocol: b[off+7],
				IInterface:         b[off+8],
			}
			iface, ok := byNumber[number]
			if !ok {
				iface = &Interface{Number: number}
				byNumber[number] = iface
				order = append(order, number)
			}
			iface.Alternates = append(iface.Alternates, alt)
			curAlt = alt
		case EndpointDescType:
			if length < EndpointDescLen || curAlt == nil {
				break
			}
			curAlt.Endpoints = append(curAlt.Endpoints, &Endpoint{
				BEndpointAddress: b[off+2],
				BmAttributes:     b[off+3],
				WMaxPacketSize:   binary.LittleEndian.Uint16(b[off+4 : off+6]),
				BInterval:        b[off+6],
			})
		}
		off += length
	}

	cfg.Interfaces = make([]*Interface, 0, len(order))
	for _, n := range order {
		cfg.Interfaces = append(cfg.Interfaces, byNumber[n])
	}
	return cfg, nil
}
