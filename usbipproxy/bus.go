package usbipproxy

import (
	"fmt"
	"sync"

	"github.com/Alia5/usbrelay/usbdesc"
	"github.com/Alia5/usbrelay/usbip"
)

const busPathPrefix = "/sys/devices/pci0000:00/0000:00:08.1/0000:00:04:00.3/usb"

// bus is a single-device USB-IP export registry for HostProxy: this relay
// core only ever presents the one device it is relaying, so there is no
// multi-device topology to manage, unlike the teacher's virtualbus.VirtualBus.
type bus struct {
	mu    sync.Mutex
	busID uint32
	devID uint32

	device *usbdesc.Device
	meta   usbip.ExportMeta
}

func newBus(busID, devID uint32) *bus {
	return &bus{busID: busID, devID: devID}
}

// attach publishes device as the bus's single export, synthesizing its
// usbip.ExportMeta (sysfs-shaped path + busid string) the way
// virtualbus.VirtualBus.Add does.
func (b *bus) attach(device *usbdesc.Device) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.device = device

	busDevID := fmt.Sprintf("%d-%d", b.busID, b.devID)
	path := fmt.Sprintf("%s%d/%s", busPathPrefix, b.busID, busDevID)

	var meta usbip.ExportMeta
	copy(meta.Path[:], path)
	copy(meta.USBBusId[:], busDevID)
	meta.BusId = b.busID
	meta.DevId = b.devID
	b.meta = meta
}

func (b *bus) detach() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.device = nil
}

func (b *bus) busIDString() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fmt.Sprintf("%d-%d", b.busID, b.devID)
}

// exported builds the usbip.ExportedDevice wire record for the currently
// attached device, or ok=false if nothing is attached.
func (b *bus) exported() (usbip.ExportedDevice, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.device == nil {
		return usbip.ExportedDevice{}, false
	}
	d := b.device
	cfg := firstConfig(d)

	exp := usbip.ExportedDevice{
		ExportMeta:          b.meta,
		IDVendor:            d.IDVendor,
		IDProduct:           d.IDProduct,
		BcdDevice:           d.BcdDevice,
		BDeviceClass:        d.BDeviceClass,
		BDeviceSubClass:     d.BDeviceSubClass,
		BDeviceProtocol:     d.BDeviceProtocol,
		BConfigurationValue: configValue(cfg),
		BNumConfigurations:  d.BNumConfigurations,
		BNumInterfaces:      uint8(len(ifacesOf(cfg))),
	}
	for _, iface := range ifacesOf(cfg) {
		alt := iface.Active()
		if alt == nil && len(iface.Alternates) > 0 {
			alt = iface.Alternates[0]
		}
		if alt == nil {
			continue
		}
		exp.Interfaces = append(exp.Interfaces, usbip.InterfaceDesc{
			Class:    alt.BInterfaceClass,
			SubClass: alt.BInterfaceSubClass,
			Protocol: alt.BInterfaceProtocol,
		})
	}
	return exp, true
}

func firstConfig(d *usbdesc.Device) *usbdesc.Configuration {
	if d == nil || len(d.Configurations) == 0 {
		return nil
	}
	return d.Configurations[0]
}

func ifacesOf(cfg *usbdesc.Configuration) []*usbdesc.Interface {
	if cfg == nil {
		return nil
	}
	return cfg.Interfaces
}

func configValue(cfg *usbdesc.Configuration) uint8 {
	if cfg == nil {
		return 0
	}
	return cfg.BConfigurationValue
}
