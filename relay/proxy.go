package relay

import (
	"context"
	"errors"

	"github.com/Alia5/usbrelay/usbdesc"
)

// ErrConnectTimeout is returned by Proxy.Connect to signal a transient,
// retriable timeout (spec.md §6/§7: "Transient I/O (timed-out connect):
// retried in place until state leaves Setup"). Any other non-nil error is
// fatal and aborts bring-up.
var ErrConnectTimeout = errors.New("relay: connect timed out")

// Proxy is the contract shared by DeviceProxy and HostProxy (spec.md §6):
// both sides of the relay speak to a concrete USB transport (libusb,
// gadgetfs, USB-IP, ...) that is entirely out of scope for the Relay Core —
// only this contract matters here.
type Proxy interface {
	// Connect establishes the transport-level connection. For a
	// HostProxy, device is the enumerated Device model being presented
	// upstream; for a DeviceProxy, device is nil (it is what discovers
	// the device). Connect returns ErrConnectTimeout for a retriable
	// timeout, nil on success, or any other error for a fatal failure.
	Connect(ctx context.Context, device *usbdesc.Device) error
	Disconnect() error

	ClaimInterface(ifaceNum uint8) error
	ReleaseInterface(ifaceNum uint8) error

	// SetEndpointInterface records which interface owns an endpoint
	// address, required by some transports after descriptors are known
	// (spec.md §4.6 step 2).
	SetEndpointInterface(endpointAddr uint8, ifaceNum uint8) error

	// SetConfig notifies the transport of the newly active configuration.
	// otherSpeed is non-nil only for dual-speed devices with a Device
	// Qualifier (spec.md §4.8); highSpeed indicates which is currently
	// active.
	SetConfig(cfg *usbdesc.Configuration, otherSpeed *usbdesc.Configuration, highSpeed bool) error

	// Read blocks until a packet arrives on endpointAddr, or ctx is
	// cancelled (the Go expression of please_stop).
	Read(ctx context.Context, endpointAddr uint8) (Packet, error)
	// Write blocks until p has been delivered to endpointAddr, or ctx is
	// cancelled.
	Write(ctx context.Context, endpointAddr uint8, p Packet) error
}

// DeviceProxy speaks to the downstream physical device being relayed.
type DeviceProxy interface {
	Proxy

	// Describe queries the connected device's descriptor tree (device,
	// configurations, interfaces, endpoints, optional qualifier) so the
	// manager can construct the Device model (spec.md §4.5 step 3). Called
	// once, immediately after a successful Connect.
	Describe(ctx context.Context) (*usbdesc.Device, error)
}

// HostProxy speaks to the upstream host that the relay presents an
// identical device to.
type HostProxy interface {
	Proxy
}
