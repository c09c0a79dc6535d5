package relay

import (
	"context"

	"github.com/Alia5/usbrelay/usbdesc"
)

// Predicate functions used to bind a PacketFilter or Injector to the slots
// whose descriptors they accept (spec.md §3 invariant 4, §4.5 steps 7-8,
// §4.6 steps 4-5). A nil predicate accepts everything.
type (
	DevicePredicate        func(*usbdesc.Device) bool
	ConfigurationPredicate func(*usbdesc.Configuration) bool
	InterfacePredicate     func(*usbdesc.InterfaceAltSetting) bool
	EndpointPredicate      func(*usbdesc.Endpoint) bool
)

func testDevice(p DevicePredicate, d *usbdesc.Device) bool {
	return p == nil || p(d)
}
func testConfiguration(p ConfigurationPredicate, c *usbdesc.Configuration) bool {
	return p == nil || p(c)
}
func testInterface(p InterfacePredicate, i *usbdesc.InterfaceAltSetting) bool {
	return p == nil || p(i)
}
func testEndpoint(p EndpointPredicate, e *usbdesc.Endpoint) bool {
	return p == nil || p(e)
}

// ActionKind is the result of running a packet through one PacketFilter
// (spec.md §4.3/§6).
type ActionKind uint8

const (
	// ActionPass leaves the packet unchanged.
	ActionPass ActionKind = iota
	// ActionDrop removes the packet from the stream entirely.
	ActionDrop
	// ActionMutate replaces the packet's payload in place.
	ActionMutate
	// ActionInsertBefore emits an additional packet ahead of the current
	// one, which still continues through the remaining filter chain.
	ActionInsertBefore
)

// Action is returned by PacketFilter.Filter for each packet it observes.
type Action struct {
	Kind ActionKind
	// Payload is the new payload for ActionMutate.
	Payload []byte
	// Insert is the packet to emit ahead of the current one for
	// ActionInsertBefore.
	Insert Packet
}

func Pass() Action                 { return Action{Kind: ActionPass} }
func Drop() Action                 { return Action{Kind: ActionDrop} }
func Mutate(payload []byte) Action { return Action{Kind: ActionMutate, Payload: payload} }
func InsertBefore(p Packet) Action { return Action{Kind: ActionInsertBefore, Insert: p} }

// PacketFilter synchronously mutates or drops every packet on its bound
// writer, in registration order (spec.md §4.3/§4.4/§6).
type PacketFilter interface {
	Device() DevicePredicate
	Configuration() ConfigurationPredicate
	Interface() InterfacePredicate
	Endpoint() EndpointPredicate

	Filter(p Packet) Action
}

// filterBinds reports whether f accepts the given descriptors, per spec.md §3
// invariant 4: "a filter or injector is registered against a slot only if
// all of its predicates ... accept the corresponding descriptors."
func filterBinds(f PacketFilter, dev *usbdesc.Device, cfg *usbdesc.Configuration, iface *usbdesc.InterfaceAltSetting, ep *usbdesc.Endpoint) bool {
	return testDevice(f.Device(), dev) &&
		testConfiguration(f.Configuration(), cfg) &&
		testInterface(f.Interface(), iface) &&
		testEndpoint(f.Endpoint(), ep)
}

// Injector asynchronously produces synthetic packets merged into every
// writer whose slot its predicates accept (spec.md §4.4/§6). Listen runs a
// blocking loop until PleaseStop is called or ctx is cancelled; each
// produced packet is handed to emit, which mirrors PacketQueue.Push's
// blocking/interruptible contract.
type Injector interface {
	Device() DevicePredicate
	Configuration() ConfigurationPredicate
	Interface() InterfacePredicate
	Endpoint() EndpointPredicate

	Listen(ctx context.Context, emit func(Packet) bool)
	PleaseStop()
}

func injectorBinds(inj Injector, dev *usbdesc.Device, cfg *usbdesc.Configuration, iface *usbdesc.InterfaceAltSetting, ep *usbdesc.Endpoint) bool {
	return testDevice(inj.Device(), dev) &&
		testConfiguration(inj.Configuration(), cfg) &&
		testInterface(inj.Interface(), iface) &&
		testEndpoint(inj.Endpoint(), ep)
}
