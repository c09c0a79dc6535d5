// Package relaytest provides mock Proxy, PacketFilter and Injector
// implementations for exercising the relay package, built the way the
// teacher's internal/testing package builds mocks: a constructor that takes
// *testing.T plus the closures a test wants to supply, returning the
// interface type directly.
package relaytest

import (
	"context"
	"sync"
	"testing"

	"github.com/Alia5/usbrelay/relay"
	"github.com/Alia5/usbrelay/usbdesc"
)

// ProxyFuncs holds the closures a mock Proxy delegates to. Any left nil get
// a harmless default (no-op for actions, block-until-cancelled for Read).
type ProxyFuncs struct {
	Connect               func(ctx context.Context, device *usbdesc.Device) error
	Disconnect            func() error
	ClaimInterface        func(ifaceNum uint8) error
	ReleaseInterface      func(ifaceNum uint8) error
	SetEndpointInterface  func(endpointAddr, ifaceNum uint8) error
	SetConfig             func(cfg, otherSpeed *usbdesc.Configuration, highSpeed bool) error
	Read                  func(ctx context.Context, endpointAddr uint8) (relay.Packet, error)
	Write                 func(ctx context.Context, endpointAddr uint8, p relay.Packet) error
}

type mockProxy struct {
	t  *testing.T
	fn ProxyFuncs
}

func (m *mockProxy) Connect(ctx context.Context, device *usbdesc.Device) error {
	if m.fn.Connect == nil {
		return nil
	}
	return m.fn.Connect(ctx, device)
}

func (m *mockProxy) Disconnect() error {
	if m.fn.Disconnect == nil {
		return nil
	}
	return m.fn.Disconnect()
}

func (m *mockProxy) ClaimInterface(ifaceNum uint8) error {
	if m.fn.ClaimInterface == nil {
		return nil
	}
	return m.fn.ClaimInterface(ifaceNum)
}

func (m *mockProxy) ReleaseInterface(ifaceNum uint8) error {
	if m.fn.ReleaseInterface == nil {
		return nil
	}
	return m.fn.ReleaseInterface(ifaceNum)
}

func (m *mockProxy) SetEndpointInterface(endpointAddr, ifaceNum uint8) error {
	if m.fn.SetEndpointInterface == nil {
		return nil
	}
	return m.fn.SetEndpointInterface(endpointAddr, ifaceNum)
}

func (m *mockProxy) SetConfig(cfg, otherSpeed *usbdesc.Configuration, highSpeed bool) error {
	if m.fn.SetConfig == nil {
		return nil
	}
	return m.fn.SetConfig(cfg, otherSpeed, highSpeed)
}

func (m *mockProxy) Read(ctx context.Context, endpointAddr uint8) (relay.Packet, error) {
	if m.fn.Read == nil {
		<-ctx.Done()
		return relay.Packet{}, ctx.Err()
	}
	return m.fn.Read(ctx, endpointAddr)
}

func (m *mockProxy) Write(ctx context.Context, endpointAddr uint8, p relay.Packet) error {
	if m.fn.Write == nil {
		return nil
	}
	return m.fn.Write(ctx, endpointAddr, p)
}

type mockDeviceProxy struct {
	mockProxy
	describe func(ctx context.Context) (*usbdesc.Device, error)
}

func (m *mockDeviceProxy) Describe(ctx context.Context) (*usbdesc.Device, error) {
	if m.describe == nil {
		return &usbdesc.Device{ActiveConfigurationIndex: -1}, nil
	}
	return m.describe(ctx)
}

// NewMockDeviceProxy builds a relay.DeviceProxy from the given closures.
// describe may be nil, in which case Describe returns an empty,
// unconfigured Device.
func NewMockDeviceProxy(t *testing.T, fn ProxyFuncs, describe func(ctx context.Context) (*usbdesc.Device, error)) relay.DeviceProxy {
	return &mockDeviceProxy{mockProxy: mockProxy{t: t, fn: fn}, describe: describe}
}

// NewMockHostProxy builds a relay.HostProxy from the given closures.
func NewMockHostProxy(t *testing.T, fn ProxyFuncs) relay.HostProxy {
	return &mockProxy{t: t, fn: fn}
}

type mockFilter struct {
	device        relay.DevicePredicate
	configuration relay.ConfigurationPredicate
	iface         relay.InterfacePredicate
	endpoint      relay.EndpointPredicate
	filterFunc    func(relay.Packet) relay.Action
}

func (f *mockFilter) Device() relay.DevicePredicate               { return f.device }
func (f *mockFilter) Configuration() relay.ConfigurationPredicate { return f.configuration }
func (f *mockFilter) Interface() relay.InterfacePredicate         { return f.iface }
func (f *mockFilter) Endpoint() relay.EndpointPredicate           { return f.endpoint }
func (f *mockFilter) Filter(p relay.Packet) relay.Action          { return f.filterFunc(p) }

// NewMockFilter builds a relay.PacketFilter bound by the given predicates
// (any of which may be nil to match everything) and driven by filterFunc.
func NewMockFilter(device relay.DevicePredicate, configuration relay.ConfigurationPredicate, iface relay.InterfacePredicate, endpoint relay.EndpointPredicate, filterFunc func(relay.Packet) relay.Action) relay.PacketFilter {
	return &mockFilter{device: device, configuration: configuration, iface: iface, endpoint: endpoint, filterFunc: filterFunc}
}

type mockInjector struct {
	device        relay.DevicePredicate
	configuration relay.ConfigurationPredicate
	iface         relay.InterfacePredicate
	endpoint      relay.EndpointPredicate
	run           func(ctx context.Context, emit func(relay.Packet) bool)

	stop     chan struct{}
	stopOnce sync.Once
}

func (inj *mockInjector) Device() relay.DevicePredicate               { return inj.device }
func (inj *mockInjector) Configuration() relay.ConfigurationPredicate { return inj.configuration }
func (inj *mockInjector) Interface() relay.InterfacePredicate         { return inj.iface }
func (inj *mockInjector) Endpoint() relay.EndpointPredicate           { return inj.endpoint }

func (inj *mockInjector) Listen(ctx context.Context, emit func(relay.Packet) bool) {
	listenCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-inj.stop:
			cancel()
		case <-listenCtx.Done():
		}
	}()
	inj.run(listenCtx, emit)
}

func (inj *mockInjector) PleaseStop() {
	inj.stopOnce.Do(func() { close(inj.stop) })
}

// NewMockInjector builds a relay.Injector bound by the given predicates and
// driven by run, which should loop emitting packets until its context is
// cancelled.
func NewMockInjector(device relay.DevicePredicate, configuration relay.ConfigurationPredicate, iface relay.InterfacePredicate, endpoint relay.EndpointPredicate, run func(ctx context.Context, emit func(relay.Packet) bool)) relay.Injector {
	return &mockInjector{device: device, configuration: configuration, iface: iface, endpoint: endpoint, run: run, stop: make(chan struct{})}
}
