package relay_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Alia5/usbrelay/relay"
	"github.com/Alia5/usbrelay/relay/relaytest"
	"github.com/Alia5/usbrelay/usbdesc"
)

func noopInjector() relay.Injector {
	return relaytest.NewMockInjector(nil, nil, nil, nil, func(ctx context.Context, emit func(relay.Packet) bool) {
		<-ctx.Done()
	})
}

func TestInjectorRegistryMutationGatedByState(t *testing.T) {
	m := newTestManager(t)

	assert.True(t, m.AddInjector(noopInjector()))
	assert.Equal(t, 1, m.InjectorCount())

	assert.NoError(t, m.StartControlRelaying(context.Background()))

	assert.False(t, m.AddInjector(noopInjector()))
	assert.Equal(t, 1, m.InjectorCount())

	m.StopRelaying()
	assert.Equal(t, relay.StateIdle, m.State())

	assert.True(t, m.AddInjector(noopInjector()))
	assert.Equal(t, 2, m.InjectorCount())
}

func TestInjectorRegistryShiftDownRemoval(t *testing.T) {
	m := newTestManager(t)

	i0 := noopInjector()
	i1 := noopInjector()
	i2 := noopInjector()
	assert.True(t, m.AddInjector(i0))
	assert.True(t, m.AddInjector(i1))
	assert.True(t, m.AddInjector(i2))

	removed, ok := m.RemoveInjector(0, false)
	assert.True(t, ok)
	assert.Same(t, i0, removed)

	assert.Equal(t, 2, m.InjectorCount())
	assert.Same(t, i1, m.GetInjector(0))
	assert.Same(t, i2, m.GetInjector(1))
}

// twoBulkInDevices exposes two bulk-IN endpoints on the same interface, so a
// fan-out test can bind one injector per endpoint and check for cross-talk.
func twoBulkInDevices() *usbdesc.Device {
	return &usbdesc.Device{
		BMaxPacketSize0: 64,
		Configurations: []*usbdesc.Configuration{
			{
				BConfigurationValue: 1,
				Interfaces: []*usbdesc.Interface{
					{
						Number: 0,
						Alternates: []*usbdesc.InterfaceAltSetting{
							{
								Endpoints: []*usbdesc.Endpoint{
									{BEndpointAddress: 0x81, BmAttributes: uint8(usbdesc.TransferBulk), WMaxPacketSize: 64},
									{BEndpointAddress: 0x82, BmAttributes: uint8(usbdesc.TransferBulk), WMaxPacketSize: 64},
								},
							},
						},
					},
				},
			},
		},
		ActiveConfigurationIndex: -1,
	}
}

func endpointIs(addr uint8) relay.EndpointPredicate {
	return func(e *usbdesc.Endpoint) bool { return e.BEndpointAddress == addr }
}

// TestInjectorFanOutIsolatedPerEndpoint drives two live endpoint slots
// through a real RelayManager bring-up (spec.md §8 property S6): each
// injector is bound to one endpoint's slot and its synthetic packets must
// reach only that endpoint's writer sink, never the other's.
func TestInjectorFanOutIsolatedPerEndpoint(t *testing.T) {
	type record struct {
		endpoint uint8
		payload  []byte
	}
	var mu sync.Mutex
	var records []record

	var replied bool
	dev := relaytest.NewMockDeviceProxy(t, relaytest.ProxyFuncs{
		Read: func(ctx context.Context, endpointAddr uint8) (relay.Packet, error) {
			mu.Lock()
			first := !replied
			replied = true
			mu.Unlock()
			if first {
				return relay.Packet{Endpoint: 0}, nil
			}
			<-ctx.Done()
			return relay.Packet{}, ctx.Err()
		},
	}, func(ctx context.Context) (*usbdesc.Device, error) {
		return twoBulkInDevices(), nil
	})

	hostRequests := make(chan relay.Packet, 1)
	hostRequests <- relay.Packet{Endpoint: 0, Setup: setConfigurationSetup(1)}

	host := relaytest.NewMockHostProxy(t, relaytest.ProxyFuncs{
		Read: func(ctx context.Context, endpointAddr uint8) (relay.Packet, error) {
			select {
			case p := <-hostRequests:
				return p, nil
			case <-ctx.Done():
				return relay.Packet{}, ctx.Err()
			}
		},
		Write: func(ctx context.Context, endpointAddr uint8, p relay.Packet) error {
			if endpointAddr == 0 {
				// The EP0 writer relays the SET_CONFIGURATION reply here;
				// only the injected data-endpoint traffic is recorded.
				return nil
			}
			mu.Lock()
			records = append(records, record{endpoint: endpointAddr, payload: p.Payload})
			mu.Unlock()
			return nil
		},
	})

	m := relay.NewRelayManager(dev, host, testLogger())

	inj1 := relaytest.NewMockInjector(nil, nil, nil, endpointIs(0x81), func(ctx context.Context, emit func(relay.Packet) bool) {
		emit(relay.Packet{Payload: []byte("one")})
		<-ctx.Done()
	})
	inj2 := relaytest.NewMockInjector(nil, nil, nil, endpointIs(0x82), func(ctx context.Context, emit func(relay.Packet) bool) {
		emit(relay.Packet{Payload: []byte("two")})
		<-ctx.Done()
	})
	assert.True(t, m.AddInjector(inj1))
	assert.True(t, m.AddInjector(inj2))

	assert.NoError(t, m.StartControlRelaying(context.Background()))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(records) >= 2
	})

	m.StopRelaying()

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, records, 2)
	for _, r := range records {
		switch r.endpoint {
		case 0x81:
			assert.Equal(t, []byte("one"), r.payload)
		case 0x82:
			assert.Equal(t, []byte("two"), r.payload)
		default:
			t.Fatalf("unexpected endpoint %#x in recorded writes", r.endpoint)
		}
	}
}
