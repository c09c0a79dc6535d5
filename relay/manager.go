package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Alia5/usbrelay/usbdesc"
)

// ErrNotIdle is returned by StartControlRelaying when the manager is not in
// StateIdle (spec.md §4.5 step 1).
var ErrNotIdle = errors.New("relay: manager is not idle")

// RelayManager owns the endpoint slot tables, the filter/injector
// registries, both Proxies, the Device model, and the state machine
// (spec.md §2/§3). It is the orchestrator: every lifecycle transition in
// this package runs through it.
type RelayManager struct {
	deviceProxy DeviceProxy
	hostProxy   HostProxy

	state stateVar

	mu        sync.Mutex // serializes setup/teardown/reset against each other
	slots     *slotTable
	device    *usbdesc.Device
	filters   *FilterRegistry
	injectors *InjectorRegistry

	logger *slog.Logger

	// runCtx/runCancel bound the lifetime of every worker goroutine spawned
	// during a Relaying episode; StopRelaying cancels it.
	runCtx    context.Context
	runCancel context.CancelFunc
}

// NewRelayManager builds an idle manager bound to the given Proxies.
func NewRelayManager(deviceProxy DeviceProxy, hostProxy HostProxy, logger *slog.Logger) *RelayManager {
	m := &RelayManager{
		deviceProxy: deviceProxy,
		hostProxy:   hostProxy,
		slots:       newSlotTable(),
		logger:      logger,
	}
	m.filters = newFilterRegistry(m.State, logger)
	m.injectors = newInjectorRegistry(m.State, logger)
	return m
}

// State returns the current state machine value.
func (m *RelayManager) State() State { return m.state.load() }

// Filter registry passthrough (spec.md §4.4).
func (m *RelayManager) AddFilter(f PacketFilter) bool                      { return m.filters.Add(f) }
func (m *RelayManager) RemoveFilter(i int, free bool) (PacketFilter, bool) { return m.filters.Remove(i, free) }
func (m *RelayManager) GetFilter(i int) PacketFilter                       { return m.filters.Get(i) }
func (m *RelayManager) FilterCount() int                                  { return m.filters.Count() }

// Injector registry passthrough.
func (m *RelayManager) AddInjector(inj Injector) bool                    { return m.injectors.Add(inj) }
func (m *RelayManager) RemoveInjector(i int, free bool) (Injector, bool) { return m.injectors.Remove(i, free) }
func (m *RelayManager) GetInjector(i int) Injector                       { return m.injectors.Get(i) }
func (m *RelayManager) InjectorCount() int                              { return m.injectors.Count() }

// EndpointSlotPopulated reports whether the slot for the given direction and
// endpoint index currently holds a reader/writer pair (spec.md §8 property
// 2). Exported for black-box testing of bring-up/teardown.
func (m *RelayManager) EndpointSlotPopulated(dir Direction, index uint8) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index >= slotCount {
		return false
	}
	if dir == DirectionIn {
		return m.slots.in[index] != nil
	}
	return m.slots.out[index] != nil
}

// Device returns the manager's current Device model, or nil outside of
// Setup/Relaying/Stopping.
func (m *RelayManager) Device() *usbdesc.Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.device
}

// checkpoint re-reads the state and reports whether setup should continue.
// If the state has moved away from Setup (an external stop_relaying request
// raced the setup path), it escalates to SetupAbort and returns false
// (spec.md §4.5 "at every step 3-10 the code re-reads the state").
func (m *RelayManager) checkpoint() bool {
	if m.state.load() == StateSetup {
		return true
	}
	m.state.compareAndSwap(StateSetup, StateSetupAbort)
	return false
}

// StartControlRelaying runs the linear control-endpoint bring-up (spec.md
// §4.5). On success the manager is left in StateRelaying with out[0]
// populated and its reader/writer goroutines running.
func (m *RelayManager) StartControlRelaying(ctx context.Context) error {
	if !m.state.compareAndSwap(StateIdle, StateSetup) {
		return ErrNotIdle
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.runCtx, m.runCancel = context.WithCancel(ctx)

	if err := m.connectWithRetry(m.runCtx, m.deviceProxy, nil); err != nil {
		m.logger.Error("control bring-up: device connect failed", "error", err)
		m.state.store(StateStopping)
		m.teardownLocked()
		return err
	}
	if !m.checkpoint() {
		m.state.store(StateStopping)
		m.teardownLocked()
		return nil
	}

	device, err := m.deviceProxy.Describe(m.runCtx)
	if err != nil {
		m.logger.Error("control bring-up: describe failed", "error", err)
		m.state.store(StateStopping)
		m.teardownLocked()
		return err
	}
	device.ActiveConfigurationIndex = -1
	m.device = device
	if !m.checkpoint() {
		m.state.store(StateStopping)
		m.teardownLocked()
		return nil
	}

	if cfg := firstConfiguration(device); cfg != nil {
		for _, iface := range cfg.Interfaces {
			if err := m.deviceProxy.ClaimInterface(iface.Number); err != nil {
				m.logger.Warn("control bring-up: claim interface failed", "interface", iface.Number, "error", err)
			}
		}
	}
	if !m.checkpoint() {
		m.state.store(StateStopping)
		m.teardownLocked()
		return nil
	}

	ep0 := usbdesc.NewControlEndpoint(device.BMaxPacketSize0)
	ep0Queue := NewPacketQueue(32)
	ep0Reader := NewRelayReader(m.hostProxy, 0, ep0Queue, m.logger)
	ep0Writer := NewControlWriter(m.deviceProxy, m.hostProxy, ep0Queue, nil, m.setConfigObserver, m.logger)
	m.slots.out[0] = &slot{endpoint: ep0, queue: ep0Queue, reader: ep0Reader, writer: ep0Writer}
	if !m.checkpoint() {
		m.state.store(StateStopping)
		m.teardownLocked()
		return nil
	}

	boundFilters := make([]PacketFilter, 0)
	for _, f := range m.filters.snapshot() {
		if filterBinds(f, device, nil, nil, ep0) {
			boundFilters = append(boundFilters, f)
		}
	}
	ep0Writer.filters = func() []PacketFilter { return boundFilters }
	if !m.checkpoint() {
		m.state.store(StateStopping)
		m.teardownLocked()
		return nil
	}

	for _, inj := range m.injectors.snapshot() {
		if injectorBinds(inj, device, nil, nil, ep0) {
			m.slots.out[0].boundInjectors = append(m.slots.out[0].boundInjectors, inj)
		}
	}
	if !m.checkpoint() {
		m.state.store(StateStopping)
		m.teardownLocked()
		return nil
	}

	if err := m.connectWithRetry(m.runCtx, m.hostProxy, device); err != nil {
		m.logger.Error("control bring-up: host connect failed", "error", err)
		m.state.store(StateStopping)
		m.teardownLocked()
		return err
	}
	if !m.checkpoint() {
		m.state.store(StateStopping)
		m.teardownLocked()
		return nil
	}

	m.slots.out[0].start(m.runCtx, m.logger)

	m.state.store(StateRelaying)
	return nil
}

// connectWithRetry loops Connect while it reports ErrConnectTimeout and the
// state is still Setup (spec.md §4.5 steps 2 and 9).
func (m *RelayManager) connectWithRetry(ctx context.Context, p Proxy, device *usbdesc.Device) error {
	for {
		err := p.Connect(ctx, device)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConnectTimeout) {
			return err
		}
		if m.state.load() != StateSetup {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func firstConfiguration(d *usbdesc.Device) *usbdesc.Configuration {
	if d == nil || len(d.Configurations) == 0 {
		return nil
	}
	return d.Configurations[0]
}

// setConfigObserver is the ControlObserver bound to the EP0 writer; it is
// invoked on the EP0 writer's own goroutine whenever a SET_CONFIGURATION
// control transfer succeeds (spec.md §4.3/§4.8). It must be safe to spawn
// further worker goroutines from here.
func (m *RelayManager) setConfigObserver(request, reply Packet) {
	cfgValue, ok := decodeSetConfiguration(request, reply)
	if !ok {
		return
	}
	m.setConfig(cfgValue)
}

// decodeSetConfiguration inspects a control request's SETUP stage for
// bRequest == SET_CONFIGURATION (0x09) with a successful (non-stalled)
// reply, returning the requested configuration value.
func decodeSetConfiguration(request, reply Packet) (uint8, bool) {
	const setConfigurationRequest = 0x09
	if len(request.Setup) < 8 {
		return 0, false
	}
	if request.Setup[1] != setConfigurationRequest {
		return 0, false
	}
	if len(reply.Payload) > 0 && reply.Payload[0] == 0x01 {
		// Convention: a single 0x01 status byte marks a STALL; anything
		// else (including an empty status stage) is success.
		return 0, false
	}
	return request.Setup[2], true
}

// setConfig updates the Device's active configuration and triggers
// data-endpoint bring-up (spec.md §4.8). Runs on the EP0 writer's
// goroutine.
func (m *RelayManager) setConfig(cfgValue uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.device == nil || m.state.load() != StateRelaying {
		return
	}
	idx := -1
	for i, cfg := range m.device.Configurations {
		if cfg.BConfigurationValue == cfgValue {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.logger.Warn("setConfig: unknown configuration value", "value", cfgValue)
		return
	}
	m.device.ActiveConfigurationIndex = idx
	cfg := m.device.Configurations[idx]

	highSpeed := m.device.HighSpeed
	var otherSpeed *usbdesc.Configuration
	if m.device.Qualifier != nil {
		otherSpeed = m.device.Qualifier.OtherSpeedConfiguration
	}

	if err := m.deviceProxy.SetConfig(cfg, otherSpeed, highSpeed); err != nil {
		m.logger.Error("setConfig: device proxy rejected configuration", "error", err)
		return
	}
	if err := m.hostProxy.SetConfig(cfg, otherSpeed, highSpeed); err != nil {
		m.logger.Error("setConfig: host proxy rejected configuration", "error", err)
		return
	}

	m.startDataRelaying(cfg)
}

// startDataRelaying builds reader/writer pairs for every non-isochronous
// endpoint of each interface's active alternate setting in cfg and spawns
// their goroutines (spec.md §4.6). Other alternate settings are not
// enumerated; an interface with no active alternate setting is skipped.
func (m *RelayManager) startDataRelaying(cfg *usbdesc.Configuration) {
	for _, iface := range cfg.Interfaces {
		alt := iface.Active()
		if alt == nil {
			continue
		}
		for _, ep := range alt.Endpoints {
			if ep.IsIsochronous() {
				m.logger.Warn("data bring-up: skipping isochronous endpoint", "address", fmt.Sprintf("0x%02x", ep.BEndpointAddress))
				continue
			}
			if err := m.deviceProxy.SetEndpointInterface(ep.BEndpointAddress, iface.Number); err != nil {
				m.logger.Warn("data bring-up: set_endpoint_interface failed", "endpoint", ep.BEndpointAddress, "error", err)
			}

			dir := ep.Direction()
			idx := ep.Index()
			table := &m.slots.out
			if dir == usbdesc.DirectionIn {
				table = &m.slots.in
			}
			if idx == 0 {
				continue // EP0 stays owned by control bring-up
			}

			q := NewPacketQueue(64)
			s := &slot{endpoint: ep, queue: q}

			boundFilters := m.bindFiltersFor(cfg, alt, ep)
			if dir == usbdesc.DirectionIn {
				s.reader = NewRelayReader(m.deviceProxy, ep.BEndpointAddress, q, m.logger)
				s.writer = NewRelayWriter(m.hostProxy, ep.BEndpointAddress, q, boundFilters, m.logger)
			} else {
				s.reader = NewRelayReader(m.hostProxy, ep.BEndpointAddress, q, m.logger)
				s.writer = NewRelayWriter(m.deviceProxy, ep.BEndpointAddress, q, boundFilters, m.logger)
			}
			s.boundInjectors = m.bindInjectorsFor(cfg, alt, ep)

			table[idx] = s
		}
	}

	for _, iface := range cfg.Interfaces {
		if err := m.deviceProxy.ClaimInterface(iface.Number); err != nil {
			m.logger.Warn("data bring-up: re-claim interface failed", "interface", iface.Number, "error", err)
		}
	}

	for _, s := range m.slots.out {
		if s != nil && s.reader != nil {
			s.start(m.runCtx, m.logger)
		}
	}
	for _, s := range m.slots.in {
		if s != nil && s.reader != nil {
			s.start(m.runCtx, m.logger)
		}
	}
}

func (m *RelayManager) bindFiltersFor(cfg *usbdesc.Configuration, alt *usbdesc.InterfaceAltSetting, ep *usbdesc.Endpoint) func() []PacketFilter {
	var bound []PacketFilter
	for _, f := range m.filters.snapshot() {
		if filterBinds(f, m.device, cfg, alt, ep) {
			bound = append(bound, f)
		}
	}
	return func() []PacketFilter { return bound }
}

func (m *RelayManager) bindInjectorsFor(cfg *usbdesc.Configuration, alt *usbdesc.InterfaceAltSetting, ep *usbdesc.Endpoint) []Injector {
	var bound []Injector
	for _, inj := range m.injectors.snapshot() {
		if injectorBinds(inj, m.device, cfg, alt, ep) {
			bound = append(bound, inj)
		}
	}
	return bound
}

// StopRelaying requests graceful teardown (spec.md §4.7). Idempotent: a
// no-op unless the manager is in Setup, Relaying, or SetupAbort.
func (m *RelayManager) StopRelaying() {
	switch m.state.load() {
	case StateSetup:
		m.state.compareAndSwap(StateSetup, StateSetupAbort)
		return
	case StateRelaying, StateSetupAbort:
	default:
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.load() != StateRelaying && m.state.load() != StateSetupAbort {
		return
	}
	m.state.store(StateStopping)
	m.teardownLocked()
}

// teardownLocked performs the ordered shutdown of spec.md §4.7. Caller must
// hold m.mu.
func (m *RelayManager) teardownLocked() {
	if m.runCancel != nil {
		m.runCancel()
	}

	for _, s := range m.slots.out {
		if s != nil {
			s.stop()
		}
	}
	for _, s := range m.slots.in {
		if s != nil {
			s.stop()
		}
	}
	for i := range m.slots.out {
		m.slots.out[i] = nil
	}
	for i := range m.slots.in {
		m.slots.in[i] = nil
	}

	if m.device != nil {
		if cfg := m.device.ActiveConfiguration(); cfg != nil {
			for _, iface := range cfg.Interfaces {
				if err := m.deviceProxy.ReleaseInterface(iface.Number); err != nil {
					m.logger.Warn("teardown: release interface failed", "interface", iface.Number, "error", err)
				}
			}
		} else if len(m.device.Configurations) > 0 {
			for _, iface := range m.device.Configurations[0].Interfaces {
				if err := m.deviceProxy.ReleaseInterface(iface.Number); err != nil {
					m.logger.Warn("teardown: release interface failed", "interface", iface.Number, "error", err)
				}
			}
		}
	}

	if err := m.hostProxy.Disconnect(); err != nil {
		m.logger.Warn("teardown: host disconnect failed", "error", err)
	}
	if err := m.deviceProxy.Disconnect(); err != nil {
		m.logger.Warn("teardown: device disconnect failed", "error", err)
	}

	m.device = nil
	m.state.store(StateIdle)
}

// Reset drives the manager from Idle into Reset and back, the explicit
// entry point this repo assigns to the otherwise-unreachable Reset state
// (spec.md §9 open question: "an implementation should either expose an
// explicit reset() entry point ... or remove the state"). It allows a
// batch of registry mutations to run under the Reset precondition without
// requiring a full setup/teardown cycle.
func (m *RelayManager) Reset(ctx context.Context, mutate func()) error {
	if !m.state.compareAndSwap(StateIdle, StateReset) {
		return fmt.Errorf("relay: reset requires Idle, got %s", m.state.load())
	}
	defer m.state.store(StateIdle)
	if mutate != nil {
		mutate()
	}
	return nil
}
