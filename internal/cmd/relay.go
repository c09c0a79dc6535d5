package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/Alia5/usbrelay/internal/configpaths"
	"github.com/Alia5/usbrelay/internal/control"
	"github.com/Alia5/usbrelay/internal/log"
	"github.com/Alia5/usbrelay/relay"
	"github.com/Alia5/usbrelay/usbipproxy"
)

const keyFileName = "usbrelay.control-key.txt"

// Relay runs the relay core end to end: it brings up a HostProxy (serving
// USB-IP upstream) and a DeviceProxy (dialing the real device's own
// export), drives a RelayManager between them, and exposes stop/reset over
// an authenticated control channel (SPEC_FULL.md §4.11).
type Relay struct {
	HostListenAddr string `help:"USB-IP exporter listen address presented to the upstream host" default:":3240" env:"USBRELAY_HOST_ADDR"`
	DeviceAddr     string `help:"USB-IP exporter address of the real device being relayed" required:"" env:"USBRELAY_DEVICE_ADDR"`
	BusID          uint32 `help:"Synthetic USB-IP bus id presented upstream" default:"1" env:"USBRELAY_BUS_ID"`
	DevID          uint32 `help:"Synthetic USB-IP device id presented upstream" default:"1" env:"USBRELAY_DEV_ID"`
	DeviceBusID    string `help:"busid requested from the real device's own USB-IP export (e.g. 1-1)" required:"" env:"USBRELAY_DEVICE_BUSID"`

	ConnectTimeout time.Duration `help:"Connect/accept retry timeout" default:"5s" env:"USBRELAY_CONNECT_TIMEOUT"`

	ControlAddr string `help:"Authenticated control channel listen address ('unix:/path' or host:port)" default:":3243" env:"USBRELAY_CONTROL_ADDR"`
}

// Run is called by Kong when the relay command is executed.
func (r *Relay) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return r.start(ctx, logger, rawLogger)
}

func (r *Relay) start(ctx context.Context, logger *slog.Logger, rawLogger log.RawLogger) error {
	logger.Info("starting usbrelay",
		"hostListenAddr", r.HostListenAddr, "deviceAddr", r.DeviceAddr, "deviceBusId", r.DeviceBusID)

	controlKey, err := r.loadOrGenerateControlKey(logger)
	if err != nil {
		return fmt.Errorf("failed to set up control channel key: %w", err)
	}

	hostProxy := usbipproxy.NewHostProxy(r.HostListenAddr, r.BusID, r.DevID, r.ConnectTimeout, logger, rawLogger)
	defer hostProxy.Close()
	deviceProxy := usbipproxy.NewDeviceProxy(r.DeviceAddr, r.DeviceBusID, r.ConnectTimeout, logger, rawLogger)

	manager := relay.NewRelayManager(deviceProxy, hostProxy, logger)

	controlSrv := control.New(control.ServerConfig{Addr: r.ControlAddr, SessionKey: controlKey}, manager, logger)
	controlErrCh := make(chan error, 1)
	go func() { controlErrCh <- controlSrv.ListenAndServe(ctx) }()

	select {
	case err := <-controlErrCh:
		return err
	case <-controlSrv.Ready():
	}
	defer controlSrv.Close()

	relayErrCh := make(chan error, 1)
	go func() { relayErrCh <- r.runRelayLoop(ctx, manager, logger) }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down usbrelay")
		manager.StopRelaying()
		_ = <-relayErrCh
		return nil
	case err := <-relayErrCh:
		return err
	case err := <-controlErrCh:
		return err
	}
}

// runRelayLoop brings up one relay episode after another. StartControlRelaying
// only blocks for the linear control bring-up (spec.md §4.5); once it
// returns, the manager's worker goroutines run the rest of the episode on
// their own, so the loop polls back to Idle before starting the next one —
// there is no richer completion signal to wait on than the state machine
// itself (spec.md §3).
func (r *Relay) runRelayLoop(ctx context.Context, manager *relay.RelayManager, logger *slog.Logger) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := manager.StartControlRelaying(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("control bring-up failed", "error", err)
			return err
		}
		logger.Info("relay episode running")
		if !waitForIdle(ctx, manager) {
			return nil
		}
		logger.Info("relay episode ended, returning to idle")
	}
}

// waitForIdle polls until the manager returns to StateIdle or ctx is
// cancelled, reporting which happened first.
func waitForIdle(ctx context.Context, manager *relay.RelayManager) bool {
	const pollInterval = 50 * time.Millisecond
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if manager.State() == relay.StateIdle {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// loadOrGenerateControlKey reuses a previously generated control
// passphrase across restarts, or mints and persists a new one — the same
// first-run-password pattern the teacher's StartServer uses for its API
// server, generalized to this repo's control channel.
func (r *Relay) loadOrGenerateControlKey(logger *slog.Logger) ([]byte, error) {
	keyDir, err := configpaths.DefaultConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve key file path: %w", err)
	}
	keyFilePath := path.Join(keyDir, keyFileName)

	var passphrase string
	if pwd, err := os.ReadFile(keyFilePath); err == nil {
		passphrase = strings.TrimSpace(string(pwd))
	} else {
		passphrase, err = control.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate control key: %w", err)
		}
		if err := os.MkdirAll(keyDir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create config dir for key file: %w", err)
		}
		if err := os.WriteFile(keyFilePath, []byte(passphrase), 0o600); err != nil {
			return nil, fmt.Errorf("failed to write control key file: %w", err)
		}
		logger.Info("generated control channel key", "path", keyFilePath)
	}
	return control.DeriveKey(passphrase)
}
