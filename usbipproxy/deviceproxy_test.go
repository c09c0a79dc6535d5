package usbipproxy

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/Alia5/usbrelay/relay"
	"github.com/Alia5/usbrelay/usbdesc"
	"github.com/Alia5/usbrelay/usbip"
	"github.com/stretchr/testify/require"
)

// fakeExporter is a minimal test double standing in for a real device's own
// USB-IP export: it answers one OP_REQ_IMPORT, then serves URB submits off
// a small, test-supplied script.
type fakeExporter struct {
	device *usbdesc.Device
	config *usbdesc.Configuration
}

func (f *fakeExporter) serve(t *testing.T, conn net.Conn) {
	t.Helper()

	var busIDBuf [32]byte
	hdr, err := usbip.ReadMgmtHeader(conn)
	require.NoError(t, err)
	require.Equal(t, usbip.OpReqImport, int(hdr.Command))
	require.NoError(t, usbip.ReadExactly(conn, busIDBuf[:]))

	rep := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpRepImport}
	require.NoError(t, rep.Write(conn))
	exp := usbip.ExportedDevice{BNumInterfaces: 1}
	require.NoError(t, exp.WriteImport(conn))

	for {
		hdrBuf, err := usbip.ReadURBHeader(conn)
		if err != nil {
			return
		}
		cmd := usbip.DecodeCmdSubmit(hdrBuf[:])

		var out []byte
		if cmd.Basic.Dir == usbip.DirOut && cmd.TransferBufferLen > 0 {
			out = make([]byte, cmd.TransferBufferLen)
			require.NoError(t, usbip.ReadExactly(conn, out))
		}

		reply, status := f.handle(cmd, out)
		ret := usbip.RetSubmit{
			Basic:        usbip.HeaderBasic{Command: usbip.RetSubmitCode, Seqnum: cmd.Basic.Seqnum},
			Status:       status,
			ActualLength: uint32(len(reply)),
		}
		require.NoError(t, ret.Write(conn))
		if len(reply) > 0 {
			_, err := conn.Write(reply)
			require.NoError(t, err)
		}
	}
}

// handle answers GET_DESCRIPTOR(DEVICE)/GET_DESCRIPTOR(CONFIGURATION) for
// EP0 and echoes a fixed payload for a data IN endpoint read. This fake
// models a full-speed-only device: it STALLs GET_DESCRIPTOR(DEVICE_QUALIFIER)
// and GET_DESCRIPTOR(OTHER_SPEED_CONFIGURATION), as a real device without
// dual-speed support would.
func (f *fakeExporter) handle(cmd usbip.CmdSubmit, out []byte) ([]byte, int32) {
	if cmd.Basic.Ep == 0 {
		descType := cmd.Setup[3]
		length := int(cmd.Setup[6]) | int(cmd.Setup[7])<<8
		switch descType {
		case descTypeDevice:
			b := f.device.Bytes()
			if length < len(b) {
				b = b[:length]
			}
			return b, 0
		case descTypeConfiguration:
			b := usbdesc.ConfigurationBytes(f.config)
			if length < len(b) {
				b = b[:length]
			}
			return b, 0
		case descTypeDeviceQualifier, descTypeOtherSpeedCfg:
			return nil, -1
		}
		return nil, 0
	}
	if cmd.Basic.Dir == usbip.DirIn {
		return []byte{0xAA, 0xBB, 0xCC}, 0
	}
	return nil, 0
}

func testDevice() (*usbdesc.Device, *usbdesc.Configuration) {
	cfg := &usbdesc.Configuration{
		BConfigurationValue: 1,
		Interfaces: []*usbdesc.Interface{
			{
				Number: 0,
				Alternates: []*usbdesc.InterfaceAltSetting{
					{
						Endpoints: []*usbdesc.Endpoint{
							{BEndpointAddress: 0x81, BmAttributes: uint8(usbdesc.TransferInterrupt), WMaxPacketSize: 8},
						},
					},
				},
			},
		},
	}
	device := &usbdesc.Device{
		BMaxPacketSize0:    64,
		IDVendor:           0x1234,
		IDProduct:          0xabcd,
		BNumConfigurations: 1,
	}
	return device, cfg
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDeviceProxyDescribeAndDataRead(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	device, cfg := testDevice()
	exporter := &fakeExporter{device: device, config: cfg}

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		exporter.serve(t, conn)
	}()

	dp := NewDeviceProxy(ln.Addr().String(), "1-1", 2*time.Second, newTestLogger(), nil)
	ctx := context.Background()
	require.NoError(t, dp.Connect(ctx, nil))
	defer dp.Disconnect()

	got, err := dp.Describe(ctx)
	require.NoError(t, err)
	require.Equal(t, device.IDVendor, got.IDVendor)
	require.Equal(t, device.IDProduct, got.IDProduct)
	require.Len(t, got.Configurations, 1)
	require.Len(t, got.Configurations[0].Interfaces, 1)
	require.Nil(t, got.Qualifier, "fake exporter stalls DEVICE_QUALIFIER, so a full-speed-only device reports none")

	pkt, err := dp.Read(ctx, 0x81)
	require.NoError(t, err)
	require.Equal(t, []byte{0xAA, 0xBB, 0xCC}, pkt.Payload)
	require.Equal(t, relay.DirectionIn, pkt.Direction)
}

func TestDeviceProxyConnectFailsWithoutExporter(t *testing.T) {
	dp := NewDeviceProxy("127.0.0.1:1", "1-1", 10*time.Millisecond, newTestLogger(), nil)
	err := dp.Connect(context.Background(), nil)
	require.Error(t, err)
}
