package usbipproxy

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/Alia5/usbrelay/relay"
	"github.com/Alia5/usbrelay/usbdesc"
	"github.com/Alia5/usbrelay/usbip"
	"github.com/stretchr/testify/require"
)

func TestHostProxyHandshakeAndControlTransfer(t *testing.T) {
	hp := NewHostProxy("127.0.0.1:38271", 1, 1, 2*time.Second, newTestLogger(), nil)
	defer hp.Close()

	device := &usbdesc.Device{IDVendor: 0x1234, IDProduct: 0xabcd, BNumConfigurations: 1}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connected := make(chan error, 1)
	go func() { connected <- hp.Connect(ctx, device) }()

	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("tcp", "127.0.0.1:38271")
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NoError(t, err)
	defer conn.Close()

	// OP_REQ_IMPORT "1-1" matching the bus this HostProxy was built with.
	var buf bytes.Buffer
	require.NoError(t, (&usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpReqImport}).Write(&buf))
	var busIDBuf [32]byte
	copy(busIDBuf[:], "1-1")
	buf.Write(busIDBuf[:])
	_, err = conn.Write(buf.Bytes())
	require.NoError(t, err)

	rep, err := usbip.ReadMgmtHeader(conn)
	require.NoError(t, err)
	require.Equal(t, uint32(0), rep.Status)
	_, err = usbip.ReadExportedDeviceImport(conn)
	require.NoError(t, err)

	require.NoError(t, <-connected)

	// A GET_DESCRIPTOR(DEVICE) control transfer on EP0, as a USB-IP client
	// attaching the relayed device would send.
	cmd := usbip.CmdSubmit{
		Basic:             usbip.HeaderBasic{Command: usbip.CmdSubmitCode, Seqnum: 1, Ep: 0, Dir: usbip.DirIn},
		TransferBufferLen: 18,
		Setup:             [8]byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 18, 0x00},
	}
	require.NoError(t, cmd.Write(conn))

	req, err := hp.Read(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, uint8(0), req.Endpoint)
	require.Equal(t, relay.DirectionIn, req.Direction)
	require.Equal(t, cmd.Setup[:], req.Setup)

	require.NoError(t, hp.Write(ctx, 0, relay.Packet{Payload: device.Bytes()}))

	hdr, err := usbip.ReadURBHeader(conn)
	require.NoError(t, err)
	ret := usbip.DecodeRetSubmit(hdr[:])
	require.Equal(t, uint32(1), ret.Basic.Seqnum)

	payload := make([]byte, ret.ActualLength)
	require.NoError(t, usbip.ReadExactly(conn, payload))
	require.Equal(t, device.Bytes(), payload)
}

func TestHostProxyConnectTimeout(t *testing.T) {
	hp := NewHostProxy("127.0.0.1:38272", 1, 1, 10*time.Millisecond, newTestLogger(), nil)
	defer hp.Close()

	err := hp.Connect(context.Background(), &usbdesc.Device{})
	require.ErrorIs(t, err, relay.ErrConnectTimeout)
}
