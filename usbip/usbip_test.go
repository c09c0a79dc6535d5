package usbip_test

import (
	"bytes"
	"testing"

	"github.com/Alia5/usbrelay/usbip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMgmtHeaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpReqImport, Status: 0}
	require.NoError(t, want.Write(&buf))

	got, err := usbip.ReadMgmtHeader(&buf)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestCmdSubmitRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	cmd := usbip.CmdSubmit{
		Basic: usbip.HeaderBasic{
			Command: usbip.CmdSubmitCode,
			Seqnum:  7,
			Devid:   1,
			Dir:     usbip.DirIn,
			Ep:      1,
		},
		TransferBufferLen: 64,
		Setup:             [8]byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00},
	}
	require.NoError(t, cmd.Write(&buf))

	hdr, err := usbip.ReadURBHeader(&buf)
	require.NoError(t, err)

	got := usbip.DecodeCmdSubmit(hdr[:])
	assert.Equal(t, cmd.Basic.Seqnum, got.Basic.Seqnum)
	assert.Equal(t, cmd.Basic.Dir, got.Basic.Dir)
	assert.Equal(t, cmd.Basic.Ep, got.Basic.Ep)
	assert.Equal(t, cmd.TransferBufferLen, got.TransferBufferLen)
	assert.Equal(t, cmd.Setup, got.Setup)
}

func TestCmdUnlinkRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	cmd := usbip.CmdUnlink{
		Basic:        usbip.HeaderBasic{Command: usbip.CmdUnlinkCode, Seqnum: 3},
		UnlinkSeqnum: 2,
	}
	require.NoError(t, cmd.Write(&buf))

	hdr, err := usbip.ReadURBHeader(&buf)
	require.NoError(t, err)

	got := usbip.DecodeCmdUnlink(hdr[:])
	assert.Equal(t, cmd.Basic.Seqnum, got.Basic.Seqnum)
	assert.Equal(t, cmd.UnlinkSeqnum, got.UnlinkSeqnum)
}

func TestRetSubmitRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	ret := usbip.RetSubmit{
		Basic:        usbip.HeaderBasic{Command: usbip.RetSubmitCode, Seqnum: 9},
		Status:       -1,
		ActualLength: 18,
	}
	require.NoError(t, ret.Write(&buf))

	hdr, err := usbip.ReadURBHeader(&buf)
	require.NoError(t, err)

	got := usbip.DecodeRetSubmit(hdr[:])
	assert.Equal(t, ret.Basic.Seqnum, got.Basic.Seqnum)
	assert.Equal(t, ret.Status, got.Status)
	assert.Equal(t, ret.ActualLength, got.ActualLength)
}

func TestExportedDeviceImportRoundTrip(t *testing.T) {
	var meta usbip.ExportMeta
	copy(meta.USBBusId[:], "1-1")
	meta.BusId = 1
	meta.DevId = 1

	exp := usbip.ExportedDevice{
		ExportMeta:          meta,
		Speed:               2,
		IDVendor:            0x1234,
		IDProduct:           0xabcd,
		BConfigurationValue: 1,
		BNumConfigurations:  1,
		BNumInterfaces:      2,
	}

	var buf bytes.Buffer
	require.NoError(t, exp.WriteImport(&buf))

	got, err := usbip.ReadExportedDeviceImport(&buf)
	require.NoError(t, err)
	assert.Equal(t, exp.IDVendor, got.IDVendor)
	assert.Equal(t, exp.IDProduct, got.IDProduct)
	assert.Equal(t, exp.BNumInterfaces, got.BNumInterfaces)
	assert.Equal(t, "1-1", string(bytes.TrimRight(got.USBBusId[:], "\x00")))
}
