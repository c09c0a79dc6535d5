package usbdesc_test

import (
	"testing"

	"github.com/Alia5/usbrelay/usbdesc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDevice(t *testing.T) {
	d := &usbdesc.Device{
		BcdUSB:             0x0200,
		BDeviceClass:       0x00,
		BMaxPacketSize0:    64,
		IDVendor:           0x1234,
		IDProduct:          0xabcd,
		BcdDevice:          0x0100,
		IManufacturer:      1,
		IProduct:           2,
		ISerialNumber:      3,
		BNumConfigurations: 1,
	}

	got, err := usbdesc.ParseDevice(d.Bytes())
	require.NoError(t, err)
	assert.Equal(t, d.BcdUSB, got.BcdUSB)
	assert.Equal(t, d.IDVendor, got.IDVendor)
	assert.Equal(t, d.IDProduct, got.IDProduct)
	assert.Equal(t, d.BMaxPacketSize0, got.BMaxPacketSize0)
	assert.Equal(t, d.IManufacturer, got.IManufacturer)
	assert.Equal(t, -1, got.ActiveConfigurationIndex)
	assert.Nil(t, got.Configurations)
}

func TestParseDeviceTooShort(t *testing.T) {
	_, err := usbdesc.ParseDevice([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestParseDeviceWrongType(t *testing.T) {
	b := (&usbdesc.Device{}).Bytes()
	b[1] = usbdesc.ConfigDescType
	_, err := usbdesc.ParseDevice(b)
	assert.Error(t, err)
}

func TestParseConfigurationMultiInterfaceAndEndpoints(t *testing.T) {
	cfg := &usbdesc.Configuration{
		BConfigurationValue: 1,
		BMAttributes:        0x80,
		BMaxPower:            50,
		Interfaces: []*usbdesc.Interface{
			{
				Number: 0,
				Alternates: []*usbdesc.InterfaceAltSetting{
					{
						BInterfaceClass: 0x03,
						Endpoints: []*usbdesc.Endpoint{
							{BEndpointAddress: 0x81, BmAttributes: uint8(usbdesc.TransferInterrupt), WMaxPacketSize: 8, BInterval: 10},
						},
					},
				},
			},
			{
				Number: 1,
				Alternates: []*usbdesc.InterfaceAltSetting{
					{BInterfaceClass: 0x08, BAlternateSetting: 0},
					{
						BInterfaceClass:   0x08,
						BAlternateSetting: 1,
						Endpoints: []*usbdesc.Endpoint{
							{BEndpointAddress: 0x02, BmAttributes: uint8(usbdesc.TransferBulk), WMaxPacketSize: 512},
							{BEndpointAddress: 0x83, BmAttributes: uint8(usbdesc.TransferBulk), WMaxPacketSize: 512},
						},
					},
				},
			},
		},
	}

	got, err := usbdesc.ParseConfiguration(usbdesc.ConfigurationBytes(cfg))
	require.NoError(t, err)
	assert.Equal(t, cfg.BConfigurationValue, got.BConfigurationValue)
	assert.Equal(t, cfg.BMAttributes, got.BMAttributes)
	require.Len(t, got.Interfaces, 2)

	iface0 := got.InterfaceAt(0)
	require.NotNil(t, iface0)
	require.Len(t, iface0.Alternates, 1)
	require.Len(t, iface0.Alternates[0].Endpoints, 1)
	assert.Equal(t, uint8(0x81), iface0.Alternates[0].Endpoints[0].BEndpointAddress)

	iface1 := got.InterfaceAt(1)
	require.NotNil(t, iface1)
	require.Len(t, iface1.Alternates, 2)
	assert.Empty(t, iface1.Alternates[0].Endpoints)
	require.Len(t, iface1.Alternates[1].Endpoints, 2)
	assert.Equal(t, uint8(0x02), iface1.Alternates[1].Endpoints[0].BEndpointAddress)
	assert.Equal(t, uint8(0x83), iface1.Alternates[1].Endpoints[1].BEndpointAddress)
}

func TestParseConfigurationInvalidHeader(t *testing.T) {
	_, err := usbdesc.ParseConfiguration([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestParseDeviceQualifier(t *testing.T) {
	q := &usbdesc.DeviceQualifier{BcdUSB: 0x0200, BDeviceClass: 0xff, BMaxPacketSize0: 64, BNumConfigurations: 1}
	got, err := usbdesc.ParseDeviceQualifier(q.Bytes())
	require.NoError(t, err)
	assert.Equal(t, q.BcdUSB, got.BcdUSB)
	assert.Equal(t, q.BDeviceClass, got.BDeviceClass)
	assert.Equal(t, q.BNumConfigurations, got.BNumConfigurations)
}
