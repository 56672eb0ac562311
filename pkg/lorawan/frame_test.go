package lorawan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrameDataUp(t *testing.T) {
	// unconfirmed data up, DevAddr 26011bda, FCnt 1
	data := []byte{0x40, 0xda, 0x1b, 0x01, 0x26, 0x00, 0x01, 0x00, 0x01, 0xaa, 0x01, 0x02, 0x03, 0x04}

	f, err := ParseFrame(data)
	require.NoError(t, err)
	assert.Equal(t, UnconfirmedDataUp, f.MHDR.MType)
	assert.Equal(t, LoRaWAN1_0, f.MHDR.Major)
	assert.Equal(t, "26011bda", f.DevAddr.String())
	assert.Equal(t, uint16(1), f.FCnt)
}

func TestParseFrameJoinRequest(t *testing.T) {
	data := make([]byte, 23)
	data[0] = 0x00

	f, err := ParseFrame(data)
	require.NoError(t, err)
	assert.Equal(t, JoinRequest, f.MHDR.MType)
	assert.Equal(t, DevAddr{}, f.DevAddr)
}

func TestParseFrameShort(t *testing.T) {
	_, err := ParseFrame(nil)
	assert.ErrorIs(t, err, ErrShortFrame)

	_, err = ParseFrame([]byte{0x80, 0x01, 0x02})
	assert.ErrorIs(t, err, ErrShortFrame)
}

func TestEUI64Text(t *testing.T) {
	var e EUI64
	require.NoError(t, e.UnmarshalText([]byte("b8:27:eb:ff:fe:12:34:56")))
	assert.Equal(t, "b827ebfffe123456", e.String())
	assert.False(t, e.IsZero())

	assert.Error(t, e.UnmarshalText([]byte("0102")))
	assert.Error(t, e.UnmarshalText([]byte("zz27ebfffe123456")))
}

func TestRegionConfiguration(t *testing.T) {
	eu, err := GetRegionConfiguration("EU868")
	require.NoError(t, err)
	assert.Len(t, eu.DefaultChannels, 10)
	assert.True(t, eu.ValidFrequency(868100000))
	assert.False(t, eu.ValidFrequency(915000000))

	dr, err := eu.DataRate(eu.DefaultDR)
	require.NoError(t, err)
	assert.Equal(t, DataRate{SpreadFactor: 7, Bandwidth: 125}, dr)

	us, err := GetRegionConfiguration("US915")
	require.NoError(t, err)
	require.Len(t, us.DefaultChannels, 8)
	assert.Equal(t, uint32(905300000), us.DefaultChannels[7].Frequency)

	cn, err := GetRegionConfiguration("CN470")
	require.NoError(t, err)
	assert.Equal(t, uint32(470300000), cn.DefaultChannels[0].Frequency)

	_, err = GetRegionConfiguration("AS923")
	assert.Error(t, err)
}
