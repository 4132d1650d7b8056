package transfer

import (
	"testing"

	"github.com/samsamfire/goduet/internal/crc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketRoundTrip(t *testing.T) {
	packets := []*Packet{
		{Type: uint16(SbcRequestCode), Id: 7, Body: []byte("G1 X10")},
		{Type: uint16(SbcRequestMacroCompleted), Id: 8, Body: []byte{2, 0, 0, 0}},
		{Type: uint16(SbcRequestEmergencyStop), Id: 9},
	}
	buffer := EncodePackets(packets)
	// Bodies are padded to 4 bytes
	assert.Equal(t, 0, len(buffer)%4)

	decoded, err := DecodePackets(buffer)
	require.NoError(t, err)
	require.Len(t, decoded, 3)
	for i, p := range decoded {
		assert.Equal(t, packets[i].Type, p.Type)
		assert.Equal(t, packets[i].Id, p.Id)
		assert.Equal(t, len(packets[i].Body), len(p.Body))
	}
	// Length field excludes padding
	assert.Equal(t, []byte("G1 X10"), decoded[0].Body)
}

func TestPacketTruncated(t *testing.T) {
	buffer := EncodePackets([]*Packet{{Type: 1, Id: 2, Body: []byte("abcdef")}})
	_, err := DecodePackets(buffer[:5])
	assert.Error(t, err)
	_, err = DecodePackets(buffer[:10])
	assert.Error(t, err)
}

func TestTransferHeaderRoundTrip(t *testing.T) {
	header := TransferHeader{
		FormatVersion:   FormatVersion,
		ProtocolVersion: ProtocolVersion,
		SequenceNumber:  42,
		DataLength:      128,
		ChecksumData:    0xBEEF,
	}
	buffer := make([]byte, TransferHeaderSize)
	header.Encode(buffer)

	decoded := DecodeHeader(buffer)
	assert.True(t, decoded.Valid(buffer))
	assert.EqualValues(t, 42, decoded.SequenceNumber)
	assert.EqualValues(t, 128, decoded.DataLength)
	assert.EqualValues(t, 0xBEEF, decoded.ChecksumData)
	assert.Equal(t, crc.Sum(buffer[0:10]), uint16(decoded.ChecksumHeader))
}

func TestTransferHeaderCorruption(t *testing.T) {
	header := TransferHeader{FormatVersion: FormatVersion, DataLength: 4}
	buffer := make([]byte, TransferHeaderSize)
	header.Encode(buffer)

	buffer[6] ^= 0x01
	decoded := DecodeHeader(buffer)
	assert.False(t, decoded.Valid(buffer))

	// Wrong format version fails even with a matching checksum
	other := TransferHeader{FormatVersion: FormatVersion + 1}
	other.Encode(buffer)
	decoded = DecodeHeader(buffer)
	assert.False(t, decoded.Valid(buffer))
}

func TestNextPacketIdSkipsZero(t *testing.T) {
	seen := map[uint16]bool{}
	for i := 0; i < 1000; i++ {
		id := NextPacketId()
		assert.NotZero(t, id)
		assert.False(t, seen[id])
		seen[id] = true
	}
}
