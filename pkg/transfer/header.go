package transfer

import (
	"encoding/binary"

	"github.com/samsamfire/goduet/internal/crc"
)

const (
	FormatVersion   uint16 = 2
	ProtocolVersion uint16 = 1

	TransferHeaderSize = 16
	// Maximum body size per direction for a single transfer
	MaxBodySize = 8192
)

// TransferHeader is exchanged at the start of every cycle, 16 bytes.
// The header checksum covers the first 10 bytes, everything up to the
// checksum field itself. Reserved bytes are always zero.
type TransferHeader struct {
	FormatVersion   uint16
	ProtocolVersion uint16
	SequenceNumber  uint16
	DataLength      uint16
	ChecksumData    uint16
	ChecksumHeader  uint16
}

func (h *TransferHeader) Encode(buffer []byte) {
	binary.LittleEndian.PutUint16(buffer[0:2], h.FormatVersion)
	binary.LittleEndian.PutUint16(buffer[2:4], h.ProtocolVersion)
	binary.LittleEndian.PutUint16(buffer[4:6], h.SequenceNumber)
	binary.LittleEndian.PutUint16(buffer[6:8], h.DataLength)
	binary.LittleEndian.PutUint16(buffer[8:10], h.ChecksumData)
	h.ChecksumHeader = crc.Sum(buffer[0:10])
	binary.LittleEndian.PutUint16(buffer[10:12], h.ChecksumHeader)
	for i := 12; i < TransferHeaderSize; i++ {
		buffer[i] = 0
	}
}

func DecodeHeader(buffer []byte) TransferHeader {
	return TransferHeader{
		FormatVersion:   binary.LittleEndian.Uint16(buffer[0:2]),
		ProtocolVersion: binary.LittleEndian.Uint16(buffer[2:4]),
		SequenceNumber:  binary.LittleEndian.Uint16(buffer[4:6]),
		DataLength:      binary.LittleEndian.Uint16(buffer[6:8]),
		ChecksumData:    binary.LittleEndian.Uint16(buffer[8:10]),
		ChecksumHeader:  binary.LittleEndian.Uint16(buffer[10:12]),
	}
}

// Valid checks format version and header checksum against the raw bytes
func (h *TransferHeader) Valid(buffer []byte) bool {
	if h.FormatVersion != FormatVersion {
		return false
	}
	return crc.Sum(buffer[0:10]) == h.ChecksumHeader
}
