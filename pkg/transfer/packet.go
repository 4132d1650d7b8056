package transfer

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
)

// Request type ids are shared with the firmware and cannot change.
// Firmware --> SBC
type FirmwareRequest uint16

const (
	FwRequestResendPacket     FirmwareRequest = 0
	FwRequestObjectModel      FirmwareRequest = 1
	FwRequestCodeReply        FirmwareRequest = 2
	FwRequestMacroRequest     FirmwareRequest = 3
	FwRequestAbortFile        FirmwareRequest = 4
	FwRequestStackEvent       FirmwareRequest = 5
	FwRequestPrintPaused      FirmwareRequest = 6
	FwRequestMessage          FirmwareRequest = 7
	FwRequestEvaluationResult FirmwareRequest = 8
	FwRequestCodeBufferUpdate FirmwareRequest = 9
)

var fwRequestNames = map[FirmwareRequest]string{
	FwRequestResendPacket:     "ResendPacket",
	FwRequestObjectModel:      "ObjectModel",
	FwRequestCodeReply:        "CodeReply",
	FwRequestMacroRequest:     "MacroRequest",
	FwRequestAbortFile:        "AbortFile",
	FwRequestStackEvent:       "StackEvent",
	FwRequestPrintPaused:      "PrintPaused",
	FwRequestMessage:          "Message",
	FwRequestEvaluationResult: "EvaluationResult",
	FwRequestCodeBufferUpdate: "CodeBufferUpdate",
}

func (req FirmwareRequest) String() string {
	name, ok := fwRequestNames[req]
	if !ok {
		return fmt.Sprintf("Unknown(%d)", uint16(req))
	}
	return name
}

// SBC --> Firmware
type SbcRequest uint16

const (
	SbcRequestEmergencyStop      SbcRequest = 0
	SbcRequestReset              SbcRequest = 1
	SbcRequestCode               SbcRequest = 2
	SbcRequestGetObjectModel     SbcRequest = 3
	SbcRequestSetObjectModel     SbcRequest = 4
	SbcRequestPrintStarted       SbcRequest = 5
	SbcRequestPrintStopped       SbcRequest = 6
	SbcRequestMacroCompleted     SbcRequest = 7
	SbcRequestMessage            SbcRequest = 8
	SbcRequestInvalidateChannel  SbcRequest = 9
	SbcRequestEvaluateExpression SbcRequest = 10
)

var sbcRequestNames = map[SbcRequest]string{
	SbcRequestEmergencyStop:      "EmergencyStop",
	SbcRequestReset:              "Reset",
	SbcRequestCode:               "Code",
	SbcRequestGetObjectModel:     "GetObjectModel",
	SbcRequestSetObjectModel:     "SetObjectModel",
	SbcRequestPrintStarted:       "PrintStarted",
	SbcRequestPrintStopped:       "PrintStopped",
	SbcRequestMacroCompleted:     "MacroCompleted",
	SbcRequestMessage:            "Message",
	SbcRequestInvalidateChannel:  "InvalidateChannel",
	SbcRequestEvaluateExpression: "EvaluateExpression",
}

func (req SbcRequest) String() string {
	name, ok := sbcRequestNames[req]
	if !ok {
		return fmt.Sprintf("Unknown(%d)", uint16(req))
	}
	return name
}

const PacketHeaderSize = 8

var packetIdCounter uint32

// NextPacketId returns the next outbound packet id. Ids are shared by
// all producers so the resend history can be keyed by id alone. Zero
// is never returned, it marks "no id".
func NextPacketId() uint16 {
	for {
		id := uint16(atomic.AddUint32(&packetIdCounter, 1))
		if id != 0 {
			return id
		}
	}
}

// A Packet is one framed request inside a transfer buffer.
// The header is 8 bytes : requestType, id, length, resendPacketId.
// Bodies are padded to 4 bytes inside the buffer, Length excludes padding.
type Packet struct {
	Type     uint16
	Id       uint16
	ResendId uint16
	Body     []byte
}

// EncodedSize returns the number of buffer bytes the packet occupies,
// header plus padded body.
func (p *Packet) EncodedSize() int {
	return PacketHeaderSize + pad4(len(p.Body))
}

func pad4(length int) int {
	return (length + 3) &^ 3
}

// AppendPacket encodes the packet at the end of buffer
func AppendPacket(buffer []byte, p *Packet) []byte {
	header := make([]byte, PacketHeaderSize)
	binary.LittleEndian.PutUint16(header[0:2], p.Type)
	binary.LittleEndian.PutUint16(header[2:4], p.Id)
	binary.LittleEndian.PutUint16(header[4:6], uint16(len(p.Body)))
	binary.LittleEndian.PutUint16(header[6:8], p.ResendId)
	buffer = append(buffer, header...)
	buffer = append(buffer, p.Body...)
	for i := len(p.Body); i%4 != 0; i++ {
		buffer = append(buffer, 0)
	}
	return buffer
}

// EncodePackets encodes all packets into a single transfer body
func EncodePackets(packets []*Packet) []byte {
	size := 0
	for _, p := range packets {
		size += p.EncodedSize()
	}
	buffer := make([]byte, 0, size)
	for _, p := range packets {
		buffer = AppendPacket(buffer, p)
	}
	return buffer
}

// DecodePackets parses a received transfer body into packets.
// Packet bodies alias the given buffer.
func DecodePackets(buffer []byte) ([]*Packet, error) {
	packets := []*Packet{}
	offset := 0
	for offset < len(buffer) {
		if offset+PacketHeaderSize > len(buffer) {
			return nil, fmt.Errorf("truncated packet header at offset %d", offset)
		}
		p := &Packet{
			Type:     binary.LittleEndian.Uint16(buffer[offset : offset+2]),
			Id:       binary.LittleEndian.Uint16(buffer[offset+2 : offset+4]),
			ResendId: binary.LittleEndian.Uint16(buffer[offset+6 : offset+8]),
		}
		length := int(binary.LittleEndian.Uint16(buffer[offset+4 : offset+6]))
		offset += PacketHeaderSize
		if offset+length > len(buffer) {
			return nil, fmt.Errorf("packet body exceeds buffer, length %d at offset %d", length, offset)
		}
		p.Body = buffer[offset : offset+length]
		offset += pad4(length)
		packets = append(packets, p)
	}
	return packets, nil
}
