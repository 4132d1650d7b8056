package virtual

import (
	"encoding/binary"

	"github.com/samsamfire/goduet/pkg/codes"
	"github.com/samsamfire/goduet/pkg/transfer"
)

// Builders for the firmware side of the wire protocol, mirroring the
// body layouts the router expects. Used by the simulator and tests.

func CodeReplyPacket(ch codes.Channel, id uint16, msgType codes.MessageType, content string, push bool) *transfer.Packet {
	body := make([]byte, 8, 8+len(content))
	body[0] = byte(ch)
	if push {
		body[1] = 1
	}
	body[2] = byte(msgType)
	binary.LittleEndian.PutUint16(body[4:6], id)
	body = append(body, content...)
	return &transfer.Packet{Type: uint16(transfer.FwRequestCodeReply), Body: body}
}

func ObjectModelPacket(path string, payload []byte) *transfer.Packet {
	body := make([]byte, 4, 4+len(path)+len(payload))
	binary.LittleEndian.PutUint16(body[0:2], uint16(len(path)))
	binary.LittleEndian.PutUint16(body[2:4], uint16(len(payload)))
	body = append(body, path...)
	body = append(body, payload...)
	return &transfer.Packet{Type: uint16(transfer.FwRequestObjectModel), Body: body}
}

func MacroRequestPacket(ch codes.Channel, filename string, reportMissing bool, startCodeId uint16) *transfer.Packet {
	body := make([]byte, 4, 4+len(filename))
	body[0] = byte(ch)
	if reportMissing {
		body[1] = 1
	}
	binary.LittleEndian.PutUint16(body[2:4], startCodeId)
	body = append(body, filename...)
	return &transfer.Packet{Type: uint16(transfer.FwRequestMacroRequest), Body: body}
}

func AbortFilePacket(ch codes.Channel, abortAll bool) *transfer.Packet {
	body := make([]byte, 2)
	body[0] = byte(ch)
	if abortAll {
		body[1] = 1
	}
	return &transfer.Packet{Type: uint16(transfer.FwRequestAbortFile), Body: body}
}

func StackEventPacket(ch codes.Channel, depth uint8, flags uint16) *transfer.Packet {
	body := make([]byte, 4)
	body[0] = byte(ch)
	body[1] = depth
	binary.LittleEndian.PutUint16(body[2:4], flags)
	return &transfer.Packet{Type: uint16(transfer.FwRequestStackEvent), Body: body}
}

func PrintPausedPacket(position uint32, reason uint8) *transfer.Packet {
	body := make([]byte, 8)
	binary.LittleEndian.PutUint32(body[0:4], position)
	body[4] = reason
	return &transfer.Packet{Type: uint16(transfer.FwRequestPrintPaused), Body: body}
}

func MessagePacket(msgType codes.MessageType, content string) *transfer.Packet {
	body := make([]byte, 4, 4+len(content))
	body[0] = byte(msgType)
	body = append(body, content...)
	return &transfer.Packet{Type: uint16(transfer.FwRequestMessage), Body: body}
}

func EvaluationResultPacket(ch codes.Channel, id uint16, success bool, content string) *transfer.Packet {
	body := make([]byte, 4, 4+len(content))
	body[0] = byte(ch)
	if success {
		body[1] = 1
	}
	binary.LittleEndian.PutUint16(body[2:4], id)
	body = append(body, content...)
	return &transfer.Packet{Type: uint16(transfer.FwRequestEvaluationResult), Body: body}
}

func CodeBufferUpdatePacket(ch codes.Channel, bufferSpace uint16) *transfer.Packet {
	body := make([]byte, 4)
	body[0] = byte(ch)
	binary.LittleEndian.PutUint16(body[2:4], bufferSpace)
	return &transfer.Packet{Type: uint16(transfer.FwRequestCodeBufferUpdate), Body: body}
}

func ResendRequestPacket(missingId uint16) *transfer.Packet {
	return &transfer.Packet{Type: uint16(transfer.FwRequestResendPacket), ResendId: missingId}
}
