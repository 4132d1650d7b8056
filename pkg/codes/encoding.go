package codes

import (
	"encoding/binary"
	"fmt"
)

// Binary code layout used inside Code request packets, little endian :
//
//	u8  channel
//	u8  code type
//	i32 major number (-1 when absent)
//	i8  minor number (-1 when absent)
//	u8  parameter count
//	per parameter :
//	  u8  letter
//	  u8  flags (bit0 string)
//	  u16 value length
//	  value bytes, padded to 4
//	comment codes carry the comment as a single trailing string
const codeFixedSize = 8

// EncodedSize returns the wire size of the code body
func (c *Code) EncodedSize() int {
	size := codeFixedSize
	for _, p := range c.Parameters {
		size += 4 + pad4(len(p.Value))
	}
	if c.Type == CodeTypeComment {
		size += 4 + pad4(len(c.Comment))
	}
	return size
}

func pad4(length int) int {
	return (length + 3) &^ 3
}

func appendString(buffer []byte, letter byte, flags byte, value string) []byte {
	buffer = append(buffer, letter, flags)
	buffer = binary.LittleEndian.AppendUint16(buffer, uint16(len(value)))
	buffer = append(buffer, value...)
	for i := len(value); i%4 != 0; i++ {
		buffer = append(buffer, 0)
	}
	return buffer
}

// Encode serializes the code into its wire form
func (c *Code) Encode() []byte {
	buffer := make([]byte, 0, c.EncodedSize())
	buffer = append(buffer, byte(c.Channel), byte(c.Type))
	buffer = binary.LittleEndian.AppendUint32(buffer, uint32(c.MajorNumber))
	paramCount := len(c.Parameters)
	if c.Type == CodeTypeComment {
		paramCount = 1
	}
	buffer = append(buffer, byte(c.MinorNumber), byte(paramCount))
	for _, p := range c.Parameters {
		flags := byte(0)
		if p.IsString {
			flags |= 1
		}
		buffer = appendString(buffer, p.Letter, flags, p.Value)
	}
	if c.Type == CodeTypeComment {
		buffer = appendString(buffer, ';', 1, c.Comment)
	}
	return buffer
}

// Decode parses a wire encoded code body
func Decode(buffer []byte) (*Code, error) {
	if len(buffer) < codeFixedSize {
		return nil, fmt.Errorf("code body too short : %d", len(buffer))
	}
	code := &Code{
		Channel:      Channel(buffer[0]),
		Type:         CodeType(buffer[1]),
		MajorNumber:  int32(binary.LittleEndian.Uint32(buffer[2:6])),
		MinorNumber:  int8(buffer[6]),
		FilePosition: NoPosition,
	}
	paramCount := int(buffer[7])
	offset := codeFixedSize
	for i := 0; i < paramCount; i++ {
		if offset+4 > len(buffer) {
			return nil, fmt.Errorf("truncated parameter %d", i)
		}
		letter := buffer[offset]
		flags := buffer[offset+1]
		length := int(binary.LittleEndian.Uint16(buffer[offset+2 : offset+4]))
		offset += 4
		if offset+length > len(buffer) {
			return nil, fmt.Errorf("truncated parameter value %d", i)
		}
		value := string(buffer[offset : offset+length])
		offset += pad4(length)
		if code.Type == CodeTypeComment {
			code.Comment = value
			continue
		}
		code.Parameters = append(code.Parameters, Parameter{
			Letter:   letter,
			Value:    value,
			IsString: flags&1 != 0,
		})
	}
	return code, nil
}
