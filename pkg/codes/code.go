package codes

import (
	"fmt"
	"strconv"
	"strings"
)

// CodeType discriminates what kind of command a Code holds
type CodeType byte

const (
	CodeTypeGCode   CodeType = 'G'
	CodeTypeMCode   CodeType = 'M'
	CodeTypeTCode   CodeType = 'T'
	CodeTypeComment CodeType = 'C'
	CodeTypeEmpty   CodeType = 'E'
)

// NoPosition marks a code that did not come from a job file
const NoPosition int64 = -1

// A Parameter is one letter/value pair of a code.
// The value is kept in its textual form, typed access is lazy.
type Parameter struct {
	Letter byte
	Value  string
	// Value was quoted in the source, always a string
	IsString bool
}

func (p Parameter) AsInt() (int32, error) {
	v, err := strconv.ParseInt(p.Value, 10, 32)
	return int32(v), err
}

func (p Parameter) AsFloat() (float32, error) {
	v, err := strconv.ParseFloat(p.Value, 32)
	return float32(v), err
}

func (p Parameter) String() string {
	if p.IsString {
		return fmt.Sprintf("%c%q", p.Letter, p.Value)
	}
	return fmt.Sprintf("%c%s", p.Letter, p.Value)
}

// A Code is a single G/M/T command unit. Once handed to a channel
// processor a code is immutable until its completion is signalled.
type Code struct {
	Channel     Channel
	Type        CodeType
	MajorNumber int32 // -1 when absent
	MinorNumber int8  // -1 when absent
	Parameters  []Parameter
	Comment     string
	// Byte offset in the source file, NoPosition for macro codes and
	// simple codes
	FilePosition int64
	// Length in bytes of the source line including terminator
	Length int64
}

// Parameter returns the parameter with the given letter or nil
func (c *Code) Parameter(letter byte) *Parameter {
	for i := range c.Parameters {
		if c.Parameters[i].Letter == letter {
			return &c.Parameters[i]
		}
	}
	return nil
}

func (c *Code) String() string {
	switch c.Type {
	case CodeTypeComment:
		return ";" + c.Comment
	case CodeTypeEmpty:
		return ""
	}
	parts := []string{}
	if c.MinorNumber >= 0 {
		parts = append(parts, fmt.Sprintf("%c%d.%d", byte(c.Type), c.MajorNumber, c.MinorNumber))
	} else if c.MajorNumber >= 0 {
		parts = append(parts, fmt.Sprintf("%c%d", byte(c.Type), c.MajorNumber))
	}
	for _, p := range c.Parameters {
		parts = append(parts, p.String())
	}
	return strings.Join(parts, " ")
}

// Is reports whether the code is the given major command, e.g. Is('M', 98)
func (c *Code) Is(letter byte, major int32) bool {
	return byte(c.Type) == letter && c.MajorNumber == major
}
