package codes

import "strings"

// MessageType is the severity of one firmware message
type MessageType uint8

const (
	Info    MessageType = 0
	Warning MessageType = 1
	Error   MessageType = 2
)

func (mt MessageType) String() string {
	switch mt {
	case Warning:
		return "warning"
	case Error:
		return "error"
	default:
		return "info"
	}
}

// Message is one severity tagged line of firmware output
type Message struct {
	Type    MessageType
	Content string
}

func (m Message) String() string {
	switch m.Type {
	case Warning:
		return "Warning: " + m.Content
	case Error:
		return "Error: " + m.Content
	default:
		return m.Content
	}
}

// Result is the ordered firmware output produced for one code.
// An empty result means success without output.
type Result []Message

func (r Result) String() string {
	lines := make([]string, 0, len(r))
	for _, m := range r {
		lines = append(lines, m.String())
	}
	return strings.Join(lines, "\n")
}

// HasError reports whether any message has error severity
func (r Result) HasError() bool {
	for _, m := range r {
		if m.Type == Error {
			return true
		}
	}
	return false
}
