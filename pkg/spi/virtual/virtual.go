package virtual

import (
	"fmt"
	"sync"
	"time"

	"github.com/samsamfire/goduet/internal/crc"
	"github.com/samsamfire/goduet/pkg/spi"
	"github.com/samsamfire/goduet/pkg/transfer"
)

func init() {
	spi.RegisterInterface("virtual", func(device string) (spi.Transceiver, error) {
		return NewVirtualTransceiver(nil), nil
	})
}

// A Handler plays the firmware : it receives the packets the SBC sent
// in a committed cycle and returns packets to send back in following
// cycles. Runs on the transfer engine goroutine.
type Handler func(received []*transfer.Packet) []*transfer.Packet

// VirtualTransceiver emulates the firmware side of the link in memory.
// Used for testing the full stack without hardware, including fault
// injection for CRC and resync paths.
type VirtualTransceiver struct {
	mu      sync.Mutex
	handler Handler
	queue   []*transfer.Packet

	// Transfer phase state
	inBody       bool
	pendingBody  []byte
	pendingCount int
	sequence     uint16
	corrupted    bool

	// Fault injection, decremented as they trigger
	CorruptHeaders int
	CorruptBodies  int

	DirectionToggles int
}

func NewVirtualTransceiver(handler Handler) *VirtualTransceiver {
	return &VirtualTransceiver{handler: handler}
}

// SetHandler replaces the firmware behaviour
func (t *VirtualTransceiver) SetHandler(handler Handler) {
	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()
}

// Send queues firmware initiated packets for the next cycle
func (t *VirtualTransceiver) Send(packets ...*transfer.Packet) {
	t.mu.Lock()
	t.queue = append(t.queue, packets...)
	t.mu.Unlock()
}

func (t *VirtualTransceiver) Connect(args ...any) error {
	return nil
}

func (t *VirtualTransceiver) Disconnect() error {
	return nil
}

func (t *VirtualTransceiver) SetReady(state bool) error {
	return nil
}

func (t *VirtualTransceiver) WaitReady(timeout time.Duration) error {
	// Pace the exchange loop roughly like real firmware would
	time.Sleep(200 * time.Microsecond)
	return nil
}

func (t *VirtualTransceiver) ToggleDirection() error {
	t.mu.Lock()
	t.DirectionToggles++
	t.mu.Unlock()
	return nil
}

func (t *VirtualTransceiver) FullDuplex(tx, rx []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.inBody {
		return t.headerPhase(tx, rx)
	}
	return t.bodyPhase(tx, rx)
}

// headerPhase answers the SBC transfer header with the firmware's own
func (t *VirtualTransceiver) headerPhase(tx, rx []byte) error {
	if len(tx) != transfer.TransferHeaderSize || len(rx) != transfer.TransferHeaderSize {
		return fmt.Errorf("unexpected header transfer size %v", len(tx))
	}
	sbcHeader := transfer.DecodeHeader(tx)

	// Snapshot the queue for this cycle
	t.pendingCount = len(t.queue)
	t.pendingBody = transfer.EncodePackets(t.queue)

	fwHeader := transfer.TransferHeader{
		FormatVersion:   transfer.FormatVersion,
		ProtocolVersion: transfer.ProtocolVersion,
		SequenceNumber:  t.sequence,
		DataLength:      uint16(len(t.pendingBody)),
		ChecksumData:    crc.Sum(t.pendingBody),
	}
	fwHeader.Encode(rx)
	t.corrupted = false
	if t.CorruptHeaders > 0 {
		t.CorruptHeaders--
		rx[0] ^= 0xFF
		t.corrupted = true
	}

	if sbcHeader.DataLength == 0 && len(t.pendingBody) == 0 {
		// No body phase follows, the cycle commits here
		if !t.corrupted {
			t.commit(nil)
		}
		return nil
	}
	// A corrupted header makes the SBC abort before the body phase,
	// the next transfer is a fresh header again
	if !t.corrupted {
		t.inBody = true
	}
	return nil
}

// bodyPhase clocks the firmware body out and consumes the SBC body
func (t *VirtualTransceiver) bodyPhase(tx, rx []byte) error {
	t.inBody = false
	copy(rx, t.pendingBody)
	for i := len(t.pendingBody); i < len(rx); i++ {
		rx[i] = 0
	}
	if t.CorruptBodies > 0 && len(rx) > 0 {
		t.CorruptBodies--
		rx[0] ^= 0xFF
		t.corrupted = true
	}
	if t.corrupted {
		// The SBC will discard this cycle and retry, keep our queue
		return nil
	}
	received, err := transfer.DecodePackets(trimSbcBody(tx))
	if err != nil {
		return nil
	}
	for _, p := range received {
		p.Body = append([]byte{}, p.Body...)
	}
	t.commit(received)
	return nil
}

// commit finalises a successful cycle on the firmware side
func (t *VirtualTransceiver) commit(received []*transfer.Packet) {
	t.queue = t.queue[t.pendingCount:]
	t.pendingCount = 0
	t.pendingBody = nil
	t.sequence++
	if t.handler != nil && received != nil {
		responses := t.handler(received)
		t.queue = append(t.queue, responses...)
	}
}

// trimSbcBody drops the zero padding the SBC added to match the
// firmware body length
func trimSbcBody(body []byte) []byte {
	// Walk packets to find the true end of data
	offset := 0
	for offset+transfer.PacketHeaderSize <= len(body) {
		length := int(uint16(body[offset+4]) | uint16(body[offset+5])<<8)
		next := offset + transfer.PacketHeaderSize + ((length + 3) &^ 3)
		if length == 0 && body[offset] == 0 && body[offset+1] == 0 && body[offset+2] == 0 && body[offset+3] == 0 {
			// Padding reached
			break
		}
		if next > len(body) {
			break
		}
		offset = next
	}
	return body[:offset]
}
