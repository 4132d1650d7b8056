package channel

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"sync"

	"github.com/samsamfire/goduet/pkg/codes"
	"github.com/samsamfire/goduet/pkg/transfer"
	log "github.com/sirupsen/logrus"
)

const (
	// Buffer space assumed before the firmware advertised a value
	DefaultBufferSpace = 256
	// Maximum locally queued codes per channel
	DefaultMaxQueued = 32
)

type queued struct {
	e         *entry
	encoded   []byte
	fromMacro bool
}

// Processor owns the outbound code pipeline of one channel : the local
// FIFO of codes not yet sent, the firmware buffer space mirror and the
// macro sourcing. Completion tracking lives in the shared correlator.
type Processor struct {
	channel    codes.Channel
	logger     *log.Entry
	correlator *Correlator
	macros     *MacroStack

	mu          sync.Mutex
	queue       []*queued
	controls    []*transfer.Packet
	bufferSpace int
	slots       chan struct{}
	// Replaced and closed on every state change, flush waiters listen
	changed chan struct{}
}

func NewProcessor(channel codes.Channel, correlator *Correlator, macros *MacroStack, logger *log.Entry) *Processor {
	if logger == nil {
		logger = log.WithField("service", "[CHANNEL]").WithField("channel", channel.String())
	}
	return &Processor{
		channel:     channel,
		logger:      logger,
		correlator:  correlator,
		macros:      macros,
		bufferSpace: DefaultBufferSpace,
		slots:       make(chan struct{}, DefaultMaxQueued),
		changed:     make(chan struct{}),
	}
}

func (p *Processor) Channel() codes.Channel {
	return p.channel
}

// signal wakes every waiter, must hold p.mu
func (p *Processor) signal() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// Queue registers the code and appends it to the channel FIFO.
// Blocks while the FIFO is full, honouring the context.
func (p *Processor) Queue(ctx context.Context, code *codes.Code) (*Future, error) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return p.enqueue(code, false)
}

// TryQueue is the non blocking variant used for client codes, fails
// with ErrBusy when the FIFO is full
func (p *Processor) TryQueue(code *codes.Code) (*Future, error) {
	select {
	case p.slots <- struct{}{}:
	default:
		return nil, ErrBusy
	}
	return p.enqueue(code, false)
}

func (p *Processor) enqueue(code *codes.Code, fromMacro bool) (*Future, error) {
	e, err := p.correlator.Register(code)
	if err != nil {
		<-p.slots
		return nil, err
	}
	p.mu.Lock()
	p.queue = append(p.queue, &queued{e: e, encoded: code.Encode(), fromMacro: fromMacro})
	p.signal()
	p.mu.Unlock()
	return e.future, nil
}

// SetBufferSpace refreshes the firmware advertised free buffer bytes
func (p *Processor) SetBufferSpace(space int) {
	p.mu.Lock()
	p.bufferSpace = space
	p.signal()
	p.mu.Unlock()
}

// BufferSpace returns the local mirror of the firmware buffer space
func (p *Processor) BufferSpace() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bufferSpace
}

// pullMacroCode sources the next code from the macro stack, if any,
// and prepends it to the FIFO. Popped frames produce MacroCompleted
// packets and may release a held code.
func (p *Processor) pullMacroCode() {
	if p.macros == nil || p.macros.Depth(p.channel) == 0 {
		return
	}
	for {
		code, popped, err := p.macros.ReadNext(p.channel)
		p.finishFrames(popped, err)
		if err != nil || code == nil {
			return
		}
		if code.Type == codes.CodeTypeEmpty || code.Type == codes.CodeTypeComment {
			continue
		}
		e, regErr := p.correlator.Register(code)
		if regErr != nil {
			p.logger.Errorf("could not register macro code : %v", regErr)
			return
		}
		p.mu.Lock()
		p.queue = append([]*queued{{e: e, encoded: code.Encode(), fromMacro: true}}, p.queue...)
		p.mu.Unlock()
		// One macro code at a time keeps the firmware buffer mirror honest
		return
	}
}

// finishFrames reports completion of popped macro frames to firmware
// and releases codes held open by them
func (p *Processor) finishFrames(popped []*Frame, err error) {
	for _, frame := range popped {
		failed := err != nil
		p.pushControl(macroCompletedPacket(p.channel, failed))
		if frame.StartCodeId != 0 {
			if failed {
				p.correlator.Push(p.channel, frame.StartCodeId, codes.Message{
					Type:    codes.Error,
					Content: "macro " + frame.Filename + " failed : " + err.Error(),
				})
			}
			if p.correlator.ReleaseMacro(p.channel, frame.StartCodeId) {
				p.logger.Debugf("code %v released after macro %v", frame.StartCodeId, frame.Filename)
			}
		}
	}
}

func macroCompletedPacket(channel codes.Channel, failed bool) *transfer.Packet {
	body := make([]byte, 4)
	body[0] = byte(channel)
	if failed {
		body[1] = 1
	}
	return &transfer.Packet{
		Type: uint16(transfer.SbcRequestMacroCompleted),
		Id:   transfer.NextPacketId(),
		Body: body,
	}
}

func (p *Processor) pushControl(packet *transfer.Packet) {
	p.mu.Lock()
	p.controls = append(p.controls, packet)
	p.signal()
	p.mu.Unlock()
}

// popControl dequeues the next control packet fitting the budget
func (p *Processor) popControl(budget int) *transfer.Packet {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.controls) == 0 || p.controls[0].EncodedSize() > budget {
		return nil
	}
	packet := p.controls[0]
	p.controls = p.controls[1:]
	return packet
}

// NextPacket returns the next outbound packet fitting both the cycle
// budget and the firmware buffer space, or nil. Control packets first,
// then macro codes, then plain codes.
func (p *Processor) NextPacket(budget int) *transfer.Packet {
	if packet := p.popControl(budget); packet != nil {
		return packet
	}
	p.mu.Lock()
	hasMacroHead := len(p.queue) > 0 && p.queue[0].fromMacro
	p.mu.Unlock()

	if !hasMacroHead {
		p.pullMacroCode()
	}
	// Sourcing may have finished a macro, its completion notice goes
	// out before any further code
	if packet := p.popControl(budget); packet != nil {
		return packet
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return nil
	}
	next := p.queue[0]
	size := transfer.PacketHeaderSize + len(next.encoded)
	if size > budget {
		return nil
	}
	// Emitted code bytes never exceed the advertised buffer space
	if len(next.encoded) > p.bufferSpace {
		return nil
	}
	p.queue = p.queue[1:]
	p.bufferSpace -= len(next.encoded)
	if !next.fromMacro {
		select {
		case <-p.slots:
		default:
		}
	}
	p.correlator.Commit(next.e)
	p.signal()
	return &transfer.Packet{
		Type: uint16(transfer.SbcRequestCode),
		Id:   next.e.id,
		Body: next.encoded,
	}
}

// HandleReply correlates a firmware code reply. push keeps the result
// open for more content, otherwise the code completes.
func (p *Processor) HandleReply(id uint16, msgType codes.MessageType, content string, push bool) {
	msg := codes.Message{Type: msgType, Content: content}
	if push {
		if !p.correlator.Push(p.channel, id, msg) {
			p.logger.Warnf("reply for unknown code id %v", id)
		}
		return
	}
	known, completed := p.correlator.Finalize(p.channel, id, msg)
	if !known {
		p.logger.Warnf("final reply for unknown code id %v", id)
		return
	}
	if completed {
		p.mu.Lock()
		p.signal()
		p.mu.Unlock()
	}
}

// HandleMacroRequest opens the requested macro file and makes it the
// channel's code source. startCodeId ties the macro to the code that
// caused it, zero for system macros.
func (p *Processor) HandleMacroRequest(filename string, reportMissing bool, startCodeId uint16) {
	if startCodeId != 0 {
		p.correlator.MarkMacro(p.channel, startCodeId)
	}
	err := p.macros.Push(p.channel, filename, startCodeId)
	if err == nil {
		p.mu.Lock()
		p.signal()
		p.mu.Unlock()
		return
	}
	missing := errors.Is(err, os.ErrNotExist)
	if missing && !reportMissing {
		p.logger.Debugf("optional macro %v not found", filename)
	} else {
		p.logger.Warnf("macro request failed : %v", err)
		if startCodeId != 0 {
			p.correlator.Push(p.channel, startCodeId, codes.Message{
				Type:    codes.Error,
				Content: err.Error(),
			})
		}
	}
	// Tell the firmware the macro is done either way so the channel
	// does not stall
	p.pushControl(macroCompletedPacket(p.channel, missing && reportMissing))
	if startCodeId != 0 {
		p.correlator.ReleaseMacro(p.channel, startCodeId)
	}
}

// HandleAbort discards the current macro files and, when abortAll is
// set, every queued and in flight code of the channel
func (p *Processor) HandleAbort(abortAll bool) {
	if abortAll {
		p.macros.AbortAll(p.channel)
		p.Invalidate()
		return
	}
	frame := p.macros.AbortLast(p.channel)
	if frame != nil && frame.StartCodeId != 0 {
		p.correlator.ReleaseMacro(p.channel, frame.StartCodeId)
	}
	p.mu.Lock()
	p.signal()
	p.mu.Unlock()
}

// Invalidate drains the FIFO and fails every queued and in flight
// code with a cancellation error
func (p *Processor) Invalidate() {
	p.mu.Lock()
	dropped := p.queue
	p.queue = nil
	p.controls = nil
	p.mu.Unlock()

	for _, q := range dropped {
		p.correlator.Fail(p.channel, q.e.id, ErrCodeCancelled)
		if !q.fromMacro {
			select {
			case <-p.slots:
			default:
			}
		}
	}
	p.macros.AbortAll(p.channel)
	p.correlator.InvalidateChannel(p.channel)
	p.mu.Lock()
	p.signal()
	p.mu.Unlock()
}

// idle reports whether nothing is queued, in flight or sourced from a
// macro on this channel
func (p *Processor) idle() bool {
	p.mu.Lock()
	queued := len(p.queue) + len(p.controls)
	p.mu.Unlock()
	return queued == 0 && p.correlator.Outstanding(p.channel) == 0 && p.macros.Depth(p.channel) == 0
}

// Flush waits until every queued and in flight code of the channel
// completed. Returns false when the context expired first.
func (p *Processor) Flush(ctx context.Context) bool {
	for {
		p.mu.Lock()
		changed := p.changed
		p.mu.Unlock()
		if p.idle() {
			return true
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return false
		}
	}
}

// QueueDepth returns pending outbound codes for diagnostics
func (p *Processor) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// InvalidateChannelPacket builds the request telling firmware to drop
// its buffered codes for this channel
func InvalidateChannelPacket(channel codes.Channel) *transfer.Packet {
	body := make([]byte, 4)
	body[0] = byte(channel)
	return &transfer.Packet{
		Type: uint16(transfer.SbcRequestInvalidateChannel),
		Id:   transfer.NextPacketId(),
		Body: body,
	}
}

// BufferSpaceFromBody decodes a CodeBufferUpdate body
func BufferSpaceFromBody(body []byte) (codes.Channel, int, bool) {
	if len(body) < 4 {
		return 0, 0, false
	}
	return codes.Channel(body[0]), int(binary.LittleEndian.Uint16(body[2:4])), true
}
