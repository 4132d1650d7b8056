package router

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/samsamfire/goduet/pkg/channel"
	"github.com/samsamfire/goduet/pkg/codes"
	"github.com/samsamfire/goduet/pkg/job"
	"github.com/samsamfire/goduet/pkg/model"
	"github.com/samsamfire/goduet/pkg/transfer"
	log "github.com/sirupsen/logrus"
)

var ErrEvaluationTimeout = errors.New("expression evaluation timed out")

// JobControl is the part of the job executor the ingress path drives
type JobControl interface {
	Pause(position *int64, reason job.PauseReason) error
	Abort() error
	Status() job.Status
}

// Router sits between the transfer engine and everything else. The
// egress side serialises outbound packets from the per channel queues
// under the cycle byte budget, the ingress side demultiplexes firmware
// requests. Firmware patches reach the object model only through the
// ingress path; PrintStarted and PrintStopped update the job node and
// Reset clears the model.
type Router struct {
	logger     *log.Entry
	correlator *channel.Correlator
	macros     *channel.MacroStack
	store      *model.Store
	processors [codes.ChannelCount]*channel.Processor

	jobMu sync.Mutex
	job   JobControl

	mu          sync.Mutex
	controls    []*transfer.Packet
	evaluations map[uint16]chan evalOutcome
	stackDepth  [codes.ChannelCount]uint8
}

type evalOutcome struct {
	value string
	err   error
}

func NewRouter(correlator *channel.Correlator, macros *channel.MacroStack, store *model.Store, logger *log.Entry) *Router {
	if logger == nil {
		logger = log.WithField("service", "[ROUTER]")
	}
	r := &Router{
		logger:      logger,
		correlator:  correlator,
		macros:      macros,
		store:       store,
		evaluations: make(map[uint16]chan evalOutcome),
	}
	for ch := codes.Channel(0); ch < codes.ChannelCount; ch++ {
		r.processors[ch] = channel.NewProcessor(ch, correlator, macros, nil)
	}
	return r
}

// SetJob wires the job executor, done after construction because the
// executor needs the File processor first
func (r *Router) SetJob(j JobControl) {
	r.jobMu.Lock()
	r.job = j
	r.jobMu.Unlock()
}

func (r *Router) jobControl() JobControl {
	r.jobMu.Lock()
	defer r.jobMu.Unlock()
	return r.job
}

// Processor returns the channel processor for a channel
func (r *Router) Processor(ch codes.Channel) *channel.Processor {
	return r.processors[ch]
}

func (r *Router) pushControl(packet *transfer.Packet) {
	r.mu.Lock()
	r.controls = append(r.controls, packet)
	r.mu.Unlock()
}

// Egress implements transfer.Coupler. Control packets go first, then
// every channel is asked in fixed priority order until the budget is
// spent.
func (r *Router) Egress(budget int) []*transfer.Packet {
	packets := []*transfer.Packet{}

	r.mu.Lock()
	for len(r.controls) > 0 && r.controls[0].EncodedSize() <= budget {
		packet := r.controls[0]
		r.controls = r.controls[1:]
		budget -= packet.EncodedSize()
		packets = append(packets, packet)
	}
	r.mu.Unlock()

	for _, ch := range codes.EgressPriority {
		for budget >= transfer.PacketHeaderSize {
			packet := r.processors[ch].NextPacket(budget)
			if packet == nil {
				break
			}
			budget -= packet.EncodedSize()
			packets = append(packets, packet)
		}
	}
	return packets
}

// Ingress implements transfer.Coupler, called only for committed
// cycles. Malformed packets are dropped without affecting their
// channel.
func (r *Router) Ingress(packets []*transfer.Packet) {
	for _, packet := range packets {
		if err := r.handle(packet); err != nil {
			r.logger.Warnf("dropping %v packet : %v", transfer.FirmwareRequest(packet.Type), err)
		}
	}
}

func (r *Router) handle(packet *transfer.Packet) error {
	body := packet.Body
	switch transfer.FirmwareRequest(packet.Type) {
	case transfer.FwRequestObjectModel:
		return r.handleObjectModel(body)
	case transfer.FwRequestCodeReply:
		return r.handleCodeReply(body)
	case transfer.FwRequestMacroRequest:
		return r.handleMacroRequest(body)
	case transfer.FwRequestAbortFile:
		return r.handleAbortFile(body)
	case transfer.FwRequestStackEvent:
		return r.handleStackEvent(body)
	case transfer.FwRequestPrintPaused:
		return r.handlePrintPaused(body)
	case transfer.FwRequestMessage:
		return r.handleMessage(body)
	case transfer.FwRequestEvaluationResult:
		return r.handleEvaluationResult(body)
	case transfer.FwRequestCodeBufferUpdate:
		return r.handleCodeBufferUpdate(body)
	default:
		return fmt.Errorf("unknown request type %v", packet.Type)
	}
}

// Object model patch : u16 path length, u16 value length, path bytes,
// JSON value bytes
func (r *Router) handleObjectModel(body []byte) error {
	if len(body) < 4 {
		return fmt.Errorf("body too short")
	}
	pathLen := int(binary.LittleEndian.Uint16(body[0:2]))
	valueLen := int(binary.LittleEndian.Uint16(body[2:4]))
	if 4+pathLen+valueLen > len(body) {
		return fmt.Errorf("lengths exceed body")
	}
	path := string(body[4 : 4+pathLen])
	value := body[4+pathLen : 4+pathLen+valueLen]
	return r.store.ApplyPatch(path, value)
}

// Code reply : u8 channel, u8 flags (bit0 push), u8 message type,
// u8 reserved, u16 code id, u16 reserved, content
func (r *Router) handleCodeReply(body []byte) error {
	if len(body) < 8 {
		return fmt.Errorf("body too short")
	}
	ch := codes.Channel(body[0])
	if !ch.Valid() {
		return fmt.Errorf("unknown channel %v", body[0])
	}
	push := body[1]&1 != 0
	msgType := codes.MessageType(body[2])
	id := binary.LittleEndian.Uint16(body[4:6])
	content := string(body[8:])
	r.processors[ch].HandleReply(id, msgType, content, push)
	return nil
}

// Macro request : u8 channel, u8 report missing, u16 start code id,
// filename
func (r *Router) handleMacroRequest(body []byte) error {
	if len(body) < 4 {
		return fmt.Errorf("body too short")
	}
	ch := codes.Channel(body[0])
	if !ch.Valid() {
		return fmt.Errorf("unknown channel %v", body[0])
	}
	reportMissing := body[1] != 0
	startCodeId := binary.LittleEndian.Uint16(body[2:4])
	filename := string(body[4:])
	r.processors[ch].HandleMacroRequest(filename, reportMissing, startCodeId)
	return nil
}

// Abort file : u8 channel, u8 abort all
func (r *Router) handleAbortFile(body []byte) error {
	if len(body) < 2 {
		return fmt.Errorf("body too short")
	}
	ch := codes.Channel(body[0])
	if !ch.Valid() {
		return fmt.Errorf("unknown channel %v", body[0])
	}
	abortAll := body[1] != 0
	r.processors[ch].HandleAbort(abortAll)
	if ch == codes.ChannelFile && abortAll {
		if j := r.jobControl(); j != nil {
			if err := j.Abort(); err != nil {
				r.logger.Debugf("abort request ignored : %v", err)
			}
		}
	}
	return nil
}

// Stack event : u8 channel, u8 depth, u16 flags
func (r *Router) handleStackEvent(body []byte) error {
	if len(body) < 4 {
		return fmt.Errorf("body too short")
	}
	ch := codes.Channel(body[0])
	if !ch.Valid() {
		return fmt.Errorf("unknown channel %v", body[0])
	}
	r.mu.Lock()
	r.stackDepth[ch] = body[1]
	r.mu.Unlock()
	r.logger.Debugf("firmware stack depth on %v now %v", ch, body[1])
	return nil
}

// Print paused : u32 file position, u8 reason
func (r *Router) handlePrintPaused(body []byte) error {
	if len(body) < 5 {
		return fmt.Errorf("body too short")
	}
	position := int64(binary.LittleEndian.Uint32(body[0:4]))
	reason := job.PauseReason(body[4])
	j := r.jobControl()
	if j == nil {
		return fmt.Errorf("no job executor attached")
	}
	if err := j.Pause(&position, reason); err != nil {
		r.logger.Debugf("pause request ignored : %v", err)
	}
	r.store.Update("job", func(root map[string]any) {
		jobNode := ensureObject(root, "job")
		jobNode["status"] = job.Paused.String()
		jobNode["pausePosition"] = position
	})
	return nil
}

// Message : u8 type, 3 reserved, content
func (r *Router) handleMessage(body []byte) error {
	if len(body) < 4 {
		return fmt.Errorf("body too short")
	}
	msg := codes.Message{Type: codes.MessageType(body[0]), Content: string(body[4:])}
	switch msg.Type {
	case codes.Error:
		r.logger.Errorf("firmware : %v", msg.Content)
	case codes.Warning:
		r.logger.Warnf("firmware : %v", msg.Content)
	default:
		r.logger.Infof("firmware : %v", msg.Content)
	}
	r.store.Update("messages", func(root map[string]any) {
		list, _ := root["messages"].([]any)
		list = append(list, map[string]any{
			"type":    msg.Type.String(),
			"content": msg.Content,
		})
		// Keep a bounded history
		if len(list) > 64 {
			list = list[len(list)-64:]
		}
		root["messages"] = list
	})
	return nil
}

// Evaluation result : u8 channel, u8 success, u16 id, JSON or error
// text
func (r *Router) handleEvaluationResult(body []byte) error {
	if len(body) < 4 {
		return fmt.Errorf("body too short")
	}
	id := binary.LittleEndian.Uint16(body[2:4])
	success := body[1] != 0
	content := string(body[4:])
	r.mu.Lock()
	waiter, ok := r.evaluations[id]
	delete(r.evaluations, id)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("no evaluation pending for id %v", id)
	}
	if success {
		waiter <- evalOutcome{value: content}
	} else {
		waiter <- evalOutcome{err: errors.New(content)}
	}
	return nil
}

func (r *Router) handleCodeBufferUpdate(body []byte) error {
	ch, space, ok := channel.BufferSpaceFromBody(body)
	if !ok {
		return fmt.Errorf("body too short")
	}
	if !ch.Valid() {
		return fmt.Errorf("unknown channel %v", byte(ch))
	}
	r.processors[ch].SetBufferSpace(space)
	return nil
}

func ensureObject(root map[string]any, key string) map[string]any {
	node, ok := root[key].(map[string]any)
	if !ok {
		node = map[string]any{}
		root[key] = node
	}
	return node
}

// --- outbound requests ---

// PrintStarted implements job.Notifier
func (r *Router) PrintStarted(filename string, fileSize int64, simulating bool) {
	body := make([]byte, 8, 8+len(filename))
	if simulating {
		body[0] = 1
	}
	binary.LittleEndian.PutUint32(body[4:8], uint32(fileSize))
	body = append(body, filename...)
	r.pushControl(&transfer.Packet{
		Type: uint16(transfer.SbcRequestPrintStarted),
		Id:   transfer.NextPacketId(),
		Body: body,
	})
	r.store.Update("job", func(root map[string]any) {
		jobNode := ensureObject(root, "job")
		jobNode["file"] = map[string]any{"fileName": filename, "size": fileSize}
		jobNode["status"] = job.Running.String()
		jobNode["isSimulating"] = simulating
	})
}

// PrintStopped implements job.Notifier
func (r *Router) PrintStopped(reason job.StopReason) {
	body := make([]byte, 4)
	body[0] = byte(reason)
	r.pushControl(&transfer.Packet{
		Type: uint16(transfer.SbcRequestPrintStopped),
		Id:   transfer.NextPacketId(),
		Body: body,
	})
	r.store.Update("job", func(root map[string]any) {
		jobNode := ensureObject(root, "job")
		jobNode["status"] = job.Finished.String()
	})
}

// EmergencyStop asks the firmware to halt immediately
func (r *Router) EmergencyStop() {
	r.pushControl(&transfer.Packet{
		Type: uint16(transfer.SbcRequestEmergencyStop),
		Id:   transfer.NextPacketId(),
	})
}

// Reset asks the firmware to restart and clears the object model
// mirror right away
func (r *Router) Reset() {
	r.pushControl(&transfer.Packet{
		Type: uint16(transfer.SbcRequestReset),
		Id:   transfer.NextPacketId(),
	})
	r.store.Reset()
}

// RequestObjectModel asks the firmware for a fresh copy of a model
// subtree
func (r *Router) RequestObjectModel(path string) {
	r.pushControl(&transfer.Packet{
		Type: uint16(transfer.SbcRequestGetObjectModel),
		Id:   transfer.NextPacketId(),
		Body: []byte(path),
	})
}

// WriteObjectModel pushes a value into the firmware object model,
// same body layout as the inbound patch
func (r *Router) WriteObjectModel(path string, value []byte) {
	body := make([]byte, 4, 4+len(path)+len(value))
	binary.LittleEndian.PutUint16(body[0:2], uint16(len(path)))
	binary.LittleEndian.PutUint16(body[2:4], uint16(len(value)))
	body = append(body, path...)
	body = append(body, value...)
	r.pushControl(&transfer.Packet{
		Type: uint16(transfer.SbcRequestSetObjectModel),
		Id:   transfer.NextPacketId(),
		Body: body,
	})
}

// Evaluate sends an expression to the firmware and waits for its
// evaluation result
func (r *Router) Evaluate(ctx context.Context, ch codes.Channel, expression string) (string, error) {
	id := transfer.NextPacketId()
	waiter := make(chan evalOutcome, 1)
	r.mu.Lock()
	r.evaluations[id] = waiter
	r.mu.Unlock()

	body := make([]byte, 4, 4+len(expression))
	body[0] = byte(ch)
	binary.LittleEndian.PutUint16(body[2:4], id)
	body = append(body, expression...)
	r.pushControl(&transfer.Packet{
		Type: uint16(transfer.SbcRequestEvaluateExpression),
		Id:   id,
		Body: body,
	})

	select {
	case out := <-waiter:
		return out.value, out.err
	case <-time.After(channel.DefaultReplyTimeout):
		r.mu.Lock()
		delete(r.evaluations, id)
		r.mu.Unlock()
		return "", ErrEvaluationTimeout
	case <-ctx.Done():
		r.mu.Lock()
		delete(r.evaluations, id)
		r.mu.Unlock()
		return "", ctx.Err()
	}
}

// SendMessage forwards a daemon message to the firmware console
func (r *Router) SendMessage(msgType codes.MessageType, content string) {
	body := make([]byte, 4, 4+len(content))
	body[0] = byte(msgType)
	body = append(body, content...)
	r.pushControl(&transfer.Packet{
		Type: uint16(transfer.SbcRequestMessage),
		Id:   transfer.NextPacketId(),
		Body: body,
	})
}

// StackDepth returns the firmware reported stack depth of a channel
func (r *Router) StackDepth(ch codes.Channel) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.stackDepth[ch])
}
