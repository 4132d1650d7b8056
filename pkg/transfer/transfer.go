package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/samsamfire/goduet/internal/crc"
	"github.com/samsamfire/goduet/internal/fifo"
	"github.com/samsamfire/goduet/pkg/spi"
	log "github.com/sirupsen/logrus"
)

var (
	ErrBadTransfer = errors.New("transfer failed crc or version check")
	ErrLinkFailure = errors.New("link to firmware lost, resync attempts exhausted")
)

const (
	DefaultHandshakeTimeout = 4 * time.Second
	// Expected duration of one full transfer cycle, resync holds the
	// ready line low for twice this
	DefaultCycleTime = 32 * time.Millisecond

	maxCrcStrikes    = 3
	maxResyncStrikes = 10
	// Number of committed packets kept around for resend requests
	sentHistorySize = 64
)

// A Coupler produces outbound packets and consumes inbound ones.
// Egress is called with the byte budget whenever a new batch is staged,
// a retried cycle resends the staged batch without calling it again.
// Ingress is called only after the cycle committed.
type Coupler interface {
	Egress(budget int) []*Packet
	Ingress(packets []*Packet)
}

// Stats are updated by the engine loop and read by diagnostics
type Stats struct {
	Cycles        uint64
	CrcFailures   uint64
	Resyncs       uint64
	Resends       uint64
	BytesSent     uint64
	BytesReceived uint64
}

// Engine owns the transceiver and performs one full duplex packet
// exchange per cycle. All methods run on the engine goroutine, only
// Snapshot may be called concurrently.
type Engine struct {
	logger           *log.Entry
	trx              spi.Transceiver
	coupler          Coupler
	HandshakeTimeout time.Duration
	CycleTime        time.Duration

	sequence  uint16
	txHeader  [TransferHeaderSize]byte
	rxHeader  [TransferHeaderSize]byte
	txBody    [MaxBodySize]byte
	rxBody    [MaxBodySize]byte

	sent      map[uint16]*Packet
	sentOrder []uint16
	resends   []*Packet

	// Outbound body staged for the current cycle, rolled back and
	// re-read verbatim on retries
	staging   *fifo.Fifo
	stagedLen int
	stagedCrc uint16

	statsMu sync.Mutex
	stats   Stats
}

func NewEngine(trx spi.Transceiver, coupler Coupler, logger *log.Entry) *Engine {
	if logger == nil {
		logger = log.WithField("service", "[TRANSFER]")
	}
	return &Engine{
		logger:           logger,
		trx:              trx,
		coupler:          coupler,
		HandshakeTimeout: DefaultHandshakeTimeout,
		CycleTime:        DefaultCycleTime,
		sent:             make(map[uint16]*Packet),
		staging:          fifo.NewFifo(MaxBodySize + 1),
	}
}

// Snapshot returns a copy of the engine counters. Safe to call from
// any goroutine while Run is active.
func (e *Engine) Snapshot() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

func (e *Engine) bump(update func(*Stats)) {
	e.statsMu.Lock()
	update(&e.stats)
	e.statsMu.Unlock()
}

// Run drives transfer cycles until the context is cancelled or the
// link is lost. Blocks the calling goroutine, give it a dedicated one.
func (e *Engine) Run(ctx context.Context) error {
	crcStrikes := 0
	resyncStrikes := 0
	var pending []*Packet
	havePending := false

	for {
		if ctx.Err() != nil {
			e.trx.SetReady(false)
			return nil
		}
		if !havePending {
			budget := MaxBodySize
			for _, p := range e.resends {
				budget -= p.EncodedSize()
			}
			fresh := e.coupler.Egress(budget)
			pending = append(append([]*Packet{}, e.resends...), fresh...)
			e.resends = nil
			e.stage(pending)
			havePending = true
		}

		inbound, err := e.exchange()
		switch {
		case err == nil:
			crcStrikes = 0
			resyncStrikes = 0
			e.commit(pending)
			pending = nil
			havePending = false
			e.dispatch(inbound)
		case errors.Is(err, spi.ErrWaitTimeout):
			if len(pending) == 0 {
				// Nothing to send and firmware silent, not a fault
				havePending = false
				continue
			}
			e.logger.Warn("handshake timeout, toggling transfer direction")
			e.trx.ToggleDirection()
		case errors.Is(err, ErrBadTransfer):
			e.bump(func(s *Stats) { s.CrcFailures++ })
			crcStrikes++
			e.logger.Warnf("transfer failed (%v/%v) : %v", crcStrikes, maxCrcStrikes, err)
			if crcStrikes < maxCrcStrikes {
				continue
			}
			crcStrikes = 0
			resyncStrikes++
			if resyncStrikes >= maxResyncStrikes {
				e.logger.Error("resync attempts exhausted, link lost")
				return ErrLinkFailure
			}
			e.resync()
		default:
			// Transceiver level failure, treat like a framing error
			e.bump(func(s *Stats) { s.CrcFailures++ })
			crcStrikes++
			e.logger.Errorf("transceiver error : %v", err)
			if crcStrikes >= maxCrcStrikes {
				crcStrikes = 0
				resyncStrikes++
				if resyncStrikes >= maxResyncStrikes {
					return ErrLinkFailure
				}
				e.resync()
			}
		}
	}
}

// stage encodes the outbound packets once, computing the body CRC as
// the bytes are written. Retries re-read the same bytes.
func (e *Engine) stage(packets []*Packet) {
	e.staging.Reset()
	bodyCrc := crc.CRC16(0)
	encoded := EncodePackets(packets)
	e.stagedLen = e.staging.Write(encoded, &bodyCrc)
	e.stagedCrc = uint16(bodyCrc)
}

// exchange performs one cycle. On any error the cycle is void : no
// inbound data is surfaced, the staged bytes are rolled back and the
// caller retries with the same packets.
func (e *Engine) exchange() ([]*Packet, error) {
	e.staging.AltRollback()
	bodyLen := e.stagedLen
	if bodyLen > MaxBodySize {
		return nil, fmt.Errorf("%w : outbound body %d exceeds cap", ErrBadTransfer, bodyLen)
	}
	e.staging.AltRead(e.txBody[:bodyLen])

	if err := e.trx.SetReady(true); err != nil {
		return nil, err
	}
	if err := e.trx.WaitReady(e.HandshakeTimeout); err != nil {
		return nil, err
	}

	// Header exchange
	header := TransferHeader{
		FormatVersion:   FormatVersion,
		ProtocolVersion: ProtocolVersion,
		SequenceNumber:  e.sequence,
		DataLength:      uint16(bodyLen),
		ChecksumData:    e.stagedCrc,
	}
	header.Encode(e.txHeader[:])
	if err := e.trx.FullDuplex(e.txHeader[:], e.rxHeader[:]); err != nil {
		return nil, err
	}
	rxHeader := DecodeHeader(e.rxHeader[:])
	if !rxHeader.Valid(e.rxHeader[:]) {
		return nil, fmt.Errorf("%w : bad header (format %d)", ErrBadTransfer, rxHeader.FormatVersion)
	}
	if int(rxHeader.DataLength) > MaxBodySize {
		return nil, fmt.Errorf("%w : inbound body %d exceeds cap", ErrBadTransfer, rxHeader.DataLength)
	}

	// Body exchange, zero padded to the longer direction
	xferLen := bodyLen
	if int(rxHeader.DataLength) > xferLen {
		xferLen = int(rxHeader.DataLength)
	}
	if xferLen > 0 {
		for i := bodyLen; i < xferLen; i++ {
			e.txBody[i] = 0
		}
		if err := e.trx.FullDuplex(e.txBody[:xferLen], e.rxBody[:xferLen]); err != nil {
			return nil, err
		}
		if crc.Sum(e.rxBody[:rxHeader.DataLength]) != rxHeader.ChecksumData {
			return nil, fmt.Errorf("%w : body checksum mismatch", ErrBadTransfer)
		}
	}
	e.trx.SetReady(false)
	e.staging.AltCommit()

	inbound, err := DecodePackets(e.rxBody[:rxHeader.DataLength])
	if err != nil {
		return nil, fmt.Errorf("%w : %v", ErrBadTransfer, err)
	}
	// Bodies alias the receive buffer which is overwritten next cycle
	for _, p := range inbound {
		p.Body = append([]byte{}, p.Body...)
	}

	e.sequence++
	e.bump(func(s *Stats) {
		s.Cycles++
		s.BytesSent += uint64(bodyLen)
		s.BytesReceived += uint64(rxHeader.DataLength)
	})
	return inbound, nil
}

// commit remembers sent packets so the firmware can ask for a resend
func (e *Engine) commit(packets []*Packet) {
	for _, p := range packets {
		if _, exists := e.sent[p.Id]; !exists {
			e.sentOrder = append(e.sentOrder, p.Id)
		}
		e.sent[p.Id] = p
	}
	for len(e.sentOrder) > sentHistorySize {
		delete(e.sent, e.sentOrder[0])
		e.sentOrder = e.sentOrder[1:]
	}
}

// dispatch consumes resend requests and forwards everything else
func (e *Engine) dispatch(inbound []*Packet) {
	forward := inbound[:0]
	for _, p := range inbound {
		if FirmwareRequest(p.Type) != FwRequestResendPacket {
			forward = append(forward, p)
			continue
		}
		missing, ok := e.sent[p.ResendId]
		if !ok {
			e.logger.Warnf("resend requested for unknown packet id %v", p.ResendId)
			continue
		}
		e.bump(func(s *Stats) { s.Resends++ })
		e.logger.Debugf("firmware requested resend of packet id %v", p.ResendId)
		e.resends = append(e.resends, missing)
	}
	if len(forward) > 0 {
		e.coupler.Ingress(forward)
	}
}

// resync holds the ready line low long enough for the firmware to
// abandon the current transfer, then the loop restarts the handshake
func (e *Engine) resync() {
	e.bump(func(s *Stats) { s.Resyncs++ })
	e.logger.Warn("resynchronizing link")
	e.trx.SetReady(false)
	time.Sleep(2 * e.CycleTime)
}
