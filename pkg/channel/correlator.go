package channel

import (
	"context"
	"sync"
	"time"

	"github.com/samsamfire/goduet/pkg/codes"
	"github.com/samsamfire/goduet/pkg/transfer"
)

const DefaultReplyTimeout = 30 * time.Second

type outcome struct {
	result codes.Result
	err    error
}

// A Future resolves once with the final result of a code
type Future struct {
	done chan struct{}
	once sync.Once
	out  outcome
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Wait blocks until the code completed or the context is cancelled
func (f *Future) Wait(ctx context.Context) (codes.Result, error) {
	select {
	case <-f.done:
		return f.out.result, f.out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// entry tracks one code committed to the firmware
type entry struct {
	channel  codes.Channel
	id       uint16
	code     *codes.Code
	future   *Future
	deadline time.Time
	partial  codes.Result
	// Set while the firmware executes a macro on behalf of this code
	waitingMacro bool
	// Final reply arrived while the macro was still open
	finalArrived bool
}

func (e *entry) resolve(out outcome) {
	e.future.once.Do(func() {
		e.future.out = out
		close(e.future.done)
	})
}

// Correlator is the bounded bidirectional mapping between outbound
// codes and their completion handles. Wire ids come from the shared
// packet id counter and a slot becomes reusable once it is resolved.
type Correlator struct {
	mu      sync.Mutex
	timeout time.Duration
	alloc   func() uint16
	entries map[codes.Channel]map[uint16]*entry
}

func NewCorrelator(timeout time.Duration) *Correlator {
	if timeout <= 0 {
		timeout = DefaultReplyTimeout
	}
	return &Correlator{
		timeout: timeout,
		alloc:   transfer.NextPacketId,
		entries: make(map[codes.Channel]map[uint16]*entry),
	}
}

// Register allocates a wire id for the code and returns its entry.
// The deadline starts running on Commit, not on registration.
func (c *Correlator) Register(code *codes.Code) (*entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	perChannel, ok := c.entries[code.Channel]
	if !ok {
		perChannel = make(map[uint16]*entry)
		c.entries[code.Channel] = perChannel
	}
	// The counter wraps, skip ids still in flight on this channel
	var id uint16
	for attempts := 0; ; attempts++ {
		if attempts >= 1<<16 {
			return nil, ErrSlotInUse
		}
		id = c.alloc()
		if _, used := perChannel[id]; !used {
			break
		}
	}
	e := &entry{
		channel: code.Channel,
		id:      id,
		code:    code,
		future:  newFuture(),
	}
	perChannel[id] = e
	return e, nil
}

// Commit arms the reply deadline, called when the code is handed to
// the transfer engine
func (c *Correlator) Commit(e *entry) {
	c.mu.Lock()
	e.deadline = time.Now().Add(c.timeout)
	c.mu.Unlock()
}

func (c *Correlator) lookup(channel codes.Channel, id uint16) *entry {
	perChannel, ok := c.entries[channel]
	if !ok {
		return nil
	}
	return perChannel[id]
}

// Push appends a partial reply message without completing the code
func (c *Correlator) Push(channel codes.Channel, id uint16, msg codes.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.lookup(channel, id)
	if e == nil {
		return false
	}
	if msg.Content != "" {
		e.partial = append(e.partial, msg)
	}
	e.deadline = time.Now().Add(c.timeout)
	return true
}

// Finalize resolves the code with its accumulated result, unless the
// code still waits for a macro to unwind, in which case the reply is
// held until ReleaseMacro. Returns whether the id was known and
// whether the code actually completed.
func (c *Correlator) Finalize(channel codes.Channel, id uint16, msg codes.Message) (known bool, completed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.lookup(channel, id)
	if e == nil {
		return false, false
	}
	if msg.Content != "" {
		e.partial = append(e.partial, msg)
	}
	if e.waitingMacro {
		e.finalArrived = true
		e.deadline = time.Time{}
		return true, false
	}
	delete(c.entries[channel], id)
	e.resolve(outcome{result: e.partial})
	return true, true
}

// MarkMacro flags the code as having opened a macro. Its final reply
// is withheld until the macro unwinds.
func (c *Correlator) MarkMacro(channel codes.Channel, id uint16) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.lookup(channel, id)
	if e == nil {
		return false
	}
	e.waitingMacro = true
	// The code may legitimately take as long as the macro runs
	e.deadline = time.Time{}
	return true
}

// ReleaseMacro is called when the macro opened by this code reached
// EOF. Completes the code if its final reply already arrived.
func (c *Correlator) ReleaseMacro(channel codes.Channel, id uint16) (completed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.lookup(channel, id)
	if e == nil {
		return false
	}
	e.waitingMacro = false
	if !e.finalArrived {
		e.deadline = time.Now().Add(c.timeout)
		return false
	}
	delete(c.entries[channel], id)
	e.resolve(outcome{result: e.partial})
	return true
}

// Fail resolves the code with an error and frees the slot
func (c *Correlator) Fail(channel codes.Channel, id uint16, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.lookup(channel, id)
	if e == nil {
		return false
	}
	delete(c.entries[channel], id)
	e.resolve(outcome{err: err})
	return true
}

// InvalidateChannel fails every outstanding code on the channel with a
// cancellation error, in no particular order. Returns how many were
// resolved.
func (c *Correlator) InvalidateChannel(channel codes.Channel) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	perChannel := c.entries[channel]
	count := 0
	for id, e := range perChannel {
		delete(perChannel, id)
		e.resolve(outcome{err: ErrCodeCancelled})
		count++
	}
	return count
}

// SweepExpired fails codes whose reply deadline passed. Returns how
// many were reclaimed, callers run this periodically.
func (c *Correlator) SweepExpired(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, perChannel := range c.entries {
		for id, e := range perChannel {
			if e.deadline.IsZero() || now.Before(e.deadline) {
				continue
			}
			delete(perChannel, id)
			e.resolve(outcome{err: ErrCodeTimeout})
			count++
		}
	}
	return count
}

// Outstanding returns the number of unresolved codes on a channel
func (c *Correlator) Outstanding(channel codes.Channel) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries[channel])
}
