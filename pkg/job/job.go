package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/samsamfire/goduet/pkg/channel"
	"github.com/samsamfire/goduet/pkg/codes"
	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"
)

// Phase of the job state machine. Transitions only happen under the
// executor mutex, observers never see anything outside this set.
type Phase uint8

const (
	Idle Phase = iota
	Selected
	Running
	Paused
	Cancelling
	Aborting
	Finished
)

var phaseNames = map[Phase]string{
	Idle:       "idle",
	Selected:   "selected",
	Running:    "processing",
	Paused:     "paused",
	Cancelling: "cancelling",
	Aborting:   "aborting",
	Finished:   "finished",
}

func (p Phase) String() string {
	name, ok := phaseNames[p]
	if !ok {
		return fmt.Sprintf("unknown(%d)", uint8(p))
	}
	return name
}

// PauseReason describes why a job was paused
type PauseReason uint8

const (
	PauseReasonUser     PauseReason = 0
	PauseReasonGCode    PauseReason = 1
	PauseReasonFilament PauseReason = 2
	PauseReasonTrigger  PauseReason = 3
	PauseReasonFirmware PauseReason = 4
)

// StopReason is reported to the firmware when a job ends
type StopReason uint8

const (
	StopReasonNormal    StopReason = 0
	StopReasonCancelled StopReason = 1
	StopReasonAborted   StopReason = 2
)

var (
	ErrNoFileSelected = errors.New("no job file selected")
	ErrBadPhase       = errors.New("operation not possible in current job phase")
)

// DefaultBufferedCodes is how many job codes may be in flight at once
const DefaultBufferedCodes = 8

// Dispatcher is the File channel processor seen from the executor
type Dispatcher interface {
	Queue(ctx context.Context, code *codes.Code) (*channel.Future, error)
	Invalidate()
}

// Notifier tells the firmware about job lifecycle changes
type Notifier interface {
	PrintStarted(filename string, fileSize int64, simulating bool)
	PrintStopped(reason StopReason)
}

type pendingCode struct {
	code   *codes.Code
	future *channel.Future
}

// Executor owns the selected job file and drives its codes through
// the File channel. One instance per daemon, instantiable for tests.
type Executor struct {
	logger        *log.Entry
	dispatcher    Dispatcher
	notifier      Notifier
	BufferedCodes int

	mu      sync.Mutex
	changed chan struct{}

	phase         Phase
	filename      string
	fileSize      int64
	runId         xid.ID
	nextPosition  int64
	startPosition int64
	pausePosition *int64
	pauseReason   PauseReason
	isSimulating  bool

	lastFileCancelled bool
	lastFileAborted   bool

	// Child cancellation scope of the current run segment, recycled on
	// every pause transition
	runCtx    context.Context
	runCancel context.CancelFunc

	rootCtx context.Context
}

func NewExecutor(rootCtx context.Context, dispatcher Dispatcher, notifier Notifier, logger *log.Entry) *Executor {
	if logger == nil {
		logger = log.WithField("service", "[JOB]")
	}
	return &Executor{
		logger:        logger,
		dispatcher:    dispatcher,
		notifier:      notifier,
		BufferedCodes: DefaultBufferedCodes,
		changed:       make(chan struct{}),
		rootCtx:       rootCtx,
	}
}

// signal wakes all state waiters, must hold e.mu
func (e *Executor) signal() {
	close(e.changed)
	e.changed = make(chan struct{})
}

// Phase returns the current state machine phase
func (e *Executor) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// Status is a snapshot for diagnostics and object model queries
type Status struct {
	Phase             Phase
	Filename          string
	FileSize          int64
	FilePosition      int64
	PauseReason       PauseReason
	IsSimulating      bool
	LastFileCancelled bool
	LastFileAborted   bool
}

func (e *Executor) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	position := e.nextPosition
	if e.pausePosition != nil {
		position = *e.pausePosition
	}
	return Status{
		Phase:             e.phase,
		Filename:          e.filename,
		FileSize:          e.fileSize,
		FilePosition:      position,
		PauseReason:       e.pauseReason,
		IsSimulating:      e.isSimulating,
		LastFileCancelled: e.lastFileCancelled,
		LastFileAborted:   e.lastFileAborted,
	}
}

// SelectFile stages a job file. A running job is cancelled first and
// awaited, selecting during an ongoing cancellation is rejected.
func (e *Executor) SelectFile(filename string, simulating bool) error {
	e.mu.Lock()
	switch e.phase {
	case Cancelling, Aborting:
		e.mu.Unlock()
		return channel.ErrBusy
	case Running, Paused:
		e.mu.Unlock()
		if err := e.Cancel(); err != nil {
			return err
		}
		if !e.WaitFinished(e.rootCtx) {
			return e.rootCtx.Err()
		}
		e.mu.Lock()
	}
	defer e.mu.Unlock()

	info, err := os.Stat(filename)
	if err != nil {
		return fmt.Errorf("could not select %v : %w", filename, err)
	}
	e.phase = Selected
	e.filename = filename
	e.fileSize = info.Size()
	e.nextPosition = 0
	e.startPosition = 0
	e.pausePosition = nil
	e.isSimulating = simulating
	e.signal()
	e.logger.Infof("selected file %v (%v bytes, simulating %v)", filename, info.Size(), simulating)
	return nil
}

// Start begins execution of the selected file
func (e *Executor) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != Selected && e.phase != Finished {
		if e.phase == Idle {
			return ErrNoFileSelected
		}
		return fmt.Errorf("%w : %v", ErrBadPhase, e.phase)
	}
	if e.filename == "" {
		return ErrNoFileSelected
	}
	e.phase = Running
	e.runId = xid.New()
	e.lastFileCancelled = false
	e.lastFileAborted = false
	e.pausePosition = nil
	e.nextPosition = e.startPosition
	e.runCtx, e.runCancel = context.WithCancel(e.rootCtx)
	e.signal()
	e.logger.Infof("starting job %v run %v", e.filename, e.runId)
	if e.notifier != nil {
		e.notifier.PrintStarted(e.filename, e.fileSize, e.isSimulating)
	}
	go e.run()
	return nil
}

// Pause moves a running job to paused. position, when provided by the
// firmware, wins over the executor's own position because the
// firmware may have discarded look-ahead codes. A second pause only
// lowers the recorded position, never raises it.
func (e *Executor) Pause(position *int64, reason PauseReason) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.phase {
	case Running:
		e.phase = Paused
		e.pauseReason = reason
		if position != nil {
			e.pausePosition = position
		}
		e.signal()
		e.mu.Unlock()
		// Queued look-ahead codes are void, execution rewinds to the
		// committed pause offset on resume
		e.dispatcher.Invalidate()
		e.mu.Lock()
		e.logger.Infof("job paused (reason %v)", reason)
		return nil
	case Paused:
		if position != nil && (e.pausePosition == nil || *position <= *e.pausePosition) {
			e.pausePosition = position
			e.signal()
		}
		return nil
	default:
		return fmt.Errorf("%w : %v", ErrBadPhase, e.phase)
	}
}

// Resume continues a paused job. Resuming a job that is not paused is
// a no-op.
func (e *Executor) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != Paused {
		return nil
	}
	e.phase = Running
	// Fresh cancellation scope for the resumed segment
	e.runCtx, e.runCancel = context.WithCancel(e.rootCtx)
	e.signal()
	e.logger.Info("job resumed")
	return nil
}

// Cancel stops the current job, failing its in flight codes
func (e *Executor) Cancel() error {
	return e.stop(Cancelling)
}

// Abort stops the current job immediately, firmware initiated
func (e *Executor) Abort() error {
	return e.stop(Aborting)
}

func (e *Executor) stop(phase Phase) error {
	e.mu.Lock()
	if e.phase != Running && e.phase != Paused {
		e.mu.Unlock()
		return fmt.Errorf("%w : %v", ErrBadPhase, e.phase)
	}
	wasPaused := e.phase == Paused
	e.phase = phase
	cancel := e.runCancel
	e.signal()
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.dispatcher.Invalidate()
	if wasPaused {
		// The run goroutine sleeps in the paused wait, the signal above
		// wakes it to drain
		e.logger.Debug("stopping paused job")
	}
	return nil
}

// GetFilePosition returns the byte offset execution will continue at
func (e *Executor) GetFilePosition() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pausePosition != nil {
		return *e.pausePosition
	}
	return e.nextPosition
}

// SetFilePosition overrides the resume offset of a selected or paused
// job
func (e *Executor) SetFilePosition(position int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.phase {
	case Selected, Finished:
		e.startPosition = position
	case Paused:
		e.pausePosition = &position
	default:
		return fmt.Errorf("%w : %v", ErrBadPhase, e.phase)
	}
	e.signal()
	return nil
}

// WaitFinished blocks until the job reaches a terminal phase
func (e *Executor) WaitFinished(ctx context.Context) bool {
	for {
		e.mu.Lock()
		changed := e.changed
		phase := e.phase
		e.mu.Unlock()
		if phase == Finished || phase == Idle || phase == Selected {
			return true
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return false
		}
	}
}

// waitResumed parks the run goroutine while paused. Returns false
// when the job is being stopped instead.
func (e *Executor) waitResumed() bool {
	for {
		e.mu.Lock()
		changed := e.changed
		phase := e.phase
		e.mu.Unlock()
		switch phase {
		case Running:
			return true
		case Cancelling, Aborting:
			return false
		}
		select {
		case <-changed:
		case <-e.rootCtx.Done():
			return false
		}
	}
}

// run is the code pipeline of one job execution
func (e *Executor) run() {
	e.mu.Lock()
	filename := e.filename
	offset := e.startPosition
	runCtx := e.runCtx
	e.mu.Unlock()

	file, err := os.Open(filename)
	if err != nil {
		e.logger.Errorf("could not open job file : %v", err)
		e.finish(StopReasonAborted)
		return
	}
	defer file.Close()
	if offset > 0 {
		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			e.logger.Errorf("could not seek job file : %v", err)
			e.finish(StopReasonAborted)
			return
		}
	}
	reader := codes.NewReader(file, codes.ChannelFile, offset)

	pending := []pendingCode{}
	eof := false

	for {
		e.mu.Lock()
		phase := e.phase
		runCtx = e.runCtx
		e.mu.Unlock()

		if phase == Cancelling || phase == Aborting {
			break
		}
		if phase == Paused {
			// Commit the resume offset before parking, the firmware
			// provided position wins
			e.drain(pending)
			pending = pending[:0]
			e.commitPausePosition()
			if !e.waitResumed() {
				break
			}
			// Restart reading from the committed pause offset
			e.mu.Lock()
			offset = e.nextPosition
			e.mu.Unlock()
			if _, err := file.Seek(offset, io.SeekStart); err != nil {
				e.logger.Errorf("could not seek to resume offset : %v", err)
				break
			}
			reader = codes.NewReader(file, codes.ChannelFile, offset)
			eof = false
			continue
		}

		// Fill the pipeline
		for !eof && len(pending) < e.BufferedCodes && e.Phase() == Running {
			code, err := reader.ReadCode()
			if errors.Is(err, io.EOF) {
				eof = true
				break
			}
			if err != nil {
				// A bad line aborts that line only, the job continues
				e.logger.Warnf("skipping malformed line : %v", err)
				continue
			}
			if code.Type == codes.CodeTypeEmpty || code.Type == codes.CodeTypeComment {
				continue
			}
			future, err := e.dispatcher.Queue(runCtx, code)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					break
				}
				e.logger.Errorf("could not queue job code : %v", err)
				continue
			}
			pending = append(pending, pendingCode{code: code, future: future})
		}

		if len(pending) == 0 {
			if eof {
				break
			}
			continue
		}

		// Await the oldest completion in submission order
		next := pending[0]
		pending = pending[1:]
		result, err := next.future.Wait(runCtx)
		switch {
		case err == nil:
			if len(result) > 0 {
				e.logger.Infof("%v -> %v", next.code, result)
			}
			e.mu.Lock()
			e.nextPosition = next.code.FilePosition + next.code.Length
			e.mu.Unlock()
		case errors.Is(err, channel.ErrCodeCancelled) || errors.Is(err, context.Canceled):
			// Expected during pause/cancel, drained silently
		default:
			e.logger.Errorf("%v failed : %v", next.code, err)
		}
	}

	e.drain(pending)

	e.mu.Lock()
	phase := e.phase
	e.mu.Unlock()
	switch phase {
	case Cancelling:
		e.finish(StopReasonCancelled)
	case Aborting:
		e.finish(StopReasonAborted)
	default:
		e.finish(StopReasonNormal)
	}
}

// drain awaits leftover futures, their cancellation errors are
// expected and ignored
func (e *Executor) drain(pending []pendingCode) {
	for _, p := range pending {
		result, err := p.future.Wait(e.rootCtx)
		if err == nil {
			e.mu.Lock()
			e.nextPosition = p.code.FilePosition + p.code.Length
			e.mu.Unlock()
			if len(result) > 0 {
				e.logger.Infof("%v -> %v", p.code, result)
			}
		}
	}
}

// commitPausePosition fixes the offset execution resumes from
func (e *Executor) commitPausePosition() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pausePosition != nil {
		e.nextPosition = *e.pausePosition
	}
	e.pausePosition = nil
	e.logger.Infof("paused at byte offset %v", e.nextPosition)
}

func (e *Executor) finish(reason StopReason) {
	// Notify before waiters wake so observers never see a finished
	// job the firmware does not know about
	if e.notifier != nil {
		e.notifier.PrintStopped(reason)
	}
	e.mu.Lock()
	e.phase = Finished
	e.startPosition = 0
	e.lastFileCancelled = reason == StopReasonCancelled
	e.lastFileAborted = reason == StopReasonAborted
	e.signal()
	e.mu.Unlock()
	e.logger.Infof("job finished (%v)", reason)
}
