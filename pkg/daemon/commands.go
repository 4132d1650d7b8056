package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/samsamfire/goduet/pkg/codes"
	"github.com/samsamfire/goduet/pkg/job"
	"github.com/samsamfire/goduet/pkg/model"
)

// Response is the envelope every command returns to its transport
type Response struct {
	Success bool   `json:"success"`
	Kind    Kind   `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
	Value   any    `json:"value,omitempty"`
}

func ok(value any) Response {
	return Response{Success: true, Value: value}
}

func fail(err error) Response {
	return Response{Success: false, Kind: Classify(err), Message: err.Error()}
}

func wrap(err error) Response {
	if err != nil {
		return fail(err)
	}
	return ok(nil)
}

// SelectFile stages a job file for printing or simulation
func (d *Daemon) SelectFile(filename string, simulating bool) Response {
	if filename == "" {
		return fail(fmt.Errorf("%w : empty filename", ErrInvalidArgument))
	}
	if !filepath.IsAbs(filename) {
		filename = filepath.Join(d.settings.JobDir, filename)
	}
	return wrap(d.jobs.SelectFile(filename, simulating))
}

// StartPrint begins execution of the selected job file
func (d *Daemon) StartPrint() Response {
	return wrap(d.jobs.Start())
}

// Pause suspends the running job
func (d *Daemon) Pause(position *int64, reason job.PauseReason) Response {
	return wrap(d.jobs.Pause(position, reason))
}

// Resume continues a paused job
func (d *Daemon) Resume() Response {
	return wrap(d.jobs.Resume())
}

// Cancel stops the current job, draining its codes
func (d *Daemon) Cancel() Response {
	return wrap(d.jobs.Cancel())
}

// Abort stops the current job immediately
func (d *Daemon) Abort() Response {
	return wrap(d.jobs.Abort())
}

// GetFilePosition reports the byte offset execution continues at
func (d *Daemon) GetFilePosition() Response {
	return ok(d.jobs.GetFilePosition())
}

// SetFilePosition overrides the resume offset
func (d *Daemon) SetFilePosition(position int64) Response {
	if position < 0 {
		return fail(fmt.Errorf("%w : negative position", ErrInvalidArgument))
	}
	return wrap(d.jobs.SetFilePosition(position))
}

// FlushChannel waits until every code on the channel completed
func (d *Daemon) FlushChannel(ctx context.Context, ch codes.Channel) Response {
	if !ch.Valid() {
		return fail(fmt.Errorf("%w : bad channel", ErrInvalidArgument))
	}
	if !d.router.Processor(ch).Flush(ctx) {
		return fail(ctx.Err())
	}
	return ok(nil)
}

// SimpleCode executes one code line through the same path as job
// codes and returns its result text
func (d *Daemon) SimpleCode(ctx context.Context, ch codes.Channel, codeText string) Response {
	if !ch.Valid() {
		return fail(fmt.Errorf("%w : bad channel", ErrInvalidArgument))
	}
	code, err := codes.ParseLine(codeText, ch)
	if err != nil {
		return fail(fmt.Errorf("%w : %v", ErrInvalidArgument, err))
	}
	if code.Type == codes.CodeTypeEmpty || code.Type == codes.CodeTypeComment {
		return ok("")
	}
	future, err := d.router.Processor(ch).TryQueue(code)
	if err != nil {
		return fail(err)
	}
	result, err := future.Wait(ctx)
	if err != nil {
		return fail(err)
	}
	return ok(result.String())
}

// ReadObjectModel returns a copy of the model subtree at path
func (d *Daemon) ReadObjectModel(path string) Response {
	value, revision, err := d.store.Get(path)
	if err != nil {
		return fail(fmt.Errorf("%w : %v", ErrInvalidArgument, err))
	}
	return ok(map[string]any{"revision": revision, "value": value})
}

// WriteObjectModel forwards a value into the firmware object model.
// The mirror updates once the firmware reports the change back.
func (d *Daemon) WriteObjectModel(path string, value []byte) Response {
	if path == "" {
		return fail(fmt.Errorf("%w : empty path", ErrInvalidArgument))
	}
	d.router.WriteObjectModel(path, value)
	return ok(nil)
}

// SubscribeObjectModel registers for model change notifications.
// The transport owns the subscriber lifecycle.
func (d *Daemon) SubscribeObjectModel(filter string) *model.Subscriber {
	return d.store.Subscribe(filter)
}

// EvaluateExpression forwards an expression to the firmware
func (d *Daemon) EvaluateExpression(ctx context.Context, ch codes.Channel, expression string) Response {
	if !ch.Valid() {
		return fail(fmt.Errorf("%w : bad channel", ErrInvalidArgument))
	}
	value, err := d.router.Evaluate(ctx, ch, expression)
	if err != nil {
		return fail(err)
	}
	return ok(value)
}

// EmergencyStop halts the firmware immediately
func (d *Daemon) EmergencyStop() Response {
	d.router.EmergencyStop()
	return ok(nil)
}

// ResetFirmware restarts the firmware and clears the model mirror
func (d *Daemon) ResetFirmware() Response {
	d.router.Reset()
	return ok(nil)
}

// JobStatus reports the job state machine snapshot
func (d *Daemon) JobStatus() job.Status {
	return d.jobs.Status()
}

// StartPlugin records a plugin as running
func (d *Daemon) StartPlugin(name string) Response {
	if name == "" {
		return fail(fmt.Errorf("%w : empty plugin name", ErrInvalidArgument))
	}
	d.plugins.Start(name)
	return ok(nil)
}

// StopPlugin removes a plugin from the running set
func (d *Daemon) StopPlugin(name string) Response {
	if !d.plugins.Stop(name) {
		return fail(fmt.Errorf("%w : plugin %v not running", ErrInvalidArgument, name))
	}
	return ok(nil)
}

// diagLockTimeout bounds every lock taken while dumping diagnostics
const diagLockTimeout = 2 * time.Second
