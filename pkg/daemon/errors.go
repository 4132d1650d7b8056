package daemon

import (
	"context"
	"errors"

	"github.com/samsamfire/goduet/pkg/channel"
	"github.com/samsamfire/goduet/pkg/job"
	"github.com/samsamfire/goduet/pkg/transfer"
)

// Kind is the machine readable error classification carried in
// command responses. The set is closed.
type Kind string

const (
	KindNone              Kind = ""
	KindLinkFailure       Kind = "linkFailure"
	KindProtocolViolation Kind = "protocolViolation"
	KindCodeCancelled     Kind = "codeCancelled"
	KindCodeTimeout       Kind = "codeTimeout"
	KindFileError         Kind = "fileError"
	KindBusy              Kind = "busy"
	KindInvalidArgument   Kind = "invalidArgument"
)

var ErrInvalidArgument = errors.New("invalid argument")

// Classify maps an error to its response kind
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, transfer.ErrLinkFailure):
		return KindLinkFailure
	case errors.Is(err, channel.ErrCodeCancelled) || errors.Is(err, context.Canceled):
		return KindCodeCancelled
	case errors.Is(err, channel.ErrCodeTimeout):
		return KindCodeTimeout
	case errors.Is(err, channel.ErrBusy):
		return KindBusy
	case errors.Is(err, job.ErrNoFileSelected) || errors.Is(err, job.ErrBadPhase):
		return KindInvalidArgument
	case errors.Is(err, ErrInvalidArgument):
		return KindInvalidArgument
	default:
		// Remaining failures come from job and macro file handling
		return KindFileError
	}
}
