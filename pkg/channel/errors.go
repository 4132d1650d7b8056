package channel

import "errors"

var (
	ErrCodeCancelled  = errors.New("code was cancelled")
	ErrCodeTimeout    = errors.New("no reply from firmware within deadline")
	ErrBusy           = errors.New("too many codes queued for channel")
	ErrInvalidChannel = errors.New("unknown channel")
	ErrSlotInUse      = errors.New("no free code slot on channel")
)
