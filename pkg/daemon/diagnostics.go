package daemon

import (
	"fmt"
	"strings"
	"time"

	"github.com/samsamfire/goduet/pkg/codes"
)

// Diagnostics renders a human readable state dump. Every section is
// collected with a bounded wait so a wedged component cannot stall
// the report.
func (d *Daemon) Diagnostics() string {
	var sb strings.Builder

	sb.WriteString("=== Transfer ===\n")
	sb.WriteString(collect(func() string {
		stats := d.engine.Snapshot()
		return fmt.Sprintf("cycles %v, crc failures %v, resyncs %v, resends %v, tx %v bytes, rx %v bytes\n",
			stats.Cycles, stats.CrcFailures, stats.Resyncs, stats.Resends,
			stats.BytesSent, stats.BytesReceived)
	}))

	sb.WriteString("=== Job ===\n")
	sb.WriteString(collect(func() string {
		status := d.jobs.Status()
		if status.Filename == "" {
			return "no file selected\n"
		}
		return fmt.Sprintf("%v %v, position %v/%v\n",
			status.Phase, status.Filename, status.FilePosition, status.FileSize)
	}))

	sb.WriteString("=== Channels ===\n")
	sb.WriteString(collect(func() string {
		var channels strings.Builder
		for ch := codes.Channel(0); ch < codes.ChannelCount; ch++ {
			processor := d.router.Processor(ch)
			queued := processor.QueueDepth()
			outstanding := d.correlator.Outstanding(ch)
			if queued == 0 && outstanding == 0 {
				continue
			}
			fmt.Fprintf(&channels, "%v: %v queued, %v in flight, %v buffer bytes\n",
				ch, queued, outstanding, processor.BufferSpace())
		}
		if channels.Len() == 0 {
			return "all channels idle\n"
		}
		return channels.String()
	}))

	sb.WriteString("=== Macros ===\n")
	sb.WriteString(collect(d.macros.Dump))

	sb.WriteString("=== Plugins ===\n")
	sb.WriteString(collect(func() string {
		running := d.plugins.Running()
		if len(running) == 0 {
			return "none running\n"
		}
		return strings.Join(running, "\n") + "\n"
	}))

	return sb.String()
}

// collect runs fn with the diagnostics lock timeout
func collect(fn func() string) string {
	done := make(chan string, 1)
	go func() {
		done <- fn()
	}()
	select {
	case section := <-done:
		return section
	case <-time.After(diagLockTimeout):
		return fmt.Sprintf("failed to lock within %v\n", diagLockTimeout)
	}
}
