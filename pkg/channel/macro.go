package channel

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/samsamfire/goduet/pkg/codes"
	log "github.com/sirupsen/logrus"
)

const (
	ConfigFile         = "config.g"
	ConfigFileFallback = "config.g.bak"
	ConfigOverrideFile = "config-override.g"
)

// A Frame is one open macro file on a channel
type Frame struct {
	Filename         string
	IsConfig         bool
	IsConfigOverride bool
	IsNested         bool
	// Wire id of the code that caused the macro, zero for system macros
	StartCodeId uint16
	file        *os.File
	reader      *codes.Reader
}

// MacroStack is the registry of open macro files, indexed by channel.
// Each channel is guarded by its own mutex, cross channel access never
// happens.
type MacroStack struct {
	baseDir string
	logger  *log.Entry
	mu      [codes.ChannelCount]sync.Mutex
	frames  [codes.ChannelCount][]*Frame
}

func NewMacroStack(baseDir string, logger *log.Entry) *MacroStack {
	if logger == nil {
		logger = log.WithField("service", "[MACRO]")
	}
	return &MacroStack{baseDir: baseDir, logger: logger}
}

func (m *MacroStack) resolve(filename string) string {
	if filepath.IsAbs(filename) {
		return filename
	}
	return filepath.Join(m.baseDir, filename)
}

// Push opens filename and makes it the innermost code source of the
// channel. startCodeId associates the frame with the code that caused
// it, zero for system macros.
func (m *MacroStack) Push(channel codes.Channel, filename string, startCodeId uint16) error {
	path := m.resolve(filename)
	file, err := os.Open(path)
	if err != nil && filepath.Base(filename) == ConfigFile {
		// The firmware accepts the backup config when the main one is
		// missing
		file, err = os.Open(m.resolve(ConfigFileFallback))
	}
	if err != nil {
		return fmt.Errorf("could not open macro %v : %w", filename, err)
	}
	m.mu[channel].Lock()
	defer m.mu[channel].Unlock()
	base := filepath.Base(filename)
	frame := &Frame{
		Filename:         filename,
		IsConfig:         base == ConfigFile || base == ConfigFileFallback,
		IsConfigOverride: base == ConfigOverrideFile,
		IsNested:         len(m.frames[channel]) > 0,
		StartCodeId:      startCodeId,
		file:             file,
		reader:           codes.NewReader(file, channel, 0),
	}
	m.frames[channel] = append(m.frames[channel], frame)
	m.logger.Debugf("macro %v started on %v (depth %v)", filename, channel, len(m.frames[channel]))
	return nil
}

// ReadNext returns the next code from the innermost frame. Exhausted
// frames are popped and returned so the caller can report macro
// completion, innermost first.
func (m *MacroStack) ReadNext(channel codes.Channel) (*codes.Code, []*Frame, error) {
	m.mu[channel].Lock()
	defer m.mu[channel].Unlock()
	popped := []*Frame{}
	for {
		depth := len(m.frames[channel])
		if depth == 0 {
			return nil, popped, nil
		}
		frame := m.frames[channel][depth-1]
		code, err := frame.reader.ReadCode()
		if err == nil {
			return code, popped, nil
		}
		frame.file.Close()
		m.frames[channel] = m.frames[channel][:depth-1]
		popped = append(popped, frame)
		if !errors.Is(err, io.EOF) {
			// A parse failure aborts the macro and fails its code
			m.logger.Warnf("macro %v failed : %v", frame.Filename, err)
			return nil, popped, err
		}
		m.logger.Debugf("macro %v finished on %v", frame.Filename, channel)
	}
}

// AbortAll closes and pops every frame on the channel. Returns the
// popped frames, empty when none were open.
func (m *MacroStack) AbortAll(channel codes.Channel) []*Frame {
	m.mu[channel].Lock()
	defer m.mu[channel].Unlock()
	popped := make([]*Frame, 0, len(m.frames[channel]))
	for i := len(m.frames[channel]) - 1; i >= 0; i-- {
		frame := m.frames[channel][i]
		frame.file.Close()
		popped = append(popped, frame)
	}
	m.frames[channel] = nil
	return popped
}

// AbortLast closes and pops only the innermost frame
func (m *MacroStack) AbortLast(channel codes.Channel) *Frame {
	m.mu[channel].Lock()
	defer m.mu[channel].Unlock()
	depth := len(m.frames[channel])
	if depth == 0 {
		return nil
	}
	frame := m.frames[channel][depth-1]
	frame.file.Close()
	m.frames[channel] = m.frames[channel][:depth-1]
	return frame
}

// Depth returns the number of open frames on the channel
func (m *MacroStack) Depth(channel codes.Channel) int {
	m.mu[channel].Lock()
	defer m.mu[channel].Unlock()
	return len(m.frames[channel])
}

// Dump reports every open frame for diagnostics
func (m *MacroStack) Dump() string {
	var sb strings.Builder
	for ch := codes.Channel(0); ch < codes.ChannelCount; ch++ {
		m.mu[ch].Lock()
		for depth, frame := range m.frames[ch] {
			fmt.Fprintf(&sb, "%v: depth %v file %v\n", ch, depth+1, frame.Filename)
		}
		m.mu[ch].Unlock()
	}
	if sb.Len() == 0 {
		return "no open macro files\n"
	}
	return sb.String()
}
