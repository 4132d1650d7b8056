package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "duetd.conf")
	content := `
[spi]
interface = virtual
device = /dev/spidev0.1
handshake_timeout = 2s

[codes]
buffered_print_codes = 16

[daemon]
log_level = debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	settings, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "virtual", settings.Interface)
	assert.Equal(t, "/dev/spidev0.1", settings.Device)
	assert.Equal(t, 2*time.Second, settings.HandshakeTimeout)
	assert.Equal(t, 16, settings.BufferedPrintCodes)
	assert.Equal(t, "debug", settings.LogLevel)

	// Untouched keys keep their defaults
	assert.Equal(t, Default().ReplyTimeout, settings.ReplyTimeout)
	assert.Equal(t, Default().MacroDir, settings.MacroDir)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/does/not/exist.conf")
	assert.Error(t, err)
}

func TestLoadRejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "duetd.conf")
	require.NoError(t, os.WriteFile(path, []byte("[codes]\nbuffered_print_codes = -1\n"), 0644))
	_, err := Load(path)
	assert.Error(t, err)
}
