package config

import (
	"fmt"
	"time"

	"gopkg.in/ini.v1"
)

// Settings of the daemon, loaded from an ini file. Zero values are
// replaced by defaults on load.
type Settings struct {
	// [spi]
	Interface        string        `ini:"interface"`
	Device           string        `ini:"device"`
	FrequencyHz      int           `ini:"frequency_hz"`
	PinFirmwareReady string        `ini:"pin_firmware_ready"`
	PinSbcReady      string        `ini:"pin_sbc_ready"`
	PinDirection     string        `ini:"pin_direction"`
	HandshakeTimeout time.Duration `ini:"handshake_timeout"`
	CycleTime        time.Duration `ini:"cycle_time"`

	// [codes]
	ReplyTimeout       time.Duration `ini:"reply_timeout"`
	BufferedPrintCodes int           `ini:"buffered_print_codes"`

	// [files]
	MacroDir       string `ini:"macro_dir"`
	JobDir         string `ini:"job_dir"`
	PluginListPath string `ini:"plugin_list"`

	// [daemon]
	LogLevel string `ini:"log_level"`
}

func Default() *Settings {
	return &Settings{
		Interface:          "linux",
		Device:             "/dev/spidev0.0",
		FrequencyHz:        8_000_000,
		PinFirmwareReady:   "GPIO25",
		PinSbcReady:        "GPIO24",
		PinDirection:       "GPIO22",
		HandshakeTimeout:   4 * time.Second,
		CycleTime:          32 * time.Millisecond,
		ReplyTimeout:       30 * time.Second,
		BufferedPrintCodes: 8,
		MacroDir:           "/opt/dsf/sd/sys",
		JobDir:             "/opt/dsf/sd/gcodes",
		PluginListPath:     "/opt/dsf/plugins.txt",
		LogLevel:           "info",
	}
}

// Load reads settings from an ini file, missing keys keep their
// defaults
func Load(path string) (*Settings, error) {
	settings := Default()
	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("could not load config %v : %w", path, err)
	}
	sections := map[string]any{
		"spi":    settings,
		"codes":  settings,
		"files":  settings,
		"daemon": settings,
	}
	for name, target := range sections {
		section := file.Section(name)
		if section == nil {
			continue
		}
		if err := section.MapTo(target); err != nil {
			return nil, fmt.Errorf("invalid [%v] section : %w", name, err)
		}
	}
	if settings.BufferedPrintCodes <= 0 {
		return nil, fmt.Errorf("buffered_print_codes must be positive")
	}
	return settings, nil
}
