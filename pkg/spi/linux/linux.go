package linux

import (
	"fmt"
	"sync"
	"time"

	"github.com/samsamfire/goduet/pkg/spi"
	log "github.com/sirupsen/logrus"
	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpioreg"
	"periph.io/x/periph/conn/physic"
	pspi "periph.io/x/periph/conn/spi"
	"periph.io/x/periph/conn/spi/spireg"
	"periph.io/x/periph/host"
)

func init() {
	spi.RegisterInterface("linux", NewLinuxTransceiver)
}

const defaultFrequency = 8 * physic.MegaHertz

// LinuxTransceiver couples to the firmware through a spidev port and
// three GPIO handshake lines, using periph.io for both.
type LinuxTransceiver struct {
	device        string
	frequency     physic.Frequency
	readyPinName  string // firmware ready (input)
	sbcPinName    string // sbc ready (output)
	dirPinName    string // transfer direction (output)
	port          pspi.PortCloser
	conn          pspi.Conn
	firmwareReady gpio.PinIO
	sbcReady      gpio.PinIO
	direction     gpio.PinIO
	dirLevel      gpio.Level
	mu            sync.Mutex
}

func NewLinuxTransceiver(device string) (spi.Transceiver, error) {
	return &LinuxTransceiver{
		device:       device,
		frequency:    defaultFrequency,
		readyPinName: "GPIO25",
		sbcPinName:   "GPIO24",
		dirPinName:   "GPIO22",
	}, nil
}

// SetPins overrides the default handshake line names, has to be called
// before Connect.
func (t *LinuxTransceiver) SetPins(firmwareReady, sbcReady, direction string) {
	t.readyPinName = firmwareReady
	t.sbcPinName = sbcReady
	t.dirPinName = direction
}

// SetFrequency overrides the default SPI clock, has to be called
// before Connect.
func (t *LinuxTransceiver) SetFrequency(freq physic.Frequency) {
	t.frequency = freq
}

func (t *LinuxTransceiver) Connect(args ...any) error {
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("host init failed : %w", err)
	}
	port, err := spireg.Open(t.device)
	if err != nil {
		return fmt.Errorf("could not open %v : %w", t.device, err)
	}
	conn, err := port.Connect(t.frequency, pspi.Mode0, 8)
	if err != nil {
		port.Close()
		return fmt.Errorf("could not configure %v : %w", t.device, err)
	}
	t.firmwareReady = gpioreg.ByName(t.readyPinName)
	t.sbcReady = gpioreg.ByName(t.sbcPinName)
	t.direction = gpioreg.ByName(t.dirPinName)
	if t.firmwareReady == nil || t.sbcReady == nil || t.direction == nil {
		port.Close()
		return fmt.Errorf("handshake pins not found (%v,%v,%v)", t.readyPinName, t.sbcPinName, t.dirPinName)
	}
	if err := t.firmwareReady.In(gpio.PullDown, gpio.RisingEdge); err != nil {
		port.Close()
		return fmt.Errorf("could not configure ready pin : %w", err)
	}
	if err := t.sbcReady.Out(gpio.Low); err != nil {
		port.Close()
		return fmt.Errorf("could not configure sbc ready pin : %w", err)
	}
	t.dirLevel = gpio.Low
	if err := t.direction.Out(gpio.Low); err != nil {
		port.Close()
		return fmt.Errorf("could not configure direction pin : %w", err)
	}
	t.port = port
	t.conn = conn
	log.Debugf("[SPI] connected to %v @ %v", t.device, t.frequency)
	return nil
}

func (t *LinuxTransceiver) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil
	}
	t.sbcReady.Out(gpio.Low)
	err := t.port.Close()
	t.port = nil
	t.conn = nil
	return err
}

func (t *LinuxTransceiver) SetReady(state bool) error {
	if state {
		return t.sbcReady.Out(gpio.High)
	}
	return t.sbcReady.Out(gpio.Low)
}

func (t *LinuxTransceiver) WaitReady(timeout time.Duration) error {
	// Level check first, the edge may have fired before we got here
	if t.firmwareReady.Read() == gpio.High {
		return nil
	}
	if !t.firmwareReady.WaitForEdge(timeout) {
		return spi.ErrWaitTimeout
	}
	return nil
}

func (t *LinuxTransceiver) ToggleDirection() error {
	if t.dirLevel == gpio.Low {
		t.dirLevel = gpio.High
	} else {
		t.dirLevel = gpio.Low
	}
	return t.direction.Out(t.dirLevel)
}

func (t *LinuxTransceiver) FullDuplex(tx, rx []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return fmt.Errorf("not connected")
	}
	return t.conn.Tx(tx, rx)
}
