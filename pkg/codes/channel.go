package codes

import "fmt"

// Channel is a logical code source shared with the firmware.
// The numeric values are part of the wire protocol and cannot change.
type Channel uint8

const (
	ChannelHTTP      Channel = 0
	ChannelTelnet    Channel = 1
	ChannelFile      Channel = 2
	ChannelUSB       Channel = 3
	ChannelAux       Channel = 4
	ChannelTrigger   Channel = 5
	ChannelQueue     Channel = 6
	ChannelLCD       Channel = 7
	ChannelSBC       Channel = 8
	ChannelDaemon    Channel = 9
	ChannelAutoPause Channel = 10

	ChannelCount = 11
)

var channelNames = map[Channel]string{
	ChannelHTTP:      "HTTP",
	ChannelTelnet:    "Telnet",
	ChannelFile:      "File",
	ChannelUSB:       "USB",
	ChannelAux:       "Aux",
	ChannelTrigger:   "Trigger",
	ChannelQueue:     "Queue",
	ChannelLCD:       "LCD",
	ChannelSBC:       "SBC",
	ChannelDaemon:    "Daemon",
	ChannelAutoPause: "AutoPause",
}

func (c Channel) String() string {
	name, ok := channelNames[c]
	if !ok {
		return fmt.Sprintf("Unknown(%d)", uint8(c))
	}
	return name
}

func (c Channel) Valid() bool {
	return c < ChannelCount
}

// EgressPriority is the fixed order in which channels are offered
// transfer space each cycle
var EgressPriority = []Channel{
	ChannelTrigger,
	ChannelAutoPause,
	ChannelHTTP,
	ChannelTelnet,
	ChannelFile,
	ChannelUSB,
	ChannelAux,
	ChannelQueue,
	ChannelLCD,
	ChannelSBC,
	ChannelDaemon,
}

// ParseChannel resolves a channel from its display name
func ParseChannel(name string) (Channel, error) {
	for ch, chName := range channelNames {
		if chName == name {
			return ch, nil
		}
	}
	return 0, fmt.Errorf("unknown channel %q", name)
}
