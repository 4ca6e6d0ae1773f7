package rserial

import "fmt"

// Command is a single ASCII byte understood by the board firmware.
type Command byte

const (
	CmdStartStreaming Command = 'b'
	CmdStopStreaming  Command = 's'
	CmdSoftReset      Command = 'v'
	CmdQueryRegisters Command = '?'
)

const (
	TestSignalGround Command = '0'
	TestSignalDC     Command = 'p'
	TestSignalSlow1x Command = '-'
	TestSignalFast1x Command = '='
	TestSignalSlow2x Command = '['
	TestSignalFast2x Command = ']'
)

var testSignals = []Command{
	TestSignalGround,
	TestSignalDC,
	TestSignalSlow1x,
	TestSignalFast1x,
	TestSignalSlow2x,
	TestSignalFast2x,
}

// channels 1-8 live on the main board, 9-16 on the daisy module
var (
	channelOff = []byte("12345678qwertyui")
	channelOn  = []byte("!@#$%^&*QWERTYUI")
)

func (c Command) String() string {
	switch c {
	case CmdStartStreaming:
		return "start streaming"
	case CmdStopStreaming:
		return "stop streaming"
	case CmdSoftReset:
		return "soft reset"
	case CmdQueryRegisters:
		return "query registers"
	}
	return string(rune(c))
}

// ChannelCommand returns the on/off command for a 1-based channel.
func ChannelCommand(channel int, on bool, channelCount int) (Command, error) {
	if channel < 1 || channel > channelCount || channel > len(channelOn) {
		return 0, fmt.Errorf("[rserial] channel %d not available on a %d channel board", channel, channelCount)
	}
	if on {
		return Command(channelOn[channel-1]), nil
	}
	return Command(channelOff[channel-1]), nil
}

// TestSignal maps 0..5 to the board's internal test signal commands:
// ground, DC, slow 1x, fast 1x, slow 2x, fast 2x.
func TestSignal(signal int) (Command, error) {
	if signal < 0 || signal >= len(testSignals) {
		return 0, fmt.Errorf("[rserial] %d is not a known test signal, valid signals go from 0-%d", signal, len(testSignals)-1)
	}
	return testSignals[signal], nil
}
