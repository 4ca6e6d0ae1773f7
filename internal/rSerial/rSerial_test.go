package rserial_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	rserial "sleepywoodpecker/cyton-acquisition/internal/rSerial"
	"sleepywoodpecker/cyton-acquisition/internal/rSerial/rserialtest"
)

func TestSoftResetReadsBanner(t *testing.T) {
	board := rserialtest.NewFakeBoard()
	link, err := rserial.NewRSerial("fake", 115200, 50*time.Millisecond, board.Opener(), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, link.Initialize())

	banner, err := link.SoftReset(time.Second)
	require.NoError(t, err)
	require.Equal(t, rserialtest.DefaultBanner, banner)
	require.Equal(t, []byte{'v'}, board.Commands())
}

func TestSoftResetWithoutBanner(t *testing.T) {
	board := rserialtest.NewFakeBoard()
	board.Banner = "garbage"
	link, err := rserial.NewRSerial("fake", 115200, 50*time.Millisecond, board.Opener(), zap.NewNop())
	require.NoError(t, err)

	_, err = link.SoftReset(20 * time.Millisecond)
	require.ErrorIs(t, err, rserial.ErrNoBanner)
}

func TestOpenFailure(t *testing.T) {
	failing := func(string, int) (rserial.Port, error) {
		return nil, errors.New("no such file or directory")
	}
	_, err := rserial.NewRSerial("/dev/missing", 115200, time.Second, failing, zap.NewNop())
	require.Error(t, err)
}

func TestFindPort(t *testing.T) {
	board := rserialtest.NewFakeBoard()
	silent := rserialtest.NewFakeBoard()
	silent.Banner = "modem$$$"

	open := func(portName string, baudrate int) (rserial.Port, error) {
		switch portName {
		case "/dev/ttyUSB1":
			return board.Opener()(portName, baudrate)
		case "/dev/ttyUSB0":
			return silent.Opener()(portName, baudrate)
		}
		return nil, errors.New("busy")
	}

	port, err := rserial.FindPort([]string{"/dev/ttyS0", "/dev/ttyUSB0", "/dev/ttyUSB1"}, 115200, 50*time.Millisecond, open, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, "/dev/ttyUSB1", port)
	require.True(t, board.Closed())
}

func TestChannelCommand(t *testing.T) {
	cmd, err := rserial.ChannelCommand(1, false, 8)
	require.NoError(t, err)
	require.Equal(t, rserial.Command('1'), cmd)

	cmd, err = rserial.ChannelCommand(16, true, 16)
	require.NoError(t, err)
	require.Equal(t, rserial.Command('I'), cmd)

	_, err = rserial.ChannelCommand(9, true, 8)
	require.Error(t, err)
}

func TestTestSignal(t *testing.T) {
	cmd, err := rserial.TestSignal(5)
	require.NoError(t, err)
	require.Equal(t, rserial.TestSignalFast2x, cmd)

	_, err = rserial.TestSignal(6)
	require.Error(t, err)
}
