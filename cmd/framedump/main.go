// framedump streams raw frames from a board and prints them, flagging gaps in
// the sample counter. Useful for checking a dongle before a session.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"sleepywoodpecker/cyton-acquisition/internal/config"
	"sleepywoodpecker/cyton-acquisition/internal/logger"
	rserial "sleepywoodpecker/cyton-acquisition/internal/rSerial"
)

func main() {
	board := config.Default().Board
	port := pflag.StringP("port", "p", "", "serial port, probes every port when empty")
	baudrate := pflag.IntP("baud", "b", board.Baudrate, "baud rate")
	count := pflag.IntP("count", "n", 0, "frames to print, 0 runs until interrupted")
	pflag.Parse()

	logger, err := logger.NewLogger("", "info")
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := dump(ctx, *port, *baudrate, board.ReadTimeout, *count, logger); err != nil {
		logger.Fatal("[framedump] failed", zap.Error(err))
	}
}

func dump(ctx context.Context, portName string, baudrate int, timeout time.Duration, count int, logger *zap.Logger) (err error) {
	if portName == "" {
		candidates, err := rserial.CandidatePorts()
		if err != nil {
			return err
		}
		if portName, err = rserial.FindPort(candidates, baudrate, time.Second, nil, logger); err != nil {
			return err
		}
	}

	link, err := rserial.NewRSerial(portName, baudrate, timeout, nil, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, link.SendCommand(rserial.CmdStopStreaming), link.Close())
	}()

	if err := link.Initialize(); err != nil {
		return err
	}
	banner, err := link.SoftReset(time.Second)
	if err != nil {
		return err
	}
	fmt.Print(banner, "\n")

	if err := link.SendCommand(rserial.CmdStartStreaming); err != nil {
		return err
	}

	decoder := rserial.NewFrameDecoder(link, logger)
	prev := -1
	for n := 0; count == 0 || n < count; {
		if ctx.Err() != nil {
			return nil
		}
		packet, skipped, err := decoder.ReadFrame()
		var oosError *rserial.OutOfSyncError
		if errors.As(err, &oosError) {
			logger.Warn("[framedump] dropped packet", zap.Error(err), zap.Uint64("dropped", decoder.Dropped()))
			continue
		}
		if err != nil {
			if errors.Is(err, rserial.ErrDeviceStalled) && ctx.Err() != nil {
				return nil
			}
			return err
		}

		fmt.Printf("%3d %v %v\n", packet.ID, packet.Channels, packet.Aux)
		n++

		if prev >= 0 && uint8(prev+1) != packet.ID {
			logger.Warn("[framedump] gap in sample ids",
				zap.Int("previous", prev),
				zap.Uint8("current", packet.ID),
				zap.Int("skippedBytes", skipped))
		}
		prev = int(packet.ID)
	}
	return nil
}
