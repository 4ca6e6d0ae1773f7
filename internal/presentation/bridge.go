// Package presentation talks to the stimulus application over TCP. The
// application greets, is answered with "True", and then sends single byte
// messages until 'E' or the end of the connection.
package presentation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"go.uber.org/zap"

	"sleepywoodpecker/cyton-acquisition/internal/acquisition"
	"sleepywoodpecker/cyton-acquisition/internal/processing"
)

const (
	EndByte = 'E'
	// OnlineStartByte asks for streaming in online mode.
	OnlineStartByte = '8'

	ackByte       = '2'
	greetingReply = "True"
	greetingSize  = 1024
)

type Mode int

const (
	// Training labels every sample with the class the application shows.
	Training Mode = iota
	// Online only starts and stops streaming, predictions are made live.
	Online
)

func ParseMode(s string) (Mode, error) {
	switch s {
	case "training":
		return Training, nil
	case "online":
		return Online, nil
	}
	return 0, fmt.Errorf("unknown presentation mode %q", s)
}

func (m Mode) String() string {
	if m == Online {
		return "online"
	}
	return "training"
}

// Labeler is the controller surface the bridge drives.
type Labeler interface {
	Signals() *acquisition.Signals
	SetLabeling(on bool)
	Labels() *processing.LabelStore
}

type Bridge struct {
	labeler Labeler
	mode    Mode
	logger  *zap.Logger
}

func NewBridge(labeler Labeler, mode Mode, logger *zap.Logger) *Bridge {
	return &Bridge{labeler: labeler, mode: mode, logger: logger}
}

func (b *Bridge) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("[presentation] listening on %s: %w", addr, err)
	}
	b.logger.Info("[presentation] listening", zap.String("addr", addr), zap.Stringer("mode", b.mode))
	return b.Serve(ctx, ln)
}

// Serve handles one application connection at a time until ctx is cancelled.
func (b *Bridge) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				b.logger.Info("[presentation] received shutdown signal")
				return nil
			}
			return fmt.Errorf("[presentation] accept: %w", err)
		}
		b.handle(ctx, conn)
	}
}

func (b *Bridge) handle(ctx context.Context, conn net.Conn) {
	b.logger.Info("[presentation] application connected", zap.String("remote", conn.RemoteAddr().String()))

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer conn.Close()

	greeting := make([]byte, greetingSize)
	n, err := conn.Read(greeting)
	if err != nil {
		b.logger.Warn("[presentation] no greeting from application", zap.Error(err))
		return
	}
	b.logger.Info("[presentation] greeting", zap.String("greeting", string(greeting[:n])))

	if _, err := conn.Write([]byte(greetingReply)); err != nil {
		b.logger.Warn("[presentation] error answering greeting", zap.Error(err))
		return
	}

	if b.mode == Training {
		b.train(conn)
	} else {
		b.online(conn)
	}
}

func (b *Bridge) train(conn net.Conn) {
	signals := b.labeler.Signals()
	labels := b.labeler.Labels()

	labels.Clear()
	b.labeler.SetLabeling(true)
	signals.StartStreaming.Raise()
	defer func() {
		b.labeler.SetLabeling(false)
		signals.StopStreaming.Raise()
		b.logger.Info("[presentation] training ended")
	}()

	var last byte
	err := readBytes(conn, func(c byte) bool {
		if c == EndByte {
			return false
		}
		if c == last {
			return true
		}
		last = c
		if c < '0' || c > '9' {
			b.logger.Warn("[presentation] ignoring non numeric class", zap.String("byte", string(c)))
			return true
		}
		class := int(c - '0')
		labels.Update(processing.Label{Class: class, GroundTruth: class})
		b.logger.Debug("[presentation] class changed", zap.Int("class", class))
		return true
	})
	if err != nil {
		b.logger.Warn("[presentation] connection error", zap.Error(err))
	}
}

func (b *Bridge) online(conn net.Conn) {
	signals := b.labeler.Signals()
	ack := []byte{ackByte}

	err := readBytes(conn, func(c byte) bool {
		more := true
		switch c {
		case EndByte:
			more = false
		case OnlineStartByte:
			signals.StartStreaming.Raise()
		default:
			b.logger.Debug("[presentation] ignoring byte", zap.String("byte", string(c)))
		}
		if _, err := conn.Write(ack); err != nil {
			b.logger.Warn("[presentation] error acknowledging byte", zap.Error(err))
		}
		return more
	})
	if err != nil {
		b.logger.Warn("[presentation] connection error", zap.Error(err))
	}
	signals.StopStreaming.Raise()
	b.logger.Info("[presentation] online session ended")
}

// readBytes calls fn for every byte until fn returns false or the peer
// closes the connection. A clean close is not an error.
func readBytes(r io.Reader, fn func(byte) bool) error {
	one := make([]byte, 1)
	for {
		_, err := io.ReadFull(r, one)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if !fn(one[0]) {
			return nil
		}
	}
}
