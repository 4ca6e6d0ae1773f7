// Package rserialtest provides an in-memory board for exercising the serial
// link without hardware.
package rserialtest

import (
	"bytes"
	"errors"
	"sync"
	"time"

	rserial "sleepywoodpecker/cyton-acquisition/internal/rSerial"
)

const DefaultBanner = "OpenBCI V3 8-16 channel\nADS1299 Device ID: 0x3E\nLIS3DH Device ID: 0x33\nFirmware: v3.1.2\n$$$"

var ErrPortClosed = errors.New("fake port closed")

// FakeBoard implements rserial.Port. Every 'b' queues the next entry of
// Chunks; with Generate set it also synthesizes frames for as long as the
// board is streaming.
type FakeBoard struct {
	Banner    string
	Chunks    [][]byte
	Generate  bool
	SyncFirst bool
	// CorruptStop makes every generated frame fail the stop byte check.
	CorruptStop   bool
	FrameInterval time.Duration

	mu        sync.Mutex
	buf       bytes.Buffer
	streaming bool
	synced    bool
	nextID    uint8
	commands  []byte
	closed    bool
	timeout   time.Duration
}

func NewFakeBoard() *FakeBoard {
	return &FakeBoard{
		Banner:        DefaultBanner,
		FrameInterval: time.Millisecond,
	}
}

// Opener returns an rserial.OpenFunc handing out this board.
func (b *FakeBoard) Opener() rserial.OpenFunc {
	return func(portName string, baudrate int) (rserial.Port, error) {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.closed = false
		return b, nil
	}
}

func (b *FakeBoard) Read(p []byte) (int, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, ErrPortClosed
	}

	generated := false
	if b.buf.Len() == 0 && b.streaming && b.Generate {
		value := int32(b.nextID) + 1
		if b.SyncFirst && !b.synced {
			value = 0
			b.synced = true
		}
		frame := Frame(b.nextID, value)
		if b.CorruptStop {
			frame[rserial.PacketSize-1] = 0x00
		}
		b.buf.Write(frame[:])
		b.nextID++
		generated = true
	}

	if b.buf.Len() == 0 {
		b.mu.Unlock()
		// behaves like a read timeout, without making tests wait for it
		time.Sleep(100 * time.Microsecond)
		return 0, nil
	}

	n, _ := b.buf.Read(p)
	b.mu.Unlock()

	if generated && b.FrameInterval > 0 {
		time.Sleep(b.FrameInterval)
	}
	return n, nil
}

func (b *FakeBoard) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrPortClosed
	}

	for _, c := range p {
		b.commands = append(b.commands, c)
		switch rserial.Command(c) {
		case rserial.CmdSoftReset:
			b.buf.WriteString(b.Banner)
		case rserial.CmdStartStreaming:
			b.streaming = true
			b.synced = false
			if len(b.Chunks) > 0 {
				b.buf.Write(b.Chunks[0])
				b.Chunks = b.Chunks[1:]
			}
		case rserial.CmdStopStreaming:
			b.streaming = false
		}
	}
	return len(p), nil
}

func (b *FakeBoard) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *FakeBoard) SetReadTimeout(t time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.timeout = t
	return nil
}

func (b *FakeBoard) ResetInputBuffer() error {
	return nil
}

// Commands returns every command byte written so far.
func (b *FakeBoard) Commands() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.commands...)
}

func (b *FakeBoard) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *FakeBoard) Streaming() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streaming
}

// Frame builds a valid packet whose channels all hold value.
func Frame(id uint8, value int32) [rserial.PacketSize]byte {
	p := rserial.RawPacket{ID: id, Stop: rserial.StopByte}
	for i := range p.Channels {
		p.Channels[i] = value
	}
	for i := range p.Aux {
		p.Aux[i] = int16(i + 1)
	}
	return p.Encode()
}

// Frames concatenates count frames with consecutive ids starting at firstID.
func Frames(firstID uint8, count int, value int32) []byte {
	out := make([]byte, 0, count*rserial.PacketSize)
	for i := 0; i < count; i++ {
		f := Frame(firstID+uint8(i), value)
		out = append(out, f[:]...)
	}
	return out
}
