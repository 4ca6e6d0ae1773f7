package rserial

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
)

// Packet layout:
//
//	0xA0 | id | 8 x int24 channels | 3 x int16 aux | 0xCx
const (
	PacketSize        = 33
	StartByte         = 0xA0
	StopByte          = 0xC0
	stopByteMask      = 0xF0
	ChannelsPerPacket = 8
	AuxPerPacket      = 3

	posSampleID     = 1
	posChannelStart = 2
	posAuxStart     = 26
	posStopByte     = 32

	// bytes scanned for a start byte before giving control back to the caller
	DefaultMaxBytesToSkip = 3000
)

const (
	adsVref = 4.5
	adsGain = 24.0

	ScaleMicroVoltsPerCount = adsVref / float64((1<<23)-1) / adsGain * 1000000.
	// accelerometer assumed at +/-4G
	ScaleAccelGPerCount = 0.002 / 16
)

// ErrDeviceStalled means the board produced no bytes within the read timeout.
var ErrDeviceStalled = errors.New("[rserial] device appears to be stalled")

type OutOfSyncError struct {
	ByteSequence []byte
	Skipped      int
}

func (e *OutOfSyncError) Error() string {
	if e.ByteSequence == nil {
		return fmt.Sprintf("[rserial] no start byte within %d bytes", e.Skipped)
	}
	return fmt.Sprintf("[rserial] incorrect stop byte 0x%02X detected", e.ByteSequence[posStopByte])
}

type RawPacket struct {
	ID       uint8
	Channels [ChannelsPerPacket]int32
	Aux      [AuxPerPacket]int16
	Stop     byte
}

func IsStopByte(b byte) bool {
	return b&stopByteMask == StopByte
}

// Int24 sign-extends a big-endian 24 bit two's complement value.
func Int24(b []byte) int32 {
	v := uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
	if b[0] > 127 {
		v |= 0xFF000000
	}
	return int32(v)
}

func PutInt24(b []byte, v int32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func Int16(b []byte) int16 {
	return int16(binary.BigEndian.Uint16(b))
}

func ParsePacket(frame []byte) RawPacket {
	p := RawPacket{
		ID:   frame[posSampleID],
		Stop: frame[posStopByte],
	}
	for i := range p.Channels {
		off := posChannelStart + 3*i
		p.Channels[i] = Int24(frame[off : off+3])
	}
	for i := range p.Aux {
		off := posAuxStart + 2*i
		p.Aux[i] = Int16(frame[off : off+2])
	}
	return p
}

// Encode is the inverse of ParsePacket. A zero Stop byte is written as 0xC0.
func (p RawPacket) Encode() [PacketSize]byte {
	var frame [PacketSize]byte
	frame[0] = StartByte
	frame[posSampleID] = p.ID
	for i, v := range p.Channels {
		PutInt24(frame[posChannelStart+3*i:], v)
	}
	for i, v := range p.Aux {
		binary.BigEndian.PutUint16(frame[posAuxStart+2*i:], uint16(v))
	}
	frame[posStopByte] = p.Stop
	if p.Stop == 0 {
		frame[posStopByte] = StopByte
	}
	return frame
}

// FrameDecoder turns the raw byte stream into validated packets. It is not
// safe for concurrent use.
type FrameDecoder struct {
	r              io.Reader
	logger         *zap.Logger
	frame          [PacketSize]byte
	maxBytesToSkip int

	dropped      uint64
	droppedInRow int
	resyncBytes  uint64
}

func NewFrameDecoder(r io.Reader, logger *zap.Logger) *FrameDecoder {
	return &FrameDecoder{
		r:              r,
		logger:         logger,
		maxBytesToSkip: DefaultMaxBytesToSkip,
	}
}

// Dropped counts frames rejected for a bad stop byte and start byte searches
// that gave up.
func (d *FrameDecoder) Dropped() uint64 { return d.dropped }

// DroppedInRow resets on every valid frame.
func (d *FrameDecoder) DroppedInRow() int { return d.droppedInRow }

func (d *FrameDecoder) ResyncBytes() uint64 { return d.resyncBytes }

func (d *FrameDecoder) ResetDroppedInRow() { d.droppedInRow = 0 }

// ReadFrame scans for a start byte and reads one frame. It returns the number
// of bytes skipped before the start byte. A bad stop byte yields an
// *OutOfSyncError, a silent device yields ErrDeviceStalled.
func (d *FrameDecoder) ReadFrame() (RawPacket, int, error) {
	skipped := 0
	for {
		if err := d.readFull(d.frame[:1]); err != nil {
			return RawPacket{}, skipped, err
		}
		if d.frame[0] == StartByte {
			break
		}
		skipped++
		if skipped >= d.maxBytesToSkip {
			d.resyncBytes += uint64(skipped)
			d.dropped++
			d.droppedInRow++
			return RawPacket{}, skipped, &OutOfSyncError{Skipped: skipped}
		}
	}

	if skipped > 0 {
		d.resyncBytes += uint64(skipped)
		d.logger.Warn("[rserial] skipped bytes before start byte", zap.Int("skipped", skipped))
	}

	if err := d.readFull(d.frame[1:]); err != nil {
		return RawPacket{}, skipped, err
	}

	if !IsStopByte(d.frame[posStopByte]) {
		d.dropped++
		d.droppedInRow++
		byteSequenceCopy := make([]byte, PacketSize)
		copy(byteSequenceCopy, d.frame[:])
		return RawPacket{}, skipped, &OutOfSyncError{ByteSequence: byteSequenceCopy, Skipped: skipped}
	}

	d.droppedInRow = 0
	return ParsePacket(d.frame[:]), skipped, nil
}

// Next keeps reading until a valid frame arrives or the device stalls. The
// returned count covers every byte skipped while resynchronizing.
func (d *FrameDecoder) Next() (RawPacket, int, error) {
	total := 0
	for {
		packet, skipped, err := d.ReadFrame()
		total += skipped
		if err == nil {
			return packet, total, nil
		}

		var oosError *OutOfSyncError
		if !errors.As(err, &oosError) {
			return RawPacket{}, total, err
		}
		d.logger.Warn("[rserial] dropped packet", zap.Error(err), zap.Uint64("dropped", d.dropped))
	}
}

func (d *FrameDecoder) readFull(p []byte) error {
	count := 0
	for count < len(p) {
		n, err := d.r.Read(p[count:])
		count += n
		if count == len(p) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDeviceStalled, err)
		}
		if n == 0 {
			return ErrDeviceStalled
		}
	}
	return nil
}
