// r in rserial stands for "robust"
package rserial

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// banner terminator the board prints after a reset or a register query
var bannerEnd = []byte("$$$")

const boardIdentity = "OpenBCI"

var ErrNoBanner = errors.New("[rserial] board did not answer with a banner")

// Port is the subset of serial.Port the board link needs.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

type OpenFunc func(portName string, baudrate int) (Port, error)

// OpenSerial opens a real serial device, 8N1.
func OpenSerial(portName string, baudrate int) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baudrate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, err
	}
	return port, nil
}

// RSerial is the exclusive handle on the board's serial link.
type RSerial struct {
	Port
	logger      *zap.Logger
	portName    string
	readTimeout time.Duration
}

func NewRSerial(portName string, baudrate int, readTimeout time.Duration, open OpenFunc, logger *zap.Logger) (*RSerial, error) {
	if open == nil {
		open = OpenSerial
	}
	port, err := open(portName, baudrate)
	if err != nil {
		return nil, fmt.Errorf("[rserial] error opening serial port %s: %w", portName, err)
	}

	return &RSerial{
		Port:        port,
		logger:      logger,
		portName:    portName,
		readTimeout: readTimeout,
	}, nil
}

func (r *RSerial) PortName() string {
	return r.portName
}

// Initialize applies the read timeout and discards whatever is buffered.
func (r *RSerial) Initialize() error {
	return multierr.Combine(
		r.SetReadTimeout(r.readTimeout),
		r.ResetInputBuffer(),
	)
}

func (r *RSerial) SendCommand(cmd Command) error {
	if _, err := r.Write([]byte{byte(cmd)}); err != nil {
		return fmt.Errorf("[rserial] writing command %q: %w", byte(cmd), err)
	}
	r.logger.Debug("[rserial] sent command", zap.String("portName", r.portName), zap.String("command", cmd.String()))
	return nil
}

// SoftReset sends 'v' and returns the banner the board prints in reply.
func (r *RSerial) SoftReset(timeout time.Duration) (string, error) {
	if err := r.SendCommand(CmdSoftReset); err != nil {
		return "", err
	}
	return r.readBanner(timeout)
}

func (r *RSerial) QueryRegisters(timeout time.Duration) (string, error) {
	if err := r.SendCommand(CmdQueryRegisters); err != nil {
		return "", err
	}
	return r.readBanner(timeout)
}

func (r *RSerial) readBanner(timeout time.Duration) (string, error) {
	var banner bytes.Buffer
	onebyte := make([]byte, 1)
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		n, err := r.Read(onebyte)
		if err != nil {
			return banner.String(), fmt.Errorf("[rserial] reading banner: %w", err)
		}
		if n == 0 {
			continue
		}
		banner.WriteByte(onebyte[0])
		if bytes.HasSuffix(banner.Bytes(), bannerEnd) {
			return banner.String(), nil
		}
	}

	return banner.String(), ErrNoBanner
}

func (r *RSerial) Close() error {
	r.logger.Info("[rserial] closing serial port", zap.String("portName", r.portName))
	return r.Port.Close()
}

// CandidatePorts lists the serial ports the OS knows about.
func CandidatePorts() ([]string, error) {
	return serial.GetPortsList()
}

// FindPort probes every candidate with a soft reset and returns the first one
// whose banner identifies a board.
func FindPort(candidates []string, baudrate int, timeout time.Duration, open OpenFunc, logger *zap.Logger) (string, error) {
	var errs error
	for _, candidate := range candidates {
		link, err := NewRSerial(candidate, baudrate, timeout, open, logger)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}

		banner, err := func() (string, error) {
			defer link.Close()
			if err := link.Initialize(); err != nil {
				return "", err
			}
			return link.SoftReset(timeout)
		}()
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if bytes.Contains([]byte(banner), []byte(boardIdentity)) {
			logger.Info("[rserial] found board", zap.String("portName", candidate))
			return candidate, nil
		}
	}

	return "", multierr.Append(fmt.Errorf("[rserial] cannot find a board among %d ports", len(candidates)), errs)
}
