// Package acquisition owns the board link and runs the streaming session.
package acquisition

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"sleepywoodpecker/cyton-acquisition/internal/config"
	"sleepywoodpecker/cyton-acquisition/internal/metrics"
	"sleepywoodpecker/cyton-acquisition/internal/processing"
	rserial "sleepywoodpecker/cyton-acquisition/internal/rSerial"
)

type State int32

const (
	Disconnected State = iota
	Idle
	Streaming
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Idle:
		return "connected"
	case Streaming:
		return "streaming"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// WindowResetter is the part of the window aggregator a session end needs.
type WindowResetter interface {
	Reset(ctx context.Context) error
}

type Params struct {
	Board config.BoardConfig
	// Open defaults to rserial.OpenSerial.
	Open      rserial.OpenFunc
	Settings  *config.SettingsStore
	Assembler *processing.SampleAssembler
	Samples   *processing.Fanout[processing.Sample]
	// Aggregator may be nil.
	Aggregator WindowResetter
	Labels     *processing.LabelStore
	Signals    *Signals
	// Flush is raised after every session end. It may be nil.
	Flush    *Signal
	Reporter *Reporter
	Metrics  *metrics.Metrics
}

type Controller struct {
	board      config.BoardConfig
	open       rserial.OpenFunc
	settings   *config.SettingsStore
	assembler  *processing.SampleAssembler
	samples    *processing.Fanout[processing.Sample]
	aggregator WindowResetter
	labels     *processing.LabelStore
	signals    *Signals
	flush      *Signal
	reporter   *Reporter
	logger     *zap.Logger
	metrics    *metrics.Metrics

	pendingSettings processing.Latest[config.BoardSettings]

	// mu serializes commands. The streaming loop never takes it.
	mu          sync.Mutex
	link        *rserial.RSerial
	handshaken  bool
	sessionDone chan struct{}

	state        atomic.Int32
	streaming    atomic.Bool
	synchronized atomic.Bool
	labeling     atomic.Bool
}

func NewController(p Params, logger *zap.Logger) *Controller {
	if p.Open == nil {
		p.Open = rserial.OpenSerial
	}
	if p.Labels == nil {
		p.Labels = &processing.LabelStore{}
	}
	if p.Signals == nil {
		p.Signals = NewSignals()
	}
	if p.Board.HandshakeTimeout <= 0 {
		p.Board.HandshakeTimeout = p.Board.ReadTimeout
	}
	if p.Board.MaxDroppedInRow <= 0 {
		p.Board.MaxDroppedInRow = config.DefaultDropsThreshold
	}

	return &Controller{
		board:      p.Board,
		open:       p.Open,
		settings:   p.Settings,
		assembler:  p.Assembler,
		samples:    p.Samples,
		aggregator: p.Aggregator,
		labels:     p.Labels,
		signals:    p.Signals,
		flush:      p.Flush,
		reporter:   p.Reporter,
		logger:     logger,
		metrics:    p.Metrics,
	}
}

func (c *Controller) State() State {
	return State(c.state.Load())
}

func (c *Controller) setState(s State) {
	c.state.Store(int32(s))
	c.metrics.SetState(int(s))
}

// Synchronized reports whether the current session has seen its sync sample.
func (c *Controller) Synchronized() bool {
	return c.synchronized.Load()
}

func (c *Controller) Signals() *Signals {
	return c.signals
}

func (c *Controller) Labels() *processing.LabelStore {
	return c.labels
}

// Handshaken reports whether the connect handshake has completed.
func (c *Controller) Handshaken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handshaken
}

func (c *Controller) fail(kind Kind, op string, err error) *Error {
	acqErr := &Error{Kind: kind, Op: op, Err: err}
	c.reporter.Report(severityOf(kind), acqErr.Error(), zap.String("op", op), zap.Stringer("kind", kind))
	return acqErr
}

// Connect opens the link and performs the handshake. Calling it on a
// connected board only retries a handshake that did not complete.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.link != nil && c.handshaken {
		return nil
	}

	if c.link == nil {
		portName, err := c.portName()
		if err != nil {
			return c.fail(Unrecoverable, "connect", err)
		}
		link, err := rserial.NewRSerial(portName, c.board.Baudrate, c.board.ReadTimeout, c.open, c.logger)
		if err != nil {
			return c.fail(Unrecoverable, "connect", err)
		}
		c.link = link
		c.setState(Idle)
		c.logger.Info("[controller] serial port opened", zap.String("portName", portName), zap.Int("baudrate", c.board.Baudrate))
	}

	if err := c.handshake(ctx); err != nil {
		return c.fail(Recoverable, "handshake", err)
	}
	c.handshaken = true
	c.reporter.Report(Success, "connected to board on "+c.link.PortName())
	return nil
}

func (c *Controller) portName() (string, error) {
	if c.board.Port != "" {
		return c.board.Port, nil
	}
	candidates, err := rserial.CandidatePorts()
	if err != nil {
		return "", err
	}
	return rserial.FindPort(candidates, c.board.Baudrate, c.board.HandshakeTimeout, c.open, c.logger)
}

// handshake resets the board and streams one throwaway sample so the first
// session starts from a board that is known to produce frames.
func (c *Controller) handshake(ctx context.Context) error {
	if err := c.link.Initialize(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	banner, err := c.link.SoftReset(c.board.HandshakeTimeout)
	if err != nil {
		return err
	}
	c.logger.Info("[controller] board reset", zap.String("banner", banner))

	// a soft reset turns every channel back on
	if err := c.restoreChannels(c.link); err != nil {
		return err
	}

	if err := c.link.SendCommand(rserial.CmdStartStreaming); err != nil {
		return err
	}
	return multierr.Combine(
		c.firstFrame(ctx, rserial.NewFrameDecoder(c.link, c.logger)),
		c.link.SendCommand(rserial.CmdStopStreaming),
		c.link.ResetInputBuffer(),
	)
}

// firstFrame waits for one valid frame. It gives up after MaxDroppedInRow bad
// frames in a row, after HandshakeTimeout or when ctx is done.
func (c *Controller) firstFrame(ctx context.Context, decoder *rserial.FrameDecoder) error {
	deadline := time.Now().Add(c.board.HandshakeTimeout)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, _, err := decoder.ReadFrame()
		var oosError *rserial.OutOfSyncError
		if err == nil || !errors.As(err, &oosError) {
			return err
		}
		c.logger.Warn("[controller] dropped packet during handshake", zap.Error(err), zap.Uint64("dropped", decoder.Dropped()))
		if decoder.DroppedInRow() > c.board.MaxDroppedInRow || time.Now().After(deadline) {
			return fmt.Errorf("%w, %d dropped in a row", ErrNoValidFrame, decoder.DroppedInRow())
		}
	}
}

// restoreChannels sends the enabled channel set to a board whose channels
// are all on.
func (c *Controller) restoreChannels(link *rserial.RSerial) error {
	channelCount := c.assembler.ChannelCount()
	allOn := make([]int, channelCount)
	for i := range allOn {
		allOn[i] = i + 1
	}
	return sendChannels(link, allOn, c.settings.Load().EnabledChannels, channelCount)
}

func (c *Controller) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State() == Streaming {
		return c.fail(Refused, "disconnect", ErrStreaming)
	}
	if c.link == nil {
		return nil
	}

	if err := c.link.Close(); err != nil {
		c.logger.Warn("[controller] error closing serial port", zap.Error(err))
	}
	c.link = nil
	c.handshaken = false
	c.setState(Disconnected)
	c.reporter.Report(Info, "disconnected from board")
	return nil
}

// StartStreaming starts a session. The loop runs until StopStreaming, a
// stalled device or ctx cancellation.
func (c *Controller) StartStreaming(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State() == Streaming {
		return nil
	}
	if c.link == nil {
		return c.fail(Refused, "start streaming", ErrNotConnected)
	}
	if !c.handshaken {
		return c.fail(Refused, "start streaming", ErrNotHandshaken)
	}

	c.assembler.Reset()
	if err := c.link.ResetInputBuffer(); err != nil {
		c.logger.Warn("[controller] error resetting input buffer", zap.Error(err))
	}
	if err := c.link.SendCommand(rserial.CmdStartStreaming); err != nil {
		return c.fail(SessionFatal, "start streaming", err)
	}

	c.synchronized.Store(false)
	c.streaming.Store(true)
	c.setState(Streaming)
	c.sessionDone = make(chan struct{})
	go c.stream(ctx, c.link, c.sessionDone)

	c.reporter.Report(Info, "streaming started")
	return nil
}

// StopStreaming returns once the session has fully ended.
func (c *Controller) StopStreaming(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State() != Streaming {
		return nil
	}
	c.streaming.Store(false)

	select {
	case <-c.sessionDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) stream(ctx context.Context, link *rserial.RSerial, done chan struct{}) {
	decoder := rserial.NewFrameDecoder(link, c.logger)
	reason := "stopped"

	for c.streaming.Load() {
		if ctx.Err() != nil {
			reason = "shutdown"
			break
		}

		packet, skipped, err := decoder.ReadFrame()
		c.metrics.ResyncBytes(skipped)
		if err == nil && !c.streaming.Load() {
			// stopped while the read was in flight
			break
		}
		if err != nil {
			var oosError *rserial.OutOfSyncError
			if errors.As(err, &oosError) {
				c.metrics.PacketDropped()
				c.logger.Warn("[controller] dropped packet", zap.Error(err), zap.Uint64("dropped", decoder.Dropped()))
				if decoder.DroppedInRow() > c.board.MaxDroppedInRow {
					c.recoverLink(link, decoder)
				}
				continue
			}
			if !c.streaming.Load() {
				break
			}
			reason = "stalled"
			c.fail(SessionFatal, "stream", err)
			break
		}
		c.metrics.PacketDecoded()

		sample, ok := c.assembler.Assemble(packet)
		if !ok {
			continue
		}

		if !c.synchronized.Load() && c.settings.Load().WaitForSync {
			if sample.IsSyncSignal() {
				c.synchronized.Store(true)
				c.logger.Info("[controller] received sync signal", zap.Uint8("sampleID", sample.ID))
			}
			continue
		}

		if c.labeling.Load() {
			if label, ok := c.labels.Get(); ok {
				sample = sample.WithLabel(label)
			}
		}

		c.samples.Publish(sample)
		c.metrics.SamplePublished()
	}

	c.endSession(ctx, link, reason, done)
}

// recoverLink restarts the board stream after too many bad frames in a row.
func (c *Controller) recoverLink(link *rserial.RSerial, decoder *rserial.FrameDecoder) {
	c.logger.Warn("[controller] too many dropped packets in a row, reconnecting",
		zap.Int("droppedInRow", decoder.DroppedInRow()),
		zap.Int("threshold", c.board.MaxDroppedInRow),
	)

	err := link.SendCommand(rserial.CmdStopStreaming)
	if err == nil {
		_, err = link.SoftReset(c.board.HandshakeTimeout)
	}
	if err == nil {
		err = c.restoreChannels(link)
	}
	if err == nil {
		err = link.SendCommand(rserial.CmdStartStreaming)
	}
	if err != nil {
		c.logger.Warn("[controller] reconnect failed", zap.Error(err))
	}

	decoder.ResetDroppedInRow()
	c.assembler.Reset()
	c.reporter.Report(Warning, "board stream restarted after repeated dropped packets")
}

func (c *Controller) endSession(ctx context.Context, link *rserial.RSerial, reason string, done chan struct{}) {
	c.streaming.Store(false)

	if err := link.SendCommand(rserial.CmdStopStreaming); err != nil {
		c.logger.Warn("[controller] error sending stop command", zap.Error(err))
	}

	if c.aggregator != nil {
		resetCtx := ctx
		if ctx.Err() != nil {
			// still flush what the aggregator has queued during shutdown
			var cancel context.CancelFunc
			resetCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), c.board.ReadTimeout)
			defer cancel()
		}
		if err := c.aggregator.Reset(resetCtx); err != nil {
			c.logger.Warn("[controller] window buffer was not reset", zap.Error(err))
		}
	}

	c.flush.Raise()
	c.synchronized.Store(false)
	c.setState(Idle)
	c.metrics.SessionEnded(reason)
	c.logger.Info("[controller] session ended", zap.String("reason", reason))
	if reason != "stalled" {
		c.reporter.Report(Info, "streaming stopped")
	}
	close(done)
}

func (c *Controller) SetLabeling(on bool) {
	if c.labeling.Swap(on) != on {
		c.logger.Info("[controller] labeling mode changed", zap.Bool("labeling", on))
	}
}

func (c *Controller) Labeling() bool {
	return c.labeling.Load()
}

// SubmitSettings queues settings for the settings actor.
func (c *Controller) SubmitSettings(s config.BoardSettings) {
	c.pendingSettings.Update(s.Clone())
	c.signals.SettingsChanged.Raise()
}

func (c *Controller) applyPending(context.Context) error {
	next, ok := c.pendingSettings.Get()
	if !ok {
		return nil
	}
	c.pendingSettings.Clear()
	return c.ApplySettings(next)
}

// ApplySettings diffs next against the applied settings and applies every
// valid change. Invalid fields keep their previous value.
func (c *Controller) ApplySettings(next config.BoardSettings) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.settings.Load()
	next = next.Clone()
	rate := c.assembler.SampleRate()
	channelCount := c.assembler.ChannelCount()
	var errs error

	if next.LowerBand != prev.LowerBand || next.UpperBand != prev.UpperBand {
		if err := next.ValidateBand(rate); err != nil {
			errs = multierr.Append(errs, err)
			next.LowerBand, next.UpperBand = prev.LowerBand, prev.UpperBand
		} else {
			c.logger.Info("[controller] filter band changed",
				zap.Float64("lowerBand", next.LowerBand),
				zap.Float64("upperBand", next.UpperBand),
			)
		}
	}

	if next.WindowSeconds != prev.WindowSeconds || next.StepSeconds != prev.StepSeconds {
		if _, _, err := next.WindowSamples(rate); err != nil {
			errs = multierr.Append(errs, err)
			next.WindowSeconds, next.StepSeconds = prev.WindowSeconds, prev.StepSeconds
		} else {
			c.logger.Info("[controller] window changed",
				zap.Float64("windowSeconds", next.WindowSeconds),
				zap.Float64("stepSeconds", next.StepSeconds),
			)
		}
	}

	if !slices.Equal(next.EnabledChannels, prev.EnabledChannels) {
		if err := c.applyChannels(prev.EnabledChannels, next.EnabledChannels, channelCount); err != nil {
			errs = multierr.Append(errs, err)
			next.EnabledChannels = prev.EnabledChannels
		}
	}

	if next.Filtering != prev.Filtering || next.Scaling != prev.Scaling || next.Electrode != prev.Electrode || next.WaitForSync != prev.WaitForSync {
		c.logger.Info("[controller] board settings changed",
			zap.Bool("filtering", next.Filtering),
			zap.Bool("scaling", next.Scaling),
			zap.Stringer("electrode", next.Electrode),
			zap.Bool("waitForSync", next.WaitForSync),
		)
	}

	c.settings.Store(next)
	if errs != nil {
		return c.fail(Recoverable, "apply settings", errs)
	}
	return nil
}

func (c *Controller) applyChannels(prev, next []int, channelCount int) error {
	for _, ch := range next {
		if ch < 1 || ch > channelCount {
			return fmt.Errorf("channel %d not available on a %d channel board", ch, channelCount)
		}
	}
	c.logger.Info("[controller] enabled channels changed", zap.Ints("channels", next))

	if c.link == nil {
		return nil
	}
	return sendChannels(c.link, prev, next, channelCount)
}

// sendChannels sends an on/off command for every channel whose state differs
// between prev and next.
func sendChannels(link *rserial.RSerial, prev, next []int, channelCount int) error {
	var errs error
	for ch := 1; ch <= channelCount; ch++ {
		on := slices.Contains(next, ch)
		if on == slices.Contains(prev, ch) {
			continue
		}
		cmd, err := rserial.ChannelCommand(ch, on, channelCount)
		if err == nil {
			err = link.SendCommand(cmd)
		}
		errs = multierr.Append(errs, err)
	}
	return errs
}

// TestSignal switches every channel to one of the board's internal test
// signals (0-5).
func (c *Controller) TestSignal(signal int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cmd, err := rserial.TestSignal(signal)
	if err != nil {
		return c.fail(Recoverable, "test signal", err)
	}
	if c.link == nil {
		return c.fail(Refused, "test signal", ErrNotConnected)
	}
	if err := c.link.SendCommand(cmd); err != nil {
		return c.fail(Recoverable, "test signal", err)
	}
	c.reporter.Report(Info, fmt.Sprintf("test signal %d enabled", signal))
	return nil
}

// QueryRegisters returns the board's register dump. It is refused while
// streaming because the reply would interleave with frames.
func (c *Controller) QueryRegisters() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.link == nil {
		return "", c.fail(Refused, "query registers", ErrNotConnected)
	}
	if c.State() == Streaming {
		return "", c.fail(Refused, "query registers", ErrStreaming)
	}
	registers, err := c.link.QueryRegisters(c.board.HandshakeTimeout)
	if err != nil {
		return registers, c.fail(Recoverable, "query registers", err)
	}
	return registers, nil
}

type actor struct {
	name   string
	signal *Signal
	action func(ctx context.Context) error
}

// Run starts one actor per command signal and blocks until ctx is cancelled.
// On return the session has ended and the link is closed.
func (c *Controller) Run(ctx context.Context) error {
	actors := []actor{
		{"connect", c.signals.Connect, c.Connect},
		{"disconnect", c.signals.Disconnect, func(context.Context) error { return c.Disconnect() }},
		{"start", c.signals.StartStreaming, c.StartStreaming},
		{"stop", c.signals.StopStreaming, c.StopStreaming},
		{"settings", c.signals.SettingsChanged, c.applyPending},
	}

	var wg sync.WaitGroup
	for _, a := range actors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.runActor(ctx, a)
		}()
	}
	wg.Wait()

	return c.shutdown()
}

func (c *Controller) runActor(ctx context.Context, a actor) {
	for {
		select {
		case <-a.signal.C():
			if err := a.action(ctx); err != nil {
				c.logger.Debug("[controller] command failed", zap.String("actor", a.name), zap.Error(err))
			}
		case <-ctx.Done():
			c.logger.Info("[controller] actor received shutdown signal", zap.String("actor", a.name))
			return
		}
	}
}

func (c *Controller) shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sessionDone != nil {
		c.streaming.Store(false)
		select {
		case <-c.sessionDone:
		case <-time.After(2 * c.board.ReadTimeout):
			c.logger.Warn("[controller] streaming loop did not end in time")
		}
	}
	if c.link == nil {
		return nil
	}
	err := c.link.Close()
	c.link = nil
	c.handshaken = false
	c.setState(Disconnected)
	return err
}
