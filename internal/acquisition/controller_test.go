package acquisition

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"sleepywoodpecker/cyton-acquisition/internal/config"
	"sleepywoodpecker/cyton-acquisition/internal/processing"
	rserial "sleepywoodpecker/cyton-acquisition/internal/rSerial"
	"sleepywoodpecker/cyton-acquisition/internal/rSerial/rserialtest"
)

type rig struct {
	board      *rserialtest.FakeBoard
	ctrl       *Controller
	settings   *config.SettingsStore
	aggregator *processing.WindowAggregator
	display    *processing.Queue[processing.Sample]
	windows    *processing.Queue[processing.Window]
	flush      *Signal
	ctx        context.Context
}

func newRig(t *testing.T, board *rserialtest.FakeBoard, settings config.BoardSettings, logger *zap.Logger) *rig {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	boardCfg := config.Default().Board
	boardCfg.Port = "/dev/fake"
	boardCfg.ReadTimeout = 50 * time.Millisecond
	boardCfg.HandshakeTimeout = 200 * time.Millisecond

	store := config.NewSettingsStore(settings)
	windowIn := processing.NewQueue[processing.Sample]("window", 5000)
	display := processing.NewQueue[processing.Sample]("display", 5000)
	windows := processing.NewQueue[processing.Window]("classifier", 100)

	aggregator := processing.NewWindowAggregator(
		windowIn,
		processing.NewFanout(processing.Window.Clone, logger, nil, windows),
		store, config.SampleRateCyton, logger, nil,
	)
	go aggregator.Run(ctx)

	flush := NewSignal()
	ctrl := NewController(Params{
		Board:      boardCfg,
		Open:       board.Opener(),
		Settings:   store,
		Assembler:  processing.NewSampleAssembler(store, false, logger, nil),
		Samples:    processing.NewFanout(processing.Sample.Clone, logger, nil, windowIn, display),
		Aggregator: aggregator,
		Flush:      flush,
		Reporter:   NewReporter(nil, 16, logger),
	}, logger)

	return &rig{
		board:      board,
		ctrl:       ctrl,
		settings:   store,
		aggregator: aggregator,
		display:    display,
		windows:    windows,
		flush:      flush,
		ctx:        ctx,
	}
}

func generatingBoard() *rserialtest.FakeBoard {
	board := rserialtest.NewFakeBoard()
	board.Generate = true
	board.SyncFirst = true
	return board
}

func requireKind(t *testing.T, err error, kind Kind) {
	t.Helper()
	got, ok := KindOf(err)
	require.True(t, ok, "expected an acquisition error, got %v", err)
	require.Equal(t, kind, got)
}

func flushed(s *Signal) bool {
	select {
	case <-s.C():
		return true
	default:
		return false
	}
}

func TestEndToEndWindows(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)

	board := rserialtest.NewFakeBoard()
	syncFrame := rserialtest.Frame(0, 0)
	session := append(syncFrame[:], rserialtest.Frames(1, 500, 5)...)
	board.Chunks = [][]byte{rserialtest.Frames(0, 1, 5), session}

	settings := config.DefaultBoardSettings()
	settings.WindowSeconds = 1
	settings.StepSeconds = 0.5
	r := newRig(t, board, settings, zap.New(core))

	require.NoError(t, r.ctrl.Connect(r.ctx))
	require.NoError(t, r.ctrl.StartStreaming(r.ctx))

	// the board goes silent after the last frame, which ends the session
	require.Eventually(t, func() bool { return r.ctrl.State() == Idle }, 2*time.Second, time.Millisecond)

	require.Equal(t, 500, r.display.Len())
	require.Equal(t, 3, r.windows.Len())
	require.Equal(t, 0, r.aggregator.Buffered())
	require.True(t, flushed(r.flush))
	require.False(t, r.ctrl.Synchronized())
	require.Zero(t, logs.FilterMessage("[controller] dropped packet").Len())

	var indexes []int
	r.windows.Drain(func(w processing.Window) { indexes = append(indexes, w.Index) })
	require.Equal(t, []int{0, 1, 2}, indexes)
}

func TestStopStreaming(t *testing.T) {
	r := newRig(t, generatingBoard(), config.DefaultBoardSettings(), zap.NewNop())

	require.NoError(t, r.ctrl.Connect(r.ctx))
	require.NoError(t, r.ctrl.StartStreaming(r.ctx))
	require.Equal(t, Streaming, r.ctrl.State())
	require.Eventually(t, func() bool { return r.display.Len() > 10 }, 2*time.Second, time.Millisecond)
	require.True(t, r.ctrl.Synchronized())

	require.NoError(t, r.ctrl.StopStreaming(r.ctx))
	require.Equal(t, Idle, r.ctrl.State())
	require.False(t, r.ctrl.Synchronized())
	require.False(t, r.board.Streaming())
	require.True(t, flushed(r.flush))
	require.Equal(t, 0, r.aggregator.Buffered())

	// stopping twice is a no-op
	require.NoError(t, r.ctrl.StopStreaming(r.ctx))
}

func TestNoCarryOverAcrossSessions(t *testing.T) {
	settings := config.DefaultBoardSettings()
	settings.WindowSeconds = 1
	settings.StepSeconds = 1
	settings.Filtering = false
	r := newRig(t, generatingBoard(), settings, zap.NewNop())

	require.NoError(t, r.ctrl.Connect(r.ctx))
	require.NoError(t, r.ctrl.StartStreaming(r.ctx))
	require.Eventually(t, func() bool { return r.windows.Len() >= 1 }, 5*time.Second, time.Millisecond)
	require.NoError(t, r.ctrl.StopStreaming(r.ctx))
	require.Equal(t, 0, r.aggregator.Buffered())
	r.windows.Drain(func(processing.Window) {})

	require.NoError(t, r.ctrl.StartStreaming(r.ctx))
	require.Eventually(t, func() bool { return r.windows.Len() >= 1 }, 5*time.Second, time.Millisecond)
	require.NoError(t, r.ctrl.StopStreaming(r.ctx))

	first, ok := r.windows.TryGet()
	require.True(t, ok)
	require.Equal(t, 0, first.Index)
}

func TestStartRefusedWithoutConnection(t *testing.T) {
	r := newRig(t, generatingBoard(), config.DefaultBoardSettings(), zap.NewNop())

	err := r.ctrl.StartStreaming(r.ctx)
	requireKind(t, err, Refused)
	require.ErrorIs(t, err, ErrNotConnected)
	require.Equal(t, Disconnected, r.ctrl.State())
}

func TestConnectOpenFailure(t *testing.T) {
	r := newRig(t, generatingBoard(), config.DefaultBoardSettings(), zap.NewNop())
	r.ctrl.open = func(string, int) (rserial.Port, error) {
		return nil, errors.New("no such device")
	}

	err := r.ctrl.Connect(r.ctx)
	requireKind(t, err, Unrecoverable)
	require.Equal(t, Disconnected, r.ctrl.State())
}

func TestFailedHandshakeRefusesStart(t *testing.T) {
	board := rserialtest.NewFakeBoard()
	r := newRig(t, board, config.DefaultBoardSettings(), zap.NewNop())

	// the board answers the reset but never streams
	err := r.ctrl.Connect(r.ctx)
	requireKind(t, err, Recoverable)
	require.Equal(t, Idle, r.ctrl.State())
	require.False(t, r.ctrl.Handshaken())

	err = r.ctrl.StartStreaming(r.ctx)
	requireKind(t, err, Refused)
	require.ErrorIs(t, err, ErrNotHandshaken)

	board.Chunks = [][]byte{rserialtest.Frames(0, 1, 5)}
	require.NoError(t, r.ctrl.Connect(r.ctx))
	require.True(t, r.ctrl.Handshaken())
}

func TestDisconnect(t *testing.T) {
	r := newRig(t, generatingBoard(), config.DefaultBoardSettings(), zap.NewNop())

	require.NoError(t, r.ctrl.Connect(r.ctx))
	require.NoError(t, r.ctrl.StartStreaming(r.ctx))

	err := r.ctrl.Disconnect()
	requireKind(t, err, Refused)
	require.ErrorIs(t, err, ErrStreaming)
	require.Equal(t, Streaming, r.ctrl.State())

	require.NoError(t, r.ctrl.StopStreaming(r.ctx))
	require.NoError(t, r.ctrl.Disconnect())
	require.Equal(t, Disconnected, r.ctrl.State())
	require.True(t, r.board.Closed())
}

func TestSyncGate(t *testing.T) {
	board := rserialtest.NewFakeBoard()
	board.Generate = true
	r := newRig(t, board, config.DefaultBoardSettings(), zap.NewNop())

	require.NoError(t, r.ctrl.Connect(r.ctx))
	require.NoError(t, r.ctrl.StartStreaming(r.ctx))
	require.Never(t, func() bool { return r.display.Len() > 0 }, 100*time.Millisecond, 5*time.Millisecond)
	require.False(t, r.ctrl.Synchronized())
	require.NoError(t, r.ctrl.StopStreaming(r.ctx))

	settings := r.settings.Load()
	settings.WaitForSync = false
	require.NoError(t, r.ctrl.ApplySettings(settings))

	require.NoError(t, r.ctrl.StartStreaming(r.ctx))
	require.Eventually(t, func() bool { return r.display.Len() > 0 }, 2*time.Second, time.Millisecond)
	require.NoError(t, r.ctrl.StopStreaming(r.ctx))
}

func TestLabeling(t *testing.T) {
	r := newRig(t, generatingBoard(), config.DefaultBoardSettings(), zap.NewNop())
	r.ctrl.Labels().Update(processing.Label{Class: 2, GroundTruth: 2})

	require.NoError(t, r.ctrl.Connect(r.ctx))
	require.NoError(t, r.ctrl.StartStreaming(r.ctx))
	require.Eventually(t, func() bool { return r.display.Len() > 0 }, 2*time.Second, time.Millisecond)

	r.ctrl.SetLabeling(true)
	r.display.Drain(func(processing.Sample) {})
	require.Eventually(t, func() bool { return r.display.Len() > 0 }, 2*time.Second, time.Millisecond)
	require.NoError(t, r.ctrl.StopStreaming(r.ctx))

	var labeled int
	r.display.Drain(func(s processing.Sample) {
		if s.Labeled {
			labeled++
			require.Equal(t, 2, s.Label.Class)
		}
	})
	require.Positive(t, labeled)
}

func TestDroppedPacketWatchdog(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)

	var bad []byte
	for i := 0; i < 11; i++ {
		frame := rserialtest.Frame(uint8(i+1), 5)
		frame[rserial.PacketSize-1] = 0x00
		bad = append(bad, frame[:]...)
	}
	syncFrame := rserialtest.Frame(0, 0)

	board := rserialtest.NewFakeBoard()
	board.Chunks = [][]byte{
		rserialtest.Frames(0, 1, 5),
		append(syncFrame[:], bad...),
		rserialtest.Frames(20, 5, 5),
	}
	r := newRig(t, board, config.DefaultBoardSettings(), zap.New(core))

	require.NoError(t, r.ctrl.Connect(r.ctx))
	require.NoError(t, r.ctrl.StartStreaming(r.ctx))
	require.Eventually(t, func() bool { return r.ctrl.State() == Idle }, 2*time.Second, time.Millisecond)

	require.Equal(t, 11, logs.FilterMessage("[controller] dropped packet").Len())
	require.Equal(t, 1, logs.FilterMessage("[controller] too many dropped packets in a row, reconnecting").Len())
	// channels 4-8 are switched off again after the soft reset
	require.True(t, bytes.Contains(board.Commands(), []byte("sv45678b")))
	require.Equal(t, 5, r.display.Len())
}

func TestWatchdogCountsMissingStartBytes(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)

	syncFrame := rserialtest.Frame(0, 0)
	garbage := bytes.Repeat([]byte{0x11}, 11*rserial.DefaultMaxBytesToSkip)

	board := rserialtest.NewFakeBoard()
	board.Chunks = [][]byte{
		rserialtest.Frames(0, 1, 5),
		append(syncFrame[:], garbage...),
		rserialtest.Frames(20, 5, 5),
	}
	r := newRig(t, board, config.DefaultBoardSettings(), zap.New(core))

	require.NoError(t, r.ctrl.Connect(r.ctx))
	require.NoError(t, r.ctrl.StartStreaming(r.ctx))
	require.Eventually(t, func() bool { return r.ctrl.State() == Idle }, 5*time.Second, time.Millisecond)

	require.Equal(t, 1, logs.FilterMessage("[controller] too many dropped packets in a row, reconnecting").Len())
	require.Equal(t, 5, r.display.Len())
}

func TestHandshakeGivesUpOnBadFrames(t *testing.T) {
	board := rserialtest.NewFakeBoard()
	board.Generate = true
	board.CorruptStop = true
	board.FrameInterval = 0
	r := newRig(t, board, config.DefaultBoardSettings(), zap.NewNop())

	ctx, cancel := context.WithTimeout(r.ctx, 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := r.ctrl.Connect(ctx)
	requireKind(t, err, Recoverable)
	require.ErrorIs(t, err, ErrNoValidFrame)
	require.Less(t, time.Since(start), time.Second)
	require.Equal(t, Idle, r.ctrl.State())
	require.False(t, r.ctrl.Handshaken())
	require.False(t, board.Streaming())
}

func TestHandshakeHonoursContext(t *testing.T) {
	board := rserialtest.NewFakeBoard()
	board.Generate = true
	board.CorruptStop = true
	board.FrameInterval = 0
	r := newRig(t, board, config.DefaultBoardSettings(), zap.NewNop())
	r.ctrl.board.MaxDroppedInRow = 1 << 30
	r.ctrl.board.HandshakeTimeout = time.Minute

	ctx, cancel := context.WithTimeout(r.ctx, 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := r.ctrl.Connect(ctx)
	requireKind(t, err, Recoverable)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), time.Second)
	require.False(t, r.ctrl.Handshaken())
}

func TestChannelsRestoredAfterSoftReset(t *testing.T) {
	r := newRig(t, generatingBoard(), config.DefaultBoardSettings(), zap.NewNop())

	require.NoError(t, r.ctrl.Connect(r.ctx))
	require.Equal(t, "v45678bs", string(r.board.Commands()))

	next := r.settings.Load()
	next.EnabledChannels = []int{1, 2, 4}
	require.NoError(t, r.ctrl.ApplySettings(next))
	require.NoError(t, r.ctrl.Disconnect())

	before := len(r.board.Commands())
	require.NoError(t, r.ctrl.Connect(r.ctx))
	require.Equal(t, "v35678bs", string(r.board.Commands()[before:]))
}

// gatedPort holds one Read until released.
type gatedPort struct {
	*rserialtest.FakeBoard

	mu      sync.Mutex
	release chan struct{}
	entered chan struct{}
}

func (p *gatedPort) holdNextRead() (entered chan struct{}, release chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entered = make(chan struct{})
	p.release = make(chan struct{})
	return p.entered, p.release
}

func (p *gatedPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	entered, release := p.entered, p.release
	p.entered, p.release = nil, nil
	p.mu.Unlock()

	if release != nil {
		close(entered)
		<-release
	}
	return p.FakeBoard.Read(b)
}

func TestNoPublishAfterStop(t *testing.T) {
	port := &gatedPort{FakeBoard: generatingBoard()}
	r := newRig(t, port.FakeBoard, config.DefaultBoardSettings(), zap.NewNop())
	r.ctrl.open = func(string, int) (rserial.Port, error) { return port, nil }

	require.NoError(t, r.ctrl.Connect(r.ctx))
	require.NoError(t, r.ctrl.StartStreaming(r.ctx))
	require.Eventually(t, func() bool { return r.display.Len() > 0 }, 2*time.Second, time.Millisecond)

	entered, release := port.holdNextRead()
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("streaming loop never read from the port")
	}

	stopped := make(chan error, 1)
	go func() { stopped <- r.ctrl.StopStreaming(r.ctx) }()
	require.Eventually(t, func() bool { return !r.ctrl.streaming.Load() }, 2*time.Second, time.Millisecond)

	published := r.display.Len()
	close(release)
	require.NoError(t, <-stopped)
	require.Equal(t, published, r.display.Len())
	require.Equal(t, Idle, r.ctrl.State())
}

func TestApplySettings(t *testing.T) {
	r := newRig(t, generatingBoard(), config.DefaultBoardSettings(), zap.NewNop())
	require.NoError(t, r.ctrl.Connect(r.ctx))

	next := r.settings.Load()
	next.EnabledChannels = []int{1, 2, 4}
	next.LowerBand = 5
	require.NoError(t, r.ctrl.ApplySettings(next))

	cmds := r.board.Commands()
	require.True(t, bytes.ContainsRune(cmds, '3'), "channel 3 off")
	require.True(t, bytes.ContainsRune(cmds, '$'), "channel 4 on")
	require.Equal(t, 5.0, r.settings.Load().LowerBand)

	next = r.settings.Load()
	next.StepSeconds = 0.35
	next.UpperBand = 30
	err := r.ctrl.ApplySettings(next)
	requireKind(t, err, Recoverable)
	require.ErrorIs(t, err, config.ErrNonIntegerStep)

	applied := r.settings.Load()
	require.Equal(t, 0.5, applied.StepSeconds)
	require.Equal(t, 30.0, applied.UpperBand)
}

func TestApplySettingsRejectsUnknownChannel(t *testing.T) {
	r := newRig(t, generatingBoard(), config.DefaultBoardSettings(), zap.NewNop())

	next := r.settings.Load()
	next.EnabledChannels = []int{1, 9}
	requireKind(t, r.ctrl.ApplySettings(next), Recoverable)
	require.Equal(t, []int{1, 2, 3}, r.settings.Load().EnabledChannels)
}

func TestTestSignalAndRegisters(t *testing.T) {
	r := newRig(t, generatingBoard(), config.DefaultBoardSettings(), zap.NewNop())

	requireKind(t, r.ctrl.TestSignal(2), Refused)
	require.NoError(t, r.ctrl.Connect(r.ctx))
	require.NoError(t, r.ctrl.TestSignal(2))
	require.True(t, bytes.ContainsRune(r.board.Commands(), '-'))
	requireKind(t, r.ctrl.TestSignal(9), Recoverable)

	// the fake board answers '?' with nothing
	_, err := r.ctrl.QueryRegisters()
	requireKind(t, err, Recoverable)
}

func TestRunDrivesCommandsFromSignals(t *testing.T) {
	r := newRig(t, generatingBoard(), config.DefaultBoardSettings(), zap.NewNop())

	ctx, cancel := context.WithCancel(r.ctx)
	done := make(chan error, 1)
	go func() { done <- r.ctrl.Run(ctx) }()

	signals := r.ctrl.Signals()
	signals.Connect.Raise()
	require.Eventually(t, r.ctrl.Handshaken, 2*time.Second, time.Millisecond)

	signals.StartStreaming.Raise()
	require.Eventually(t, func() bool { return r.display.Len() > 0 }, 2*time.Second, time.Millisecond)

	next := r.settings.Load()
	next.UpperBand = 35
	r.ctrl.SubmitSettings(next)
	require.Eventually(t, func() bool { return r.settings.Load().UpperBand == 35 }, 2*time.Second, time.Millisecond)

	signals.StopStreaming.Raise()
	require.Eventually(t, func() bool { return r.ctrl.State() == Idle }, 2*time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	require.Equal(t, Disconnected, r.ctrl.State())
	require.True(t, r.board.Closed())
}

func TestSignalCoalesces(t *testing.T) {
	s := NewSignal()
	s.Raise()
	s.Raise()
	require.True(t, flushed(s))
	require.False(t, flushed(s))

	var nilSignal *Signal
	nilSignal.Raise()
}

func TestReporterKeepsNewest(t *testing.T) {
	var console bytes.Buffer
	r := NewReporter(&console, 2, zap.NewNop())
	r.Report(Info, "one")
	r.Report(Warning, "two")
	r.Report(Failure, "three")

	require.Contains(t, console.String(), "three")
	require.Equal(t, "two", (<-r.Messages()).Text)
	require.Equal(t, "three", (<-r.Messages()).Text)
}
