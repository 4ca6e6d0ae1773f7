package presentation

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sleepywoodpecker/cyton-acquisition/internal/acquisition"
	"sleepywoodpecker/cyton-acquisition/internal/processing"
)

type fakeLabeler struct {
	signals *acquisition.Signals
	labels  processing.LabelStore

	mu       sync.Mutex
	labeling bool
}

func (f *fakeLabeler) Signals() *acquisition.Signals  { return f.signals }
func (f *fakeLabeler) Labels() *processing.LabelStore { return &f.labels }

func (f *fakeLabeler) SetLabeling(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.labeling = on
}

func (f *fakeLabeler) Labeling() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.labeling
}

func raised(s *acquisition.Signal) bool {
	select {
	case <-s.C():
		return true
	default:
		return false
	}
}

func startBridge(t *testing.T, mode Mode) (*fakeLabeler, net.Conn) {
	t.Helper()

	labeler := &fakeLabeler{signals: acquisition.NewSignals()}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewBridge(labeler, mode, zap.NewNop()).Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	_, err = conn.Write([]byte("hello from the stimulus app"))
	require.NoError(t, err)
	reply := make([]byte, len(greetingReply))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = io.ReadFull(conn, reply)
	require.NoError(t, err)
	require.Equal(t, greetingReply, string(reply))

	return labeler, conn
}

func TestTrainingLabelsAndStops(t *testing.T) {
	labeler, conn := startBridge(t, Training)

	require.Eventually(t, labeler.Labeling, time.Second, time.Millisecond)
	require.True(t, raised(labeler.signals.StartStreaming))

	_, err := conn.Write([]byte("3"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		l, ok := labeler.labels.Get()
		return ok && l.Class == 3 && l.GroundTruth == 3
	}, time.Second, time.Millisecond)

	_, err = conn.Write([]byte("x1E"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return raised(labeler.signals.StopStreaming) }, time.Second, time.Millisecond)
	require.False(t, labeler.Labeling())

	l, _ := labeler.labels.Get()
	require.Equal(t, 1, l.Class)
}

func TestTrainingStopsOnClose(t *testing.T) {
	labeler, conn := startBridge(t, Training)
	require.Eventually(t, labeler.Labeling, time.Second, time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return raised(labeler.signals.StopStreaming) }, time.Second, time.Millisecond)
	require.False(t, labeler.Labeling())
}

func TestOnlineStartAndAck(t *testing.T) {
	labeler, conn := startBridge(t, Online)

	_, err := conn.Write([]byte{OnlineStartByte})
	require.NoError(t, err)
	ack := make([]byte, 1)
	_, err = io.ReadFull(conn, ack)
	require.NoError(t, err)
	require.Equal(t, byte(ackByte), ack[0])
	require.True(t, raised(labeler.signals.StartStreaming))
	require.False(t, labeler.Labeling())

	_, err = conn.Write([]byte{EndByte})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return raised(labeler.signals.StopStreaming) }, time.Second, time.Millisecond)
}

func TestParseMode(t *testing.T) {
	mode, err := ParseMode("online")
	require.NoError(t, err)
	require.Equal(t, Online, mode)

	_, err = ParseMode("offline")
	require.Error(t, err)
}
