package persistence

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sleepywoodpecker/cyton-acquisition/internal/config"
	"sleepywoodpecker/cyton-acquisition/internal/processing"
)

func newTestWriter(t *testing.T) (*SessionWriter, *processing.Fanout[processing.Sample], *processing.Fanout[processing.Window]) {
	raw := processing.NewQueue[processing.Sample]("raw", 100)
	windows := processing.NewQueue[processing.Window]("persistence", 10)
	w := NewSessionWriter(t.TempDir(), raw, windows, config.NewSettingsStore(config.DefaultBoardSettings()), 8, zap.NewNop())
	return w,
		processing.NewFanout(processing.Sample.Clone, zap.NewNop(), nil, raw),
		processing.NewFanout(processing.Window.Clone, zap.NewNop(), nil, windows)
}

func testSample(v float64) processing.Sample {
	channels := make([]float64, 8)
	for i := range channels {
		channels[i] = v
	}
	return processing.Sample{Channels: channels}
}

func openSession(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func count(t *testing.T, db *sql.DB, query string) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(query).Scan(&n))
	return n
}

func TestFlushWritesSession(t *testing.T) {
	w, samples, windows := newTestWriter(t)

	samples.Publish(testSample(1))
	samples.Publish(testSample(2).WithLabel(processing.Label{Class: 3, GroundTruth: 4}))
	windows.Publish(processing.Window{
		Index:   0,
		Samples: []processing.Sample{testSample(1), testSample(2)},
	})

	path, err := w.Flush()
	require.NoError(t, err)
	require.FileExists(t, path)

	db := openSession(t, path)
	require.Equal(t, 2, count(t, db, "SELECT COUNT(*) FROM raw_samples"))
	require.Equal(t, 1, count(t, db, "SELECT COUNT(*) FROM raw_samples WHERE class IS NULL"))
	require.Equal(t, 4, count(t, db, "SELECT ground_truth FROM raw_samples WHERE sample = 1"))
	require.Equal(t, 16, count(t, db, "SELECT COUNT(*) FROM windowed_samples"))
	require.Equal(t, 2, count(t, db, "SELECT CAST(value AS INTEGER) FROM windowed_samples WHERE position = 1 AND channel = 8"))

	var window string
	require.NoError(t, db.QueryRow("SELECT value FROM board_settings WHERE key = 'window_seconds'").Scan(&window))
	require.Equal(t, "3", window)
	require.Equal(t, 1, count(t, db, "SELECT COUNT(*) FROM board_settings WHERE key = 'session_id'"))
}

func TestFlushEmptyQueues(t *testing.T) {
	w, _, _ := newTestWriter(t)

	path, err := w.Flush()
	require.NoError(t, err)
	require.Empty(t, path)

	entries, err := os.ReadDir(w.dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestEachFlushIsANewFile(t *testing.T) {
	w, samples, _ := newTestWriter(t)

	samples.Publish(testSample(1))
	first, err := w.Flush()
	require.NoError(t, err)

	samples.Publish(testSample(2))
	second, err := w.Flush()
	require.NoError(t, err)

	require.NotEqual(t, first, second)
	require.Equal(t, 1, count(t, openSession(t, second), "SELECT COUNT(*) FROM raw_samples"))
}

func TestRunFlushesOnSignal(t *testing.T) {
	w, samples, _ := newTestWriter(t)
	flush := make(chan struct{}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, flush) }()

	samples.Publish(testSample(1))
	flush <- struct{}{}

	require.Eventually(t, func() bool {
		matches, _ := filepath.Glob(filepath.Join(w.dir, "session-*.db"))
		return len(matches) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// queued data is saved on shutdown
	samples.Publish(testSample(2))
	cancel()
	require.NoError(t, <-done)

	matches, err := filepath.Glob(filepath.Join(w.dir, "session-*.db"))
	require.NoError(t, err)
	require.Len(t, matches, 2)
}
