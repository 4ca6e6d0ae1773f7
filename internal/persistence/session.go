// Package persistence writes each finished streaming session to its own
// SQLite file.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"sleepywoodpecker/cyton-acquisition/internal/config"
	"sleepywoodpecker/cyton-acquisition/internal/processing"
)

const (
	rawTable      = "raw_samples"
	windowTable   = "windowed_samples"
	settingsTable = "board_settings"
)

// SessionWriter collects the raw sample and window queues on every flush
// trigger and stores them, together with the board settings, in a new file.
type SessionWriter struct {
	dir          string
	raw          *processing.Queue[processing.Sample]
	windows      *processing.Queue[processing.Window]
	settings     *config.SettingsStore
	channelCount int
	logger       *zap.Logger
	now          func() time.Time
}

func NewSessionWriter(dir string, raw *processing.Queue[processing.Sample], windows *processing.Queue[processing.Window], settings *config.SettingsStore, channelCount int, logger *zap.Logger) *SessionWriter {
	return &SessionWriter{
		dir:          dir,
		raw:          raw,
		windows:      windows,
		settings:     settings,
		channelCount: channelCount,
		logger:       logger,
		now:          time.Now,
	}
}

// Run flushes on every receive from flush. Whatever is still queued at
// shutdown is flushed one last time.
func (w *SessionWriter) Run(ctx context.Context, flush <-chan struct{}) error {
	for {
		select {
		case <-flush:
			w.flushAndLog()
		case <-ctx.Done():
			w.logger.Info("[persistence] received shutdown signal")
			w.flushAndLog()
			return nil
		}
	}
}

func (w *SessionWriter) flushAndLog() {
	path, err := w.Flush()
	if err != nil {
		w.logger.Error("[persistence] error writing session file", zap.String("path", path), zap.Error(err))
	}
}

// Flush drains both queues into a new session file and returns its path.
// Nothing is written when both queues are empty.
func (w *SessionWriter) Flush() (string, error) {
	var samples []processing.Sample
	w.raw.Drain(func(s processing.Sample) { samples = append(samples, s) })
	var windows []processing.Window
	if w.windows != nil {
		w.windows.Drain(func(win processing.Window) { windows = append(windows, win) })
	}

	if len(samples) == 0 && len(windows) == 0 {
		w.logger.Debug("[persistence] nothing to flush")
		return "", nil
	}

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("[persistence] creating %s: %w", w.dir, err)
	}
	sessionID := uuid.New()
	path := filepath.Join(w.dir, fmt.Sprintf("session-%s-%s.db", w.now().Format("20060102T150405"), sessionID))

	if err := w.write(path, sessionID, samples, windows); err != nil {
		return path, err
	}
	w.logger.Info("[persistence] session saved",
		zap.String("path", path),
		zap.Int("samples", len(samples)),
		zap.Int("windows", len(windows)),
	)
	return path, nil
}

func (w *SessionWriter) write(path string, sessionID uuid.UUID, samples []processing.Sample, windows []processing.Window) (err error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return fmt.Errorf("[persistence] opening %s: %w", path, err)
	}
	defer func() {
		err = multierr.Append(err, db.Close())
	}()

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			err = multierr.Append(err, tx.Rollback())
		}
	}()

	if err = w.createTables(tx); err != nil {
		return err
	}
	if err = w.insertSamples(tx, samples); err != nil {
		return err
	}
	if err = insertWindows(tx, windows); err != nil {
		return err
	}
	if err = w.insertSettings(tx, sessionID); err != nil {
		return err
	}
	committed = true
	return tx.Commit()
}

func channelColumns(count int) []string {
	columns := make([]string, count)
	for i := range columns {
		columns[i] = fmt.Sprintf("ch%d", i+1)
	}
	return columns
}

func (w *SessionWriter) createTables(tx *sql.Tx) error {
	var rawColumns strings.Builder
	for _, col := range channelColumns(w.channelCount) {
		rawColumns.WriteString(col + " REAL, ")
	}

	statements := []string{
		fmt.Sprintf(`CREATE TABLE %s (sample INTEGER PRIMARY KEY, %sclass INTEGER, ground_truth INTEGER)`, rawTable, rawColumns.String()),
		fmt.Sprintf(`CREATE TABLE %s ("window" INTEGER, position INTEGER, channel INTEGER, value REAL, class INTEGER, ground_truth INTEGER)`, windowTable),
		fmt.Sprintf(`CREATE TABLE %s (key TEXT PRIMARY KEY, value TEXT)`, settingsTable),
	}
	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("[persistence] creating tables: %w", err)
		}
	}
	return nil
}

func labelArgs(l processing.Label, labeled bool) (sql.NullInt64, sql.NullInt64) {
	return sql.NullInt64{Int64: int64(l.Class), Valid: labeled},
		sql.NullInt64{Int64: int64(l.GroundTruth), Valid: labeled}
}

func (w *SessionWriter) insertSamples(tx *sql.Tx, samples []processing.Sample) error {
	columns := channelColumns(w.channelCount)
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)+3), ", ")
	query := fmt.Sprintf(`INSERT INTO %s (sample, %s, class, ground_truth) VALUES (%s)`, rawTable, strings.Join(columns, ", "), placeholders)

	stmt, err := tx.Prepare(query)
	if err != nil {
		return fmt.Errorf("[persistence] preparing sample insert: %w", err)
	}
	defer stmt.Close()

	args := make([]any, len(columns)+3)
	for i, s := range samples {
		args[0] = i
		for ch := range columns {
			// channels a sample does not carry are stored as NULL
			if ch < len(s.Channels) {
				args[ch+1] = s.Channels[ch]
			} else {
				args[ch+1] = nil
			}
		}
		args[len(args)-2], args[len(args)-1] = labelArgs(s.Label, s.Labeled)
		if _, err := stmt.Exec(args...); err != nil {
			return fmt.Errorf("[persistence] inserting sample %d: %w", i, err)
		}
	}
	return nil
}

func insertWindows(tx *sql.Tx, windows []processing.Window) error {
	stmt, err := tx.Prepare(fmt.Sprintf(`INSERT INTO %s ("window", position, channel, value, class, ground_truth) VALUES (?, ?, ?, ?, ?, ?)`, windowTable))
	if err != nil {
		return fmt.Errorf("[persistence] preparing window insert: %w", err)
	}
	defer stmt.Close()

	for _, win := range windows {
		class, truth := labelArgs(win.Label, win.Labeled)
		for pos, s := range win.Samples {
			for ch, v := range s.Channels {
				if _, err := stmt.Exec(win.Index, pos, ch+1, v, class, truth); err != nil {
					return fmt.Errorf("[persistence] inserting window %d: %w", win.Index, err)
				}
			}
		}
	}
	return nil
}

func (w *SessionWriter) insertSettings(tx *sql.Tx, sessionID uuid.UUID) error {
	values := w.settings.Load().KeyValues()
	values["session_id"] = sessionID.String()
	values["channel_count"] = fmt.Sprint(w.channelCount)

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if _, err := tx.Exec(fmt.Sprintf(`INSERT INTO %s (key, value) VALUES (?, ?)`, settingsTable), k, values[k]); err != nil {
			return fmt.Errorf("[persistence] inserting setting %s: %w", k, err)
		}
	}
	return nil
}
