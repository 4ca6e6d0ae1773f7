package acquisition

import (
	"io"
	"time"

	"github.com/fatih/color"
	"go.uber.org/zap"
)

type Severity int

const (
	Info Severity = iota
	Success
	Warning
	Failure
)

func (s Severity) String() string {
	switch s {
	case Success:
		return "success"
	case Warning:
		return "warning"
	case Failure:
		return "error"
	}
	return "info"
}

func severityOf(k Kind) Severity {
	if k == SessionFatal || k == Unrecoverable {
		return Failure
	}
	return Warning
}

// Message is one operator facing status line.
type Message struct {
	Severity Severity  `json:"severity"`
	Text     string    `json:"text"`
	At       time.Time `json:"at"`
}

// Reporter logs status lines, prints them colored on the console and keeps
// the newest ones for the GUI.
type Reporter struct {
	logger   *zap.Logger
	console  io.Writer
	messages chan Message
	colors   map[Severity]*color.Color
}

// NewReporter prints to console unless it is nil. Messages are buffered up
// to capacity; when nobody reads them the oldest are discarded.
func NewReporter(console io.Writer, capacity int, logger *zap.Logger) *Reporter {
	if capacity < 1 {
		capacity = 1
	}
	return &Reporter{
		logger:   logger,
		console:  console,
		messages: make(chan Message, capacity),
		colors: map[Severity]*color.Color{
			Info:    color.New(color.FgCyan),
			Success: color.New(color.FgGreen),
			Warning: color.New(color.FgYellow),
			Failure: color.New(color.FgRed, color.Bold),
		},
	}
}

func (r *Reporter) Report(severity Severity, text string, fields ...zap.Field) {
	if r == nil {
		return
	}

	fields = append(fields, zap.String("severity", severity.String()))
	switch severity {
	case Warning:
		r.logger.Warn("[status] "+text, fields...)
	case Failure:
		r.logger.Error("[status] "+text, fields...)
	default:
		r.logger.Info("[status] "+text, fields...)
	}

	if r.console != nil {
		r.colors[severity].Fprintln(r.console, text)
	}

	msg := Message{Severity: severity, Text: text, At: time.Now()}
	for {
		select {
		case r.messages <- msg:
			return
		default:
		}
		select {
		case <-r.messages:
		default:
		}
	}
}

func (r *Reporter) Messages() <-chan Message {
	return r.messages
}
