// Package display bridges the acquisition core and the GUI over a websocket.
// Samples and status lines flow out, commands flow in.
package display

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"sleepywoodpecker/cyton-acquisition/internal/acquisition"
	"sleepywoodpecker/cyton-acquisition/internal/config"
	"sleepywoodpecker/cyton-acquisition/internal/metrics"
	"sleepywoodpecker/cyton-acquisition/internal/processing"
)

const (
	DefaultBroadcastInterval = 50 * time.Millisecond
	writeTimeout             = 5 * time.Second
	pongWait                 = 60 * time.Second
	pingInterval             = 30 * time.Second
)

// Commander is what the GUI may ask of the acquisition controller.
type Commander interface {
	Signals() *acquisition.Signals
	SubmitSettings(config.BoardSettings)
	SetLabeling(bool)
	TestSignal(int) error
	State() acquisition.State
}

type client struct {
	writeMu sync.Mutex
}

type Server struct {
	commander Commander
	settings  *config.SettingsStore
	samples   *processing.Queue[processing.Sample]
	status    <-chan acquisition.Message
	metrics   *metrics.Metrics
	logger    *zap.Logger
	interval  time.Duration
	upgrader  websocket.Upgrader

	clientsMu sync.RWMutex
	clients   map[*websocket.Conn]*client
}

func NewServer(commander Commander, settings *config.SettingsStore, samples *processing.Queue[processing.Sample], status <-chan acquisition.Message, m *metrics.Metrics, logger *zap.Logger) *Server {
	return &Server{
		commander: commander,
		settings:  settings,
		samples:   samples,
		status:    status,
		metrics:   m,
		logger:    logger,
		interval:  DefaultBroadcastInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // the GUI runs on the same host
			},
		},
		clients: make(map[*websocket.Conn]*client),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/api/state", s.handleState)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return mux
}

func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// ListenAndServe serves Handler on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("[display] listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("[display] server failed: %w", err)
	case <-ctx.Done():
		s.logger.Info("[display] received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Run forwards the display queue in batches and every status message to all
// connected clients.
func (s *Server) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var pending []sampleMessage
	for {
		select {
		case <-s.samples.Ready():
			s.samples.Drain(func(sample processing.Sample) {
				if len(pending) < s.samples.Cap() {
					pending = append(pending, newSampleMessage(sample))
				}
			})
		case <-ticker.C:
			if len(pending) == 0 {
				continue
			}
			s.broadcast(outgoing{Type: "samples", Samples: pending})
			pending = nil
		case msg := <-s.status:
			s.broadcast(outgoing{Type: "status", Status: &msg, State: s.commander.State().String()})
		case <-ctx.Done():
			s.closeClients()
			return nil
		}
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	state := stateMessage{
		State:    s.commander.State().String(),
		Settings: newSettingsMessage(s.settings.Load()),
	}
	if err := json.NewEncoder(w).Encode(state); err != nil {
		s.logger.Warn("[display] error encoding state", zap.Error(err))
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("[display] failed to upgrade connection", zap.Error(err))
		return
	}

	s.clientsMu.Lock()
	c := &client{}
	s.clients[conn] = c
	count := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Info("[display] client connected", zap.String("remote", r.RemoteAddr), zap.Int("clients", count))

	s.send(conn, c, outgoing{Type: "state", State: s.commander.State().String()})
	go s.readCommands(conn, c)
}

func (s *Server) readCommands(conn *websocket.Conn, c *client) {
	defer s.removeClient(conn)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
				c.writeMu.Unlock()
				if err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("[display] read error", zap.Error(err))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var cmd command
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.send(conn, c, outgoing{Type: "error", Error: "malformed command"})
			continue
		}
		if err := s.dispatch(cmd); err != nil {
			s.send(conn, c, outgoing{Type: "error", Error: err.Error()})
		}
	}
}

func (s *Server) dispatch(cmd command) error {
	s.logger.Debug("[display] command received", zap.String("command", cmd.Command))
	signals := s.commander.Signals()

	switch cmd.Command {
	case "connect":
		signals.Connect.Raise()
	case "disconnect":
		signals.Disconnect.Raise()
	case "start":
		signals.StartStreaming.Raise()
	case "stop":
		signals.StopStreaming.Raise()
	case "settings":
		if cmd.Settings == nil {
			return errors.New("settings command without settings")
		}
		next, err := cmd.Settings.apply(s.settings.Load())
		if err != nil {
			return err
		}
		s.commander.SubmitSettings(next)
	case "labeling":
		if cmd.Labeling == nil {
			return errors.New("labeling command without a value")
		}
		s.commander.SetLabeling(*cmd.Labeling)
	case "test_signal":
		if cmd.Signal == nil {
			return errors.New("test_signal command without a signal")
		}
		return s.commander.TestSignal(*cmd.Signal)
	default:
		return fmt.Errorf("unknown command %q", cmd.Command)
	}
	return nil
}

func (s *Server) send(conn *websocket.Conn, c *client, msg outgoing) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("[display] error encoding message", zap.Error(err))
		return
	}
	s.write(conn, c, data)
}

func (s *Server) write(conn *websocket.Conn, c *client, data []byte) {
	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()

	if err != nil {
		s.logger.Debug("[display] write failed, dropping client", zap.Error(err))
		s.removeClient(conn)
	}
}

func (s *Server) broadcast(msg outgoing) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("[display] error encoding message", zap.Error(err))
		return
	}

	s.clientsMu.RLock()
	targets := make(map[*websocket.Conn]*client, len(s.clients))
	for conn, c := range s.clients {
		targets[conn] = c
	}
	s.clientsMu.RUnlock()

	for conn, c := range targets {
		s.write(conn, c, data)
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	_, ok := s.clients[conn]
	delete(s.clients, conn)
	count := len(s.clients)
	s.clientsMu.Unlock()

	if ok {
		conn.Close()
		s.logger.Info("[display] client disconnected", zap.Int("clients", count))
	}
}

func (s *Server) closeClients() {
	s.clientsMu.RLock()
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for conn := range s.clients {
		conns = append(conns, conn)
	}
	s.clientsMu.RUnlock()

	for _, conn := range conns {
		s.removeClient(conn)
	}
}
