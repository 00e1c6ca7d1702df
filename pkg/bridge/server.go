package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rojolang/twin-recorder-go/pkg/capture"
)

// Protocol error codes for requests the controller never saw.
const (
	ErrCodeUnknownCommand   = "UNKNOWN_COMMAND"
	ErrCodeAlreadyRecording = "ALREADY_RECORDING"
	ErrCodeNotRecording     = "NOT_RECORDING"
	ErrCodeClosed           = "RECORDER_CLOSED"
)

// Server lets a browser-hosted wizard drive one Controller over WebSocket.
// Every connected client receives every event.
type Server struct {
	config     *BridgeConfig
	issuer     *TokenIssuer
	ctrl       *capture.Controller
	reconciler *capture.Reconciler
	gate       capture.Gate
	upgrader   websocket.Upgrader
	logger     *capture.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	clients     map[*client]struct{}
	resolution  *capture.DurationResolution
	settled     []SettledHandler
	unsubscribe []func()
	closed      bool
}

// SettledHandler receives a recording once its duration wait window ends.
type SettledHandler func(rec *capture.FinalizedRecording, res *capture.DurationResolution)

type client struct {
	conn    *websocket.Conn
	locale  string
	subject string
	timeout time.Duration

	writeMu sync.Mutex
}

func (c *client) send(ev Event) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	return c.conn.WriteJSON(ev)
}

// NewServer subscribes to ctrl. Recordings finalized through the bridge are
// reconciled with reconciler and labelled with gate.
func NewServer(config *BridgeConfig, issuer *TokenIssuer, ctrl *capture.Controller, reconciler *capture.Reconciler, gate capture.Gate) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:     config,
		issuer:     issuer,
		ctrl:       ctrl,
		reconciler: reconciler,
		gate:       gate,
		logger:     capture.GetGlobalLogger().WithComponent("Bridge"),
		ctx:        ctx,
		cancel:     cancel,
		clients:    make(map[*client]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	s.unsubscribe = append(s.unsubscribe,
		ctrl.AddStateHandler(func(state capture.State) {
			s.broadcast(func(*client) Event { return Event{Type: EventState, State: state} })
		}),
		ctrl.AddTickHandler(func(elapsed int) {
			s.broadcast(func(c *client) Event {
				return Event{
					Type:     EventTick,
					Elapsed:  &elapsed,
					Clock:    capture.FormatClock(float64(elapsed)),
					Validity: validityInfo(s.gateFor(c).Evaluate(float64(elapsed))),
				}
			})
		}),
		ctrl.AddErrorHandler(capture.ChainErrorHandlers(
			capture.CreateErrorLoggingHandler(s.logger),
			func(err *capture.CaptureError) {
				s.broadcast(func(c *client) Event {
					return Event{Type: EventError, Error: &ErrorInfo{Code: err.Code, Message: err.UserMessage(c.locale)}}
				})
			},
		)),
		ctrl.OnDelete(func() {
			s.broadcast(func(*client) Event { return Event{Type: EventDeleted} })
		}),
	)
	return s
}

// Handler serves the WebSocket endpoint and a health check.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.config.Path, s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// ListenAndServe runs until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", s.config.Addr).Info("Bridge listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Close()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Close disconnects all clients and detaches from the controller. The
// controller itself is left to its owner.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	s.cancel()
	for _, unsub := range unsubscribe {
		unsub()
	}
	for _, c := range clients {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.conn.Close()
	}
}

// OnSettled registers handler for recordings stopped through the bridge.
func (s *Server) OnSettled(handler SettledHandler) {
	s.mu.Lock()
	s.settled = append(s.settled, handler)
	s.mu.Unlock()
}

// Resolution returns the duration resolution of the last recording stopped
// through the bridge.
func (s *Server) Resolution() *capture.DurationResolution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolution
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(s.config.AllowedOrigins) == 0 {
		return strings.HasSuffix(origin, "://"+r.Host)
	}
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func tokenFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	// Browsers cannot set headers on WebSocket handshakes.
	return r.URL.Query().Get("token")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	clients := len(s.clients)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"state":   s.ctrl.State(),
		"elapsed": s.ctrl.Elapsed(),
		"clients": clients,
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	claims, err := s.issuer.Verify(tokenFromRequest(r))
	if err != nil {
		s.logger.WithError(err).WithField("remote", r.RemoteAddr).Warn("Rejected bridge connection")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Debug("WebSocket upgrade failed")
		return
	}

	c := &client{
		conn:    conn,
		locale:  claims.Locale,
		subject: claims.Subject,
		timeout: s.config.WriteTimeout,
	}
	if c.locale == "" {
		c.locale = s.gate.Locale
	}
	if c.timeout <= 0 {
		c.timeout = 5 * time.Second
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	logger := s.logger.WithFields(map[string]interface{}{"subject": c.subject, "remote": r.RemoteAddr})
	logger.Info("Bridge client connected")

	s.sendStatus(c, "")
	s.readLoop(c, logger)

	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	conn.Close()
	logger.Info("Bridge client disconnected")
}

func (s *Server) readLoop(c *client, logger *capture.Logger) {
	for {
		var cmd Command
		if err := c.conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.WithError(err).Debug("Bridge read error")
			}
			return
		}
		logger.WithField("command", cmd.Type).Debug("Bridge command")
		s.handleCommand(c, cmd)
	}
}

func (s *Server) handleCommand(c *client, cmd Command) {
	var err error
	switch cmd.Type {
	case CmdStart:
		err = s.ctrl.Start(s.ctx)
	case CmdPause:
		err = s.ctrl.Pause()
	case CmdResume:
		err = s.ctrl.Resume()
	case CmdStop:
		var rec *capture.FinalizedRecording
		rec, err = s.ctrl.Stop(s.ctx)
		if err == nil {
			s.finalized(rec)
		}
	case CmdDelete:
		err = s.ctrl.Delete(s.ctx)
		if err == nil {
			s.mu.Lock()
			s.resolution = nil
			s.mu.Unlock()
		}
	case CmdStatus:
		s.sendStatus(c, cmd.ID)
		return
	default:
		s.sendError(c, cmd.ID, ErrCodeUnknownCommand, "unknown command: "+cmd.Type)
		return
	}
	if err != nil {
		s.commandError(c, cmd, err)
	}
}

// commandError answers the requester. CaptureErrors are already broadcast
// through the controller's error handlers.
func (s *Server) commandError(c *client, cmd Command, err error) {
	var cErr *capture.CaptureError
	switch {
	case errors.As(err, &cErr):
		return
	case errors.Is(err, capture.ErrAlreadyRecording):
		s.sendError(c, cmd.ID, ErrCodeAlreadyRecording, err.Error())
	case errors.Is(err, capture.ErrNotRecording):
		s.sendError(c, cmd.ID, ErrCodeNotRecording, err.Error())
	case errors.Is(err, capture.ErrClosed):
		s.sendError(c, cmd.ID, ErrCodeClosed, err.Error())
	default:
		cErr = capture.NewRecordingFailedError(err)
		s.sendError(c, cmd.ID, cErr.Code, cErr.UserMessage(c.locale))
	}
}

func (s *Server) sendError(c *client, id, code, message string) {
	if err := c.send(Event{Type: EventError, ID: id, Error: &ErrorInfo{Code: code, Message: message}}); err != nil {
		s.logger.WithError(err).Debug("Failed to send error event")
	}
}

func (s *Server) finalized(rec *capture.FinalizedRecording) {
	info := recordingInfo(rec)
	captured := float64(rec.CapturedDurationSeconds)
	s.broadcast(func(c *client) Event {
		return Event{
			Type:      EventFinalized,
			Recording: info,
			Seconds:   &captured,
			Source:    capture.SourceCaptured,
			Validity:  validityInfo(s.gateFor(c).Evaluate(captured)),
		}
	})

	if s.reconciler == nil {
		return
	}
	res := s.reconciler.Reconcile(s.ctx, rec, s.gate, func(seconds float64, source capture.DurationSource, _ capture.Validity) {
		s.broadcast(func(c *client) Event {
			return Event{
				Type:      EventDuration,
				Recording: info,
				Seconds:   &seconds,
				Source:    source,
				Clock:     capture.FormatClock(seconds),
			}
		})
		s.broadcast(func(c *client) Event {
			return Event{
				Type:     EventValidity,
				Seconds:  &seconds,
				Source:   source,
				Validity: validityInfo(s.gateFor(c).Evaluate(seconds)),
			}
		})
	})
	s.mu.Lock()
	s.resolution = res
	handlers := append([]SettledHandler(nil), s.settled...)
	s.mu.Unlock()

	if len(handlers) == 0 {
		return
	}
	go func() {
		select {
		case <-res.Done():
		case <-s.ctx.Done():
			return
		}
		for _, h := range handlers {
			h(rec, res)
		}
	}()
}

func (s *Server) sendStatus(c *client, id string) {
	elapsed := s.ctrl.Elapsed()
	ev := Event{
		Type:     EventState,
		ID:       id,
		State:    s.ctrl.State(),
		Elapsed:  &elapsed,
		Clock:    capture.FormatClock(float64(elapsed)),
		Validity: validityInfo(s.ctrl.LiveValidity(s.gateFor(c))),
	}
	if rec := s.ctrl.Current(); rec != nil {
		ev.Recording = recordingInfo(rec)
		if res := s.Resolution(); res != nil {
			seconds := res.Seconds()
			ev.Seconds = &seconds
			ev.Source = res.Source()
			ev.Validity = validityInfo(s.gateFor(c).Evaluate(seconds))
		}
	}
	if err := c.send(ev); err != nil {
		s.logger.WithError(err).Debug("Failed to send status")
	}
}

func (s *Server) gateFor(c *client) capture.Gate {
	return capture.Gate{MinSeconds: s.gate.MinSeconds, Locale: c.locale}
}

func (s *Server) broadcast(build func(*client) Event) {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		if err := c.send(build(c)); err != nil {
			s.logger.WithError(err).WithField("subject", c.subject).Debug("Failed to deliver event")
		}
	}
}
