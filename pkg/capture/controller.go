package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// event is the input of the single dispatch point.
type event int

const (
	evStart event = iota
	evPause
	evResume
	evStop
	evTick
	evEncoderData
	evEncoderStopped
	evEncoderError
	evSeal
	evClose
)

func (e event) String() string {
	return [...]string{"start", "pause", "resume", "stop", "tick", "encoder_data",
		"encoder_stopped", "encoder_error", "seal", "close"}[e]
}

// session is one capture attempt. Every field is guarded by Controller.mu.
type session struct {
	id       string
	stream   MediaStream
	encoder  Encoder
	mimeType string

	elapsed  int
	captured int
	chunks   [][]byte

	ticker   clockwork.Ticker
	tickDone chan struct{}

	finalizing  bool
	sealed      bool
	released    bool
	failed      *CaptureError
	stopped     chan struct{}
	stoppedOnce sync.Once
}

func (s *session) signalStopped() {
	s.stoppedOnce.Do(func() { close(s.stopped) })
}

// Controller drives microphone capture through Idle -> Recording <-> Paused
// -> Stopped. All transitions go through dispatch while mu is held.
type Controller struct {
	config *CaptureConfig
	host   Host
	clock  clockwork.Clock
	logger *Logger

	mu       sync.Mutex
	state    State
	session  *session
	current  *FinalizedRecording
	starting bool
	closed   bool

	liveTickers int32

	handlersMu       sync.Mutex
	nextHandlerID    int
	completeHandlers map[int]CompleteHandler
	deleteHandlers   map[int]DeleteHandler
	stateHandlers    map[int]StateHandler
	tickHandlers     map[int]TickHandler
	errorHandlers    map[int]ErrorHandler
}

func NewController(config *CaptureConfig, host Host) *Controller {
	if config == nil {
		config = NewCaptureConfig()
	}
	host = host.withDefaults()
	return &Controller{
		config:           config,
		host:             host,
		clock:            host.Clock,
		logger:           GetGlobalLogger().WithComponent("CaptureController"),
		state:            StateIdle,
		completeHandlers: make(map[int]CompleteHandler),
		deleteHandlers:   make(map[int]DeleteHandler),
		stateHandlers:    make(map[int]StateHandler),
		tickHandlers:     make(map[int]TickHandler),
		errorHandlers:    make(map[int]ErrorHandler),
	}
}

// SetLogger replaces the controller logger.
func (c *Controller) SetLogger(logger *Logger) {
	c.logger = logger.WithComponent("CaptureController")
}

// Start acquires the microphone and begins a new capture session.
func (c *Controller) Start(ctx context.Context) error {
	if c.host.Devices == nil {
		cErr := NewCaptureUnsupportedError()
		c.reportError(cErr)
		return cErr
	}

	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.starting || c.state == StateRecording || c.state == StatePaused || (c.session != nil && c.session.finalizing):
		c.mu.Unlock()
		return ErrAlreadyRecording
	}
	c.starting = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.starting = false
		c.mu.Unlock()
	}()

	stream, err := c.host.Devices.GetUserMedia(ctx, c.config.Constraints())
	if err != nil {
		cErr := ClassifyCaptureError(err)
		c.reportError(cErr)
		return cErr
	}

	mimeType := SelectContainer(c.config.ContainerPreferences, c.host.Encoders.IsTypeSupported)
	requested := ""
	if c.host.Encoders.IsTypeSupported(mimeType) {
		requested = mimeType
	}
	encoder, err := c.host.Encoders.NewEncoder(stream, requested)
	if err != nil {
		_ = stream.Stop()
		cErr := NewRecordingFailedError(err)
		c.reportError(cErr)
		return cErr
	}

	if produced := encoder.MimeType(); produced != "" {
		mimeType = produced
	}

	s := &session{
		id:       uuid.NewString(),
		stream:   stream,
		encoder:  encoder,
		mimeType: mimeType,
		stopped:  make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = stream.Stop()
		c.logger.WithField("session_id", s.id).Debug("Controller closed while acquiring the microphone")
		return ErrClosed
	}
	err = c.dispatch(evStart, s, nil)
	c.mu.Unlock()
	if err != nil {
		var cErr *CaptureError
		if errors.As(err, &cErr) {
			c.reportError(cErr)
		}
		return err
	}

	go c.pump(s)
	return nil
}

// Pause suspends encoding and the elapsed counter. No-op unless recording.
func (c *Controller) Pause() error {
	c.mu.Lock()
	if c.state != StateRecording {
		c.mu.Unlock()
		return nil
	}
	err := c.dispatch(evPause, c.session, nil)
	c.mu.Unlock()
	c.reportFailure(err)
	return err
}

// Resume restarts encoding and the elapsed counter. No-op unless paused.
func (c *Controller) Resume() error {
	c.mu.Lock()
	if c.state != StatePaused {
		c.mu.Unlock()
		return nil
	}
	err := c.dispatch(evResume, c.session, nil)
	c.mu.Unlock()
	c.reportFailure(err)
	return err
}

// Stop ends the session and seals the recording. The elapsed counter is
// captured before the encoder is asked to stop.
func (c *Controller) Stop(ctx context.Context) (*FinalizedRecording, error) {
	c.mu.Lock()
	s := c.session
	if s == nil || s.finalizing || (c.state != StateRecording && c.state != StatePaused) {
		c.mu.Unlock()
		return nil, ErrNotRecording
	}
	if err := c.dispatch(evStop, s, nil); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	if err := s.encoder.Stop(); err != nil {
		c.mu.Lock()
		c.dispatch(evEncoderError, s, &EncoderEvent{Kind: EncoderError, Err: err})
		c.mu.Unlock()
	}

	select {
	case <-s.stopped:
	case <-c.clock.After(c.config.StopTimeout):
		c.logger.WithField("session_id", s.id).Warn("Encoder did not confirm stop in time, sealing collected chunks")
	case <-ctx.Done():
		c.mu.Lock()
		c.dispatch(evClose, s, nil)
		c.mu.Unlock()
		return nil, NewRecordingFailedError(ctx.Err())
	}

	// Encoders may flush their last chunk after reporting stop.
	if c.config.FinalizeGrace > 0 {
		select {
		case <-c.clock.After(c.config.FinalizeGrace):
		case <-ctx.Done():
		}
	}

	c.mu.Lock()
	err := c.dispatch(evSeal, s, nil)
	rec := c.current
	c.mu.Unlock()

	if err != nil {
		var cErr *CaptureError
		if errors.As(err, &cErr) {
			c.reportError(cErr)
		}
		return nil, err
	}

	c.fireComplete(rec)
	return rec, nil
}

// Delete discards the held recording and revokes its URL. An active session
// is stopped first.
func (c *Controller) Delete(ctx context.Context) error {
	c.mu.Lock()
	active := c.session != nil && (c.state == StateRecording || c.state == StatePaused)
	c.mu.Unlock()

	if active {
		if _, err := c.Stop(ctx); err != nil && !IsErrorCode(err, ErrCodeEmptyRecording) && !IsErrorCode(err, ErrCodeEncoderRuntime) {
			return err
		}
	}

	c.mu.Lock()
	rec := c.current
	if rec == nil {
		c.mu.Unlock()
		return nil
	}
	c.current = nil
	err := c.host.URLs.RevokeObjectURL(rec.ObjectURL)
	c.setState(StateIdle)
	c.mu.Unlock()

	if err != nil {
		c.logger.WithError(err).Warn("Failed to revoke object url")
	}
	c.logger.LogCaptureEvent("deleted", StateIdle, map[string]interface{}{"recording_id": rec.ID})
	c.fireDelete()
	return nil
}

// Close tears the controller down, releasing the device and any held URL.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	err := c.dispatch(evClose, c.session, nil)
	c.closed = true
	return err
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Elapsed returns the wall-clock seconds counted in the current session.
func (c *Controller) Elapsed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		if c.current != nil {
			return c.current.CapturedDurationSeconds
		}
		return 0
	}
	return c.session.elapsed
}

// Current returns the held recording, if any.
func (c *Controller) Current() *FinalizedRecording {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// LiveValidity evaluates the gate against the running counter.
func (c *Controller) LiveValidity(gate Gate) Validity {
	return gate.Evaluate(float64(c.Elapsed()))
}

// URLs exposes the object URL store used for finalized recordings.
func (c *Controller) URLs() *BlobStore {
	return c.host.URLs
}

// dispatch is the single transition point. mu must be held.
func (c *Controller) dispatch(ev event, s *session, payload *EncoderEvent) error {
	if ev != evTick && ev != evEncoderData {
		c.logger.Debugf("dispatch %s in state %s", ev, c.state)
	}

	switch ev {
	case evStart:
		if c.current != nil {
			if err := c.host.URLs.RevokeObjectURL(c.current.ObjectURL); err != nil {
				c.logger.WithError(err).Warn("Failed to revoke replaced object url")
			}
			c.current = nil
		}
		if err := s.encoder.Start(c.config.FlushInterval); err != nil {
			c.release(s)
			c.setState(StateIdle)
			return NewRecordingFailedError(err)
		}
		c.session = s
		s.elapsed = 0
		c.startTick(s)
		c.setState(StateRecording)
		c.logger.LogCaptureEvent("started", c.state, map[string]interface{}{
			"session_id": s.id,
			"mime_type":  s.mimeType,
		})

	case evPause:
		if err := s.encoder.Pause(); err != nil {
			return c.abort(s, err)
		}
		c.stopTick(s)
		c.setState(StatePaused)

	case evResume:
		if err := s.encoder.Resume(); err != nil {
			return c.abort(s, err)
		}
		c.startTick(s)
		c.setState(StateRecording)

	case evStop:
		s.captured = s.elapsed
		c.stopTick(s)
		s.finalizing = true
		c.setState(StateStopped)
		c.logger.LogCaptureEvent("stopping", c.state, map[string]interface{}{
			"session_id":       s.id,
			"captured_seconds": s.captured,
		})

	case evTick:
		if c.session != s || c.state != StateRecording {
			return nil
		}
		s.elapsed++
		c.fireTick(s.elapsed)

	case evEncoderData:
		if s.sealed || len(payload.Data) == 0 {
			return nil
		}
		s.chunks = append(s.chunks, payload.Data)

	case evEncoderStopped:
		s.signalStopped()

	case evEncoderError:
		if s.sealed {
			return nil
		}
		if s.finalizing {
			s.failed = NewEncoderRuntimeError(payload.Err)
			s.signalStopped()
			return nil
		}
		err := c.abort(s, payload.Err)
		var cErr *CaptureError
		if errors.As(err, &cErr) {
			go c.reportError(cErr)
		}
		return err

	case evSeal:
		return c.seal(s)

	case evClose:
		if s != nil && !s.sealed {
			c.stopTick(s)
			if !s.finalizing {
				go s.encoder.Stop()
			}
			s.sealed = true
			s.signalStopped()
			c.release(s)
			if c.session == s {
				c.session = nil
			}
		}
		if c.current != nil {
			if err := c.host.URLs.RevokeObjectURL(c.current.ObjectURL); err != nil {
				c.logger.WithError(err).Warn("Failed to revoke object url on close")
			}
			c.current = nil
		}
		c.setState(StateIdle)
	}
	return nil
}

// abort ends a session after an encoder failure. mu must be held.
func (c *Controller) abort(s *session, cause error) error {
	c.stopTick(s)
	// Stop may emit into Events, which the pump cannot drain while mu is held.
	go s.encoder.Stop()
	s.sealed = true
	s.signalStopped()
	c.release(s)
	if c.session == s {
		c.session = nil
	}
	c.setState(StateStopped)
	cErr := NewEncoderRuntimeError(cause).AddDetail("session_id", s.id)
	s.failed = cErr
	c.logger.LogError(cErr)
	return cErr
}

func (c *Controller) seal(s *session) error {
	if s.sealed {
		if s.failed != nil {
			return s.failed
		}
		return ErrNotRecording
	}
	s.sealed = true
	c.release(s)
	if c.session == s {
		c.session = nil
	}

	if s.failed != nil {
		c.logger.LogError(s.failed)
		return s.failed
	}

	blob := NewBlob(s.chunks, BlobType(s.mimeType))
	if len(s.chunks) == 0 || blob.Size() == 0 {
		return NewEmptyRecordingError(len(s.chunks), blob.Size()).AddDetail("session_id", s.id)
	}

	rec := &FinalizedRecording{
		ID:                      s.id,
		Blob:                    blob,
		ObjectURL:               c.host.URLs.CreateObjectURL(blob),
		MimeType:                s.mimeType,
		CapturedDurationSeconds: s.captured,
		ChunkCount:              len(s.chunks),
		CreatedAt:               c.clock.Now(),
	}
	c.current = rec
	c.logger.LogCaptureEvent("finalized", c.state, map[string]interface{}{
		"session_id":       s.id,
		"size":             blob.Size(),
		"type":             blob.Type(),
		"chunks":           len(s.chunks),
		"captured_seconds": s.captured,
	})
	return nil
}

// release stops the device stream exactly once. mu must be held.
func (c *Controller) release(s *session) {
	if s == nil || s.released {
		return
	}
	s.released = true
	if err := s.stream.Stop(); err != nil {
		c.logger.WithError(err).Warn("Failed to release media stream")
	}
	c.logger.WithField("stream_id", s.stream.ID()).Debug("Media stream released")
}

// startTick arms the one-second counter. At most one ticker is alive per
// controller. mu must be held.
func (c *Controller) startTick(s *session) {
	if s.ticker != nil {
		return
	}
	ticker := c.clock.NewTicker(c.config.TickInterval)
	done := make(chan struct{})
	s.ticker = ticker
	s.tickDone = done
	atomic.AddInt32(&c.liveTickers, 1)

	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.Chan():
				c.mu.Lock()
				// A tick that raced with stopTick belongs to a dead ticker.
				if s.tickDone == done {
					c.dispatch(evTick, s, nil)
				}
				c.mu.Unlock()
			}
		}
	}()
}

// stopTick halts the counter without resetting it. mu must be held.
func (c *Controller) stopTick(s *session) {
	if s == nil || s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.tickDone)
	s.ticker = nil
	s.tickDone = nil
	atomic.AddInt32(&c.liveTickers, -1)
}

// pump forwards encoder events into dispatch until the encoder closes its
// channel or the session is sealed.
func (c *Controller) pump(s *session) {
	for ev := range s.encoder.Events() {
		ev := ev
		c.mu.Lock()
		switch ev.Kind {
		case EncoderDataAvailable:
			c.dispatch(evEncoderData, s, &ev)
		case EncoderStopped:
			c.dispatch(evEncoderStopped, s, &ev)
		case EncoderError:
			c.dispatch(evEncoderError, s, &ev)
		}
		c.mu.Unlock()
	}
	c.mu.Lock()
	c.dispatch(evEncoderStopped, s, nil)
	c.mu.Unlock()
}

func (c *Controller) setState(state State) {
	if c.state == state {
		return
	}
	c.state = state
	c.fireState(state)
}

// Handler registration

func (c *Controller) register(add func(id int)) int {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.nextHandlerID++
	add(c.nextHandlerID)
	return c.nextHandlerID
}

// OnComplete registers a handler invoked once per finalized recording.
func (c *Controller) OnComplete(handler CompleteHandler) func() {
	id := c.register(func(id int) { c.completeHandlers[id] = handler })
	return func() {
		c.handlersMu.Lock()
		delete(c.completeHandlers, id)
		c.handlersMu.Unlock()
	}
}

// OnDelete registers a handler invoked when a recording is discarded.
func (c *Controller) OnDelete(handler DeleteHandler) func() {
	id := c.register(func(id int) { c.deleteHandlers[id] = handler })
	return func() {
		c.handlersMu.Lock()
		delete(c.deleteHandlers, id)
		c.handlersMu.Unlock()
	}
}

// AddStateHandler registers a handler for state transitions.
func (c *Controller) AddStateHandler(handler StateHandler) func() {
	id := c.register(func(id int) { c.stateHandlers[id] = handler })
	return func() {
		c.handlersMu.Lock()
		delete(c.stateHandlers, id)
		c.handlersMu.Unlock()
	}
}

// AddTickHandler registers a handler for the elapsed-seconds counter.
func (c *Controller) AddTickHandler(handler TickHandler) func() {
	id := c.register(func(id int) { c.tickHandlers[id] = handler })
	return func() {
		c.handlersMu.Lock()
		delete(c.tickHandlers, id)
		c.handlersMu.Unlock()
	}
}

// AddErrorHandler registers a handler for capture errors.
func (c *Controller) AddErrorHandler(handler ErrorHandler) func() {
	id := c.register(func(id int) { c.errorHandlers[id] = handler })
	return func() {
		c.handlersMu.Lock()
		delete(c.errorHandlers, id)
		c.handlersMu.Unlock()
	}
}

func (c *Controller) fireComplete(rec *FinalizedRecording) {
	c.handlersMu.Lock()
	handlers := make([]CompleteHandler, 0, len(c.completeHandlers))
	for _, h := range c.completeHandlers {
		handlers = append(handlers, h)
	}
	c.handlersMu.Unlock()
	for _, h := range handlers {
		h(rec.Blob, rec.ObjectURL, rec.CapturedDurationSeconds)
	}
}

func (c *Controller) fireDelete() {
	c.handlersMu.Lock()
	handlers := make([]DeleteHandler, 0, len(c.deleteHandlers))
	for _, h := range c.deleteHandlers {
		handlers = append(handlers, h)
	}
	c.handlersMu.Unlock()
	for _, h := range handlers {
		h()
	}
}

func (c *Controller) fireState(state State) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	for _, h := range c.stateHandlers {
		go h(state)
	}
}

func (c *Controller) fireTick(elapsed int) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	for _, h := range c.tickHandlers {
		go h(elapsed)
	}
}

// reportFailure reports err when it is a CaptureError. mu must not be held.
func (c *Controller) reportFailure(err error) {
	var cErr *CaptureError
	if errors.As(err, &cErr) {
		c.reportError(cErr)
	}
}

func (c *Controller) reportError(err *CaptureError) {
	c.logger.LogError(err)
	c.handlersMu.Lock()
	handlers := make([]ErrorHandler, 0, len(c.errorHandlers))
	for _, h := range c.errorHandlers {
		handlers = append(handlers, h)
	}
	c.handlersMu.Unlock()
	for _, h := range handlers {
		h(err)
	}
}
