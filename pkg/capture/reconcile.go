package capture

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Reconciler resolves an authoritative duration for finalized recordings.
type Reconciler struct {
	decoder       Decoder
	clock         clockwork.Clock
	retryDelay    time.Duration
	fallbackDelay time.Duration
	lateWindow    time.Duration
	logger        *Logger
}

func NewReconciler(decoder Decoder, clock clockwork.Clock, config *CaptureConfig) *Reconciler {
	if config == nil {
		config = DefaultCaptureConfig()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Reconciler{
		decoder:       decoder,
		clock:         clock,
		retryDelay:    config.RetryDelay,
		fallbackDelay: config.FallbackDelay,
		lateWindow:    config.CorrectionWindow,
		logger:        GetGlobalLogger().WithComponent("DurationReconciler"),
	}
}

// DurationResolution is the single owner of a recording's resolved duration.
// It starts at the captured value and moves to a decoded value at most once.
// Done closes when the fallback window ends; a decoded value may still
// arrive afterwards until Settled reports true.
type DurationResolution struct {
	mu       sync.Mutex
	captured int
	seconds  float64
	source   DurationSource
	settled  bool
	gate     Gate
	handlers []DurationHandler
	done     chan struct{}
	doneOnce sync.Once
	logger   *Logger
}

// Reconcile seeds a resolution with the captured duration and starts the
// asynchronous decode. It never blocks on the decoder. handlers are invoked
// with the seed and again on every correction.
func (r *Reconciler) Reconcile(ctx context.Context, rec *FinalizedRecording, gate Gate, handlers ...DurationHandler) *DurationResolution {
	res := &DurationResolution{
		gate:     gate,
		source:   SourceCaptured,
		handlers: handlers,
		done:     make(chan struct{}),
		logger:   r.logger,
	}
	if rec == nil {
		res.finish()
		return res
	}

	res.captured = rec.CapturedDurationSeconds
	res.seconds = float64(rec.CapturedDurationSeconds)
	res.logger = r.logger.WithField("recording_id", rec.ID)
	res.logger.LogDurationEvent("seeded", res.seconds, SourceCaptured, nil)
	res.notify(res.seconds, SourceCaptured)

	if r.decoder == nil || rec.Blob == nil {
		res.fallback("no_decoder")
		res.finish()
		return res
	}

	go r.run(ctx, res, rec.Blob)
	return res
}

func (r *Reconciler) run(ctx context.Context, res *DurationResolution, blob *Blob) {
	defer res.finish()

	// Timers start before Open so a slow decoder cannot delay the fallback.
	retry := r.clock.After(r.retryDelay)
	fallback := r.clock.After(r.fallbackDelay)
	var late <-chan time.Time

	media, err := r.decoder.Open(ctx, blob)
	if err != nil {
		res.logger.WithError(err).Debug("Decode path failed to open blob, using captured duration")
		res.fallback("open_error")
		return
	}
	defer media.Close()

	signals := media.Signals()
	for {
		select {
		case sig, ok := <-signals:
			if !ok {
				if late != nil {
					return
				}
				signals = nil
				continue
			}
			if sig.Kind == SignalError {
				res.logger.WithError(sig.Err).Debug("Decode error, using captured duration")
				res.fallback("decode_error")
				return
			}
			if res.offer(sig.Duration, sig.Kind.String()) {
				return
			}
		case <-retry:
			retry = nil
			if res.offer(media.Duration(), "retry") {
				return
			}
		case <-fallback:
			fallback = nil
			if res.fallback("timeout") || signals == nil || r.lateWindow <= 0 {
				return
			}
			res.endWindow()
			late = r.clock.After(r.lateWindow)
		case <-late:
			res.logger.Debug("Late correction window closed")
			return
		case <-ctx.Done():
			res.fallback("cancelled")
			return
		}
	}
}

func validDuration(seconds float64) bool {
	return seconds > 0 && !math.IsInf(seconds, 0) && !math.IsNaN(seconds)
}

// offer proposes a decoded duration. It reports whether a decoded value is
// now held.
func (d *DurationResolution) offer(seconds float64, via string) bool {
	d.mu.Lock()
	if d.settled || d.source == SourceDecoded {
		d.mu.Unlock()
		return true
	}
	if !validDuration(seconds) {
		d.mu.Unlock()
		d.logger.LogDurationEvent("ignored", seconds, SourceDecoded, map[string]interface{}{"signal": via})
		return false
	}
	d.seconds = seconds
	d.source = SourceDecoded
	d.mu.Unlock()

	d.logger.LogDurationEvent("decoded", seconds, SourceDecoded, map[string]interface{}{"signal": via})
	d.notify(seconds, SourceDecoded)
	return true
}

// fallback commits the captured value when the resolution still holds its
// zero seed. It reports whether that commit happened.
func (d *DurationResolution) fallback(reason string) bool {
	d.mu.Lock()
	if d.settled || d.source == SourceDecoded {
		d.mu.Unlock()
		return false
	}
	committed := false
	if d.seconds <= 0 && d.captured > 0 {
		d.seconds = float64(d.captured)
		committed = true
	}
	seconds := d.seconds
	d.mu.Unlock()

	d.logger.LogDurationEvent("fallback", seconds, SourceCaptured, map[string]interface{}{"reason": reason})
	if committed {
		d.notify(seconds, SourceCaptured)
	}
	return committed
}

// endWindow releases waiters while late corrections are still accepted.
func (d *DurationResolution) endWindow() {
	d.doneOnce.Do(func() { close(d.done) })
}

// finish stops all further corrections.
func (d *DurationResolution) finish() {
	d.mu.Lock()
	d.settled = true
	d.mu.Unlock()
	d.endWindow()
}

func (d *DurationResolution) notify(seconds float64, source DurationSource) {
	d.mu.Lock()
	handlers := make([]DurationHandler, len(d.handlers))
	copy(handlers, d.handlers)
	d.mu.Unlock()

	validity := d.gate.Evaluate(seconds)
	for _, h := range handlers {
		h(seconds, source, validity)
	}
}

// OnChange registers a handler for later corrections.
func (d *DurationResolution) OnChange(handler DurationHandler) {
	d.mu.Lock()
	d.handlers = append(d.handlers, handler)
	d.mu.Unlock()
}

func (d *DurationResolution) Seconds() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seconds
}

func (d *DurationResolution) Source() DurationSource {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.source
}

// Settled reports whether no further correction can happen.
func (d *DurationResolution) Settled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settled
}

// Done is closed once a decoded value is confirmed, the decode path is
// abandoned or the fallback window ends.
func (d *DurationResolution) Done() <-chan struct{} {
	return d.done
}

// Validity re-evaluates the gate against the current resolved duration.
func (d *DurationResolution) Validity() Validity {
	return d.gate.Evaluate(d.Seconds())
}

// Wait blocks until the resolution settles or ctx is done.
func (d *DurationResolution) Wait(ctx context.Context) (float64, error) {
	select {
	case <-d.done:
		return d.Seconds(), nil
	case <-ctx.Done():
		return d.Seconds(), ctx.Err()
	}
}
