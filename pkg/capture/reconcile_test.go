package capture_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rojolang/twin-recorder-go/pkg/capture"
	"github.com/rojolang/twin-recorder-go/pkg/capture/capturetest"
)

type durationCall struct {
	seconds float64
	source  capture.DurationSource
	valid   bool
}

type recorder struct {
	mu    sync.Mutex
	calls []durationCall
}

func (r *recorder) handle(seconds float64, source capture.DurationSource, v capture.Validity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, durationCall{seconds, source, v.Valid})
}

func (r *recorder) snapshot() []durationCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]durationCall, len(r.calls))
	copy(out, r.calls)
	return out
}

func recording(captured int) *capture.FinalizedRecording {
	return &capture.FinalizedRecording{
		ID:                      "rec-1",
		Blob:                    capture.NewBlob([][]byte{[]byte("data")}, "audio/ogg"),
		MimeType:                "audio/ogg;codecs=opus",
		CapturedDurationSeconds: captured,
	}
}

func newReconciler(decoder capture.Decoder) (*capture.Reconciler, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	return capture.NewReconciler(decoder, clock, capture.DefaultCaptureConfig()), clock
}

func waitDone(t *testing.T, res *capture.DurationResolution) {
	t.Helper()
	select {
	case <-res.Done():
	case <-time.After(time.Second):
		t.Fatal("resolution never settled")
	}
}

// waitTimers blocks until the reconciler armed its retry and fallback timers.
func waitTimers(t *testing.T, clock *clockwork.FakeClock) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 2))
}

func lastMedia(t *testing.T, decoder *capturetest.FakeDecoder) *capturetest.FakeMedia {
	t.Helper()
	require.Eventually(t, func() bool { return decoder.Last() != nil }, time.Second, time.Millisecond)
	return decoder.Last()
}

func TestReconcileSeedsCapturedSynchronously(t *testing.T) {
	r, _ := newReconciler(&capturetest.FakeDecoder{})
	rec := &recorder{}

	res := r.Reconcile(context.Background(), recording(12), capture.NewGate(10, "en"), rec.handle)

	assert.Equal(t, 12.0, res.Seconds())
	assert.Equal(t, capture.SourceCaptured, res.Source())
	assert.False(t, res.Settled())
	assert.Equal(t, []durationCall{{12, capture.SourceCaptured, true}}, rec.snapshot())
}

func TestReconcileAcceptsFirstValidSignal(t *testing.T) {
	decoder := &capturetest.FakeDecoder{Script: []capture.MediaSignal{
		{Kind: capture.SignalMetadataLoaded, Duration: math.Inf(1)},
		{Kind: capture.SignalDurationChanged, Duration: 0},
		{Kind: capture.SignalCanPlay, Duration: 12.48},
		{Kind: capture.SignalDataLoaded, Duration: 99},
	}}
	r, _ := newReconciler(decoder)

	res := r.Reconcile(context.Background(), recording(12), capture.NewGate(10, "en"))
	waitDone(t, res)

	assert.Equal(t, 12.48, res.Seconds())
	assert.Equal(t, capture.SourceDecoded, res.Source())
	assert.True(t, res.Settled())
	assert.True(t, lastMedia(t, decoder).Closed())
}

func TestReconcileIgnoresInvalidDurations(t *testing.T) {
	decoder := &capturetest.FakeDecoder{Script: []capture.MediaSignal{
		{Kind: capture.SignalMetadataLoaded, Duration: math.NaN()},
		{Kind: capture.SignalDurationChanged, Duration: -3},
		{Kind: capture.SignalCanPlay, Duration: math.Inf(1)},
		{Kind: capture.SignalDataLoaded, Duration: 0},
	}}
	r, clock := newReconciler(decoder)

	res := r.Reconcile(context.Background(), recording(7), capture.NewGate(10, "en"))
	waitTimers(t, clock)
	clock.Advance(500 * time.Millisecond)
	waitDone(t, res)

	assert.Equal(t, 7.0, res.Seconds())
	assert.Equal(t, capture.SourceCaptured, res.Source())
}

func TestReconcileRetriesDurationQuery(t *testing.T) {
	decoder := &capturetest.FakeDecoder{}
	r, clock := newReconciler(decoder)

	res := r.Reconcile(context.Background(), recording(20), capture.NewGate(10, "en"))
	waitTimers(t, clock)
	lastMedia(t, decoder).SetDuration(21.3)
	clock.Advance(100 * time.Millisecond)
	waitDone(t, res)

	assert.Equal(t, 21.3, res.Seconds())
	assert.Equal(t, capture.SourceDecoded, res.Source())
}

func TestReconcileFallsBackAfterDelay(t *testing.T) {
	r, clock := newReconciler(&capturetest.FakeDecoder{})

	res := r.Reconcile(context.Background(), recording(45), capture.NewGate(30, "en"))
	waitTimers(t, clock)
	clock.Advance(100 * time.Millisecond)
	assert.False(t, res.Settled())
	clock.Advance(400 * time.Millisecond)
	waitDone(t, res)

	assert.Equal(t, 45.0, res.Seconds())
	assert.Equal(t, capture.SourceCaptured, res.Source())
	assert.True(t, res.Validity().Valid)
}

func TestReconcileDecodeErrorFallsBackImmediately(t *testing.T) {
	decoder := &capturetest.FakeDecoder{Script: []capture.MediaSignal{
		{Kind: capture.SignalError, Err: errors.New("unsupported container")},
		{Kind: capture.SignalCanPlay, Duration: 3},
	}}
	r, _ := newReconciler(decoder)

	res := r.Reconcile(context.Background(), recording(9), capture.NewGate(5, "en"))
	waitDone(t, res)
	assert.Equal(t, 9.0, res.Seconds())
	assert.Equal(t, capture.SourceCaptured, res.Source())
}

func TestReconcileOpenErrorFallsBack(t *testing.T) {
	r, _ := newReconciler(&capturetest.FakeDecoder{OpenErr: errors.New("cannot open")})

	res := r.Reconcile(context.Background(), recording(4), capture.NewGate(5, "en"))
	waitDone(t, res)
	assert.Equal(t, 4.0, res.Seconds())
	assert.False(t, res.Validity().Valid)
}

func TestReconcileValidityFlipsOnCorrection(t *testing.T) {
	decoder := &capturetest.FakeDecoder{}
	r, clock := newReconciler(decoder)
	rec := &recorder{}

	res := r.Reconcile(context.Background(), recording(28), capture.NewGate(30, "en"), rec.handle)
	assert.False(t, res.Validity().Valid)

	waitTimers(t, clock)
	lastMedia(t, decoder).Push(capture.MediaSignal{Kind: capture.SignalDurationChanged, Duration: 30.4})
	waitDone(t, res)

	assert.True(t, res.Validity().Valid)
	assert.Equal(t, []durationCall{
		{28, capture.SourceCaptured, false},
		{30.4, capture.SourceDecoded, true},
	}, rec.snapshot())
}

func TestReconcileNeverRegressesDecodedDuration(t *testing.T) {
	decoder := &capturetest.FakeDecoder{Script: []capture.MediaSignal{
		{Kind: capture.SignalMetadataLoaded, Duration: 15.2},
	}}
	r, clock := newReconciler(decoder)
	rec := &recorder{}

	res := r.Reconcile(context.Background(), recording(15), capture.NewGate(10, "en"), rec.handle)
	waitDone(t, res)

	lastMedia(t, decoder).Push(capture.MediaSignal{Kind: capture.SignalDurationChanged, Duration: 0})
	lastMedia(t, decoder).Push(capture.MediaSignal{Kind: capture.SignalError})
	clock.Advance(time.Second)
	time.Sleep(10 * time.Millisecond)

	assert.Equal(t, 15.2, res.Seconds())
	assert.Equal(t, capture.SourceDecoded, res.Source())
	assert.Len(t, rec.snapshot(), 2)
}

func TestReconcileAcceptsCorrectionAfterFallback(t *testing.T) {
	decoder := &capturetest.FakeDecoder{}
	r, clock := newReconciler(decoder)
	rec := &recorder{}

	res := r.Reconcile(context.Background(), recording(28), capture.NewGate(30, "en"), rec.handle)
	waitTimers(t, clock)
	clock.Advance(500 * time.Millisecond)
	waitDone(t, res)

	assert.Equal(t, 28.0, res.Seconds())
	assert.False(t, res.Settled())

	lastMedia(t, decoder).Push(capture.MediaSignal{Kind: capture.SignalCanPlay, Duration: 30.2})
	require.Eventually(t, res.Settled, time.Second, time.Millisecond)

	assert.Equal(t, 30.2, res.Seconds())
	assert.Equal(t, capture.SourceDecoded, res.Source())
	assert.True(t, res.Validity().Valid)
	assert.Equal(t, []durationCall{
		{28, capture.SourceCaptured, false},
		{30.2, capture.SourceDecoded, true},
	}, rec.snapshot())
}

func TestReconcileIgnoresSignalsAfterCorrectionWindow(t *testing.T) {
	decoder := &capturetest.FakeDecoder{}
	config := capture.DefaultCaptureConfig()
	clock := clockwork.NewFakeClock()
	r := capture.NewReconciler(decoder, clock, config)

	res := r.Reconcile(context.Background(), recording(33), capture.NewGate(30, "en"))
	waitTimers(t, clock)
	clock.Advance(500 * time.Millisecond)
	waitDone(t, res)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(config.CorrectionWindow)
	require.Eventually(t, res.Settled, time.Second, time.Millisecond)

	lastMedia(t, decoder).Push(capture.MediaSignal{Kind: capture.SignalCanPlay, Duration: 60})
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 33.0, res.Seconds())
	assert.Equal(t, capture.SourceCaptured, res.Source())
	assert.True(t, lastMedia(t, decoder).Closed())
}

func TestReconcileZeroCorrectionWindowSettlesAtFallback(t *testing.T) {
	decoder := &capturetest.FakeDecoder{}
	config := capture.DefaultCaptureConfig()
	config.CorrectionWindow = 0
	clock := clockwork.NewFakeClock()
	r := capture.NewReconciler(decoder, clock, config)

	res := r.Reconcile(context.Background(), recording(33), capture.NewGate(30, "en"))
	waitTimers(t, clock)
	clock.Advance(500 * time.Millisecond)
	waitDone(t, res)
	require.Eventually(t, res.Settled, time.Second, time.Millisecond)
	assert.Equal(t, capture.SourceCaptured, res.Source())
}

func TestReconcileCancelledContextSettles(t *testing.T) {
	r, _ := newReconciler(&capturetest.FakeDecoder{})
	ctx, cancel := context.WithCancel(context.Background())

	res := r.Reconcile(ctx, recording(6), capture.NewGate(5, "en"))
	cancel()
	waitDone(t, res)

	seconds, err := res.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6.0, seconds)
}

func TestReconcileWithoutDecoder(t *testing.T) {
	r, _ := newReconciler(nil)
	res := r.Reconcile(context.Background(), recording(11), capture.NewGate(10, "en"))
	assert.True(t, res.Settled())
	assert.Equal(t, 11.0, res.Seconds())
}

func TestReconcileOnChangeAfterStart(t *testing.T) {
	decoder := &capturetest.FakeDecoder{}
	r, clock := newReconciler(decoder)
	rec := &recorder{}

	res := r.Reconcile(context.Background(), recording(5), capture.NewGate(10, "es"))
	res.OnChange(rec.handle)
	waitTimers(t, clock)
	lastMedia(t, decoder).Push(capture.MediaSignal{Kind: capture.SignalDataLoaded, Duration: 5.6})
	waitDone(t, res)

	assert.Equal(t, []durationCall{{5.6, capture.SourceDecoded, false}}, rec.snapshot())
	assert.Equal(t, "Mínimo 10s (faltan 5s)", res.Validity().Message)
}
