package capture_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rojolang/twin-recorder-go/pkg/capture"
	"github.com/rojolang/twin-recorder-go/pkg/capture/capturetest"
)

func TestMain(m *testing.M) {
	capture.SetGlobalLogger(capture.NewNopLogger())
	os.Exit(m.Run())
}

type harness struct {
	clock    *clockwork.FakeClock
	devices  *capturetest.FakeDevices
	encoders *capturetest.FakeEncoderFactory
	decoder  *capturetest.FakeDecoder
	urls     *capture.BlobStore
	config   *capture.CaptureConfig
	ctrl     *capture.Controller
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:    clockwork.NewFakeClock(),
		devices:  &capturetest.FakeDevices{},
		encoders: &capturetest.FakeEncoderFactory{Supported: []string{"audio/webm;codecs=opus", "audio/webm"}},
		decoder:  &capturetest.FakeDecoder{},
		urls:     capture.NewBlobStore(),
		config:   capture.DefaultCaptureConfig(),
	}
	h.config.MinDuration = 30
	h.config.FinalizeGrace = 0
	h.ctrl = capture.NewController(h.config, h.host())
	t.Cleanup(func() { _ = h.ctrl.Close() })
	return h
}

func (h *harness) host() capture.Host {
	return capture.Host{
		Devices:  h.devices,
		Encoders: h.encoders,
		Decoder:  h.decoder,
		URLs:     h.urls,
		Clock:    h.clock,
	}
}

// tick advances the clock by one tick and waits for the counter to move.
func (h *harness) tick(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		want := h.ctrl.Elapsed() + 1
		h.clock.Advance(time.Second)
		require.Eventually(t, func() bool { return h.ctrl.Elapsed() == want },
			time.Second, time.Millisecond, "elapsed never reached %d", want)
	}
}

func (h *harness) start(t *testing.T) *capturetest.FakeEncoder {
	t.Helper()
	require.NoError(t, h.ctrl.Start(context.Background()))
	enc := h.encoders.Last()
	require.NotNil(t, enc)
	return enc
}

func TestStartRequestsProcessedAudio(t *testing.T) {
	h := newHarness(t)
	enc := h.start(t)

	c := h.devices.LastConstraints()
	assert.True(t, c.EchoCancellation)
	assert.True(t, c.NoiseSuppression)
	assert.True(t, c.AutoGainControl)
	assert.Equal(t, 250*time.Millisecond, enc.Timeslice())
	assert.Equal(t, "audio/webm;codecs=opus", enc.MimeType())
	assert.Equal(t, capture.StateRecording, h.ctrl.State())
	assert.Equal(t, 0, h.ctrl.Elapsed())
	assert.Equal(t, 1, capture.LiveTickers(h.ctrl))
}

func TestStartSelectsFirstSupportedContainer(t *testing.T) {
	h := newHarness(t)
	h.encoders.Supported = []string{"audio/ogg;codecs=opus", "audio/mp4"}

	enc := h.start(t)
	enc.Emit([]byte("chunk"))
	rec, err := h.ctrl.Stop(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "audio/mp4", enc.MimeType())
	assert.Equal(t, "audio/mp4", rec.MimeType)
	assert.Equal(t, "audio/mp4", rec.Blob.Type())
}

func TestStartFallsBackToHostDefaultContainer(t *testing.T) {
	h := newHarness(t)
	h.encoders.Supported = nil

	enc := h.start(t)
	enc.Emit([]byte("chunk"))
	rec, err := h.ctrl.Stop(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "", enc.MimeType())
	assert.Equal(t, capture.DefaultContainer, rec.MimeType)
	assert.Equal(t, "audio/webm", rec.Blob.Type())
}

func TestStartWithoutCaptureHost(t *testing.T) {
	h := newHarness(t)
	var reported []*capture.CaptureError
	ctrl := capture.NewController(h.config, capture.Host{Encoders: h.encoders, Clock: h.clock})
	ctrl.AddErrorHandler(func(err *capture.CaptureError) { reported = append(reported, err) })

	err := ctrl.Start(context.Background())
	require.Error(t, err)
	assert.True(t, capture.IsErrorCode(err, capture.ErrCodeCaptureUnsupported))
	assert.True(t, capture.IsFatalError(err))
	assert.Equal(t, capture.StateIdle, ctrl.State())
	require.Len(t, reported, 1)
	assert.Empty(t, h.devices.Streams())
}

func TestStartClassifiesAcquisitionErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code string
	}{
		{"not allowed", &capture.DeviceError{ErrName: capture.NameNotAllowed}, capture.ErrCodePermissionDenied},
		{"permission denied", &capture.DeviceError{ErrName: capture.NamePermissionDenied}, capture.ErrCodePermissionDenied},
		{"not found", &capture.DeviceError{ErrName: capture.NameNotFound}, capture.ErrCodeDeviceNotFound},
		{"devices not found", &capture.DeviceError{ErrName: capture.NameDevicesNotFound}, capture.ErrCodeDeviceNotFound},
		{"not readable", &capture.DeviceError{ErrName: capture.NameNotReadable}, capture.ErrCodeDeviceBusy},
		{"track start", &capture.DeviceError{ErrName: capture.NameTrackStart}, capture.ErrCodeDeviceBusy},
		{"unknown", errors.New("boom"), capture.ErrCodeRecordingFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.devices.Err = tc.err

			err := h.ctrl.Start(context.Background())
			require.Error(t, err)
			assert.True(t, capture.IsErrorCode(err, tc.code), "got %v", err)
			assert.Equal(t, capture.StateIdle, h.ctrl.State())
			assert.Equal(t, 0, capture.LiveTickers(h.ctrl))
		})
	}
}

func TestStartTwiceIsRejected(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	assert.ErrorIs(t, h.ctrl.Start(context.Background()), capture.ErrAlreadyRecording)
	assert.Len(t, h.devices.Streams(), 1)
}

func TestStopSnapshotsElapsedAndReleasesDevice(t *testing.T) {
	h := newHarness(t)
	var completions int32
	var gotSeconds int
	var gotURL string
	h.ctrl.OnComplete(func(blob *capture.Blob, url string, seconds int) {
		atomic.AddInt32(&completions, 1)
		gotSeconds = seconds
		gotURL = url
	})

	enc := h.start(t)
	enc.Emit([]byte("abc"))
	h.tick(t, 3)
	enc.Emit([]byte("def"))

	rec, err := h.ctrl.Stop(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, 3, rec.CapturedDurationSeconds)
	assert.Equal(t, []byte("abcdef"), rec.Blob.Bytes())
	assert.Equal(t, 2, rec.ChunkCount)
	assert.Equal(t, capture.StateStopped, h.ctrl.State())
	assert.Equal(t, 0, capture.LiveTickers(h.ctrl))
	assert.Equal(t, 1, h.devices.Streams()[0].StopCount())

	assert.Equal(t, int32(1), atomic.LoadInt32(&completions))
	assert.Equal(t, 3, gotSeconds)
	assert.Equal(t, rec.ObjectURL, gotURL)
	blob, ok := h.urls.Resolve(rec.ObjectURL)
	require.True(t, ok)
	assert.Same(t, rec.Blob, blob)
}

func TestStopWaitsForLateChunks(t *testing.T) {
	h := newHarness(t)
	h.config.FinalizeGrace = 100 * time.Millisecond
	h.encoders.Configure = func(e *capturetest.FakeEncoder) {
		e.FinalChunks = [][]byte{[]byte("final")}
		e.LateChunks = [][]byte{[]byte("-late")}
	}
	h.start(t)

	type result struct {
		rec *capture.FinalizedRecording
		err error
	}
	done := make(chan result, 1)
	go func() {
		rec, err := h.ctrl.Stop(context.Background())
		done <- result{rec, err}
	}()

	var res result
	deadline := time.After(2 * time.Second)
	for waiting := true; waiting; {
		select {
		case res = <-done:
			waiting = false
		case <-deadline:
			t.Fatal("stop never returned")
		default:
			h.clock.Advance(10 * time.Millisecond)
			time.Sleep(time.Millisecond)
		}
	}

	require.NoError(t, res.err)
	assert.Equal(t, "final-late", string(res.rec.Blob.Bytes()))
}

func TestStopSealsWhenEncoderNeverConfirms(t *testing.T) {
	h := newHarness(t)
	h.encoders.Configure = func(e *capturetest.FakeEncoder) { e.SilentStop = true }
	enc := h.start(t)
	enc.Emit([]byte("partial"))

	done := make(chan error, 1)
	go func() {
		_, err := h.ctrl.Stop(context.Background())
		done <- err
	}()

	require.Eventually(t, func() bool {
		h.clock.Advance(500 * time.Millisecond)
		select {
		case err := <-done:
			assert.NoError(t, err)
			return true
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)

	rec := h.ctrl.Current()
	require.NotNil(t, rec)
	assert.Equal(t, "partial", string(rec.Blob.Bytes()))
}

func TestEmptyRecordingFailsAndReleasesDevice(t *testing.T) {
	h := newHarness(t)
	var completions int32
	h.ctrl.OnComplete(func(*capture.Blob, string, int) { atomic.AddInt32(&completions, 1) })

	h.start(t)
	h.tick(t, 2)

	rec, err := h.ctrl.Stop(context.Background())
	assert.Nil(t, rec)
	require.Error(t, err)
	assert.True(t, capture.IsErrorCode(err, capture.ErrCodeEmptyRecording))
	assert.True(t, h.devices.Streams()[0].Released())
	assert.Nil(t, h.ctrl.Current())
	assert.Equal(t, 0, h.urls.Len())
	assert.Equal(t, int32(0), atomic.LoadInt32(&completions))
}

func TestZeroLengthChunksCountAsEmpty(t *testing.T) {
	h := newHarness(t)
	enc := h.start(t)
	enc.Emit([]byte{})

	_, err := h.ctrl.Stop(context.Background())
	assert.True(t, capture.IsErrorCode(err, capture.ErrCodeEmptyRecording))
	assert.True(t, h.devices.Streams()[0].Released())
}

func TestPauseDoesNotCountTime(t *testing.T) {
	h := newHarness(t)
	enc := h.start(t)
	enc.Emit([]byte("x"))

	h.tick(t, 5)
	require.NoError(t, h.ctrl.Pause())
	assert.Equal(t, capture.StatePaused, h.ctrl.State())
	assert.True(t, enc.Paused())

	h.clock.Advance(10 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 5, h.ctrl.Elapsed())
	assert.Equal(t, 0, capture.LiveTickers(h.ctrl))

	require.NoError(t, h.ctrl.Resume())
	assert.False(t, enc.Paused())
	h.tick(t, 3)

	rec, err := h.ctrl.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8, rec.CapturedDurationSeconds)
}

func TestPauseResumeCyclingKeepsOneTicker(t *testing.T) {
	h := newHarness(t)
	enc := h.start(t)
	enc.Emit([]byte("x"))

	for i := 0; i < 50; i++ {
		require.NoError(t, h.ctrl.Pause())
		assert.LessOrEqual(t, capture.LiveTickers(h.ctrl), 1)
		require.NoError(t, h.ctrl.Resume())
		assert.Equal(t, 1, capture.LiveTickers(h.ctrl))
	}
	// Repeated calls in the wrong state are no-ops.
	require.NoError(t, h.ctrl.Resume())
	assert.Equal(t, 1, capture.LiveTickers(h.ctrl))

	h.tick(t, 4)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 4, h.ctrl.Elapsed())

	_, err := h.ctrl.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, capture.LiveTickers(h.ctrl))
}

func TestPauseOutsideRecordingIsNoop(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Pause())
	require.NoError(t, h.ctrl.Resume())
	assert.Equal(t, capture.StateIdle, h.ctrl.State())
}

func TestStopFromPausedReleasesDevice(t *testing.T) {
	h := newHarness(t)
	enc := h.start(t)
	enc.Emit([]byte("x"))
	h.tick(t, 2)
	require.NoError(t, h.ctrl.Pause())

	rec, err := h.ctrl.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rec.CapturedDurationSeconds)
	assert.Equal(t, 1, h.devices.Streams()[0].StopCount())
}

func TestStopWhenIdle(t *testing.T) {
	h := newHarness(t)
	_, err := h.ctrl.Stop(context.Background())
	assert.ErrorIs(t, err, capture.ErrNotRecording)
}

func TestEncoderErrorAbortsSession(t *testing.T) {
	h := newHarness(t)
	var mu sync.Mutex
	var reported []*capture.CaptureError
	h.ctrl.AddErrorHandler(func(err *capture.CaptureError) {
		mu.Lock()
		reported = append(reported, err)
		mu.Unlock()
	})

	enc := h.start(t)
	enc.Emit([]byte("x"))
	h.tick(t, 1)
	enc.Fail(errors.New("codec exploded"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reported) == 1
	}, time.Second, time.Millisecond)

	mu.Lock()
	assert.Equal(t, capture.ErrCodeEncoderRuntime, reported[0].Code)
	mu.Unlock()
	assert.Equal(t, capture.StateStopped, h.ctrl.State())
	assert.Equal(t, 1, h.devices.Streams()[0].StopCount())
	assert.Equal(t, 0, capture.LiveTickers(h.ctrl))
	assert.Nil(t, h.ctrl.Current())

	_, err := h.ctrl.Stop(context.Background())
	assert.ErrorIs(t, err, capture.ErrNotRecording)

	// A fresh attempt is possible after the failure.
	h.start(t)
	assert.Len(t, h.devices.Streams(), 2)
}

func TestPauseFailureIsReported(t *testing.T) {
	for _, tc := range []struct {
		name  string
		fail  func(*capturetest.FakeEncoder)
		drive func(*capture.Controller) error
	}{
		{
			name: "pause",
			fail: func(e *capturetest.FakeEncoder) { e.PauseErr = errors.New("boom") },
			drive: func(c *capture.Controller) error {
				return c.Pause()
			},
		},
		{
			name: "resume",
			fail: func(e *capturetest.FakeEncoder) { e.ResumeErr = errors.New("boom") },
			drive: func(c *capture.Controller) error {
				if err := c.Pause(); err != nil {
					return err
				}
				return c.Resume()
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.encoders.Configure = tc.fail
			var mu sync.Mutex
			var reported []*capture.CaptureError
			h.ctrl.AddErrorHandler(func(err *capture.CaptureError) {
				mu.Lock()
				reported = append(reported, err)
				mu.Unlock()
			})

			h.start(t)
			err := tc.drive(h.ctrl)
			require.Error(t, err)
			assert.True(t, capture.IsErrorCode(err, capture.ErrCodeEncoderRuntime))

			mu.Lock()
			require.Len(t, reported, 1)
			assert.Equal(t, capture.ErrCodeEncoderRuntime, reported[0].Code)
			mu.Unlock()
			assert.Equal(t, capture.StateStopped, h.ctrl.State())
			assert.True(t, h.devices.Streams()[0].Released())
			assert.Equal(t, 0, capture.LiveTickers(h.ctrl))
		})
	}
}

func TestDeleteRevokesOnce(t *testing.T) {
	h := newHarness(t)
	var deletes int32
	h.ctrl.OnDelete(func() { atomic.AddInt32(&deletes, 1) })

	enc := h.start(t)
	enc.Emit([]byte("x"))
	rec, err := h.ctrl.Stop(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, h.urls.Len())

	require.NoError(t, h.ctrl.Delete(context.Background()))
	assert.Equal(t, 0, h.urls.Len())
	assert.Nil(t, h.ctrl.Current())
	assert.Equal(t, capture.StateIdle, h.ctrl.State())
	assert.Error(t, h.urls.RevokeObjectURL(rec.ObjectURL))

	require.NoError(t, h.ctrl.Delete(context.Background()))
	assert.Equal(t, int32(1), atomic.LoadInt32(&deletes))
}

func TestDeleteWhileRecordingStopsFirst(t *testing.T) {
	h := newHarness(t)
	var completions, deletes int32
	h.ctrl.OnComplete(func(*capture.Blob, string, int) { atomic.AddInt32(&completions, 1) })
	h.ctrl.OnDelete(func() { atomic.AddInt32(&deletes, 1) })

	enc := h.start(t)
	enc.Emit([]byte("x"))
	h.tick(t, 1)

	require.NoError(t, h.ctrl.Delete(context.Background()))
	assert.True(t, h.devices.Streams()[0].Released())
	assert.Equal(t, 0, h.urls.Len())
	assert.Equal(t, int32(1), atomic.LoadInt32(&completions))
	assert.Equal(t, int32(1), atomic.LoadInt32(&deletes))
	assert.Equal(t, 0, capture.LiveTickers(h.ctrl))
}

func TestNewSessionRevokesPreviousRecording(t *testing.T) {
	h := newHarness(t)
	enc := h.start(t)
	enc.Emit([]byte("first"))
	first, err := h.ctrl.Stop(context.Background())
	require.NoError(t, err)

	enc = h.start(t)
	_, ok := h.urls.Resolve(first.ObjectURL)
	assert.False(t, ok)
	assert.Nil(t, h.ctrl.Current())
	assert.Equal(t, 0, h.ctrl.Elapsed())

	enc.Emit([]byte("second"))
	second, err := h.ctrl.Stop(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first.ObjectURL, second.ObjectURL)
	assert.Equal(t, 1, h.urls.Len())
}

func TestCloseWhileRecordingReleasesEverything(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.tick(t, 1)

	require.NoError(t, h.ctrl.Close())
	assert.Equal(t, 1, h.devices.Streams()[0].StopCount())
	assert.Equal(t, 0, capture.LiveTickers(h.ctrl))
	assert.Equal(t, capture.StateIdle, h.ctrl.State())
	assert.ErrorIs(t, h.ctrl.Start(context.Background()), capture.ErrClosed)
}

func TestCloseDuringAcquisitionReleasesDevice(t *testing.T) {
	h := newHarness(t)
	h.devices.Hold = make(chan struct{})
	h.devices.Acquiring = make(chan struct{}, 1)

	started := make(chan error, 1)
	go func() { started <- h.ctrl.Start(context.Background()) }()

	<-h.devices.Acquiring
	require.NoError(t, h.ctrl.Close())
	close(h.devices.Hold)

	select {
	case err := <-started:
		assert.ErrorIs(t, err, capture.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Start did not return")
	}
	assert.True(t, h.devices.Streams()[0].Released())
	assert.Equal(t, 0, capture.LiveTickers(h.ctrl))
	assert.Equal(t, capture.StateIdle, h.ctrl.State())
}

func TestCloseRevokesHeldRecording(t *testing.T) {
	h := newHarness(t)
	enc := h.start(t)
	enc.Emit([]byte("x"))
	_, err := h.ctrl.Stop(context.Background())
	require.NoError(t, err)

	require.NoError(t, h.ctrl.Close())
	assert.Equal(t, 0, h.urls.Len())
	assert.Equal(t, 1, h.devices.Streams()[0].StopCount())
}

func TestLiveValidityFollowsCounter(t *testing.T) {
	h := newHarness(t)
	enc := h.start(t)
	enc.Emit([]byte("x"))
	gate := h.config.Gate()

	h.tick(t, 10)
	v := h.ctrl.LiveValidity(gate)
	assert.False(t, v.Valid)
	assert.Equal(t, "Minimum 30s (20s remaining)", v.Message)

	h.tick(t, 20)
	assert.True(t, h.ctrl.LiveValidity(gate).Valid)
}

func TestUnsubscribedHandlersAreNotCalled(t *testing.T) {
	h := newHarness(t)
	var calls int32
	unsubscribe := h.ctrl.OnComplete(func(*capture.Blob, string, int) { atomic.AddInt32(&calls, 1) })
	unsubscribe()

	enc := h.start(t)
	enc.Emit([]byte("x"))
	_, err := h.ctrl.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestCorruptContainerScenario(t *testing.T) {
	h := newHarness(t)
	h.decoder.Script = []capture.MediaSignal{{Kind: capture.SignalError, Err: errors.New("corrupt")}}

	enc := h.start(t)
	enc.Emit([]byte("not really webm"))
	h.tick(t, 45)
	rec, err := h.ctrl.Stop(context.Background())
	require.NoError(t, err)
	require.Equal(t, 45, rec.CapturedDurationSeconds)

	res := capture.NewReconciler(h.decoder, h.clock, h.config).Reconcile(context.Background(), rec, h.config.Gate())
	select {
	case <-res.Done():
	case <-time.After(time.Second):
		t.Fatal("reconciliation never settled")
	}
	assert.Equal(t, 45.0, res.Seconds())
	assert.Equal(t, capture.SourceCaptured, res.Source())
	assert.True(t, res.Validity().Valid)
}

func TestShortRecordingScenario(t *testing.T) {
	h := newHarness(t)
	enc := h.start(t)
	enc.Emit([]byte("x"))
	h.tick(t, 10)
	rec, err := h.ctrl.Stop(context.Background())
	require.NoError(t, err)

	res := capture.NewReconciler(h.decoder, h.clock, h.config).Reconcile(context.Background(), rec, h.config.Gate())
	v := res.Validity()
	assert.False(t, v.Valid)
	assert.Equal(t, 30.0, v.MinSeconds)
	assert.Equal(t, 20.0, v.DeficitSeconds)
	assert.Equal(t, "Minimum 30s (20s remaining)", v.Message)
	assert.Equal(t, "Mínimo 30s (faltan 20s)", capture.NewGate(30, "es").Evaluate(res.Seconds()).Message)
}
