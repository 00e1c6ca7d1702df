// Package capture records a voice sample from a microphone and establishes a
// trustworthy duration for it.
//
// # Overview
//
// The package is built around two components:
//   - Controller drives the capture state machine (idle, recording, paused,
//     stopped), counts wall-clock seconds and seals a FinalizedRecording
//   - Reconciler takes a finalized recording and tries to replace the
//     wall-clock estimate with the duration reported by decoding the blob
//
// Both run against a Host, which bundles the environment primitives: a
// MediaDevices to acquire the microphone, an EncoderFactory, a Decoder, the
// BlobStore that issues object URLs and a clock. The mediahost package
// provides a portaudio-backed Host.
//
// # Quick Start
//
//	config := capture.NewCaptureConfig()
//	host := mediahost.NewHost(config)
//	ctrl := capture.NewController(config, host)
//	defer ctrl.Close()
//
//	ctrl.OnComplete(func(blob *capture.Blob, url string, seconds int) {
//		fmt.Printf("recorded %d bytes (%ds) at %s\n", blob.Size(), seconds, url)
//	})
//
//	if err := ctrl.Start(ctx); err != nil {
//		var cErr *capture.CaptureError
//		if errors.As(err, &cErr) {
//			fmt.Println(cErr.UserMessage("es"))
//		}
//		return err
//	}
//	time.Sleep(15 * time.Second)
//	rec, err := ctrl.Stop(ctx)
//
// # Duration reconciliation
//
// Decoders frequently report no duration, zero or +Inf right after encoding.
// Reconcile returns immediately with the captured duration and corrects it
// at most once when a decoded duration is finite and positive:
//
//	reconciler := capture.NewReconciler(host.Decoder, host.Clock, config)
//	res := reconciler.Reconcile(ctx, rec, config.Gate(),
//		func(seconds float64, source capture.DurationSource, v capture.Validity) {
//			fmt.Println(capture.FormatClock(seconds), source, v.Message)
//		})
//
// Done closes after the fallback delay with the captured value in place. A
// decoded value arriving within the correction window still replaces it and
// fires the handlers again; after that the resolution settles.
//
// # Errors
//
// Acquisition failures are classified into CaptureError codes
// (ErrCodePermissionDenied, ErrCodeDeviceNotFound, ErrCodeDeviceBusy, ...),
// each with an English and Spanish user message.
//
// # Configuration
//
// NewCaptureConfig reads TWIN_* variables from the environment and from a
// .env file when present. See CaptureConfig for the full list.
package capture
