package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rojolang/twin-recorder-go/pkg/bridge"
	"github.com/rojolang/twin-recorder-go/pkg/capture"
	"github.com/rojolang/twin-recorder-go/pkg/mediahost"
)

var (
	verbose   bool
	locale    string
	deviceID  int
	logFile   string
	duration  int
	outputDir string
	playBack  bool
	captured  int
	subject   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "twinrec",
		Short: "Voice sample recorder",
		Long:  "Record a voice sample, establish its real duration and check it against the minimum length",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			capture.ConfigureGlobalLogger(loadConfig())
		},
	}

	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&locale, "locale", "", "Locale for user messages (en, es)")
	rootCmd.PersistentFlags().IntVar(&deviceID, "device", -1, "Input device ID (default device when negative)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Also write logs to this file")

	rootCmd.AddCommand(recordCmd())
	rootCmd.AddCommand(probeCmd())
	rootCmd.AddCommand(playCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(setupCmd())
	rootCmd.AddCommand(devicesCmd())

	if err := rootCmd.Execute(); err != nil {
		capture.GetGlobalLogger().WithError(err).Fatal("CLI execution failed")
	}
}

// loadConfig builds the capture config from env and applies flag overrides.
func loadConfig() *capture.CaptureConfig {
	config := capture.NewCaptureConfig()
	if verbose {
		config.DebugLevel = "DEBUG"
	}
	if locale != "" {
		config.Locale = locale
	}
	if deviceID >= 0 {
		id := deviceID
		config.AudioDeviceID = &id
	}
	if logFile != "" {
		config.LogFile = logFile
	}
	return config
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func recordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a voice sample",
		Long:  "Record from the microphone until Enter, Ctrl+C or the optional duration, then reconcile and save the sample",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			config := loadConfig()
			if outputDir != "" {
				config.OutputDir = outputDir
			}
			if errs := config.Validate(); len(errs) > 0 {
				capture.GetGlobalLogger().Fatal("Invalid configuration: " + strings.Join(errs, "; "))
			}
			logger := capture.GetGlobalLogger().WithComponent("CLI")
			gate := config.Gate()

			host := mediahost.NewHost(config)
			ctrl := capture.NewController(config, host)
			defer ctrl.Close()

			ctrl.AddErrorHandler(capture.CreateErrorLoggingHandler(logger))
			ctrl.AddStateHandler(capture.CreateStateLoggingHandler(logger, nil))
			ctrl.AddTickHandler(capture.ChainTickHandlers(
				func(elapsed int) {
					v := ctrl.LiveValidity(gate)
					fmt.Printf("\r● %s  %s   ", capture.FormatClock(float64(elapsed)), v.Message)
				},
				capture.CreateMinimumReachedHandler(gate, func(int) {
					fmt.Print("\a")
				}),
			))

			if err := ctrl.Start(ctx); err != nil {
				printCaptureError(err, config.Locale)
				os.Exit(1)
			}
			if duration > 0 {
				fmt.Printf("Recording for %ds (Enter to stop early)...\n", duration)
			} else {
				fmt.Println("Recording... press Enter to stop")
			}

			waitForStop(ctx, host.Clock, time.Duration(duration)*time.Second)
			fmt.Println()

			stopCtx, stopCancel := context.WithTimeout(context.Background(), config.StopTimeout+config.FinalizeGrace+time.Second)
			rec, err := ctrl.Stop(stopCtx)
			stopCancel()
			if err != nil {
				printCaptureError(err, config.Locale)
				os.Exit(1)
			}
			fmt.Printf("Captured %s (%d bytes, %s)\n", capture.FormatClock(float64(rec.CapturedDurationSeconds)), rec.Blob.Size(), rec.Blob.Type())

			reconciler := capture.NewReconciler(host.Decoder, host.Clock, config)
			res := reconciler.Reconcile(context.Background(), rec, gate, capture.ChainDurationHandlers(
				func(seconds float64, source capture.DurationSource, v capture.Validity) {
					fmt.Printf("Duration %s (%s): %s\n", capture.FormatClock(seconds), source, v.Message)
				},
				capture.CreateValidityChangeHandler(func(v capture.Validity) {
					logger.WithField("valid", v.Valid).WithField("seconds", v.Seconds).Debug("Validity resolved")
				}),
			))
			if _, err := res.Wait(context.Background()); err != nil {
				logger.WithError(err).Warn("Duration reconciliation interrupted")
			}

			if config.OutputDir != "" {
				store, err := capture.NewArtifactStore(config.OutputDir, 0)
				if err != nil {
					logger.WithError(err).Fatal("Failed to open output directory")
				}
				artifact, err := store.Save(rec, res, gate)
				if err != nil {
					logger.WithError(err).Fatal("Failed to save recording")
				}
				fmt.Printf("Saved %s\n", artifact.AudioPath)
			}

			if playBack {
				fmt.Println("Playing back...")
				if err := mediahost.NewPlayer(config.BufferSize).Play(ctx, rec.Blob.Bytes()); err != nil && !errors.Is(err, context.Canceled) {
					logger.WithError(err).Error("Playback failed")
				}
			}
		},
	}

	cmd.Flags().IntVarP(&duration, "duration", "d", 0, "Stop automatically after this many seconds")
	cmd.Flags().StringVarP(&outputDir, "output", "o", "", "Directory to save the recording and its metadata")
	cmd.Flags().BoolVar(&playBack, "play", false, "Play the recording back after saving")
	return cmd
}

// waitForStop returns on Enter, ctx cancellation or after limit when limit
// is positive.
func waitForStop(ctx context.Context, clock clockwork.Clock, limit time.Duration) {
	enter := make(chan struct{})
	go func() {
		_, _ = bufio.NewReader(os.Stdin).ReadString('\n')
		close(enter)
	}()

	var timeout <-chan time.Time
	if limit > 0 {
		timeout = clock.After(limit)
	}
	select {
	case <-enter:
	case <-timeout:
	case <-ctx.Done():
	}
}

func printCaptureError(err error, locale string) {
	var cErr *capture.CaptureError
	if errors.As(err, &cErr) {
		capture.GetGlobalLogger().LogError(cErr)
		fmt.Fprintln(os.Stderr, cErr.UserMessage(locale))
		return
	}
	capture.GetGlobalLogger().WithError(err).Error("Recording failed")
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
}

func probeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe [audio-file]",
		Short: "Resolve the duration of an audio file",
		Long:  "Run the duration reconciliation on a saved recording and report the validity verdict",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			config := loadConfig()
			data, err := os.ReadFile(args[0])
			if err != nil {
				capture.GetGlobalLogger().WithError(err).Fatal("Failed to read file")
			}

			rec := &capture.FinalizedRecording{
				ID:                      filepath.Base(args[0]),
				Blob:                    capture.NewBlob([][]byte{data}, ""),
				CapturedDurationSeconds: captured,
				ChunkCount:              1,
				CreatedAt:               time.Now(),
			}

			gate := config.Gate()
			reconciler := capture.NewReconciler(mediahost.NewProbeDecoder(), nil, config)
			res := reconciler.Reconcile(cmd.Context(), rec, gate)
			seconds, _ := res.Wait(cmd.Context())

			v := res.Validity()
			fmt.Printf("File: %s (%d bytes)\n", args[0], len(data))
			fmt.Printf("Duration: %s (%.3fs, %s)\n", capture.FormatClock(seconds), seconds, res.Source())
			fmt.Printf("Verdict: %s\n", v.Message)
			if !v.Valid {
				os.Exit(2)
			}
		},
	}

	cmd.Flags().IntVar(&captured, "captured", 0, "Wall-clock seconds to fall back on when decoding fails")
	return cmd
}

func playCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "play [audio-file]",
		Short: "Play a recording",
		Long:  "Play a WAV, Ogg Opus or MP3 file through the default output device",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			data, err := os.ReadFile(args[0])
			if err != nil {
				capture.GetGlobalLogger().WithError(err).Fatal("Failed to read file")
			}
			config := loadConfig()
			if err := mediahost.NewPlayer(config.BufferSize).Play(ctx, data); err != nil && !errors.Is(err, context.Canceled) {
				capture.GetGlobalLogger().WithError(err).Fatal("Playback failed")
			}
		},
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the WebSocket control bridge",
		Long:  "Expose the recorder to a browser wizard over an authenticated WebSocket",
		Run: func(cmd *cobra.Command, args []string) {
			config := loadConfig()
			bridgeConfig := bridge.NewBridgeConfig()
			errs := append(config.Validate(), bridgeConfig.Validate()...)
			if len(errs) > 0 {
				capture.GetGlobalLogger().Fatal("Invalid configuration: " + strings.Join(errs, "; "))
			}

			issuer, err := bridge.NewTokenIssuer(bridgeConfig, nil)
			if err != nil {
				capture.GetGlobalLogger().WithError(err).Fatal("Failed to create token issuer")
			}
			token, err := issuer.Issue(subject, config.Locale)
			if err != nil {
				capture.GetGlobalLogger().WithError(err).Fatal("Failed to issue token")
			}

			host := mediahost.NewHost(config)
			ctrl := capture.NewController(config, host)
			defer ctrl.Close()
			reconciler := capture.NewReconciler(host.Decoder, host.Clock, config)
			server := bridge.NewServer(bridgeConfig, issuer, ctrl, reconciler, config.Gate())

			if config.OutputDir != "" {
				store, err := capture.NewArtifactStore(config.OutputDir, 0)
				if err != nil {
					capture.GetGlobalLogger().WithError(err).Fatal("Failed to open output directory")
				}
				gate := config.Gate()
				server.OnSettled(func(rec *capture.FinalizedRecording, res *capture.DurationResolution) {
					artifact, err := store.Save(rec, res, gate)
					if err != nil {
						capture.GetGlobalLogger().WithError(err).Error("Failed to save recording")
						return
					}
					capture.GetGlobalLogger().WithField("path", artifact.AudioPath).Info("Recording saved")
				})
			}

			fmt.Printf("Bridge: ws://%s%s\n", bridgeConfig.Addr, bridgeConfig.Path)
			fmt.Printf("Token (expires %s):\n%s\n", token.ExpiresAt.Format(time.RFC3339), token.Token)

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return server.ListenAndServe(gctx)
			})
			g.Go(func() error {
				<-gctx.Done()
				return ctrl.Close()
			})
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				capture.GetGlobalLogger().WithError(err).Fatal("Bridge failed")
			}
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "wizard", "Subject of the printed session token")
	return cmd
}

func setupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Setup and configuration commands",
	}
	cmd.AddCommand(setupConfigCmd())
	return cmd
}

func setupConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show current configuration",
		Long:  "Display the effective configuration from environment, .env and flags",
		Run: func(cmd *cobra.Command, args []string) {
			config := loadConfig()
			config.PrintConfig()
			fmt.Println()

			bridgeConfig := bridge.NewBridgeConfig()
			bridgeConfig.PrintConfig()

			errs := append(config.Validate(), bridgeConfig.Validate()...)
			if len(errs) == 0 {
				fmt.Println("\n✓ Configuration is valid")
				return
			}
			fmt.Println("\nConfiguration problems:")
			for _, e := range errs {
				fmt.Printf("  ✗ %s\n", e)
			}
		},
	}
}

func devicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Audio device management",
		Long:  "Commands for listing and testing audio input devices",
	}
	cmd.AddCommand(devicesListCmd())
	cmd.AddCommand(devicesTestCmd())
	return cmd
}

func devicesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List available audio devices",
		Run: func(cmd *cobra.Command, args []string) {
			dm := mediahost.NewDeviceManager()
			if err := dm.Initialize(); err != nil {
				capture.GetGlobalLogger().WithError(err).Error("Failed to list audio devices")
				fmt.Printf("Error listing devices: %v\n", err)
				return
			}
			defer dm.Cleanup()

			fmt.Println("Input Devices:")
			for _, device := range dm.GetInputDevices() {
				marker := ""
				if device.IsDefaultInput {
					marker = " (Default)"
				}
				fmt.Printf("  %d: %s%s - %d channels (%.0f Hz, %s)\n",
					device.ID, device.Name, marker, device.MaxInputChannels, device.DefaultSampleRate, device.HostAPI)
			}

			fmt.Println("\nOutput Devices:")
			for _, device := range dm.GetDevices() {
				if !device.IsOutput() {
					continue
				}
				marker := ""
				if device.IsDefaultOutput {
					marker = " (Default)"
				}
				fmt.Printf("  %d: %s%s - %d channels\n", device.ID, device.Name, marker, device.MaxOutputChannels)
			}
		},
	}
}

func devicesTestCmd() *cobra.Command {
	var seconds int
	cmd := &cobra.Command{
		Use:   "test [device-id]",
		Short: "Test an input device",
		Long:  "Open an input device and show its level for a few seconds",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			config := loadConfig()

			dm := mediahost.NewDeviceManager()
			if err := dm.Initialize(); err != nil {
				capture.GetGlobalLogger().WithError(err).Error("Failed to initialize device manager")
				fmt.Printf("Failed to initialize device manager: %v\n", err)
				return
			}
			defer dm.Cleanup()

			var device *mediahost.AudioDevice
			var err error
			if len(args) > 0 {
				id, convErr := strconv.Atoi(args[0])
				if convErr != nil {
					fmt.Printf("Invalid device ID %q\n", args[0])
					return
				}
				device, err = dm.GetDeviceByID(id)
			} else {
				device, err = dm.GetDefaultInputDevice()
			}
			if err != nil {
				fmt.Printf("Device lookup failed: %v\n", err)
				return
			}
			if err := dm.ValidateInputDevice(device.ID, config.Channels, float64(config.SampleRate)); err != nil {
				printCaptureError(capture.ClassifyCaptureError(err), config.Locale)
				return
			}
			fmt.Printf("\n%s\n", mediahost.FormatDevice(*device))

			constraints := config.Constraints()
			constraints.DeviceID = &device.ID
			stream, err := mediahost.NewMicrophone(config.BufferSize).GetUserMedia(cmd.Context(), constraints)
			if err != nil {
				printCaptureError(capture.ClassifyCaptureError(err), config.Locale)
				return
			}
			defer stream.Stop()

			meter, ok := stream.(interface{ Level() float32 })
			if !ok {
				return
			}
			fmt.Printf("Speak now, sampling for %ds...\n", seconds)
			deadline := time.Now().Add(time.Duration(seconds) * time.Second)
			var peak float32
			for time.Now().Before(deadline) {
				time.Sleep(100 * time.Millisecond)
				level := meter.Level()
				if level > peak {
					peak = level
				}
				bars := int(level * 200)
				if bars > 40 {
					bars = 40
				}
				fmt.Printf("\r[%-40s] %.4f", strings.Repeat("#", bars), level)
			}
			fmt.Printf("\nPeak RMS: %.4f\n", peak)
			if peak < 0.001 {
				fmt.Println("✗ No signal detected")
			} else {
				fmt.Println("✓ Device test completed successfully!")
			}
		},
	}
	cmd.Flags().IntVar(&seconds, "seconds", 3, "How long to sample the level")
	return cmd
}
