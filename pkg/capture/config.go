package capture

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type CaptureConfig struct {
	MinDuration          int           `json:"min_duration"`
	FlushInterval        time.Duration `json:"flush_interval"`
	TickInterval         time.Duration `json:"tick_interval"`
	FinalizeGrace        time.Duration `json:"finalize_grace"`
	StopTimeout          time.Duration `json:"stop_timeout"`
	RetryDelay           time.Duration `json:"retry_delay"`
	FallbackDelay        time.Duration `json:"fallback_delay"`
	CorrectionWindow     time.Duration `json:"correction_window"`
	ContainerPreferences []string      `json:"container_preferences"`
	Locale               string        `json:"locale"`
	AudioDeviceID        *int          `json:"audio_device_id,omitempty"`
	SampleRate           int           `json:"sample_rate"`
	Channels             int           `json:"channels"`
	BufferSize           int           `json:"buffer_size"`
	OutputDir            string        `json:"output_dir,omitempty"`
	DebugLevel           string        `json:"debug_level"`
	LogFile              string        `json:"log_file,omitempty"`
}

func NewCaptureConfig() *CaptureConfig {
	c := DefaultCaptureConfig()

	// Load from env
	c.loadFromEnv()

	return c
}

// DefaultCaptureConfig returns the built-in defaults without reading the
// environment.
func DefaultCaptureConfig() *CaptureConfig {
	prefs := make([]string, len(DefaultContainerPreferences))
	copy(prefs, DefaultContainerPreferences)
	return &CaptureConfig{
		MinDuration:          10,
		FlushInterval:        250 * time.Millisecond,
		TickInterval:         time.Second,
		FinalizeGrace:        100 * time.Millisecond,
		StopTimeout:          2 * time.Second,
		RetryDelay:           100 * time.Millisecond,
		FallbackDelay:        500 * time.Millisecond,
		CorrectionWindow:     10 * time.Second,
		ContainerPreferences: prefs,
		Locale:               "en",
		SampleRate:           48000,
		Channels:             1,
		BufferSize:           1024,
		DebugLevel:           "INFO",
	}
}

func (c *CaptureConfig) loadFromEnv() {
	// Load .env if exists
	_ = godotenv.Load()

	if v := os.Getenv("TWIN_MIN_DURATION"); v != "" {
		if val, err := strconv.Atoi(v); err == nil {
			c.MinDuration = val
		}
	}

	loadMillis("TWIN_FLUSH_INTERVAL_MS", &c.FlushInterval)
	loadMillis("TWIN_TICK_INTERVAL_MS", &c.TickInterval)
	loadMillis("TWIN_FINALIZE_GRACE_MS", &c.FinalizeGrace)
	loadMillis("TWIN_STOP_TIMEOUT_MS", &c.StopTimeout)
	loadMillis("TWIN_RETRY_DELAY_MS", &c.RetryDelay)
	loadMillis("TWIN_FALLBACK_DELAY_MS", &c.FallbackDelay)
	loadMillis("TWIN_CORRECTION_WINDOW_MS", &c.CorrectionWindow)

	if prefs := os.Getenv("TWIN_CONTAINER_PREFERENCES"); prefs != "" {
		var list []string
		for _, p := range strings.Split(prefs, ",") {
			if p = strings.TrimSpace(p); p != "" {
				list = append(list, p)
			}
		}
		if len(list) > 0 {
			c.ContainerPreferences = list
		}
	}

	if locale := os.Getenv("TWIN_LOCALE"); locale != "" {
		c.Locale = locale
	}

	if deviceIDStr := os.Getenv("TWIN_AUDIO_DEVICE_ID"); deviceIDStr != "" {
		if deviceID, err := strconv.Atoi(deviceIDStr); err == nil {
			c.AudioDeviceID = &deviceID
		}
	}

	if rate := os.Getenv("TWIN_SAMPLE_RATE"); rate != "" {
		if val, err := strconv.Atoi(rate); err == nil {
			c.SampleRate = val
		}
	}

	if dir := os.Getenv("TWIN_OUTPUT_DIR"); dir != "" {
		c.OutputDir = dir
	}

	if level := os.Getenv("TWIN_DEBUG_LEVEL"); level != "" {
		c.DebugLevel = strings.ToUpper(level)
	}

	if logFile := os.Getenv("TWIN_LOG_FILE"); logFile != "" {
		c.LogFile = logFile
	}
}

func loadMillis(key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if ms, err := strconv.Atoi(v); err == nil && ms >= 0 {
		*dst = time.Duration(ms) * time.Millisecond
	}
}

// Validate returns list of issues
func (c *CaptureConfig) Validate() []string {
	issues := []string{}

	if c.MinDuration < 0 {
		issues = append(issues, fmt.Sprintf("Invalid minimum duration: %d", c.MinDuration))
	}
	if c.FlushInterval <= 0 {
		issues = append(issues, "Flush interval must be positive")
	}
	if c.TickInterval <= 0 {
		issues = append(issues, "Tick interval must be positive")
	}
	if c.FinalizeGrace < 0 || c.StopTimeout <= 0 {
		issues = append(issues, "Finalize grace must be >= 0 and stop timeout positive")
	}
	if c.RetryDelay <= 0 || c.FallbackDelay <= 0 {
		issues = append(issues, "Reconciliation delays must be positive")
	} else if c.RetryDelay >= c.FallbackDelay {
		issues = append(issues, "Retry delay must be shorter than fallback delay")
	}
	if c.CorrectionWindow < 0 {
		issues = append(issues, "Correction window must be >= 0")
	}
	if len(c.ContainerPreferences) == 0 {
		issues = append(issues, "Container preference list is empty")
	}
	for _, p := range c.ContainerPreferences {
		if !strings.HasPrefix(p, "audio/") {
			issues = append(issues, fmt.Sprintf("Invalid container type: %s", p))
		}
	}
	if c.SampleRate <= 0 {
		issues = append(issues, "Invalid sample rate")
	}
	if c.Channels <= 0 {
		issues = append(issues, "Invalid channel count")
	}

	validLevels := []string{"TRACE", "DEBUG", "INFO", "WARNING", "ERROR"}
	found := false
	for _, level := range validLevels {
		if level == c.DebugLevel {
			found = true
			break
		}
	}
	if !found {
		issues = append(issues, fmt.Sprintf("Invalid debug level: %s", c.DebugLevel))
	}

	return issues
}

// Gate builds the validity gate for this configuration.
func (c *CaptureConfig) Gate() Gate {
	return NewGate(c.MinDuration, c.Locale)
}

// Constraints returns the microphone request used by Start.
func (c *CaptureConfig) Constraints() Constraints {
	return Constraints{
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
		DeviceID:         c.AudioDeviceID,
		SampleRate:       c.SampleRate,
		Channels:         c.Channels,
	}
}

// LogLevel maps DebugLevel onto the logger levels.
func (c *CaptureConfig) LogLevel() LogLevel {
	switch c.DebugLevel {
	case "TRACE":
		return TraceLevel
	case "DEBUG":
		return DebugLevel
	case "WARNING":
		return WarnLevel
	case "ERROR":
		return ErrorLevel
	}
	return InfoLevel
}

func (c *CaptureConfig) PrintConfig() {
	fmt.Println("🎤 Twin Recorder Configuration")
	fmt.Println("==================================================")
	fmt.Printf("Minimum Duration: %ds\n", c.MinDuration)
	fmt.Printf("Flush Interval: %v\n", c.FlushInterval)
	fmt.Printf("Tick Interval: %v\n", c.TickInterval)
	fmt.Printf("Finalize Grace: %v\n", c.FinalizeGrace)
	fmt.Printf("Stop Timeout: %v\n", c.StopTimeout)
	fmt.Printf("Duration Retry Delay: %v\n", c.RetryDelay)
	fmt.Printf("Duration Fallback Delay: %v\n", c.FallbackDelay)
	fmt.Printf("Late Correction Window: %v\n", c.CorrectionWindow)
	fmt.Printf("Container Preferences: %s\n", strings.Join(c.ContainerPreferences, ", "))
	fmt.Printf("Locale: %s\n", c.Locale)
	fmt.Printf("Sample Rate: %d Hz\n", c.SampleRate)
	fmt.Printf("Channels: %d\n", c.Channels)
	fmt.Printf("Debug Level: %s\n", c.DebugLevel)

	if c.AudioDeviceID != nil {
		fmt.Printf("Audio Device ID: %d\n", *c.AudioDeviceID)
	} else {
		fmt.Println("Audio Device: Default")
	}
	if c.OutputDir != "" {
		fmt.Printf("Output Directory: %s\n", c.OutputDir)
	}
	if c.LogFile != "" {
		fmt.Printf("Log File: %s\n", c.LogFile)
	}
}
