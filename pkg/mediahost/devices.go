package mediahost

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/rojolang/twin-recorder-go/pkg/capture"
)

// AudioDevice represents an audio device
type AudioDevice struct {
	ID                int
	Name              string
	MaxInputChannels  int
	MaxOutputChannels int
	DefaultSampleRate float64
	IsDefaultInput    bool
	IsDefaultOutput   bool
	HostAPI           string
}

func (d AudioDevice) IsInput() bool  { return d.MaxInputChannels > 0 }
func (d AudioDevice) IsOutput() bool { return d.MaxOutputChannels > 0 }

// DeviceManager enumerates portaudio devices.
type DeviceManager struct {
	mu      sync.RWMutex
	devices []AudioDevice
	logger  *capture.Logger
}

func NewDeviceManager() *DeviceManager {
	return &DeviceManager{
		logger: capture.GetGlobalLogger().WithComponent("DeviceManager"),
	}
}

// Initialize initializes portaudio and loads the device list. Every
// successful Initialize must be paired with Cleanup.
func (dm *DeviceManager) Initialize() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if err := portaudio.Initialize(); err != nil {
		dm.logger.WithError(err).Error("Failed to initialize PortAudio")
		return classifyPortAudioError(err)
	}

	if err := dm.refreshDevices(); err != nil {
		dm.logger.WithError(err).Error("Failed to refresh device list")
		return err
	}

	dm.logger.WithField("device_count", len(dm.devices)).Debug("Device manager initialized")
	return nil
}

func (dm *DeviceManager) Cleanup() {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if err := portaudio.Terminate(); err != nil {
		dm.logger.WithError(err).Error("Failed to terminate PortAudio")
	}
}

func (dm *DeviceManager) refreshDevices() error {
	dm.devices = dm.devices[:0]

	defaultInput, err := portaudio.DefaultInputDevice()
	if err != nil {
		dm.logger.WithError(err).Warn("No default input device")
	}
	defaultOutput, err := portaudio.DefaultOutputDevice()
	if err != nil {
		dm.logger.WithError(err).Warn("No default output device")
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return err
	}

	for i, dev := range devices {
		hostAPIName := "Unknown"
		if dev.HostApi != nil {
			hostAPIName = dev.HostApi.Name
		}
		dm.devices = append(dm.devices, AudioDevice{
			ID:                i,
			Name:              dev.Name,
			MaxInputChannels:  dev.MaxInputChannels,
			MaxOutputChannels: dev.MaxOutputChannels,
			DefaultSampleRate: dev.DefaultSampleRate,
			IsDefaultInput:    defaultInput != nil && dev == defaultInput,
			IsDefaultOutput:   defaultOutput != nil && dev == defaultOutput,
			HostAPI:           hostAPIName,
		})
	}
	return nil
}

// GetDevices returns a copy of all known devices
func (dm *DeviceManager) GetDevices() []AudioDevice {
	dm.mu.RLock()
	defer dm.mu.RUnlock()

	devices := make([]AudioDevice, len(dm.devices))
	copy(devices, dm.devices)
	return devices
}

func (dm *DeviceManager) GetInputDevices() []AudioDevice {
	dm.mu.RLock()
	defer dm.mu.RUnlock()

	inputs := make([]AudioDevice, 0)
	for _, device := range dm.devices {
		if device.IsInput() {
			inputs = append(inputs, device)
		}
	}
	return inputs
}

func (dm *DeviceManager) GetDefaultInputDevice() (*AudioDevice, error) {
	dm.mu.RLock()
	defer dm.mu.RUnlock()

	for _, device := range dm.devices {
		if device.IsDefaultInput {
			d := device
			return &d, nil
		}
	}
	return nil, &capture.DeviceError{ErrName: capture.NameNotFound, Err: errors.New("no default input device")}
}

func (dm *DeviceManager) GetDeviceByID(id int) (*AudioDevice, error) {
	dm.mu.RLock()
	defer dm.mu.RUnlock()

	for _, device := range dm.devices {
		if device.ID == id {
			d := device
			return &d, nil
		}
	}
	return nil, &capture.DeviceError{ErrName: capture.NameNotFound, Err: fmt.Errorf("device with ID %d not found", id)}
}

// ValidateInputDevice checks that a device can capture with the given
// channel count.
func (dm *DeviceManager) ValidateInputDevice(deviceID, channels int, sampleRate float64) error {
	device, err := dm.GetDeviceByID(deviceID)
	if err != nil {
		return err
	}
	if !device.IsInput() {
		return &capture.DeviceError{ErrName: capture.NameNotFound, Err: fmt.Errorf("device '%s' is not an input device", device.Name)}
	}
	if device.MaxInputChannels < channels {
		return fmt.Errorf("device '%s' supports max %d input channels, requested %d",
			device.Name, device.MaxInputChannels, channels)
	}

	if sampleRate > 0 && device.DefaultSampleRate > 0 {
		ratio := sampleRate / device.DefaultSampleRate
		if ratio < 0.5 || ratio > 2.0 {
			dm.logger.WithFields(map[string]interface{}{
				"device_name":           device.Name,
				"device_sample_rate":    device.DefaultSampleRate,
				"requested_sample_rate": sampleRate,
			}).Warn("Sample rate significantly different from device default")
		}
	}
	return nil
}

// FormatDevice renders a one-device summary for the CLI.
func FormatDevice(device AudioDevice) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Device: %s\n", device.Name)
	fmt.Fprintf(&b, "  ID: %d\n", device.ID)
	fmt.Fprintf(&b, "  Host API: %s\n", device.HostAPI)
	fmt.Fprintf(&b, "  Input Channels: %d\n", device.MaxInputChannels)
	fmt.Fprintf(&b, "  Output Channels: %d\n", device.MaxOutputChannels)
	fmt.Fprintf(&b, "  Default Sample Rate: %.1f Hz\n", device.DefaultSampleRate)

	var roles []string
	if device.IsDefaultInput {
		roles = append(roles, "default input")
	}
	if device.IsDefaultOutput {
		roles = append(roles, "default output")
	}
	if len(roles) > 0 {
		fmt.Fprintf(&b, "  Role: %s\n", strings.Join(roles, ", "))
	}
	return b.String()
}

// ListInputDevices initializes portaudio just long enough to enumerate
// capture devices.
func ListInputDevices() ([]AudioDevice, error) {
	dm := NewDeviceManager()
	if err := dm.Initialize(); err != nil {
		return nil, err
	}
	defer dm.Cleanup()
	return dm.GetInputDevices(), nil
}

// classifyPortAudioError maps portaudio failures onto the device error names
// understood by capture.ClassifyCaptureError.
func classifyPortAudioError(err error) error {
	if err == nil {
		return nil
	}
	var paErr portaudio.Error
	if !errors.As(err, &paErr) {
		return err
	}
	switch paErr {
	case portaudio.DeviceUnavailable:
		return &capture.DeviceError{ErrName: capture.NameNotReadable, Err: err}
	case portaudio.InvalidDevice, portaudio.InvalidChannelCount:
		return &capture.DeviceError{ErrName: capture.NameNotFound, Err: err}
	case portaudio.UnanticipatedHostError:
		// CoreAudio and PulseAudio report denied access as a host error.
		return &capture.DeviceError{ErrName: capture.NameNotAllowed, Err: err}
	case portaudio.NotInitialized, portaudio.HostApiNotFound:
		return &capture.DeviceError{ErrName: capture.NameNotSupported, Err: err}
	}
	return err
}
