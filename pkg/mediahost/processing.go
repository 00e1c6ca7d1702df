package mediahost

import (
	"math"
)

// Audio processing utilities

func CalculateRMS(samples []float32) float32 {
	if len(samples) == 0 {
		return 0
	}

	sum := float64(0)
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return float32(math.Sqrt(sum / float64(len(samples))))
}

// ApplyGain scales samples by gainDb and clamps to [-1, 1].
func ApplyGain(samples []float32, gainDb float32) []float32 {
	if len(samples) == 0 {
		return samples
	}

	// Convert dB to linear scale
	gain := float32(math.Pow(10, float64(gainDb)/20))

	result := make([]float32, len(samples))
	for i, sample := range samples {
		result[i] = clamp(sample * gain)
	}

	return result
}

func NormalizeAudio(samples []float32) []float32 {
	if len(samples) == 0 {
		return samples
	}

	maxAmp := float32(0)
	for _, sample := range samples {
		if abs := float32(math.Abs(float64(sample))); abs > maxAmp {
			maxAmp = abs
		}
	}

	if maxAmp == 0 {
		return samples
	}

	// Normalize to prevent clipping
	scale := float32(0.95) / maxAmp
	normalized := make([]float32, len(samples))
	for i, sample := range samples {
		normalized[i] = sample * scale
	}

	return normalized
}

func clamp(v float32) float32 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}

// Downmix averages interleaved channels into mono.
func Downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		sum := float32(0)
		for c := 0; c < channels; c++ {
			sum += samples[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// ResampleLinear converts mono samples between rates by linear interpolation.
func ResampleLinear(in []float32, inRate, outRate int) []float32 {
	if inRate == outRate || len(in) == 0 || inRate <= 0 || outRate <= 0 {
		out := make([]float32, len(in))
		copy(out, in)
		return out
	}
	n := int(math.Round(float64(len(in)) * float64(outRate) / float64(inRate)))
	if n <= 0 {
		return nil
	}
	out := make([]float32, n)
	step := float64(inRate) / float64(outRate)
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = in[idx]*(1-frac) + in[idx+1]*frac
	}
	return out
}

// Processor applies the capture constraints that the host implements in
// software: a noise gate for noise suppression and a slow automatic gain.
type Processor struct {
	NoiseGate       bool
	AutoGain        bool
	GateThreshold   float32
	TargetRMS       float32
	MaxGainDb       float32
	gainDb          float32
	lastRMS         float32
	attackPerBuffer float32
}

func NewProcessor(noiseSuppression, autoGain bool) *Processor {
	return &Processor{
		NoiseGate:       noiseSuppression,
		AutoGain:        autoGain,
		GateThreshold:   0.01,
		TargetRMS:       0.1,
		MaxGainDb:       20,
		attackPerBuffer: 0.5,
	}
}

// Process returns a processed copy of one input buffer.
func (p *Processor) Process(in []float32) []float32 {
	out := make([]float32, len(in))
	copy(out, in)

	rms := CalculateRMS(out)
	p.lastRMS = rms

	if p.NoiseGate && rms < p.GateThreshold {
		for i := range out {
			out[i] = 0
		}
		return out
	}

	if p.AutoGain && rms > 0 {
		want := float32(20 * math.Log10(float64(p.TargetRMS/rms)))
		if want > p.MaxGainDb {
			want = p.MaxGainDb
		}
		if want < -p.MaxGainDb {
			want = -p.MaxGainDb
		}
		// Move towards the wanted gain gradually to avoid pumping.
		switch {
		case want > p.gainDb+p.attackPerBuffer:
			p.gainDb += p.attackPerBuffer
		case want < p.gainDb-p.attackPerBuffer:
			p.gainDb -= p.attackPerBuffer
		default:
			p.gainDb = want
		}
		out = ApplyGain(out, p.gainDb)
	}
	return out
}

// Level is the RMS of the last processed input buffer.
func (p *Processor) Level() float32 {
	return p.lastRMS
}

// GainDb is the gain currently applied by automatic gain control.
func (p *Processor) GainDb() float32 {
	return p.gainDb
}

func floatToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		out[i] = int16(clamp(s) * math.MaxInt16)
	}
	return out
}

func pcm16ToFloat(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768
	}
	return out
}
