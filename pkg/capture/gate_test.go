package capture_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rojolang/twin-recorder-go/pkg/capture"
)

func TestGateEvaluate(t *testing.T) {
	gate := capture.NewGate(30, "en")

	short := gate.Evaluate(10)
	assert.False(t, short.Valid)
	assert.Equal(t, 20.0, short.DeficitSeconds)
	assert.Equal(t, "Minimum 30s (20s remaining)", short.Message)

	exact := gate.Evaluate(30)
	assert.True(t, exact.Valid)
	assert.Zero(t, exact.DeficitSeconds)
	assert.Equal(t, "Valid duration", exact.Message)
}

func TestGateRoundsDeficitUp(t *testing.T) {
	v := capture.NewGate(10, "en").Evaluate(8.2)
	assert.False(t, v.Valid)
	assert.Equal(t, "Minimum 10s (2s remaining)", v.Message)
}

func TestGateTreatsNonFiniteAsZero(t *testing.T) {
	gate := capture.NewGate(5, "es")
	for _, seconds := range []float64{math.NaN(), math.Inf(1), math.Inf(-1), -4} {
		v := gate.Evaluate(seconds)
		assert.False(t, v.Valid)
		assert.Zero(t, v.Seconds)
		assert.Equal(t, "Mínimo 5s (faltan 5s)", v.Message)
	}
}

func TestGateZeroMinimumAlwaysValid(t *testing.T) {
	assert.True(t, capture.NewGate(0, "en").Evaluate(0).Valid)
}

func TestFormatClock(t *testing.T) {
	cases := map[float64]string{
		0:           "0:00",
		9:           "0:09",
		59.9:        "0:59",
		60:          "1:00",
		125:         "2:05",
		3600:        "60:00",
		-1:          "0:00",
		math.NaN():  "0:00",
		math.Inf(1): "0:00",
	}
	for in, want := range cases {
		assert.Equal(t, want, capture.FormatClock(in), "FormatClock(%v)", in)
	}
}
