package capture

import (
	"sync"
)

// CreateErrorLoggingHandler logs every reported CaptureError with its code.
func CreateErrorLoggingHandler(logger *Logger) ErrorHandler {
	if logger == nil {
		logger = GetGlobalLogger()
	}
	return func(err *CaptureError) {
		if err != nil {
			logger.LogError(err)
		}
	}
}

func CreateStateLoggingHandler(logger *Logger, callback func(State)) StateHandler {
	if logger == nil {
		logger = GetGlobalLogger()
	}
	return func(state State) {
		logger.LogCaptureEvent("state_changed", state, nil)
		if callback != nil {
			callback(state)
		}
	}
}

// CreateMinimumReachedHandler calls callback once per session, on the first
// tick at which the running counter satisfies gate. A tick of zero or one
// below the minimum re-arms it, so a new session fires again.
func CreateMinimumReachedHandler(gate Gate, callback func(elapsed int)) TickHandler {
	var mu sync.Mutex
	fired := false
	return func(elapsed int) {
		mu.Lock()
		valid := gate.Evaluate(float64(elapsed)).Valid
		fire := valid && !fired
		if valid {
			fired = true
		} else {
			fired = false
		}
		mu.Unlock()
		if fire {
			callback(elapsed)
		}
	}
}

// CreateValidityChangeHandler reports only resolutions whose verdict differs
// from the previous one. The first call always reports.
func CreateValidityChangeHandler(callback func(Validity)) DurationHandler {
	var mu sync.Mutex
	seen := false
	last := false
	return func(seconds float64, source DurationSource, v Validity) {
		mu.Lock()
		changed := !seen || v.Valid != last
		seen, last = true, v.Valid
		mu.Unlock()
		if changed {
			callback(v)
		}
	}
}

// Chain helpers run handlers in order on the calling goroutine.

func ChainErrorHandlers(handlers ...ErrorHandler) ErrorHandler {
	return func(err *CaptureError) {
		for _, h := range handlers {
			if h != nil {
				h(err)
			}
		}
	}
}

func ChainTickHandlers(handlers ...TickHandler) TickHandler {
	return func(elapsed int) {
		for _, h := range handlers {
			if h != nil {
				h(elapsed)
			}
		}
	}
}

func ChainDurationHandlers(handlers ...DurationHandler) DurationHandler {
	return func(seconds float64, source DurationSource, v Validity) {
		for _, h := range handlers {
			if h != nil {
				h(seconds, source, v)
			}
		}
	}
}
