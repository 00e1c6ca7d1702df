package capture

import "sync/atomic"

// LiveTickers reports how many tick timers are currently armed.
func LiveTickers(c *Controller) int {
	return int(atomic.LoadInt32(&c.liveTickers))
}
