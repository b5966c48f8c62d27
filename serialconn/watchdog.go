package serialconn

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/bennesher/csep590c-sp23/neuro"
)

// watchdog keeps the session alive with a periodic WatchdogReset ping and
// detects liveness loss.
//
// Each tick retries the ping up to the configured budget. A NotConnected or
// NotOpen reply is fatal for the tick: the device has forgotten the session
// and retrying the ping is pointless, so recovery starts immediately. When
// all attempts fail, the ticker is stopped, the reconnector runs to
// completion, and the ticker restarts on success. A tick that is already
// recovering cannot re-enter.
type watchdog struct {
	conn       *Connection
	ticker     *time.Ticker
	recovering atomic.Bool
}

func newWatchdog(c *Connection) *watchdog {
	return &watchdog{conn: c}
}

func (w *watchdog) start() error {
	ticker, err := w.conn.taskMgr.StartInterval("watchdog", w.feed, w.conn.cfg.feedingInterval, false)
	if err != nil {
		return err
	}

	w.ticker = ticker

	return nil
}

func (w *watchdog) stop() {
	_ = w.conn.taskMgr.StopInterval("watchdog")
}

// feed is one watchdog tick. It returns false only when the ping or the
// recovery was cancelled, which terminates the interval task.
func (w *watchdog) feed(ctx context.Context) bool {
	if !w.recovering.CompareAndSwap(false, true) {
		return true
	}
	defer w.recovering.Store(false)

	c := w.conn

	var err error
	for attempt := 1; attempt <= c.cfg.watchdogAttempts; attempt++ {
		err = c.transport.SendCommand(ctx, neuro.OpWatchdogReset, nil)
		if err == nil {
			return true
		}

		if neuro.IsCode(err, neuro.CodeNotConnected, neuro.CodeNotOpen) {
			// The device no longer recognizes the session.
			break
		}

		if neuro.IsCode(err, neuro.CodeCancelled) || ctx.Err() != nil {
			return false
		}

		c.logger.Debug("watchdog ping failed",
			"attempt", attempt, "max", c.cfg.watchdogAttempts, "error", err)
	}

	c.logger.Warn("watchdog lost the device, reconnecting", "error", err)
	c.metrics.IncWatchdogMissCount()

	w.ticker.Stop()

	if !c.reconnector.run(ctx) {
		return false
	}

	w.ticker.Reset(c.cfg.feedingInterval)

	return true
}
