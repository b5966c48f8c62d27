package serialconn

import (
	"context"

	"github.com/bennesher/csep590c-sp23/neuro"
)

// reconnector re-establishes a lost session. It runs until cancelled or
// reconnected, never giving up on its own.
//
// Reconnection preserves the dispatcher, all registered listeners, and any
// active streaming controller; only the serial port, its framing reader and
// the session-level state are rebuilt. After the Connected event is emitted
// the streaming controller re-initiates streaming on its own.
type reconnector struct {
	conn *Connection
}

// run drives the recovery loop. It returns true once the handshake succeeds,
// false when cancelled or the session is shutting down.
func (r *reconnector) run(ctx context.Context) bool {
	c := r.conn

	c.state.ToDisconnected()

	for {
		if ctx.Err() != nil || c.shutdown.Load() {
			return false
		}

		c.events.EmitConnectionStatus(neuro.Disconnected)
		c.metrics.IncReconnectRetryGauge()

		if err := c.handshake(ctx); err == nil {
			c.state.ToConnected()
			c.metrics.IncReconnectCount()
			c.metrics.ResetReconnectRetryGauge()
			c.events.EmitConnectionStatus(neuro.Connected)
			c.logger.Info("device reconnected", "port", c.cfg.portName)

			return true
		}

		// The handshake failed through the existing port; assume a port
		// fault and rebuild it. Closing the port terminates its reader.
		c.transport.closePort()

		port, err := c.cfg.openPort(c.cfg.portName, c.cfg.readTimeout)
		if err != nil {
			c.logger.Warn("serial port unavailable, waiting",
				"port", c.cfg.portName, "error", err)
			c.events.EmitConnectionStatus(neuro.NoDevice)

			if !sleepCtx(ctx, c.cfg.badPortRetryDelay) {
				return false
			}

			continue
		}

		c.transport.setPort(port)

		if err := c.startPortListener(port); err != nil {
			c.logger.Error("failed to restart port listener", "error", err)

			return false
		}
	}
}
