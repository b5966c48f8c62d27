package serialconn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bennesher/csep590c-sp23/internal/pool"
	"github.com/bennesher/csep590c-sp23/logger"
	"github.com/bennesher/csep590c-sp23/neuro"
)

// Connection is a session with one neural-stimulation device over a serial
// link.
//
// Lifecycle: Closed -> Opening -> Connected <-> Disconnected -> Closed.
// Open establishes the port, the dispatch worker, the framing reader and the
// handshake, then arms the watchdog. The watchdog detects liveness loss and
// hands recovery to the reconnector, which rebuilds the port and framer while
// preserving the dispatcher, its registered listeners, and any active
// streaming session.
type Connection struct {
	pctx   context.Context
	cfg    *ConnectionConfig
	logger logger.Logger

	state    neuro.AtomicSessionState
	shutdown atomic.Bool

	taskMgr    *neuro.TaskManager
	dispatcher *neuro.Dispatcher
	transport  *transport
	events     *neuro.EventBus
	idGen      neuro.IDGenerator
	metrics    neuro.ConnectionMetrics

	watchdog    *watchdog
	reconnector *reconnector

	streamMu  sync.Mutex
	streaming *StreamingController

	therapyEnabled atomic.Bool

	// listenerSeq disambiguates port listener task names across reconnects.
	listenerSeq atomic.Uint64
}

// NewConnection creates a connection for the given configuration. The
// connection does no I/O until Open is called.
func NewConnection(ctx context.Context, cfg *ConnectionConfig) (*Connection, error) {
	if cfg == nil {
		return nil, errors.New("serialconn: connection config is nil")
	}

	c := &Connection{
		pctx:   ctx,
		cfg:    cfg,
		logger: cfg.logger,
		events: neuro.NewEventBus(cfg.logger),
	}
	c.taskMgr = neuro.NewTaskManager(ctx, cfg.logger)
	c.therapyEnabled.Store(cfg.therapyEnabled)
	c.reconnector = &reconnector{conn: c}

	return c, nil
}

// Events returns the session event bus for external subscribers.
func (c *Connection) Events() *neuro.EventBus {
	return c.events
}

// Metrics returns the connection metrics.
func (c *Connection) Metrics() *neuro.ConnectionMetrics {
	return &c.metrics
}

// State returns the current session lifecycle state.
func (c *Connection) State() neuro.SessionState {
	return c.state.Get()
}

// Open establishes the session: it opens the serial port, starts the
// dispatch worker and the framing reader, performs the handshake, and on
// success starts the watchdog.
func (c *Connection) Open() neuro.ConnectionStatus {
	if !c.state.ToOpening() {
		if c.state.IsConnected() || c.state.IsDisconnected() {
			return neuro.AlreadyConnected
		}

		return neuro.Unopened
	}

	c.shutdown.Store(false)

	port, err := c.cfg.openPort(c.cfg.portName, c.cfg.readTimeout)
	if err != nil {
		c.logger.Error("failed to open serial port", "port", c.cfg.portName, "error", err)
		c.state.ToClosed()

		return neuro.NoDevice
	}

	c.dispatcher = neuro.NewDispatcher(c.logger, c.cfg.dispatchQueueSize)
	c.transport = newTransport(c.cfg, c.logger, c.dispatcher, &c.idGen, &c.metrics)
	c.transport.setPort(port)

	if err := c.startWorkers(port); err != nil {
		c.logger.Error("failed to start connection workers", "error", err)
		c.teardown()
		c.state.ToClosed()

		return neuro.Failed
	}

	if err := c.handshake(c.taskMgr.Context()); err != nil {
		c.logger.Error("handshake failed", "port", c.cfg.portName, "error", err)
		c.teardown()
		c.state.ToClosed()

		return neuro.Failed
	}

	c.state.ToConnected()
	c.events.EmitConnectionStatus(neuro.Connected)

	c.watchdog = newWatchdog(c)
	if err := c.watchdog.start(); err != nil {
		c.logger.Error("failed to start watchdog", "error", err)
	}

	c.logger.Info("device connected", "port", c.cfg.portName)

	return neuro.Connected
}

// StartStreaming activates the device sample stream and constructs the
// streaming session (controller plus therapy monitor). It is idempotent.
func (c *Connection) StartStreaming() neuro.StreamingStatus {
	if !c.state.IsConnected() {
		return neuro.ConnectionNotOpen
	}

	c.streamMu.Lock()
	defer c.streamMu.Unlock()

	if c.streaming != nil {
		return neuro.AlreadyStreaming
	}

	ctrl, err := newStreamingController(c)
	if err != nil {
		c.logger.Error("failed to start streaming session", "error", err)

		return neuro.NotStreaming
	}

	c.streaming = ctrl
	c.logger.Info("streaming started", "port", c.cfg.portName)

	return neuro.Streaming
}

// StopStreaming tears down the therapy monitor and then the streaming
// controller. It is safe to call when streaming is not active.
func (c *Connection) StopStreaming() {
	c.streamMu.Lock()
	ctrl := c.streaming
	c.streaming = nil
	c.streamMu.Unlock()

	if ctrl != nil {
		ctrl.shutdown()
		c.logger.Info("streaming stopped", "port", c.cfg.portName)
	}
}

// IsStreaming reports whether a streaming session is active.
func (c *Connection) IsStreaming() bool {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()

	return c.streaming != nil
}

// SetTherapyEnabled records the operator therapy-enable toggle and publishes
// it to the therapy monitor.
func (c *Connection) SetTherapyEnabled(enabled bool) {
	c.therapyEnabled.Store(enabled)
	c.events.EmitTherapyEnabled(enabled)
}

// TherapyEnabled returns the operator therapy-enable state.
func (c *Connection) TherapyEnabled() bool {
	return c.therapyEnabled.Load()
}

// SendCommand sends one command to the device and waits for its reply.
// After Close (or before Open) it returns CodeNotConnected without I/O.
func (c *Connection) SendCommand(ctx context.Context, op neuro.OpCode, data []byte) error {
	if c.state.IsClosed() || c.transport == nil {
		return neuro.NewDeviceError(neuro.CodeNotConnected)
	}

	return c.transport.SendCommand(ctx, op, data)
}

// Close shuts the session down: streaming first, then the watchdog, the
// dispatch worker, and the port. Workers are joined with a bounded wait.
// Close is idempotent.
func (c *Connection) Close() {
	if !c.shutdown.CompareAndSwap(false, true) {
		return
	}

	c.logger.Debug("closing connection", "port", c.cfg.portName)

	c.StopStreaming()

	if c.watchdog != nil {
		c.watchdog.stop()
		c.watchdog = nil
	}

	c.teardown()
	c.state.ToClosed()

	c.events.EmitConnectionStatus(neuro.Closed)
	c.events.Close()

	c.logger.Info("connection closed", "port", c.cfg.portName)
}

// --- internals ---

// startWorkers launches the dispatch worker and the port listener.
func (c *Connection) startWorkers(port Port) error {
	err := c.taskMgr.Start("dispatcher", c.dispatcher.DispatchNext, nil)
	if err != nil {
		return err
	}

	return c.startPortListener(port)
}

// startPortListener starts a framing reader bound to the given port. Each
// (re)connection gets a fresh Framer; the old reader exits when its port is
// closed under it.
func (c *Connection) startPortListener(port Port) error {
	framer := neuro.NewFramer(c.logger)
	framer.SetMetrics(&c.metrics)

	name := fmt.Sprintf("portListener#%d", c.listenerSeq.Add(1))

	return c.taskMgr.Start(name, func(_ context.Context) bool {
		return c.readPortByte(port, framer)
	}, nil)
}

// readPortByte performs one blocking read and feeds the framer. Cancellation
// is observed between reads by the task loop; a read timeout is a soft
// signal forwarded to the framer.
func (c *Connection) readPortByte(port Port, framer *neuro.Framer) bool {
	b, err := port.ReadByte()
	if err != nil {
		if errors.Is(err, ErrReadTimeout) {
			framer.NotifyIdle()
			return true
		}

		// Port fault or deliberate close; either way this reader is done.
		if !c.shutdown.Load() {
			c.logger.Debug("port read ended", "error", err)
		}

		return false
	}

	if pkt := framer.Feed(b); pkt != nil {
		c.metrics.IncFrameRecvCount()
		c.dispatcher.Offer(pkt)
	}

	return true
}

// handshake sends InitialConnection until the device acknowledges, up to the
// configured attempt budget. An Ok or AlreadyConnected reply is success;
// timeouts and write failures wait one write timeout and retry; any other
// device error gives up.
func (c *Connection) handshake(ctx context.Context) error {
	var lastErr error

	for attempt := 1; attempt <= c.cfg.connectionAttempts; attempt++ {
		err := c.transport.SendCommand(ctx, neuro.OpInitialConnection, nil)
		if err == nil || neuro.IsCode(err, neuro.CodeAlreadyConnected) {
			return nil
		}

		lastErr = err

		if neuro.IsCode(err, neuro.CodeCancelled) {
			return err
		}

		if !neuro.IsCode(err, neuro.CodeTimeoutExpired, neuro.CodeComFailed) {
			// A definite device rejection; retrying cannot help.
			return err
		}

		c.logger.Debug("handshake attempt failed",
			"attempt", attempt, "max", c.cfg.connectionAttempts, "error", err)

		if !sleepCtx(ctx, c.cfg.writeTimeout) {
			return neuro.WrapDeviceError(neuro.CodeCancelled, ctx.Err())
		}
	}

	return lastErr
}

// teardown stops all tasks, closes the port and joins workers with the
// configured bound. Workers that fail to join in time are logged and
// detached.
func (c *Connection) teardown() {
	c.taskMgr.Stop()

	if c.transport != nil {
		c.transport.closePort()
	}

	done := make(chan struct{})
	go func() {
		c.taskMgr.Wait()
		close(done)
	}()

	timer := pool.GetTimer(c.cfg.closeTimeout)
	defer pool.PutTimer(timer)

	select {
	case <-done:
	case <-timer.C:
		c.logger.Warn("workers did not terminate in time, detaching",
			"task_count", c.taskMgr.TaskCount())
	}
}

// sleepCtx waits for d or until ctx is done; it returns false on cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := pool.GetTimer(d)
	defer pool.PutTimer(timer)

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
