package serialconn

import (
	"context"
	"sync/atomic"

	"github.com/bennesher/csep590c-sp23/logger"
	"github.com/bennesher/csep590c-sp23/neuro"
	"github.com/bennesher/csep590c-sp23/samplelog"
	"github.com/bennesher/csep590c-sp23/therapy"
)

// StreamingController owns one streaming session: it activates streaming at
// the device, decodes StreamData frames, and tees each sample to the event
// bus, the therapy monitor and the CSV log queue.
//
// The controller spans reconnects: when the Connected event fires after a
// recovery it re-initiates streaming asynchronously, at most one initiation
// in flight at a time.
type StreamingController struct {
	conn   *Connection
	logger logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	monitor   *therapy.Monitor
	logWriter *samplelog.Writer
	listener  *neuro.Listener

	initInFlight atomic.Bool
	closed       atomic.Bool
}

// newStreamingController builds the streaming session and synchronously
// initiates streaming at the device. The therapy monitor is constructed
// first so no decoded sample is ever dropped on the floor.
func newStreamingController(c *Connection) (*StreamingController, error) {
	ctx, cancel := context.WithCancel(c.pctx)

	s := &StreamingController{
		conn:   c,
		logger: c.logger,
		ctx:    ctx,
		cancel: cancel,
	}

	if c.cfg.logFilePath != "" {
		w, err := samplelog.NewWriter(c.cfg.logFilePath, c.logger)
		if err != nil {
			cancel()
			return nil, err
		}
		s.logWriter = w
	}

	s.monitor = therapy.NewMonitor(ctx, therapy.MonitorConfig{
		Sender:     c,
		Events:     c.events,
		Connected:  c.state.IsConnected,
		Logger:     c.logger,
		RetryDelay: c.cfg.therapyRetryDelay,
		Enabled:    c.therapyEnabled.Load(),
	})

	s.listener = c.dispatcher.Register(neuro.StreamDataPacket, s.handleStreamData, false)
	c.events.OnConnectionStatus(s.onConnectionStatus)

	if err := s.initStream(ctx); err != nil {
		s.teardownPartial()
		return nil, err
	}

	return s, nil
}

// initStream asks the device to start streaming, retrying until it succeeds
// or ctx is cancelled. An AlreadyStreaming rejection counts as success.
// The loop also bails on session shutdown: Close must not wait behind a
// device that keeps rejecting stream activation.
func (s *StreamingController) initStream(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.conn.shutdown.Load() {
			return context.Canceled
		}

		err := s.conn.transport.SendCommand(ctx, neuro.OpStartStreaming, nil)
		if err == nil || neuro.IsCode(err, neuro.CodeAlreadyStreaming) {
			return nil
		}

		s.logger.Debug("start-streaming rejected, will retry", "error", err)

		if !sleepCtx(ctx, s.conn.cfg.streamInitRetryDelay) {
			return ctx.Err()
		}
	}
}

// onConnectionStatus re-initiates streaming after a reconnect. The device
// loses its streaming state with the session, so every Connected event needs
// a fresh StartStreaming; only one initiation runs at a time.
func (s *StreamingController) onConnectionStatus(status neuro.ConnectionStatus) {
	if status != neuro.Connected || s.closed.Load() {
		return
	}

	if !s.initInFlight.CompareAndSwap(false, true) {
		return
	}

	go func() {
		defer s.initInFlight.Store(false)

		if err := s.initStream(s.ctx); err != nil {
			s.logger.Debug("stream re-initiation cancelled", "error", err)
		}
	}()
}

// handleStreamData decodes one StreamData packet and publishes the sample.
// StreamData frames are always claimed, malformed or not.
func (s *StreamingController) handleStreamData(p *neuro.Packet) bool {
	sample, err := neuro.DecodeStreamPayload(p.Payload())
	if err != nil {
		s.logger.Debug("malformed stream-data payload", "error", err)
		return true
	}

	s.conn.metrics.IncSampleRecvCount()

	// The monitor consumes the sample before the log row is built so the
	// row reflects the state including this sample.
	s.monitor.OnSample(sample)

	s.conn.events.EmitSample(sample)

	if s.logWriter != nil {
		s.logWriter.Append(samplelog.Record{
			TimestampMS:   sample.TimestampMS,
			VoltageMV:     sample.VoltageMV,
			InSeizure:     s.monitor.IsInSeizure(),
			TherapyNeeded: s.monitor.IsTherapyNeeded(),
		})
	}

	return true
}

// shutdown tears the streaming session down: the therapy monitor first, then
// the in-flight initiation, the device-side stream, the listener and the log
// writer.
func (s *StreamingController) shutdown() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}

	s.monitor.Close()
	s.cancel()

	// Ask the device to stop the stream. Only flaky outcomes are retried;
	// a definite device answer (including AlreadyStopStreaming) settles it.
	for attempt := 1; attempt <= s.conn.cfg.stopStreamRetryLimit; attempt++ {
		err := s.conn.transport.SendCommand(s.conn.pctx, neuro.OpStopStreaming, nil)
		if err == nil {
			break
		}

		if !neuro.IsCode(err, neuro.CodeBadChecksum, neuro.CodeTimeoutExpired) {
			s.logger.Debug("stop-streaming settled", "error", err)
			break
		}

		s.logger.Debug("stop-streaming retry",
			"attempt", attempt, "max", s.conn.cfg.stopStreamRetryLimit, "error", err)
	}

	_ = s.conn.dispatcher.Unregister(s.listener)

	if s.logWriter != nil {
		if err := s.logWriter.Close(); err != nil {
			s.logger.Warn("failed to close sample log", "error", err)
		}
	}
}

// teardownPartial unwinds a half-built controller when construction fails.
func (s *StreamingController) teardownPartial() {
	s.closed.Store(true)
	s.cancel()
	s.monitor.Close()
	_ = s.conn.dispatcher.Unregister(s.listener)

	if s.logWriter != nil {
		_ = s.logWriter.Close()
	}
}
