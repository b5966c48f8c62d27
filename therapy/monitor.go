package therapy

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bennesher/csep590c-sp23/internal/pool"
	"github.com/bennesher/csep590c-sp23/logger"
	"github.com/bennesher/csep590c-sp23/neuro"
)

// Hysteresis and cadence parameters.
const (
	// EvalStride is the sample interval between classifier evaluations once
	// the window is full.
	EvalStride = WindowSize / 4

	// TimeGapAllowedMS is the largest tolerated gap between consecutive
	// sample timestamps; a larger gap is a stream discontinuity and resets
	// the window.
	TimeGapAllowedMS = 10

	// SeizureStart is the accumulated confidence needed to flip from
	// not-needed to needed.
	SeizureStart = 1.0

	// SeizureOver is the accumulated confidence needed to flip from needed
	// back to not-needed. It is deliberately higher than SeizureStart:
	// stopping stimulation early is costlier than starting it late.
	SeizureOver = 3.0

	// DefaultRetryDelay is the wait between therapy command retries.
	DefaultRetryDelay = 50 * time.Millisecond
)

// CommandSender issues device commands for the monitor's therapy workers.
type CommandSender interface {
	SendCommand(ctx context.Context, op neuro.OpCode, data []byte) error
}

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	// Sender issues StartTherapy/StopTherapy commands.
	Sender CommandSender
	// Events is the session event bus; the monitor publishes classification
	// and therapy state events and subscribes to connection status and
	// operator enable toggles.
	Events *neuro.EventBus
	// Connected reports whether the session is currently connected. Therapy
	// retries halt while it returns false and resume on the next Connected
	// event.
	Connected func() bool
	// Logger receives the monitor's structured logs.
	Logger logger.Logger
	// RetryDelay overrides DefaultRetryDelay when positive.
	RetryDelay time.Duration
	// Enabled is the initial operator therapy-enable state.
	Enabled bool
}

// Monitor accumulates streaming samples into a sliding window, evaluates the
// classifier at a fixed cadence off the sample path, and runs the hysteresis
// state machine that starts and stops therapy.
//
// OnSample must be called from a single goroutine (the dispatch worker);
// evaluations and therapy workers run on their own goroutines and never
// block the producer.
type Monitor struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger logger.Logger

	sender     CommandSender
	events     *neuro.EventBus
	connected  func() bool
	retryDelay time.Duration

	// Sample window, owned by the single-threaded sample path.
	buf    [WindowSize]float64
	head   int
	count  uint64
	lastTS uint32
	haveTS bool

	// Hysteresis accumulator, serialized across evaluation goroutines.
	mu    sync.Mutex
	accum float64

	inSeizure     atomic.Bool
	therapyNeeded atomic.Bool
	therapyActive atomic.Bool
	enabled       atomic.Bool
	closed        atomic.Bool

	startWorker atomic.Bool
	stopWorker  atomic.Bool
}

// NewMonitor creates a monitor and subscribes it to the session event bus.
func NewMonitor(ctx context.Context, cfg MonitorConfig) *Monitor {
	l := cfg.Logger
	if l == nil {
		l = logger.GetLogger()
	}

	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = DefaultRetryDelay
	}

	m := &Monitor{
		logger:     l,
		sender:     cfg.Sender,
		events:     cfg.Events,
		connected:  cfg.Connected,
		retryDelay: delay,
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.enabled.Store(cfg.Enabled)

	if cfg.Events != nil {
		cfg.Events.OnTherapyEnabled(m.onTherapyEnabled)
		cfg.Events.OnConnectionStatus(m.onConnectionStatus)
	}

	return m
}

// OnSample feeds one streaming sample into the window.
//
// A timestamp gap beyond TimeGapAllowedMS is a discontinuity: the window is
// cleared and accumulation restarts. Once the window is full, every
// EvalStride-th sample snapshots the window and evaluates it asynchronously.
func (m *Monitor) OnSample(s neuro.StreamingSample) {
	if m.closed.Load() {
		return
	}

	if m.haveTS && timestampGap(s.TimestampMS, m.lastTS) > TimeGapAllowedMS {
		m.logger.Debug("sample discontinuity, window reset",
			"last_ts", m.lastTS, "ts", s.TimestampMS)
		m.head = 0
		m.count = 0
	}

	m.lastTS = s.TimestampMS
	m.haveTS = true

	m.buf[m.head] = s.VoltageMV
	m.head = (m.head + 1) % WindowSize
	m.count++

	if m.count >= WindowSize && m.count%EvalStride == 0 {
		window := m.snapshotWindow()
		go m.evaluate(window)
	}
}

// IsInSeizure reports the latest raw classifier label.
func (m *Monitor) IsInSeizure() bool {
	return m.inSeizure.Load()
}

// IsTherapyNeeded reports the hysteresis state machine's output.
func (m *Monitor) IsTherapyNeeded() bool {
	return m.therapyNeeded.Load()
}

// IsTherapyActive reports whether the device is believed to be stimulating.
func (m *Monitor) IsTherapyActive() bool {
	return m.therapyActive.Load()
}

// Enabled reports the operator therapy-enable state.
func (m *Monitor) Enabled() bool {
	return m.enabled.Load()
}

// Close shuts the monitor down synchronously: no further samples are
// accepted and all retry workers unwind.
func (m *Monitor) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}

	m.cancel()
}

// --- sample path internals ---

// snapshotWindow copies the window oldest-first for the evaluation goroutine.
func (m *Monitor) snapshotWindow() []float64 {
	window := make([]float64, WindowSize)
	for i := 0; i < WindowSize; i++ {
		window[i] = m.buf[(m.head+i)%WindowSize]
	}

	return window
}

func timestampGap(a, b uint32) uint32 {
	if a > b {
		return a - b
	}

	return b - a
}

// --- evaluation and hysteresis ---

// evaluate classifies one window snapshot and advances the hysteresis state
// machine. It runs off the sample path.
func (m *Monitor) evaluate(window []float64) {
	if m.closed.Load() {
		return
	}

	m.applyClassification(Classify(window))
}

// applyClassification advances the hysteresis state machine by one verdict.
func (m *Monitor) applyClassification(res neuro.SeizureClassification) {
	// The raw label tracks the latest classification only; the therapy
	// decision below goes through hysteresis.
	m.inSeizure.Store(res.Seizure)
	m.events.EmitClassification(res)

	m.mu.Lock()

	needed := m.therapyNeeded.Load()
	if res.Seizure == needed {
		// Agreement with the current state decays accumulated evidence.
		m.accum -= res.Confidence
		if m.accum < 0 {
			m.accum = 0
		}
		m.mu.Unlock()

		return
	}

	m.accum += res.Confidence

	flipped := false
	if needed && m.accum >= SeizureOver {
		m.therapyNeeded.Store(false)
		m.accum = 0
		flipped = true
	} else if !needed && m.accum >= SeizureStart {
		m.therapyNeeded.Store(true)
		m.accum = 0
		flipped = true
	}

	m.mu.Unlock()

	if !flipped {
		return
	}

	nowNeeded := m.therapyNeeded.Load()
	m.logger.Info("therapy decision changed", "needed", nowNeeded, "confidence", res.Confidence)
	m.events.EmitSeizureStatus(nowNeeded)

	if nowNeeded {
		if m.enabled.Load() {
			m.dispatchStartTherapy()
		}
	} else if m.therapyActive.Load() {
		m.dispatchStopTherapy()
	}
}

// --- therapy workers ---

func (m *Monitor) dispatchStartTherapy() {
	if !m.startWorker.CompareAndSwap(false, true) {
		return
	}

	go func() {
		defer m.startWorker.Store(false)
		m.therapyWorker(true)
	}()
}

func (m *Monitor) dispatchStopTherapy() {
	if !m.stopWorker.CompareAndSwap(false, true) {
		return
	}

	go func() {
		defer m.stopWorker.Store(false)
		m.therapyWorker(false)
	}()
}

// therapyWorker drives the device toward the desired therapy state. Each
// round re-checks the preconditions, so a worker whose reason to run has
// evaporated exits instead of fighting a newer decision. Failed commands are
// retried after retryDelay until the preconditions no longer hold or the
// device confirms the desired state (Ok, or AlreadyDoingTherapy /
// AlreadyStopTherapy); every other error reply is retried. Retries halt
// while disconnected and resume via the Connected event.
func (m *Monitor) therapyWorker(start bool) {
	for {
		if m.closed.Load() || m.ctx.Err() != nil {
			return
		}

		if start {
			if !m.therapyNeeded.Load() || !m.enabled.Load() || m.therapyActive.Load() {
				return
			}
		} else if !m.therapyActive.Load() {
			return
		}

		if m.connected != nil && !m.connected() {
			return
		}

		op := neuro.OpStopTherapy
		settledCode := neuro.CodeAlreadyStopTherapy
		if start {
			op = neuro.OpStartTherapy
			settledCode = neuro.CodeAlreadyDoingTherapy
		}

		err := m.sender.SendCommand(m.ctx, op, nil)
		if err == nil || neuro.IsCode(err, settledCode) {
			m.therapyActive.Store(start)
			m.events.EmitTherapyActive(start)
			m.logger.Info("therapy state changed", "active", start)

			return
		}

		if errors.Is(err, context.Canceled) {
			return
		}

		m.logger.Debug("therapy command failed, retrying", "op", op, "error", err)

		if !m.waitRetry() {
			return
		}
	}
}

// onTherapyEnabled reacts to operator toggles: enabling with therapy already
// needed starts stimulation, disabling with stimulation active stops it.
func (m *Monitor) onTherapyEnabled(enabled bool) {
	if m.closed.Load() {
		return
	}

	m.enabled.Store(enabled)

	if enabled {
		if m.therapyNeeded.Load() && !m.therapyActive.Load() {
			m.dispatchStartTherapy()
		}
	} else if m.therapyActive.Load() {
		m.dispatchStopTherapy()
	}
}

// onConnectionStatus resumes therapy intent after a reconnect; workers that
// halted during the disconnect are re-dispatched here.
func (m *Monitor) onConnectionStatus(status neuro.ConnectionStatus) {
	if status != neuro.Connected || m.closed.Load() {
		return
	}

	if m.therapyNeeded.Load() && m.enabled.Load() && !m.therapyActive.Load() {
		m.dispatchStartTherapy()
	} else if !m.therapyNeeded.Load() && m.therapyActive.Load() {
		m.dispatchStopTherapy()
	}
}

func (m *Monitor) waitRetry() bool {
	timer := pool.GetTimer(m.retryDelay)
	defer pool.PutTimer(timer)

	select {
	case <-m.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
