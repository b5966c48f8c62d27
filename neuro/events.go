package neuro

import (
	"sync"

	"github.com/bennesher/csep590c-sp23/logger"
)

// SeizureClassification is one classifier verdict over a sample window.
type SeizureClassification struct {
	// Seizure is true when the classifier labels the window as seizure activity.
	Seizure bool
	// Confidence is the magnitude of the decision value.
	Confidence float64
	// Spectrum holds the spectral power of frequency bins 1-44 (DC excluded).
	Spectrum [44]float64
}

// EventBus is the hub-and-spoke event surface owned by a session.
//
// Subscribers register handlers; every emission is fire-and-forget on its own
// goroutine so the emitter never blocks on a subscriber. Once the bus is
// closed all emissions become no-ops and handler references are released,
// which breaks the subscriber/connection reference cycle at session close.
type EventBus struct {
	mu     sync.RWMutex
	closed bool
	logger logger.Logger

	connStatus     []func(ConnectionStatus)
	samples        []func(StreamingSample)
	classification []func(SeizureClassification)
	seizureStatus  []func(bool)
	therapyActive  []func(bool)
	therapyEnabled []func(bool)
}

// NewEventBus creates an event bus.
func NewEventBus(l logger.Logger) *EventBus {
	if l == nil {
		l = logger.GetLogger()
	}

	return &EventBus{logger: l}
}

// OnConnectionStatus subscribes to connection status changes.
func (b *EventBus) OnConnectionStatus(h func(ConnectionStatus)) {
	if h == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.connStatus = append(b.connStatus, h)
	}
}

// OnSample subscribes to decoded streaming samples.
func (b *EventBus) OnSample(h func(StreamingSample)) {
	if h == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.samples = append(b.samples, h)
	}
}

// OnClassification subscribes to classifier verdicts, one per evaluated window.
func (b *EventBus) OnClassification(h func(SeizureClassification)) {
	if h == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.classification = append(b.classification, h)
	}
}

// OnSeizureStatus subscribes to therapy-needed flips of the hysteresis state
// machine.
func (b *EventBus) OnSeizureStatus(h func(needed bool)) {
	if h == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.seizureStatus = append(b.seizureStatus, h)
	}
}

// OnTherapyActive subscribes to changes of the device-side therapy state.
func (b *EventBus) OnTherapyActive(h func(active bool)) {
	if h == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.therapyActive = append(b.therapyActive, h)
	}
}

// OnTherapyEnabled subscribes to operator therapy-enable toggles.
func (b *EventBus) OnTherapyEnabled(h func(enabled bool)) {
	if h == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.therapyEnabled = append(b.therapyEnabled, h)
	}
}

// EmitConnectionStatus publishes a connection status change.
func (b *EventBus) EmitConnectionStatus(s ConnectionStatus) {
	b.mu.RLock()
	hs := append(([]func(ConnectionStatus))(nil), b.connStatus...)
	b.mu.RUnlock()

	if len(hs) == 0 {
		return
	}

	b.fire(func() {
		for _, h := range hs {
			h(s)
		}
	})
}

// EmitSample publishes a streaming sample.
func (b *EventBus) EmitSample(s StreamingSample) {
	b.mu.RLock()
	hs := append(([]func(StreamingSample))(nil), b.samples...)
	b.mu.RUnlock()

	if len(hs) == 0 {
		return
	}

	b.fire(func() {
		for _, h := range hs {
			h(s)
		}
	})
}

// EmitClassification publishes a classifier verdict.
func (b *EventBus) EmitClassification(c SeizureClassification) {
	b.mu.RLock()
	hs := append(([]func(SeizureClassification))(nil), b.classification...)
	b.mu.RUnlock()

	if len(hs) == 0 {
		return
	}

	b.fire(func() {
		for _, h := range hs {
			h(c)
		}
	})
}

// EmitSeizureStatus publishes a therapy-needed flip.
func (b *EventBus) EmitSeizureStatus(needed bool) {
	b.emitBool(&b.seizureStatus, needed)
}

// EmitTherapyActive publishes a device therapy state change.
func (b *EventBus) EmitTherapyActive(active bool) {
	b.emitBool(&b.therapyActive, active)
}

// EmitTherapyEnabled publishes an operator therapy-enable toggle.
func (b *EventBus) EmitTherapyEnabled(enabled bool) {
	b.emitBool(&b.therapyEnabled, enabled)
}

// Close tears down the bus. All subsequent emissions are no-ops and all
// handler references are released.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.connStatus = nil
	b.samples = nil
	b.classification = nil
	b.seizureStatus = nil
	b.therapyActive = nil
	b.therapyEnabled = nil
}

func (b *EventBus) emitBool(list *[]func(bool), v bool) {
	b.mu.RLock()
	hs := append(([]func(bool))(nil), *list...)
	b.mu.RUnlock()

	if len(hs) == 0 {
		return
	}

	b.fire(func() {
		for _, h := range hs {
			h(v)
		}
	})
}

// fire runs fn on its own goroutine with panic protection.
func (b *EventBus) fire(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("panic in event subscriber", "panic", r)
			}
		}()

		fn()
	}()
}
