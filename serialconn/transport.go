package serialconn

import (
	"context"
	"sync"

	"github.com/bennesher/csep590c-sp23/internal/pool"
	"github.com/bennesher/csep590c-sp23/logger"
	"github.com/bennesher/csep590c-sp23/neuro"
)

// transport owns the outbound half of the serial port. It serializes frame
// writes behind an exclusive write lock and implements the synchronous
// request/response primitive: each command registers a one-shot listener
// keyed by sequence id before the frame is written, so a reply arriving
// between the write returning and the wait beginning is never lost.
type transport struct {
	cfg        *ConnectionConfig
	logger     logger.Logger
	dispatcher *neuro.Dispatcher
	idGen      *neuro.IDGenerator
	metrics    *neuro.ConnectionMetrics

	writeMu sync.Mutex // serializes outbound frames

	portMu sync.RWMutex
	port   Port
}

func newTransport(cfg *ConnectionConfig, l logger.Logger, d *neuro.Dispatcher,
	idGen *neuro.IDGenerator, m *neuro.ConnectionMetrics,
) *transport {
	return &transport{
		cfg:        cfg,
		logger:     l,
		dispatcher: d,
		idGen:      idGen,
		metrics:    m,
	}
}

func (t *transport) setPort(p Port) {
	t.portMu.Lock()
	t.port = p
	t.portMu.Unlock()
}

func (t *transport) getPort() Port {
	t.portMu.RLock()
	defer t.portMu.RUnlock()

	return t.port
}

// closePort closes and detaches the current port, if any. The port listener
// blocked in ReadByte observes the close as a read error and exits.
func (t *transport) closePort() {
	t.portMu.Lock()
	port := t.port
	t.port = nil
	t.portMu.Unlock()

	if port != nil {
		if err := port.Close(); err != nil {
			t.logger.Debug("port close failed", "error", err)
		}
	}
}

// SendCommand sends one command frame and waits for the matching reply.
//
// A nil return means the device confirmed the command. A non-nil return is
// always a *neuro.DeviceError: an error reply from the device, or a
// host-synthesized CodeNotOpen, CodeTimeoutExpired, CodeComFailed, or
// CodeCancelled. Data too long for one frame yields
// CodePayloadLengthExceedsMax without I/O.
func (t *transport) SendCommand(ctx context.Context, op neuro.OpCode, data []byte) error {
	port := t.getPort()
	if port == nil {
		return neuro.NewDeviceError(neuro.CodeNotOpen)
	}

	id := t.idGen.Next()

	pkt, err := neuro.NewCommandPacket(id, op, data)
	if err != nil {
		return neuro.WrapDeviceError(neuro.CodePayloadLengthExceedsMax, err)
	}
	frame := pkt.Encode()

	t.metrics.IncCommandSendCount()

	// The reply listener is armed before the write so the reply cannot race
	// the wait. Command acks match on sequence id; error replies reach this
	// listener through the dispatcher's Error-type fallback.
	done := make(chan error, 1)
	listener := t.dispatcher.Register(neuro.CommandPacket, func(p *neuro.Packet) bool {
		if p.ID() != id {
			return false
		}

		if p.Type() == neuro.ErrorPacket {
			code := neuro.CodeComFailed
			if len(p.Payload()) > 0 {
				code = neuro.DeviceErrorCode(p.Payload()[0])
			}
			done <- neuro.NewDeviceError(code)
		} else {
			done <- nil
		}

		return true
	}, true)

	t.writeMu.Lock()
	_, werr := port.Write(frame)
	t.writeMu.Unlock()

	if werr != nil {
		_ = t.dispatcher.Unregister(listener)
		t.metrics.IncCommandErrCount()
		t.logger.Warn("command write failed", "op", op, "id", id, "error", werr)

		return neuro.WrapDeviceError(neuro.CodeComFailed, werr)
	}

	timer := pool.GetTimer(t.cfg.writeTimeout)
	defer pool.PutTimer(timer)

	select {
	case <-ctx.Done():
		_ = t.dispatcher.Unregister(listener)
		t.metrics.IncCommandErrCount()

		return neuro.WrapDeviceError(neuro.CodeCancelled, ctx.Err())

	case <-timer.C:
		_ = t.dispatcher.Unregister(listener)
		t.metrics.IncCommandErrCount()
		t.logger.Debug("command reply timed out", "op", op, "id", id)

		return neuro.NewDeviceError(neuro.CodeTimeoutExpired)

	case err := <-done:
		if err != nil {
			t.metrics.IncCommandErrCount()
		}

		return err
	}
}
