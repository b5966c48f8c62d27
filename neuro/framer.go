package neuro

import (
	"github.com/bennesher/csep590c-sp23/logger"
)

// framerState indexes the byte position within the frame currently being
// assembled.
type framerState int

const (
	statePrefix0 framerState = iota
	statePrefix1
	statePrefix2
	stateType
	stateID
	stateSize
	statePayload
	stateChecksum
)

// Framer is a reentrant byte-stream parser that reassembles frames from the
// serial stream and produces verified Packets.
//
// It is infinitely tolerant: malformed input never causes a panic or a hard
// error, only a resynchronization at the next 0xAA prefix byte. Feed one byte
// at a time; a non-nil Packet is returned exactly when the byte completes a
// frame whose checksum verifies.
//
// A Framer is single-threaded per port and must not be shared between
// goroutines.
type Framer struct {
	logger  logger.Logger
	metrics *ConnectionMetrics

	state   framerState
	typ     PacketType
	id      byte
	size    int
	payload []byte
	sum     uint32

	// resyncLogged suppresses repeated framing-error logs while skipping a
	// run of garbage bytes; one resync event logs once.
	resyncLogged bool
}

// NewFramer creates a Framer that logs framing errors to l.
func NewFramer(l logger.Logger) *Framer {
	if l == nil {
		l = logger.GetLogger()
	}

	return &Framer{logger: l}
}

// SetMetrics attaches connection metrics; dropped frames are counted there.
func (f *Framer) SetMetrics(m *ConnectionMetrics) {
	f.metrics = m
}

// Feed advances the parser by one byte and returns a completed, verified
// Packet, or nil if the frame is still in progress or was discarded.
func (f *Framer) Feed(b byte) *Packet {
	switch f.state {
	case statePrefix0:
		if b != PrefixByte0 {
			if !f.resyncLogged {
				f.logger.Debug("framing error, dropping bytes until next prefix", "byte", b)
				f.resyncLogged = true
			}
			return nil
		}
		f.resyncLogged = false
		// The 0xAA start byte is outside the checksum range.
		f.sum = 0
		f.state = statePrefix1

	case statePrefix1:
		if b != PrefixByte1 {
			f.reset()
			return nil
		}
		f.sum += uint32(b)
		f.state = statePrefix2

	case statePrefix2:
		if b != PrefixByte2 {
			f.reset()
			return nil
		}
		f.sum += uint32(b)
		f.state = stateType

	case stateType:
		if !PacketType(b).IsValid() {
			f.logger.Debug("framing error, invalid packet type", "type", b)
			f.reset()
			return nil
		}
		f.typ = PacketType(b)
		f.sum += uint32(b)
		f.state = stateID

	case stateID:
		f.id = b
		f.sum += uint32(b)
		f.state = stateSize

	case stateSize:
		if b == 0 {
			f.logger.Debug("framing error, zero payload size", "id", f.id)
			f.reset()
			return nil
		}
		f.size = int(b)
		f.sum += uint32(b)
		f.payload = make([]byte, 0, f.size)
		f.state = statePayload

	case statePayload:
		f.payload = append(f.payload, b)
		f.sum += uint32(b)
		if len(f.payload) == f.size {
			f.state = stateChecksum
		}

	case stateChecksum:
		expected := byte(f.sum)
		if b != expected {
			f.logger.Warn("checksum mismatch, frame discarded",
				"id", f.id, "type", f.typ, "wire", b, "computed", expected)
			if f.metrics != nil {
				f.metrics.IncFrameDropCount()
			}
			f.reset()
			return nil
		}

		pkt := &Packet{typ: f.typ, id: f.id, payload: f.payload}
		f.payload = nil
		f.reset()

		return pkt
	}

	return nil
}

// NotifyIdle is called by the reader when a read timeout elapses. A timeout
// is a soft signal: mid-frame it indicates an incomplete packet, which is
// logged and discarded; between frames it is silent.
func (f *Framer) NotifyIdle() {
	if f.state == statePrefix0 {
		return
	}

	f.logger.Warn("incomplete packet, read timed out mid-frame",
		"position", int(f.state), "id", f.id)
	if f.metrics != nil {
		f.metrics.IncFrameDropCount()
	}
	f.reset()
}

// InFrame reports whether the parser is mid-frame.
func (f *Framer) InFrame() bool {
	return f.state != statePrefix0
}

func (f *Framer) reset() {
	f.state = statePrefix0
	f.typ = 0
	f.id = 0
	f.size = 0
	f.payload = nil
	f.sum = 0
}
