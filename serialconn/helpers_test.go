package serialconn

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bennesher/csep590c-sp23/neuro"
)

var errFakePortClosed = errors.New("fake port closed")

// fakePort is an in-memory Port. Host writes are parsed frame-by-frame and
// handed to the device behavior; device replies are injected into the host
// read channel.
type fakePort struct {
	readCh chan byte

	closeOnce sync.Once
	closedCh  chan struct{}

	framer   *neuro.Framer
	onPacket func(*neuro.Packet)

	failWrites atomic.Bool
}

func newFakePort(onPacket func(*neuro.Packet)) *fakePort {
	return &fakePort{
		readCh:   make(chan byte, 1<<16),
		closedCh: make(chan struct{}),
		framer:   neuro.NewFramer(nil),
		onPacket: onPacket,
	}
}

func (p *fakePort) ReadByte() (byte, error) {
	select {
	case <-p.closedCh:
		return 0, errFakePortClosed
	default:
	}

	select {
	case b := <-p.readCh:
		return b, nil
	case <-p.closedCh:
		return 0, errFakePortClosed
	case <-time.After(5 * time.Millisecond):
		return 0, ErrReadTimeout
	}
}

func (p *fakePort) Write(data []byte) (int, error) {
	select {
	case <-p.closedCh:
		return 0, errFakePortClosed
	default:
	}

	if p.failWrites.Load() {
		return 0, errors.New("injected write failure")
	}

	for _, b := range data {
		if pkt := p.framer.Feed(b); pkt != nil && p.onPacket != nil {
			p.onPacket(pkt)
		}
	}

	return len(data), nil
}

func (p *fakePort) Close() error {
	p.closeOnce.Do(func() {
		close(p.closedCh)
	})

	return nil
}

// inject queues a frame for the host to read. Frames injected after close
// are silently dropped.
func (p *fakePort) inject(frame []byte) {
	for _, b := range frame {
		select {
		case p.readCh <- b:
		case <-p.closedCh:
			return
		}
	}
}

// fakeDevice simulates the implanted device: it tracks connection, streaming
// and therapy state, acknowledges or rejects commands per the protocol, and
// can go silent or refuse port opens to exercise recovery paths.
type fakeDevice struct {
	mu        sync.Mutex
	connected bool
	streaming bool
	therapy   bool
	port      *fakePort
	ops       []neuro.OpCode

	silent   atomic.Bool
	failOpen atomic.Bool

	streamID atomic.Uint32
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{}
}

// open is the PortOpener for this device: every call yields a fresh port
// wired to the device behavior, like replugging the cable.
func (d *fakeDevice) open(string, time.Duration) (Port, error) {
	if d.failOpen.Load() {
		return nil, errors.New("injected open failure")
	}

	port := newFakePort(d.handle)

	d.mu.Lock()
	d.port = port
	d.mu.Unlock()

	return port, nil
}

func (d *fakeDevice) handle(p *neuro.Packet) {
	if d.silent.Load() {
		return
	}

	if p.Type() != neuro.CommandPacket || len(p.Payload()) == 0 {
		d.replyError(p.ID(), neuro.CodeBadPacketType)
		return
	}

	op := neuro.OpCode(p.Payload()[0])

	d.mu.Lock()
	d.ops = append(d.ops, op)

	var errCode neuro.DeviceErrorCode
	reject := false

	switch op {
	case neuro.OpInitialConnection:
		if d.connected {
			reject, errCode = true, neuro.CodeAlreadyConnected
		} else {
			d.connected = true
		}

	case neuro.OpWatchdogReset:
		if !d.connected {
			reject, errCode = true, neuro.CodeNotConnected
		}

	case neuro.OpStartStreaming:
		switch {
		case !d.connected:
			reject, errCode = true, neuro.CodeNotConnected
		case d.streaming:
			reject, errCode = true, neuro.CodeAlreadyStreaming
		default:
			d.streaming = true
		}

	case neuro.OpStopStreaming:
		if !d.streaming {
			reject, errCode = true, neuro.CodeAlreadyStopStreaming
		} else {
			d.streaming = false
		}

	case neuro.OpStartTherapy:
		if d.therapy {
			reject, errCode = true, neuro.CodeAlreadyDoingTherapy
		} else {
			d.therapy = true
		}

	case neuro.OpStopTherapy:
		if !d.therapy {
			reject, errCode = true, neuro.CodeAlreadyStopTherapy
		} else {
			d.therapy = false
		}

	default:
		reject, errCode = true, neuro.CodeBadOpCode
	}
	port := d.port
	d.mu.Unlock()

	if port == nil {
		return
	}

	if reject {
		d.replyError(p.ID(), errCode)
	} else {
		ack, _ := neuro.NewPacket(neuro.CommandPacket, p.ID(), []byte{0x00})
		port.inject(ack.Encode())
	}
}

func (d *fakeDevice) replyError(id byte, code neuro.DeviceErrorCode) {
	d.mu.Lock()
	port := d.port
	d.mu.Unlock()

	if port == nil {
		return
	}

	pkt, _ := neuro.NewPacket(neuro.ErrorPacket, id, []byte{byte(code)})
	port.inject(pkt.Encode())
}

// injectSample pushes one StreamData frame toward the host.
func (d *fakeDevice) injectSample(ts uint32, reading uint16) {
	d.mu.Lock()
	port := d.port
	d.mu.Unlock()

	if port == nil {
		return
	}

	pkt, _ := neuro.NewPacket(neuro.StreamDataPacket, byte(d.streamID.Add(1)),
		neuro.EncodeStreamPayload(ts, reading))
	port.inject(pkt.Encode())
}

// forget drops the device-side session, as after a device reset.
func (d *fakeDevice) forget() {
	d.mu.Lock()
	d.connected = false
	d.streaming = false
	d.therapy = false
	d.mu.Unlock()
}

func (d *fakeDevice) sawOp(op neuro.OpCode) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, o := range d.ops {
		if o == op {
			return true
		}
	}

	return false
}

func (d *fakeDevice) opCount(op neuro.OpCode) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for _, o := range d.ops {
		if o == op {
			n++
		}
	}

	return n
}

func (d *fakeDevice) isStreaming() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.streaming
}

func (d *fakeDevice) isConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.connected
}

// newTestConfig builds a configuration with short timeouts wired to dev.
func newTestConfig(t *testing.T, dev *fakeDevice, opts ...ConnOption) *ConnectionConfig {
	t.Helper()

	base := []ConnOption{
		WithPortOpener(dev.open),
		WithWriteTimeout(50 * time.Millisecond),
		WithReadTimeout(10 * time.Millisecond),
		WithFeedingInterval(40 * time.Millisecond),
		WithWatchdogAttempts(2),
		WithBadPortRetryDelay(20 * time.Millisecond),
		WithStreamInitRetryDelay(10 * time.Millisecond),
		WithTherapyRetryDelay(5 * time.Millisecond),
	}

	cfg, err := NewConnectionConfig("fake0", append(base, opts...)...)
	require.NoError(t, err)

	return cfg
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}

	t.Fatalf("condition not met within %v: %s", d, msg)
}

// startPumps runs a host-side read pump and dispatch worker for direct
// transport tests, mirroring what Connection does internally.
func startPumps(t *testing.T, port Port, d *neuro.Dispatcher) context.CancelFunc {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		framer := neuro.NewFramer(nil)
		for ctx.Err() == nil {
			b, err := port.ReadByte()
			if err != nil {
				if errors.Is(err, ErrReadTimeout) {
					framer.NotifyIdle()
					continue
				}

				return
			}

			if pkt := framer.Feed(b); pkt != nil {
				d.Offer(pkt)
			}
		}
	}()

	go func() {
		for d.DispatchNext(ctx) {
		}
	}()

	return cancel
}
