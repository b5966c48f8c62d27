package serialconn

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bennesher/csep590c-sp23/neuro"
)

// statusRecorder collects connection status events.
type statusRecorder struct {
	mu       sync.Mutex
	statuses []neuro.ConnectionStatus
}

func (r *statusRecorder) record(s neuro.ConnectionStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.statuses = append(r.statuses, s)
}

func (r *statusRecorder) saw(s neuro.ConnectionStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, got := range r.statuses {
		if got == s {
			return true
		}
	}

	return false
}

func openTestConnection(t *testing.T, dev *fakeDevice, opts ...ConnOption) (*Connection, *statusRecorder) {
	t.Helper()

	cfg := newTestConfig(t, dev, opts...)

	conn, err := NewConnection(context.Background(), cfg)
	require.NoError(t, err)

	rec := &statusRecorder{}
	conn.Events().OnConnectionStatus(rec.record)

	require.Equal(t, neuro.Connected, conn.Open())
	t.Cleanup(conn.Close)

	return conn, rec
}

func TestConnection_Open(t *testing.T) {
	dev := newFakeDevice()
	conn, rec := openTestConnection(t, dev)

	assert.True(t, dev.isConnected())
	assert.True(t, dev.sawOp(neuro.OpInitialConnection))
	assert.Equal(t, neuro.SessionConnected, conn.State())

	waitFor(t, time.Second, func() bool { return rec.saw(neuro.Connected) },
		"Connected event not emitted")
}

func TestConnection_OpenNoDevice(t *testing.T) {
	dev := newFakeDevice()
	dev.failOpen.Store(true)

	cfg := newTestConfig(t, dev)
	conn, err := NewConnection(context.Background(), cfg)
	require.NoError(t, err)

	assert.Equal(t, neuro.NoDevice, conn.Open())
	assert.Equal(t, neuro.SessionClosed, conn.State())
}

func TestConnection_OpenTwice(t *testing.T) {
	dev := newFakeDevice()
	conn, _ := openTestConnection(t, dev)

	assert.Equal(t, neuro.AlreadyConnected, conn.Open())
}

func TestConnection_OpenWhileDeviceThinksConnected(t *testing.T) {
	dev := newFakeDevice()
	dev.mu.Lock()
	dev.connected = true // stale device-side session
	dev.mu.Unlock()

	cfg := newTestConfig(t, dev)
	conn, err := NewConnection(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	// The AlreadyConnected rejection counts as handshake success.
	assert.Equal(t, neuro.Connected, conn.Open())
}

func TestConnection_CloseIdempotent(t *testing.T) {
	dev := newFakeDevice()
	conn, rec := openTestConnection(t, dev)

	conn.Close()
	conn.Close()

	assert.Equal(t, neuro.SessionClosed, conn.State())
	waitFor(t, time.Second, func() bool { return rec.saw(neuro.Closed) },
		"Closed event not emitted")

	err := conn.SendCommand(context.Background(), neuro.OpWatchdogReset, nil)
	require.Error(t, err)
	assert.True(t, neuro.IsCode(err, neuro.CodeNotConnected), "got %v", err)
}

func TestConnection_WatchdogFeedsDevice(t *testing.T) {
	dev := newFakeDevice()
	openTestConnection(t, dev)

	waitFor(t, 2*time.Second, func() bool { return dev.sawOp(neuro.OpWatchdogReset) },
		"watchdog never pinged the device")
}

func TestConnection_WatchdogReconnect(t *testing.T) {
	dev := newFakeDevice()
	conn, rec := openTestConnection(t, dev)

	// The device dies: it stops answering and forgets its session.
	dev.silent.Store(true)
	dev.forget()

	waitFor(t, 5*time.Second, func() bool { return rec.saw(neuro.Disconnected) },
		"watchdog loss did not emit Disconnected")

	// The device comes back.
	dev.silent.Store(false)

	waitFor(t, 5*time.Second, func() bool { return conn.State() == neuro.SessionConnected },
		"session did not reconnect")
	waitFor(t, time.Second, func() bool { return dev.isConnected() },
		"handshake did not re-establish the device session")

	assert.Positive(t, conn.Metrics().ReconnectCount.Load())

	// The watchdog resumes feeding after recovery.
	before := dev.opCount(neuro.OpWatchdogReset)
	waitFor(t, 2*time.Second, func() bool { return dev.opCount(neuro.OpWatchdogReset) > before },
		"watchdog did not resume after reconnect")
}

func TestConnection_StartStopStreaming(t *testing.T) {
	dev := newFakeDevice()
	conn, _ := openTestConnection(t, dev)

	assert.Equal(t, neuro.Streaming, conn.StartStreaming())
	assert.True(t, dev.isStreaming())

	assert.Equal(t, neuro.AlreadyStreaming, conn.StartStreaming())

	conn.StopStreaming()
	assert.False(t, dev.isStreaming())
	assert.False(t, conn.IsStreaming())

	// Stopping again is safe.
	conn.StopStreaming()
}

func TestConnection_StartStreamingRequiresConnection(t *testing.T) {
	dev := newFakeDevice()
	cfg := newTestConfig(t, dev)

	conn, err := NewConnection(context.Background(), cfg)
	require.NoError(t, err)

	assert.Equal(t, neuro.ConnectionNotOpen, conn.StartStreaming())
}

func TestConnection_StreamingSamplesReachSubscribers(t *testing.T) {
	dev := newFakeDevice()
	conn, _ := openTestConnection(t, dev,
		WithLogFile(filepath.Join(t.TempDir(), "samples.csv")))

	samples := make(chan neuro.StreamingSample, 16)
	conn.Events().OnSample(func(s neuro.StreamingSample) {
		samples <- s
	})

	require.Equal(t, neuro.Streaming, conn.StartStreaming())

	dev.injectSample(100, 0x8000)

	select {
	case s := <-samples:
		assert.Equal(t, uint32(100), s.TimestampMS)
		assert.InDelta(t, neuro.DynamicRange/2+neuro.XMin, s.VoltageMV, 1e-9)
	case <-time.After(2 * time.Second):
		t.Fatal("streaming sample never reached the subscriber")
	}

	assert.Positive(t, conn.Metrics().SampleRecvCount.Load())
}

func TestConnection_StreamingSurvivesReconnect(t *testing.T) {
	dev := newFakeDevice()
	conn, rec := openTestConnection(t, dev)

	require.Equal(t, neuro.Streaming, conn.StartStreaming())
	startStreamCalls := dev.opCount(neuro.OpStartStreaming)

	// Device dies and forgets everything, including its streaming state.
	dev.silent.Store(true)
	dev.forget()

	waitFor(t, 5*time.Second, func() bool { return rec.saw(neuro.Disconnected) },
		"no Disconnected event")

	dev.silent.Store(false)

	waitFor(t, 5*time.Second, func() bool { return conn.State() == neuro.SessionConnected },
		"session did not reconnect")

	// The streaming controller observes Connected and re-initiates.
	waitFor(t, 5*time.Second, func() bool {
		return dev.opCount(neuro.OpStartStreaming) > startStreamCalls && dev.isStreaming()
	}, "streaming was not re-initiated after reconnect")

	assert.True(t, conn.IsStreaming(), "controller must survive the reconnect")
}

func TestConnection_ReconnectRebuildsBadPort(t *testing.T) {
	dev := newFakeDevice()
	conn, rec := openTestConnection(t, dev)

	// Device dies and the port cannot be reopened for a while.
	dev.silent.Store(true)
	dev.forget()
	dev.failOpen.Store(true)

	waitFor(t, 5*time.Second, func() bool { return rec.saw(neuro.NoDevice) },
		"port open failure did not emit NoDevice")

	// The port comes back.
	dev.failOpen.Store(false)
	dev.silent.Store(false)

	waitFor(t, 5*time.Second, func() bool { return conn.State() == neuro.SessionConnected },
		"session did not recover after the port returned")
}
