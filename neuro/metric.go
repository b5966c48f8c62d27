package neuro

import "sync/atomic"

// ConnectionMetrics contains atomic metrics for a device connection.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc.
type ConnectionMetrics struct {
	// FrameRecvCount indicates the number of verified frames parsed.
	FrameRecvCount atomic.Uint64
	// FrameDropCount indicates the number of frames discarded by the framer
	// (checksum mismatch or incomplete frame).
	FrameDropCount atomic.Uint64

	// CommandSendCount indicates the number of commands sent.
	CommandSendCount atomic.Uint64
	// CommandErrCount indicates the number of commands that failed.
	CommandErrCount atomic.Uint64

	// SampleRecvCount indicates the number of streaming samples decoded.
	SampleRecvCount atomic.Uint64

	// WatchdogMissCount indicates the number of watchdog ticks that exhausted
	// their retries.
	WatchdogMissCount atomic.Uint64
	// ReconnectCount indicates the number of successful reconnections.
	ReconnectCount atomic.Uint64

	// ReconnectRetryGauge indicates the number of attempts of the current
	// reconnect loop; reset on success.
	ReconnectRetryGauge atomic.Uint32
}

func (m *ConnectionMetrics) IncFrameRecvCount() {
	m.FrameRecvCount.Add(1)
}

func (m *ConnectionMetrics) IncFrameDropCount() {
	m.FrameDropCount.Add(1)
}

func (m *ConnectionMetrics) IncCommandSendCount() {
	m.CommandSendCount.Add(1)
}

func (m *ConnectionMetrics) IncCommandErrCount() {
	m.CommandErrCount.Add(1)
}

func (m *ConnectionMetrics) IncSampleRecvCount() {
	m.SampleRecvCount.Add(1)
}

func (m *ConnectionMetrics) IncWatchdogMissCount() {
	m.WatchdogMissCount.Add(1)
}

func (m *ConnectionMetrics) IncReconnectCount() {
	m.ReconnectCount.Add(1)
}

func (m *ConnectionMetrics) IncReconnectRetryGauge() {
	m.ReconnectRetryGauge.Add(1)
}

func (m *ConnectionMetrics) ResetReconnectRetryGauge() {
	m.ReconnectRetryGauge.Store(0)
}
