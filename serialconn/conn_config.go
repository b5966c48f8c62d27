package serialconn

import (
	"errors"
	"fmt"
	"time"

	"github.com/bennesher/csep590c-sp23/logger"
)

// Default configuration values.
const (
	// DefaultWriteTimeout bounds the wait for a command reply.
	DefaultWriteTimeout = 500 * time.Millisecond

	// DefaultReadTimeout is the serial read timeout for the port listener.
	DefaultReadTimeout = 500 * time.Millisecond

	// DefaultFeedingInterval is the watchdog ping period.
	DefaultFeedingInterval = 3500 * time.Millisecond

	// DefaultConnectionAttempts is the handshake retry budget.
	DefaultConnectionAttempts = 5

	// DefaultWatchdogAttempts is the per-tick watchdog retry budget.
	DefaultWatchdogAttempts = 3

	// DefaultBadPortRetryDelay is the wait between port reopen attempts
	// during reconnection.
	DefaultBadPortRetryDelay = 3000 * time.Millisecond

	// DefaultStreamInitRetryDelay is the wait between StartStreaming attempts.
	DefaultStreamInitRetryDelay = 500 * time.Millisecond

	// DefaultTherapyRetryDelay is the wait between therapy command retries.
	DefaultTherapyRetryDelay = 50 * time.Millisecond

	// DefaultStopStreamRetryLimit bounds StopStreaming retries during teardown.
	DefaultStopStreamRetryLimit = 3

	// DefaultCloseTimeout bounds the join of worker goroutines at Close.
	DefaultCloseTimeout = 1 * time.Second

	// DefaultDispatchQueueSize is the inbound packet queue capacity.
	DefaultDispatchQueueSize = 64
)

// ConnectionConfig holds all configuration for a device connection.
type ConnectionConfig struct {
	portName string

	writeTimeout    time.Duration
	readTimeout     time.Duration
	closeTimeout    time.Duration
	feedingInterval time.Duration

	connectionAttempts int
	watchdogAttempts   int

	badPortRetryDelay    time.Duration
	streamInitRetryDelay time.Duration
	therapyRetryDelay    time.Duration
	stopStreamRetryLimit int

	dispatchQueueSize int

	// logFilePath is the streaming sample CSV path; empty disables the log sink.
	logFilePath string

	// therapyEnabled is the initial operator therapy-enable state.
	therapyEnabled bool

	openPort PortOpener
	logger   logger.Logger
}

// ConnOption configures a ConnectionConfig.
type ConnOption func(*ConnectionConfig) error

// NewConnectionConfig creates a connection configuration for the named serial
// port. opts are applied in order; see the With* functions.
func NewConnectionConfig(portName string, opts ...ConnOption) (*ConnectionConfig, error) {
	if portName == "" {
		return nil, errors.New("serialconn: port name is empty")
	}

	cfg := &ConnectionConfig{
		portName:             portName,
		writeTimeout:         DefaultWriteTimeout,
		readTimeout:          DefaultReadTimeout,
		closeTimeout:         DefaultCloseTimeout,
		feedingInterval:      DefaultFeedingInterval,
		connectionAttempts:   DefaultConnectionAttempts,
		watchdogAttempts:     DefaultWatchdogAttempts,
		badPortRetryDelay:    DefaultBadPortRetryDelay,
		streamInitRetryDelay: DefaultStreamInitRetryDelay,
		therapyRetryDelay:    DefaultTherapyRetryDelay,
		stopStreamRetryLimit: DefaultStopStreamRetryLimit,
		dispatchQueueSize:    DefaultDispatchQueueSize,
		openPort:             OpenSerialPort,
		logger:               logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// PortName returns the configured serial port name.
func (cfg *ConnectionConfig) PortName() string { return cfg.portName }

// WithWriteTimeout sets the command reply timeout.
func WithWriteTimeout(d time.Duration) ConnOption {
	return func(cfg *ConnectionConfig) error {
		if d <= 0 {
			return fmt.Errorf("serialconn: invalid write timeout %v", d)
		}
		cfg.writeTimeout = d
		return nil
	}
}

// WithReadTimeout sets the serial read timeout.
func WithReadTimeout(d time.Duration) ConnOption {
	return func(cfg *ConnectionConfig) error {
		if d <= 0 {
			return fmt.Errorf("serialconn: invalid read timeout %v", d)
		}
		cfg.readTimeout = d
		return nil
	}
}

// WithCloseTimeout bounds the worker join at Close.
func WithCloseTimeout(d time.Duration) ConnOption {
	return func(cfg *ConnectionConfig) error {
		if d <= 0 {
			return fmt.Errorf("serialconn: invalid close timeout %v", d)
		}
		cfg.closeTimeout = d
		return nil
	}
}

// WithFeedingInterval sets the watchdog ping period.
func WithFeedingInterval(d time.Duration) ConnOption {
	return func(cfg *ConnectionConfig) error {
		if d <= 0 {
			return fmt.Errorf("serialconn: invalid feeding interval %v", d)
		}
		cfg.feedingInterval = d
		return nil
	}
}

// WithConnectionAttempts sets the handshake retry budget.
func WithConnectionAttempts(n int) ConnOption {
	return func(cfg *ConnectionConfig) error {
		if n < 1 {
			return fmt.Errorf("serialconn: invalid connection attempts %d", n)
		}
		cfg.connectionAttempts = n
		return nil
	}
}

// WithWatchdogAttempts sets the per-tick watchdog retry budget.
func WithWatchdogAttempts(n int) ConnOption {
	return func(cfg *ConnectionConfig) error {
		if n < 1 {
			return fmt.Errorf("serialconn: invalid watchdog attempts %d", n)
		}
		cfg.watchdogAttempts = n
		return nil
	}
}

// WithBadPortRetryDelay sets the wait between port reopen attempts.
func WithBadPortRetryDelay(d time.Duration) ConnOption {
	return func(cfg *ConnectionConfig) error {
		if d <= 0 {
			return fmt.Errorf("serialconn: invalid bad-port retry delay %v", d)
		}
		cfg.badPortRetryDelay = d
		return nil
	}
}

// WithStreamInitRetryDelay sets the wait between StartStreaming attempts.
func WithStreamInitRetryDelay(d time.Duration) ConnOption {
	return func(cfg *ConnectionConfig) error {
		if d <= 0 {
			return fmt.Errorf("serialconn: invalid stream-init retry delay %v", d)
		}
		cfg.streamInitRetryDelay = d
		return nil
	}
}

// WithTherapyRetryDelay sets the wait between therapy command retries.
func WithTherapyRetryDelay(d time.Duration) ConnOption {
	return func(cfg *ConnectionConfig) error {
		if d <= 0 {
			return fmt.Errorf("serialconn: invalid therapy retry delay %v", d)
		}
		cfg.therapyRetryDelay = d
		return nil
	}
}

// WithDispatchQueueSize sets the inbound packet queue capacity.
func WithDispatchQueueSize(n int) ConnOption {
	return func(cfg *ConnectionConfig) error {
		if n < 1 {
			return fmt.Errorf("serialconn: invalid dispatch queue size %d", n)
		}
		cfg.dispatchQueueSize = n
		return nil
	}
}

// WithLogFile sets the streaming sample CSV path. An empty path disables the
// log sink.
func WithLogFile(path string) ConnOption {
	return func(cfg *ConnectionConfig) error {
		cfg.logFilePath = path
		return nil
	}
}

// WithTherapyEnabled sets the initial operator therapy-enable state.
func WithTherapyEnabled(enabled bool) ConnOption {
	return func(cfg *ConnectionConfig) error {
		cfg.therapyEnabled = enabled
		return nil
	}
}

// WithPortOpener substitutes the serial port factory, primarily for tests.
func WithPortOpener(open PortOpener) ConnOption {
	return func(cfg *ConnectionConfig) error {
		if open == nil {
			return errors.New("serialconn: port opener is nil")
		}
		cfg.openPort = open
		return nil
	}
}

// WithLogger sets the logger used by the connection and its components.
func WithLogger(l logger.Logger) ConnOption {
	return func(cfg *ConnectionConfig) error {
		if l == nil {
			return errors.New("serialconn: logger is nil")
		}
		cfg.logger = l
		return nil
	}
}
