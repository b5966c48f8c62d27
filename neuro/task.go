package neuro

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bennesher/csep590c-sp23/logger"
)

// TaskFunc is one iteration of a task loop. It receives the manager's
// context and returns true to keep running, false to stop the goroutine.
// Blocking work inside the function must select on ctx.
type TaskFunc func(ctx context.Context) bool

// TaskCancelFunc runs when a task's goroutine exits, for cleanup.
type TaskCancelFunc func()

// TaskManager manages the lifecycle of the goroutines that make up a
// connection: the port readers, the dispatch worker and the watchdog.
//
// A context.Context governs all tasks: Stop cancels it, signalling every
// task to finish, and Wait blocks until they have. Task bodies run with
// panic protection so a failing task cannot take down the process.
type TaskManager struct {
	pctx    context.Context
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  logger.Logger
	count   atomic.Int32
	tickers sync.Map     // map[string]*time.Ticker
	mu      sync.RWMutex // protects ctx and cancel
}

// NewTaskManager creates a TaskManager whose tasks derive from ctx.
func NewTaskManager(ctx context.Context, l logger.Logger) *TaskManager {
	if l == nil {
		l = logger.GetLogger()
	}

	mgr := &TaskManager{pctx: ctx, logger: l}
	mgr.ctx, mgr.cancel = context.WithCancel(ctx)

	return mgr
}

// Context returns the current task context.
func (mgr *TaskManager) Context() context.Context {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	return mgr.ctx
}

// Start launches a goroutine that invokes taskFunc in a loop until the
// function returns false or the manager is stopped. cancelFunc, when
// non-nil, runs as the goroutine exits.
func (mgr *TaskManager) Start(name string, taskFunc TaskFunc, cancelFunc TaskCancelFunc) error {
	ctx := mgr.Context()
	if ctx.Err() != nil {
		return fmt.Errorf("task manager already stopped, cannot start %s", name)
	}

	mgr.logger.Debug("start task", "name", name)

	mgr.wg.Add(1)
	mgr.count.Add(1)

	go func() {
		defer func() {
			if cancelFunc != nil {
				cancelFunc()
			}
			mgr.count.Add(-1)
			mgr.wg.Done()
			mgr.logger.Debug("task terminated", "name", name, "task_count", mgr.TaskCount())
		}()

		mgr.runLoop(ctx, name, taskFunc)
	}()

	return nil
}

// StartInterval launches a goroutine that invokes taskFunc on every tick of
// a new ticker. If runNow is true the function also runs once immediately.
// The returned ticker may be stopped and reset by the caller; StopInterval
// removes it entirely.
func (mgr *TaskManager) StartInterval(name string, taskFunc TaskFunc, interval time.Duration, runNow bool) (*time.Ticker, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("invalid interval: %v", interval)
	}

	ctx := mgr.Context()
	if ctx.Err() != nil {
		return nil, fmt.Errorf("task manager already stopped, cannot start %s", name)
	}

	mgr.logger.Debug("start interval task", "name", name, "interval", interval, "runNow", runNow)

	ticker := time.NewTicker(interval)
	if _, loaded := mgr.tickers.LoadOrStore(name, ticker); loaded {
		ticker.Stop()
		return nil, fmt.Errorf("interval task %s already exists", name)
	}

	cleanup := func() {
		ticker.Stop()
		mgr.tickers.Delete(name)
	}

	if runNow && !mgr.invoke(ctx, name, taskFunc) {
		cleanup()
		return ticker, nil
	}

	mgr.wg.Add(1)
	mgr.count.Add(1)

	go func() {
		defer func() {
			cleanup()
			mgr.count.Add(-1)
			mgr.wg.Done()
			mgr.logger.Debug("interval task terminated", "name", name)
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !mgr.invoke(ctx, name, taskFunc) {
					return
				}
			}
		}
	}()

	return ticker, nil
}

// StopInterval stops and removes the interval task with the given name.
func (mgr *TaskManager) StopInterval(name string) error {
	val, ok := mgr.tickers.LoadAndDelete(name)
	if !ok {
		return fmt.Errorf("ticker %s not found", name)
	}

	if ticker, ok := val.(*time.Ticker); ok {
		ticker.Stop()
		return nil
	}

	return fmt.Errorf("ticker %s is not a *time.Ticker", name)
}

// Stop signals all running tasks to terminate.
func (mgr *TaskManager) Stop() {
	mgr.tickers.Range(func(_, value any) bool {
		if ticker, ok := value.(*time.Ticker); ok {
			ticker.Stop()
		}
		return true
	})

	mgr.mu.Lock()
	if mgr.cancel != nil {
		mgr.cancel()
	}
	mgr.mu.Unlock()
}

// Wait blocks until all tasks have terminated, then re-arms the manager so
// tasks can be started again (used across reconnects).
func (mgr *TaskManager) Wait() {
	mgr.wg.Wait()

	mgr.mu.Lock()
	mgr.ctx, mgr.cancel = context.WithCancel(mgr.pctx)
	mgr.mu.Unlock()
}

// TaskCount returns the number of currently running tasks.
func (mgr *TaskManager) TaskCount() int {
	return int(mgr.count.Load())
}

func (mgr *TaskManager) runLoop(ctx context.Context, name string, taskFunc TaskFunc) {
	defer mgr.recoverPanic(name)

	for {
		select {
		case <-ctx.Done():
			return
		default:
			if !taskFunc(ctx) {
				return
			}
		}
	}
}

// invoke calls taskFunc with panic protection; a panicking iteration is
// logged and treated as a request to keep running.
func (mgr *TaskManager) invoke(ctx context.Context, name string, taskFunc TaskFunc) (cont bool) {
	defer func() {
		if r := recover(); r != nil {
			mgr.logger.Error("panic in task", "name", name, "panic", r)
			cont = true
		}
	}()

	return taskFunc(ctx)
}

func (mgr *TaskManager) recoverPanic(name string) {
	if r := recover(); r != nil {
		mgr.logger.Error("panic in task", "name", name, "panic", r)
	}
}
