package lifecycle

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"go.uber.org/zap"
)

// callback is one registered cleanup task.
type callback struct {
	name  string
	fn    func() error
	async bool
}

// Cleanup runs registered callbacks exactly once on SIGINT/SIGTERM, the Go
// counterpart of the original implementation's Cleanup class. Synchronous
// callbacks run in registration order, then asynchronous ones run
// concurrently; a second signal received while cleanup is still in
// progress fast-exits with the signal's numeric code instead of waiting.
type Cleanup struct {
	mu        sync.Mutex
	callbacks []callback
	cleaning  int32
	log       *zap.SugaredLogger

	// testExit, when set, replaces os.Exit so tests can observe the exit
	// code without tearing down the test binary.
	testExit func(code int)
}

// New constructs a Cleanup handler. log may be nil to suppress messages.
func New(log *zap.SugaredLogger) *Cleanup {
	return &Cleanup{log: log}
}

func (c *Cleanup) exit(code int) {
	if c.testExit != nil {
		c.testExit(code)
		return
	}
	os.Exit(code)
}

// Add registers a synchronous cleanup callback.
func (c *Cleanup) Add(name string, fn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = append(c.callbacks, callback{name: name, fn: fn})
}

// AddAsync registers a callback that runs concurrently with the other
// asynchronous callbacks, after all synchronous callbacks have finished.
func (c *Cleanup) AddAsync(name string, fn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = append(c.callbacks, callback{name: name, fn: fn, async: true})
}

// Listen installs SIGINT/SIGTERM handlers and runs cleanup in the
// background on receipt of either. It does not block.
func (c *Cleanup) Listen() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for sig := range sigCh {
			go c.handle(sig)
		}
	}()
}

func (c *Cleanup) handle(sig os.Signal) {
	if !atomic.CompareAndSwapInt32(&c.cleaning, 0, 1) {
		if c.log != nil {
			c.log.Warn("the pending tasks are cancelled")
		}
		c.exit(signalExitCode(sig))
	}

	c.mu.Lock()
	callbacks := append([]callback(nil), c.callbacks...)
	c.mu.Unlock()

	var syncCallbacks, asyncCallbacks []callback
	for _, cb := range callbacks {
		if cb.async {
			asyncCallbacks = append(asyncCallbacks, cb)
		} else {
			syncCallbacks = append(syncCallbacks, cb)
		}
	}

	if len(syncCallbacks) > 0 || len(asyncCallbacks) > 0 {
		if c.log != nil {
			message := "waiting for the scheduled tasks to finish"
			if sig == syscall.SIGINT {
				message += " (Ctrl+C to skip)"
			}
			c.log.Info(message)
		}

		for _, cb := range syncCallbacks {
			if err := cb.fn(); err != nil && c.log != nil {
				c.log.Warnw("cleanup task failed", "task", cb.name, "error", err)
			}
		}

		if len(asyncCallbacks) > 0 {
			var wg sync.WaitGroup
			for _, cb := range asyncCallbacks {
				wg.Add(1)
				go func(cb callback) {
					defer wg.Done()
					if err := cb.fn(); err != nil && c.log != nil {
						c.log.Warnw("cleanup task failed", "task", cb.name, "error", err)
					}
				}(cb)
			}
			wg.Wait()
		}

		if c.log != nil {
			c.log.Debug("the scheduled tasks are finished successfully")
		}
	}

	atomic.StoreInt32(&c.cleaning, 2)
	c.exit(0)
}

func signalExitCode(sig os.Signal) int {
	if s, ok := sig.(syscall.Signal); ok {
		return int(s)
	}
	return 1
}
