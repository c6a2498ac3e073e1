// Package eventloop provides the single logical thread a CoAP context runs
// on.
//
// Every table of the exchange engine (deduplication, exchanges, blockwise
// assemblies, subscriptions) is owned by one Loop and only touched by
// functions running on it. Transports, timers and resource renders hand
// their results over with Post, so the tables need no locking and at most
// one outcome is ever applied to an exchange at a time.
package eventloop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/logging"
)

// ErrStopped is returned when work is submitted to a stopped loop.
var ErrStopped = errors.New("eventloop: stopped")

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	// Stop cancels the timer. It returns false if the callback already ran
	// or the timer was already stopped.
	Stop() bool
}

// Scheduler abstracts time for the exchange engine so tests can drive
// retransmissions deterministically.
type Scheduler interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc runs f after d. On a Loop, f runs on the loop.
	AfterFunc(d time.Duration, f func()) Timer
}

// Config configures a Loop.
type Config struct {
	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Loop runs submitted functions one at a time, in submission order.
type Loop struct {
	queue []func()
	wake  chan struct{}
	done  chan struct{}
	wg    sync.WaitGroup
	log   logging.LeveledLogger

	mu      sync.Mutex
	started bool
	stopped bool
}

// New creates a loop. Call Start to begin processing.
func New(config Config) *Loop {
	l := &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	if config.LoggerFactory != nil {
		l.log = config.LoggerFactory.NewLogger("eventloop")
	}
	return l
}

// Start begins processing submitted functions.
func (l *Loop) Start() {
	l.mu.Lock()
	if l.started || l.stopped {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.mu.Unlock()

	l.wg.Add(1)
	go l.run()
}

// Post submits f to run on the loop. It never blocks. Returns false if the
// loop is stopped.
func (l *Loop) Post(f func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, f)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs f on the loop and waits for it to finish. It must not be called
// from the loop itself.
func (l *Loop) Do(ctx context.Context, f func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		f()
	}) {
		return ErrStopped
	}

	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Now implements Scheduler.
func (l *Loop) Now() time.Time {
	return time.Now()
}

// AfterFunc implements Scheduler. f runs on the loop; once Stop returned
// true, f is guaranteed not to run even if the timer already fired and the
// call is queued.
func (l *Loop) AfterFunc(d time.Duration, f func()) Timer {
	t := &loopTimer{}
	t.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			if t.cancelled.CompareAndSwap(false, true) {
				f()
			}
		})
	})
	return t
}

// Stop stops the loop and waits for the running function to return.
// Queued functions are discarded.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	dropped := len(l.queue)
	l.queue = nil
	l.mu.Unlock()

	close(l.done)
	l.wg.Wait()

	if l.log != nil && dropped > 0 {
		l.log.Debugf("stopped with %d queued tasks", dropped)
	}
}

func (l *Loop) run() {
	defer l.wg.Done()

	for {
		select {
		case <-l.done:
			return
		case <-l.wake:
		}

		for {
			l.mu.Lock()
			if l.stopped || len(l.queue) == 0 {
				l.mu.Unlock()
				break
			}
			f := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()

			f()
		}
	}
}

// loopTimer is the Timer returned by Loop.AfterFunc.
type loopTimer struct {
	timer     *time.Timer
	cancelled atomic.Bool
}

func (t *loopTimer) Stop() bool {
	t.timer.Stop()
	return t.cancelled.CompareAndSwap(false, true)
}
