package platform

import (
	"sync"
	"time"

	"github.com/sweeney/wemo-bridge/internal/logic"
)

// Loop runs posted functions one at a time on a dedicated goroutine. Every
// piece of an accessory's state is only touched from its loop.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	done   chan struct{}
	closed bool
}

// NewLoop starts a loop goroutine.
func NewLoop() *Loop {
	l := &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

// Post queues fn. It reports false if the loop has been closed.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the loop and waits for it to return. It reports false if
// the loop was closed before fn ran.
func (l *Loop) Do(fn func()) bool {
	ran := make(chan struct{})
	if !l.Post(func() {
		fn()
		close(ran)
	}) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-l.done:
		select {
		case <-ran:
			return true
		default:
			return false
		}
	}
}

// Close runs fn (if not nil) as the last queued function, then stops the
// loop and waits for it to exit.
func (l *Loop) Close(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return
	}
	if fn != nil {
		l.queue = append(l.queue, fn)
	}
	l.closed = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	<-l.done
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		closed := l.closed
		l.mu.Unlock()

		for _, fn := range batch {
			fn()
		}
		if closed && len(batch) == 0 {
			return
		}
		if len(batch) > 0 {
			continue
		}
		<-l.wake
	}
}

// loopScheduler implements logic.Scheduler with wall-clock timers whose
// callbacks are posted onto the loop.
type loopScheduler struct {
	loop *Loop
}

func (s loopScheduler) AfterFunc(d time.Duration, f func()) logic.Timer {
	return time.AfterFunc(d, func() { s.loop.Post(f) })
}
