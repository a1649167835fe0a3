package platform

import (
	"testing"
	"time"

	"github.com/sweeney/wemo-bridge/internal/logic"
)

func TestLoopRunsInOrder(t *testing.T) {
	l := NewLoop()
	defer l.Close(nil)

	var got []int
	for i := 0; i < 5; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	l.Do(func() {})

	for i, v := range got {
		if v != i {
			t.Fatalf("expected in-order execution, got %v", got)
		}
	}
	if len(got) != 5 {
		t.Errorf("expected 5 functions run, got %d", len(got))
	}
}

func TestLoopCloseRunsFinalAndRejects(t *testing.T) {
	l := NewLoop()

	ran := false
	l.Close(func() { ran = true })
	if !ran {
		t.Error("expected final function to run before Close returns")
	}
	if l.Post(func() {}) {
		t.Error("expected Post to fail after Close")
	}
	if l.Do(func() {}) {
		t.Error("expected Do to fail after Close")
	}
	l.Close(nil)
}

func TestLoopSchedulerPostsOntoLoop(t *testing.T) {
	l := NewLoop()
	defer l.Close(nil)

	fired := make(chan struct{})
	timeout := logic.NewTimeout(loopScheduler{loop: l})
	l.Do(func() {
		timeout.Start(time.Millisecond, func() { close(fired) })
	})

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestLoopSchedulerCancel(t *testing.T) {
	l := NewLoop()
	defer l.Close(nil)

	fired := make(chan struct{}, 1)
	timeout := logic.NewTimeout(loopScheduler{loop: l})
	l.Do(func() {
		timeout.Start(20*time.Millisecond, func() { fired <- struct{}{} })
		timeout.Cancel()
	})

	select {
	case <-fired:
		t.Fatal("cancelled timer fired")
	case <-time.After(60 * time.Millisecond):
	}
}
