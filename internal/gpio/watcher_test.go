package gpio

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/wemo-bridge/internal/device"
)

type recordingInjector struct {
	mu     sync.Mutex
	events []device.Event
	ids    []string
	err    error
}

func (r *recordingInjector) Inject(id string, ev device.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.ids = append(r.ids, id)
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingInjector) values() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.AttrValue
	}
	return out
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func setupWatcher(t *testing.T, debounce time.Duration, samples ...bool) (*Watcher, *recordingInjector, *clock) {
	t.Helper()
	inj := &recordingInjector{}
	clk := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	w := NewWatcher(NewFakeContact(samples...), inj, "maker-1", debounce, zerolog.Nop())
	w.now = clk.now
	return w, inj, clk
}

func equal(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestWatcherReportsFirstReading(t *testing.T) {
	w, inj, _ := setupWatcher(t, time.Second, true)

	w.Poll()

	if got := inj.values(); !equal(got, []int{1}) {
		t.Fatalf("expected closed reported, got %v", got)
	}
	ev := inj.events[0]
	if ev.Kind != device.EventAttribute || ev.Name != device.AttrSensor || inj.ids[0] != "maker-1" {
		t.Errorf("unexpected event: %+v to %s", ev, inj.ids[0])
	}
}

func TestWatcherDebounce(t *testing.T) {
	tests := []struct {
		name    string
		samples []bool
		step    time.Duration
		want    []int
	}{
		{"stable change reported", []bool{true, false, false, false}, 500 * time.Millisecond, []int{1, 0}},
		{"glitch ignored", []bool{true, false, true, true}, 500 * time.Millisecond, []int{1}},
		{"no change", []bool{false, false, false}, time.Second, []int{0}},
		{"zero debounce", []bool{false, true}, 0, []int{0, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			debounce := time.Second
			if tt.step == 0 {
				debounce = 0
			}
			w, inj, clk := setupWatcher(t, debounce, tt.samples...)
			for range tt.samples {
				w.Poll()
				clk.advance(tt.step)
			}
			if got := inj.values(); !equal(got, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestWatcherReadErrorSkipsPoll(t *testing.T) {
	inj := &recordingInjector{}
	c := NewFakeContact(true)
	c.SetError(errors.New("gpio error"))
	w := NewWatcher(c, inj, "maker-1", 0, zerolog.Nop())

	w.Poll()
	if len(inj.values()) != 0 {
		t.Fatal("expected nothing reported on read error")
	}

	c.SetError(nil)
	w.Poll()
	if got := inj.values(); !equal(got, []int{1}) {
		t.Errorf("expected reading after recovery, got %v", got)
	}
}

func TestWatcherRetriesFailedInject(t *testing.T) {
	w, inj, _ := setupWatcher(t, 0, true)
	inj.err = device.ErrNotAvailable

	w.Poll()
	inj.err = nil
	w.Poll()

	if got := inj.values(); !equal(got, []int{1}) {
		t.Errorf("expected reading delivered on retry, got %v", got)
	}
}

func TestWatcherRunStopsOnCancel(t *testing.T) {
	inj := &recordingInjector{}
	w := NewWatcher(NewFakeContact(false), inj, "maker-1", 0, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx, time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(inj.values()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected an initial report")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
