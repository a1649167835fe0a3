package gpio

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/wemo-bridge/internal/device"
)

// Injector delivers a locally sourced event to an accessory.
type Injector interface {
	Inject(id string, ev device.Event) error
}

// Watcher polls a contact and injects a Sensor attribute event into the
// accessory whenever the debounced reading changes. Sensor 1 means closed.
type Watcher struct {
	contact  Contact
	target   Injector
	id       string
	debounce time.Duration
	now      func() time.Time
	log      zerolog.Logger

	known     bool
	reported  bool
	candidate bool
	since     time.Time
}

// NewWatcher creates a watcher feeding the accessory with id. A reading
// must hold for debounce before it is reported.
func NewWatcher(c Contact, target Injector, id string, debounce time.Duration, log zerolog.Logger) *Watcher {
	return &Watcher{
		contact:  c,
		target:   target,
		id:       id,
		debounce: debounce,
		now:      time.Now,
		log:      log.With().Str("component", "gpio").Str("id", id).Logger(),
	}
}

// Run polls every interval until ctx is done.
func (w *Watcher) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	w.Poll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.Poll()
		}
	}
}

// Poll takes one reading. The first successful reading is reported
// immediately; later changes are reported once stable for the debounce
// period. Read and inject failures are logged and retried on the next
// poll.
func (w *Watcher) Poll() {
	closed, err := w.contact.Read()
	if err != nil {
		w.log.Error().Err(err).Msg("contact read failed")
		return
	}
	now := w.now()

	if !w.known {
		w.report(closed)
		return
	}
	if closed == w.reported {
		w.since = time.Time{}
		return
	}
	if w.since.IsZero() || closed != w.candidate {
		w.candidate = closed
		w.since = now
	}
	if now.Sub(w.since) >= w.debounce {
		w.report(closed)
	}
}

func (w *Watcher) report(closed bool) {
	value := 0
	if closed {
		value = 1
	}
	ev := device.Event{Kind: device.EventAttribute, Name: device.AttrSensor, AttrValue: value}
	if err := w.target.Inject(w.id, ev); err != nil {
		w.log.Warn().Err(err).Bool("closed", closed).Msg("contact event not delivered")
		return
	}
	w.log.Info().Bool("closed", closed).Msg("contact changed")
	w.known = true
	w.reported = closed
	w.since = time.Time{}
}
