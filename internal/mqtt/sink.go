package mqtt

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/wemo-bridge/internal/device"
	"github.com/sweeney/wemo-bridge/internal/logic"
	"github.com/sweeney/wemo-bridge/internal/platform"
)

// Accessory is the view of an accessory the state mirror reads.
type Accessory interface {
	ID() string
	Info() device.Info
	Profile() logic.Profile
	Fields() []logic.Field
	State() logic.AccessoryState
	Reachable() bool
}

// StateSink mirrors accessory state to MQTT. Notify only marks an
// accessory dirty; Run publishes snapshots from its own goroutine, so a
// slow broker never stalls an accessory loop.
type StateSink struct {
	pub Publisher
	log zerolog.Logger
	now func() time.Time

	mu    sync.Mutex
	accs  map[string]Accessory
	dirty map[string]bool
	wake  chan struct{}
}

// NewStateSink creates a StateSink publishing through pub.
func NewStateSink(pub Publisher, log zerolog.Logger) *StateSink {
	return &StateSink{
		pub:   pub,
		log:   log.With().Str("component", "mqtt").Logger(),
		now:   time.Now,
		accs:  make(map[string]Accessory),
		dirty: make(map[string]bool),
		wake:  make(chan struct{}, 1),
	}
}

// Track starts mirroring a.
func (s *StateSink) Track(a Accessory) {
	s.mu.Lock()
	s.accs[a.ID()] = a
	s.mu.Unlock()
	s.mark(a.ID())
}

// AccessoryAdded implements platform.Observer.
func (s *StateSink) AccessoryAdded(a *platform.Accessory) { s.Track(a) }

// ReachabilityChanged implements platform.Observer.
func (s *StateSink) ReachabilityChanged(a *platform.Accessory, _ bool) { s.mark(a.ID()) }

// Notify implements logic.Sink.
func (s *StateSink) Notify(u logic.Update) { s.mark(u.AccessoryID) }

// Len returns the number of tracked accessories.
func (s *StateSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accs)
}

func (s *StateSink) mark(id string) {
	s.mu.Lock()
	s.dirty[id] = true
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run publishes dirty accessories until ctx is done. A heartbeat is
// published every heartbeat interval; zero disables it.
func (s *StateSink) Run(ctx context.Context, heartbeat time.Duration) {
	var tick <-chan time.Time
	if heartbeat > 0 {
		t := time.NewTicker(heartbeat)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			s.Flush()
		case <-tick:
			if err := s.pub.PublishSystem(SystemEvent{Timestamp: s.now(), Event: "HEARTBEAT", Accessories: s.Len()}); err != nil {
				s.log.Warn().Err(err).Msg("heartbeat publish failed")
			}
		}
	}
}

// Flush publishes every dirty, tracked accessory in id order.
func (s *StateSink) Flush() {
	s.mu.Lock()
	var pending []Accessory
	for id := range s.dirty {
		if a, ok := s.accs[id]; ok {
			pending = append(pending, a)
			delete(s.dirty, id)
		}
	}
	s.mu.Unlock()
	sort.Slice(pending, func(i, j int) bool { return pending[i].ID() < pending[j].ID() })

	for _, a := range pending {
		info := a.Info()
		msg := StateMessage{
			Timestamp: s.now(),
			ID:        a.ID(),
			Name:      info.Name,
			Profile:   a.Profile().String(),
			Reachable: a.Reachable(),
			Fields:    a.Fields(),
			State:     a.State(),
		}
		if err := s.pub.PublishState(msg); err != nil {
			s.log.Warn().Err(err).Str("id", a.ID()).Msg("state publish failed")
		}
	}
}
