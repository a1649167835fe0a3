// Package status provides a thread-safe accessory tracker for the bridge.
// It is designed to be read by HTTP handlers.
package status

import (
	"sort"
	"sync"
	"time"

	"github.com/sweeney/wemo-bridge/internal/device"
	"github.com/sweeney/wemo-bridge/internal/logic"
	"github.com/sweeney/wemo-bridge/internal/platform"
)

// Accessory is the view of an accessory the tracker seeds from.
type Accessory interface {
	ID() string
	Info() device.Info
	Profile() logic.Profile
	Fields() []logic.Field
	State() logic.AccessoryState
	Reachable() bool
}

// Config contains bridge configuration for display.
type Config struct {
	HomeKitName       string
	DiscoveryInterval time.Duration
	NoMotion          time.Duration
	DoorOpen          time.Duration
	Broker            string
	HTTPAddr          string
}

// AccessorySnapshot is a point-in-time view of one accessory.
type AccessorySnapshot struct {
	ID         string
	Name       string
	Kind       device.Kind
	Profile    logic.Profile
	Reachable  bool
	Fields     []logic.Field
	State      logic.AccessoryState
	Updates    int
	LastUpdate time.Time
}

// Snapshot is a point-in-time view of bridge state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	Accessories   []AccessorySnapshot
	Ready         bool
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Config        Config
}

// Uptime returns the duration since the bridge started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Reachable returns how many accessories are reachable.
func (s Snapshot) Reachable() int {
	n := 0
	for _, a := range s.Accessories {
		if a.Reachable {
			n++
		}
	}
	return n
}

// Tracker holds mutable bridge state behind an RWMutex. It implements
// logic.Sink and platform.Observer.
type Tracker struct {
	now func() time.Time

	mu            sync.RWMutex
	start         time.Time
	cfg           Config
	ready         bool
	mqttConnected bool
	accs          map[string]*AccessorySnapshot
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		now:   time.Now,
		start: startTime,
		cfg:   cfg,
		accs:  make(map[string]*AccessorySnapshot),
	}
}

// Track seeds the tracker with a's current state.
func (t *Tracker) Track(a Accessory) {
	info := a.Info()
	snap := &AccessorySnapshot{
		ID:        a.ID(),
		Name:      info.Name,
		Kind:      info.Kind,
		Profile:   a.Profile(),
		Reachable: a.Reachable(),
		Fields:    a.Fields(),
		State:     a.State(),
	}
	t.mu.Lock()
	t.accs[snap.ID] = snap
	t.mu.Unlock()
}

// AccessoryAdded implements platform.Observer.
func (t *Tracker) AccessoryAdded(a *platform.Accessory) { t.Track(a) }

// ReachabilityChanged implements platform.Observer.
func (t *Tracker) ReachabilityChanged(a *platform.Accessory, reachable bool) {
	t.SetReachable(a.ID(), reachable)
}

// SetReachable records the reachability of the accessory with id.
func (t *Tracker) SetReachable(id string, reachable bool) {
	t.mu.Lock()
	if a, ok := t.accs[id]; ok {
		a.Reachable = reachable
	}
	t.mu.Unlock()
}

// Notify implements logic.Sink. Updates for untracked accessories are
// dropped; Track seeds from the accessory's state instead.
func (t *Tracker) Notify(u logic.Update) {
	now := t.now()
	t.mu.Lock()
	if a, ok := t.accs[u.AccessoryID]; ok {
		a.State.Apply(u)
		a.Updates++
		a.LastUpdate = now
	}
	t.mu.Unlock()
}

// SetReady marks the startup discovery window as finished.
func (t *Tracker) SetReady() {
	t.mu.Lock()
	t.ready = true
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.mqttConnected = connected
	t.mu.Unlock()
}

// Accessory returns the snapshot of one accessory.
func (t *Tracker) Accessory(id string) (AccessorySnapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	a, ok := t.accs[id]
	if !ok {
		return AccessorySnapshot{}, false
	}
	return copyAccessory(a), true
}

// Snapshot returns a point-in-time copy of the bridge state with
// accessories sorted by name, then id.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := Snapshot{
		Ready:         t.ready,
		StartTime:     t.start,
		MQTTConnected: t.mqttConnected,
		Config:        t.cfg,
		Accessories:   make([]AccessorySnapshot, 0, len(t.accs)),
	}
	for _, a := range t.accs {
		s.Accessories = append(s.Accessories, copyAccessory(a))
	}
	t.mu.RUnlock()

	sort.Slice(s.Accessories, func(i, j int) bool {
		a, b := s.Accessories[i], s.Accessories[j]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.ID < b.ID
	})
	s.Now = t.now()
	return s
}

func copyAccessory(a *AccessorySnapshot) AccessorySnapshot {
	c := *a
	c.Fields = append([]logic.Field(nil), a.Fields...)
	return c
}
