// Package homekit exposes platform accessories as a HomeKit bridge. Host set
// requests block until the device confirms or the request times out; device
// changes arrive as logic updates and are pushed to paired controllers.
package homekit

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/brutella/hap"
	"github.com/brutella/hap/accessory"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sweeney/wemo-bridge/internal/device"
	"github.com/sweeney/wemo-bridge/internal/logic"
	"github.com/sweeney/wemo-bridge/internal/platform"
)

var errInvalidValue = errors.New("invalid characteristic value")

// namespace seeds stable accessory ids derived from device ids.
var namespace = uuid.MustParse("6f1c7b9e-3d2a-4c55-9a0e-7b1e5a2f8c41")

// Accessory is the view of a platform accessory the bridge needs.
type Accessory interface {
	ID() string
	Info() device.Info
	Profile() logic.Profile
	Fields() []logic.Field
	State() logic.AccessoryState
	Reachable() bool
	SetOn(ctx context.Context, on bool) error
	SetBrightness(ctx context.Context, pct int) error
	SetColorTemperature(ctx context.Context, mired int) error
	SetTargetDoorState(ctx context.Context, t logic.TargetDoorState) error
}

// Config configures the HAP server.
type Config struct {
	Name     string
	Pin      string
	Addr     string
	StoreDir string
}

type binding struct {
	acc   Accessory
	a     *accessory.A
	slots map[logic.Field]*slot

	// mu guards reachable and slot values. It is never held while a
	// characteristic is updated, so HAP reads cannot deadlock.
	mu        sync.Mutex
	reachable bool
}

// Bridge holds the HAP accessories. It implements logic.Sink and
// platform.Observer.
type Bridge struct {
	cfg  Config
	log  zerolog.Logger
	root *accessory.Bridge

	mu       sync.Mutex
	bindings map[string]*binding
}

// NewBridge creates an empty bridge.
func NewBridge(cfg Config, log zerolog.Logger) *Bridge {
	if cfg.Name == "" {
		cfg.Name = "WeMo Bridge"
	}
	root := accessory.NewBridge(accessory.Info{
		Name:         cfg.Name,
		SerialNumber: "wemo-bridge",
		Manufacturer: "sweeney",
		Model:        "wemo-bridge",
	})
	root.A.Id = 1
	return &Bridge{
		cfg:      cfg,
		log:      log.With().Str("component", "homekit").Logger(),
		root:     root,
		bindings: make(map[string]*binding),
	}
}

// AccessoryID returns the stable HAP id for a device id.
func AccessoryID(deviceID string) uint64 {
	u := uuid.NewSHA1(namespace, []byte(deviceID))
	id := binary.BigEndian.Uint64(u[:8])
	if id <= 1 {
		id += 2
	}
	return id
}

// Add creates the HAP accessory for acc and seeds it with the current state.
func (b *Bridge) Add(acc Accessory) {
	bd := b.build(acc, AccessoryID(acc.ID()))
	state := acc.State()
	reachable := acc.Reachable()

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.bindings[acc.ID()]; ok {
		return
	}
	bd.reachable = reachable
	for f := range bd.slots {
		bd.apply(f, stateValue(state, f))
	}
	b.bindings[acc.ID()] = bd
	b.log.Debug().Str("id", acc.ID()).Str("profile", acc.Profile().String()).Msg("accessory added")
}

// AccessoryAdded implements platform.Observer.
func (b *Bridge) AccessoryAdded(a *platform.Accessory) {
	b.Add(a)
}

// ReachabilityChanged implements platform.Observer. Reads of an
// unreachable accessory fail with a communication error.
func (b *Bridge) ReachabilityChanged(a *platform.Accessory, reachable bool) {
	b.SetReachable(a.ID(), reachable)
}

// SetReachable records the reachability of the accessory with id.
func (b *Bridge) SetReachable(id string, reachable bool) {
	b.mu.Lock()
	bd, ok := b.bindings[id]
	b.mu.Unlock()
	if !ok {
		return
	}
	bd.mu.Lock()
	bd.reachable = reachable
	bd.mu.Unlock()
}

// Notify implements logic.Sink. Echoes and updates for accessories not yet
// added are dropped; Add seeds from the accessory's state instead.
func (b *Bridge) Notify(u logic.Update) {
	if u.Echo {
		return
	}
	b.mu.Lock()
	bd, ok := b.bindings[u.AccessoryID]
	b.mu.Unlock()
	if !ok {
		return
	}
	if _, ok := bd.slots[u.Field]; !ok {
		return
	}
	bd.apply(u.Field, u.Value)
}

// Value returns the value last pushed to HomeKit for a field.
func (b *Bridge) Value(id string, f logic.Field) (any, bool) {
	b.mu.Lock()
	bd, ok := b.bindings[id]
	b.mu.Unlock()
	if !ok {
		return nil, false
	}
	sl, ok := bd.slots[f]
	if !ok {
		return nil, false
	}
	bd.mu.Lock()
	defer bd.mu.Unlock()
	return sl.value, true
}

// Accessories returns the HAP accessories sorted by id.
func (b *Bridge) Accessories() []*accessory.A {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*accessory.A, 0, len(b.bindings))
	for _, bd := range b.bindings {
		out = append(out, bd.a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Id < out[j].Id })
	return out
}

// Serve runs the HAP server until ctx is done.
func (b *Bridge) Serve(ctx context.Context) error {
	store := hap.NewFsStore(b.cfg.StoreDir)
	accs := b.Accessories()
	server, err := hap.NewServer(store, b.root.A, accs...)
	if err != nil {
		return fmt.Errorf("create hap server: %w", err)
	}
	server.Pin = b.cfg.Pin
	server.Addr = b.cfg.Addr

	b.log.Info().Str("addr", b.cfg.Addr).Int("accessories", len(accs)).Msg("hap server starting")
	if err := server.ListenAndServe(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		return fmt.Errorf("hap server: %w", err)
	}
	return nil
}

// apply stores and publishes a field value.
func (bd *binding) apply(f logic.Field, v any) {
	hv, ok := hapValue(f, v)
	if !ok {
		return
	}
	sl := bd.slots[f]
	bd.mu.Lock()
	if sl.value == hv {
		bd.mu.Unlock()
		return
	}
	sl.value = hv
	bd.mu.Unlock()
	sl.set(hv)
}

func (bd *binding) read(sl *slot) (interface{}, int) {
	bd.mu.Lock()
	defer bd.mu.Unlock()
	if !bd.reachable {
		return sl.value, statusCommunicationFailure
	}
	return sl.value, statusSuccess
}

// setter adapts a blocking accessory call to a HAP write handler. fn
// returns the normalised value the controller now holds.
func (b *Bridge) setter(bd *binding, f logic.Field, fn func(ctx context.Context, v any) (any, error)) func(interface{}, *http.Request) (interface{}, int) {
	return func(v interface{}, r *http.Request) (interface{}, int) {
		ctx := context.Background()
		if r != nil {
			ctx = r.Context()
		}
		hv, err := fn(ctx, v)
		if err != nil {
			b.log.Warn().Err(err).Str("id", bd.acc.ID()).Interface("value", v).Msg("set request failed")
			return nil, statusFor(err)
		}
		bd.mu.Lock()
		bd.slots[f].value = hv
		bd.mu.Unlock()
		return nil, statusSuccess
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errInvalidValue):
		return statusInvalidValue
	case errors.Is(err, platform.ErrTimeout):
		return statusTimedOut
	}
	return statusCommunicationFailure
}

// hapValue converts a logic value to the characteristic's representation.
func hapValue(f logic.Field, v any) (any, bool) {
	switch f {
	case logic.FieldOn, logic.FieldInUse, logic.FieldMotionDetected:
		b, ok := v.(bool)
		return b, ok
	case logic.FieldBrightness, logic.FieldColorTemperature:
		n, ok := v.(int)
		return n, ok
	case logic.FieldPowerWatts:
		w, ok := v.(float64)
		return w, ok
	case logic.FieldTotalConsumptionWh:
		wh, ok := v.(float64)
		return wh / 1000, ok
	case logic.FieldContactDetected:
		detected, ok := v.(bool)
		if !ok {
			return nil, false
		}
		if detected {
			return 0, true
		}
		return 1, true
	case logic.FieldCurrentDoorState:
		s, ok := v.(logic.DoorState)
		return int(s), ok
	case logic.FieldTargetDoorState:
		t, ok := v.(logic.TargetDoorState)
		return int(t), ok
	}
	return nil, false
}

func stateValue(s logic.AccessoryState, f logic.Field) any {
	if f == logic.FieldColorTemperature && s.ColorTemperature == 0 {
		return logic.MinMired
	}
	return s.Value(f)
}
