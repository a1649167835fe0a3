package platform

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/wemo-bridge/internal/device"
	"github.com/sweeney/wemo-bridge/internal/logic"
)

var (
	// ErrTimeout is returned by a host set request the device did not
	// answer in time.
	ErrTimeout = errors.New("accessory request timed out")

	// ErrUnknownAccessory is returned for an id the platform does not hold.
	ErrUnknownAccessory = errors.New("unknown accessory")
)

// Accessory is one host-visible device. Its reconciler, subscription and
// timers live on a private Loop; the exported methods are safe for
// concurrent use.
type Accessory struct {
	id             string
	profile        logic.Profile
	fields         []logic.Field
	attrs          device.Attributes
	requestTimeout time.Duration
	log            zerolog.Logger

	loop *Loop
	cmd  *linkCommander
	rec  *logic.Reconciler

	gen       atomic.Uint64
	reachable atomic.Bool
	onReach   func(a *Accessory, reachable bool)

	// loop-owned
	sub  device.Subscription
	info device.Info
}

type accessoryConfig struct {
	logic          logic.Config
	commandTimeout time.Duration
	requestTimeout time.Duration
	sink           logic.Sink
	onReach        func(a *Accessory, reachable bool)
	log            zerolog.Logger
}

func newAccessory(info device.Info, attrs device.Attributes, cfg accessoryConfig) *Accessory {
	loop := NewLoop()
	cmd := &linkCommander{loop: loop, timeout: cfg.commandTimeout}
	rec := logic.NewReconciler(info, attrs, cfg.logic, cmd, loopScheduler{loop: loop}, cfg.sink, cfg.log)
	a := &Accessory{
		id:             info.ID,
		profile:        rec.Profile(),
		fields:         rec.Fields(),
		attrs:          attrs,
		requestTimeout: cfg.requestTimeout,
		log:            cfg.log.With().Str("accessory", info.Name).Str("id", info.ID).Logger(),
		loop:           loop,
		cmd:            cmd,
		rec:            rec,
		onReach:        cfg.onReach,
		info:           info,
	}
	return a
}

// ID returns the accessory id.
func (a *Accessory) ID() string { return a.id }

// Profile returns the host-facing profile.
func (a *Accessory) Profile() logic.Profile { return a.profile }

// Fields lists the host-visible fields.
func (a *Accessory) Fields() []logic.Field { return a.fields }

// Attributes returns the Maker attributes the profile was chosen from.
func (a *Accessory) Attributes() device.Attributes { return a.attrs }

// Reachable reports whether the device currently has a live binding.
func (a *Accessory) Reachable() bool { return a.reachable.Load() }

// Info returns the latest device description.
func (a *Accessory) Info() device.Info {
	var info device.Info
	if !a.loop.Do(func() { info = a.info }) {
		return a.rec.Info()
	}
	return info
}

// State returns the values last notified to the host.
func (a *Accessory) State() logic.AccessoryState {
	var s logic.AccessoryState
	a.loop.Do(func() { s = a.rec.State() })
	return s
}

// Post runs fn on the accessory loop.
func (a *Accessory) Post(fn func()) bool {
	return a.loop.Post(fn)
}

// Inject delivers an event from a local source, such as a wired contact
// sensor, as if the device had sent it.
func (a *Accessory) Inject(ev device.Event) bool {
	return a.loop.Post(func() { a.rec.HandleEvent(ev) })
}

// Rebind attaches the accessory to a freshly discovered link. The previous
// subscription is closed, events from it are dropped, and the accessory is
// marked reachable and re-initialised.
func (a *Accessory) Rebind(ctx context.Context, info device.Info, link device.Link) error {
	gen := a.gen.Add(1)
	sub, err := link.Subscribe(ctx, func(ev device.Event) {
		a.loop.Post(func() {
			if a.gen.Load() != gen {
				return
			}
			a.rec.HandleEvent(ev)
		})
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", a.id, err)
	}

	var old device.Subscription
	stale := true
	ok := a.loop.Do(func() {
		if a.gen.Load() != gen {
			return
		}
		stale = false
		old, a.sub = a.sub, sub
		a.info = info
		a.rec.UpdateInfo(info)
		a.cmd.setLink(link)
		a.rec.Reopen()
		a.rec.Initialize()
	})
	if !ok || stale {
		sub.Close()
		if !ok {
			return fmt.Errorf("rebind %s: %w", a.id, device.ErrNotAvailable)
		}
		return nil
	}
	if old != nil {
		if err := old.Close(); err != nil {
			a.log.Debug().Err(err).Msg("closing previous subscription")
		}
	}
	a.setReachable(true)
	return nil
}

// MarkUnreachable drops the binding. Pending sets fail, timers stop, and
// host requests are refused until the next Rebind.
func (a *Accessory) MarkUnreachable() {
	a.gen.Add(1)
	var old device.Subscription
	a.loop.Do(func() {
		old, a.sub = a.sub, nil
		a.cmd.setLink(nil)
		a.rec.Close()
	})
	if old != nil {
		if err := old.Close(); err != nil {
			a.log.Debug().Err(err).Msg("closing subscription")
		}
	}
	a.setReachable(false)
}

func (a *Accessory) setReachable(ok bool) {
	if a.reachable.Swap(ok) == ok {
		return
	}
	if ok {
		a.log.Info().Msg("accessory reachable")
	} else {
		a.log.Warn().Msg("accessory unreachable")
	}
	if a.onReach != nil {
		a.onReach(a, ok)
	}
}

// Close tears the accessory down and stops its loop.
func (a *Accessory) Close() {
	a.gen.Add(1)
	var old device.Subscription
	a.loop.Close(func() {
		old, a.sub = a.sub, nil
		a.rec.Close()
	})
	if old != nil {
		old.Close()
	}
}

// SetOn switches the accessory and waits for the device to confirm.
func (a *Accessory) SetOn(ctx context.Context, on bool) error {
	return a.await(ctx, func(reply func(error)) { a.rec.SetOn(on, reply) })
}

// SetBrightness sets brightness in percent.
func (a *Accessory) SetBrightness(ctx context.Context, pct int) error {
	return a.await(ctx, func(reply func(error)) { a.rec.SetBrightness(pct, reply) })
}

// SetColorTemperature sets colour temperature in mired.
func (a *Accessory) SetColorTemperature(ctx context.Context, mired int) error {
	return a.await(ctx, func(reply func(error)) { a.rec.SetColorTemperature(mired, reply) })
}

// SetTargetDoorState requests a garage door position.
func (a *Accessory) SetTargetDoorState(ctx context.Context, t logic.TargetDoorState) error {
	return a.await(ctx, func(reply func(error)) { a.rec.SetTargetDoorState(t, reply) })
}

func (a *Accessory) await(ctx context.Context, fn func(reply func(error))) error {
	ctx, cancel := context.WithTimeout(ctx, a.requestTimeout)
	defer cancel()

	result := make(chan error, 1)
	reply := func(err error) {
		select {
		case result <- err:
		default:
		}
	}
	if !a.loop.Post(func() { fn(reply) }) {
		return fmt.Errorf("%s: %w", a.id, device.ErrNotAvailable)
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", a.id, ErrTimeout)
	}
}
