package logic

import (
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/wemo-bridge/internal/device"
)

// handler is the per-profile behaviour of a Reconciler. It is looked up once
// at construction.
type handler struct {
	event      func(r *Reconciler, ev device.Event)
	initialize func(r *Reconciler)
	setOn      func(r *Reconciler, on bool, reply func(error))

	// nil when the profile has no such characteristic.
	sendBrightness       func(r *Reconciler, pct int, done func(error))
	sendColorTemperature func(r *Reconciler, mired int, done func(error))
}

var handlers = map[Profile]handler{
	ProfileSwitch: {
		event:      (*Reconciler).binaryStateEvent,
		initialize: (*Reconciler).initBinaryState,
		setOn:      (*Reconciler).setBinaryState,
	},
	ProfileOutlet: {
		event:      (*Reconciler).outletEvent,
		initialize: (*Reconciler).initBinaryState,
		setOn:      (*Reconciler).setBinaryState,
	},
	ProfileMotion: {
		event:      (*Reconciler).motionEvent,
		initialize: (*Reconciler).initMotion,
		setOn:      (*Reconciler).unsupported,
	},
	ProfileGarageDoor: {
		event:      (*Reconciler).doorEvent,
		initialize: (*Reconciler).initDoor,
		setOn:      (*Reconciler).unsupported,
	},
	ProfileMakerSwitch: {
		event:      (*Reconciler).makerSwitchEvent,
		initialize: (*Reconciler).initMakerSwitch,
		setOn:      (*Reconciler).setBinaryState,
	},
	ProfileDimmer: {
		event:          (*Reconciler).dimmerEvent,
		initialize:     (*Reconciler).initBinaryState,
		setOn:          (*Reconciler).setBinaryState,
		sendBrightness: (*Reconciler).sendDimmerBrightness,
	},
	ProfileBulb: {
		event:                (*Reconciler).bulbEvent,
		initialize:           (*Reconciler).initBulb,
		setOn:                (*Reconciler).setBulbOn,
		sendBrightness:       (*Reconciler).sendBulbBrightness,
		sendColorTemperature: (*Reconciler).sendBulbColorTemperature,
	},
}

// pendingSet coalesces rapid set requests for one field. Only the latest
// value is sent when the debounce window closes; every coalesced caller gets
// the result of that single command.
type pendingSet struct {
	timer   *Timeout
	value   int
	replies []func(error)
}

func (p *pendingSet) request(d time.Duration, v int, reply func(error), send func(int, func(error))) {
	p.value = v
	p.replies = append(p.replies, reply)
	p.timer.Start(d, func() {
		value, replies := p.value, p.replies
		p.replies = nil
		send(value, func(err error) {
			for _, r := range replies {
				replyTo(r, err)
			}
		})
	})
}

func (p *pendingSet) cancel(err error) {
	p.timer.Cancel()
	replies := p.replies
	p.replies = nil
	for _, r := range replies {
		replyTo(r, err)
	}
}

// Reconciler keeps one accessory's host-visible state in line with its
// device. It consumes device events, suppressing echoes of its own commands,
// and turns host set requests into device commands.
//
// A Reconciler is not safe for concurrent use. Every method, every Commander
// continuation and every Scheduler callback must run on the accessory's
// event loop.
type Reconciler struct {
	info    device.Info
	attrs   device.Attributes
	profile Profile
	h       handler
	cfg     Config
	cmd     Commander
	log     zerolog.Logger

	emit   *Emitter
	caps   *CapabilityStore
	motion *MotionDebouncer
	door   *DoorStateMachine
	power  *PowerSampleAggregator

	on         bool
	brightness pendingSet
	colorTemp  pendingSet
	closed     bool

	// gen is bumped by Close so that commands still in flight complete
	// without touching state.
	gen uint64
}

// NewReconciler creates the reconciler for one device. attrs is only
// consulted for a Maker.
func NewReconciler(info device.Info, attrs device.Attributes, cfg Config, cmd Commander, sched Scheduler, sink Sink, log zerolog.Logger) *Reconciler {
	profile := ProfileFor(info.Kind, attrs)
	log = log.With().Str("accessory", info.ID).Str("profile", profile.String()).Logger()
	emit := NewEmitter(info.ID, sink)
	h, ok := handlers[profile]
	if !ok {
		h = handler{setOn: (*Reconciler).unsupported}
	}

	r := &Reconciler{
		info:       info,
		attrs:      attrs,
		profile:    profile,
		h:          h,
		cfg:        cfg,
		cmd:        cmd,
		log:        log,
		emit:       emit,
		brightness: pendingSet{timer: NewTimeout(sched)},
		colorTemp:  pendingSet{timer: NewTimeout(sched)},
	}

	switch profile {
	case ProfileBulb:
		r.caps = NewCapabilityStore()
	case ProfileMotion:
		r.motion = NewMotionDebouncer(cfg.NoMotion, sched, emit, log)
	case ProfileGarageDoor:
		r.door = NewDoorStateMachine(cfg, cmd, sched, emit, attrs, log)
	case ProfileOutlet:
		r.power = NewPowerSampleAggregator(emit, log)
	}
	return r
}

// Info returns the device description.
func (r *Reconciler) Info() device.Info { return r.info }

// UpdateInfo replaces the device description after rediscovery. The profile
// is kept.
func (r *Reconciler) UpdateInfo(info device.Info) {
	info.ID = r.info.ID
	info.Kind = r.info.Kind
	r.info = info
}

// Profile returns the accessory profile.
func (r *Reconciler) Profile() Profile { return r.profile }

// Fields lists the host-visible fields of the accessory.
func (r *Reconciler) Fields() []Field { return r.profile.Fields(r.info, r.attrs) }

// State returns the last values notified to the host.
func (r *Reconciler) State() AccessoryState { return r.emit.State() }

// Capabilities returns a copy of a bulb's recorded capability values.
func (r *Reconciler) Capabilities() map[string]string {
	if r.caps == nil {
		return nil
	}
	return r.caps.Snapshot()
}

// Initialize publishes the starting state. Bulbs query their capabilities
// because the values reported at discovery are unreliable.
func (r *Reconciler) Initialize() {
	if r.h.initialize != nil {
		r.h.initialize(r)
	}
}

// HandleEvent processes one device push event.
func (r *Reconciler) HandleEvent(ev device.Event) {
	if r.closed {
		return
	}
	if ev.Kind == device.EventError {
		r.log.Warn().Str("code", ev.ErrCode).Msg("device reported error")
		return
	}
	if r.h.event != nil {
		r.h.event(r, ev)
	}
}

// SetOn handles a host request to switch the accessory on or off.
func (r *Reconciler) SetOn(on bool, reply func(error)) {
	if r.closed {
		replyTo(reply, device.ErrNotAvailable)
		return
	}
	r.h.setOn(r, on, reply)
}

// SetBrightness handles a host brightness request in percent. Requests are
// debounced.
func (r *Reconciler) SetBrightness(pct int, reply func(error)) {
	if r.closed {
		replyTo(reply, device.ErrNotAvailable)
		return
	}
	if r.h.sendBrightness == nil {
		replyTo(reply, device.ErrUnsupported)
		return
	}
	pct = clamp(pct, 0, 100)
	r.brightness.request(r.cfg.SetDebounce, pct, reply, func(v int, done func(error)) {
		r.h.sendBrightness(r, v, done)
	})
}

// SetColorTemperature handles a host colour temperature request in mired.
// Requests are debounced.
func (r *Reconciler) SetColorTemperature(mired int, reply func(error)) {
	if r.closed {
		replyTo(reply, device.ErrNotAvailable)
		return
	}
	if r.h.sendColorTemperature == nil {
		replyTo(reply, device.ErrUnsupported)
		return
	}
	mired = ClampMired(mired)
	r.colorTemp.request(r.cfg.SetDebounce, mired, reply, func(v int, done func(error)) {
		r.h.sendColorTemperature(r, v, done)
	})
}

// SetTargetDoorState handles a host garage door request.
func (r *Reconciler) SetTargetDoorState(t TargetDoorState, reply func(error)) {
	if r.closed {
		replyTo(reply, device.ErrNotAvailable)
		return
	}
	if r.door == nil {
		replyTo(reply, device.ErrUnsupported)
		return
	}
	r.door.RequestTarget(t, reply)
}

// Door returns the garage door state machine, or nil.
func (r *Reconciler) Door() *DoorStateMachine { return r.door }

// Close cancels every timer. Pending debounced sets fail with
// device.ErrNotAvailable.
func (r *Reconciler) Close() {
	if r.closed {
		return
	}
	r.closed = true
	r.gen++
	r.brightness.cancel(device.ErrNotAvailable)
	r.colorTemp.cancel(device.ErrNotAvailable)
	if r.motion != nil {
		r.motion.Stop()
	}
	if r.door != nil {
		r.door.Stop()
	}
}

// Reopen allows a closed reconciler to process events again after the
// device becomes reachable.
func (r *Reconciler) Reopen() {
	r.closed = false
}

// stale reports whether the accessory was closed after a command was
// issued under gen.
func (r *Reconciler) stale(gen uint64, what string) bool {
	if gen == r.gen {
		return false
	}
	r.log.Debug().Str("command", what).Msg("command completed after teardown, ignored")
	return true
}

func (r *Reconciler) applyOn(on bool) {
	r.on = on
	r.emit.Set(FieldOn, on)
}

func (r *Reconciler) unsupported(_ bool, reply func(error)) {
	replyTo(reply, device.ErrUnsupported)
}

func (r *Reconciler) setBinaryState(on bool, reply func(error)) {
	if r.on == on {
		r.log.Debug().Bool("on", on).Msg("set ignored, already in requested state")
		r.emit.Expect(FieldOn, on)
		replyTo(reply, nil)
		return
	}
	restore := r.emit.Expect(FieldOn, on)
	gen := r.gen
	r.cmd.SetBinaryState(on, func(err error) {
		if r.stale(gen, "binary state") {
			replyTo(reply, device.ErrNotAvailable)
			return
		}
		if err != nil {
			r.log.Warn().Err(err).Bool("on", on).Msg("set binary state failed")
			restore()
			replyTo(reply, err)
			return
		}
		r.log.Info().Bool("on", on).Msg("switched")
		r.on = on
		if !on && r.power != nil {
			r.power.PowerOff()
		}
		replyTo(reply, nil)
	})
}

func (r *Reconciler) binaryStateEvent(ev device.Event) {
	if ev.Kind == device.EventBinaryState {
		r.applyOn(ev.On)
	}
}

func (r *Reconciler) outletEvent(ev device.Event) {
	switch ev.Kind {
	case device.EventBinaryState:
		r.applyOn(ev.On)
		if !ev.On {
			r.power.PowerOff()
		}
	case device.EventPowerSample:
		r.power.Process(ev.Sample)
	}
}

func (r *Reconciler) motionEvent(ev device.Event) {
	if ev.Kind == device.EventBinaryState {
		r.motion.OnRawMotion(ev.On)
	}
}

func (r *Reconciler) doorEvent(ev device.Event) {
	if ev.Kind != device.EventAttribute {
		return
	}
	switch ev.Name {
	case device.AttrSwitch:
		r.door.OnSwitch(ev.AttrValue)
	case device.AttrSensor:
		r.door.OnSensor(ev.AttrValue)
	case device.AttrSwitchMode:
		if ev.AttrValue != device.SwitchModeMomentary {
			r.log.Warn().Msg("maker switch mode changed, restart to apply")
		}
	}
}

func (r *Reconciler) makerSwitchEvent(ev device.Event) {
	switch ev.Kind {
	case device.EventBinaryState:
		r.applyOn(ev.On)
	case device.EventAttribute:
		switch ev.Name {
		case device.AttrSwitch:
			r.applyOn(ev.AttrValue == 1)
		case device.AttrSensor:
			if r.attrs.SensorPresent {
				r.emit.Set(FieldContactDetected, ev.AttrValue == 1)
			}
		case device.AttrSwitchMode:
			if ev.AttrValue != device.SwitchModeToggle {
				r.log.Warn().Msg("maker switch mode changed, restart to apply")
			}
		}
	}
}

func (r *Reconciler) dimmerEvent(ev device.Event) {
	switch ev.Kind {
	case device.EventBinaryState:
		r.applyOn(ev.On)
	case device.EventCapability:
		if ev.Code != device.CapDimmerBrightness {
			return
		}
		pct, err := strconv.Atoi(strings.TrimSpace(ev.Value))
		if err != nil {
			r.log.Warn().Str("value", ev.Value).Msg("malformed dimmer brightness")
			return
		}
		r.emit.Set(FieldBrightness, clamp(pct, 0, 100))
	}
}

func (r *Reconciler) sendDimmerBrightness(pct int, done func(error)) {
	restore := r.emit.Expect(FieldBrightness, pct)
	gen := r.gen
	r.cmd.SetCapability(device.CapDimmerBrightness, strconv.Itoa(pct), func(err error) {
		if r.stale(gen, "dimmer brightness") {
			done(device.ErrNotAvailable)
			return
		}
		if err != nil {
			r.log.Warn().Err(err).Int("brightness", pct).Msg("set brightness failed")
			restore()
		}
		done(err)
	})
}

func (r *Reconciler) bulbEvent(ev device.Event) {
	if ev.Kind != device.EventCapability {
		return
	}
	// A bridge delivers every bulb's changes to every subscriber.
	if ev.DeviceID != "" && ev.DeviceID != r.info.ID {
		return
	}
	if r.caps.Observe(ev.Code, ev.Value) == Echo {
		r.log.Debug().Str("code", ev.Code).Str("value", ev.Value).Msg("capability echo ignored")
		return
	}

	switch ev.Code {
	case device.CapOnOff:
		r.applyOn(ParseOnOff(ev.Value))
	case device.CapBrightness:
		level, ok := ParseLevel(ev.Value)
		if !ok {
			r.log.Warn().Str("value", ev.Value).Msg("malformed brightness")
			return
		}
		pct := DeviceToHostBrightness(level)
		// Setting the level also switches a bulb on. The device may or may
		// not echo the power change separately.
		if !r.on {
			r.caps.Expect(device.CapOnOff, "1")
			r.applyOn(true)
		}
		r.emit.Set(FieldBrightness, pct)
	case device.CapColorTemperature:
		level, ok := ParseLevel(ev.Value)
		if !ok {
			r.log.Warn().Str("value", ev.Value).Msg("malformed colour temperature")
			return
		}
		mired := ClampMired(level)
		r.log.Debug().Int("mired", mired).Int("kelvin", MiredToKelvin(mired)).Msg("colour temperature")
		r.emit.Set(FieldColorTemperature, mired)
	default:
		r.log.Info().Str("code", ev.Code).Str("value", ev.Value).Msg("capability not implemented")
	}
}

func (r *Reconciler) setBulbOn(on bool, reply func(error)) {
	if r.on == on {
		r.emit.Expect(FieldOn, on)
		replyTo(reply, nil)
		return
	}
	value := "0"
	if on {
		value = "1"
	}
	restoreCap := r.caps.Expect(device.CapOnOff, value)
	restoreHost := r.emit.Expect(FieldOn, on)
	gen := r.gen
	r.cmd.SetCapability(device.CapOnOff, value, func(err error) {
		if r.stale(gen, "bulb state") {
			replyTo(reply, device.ErrNotAvailable)
			return
		}
		if err != nil {
			r.log.Warn().Err(err).Bool("on", on).Msg("set bulb state failed")
			restoreCap()
			restoreHost()
			replyTo(reply, err)
			return
		}
		r.log.Info().Bool("on", on).Msg("switched")
		r.on = on
		replyTo(reply, nil)
	})
}

func (r *Reconciler) sendBulbBrightness(pct int, done func(error)) {
	value := FormatLevel(HostToDeviceBrightness(pct))
	restoreLevel := r.caps.Expect(device.CapBrightness, value)
	restoreOn := func() {}
	if !r.on {
		restoreOn = r.caps.Expect(device.CapOnOff, "1")
	}
	restoreHost := r.emit.Expect(FieldBrightness, pct)

	gen := r.gen
	r.cmd.SetCapability(device.CapBrightness, value, func(err error) {
		if r.stale(gen, "bulb brightness") {
			done(device.ErrNotAvailable)
			return
		}
		if err != nil {
			r.log.Warn().Err(err).Int("brightness", pct).Msg("set bulb brightness failed")
			restoreLevel()
			restoreOn()
			restoreHost()
			done(err)
			return
		}
		r.log.Info().Int("brightness", pct).Msg("brightness set")
		if !r.on {
			r.applyOn(true)
		}
		done(nil)
	})
}

func (r *Reconciler) sendBulbColorTemperature(mired int, done func(error)) {
	value := FormatLevel(mired)
	restoreCap := r.caps.Expect(device.CapColorTemperature, value)
	restoreHost := r.emit.Expect(FieldColorTemperature, mired)
	gen := r.gen
	r.cmd.SetCapability(device.CapColorTemperature, value, func(err error) {
		if r.stale(gen, "colour temperature") {
			done(device.ErrNotAvailable)
			return
		}
		if err != nil {
			r.log.Warn().Err(err).Int("mired", mired).Msg("set colour temperature failed")
			restoreCap()
			restoreHost()
			done(err)
			return
		}
		r.log.Info().Int("mired", mired).Int("kelvin", MiredToKelvin(mired)).Msg("colour temperature set")
		done(nil)
	})
}

func (r *Reconciler) initBinaryState() {
	on, ok := parseBinaryState(r.info.BinaryState)
	if !ok {
		return
	}
	r.applyOn(on)
	if !on && r.power != nil {
		r.power.PowerOff()
	}
}

func (r *Reconciler) initMotion() {
	if on, ok := parseBinaryState(r.info.BinaryState); ok {
		r.motion.OnRawMotion(on)
	}
}

func (r *Reconciler) initDoor() {
	r.door.Publish()
	r.door.Resync()
}

func (r *Reconciler) initMakerSwitch() {
	r.applyOn(r.attrs.Switch == 1)
	if r.attrs.SensorPresent {
		r.emit.Set(FieldContactDetected, r.attrs.Sensor == 1)
	}
}

func (r *Reconciler) initBulb() {
	gen := r.gen
	r.cmd.QueryCapabilities(func(caps map[string]string, err error) {
		if r.stale(gen, "bulb status") {
			return
		}
		if err != nil {
			r.log.Warn().Err(err).Msg("bulb status query failed")
			return
		}
		onOff := caps[device.CapOnOff]
		r.caps.Observe(device.CapOnOff, onOff)
		if onOff == "" {
			// No data means the bulb has no power at the wall.
			r.log.Info().Msg("bulb reported no status, treating as off")
			r.applyOn(false)
			return
		}
		r.applyOn(ParseOnOff(onOff))
		r.log.Info().Bool("on", r.on).Msg("bulb status")

		if raw, ok := caps[device.CapBrightness]; ok {
			r.caps.Observe(device.CapBrightness, raw)
			if level, ok := ParseLevel(raw); ok {
				r.emit.Set(FieldBrightness, DeviceToHostBrightness(level))
			}
		}
		if raw, ok := caps[device.CapColorTemperature]; ok {
			r.caps.Observe(device.CapColorTemperature, raw)
			if level, ok := ParseLevel(raw); ok {
				r.emit.Set(FieldColorTemperature, ClampMired(level))
			}
		}
	})
}

// parseBinaryState reads the first field of a BinaryState value such as
// "1" or the Insight form "8|1612345678|...". Any non-zero state is on.
func parseBinaryState(raw string) (bool, bool) {
	head, _, _ := strings.Cut(raw, "|")
	n, err := strconv.Atoi(strings.TrimSpace(head))
	if err != nil {
		return false, false
	}
	return n > 0, true
}
