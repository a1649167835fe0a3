package logic

import (
	"github.com/rs/zerolog"

	"github.com/sweeney/wemo-bridge/internal/device"
)

// DoorStateMachine models a garage door driven by a momentary relay, with an
// optional contact sensor that reports whether the door is fully closed.
//
// Whether a sensor is present is fixed when the machine is created. Without
// a sensor the current state is only ever inferred from the moving timer.
type DoorStateMachine struct {
	cfg  Config
	cmd  Commander
	emit *Emitter
	log  zerolog.Logger

	sensorPresent bool

	current DoorState
	target  TargetDoorState

	isMoving     bool
	movingTarget TargetDoorState

	// homekitTriggered marks a relay pulse sent on behalf of the host whose
	// Switch=1 echo has not been seen yet.
	homekitTriggered bool

	moving *Timeout
	flip   *Timeout

	// gen is bumped by Stop. Continuations of commands issued under an
	// older gen are dropped.
	gen uint64
	// stale is set by Stop until Resync has brought the state back in line
	// with the device.
	stale bool
}

// NewDoorStateMachine creates a door from the Maker attributes read at
// discovery time.
func NewDoorStateMachine(cfg Config, cmd Commander, sched Scheduler, emit *Emitter, attrs device.Attributes, log zerolog.Logger) *DoorStateMachine {
	d := &DoorStateMachine{
		cfg:           cfg,
		cmd:           cmd,
		emit:          emit,
		log:           log,
		sensorPresent: attrs.SensorPresent,
		current:       DoorClosed,
		target:        TargetClosed,
		moving:        NewTimeout(sched),
		flip:          NewTimeout(sched),
	}
	if d.sensorPresent {
		d.current = doorStateFromSensor(attrs.Sensor)
		d.target = targetFor(d.current)
	}
	return d
}

// Publish emits the current and target state.
func (d *DoorStateMachine) Publish() {
	d.emit.Set(FieldCurrentDoorState, d.current)
	d.emit.Set(FieldTargetDoorState, d.target)
}

// Current returns the current door state.
func (d *DoorStateMachine) Current() DoorState { return d.current }

// Target returns the target door state.
func (d *DoorStateMachine) Target() TargetDoorState { return d.target }

// IsMoving reports whether a movement is in progress.
func (d *DoorStateMachine) IsMoving() bool { return d.isMoving }

// SensorPresent reports whether the door has a contact sensor.
func (d *DoorStateMachine) SensorPresent() bool { return d.sensorPresent }

// RequestTarget handles a host request to move the door to target.
func (d *DoorStateMachine) RequestTarget(target TargetDoorState, reply func(error)) {
	if d.isMoving && target == d.movingTarget {
		// Controllers resend the target they are waiting on. Only a
		// reversal stops the door.
		d.emit.Expect(FieldTargetDoorState, target)
		replyTo(reply, nil)
		return
	}
	if !d.isMoving {
		if (target == TargetClosed && d.current == DoorClosed) || (target == TargetOpen && d.current == DoorOpen) {
			d.target = target
			d.emit.Expect(FieldTargetDoorState, target)
			replyTo(reply, nil)
			return
		}
	}

	prevTarget := d.target
	restore := d.emit.Expect(FieldTargetDoorState, target)
	d.target = target
	d.homekitTriggered = true

	wasMoving := d.isMoving
	gen := d.gen
	d.log.Info().Str("target", target.String()).Bool("moving", wasMoving).Msg("pulsing door relay")
	d.cmd.SetBinaryState(true, func(err error) {
		if gen != d.gen {
			d.log.Debug().Msg("door relay pulse completed after teardown")
			replyTo(reply, device.ErrNotAvailable)
			return
		}
		if err != nil {
			d.log.Warn().Err(err).Msg("door relay pulse failed")
			d.homekitTriggered = false
			d.target = prevTarget
			restore()
			replyTo(reply, err)
			return
		}
		if wasMoving {
			d.stop()
		} else {
			d.startMoving(target)
		}
		replyTo(reply, nil)
	})
}

// OnSwitch handles a Switch attribute change from the relay.
func (d *DoorStateMachine) OnSwitch(value int) {
	if value != 1 {
		return
	}
	if d.homekitTriggered {
		d.log.Debug().Msg("relay echo of host pulse")
		d.homekitTriggered = false
		return
	}

	if d.isMoving {
		d.log.Info().Msg("door stopped by Maker button")
		d.stop()
		return
	}

	target := d.target.Opposite()
	d.log.Info().Str("target", target.String()).Msg("door triggered by Maker button")
	d.target = target
	d.emit.Set(FieldTargetDoorState, target)
	d.startMoving(target)
}

// OnSensor handles a Sensor attribute change. Sensor value 1 means the door
// is at the closed contact.
func (d *DoorStateMachine) OnSensor(value int) {
	if !d.sensorPresent {
		d.log.Warn().Int("sensor", value).Msg("sensor event from door without a sensor, ignored")
		return
	}
	observed := doorStateFromSensor(value)

	if d.isMoving {
		switch {
		case observed == DoorClosed && d.movingTarget == TargetClosed:
			d.log.Info().Msg("door reached closed contact")
			d.finishMoving(DoorClosed)
		case observed == DoorOpen:
			d.log.Debug().Str("moving_to", d.movingTarget.String()).Msg("door left closed contact")
		default:
			d.log.Warn().
				Str("moving_to", d.movingTarget.String()).
				Str("sensor", observed.String()).
				Msg("sensor contradicts door movement")
			d.finishMoving(observed)
			d.syncTarget(observed)
		}
		return
	}

	if observed == d.current {
		return
	}
	d.applySensor(observed)
}

func (d *DoorStateMachine) applySensor(observed DoorState) {
	if observed != d.current {
		d.setCurrent(observed)
	}
	if targetFor(observed) != d.target {
		d.log.Warn().Str("state", observed.String()).Msg("door moved outside HomeKit")
		d.syncTarget(observed)
	}
}

// Stop cancels the moving and flip timers and forgets any movement in
// progress. Commands still in flight are ignored when they complete.
func (d *DoorStateMachine) Stop() {
	d.gen++
	d.stale = true
	d.moving.Cancel()
	d.flip.Cancel()
	d.isMoving = false
	d.homekitTriggered = false
}

// Resync brings a stopped door back in line with the device. A door with a
// sensor re-reads it; one without falls back to its last known position.
func (d *DoorStateMachine) Resync() {
	if !d.stale {
		return
	}
	d.stale = false
	if d.current == DoorOpening || d.current == DoorClosing {
		d.setCurrent(DoorStopped)
	}
	if !d.sensorPresent {
		if d.current != DoorStopped && targetFor(d.current) != d.target {
			d.syncTarget(d.current)
		}
		return
	}

	gen := d.gen
	d.cmd.QueryAttributes(func(attrs device.Attributes, err error) {
		if gen != d.gen {
			return
		}
		if err != nil {
			d.log.Warn().Err(err).Msg("door sensor query failed on resync")
			return
		}
		d.applySensor(doorStateFromSensor(attrs.Sensor))
	})
}

func (d *DoorStateMachine) startMoving(target TargetDoorState) {
	d.flip.Cancel()
	d.isMoving = true
	d.movingTarget = target

	if d.sensorPresent {
		next := DoorOpening
		if target == TargetClosed {
			next = DoorClosing
		}
		if d.current != next && d.current != doorStateFor(target) {
			d.current = next
			d.emit.Set(FieldCurrentDoorState, next)
		}
	}

	d.moving.Start(d.cfg.DoorOpen, d.movingTimedOut)
}

func (d *DoorStateMachine) movingTimedOut() {
	d.isMoving = false
	if !d.sensorPresent {
		d.setCurrent(doorStateFor(d.movingTarget))
		return
	}

	target := d.movingTarget
	gen := d.gen
	d.cmd.QueryAttributes(func(attrs device.Attributes, err error) {
		if gen != d.gen {
			return
		}
		if err != nil {
			d.log.Warn().Err(err).Msg("door sensor query failed, assuming movement completed")
			d.setCurrent(doorStateFor(target))
			return
		}
		observed := doorStateFromSensor(attrs.Sensor)
		d.setCurrent(observed)
		if targetFor(observed) != d.target {
			d.log.Warn().Str("state", observed.String()).Msg("door did not reach target")
			d.syncTarget(observed)
		}
	})
}

func (d *DoorStateMachine) finishMoving(state DoorState) {
	d.isMoving = false
	d.moving.Cancel()
	d.setCurrent(state)
}

func (d *DoorStateMachine) stop() {
	from := d.target
	d.isMoving = false
	d.moving.Cancel()
	d.setCurrent(DoorStopped)

	d.flip.Start(d.cfg.StopFlipDelay, func() {
		d.target = from.Opposite()
		d.emit.Set(FieldTargetDoorState, d.target)
	})
}

func (d *DoorStateMachine) setCurrent(s DoorState) {
	d.current = s
	d.emit.Set(FieldCurrentDoorState, s)
}

func (d *DoorStateMachine) syncTarget(s DoorState) {
	d.target = targetFor(s)
	d.emit.Set(FieldTargetDoorState, d.target)
}

func doorStateFromSensor(v int) DoorState {
	if v == 1 {
		return DoorClosed
	}
	return DoorOpen
}

func doorStateFor(t TargetDoorState) DoorState {
	if t == TargetOpen {
		return DoorOpen
	}
	return DoorClosed
}

func targetFor(s DoorState) TargetDoorState {
	if s == DoorOpen || s == DoorOpening {
		return TargetOpen
	}
	return TargetClosed
}

func replyTo(reply func(error), err error) {
	if reply != nil {
		reply(err)
	}
}
