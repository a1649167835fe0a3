// Package logic contains the device-state reconciliation core: echo
// suppression for device push events, change-gated emission of host-visible
// values, motion debouncing, the garage-door state machine and Insight power
// aggregation.
//
// This package performs no I/O. Device commands go through a Commander whose
// continuations run on the caller's event loop, and timers come from an
// injectable Scheduler, so every behaviour is testable with FakeScheduler.
package logic

import "time"

// Field identifies one host-visible characteristic value.
type Field string

const (
	FieldOn                 Field = "on"
	FieldBrightness         Field = "brightness"
	FieldColorTemperature   Field = "color_temperature"
	FieldInUse              Field = "in_use"
	FieldPowerWatts         Field = "power_watts"
	FieldTotalConsumptionWh Field = "total_consumption_wh"
	FieldContactDetected    Field = "contact_detected"
	FieldMotionDetected     Field = "motion_detected"
	FieldCurrentDoorState   Field = "current_door_state"
	FieldTargetDoorState    Field = "target_door_state"
)

// DoorState is the current position of a garage door. Values match the
// HomeKit CurrentDoorState characteristic.
type DoorState int

const (
	DoorOpen DoorState = iota
	DoorClosed
	DoorOpening
	DoorClosing
	DoorStopped
)

func (s DoorState) String() string {
	switch s {
	case DoorOpen:
		return "OPEN"
	case DoorClosed:
		return "CLOSED"
	case DoorOpening:
		return "OPENING"
	case DoorClosing:
		return "CLOSING"
	case DoorStopped:
		return "STOPPED"
	}
	return "UNKNOWN"
}

// TargetDoorState is the requested end position of a garage door. Values
// match the HomeKit TargetDoorState characteristic.
type TargetDoorState int

const (
	TargetOpen TargetDoorState = iota
	TargetClosed
)

func (t TargetDoorState) String() string {
	if t == TargetOpen {
		return "OPEN"
	}
	return "CLOSED"
}

// Opposite returns the other target.
func (t TargetDoorState) Opposite() TargetDoorState {
	if t == TargetOpen {
		return TargetClosed
	}
	return TargetOpen
}

// Update is one change-gated value change for an accessory.
//
// Value types per field: bool for On, InUse, ContactDetected and
// MotionDetected; int for Brightness and ColorTemperature; float64 for
// PowerWatts and TotalConsumptionWh; DoorState and TargetDoorState for the
// door fields.
type Update struct {
	AccessoryID string
	Field       Field
	Value       any

	// Echo marks a value the host set itself. The host already holds it;
	// mirrors of accessory state still apply it.
	Echo bool
}

// Sink receives accessory value updates. Implementations must not block.
type Sink interface {
	Notify(u Update)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(u Update)

// Notify calls f(u).
func (f SinkFunc) Notify(u Update) { f(u) }

// MultiSink fans an update out to every sink in order.
type MultiSink []Sink

// Notify forwards u to each sink.
func (m MultiSink) Notify(u Update) {
	for _, s := range m {
		if s != nil {
			s.Notify(u)
		}
	}
}

// AccessoryState is the derived host-visible state of one accessory.
type AccessoryState struct {
	On                 bool
	Brightness         int
	ColorTemperature   int
	InUse              bool
	PowerWatts         float64
	TotalConsumptionWh float64
	ContactDetected    bool
	MotionDetected     bool
	CurrentDoorState   DoorState
	TargetDoorState    TargetDoorState
}

// Apply sets the field named by u. Values of the wrong type are ignored.
func (s *AccessoryState) Apply(u Update) {
	switch u.Field {
	case FieldOn:
		s.On, _ = u.Value.(bool)
	case FieldBrightness:
		s.Brightness, _ = u.Value.(int)
	case FieldColorTemperature:
		s.ColorTemperature, _ = u.Value.(int)
	case FieldInUse:
		s.InUse, _ = u.Value.(bool)
	case FieldPowerWatts:
		s.PowerWatts, _ = u.Value.(float64)
	case FieldTotalConsumptionWh:
		s.TotalConsumptionWh, _ = u.Value.(float64)
	case FieldContactDetected:
		s.ContactDetected, _ = u.Value.(bool)
	case FieldMotionDetected:
		s.MotionDetected, _ = u.Value.(bool)
	case FieldCurrentDoorState:
		s.CurrentDoorState, _ = u.Value.(DoorState)
	case FieldTargetDoorState:
		s.TargetDoorState, _ = u.Value.(TargetDoorState)
	}
}

// Value returns the value of field f, typed as in Update.
func (s AccessoryState) Value(f Field) any {
	switch f {
	case FieldOn:
		return s.On
	case FieldBrightness:
		return s.Brightness
	case FieldColorTemperature:
		return s.ColorTemperature
	case FieldInUse:
		return s.InUse
	case FieldPowerWatts:
		return s.PowerWatts
	case FieldTotalConsumptionWh:
		return s.TotalConsumptionWh
	case FieldContactDetected:
		return s.ContactDetected
	case FieldMotionDetected:
		return s.MotionDetected
	case FieldCurrentDoorState:
		return s.CurrentDoorState
	case FieldTargetDoorState:
		return s.TargetDoorState
	}
	return nil
}

// Config holds the timer settings shared by every accessory of a platform.
// It is read-only after construction.
type Config struct {
	// NoMotion is how long motion must be absent before MotionDetected
	// clears. Zero clears immediately.
	NoMotion time.Duration

	// DoorOpen is how long a commanded door movement is assumed to take.
	DoorOpen time.Duration

	// SetDebounce coalesces rapid brightness and colour temperature sets.
	SetDebounce time.Duration

	// StopFlipDelay is the delay before the target state of a stopped door
	// is inverted.
	StopFlipDelay time.Duration
}

// DefaultConfig returns the stock timer settings.
func DefaultConfig() Config {
	return Config{
		NoMotion:      60 * time.Second,
		DoorOpen:      20 * time.Second,
		SetDebounce:   100 * time.Millisecond,
		StopFlipDelay: 500 * time.Millisecond,
	}
}
