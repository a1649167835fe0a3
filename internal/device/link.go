// Package device defines the boundary to physical WeMo units: the Link a
// reconciler drives commands through and the Events a unit pushes back.
// The real implementation lives in internal/wemo; FakeLink allows testing
// without a network.
package device

import (
	"context"
	"errors"
	"fmt"
)

// Vendor capability codes used by bulbs behind a WeMo Link bridge.
const (
	CapOnOff            = "10006"
	CapBrightness       = "10008"
	CapColorTemperature = "30301"

	// CapDimmerBrightness carries the 0-100 brightness of a standalone
	// WeMo Dimmer, which has no numeric capability map of its own.
	CapDimmerBrightness = "brightness"
)

// Attribute names reported by a WeMo Maker.
const (
	AttrSwitch        = "Switch"
	AttrSensor        = "Sensor"
	AttrSwitchMode    = "SwitchMode"
	AttrSensorPresent = "SensorPresent"
)

// Maker switch modes.
const (
	SwitchModeToggle    = 0
	SwitchModeMomentary = 1
)

var (
	// ErrNotAvailable is returned when a command is issued to a device that
	// has no live connection.
	ErrNotAvailable = errors.New("device not available")

	// ErrUnsupported is returned when a device kind cannot perform a command.
	ErrUnsupported = errors.New("operation not supported by device")
)

// Error is a device-reported failure, carrying the vendor error code.
type Error struct {
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("device error %s: %v", e.Code, e.Err)
	}
	return "device error " + e.Code
}

func (e *Error) Unwrap() error { return e.Err }

// Attributes is the attribute list of a WeMo Maker.
type Attributes struct {
	SwitchMode    int
	SensorPresent bool
	Sensor        int
	Switch        int
}

// PowerSample is one Insight telemetry reading.
type PowerSample struct {
	State             int
	InstantPowerMW    float64
	DailyEnergyMWMin  float64
	DailyOnTimeSecond float64
}

// EventKind identifies the payload carried by an Event.
type EventKind int

const (
	EventBinaryState EventKind = iota + 1
	EventCapability
	EventAttribute
	EventPowerSample
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventBinaryState:
		return "binaryState"
	case EventCapability:
		return "capability"
	case EventAttribute:
		return "attribute"
	case EventPowerSample:
		return "powerSample"
	case EventError:
		return "error"
	}
	return "unknown"
}

// Event is a push notification from a device.
type Event struct {
	Kind EventKind

	// DeviceID scopes capability events from a bridge to one bulb. A bridge
	// delivers every bulb's changes to every bulb's subscription.
	DeviceID string

	On bool // EventBinaryState

	Code  string // EventCapability
	Value string

	Name      string // EventAttribute
	AttrValue int

	Sample PowerSample // EventPowerSample

	ErrCode string // EventError
}

// Subscription is a live event registration. Close stops delivery.
type Subscription interface {
	Close() error
}

// Link sends commands to one device and subscribes to its events.
// All methods may block on network I/O and honour ctx.
type Link interface {
	SetBinaryState(ctx context.Context, on bool) error
	SetCapability(ctx context.Context, code, value string) error
	QueryCapabilities(ctx context.Context) (map[string]string, error)
	QueryAttributes(ctx context.Context) (Attributes, error)
	Subscribe(ctx context.Context, handler func(Event)) (Subscription, error)
}
