// Package mqtt mirrors accessory state to an MQTT broker, with a fake
// publisher for testing.
package mqtt

import (
	"encoding/json"
	"time"

	"github.com/sweeney/wemo-bridge/internal/logic"
)

// TopicPrefix is the root of every topic the bridge publishes.
const TopicPrefix = "wemo"

// TopicSystem is the MQTT topic for bridge lifecycle events.
const TopicSystem = TopicPrefix + "/bridge/system"

// StateTopic returns the retained state topic of one accessory.
func StateTopic(id string) string {
	return TopicPrefix + "/" + id + "/state"
}

// Publisher publishes accessory state and lifecycle events.
type Publisher interface {
	// PublishState sends one accessory snapshot. Returns an error if
	// publishing fails; callers log and carry on.
	PublishState(msg StateMessage) error

	// PublishSystem sends a lifecycle event.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// StateMessage is a snapshot of one accessory.
type StateMessage struct {
	Timestamp time.Time
	ID        string
	Name      string
	Profile   string
	Reachable bool
	Fields    []logic.Field
	State     logic.AccessoryState
}

// SystemEvent represents a lifecycle event (STARTUP, SHUTDOWN, HEARTBEAT).
type SystemEvent struct {
	Timestamp   time.Time
	Event       string
	Reason      string // shutdown only
	Accessories int
	Retained    bool
}

// StatePayload is the JSON body of a state message.
type StatePayload struct {
	Accessory AccessoryPayload `json:"accessory"`
}

// AccessoryPayload holds the accessory's fields. Only the fields of the
// accessory's profile are present.
type AccessoryPayload struct {
	Timestamp          string   `json:"timestamp"`
	ID                 string   `json:"id"`
	Name               string   `json:"name,omitempty"`
	Profile            string   `json:"profile"`
	Reachable          bool     `json:"reachable"`
	On                 *bool    `json:"on,omitempty"`
	Brightness         *int     `json:"brightness,omitempty"`
	ColorTemperature   *int     `json:"color_temperature,omitempty"`
	InUse              *bool    `json:"in_use,omitempty"`
	PowerWatts         *float64 `json:"power_watts,omitempty"`
	TotalConsumptionWh *float64 `json:"total_consumption_wh,omitempty"`
	ContactDetected    *bool    `json:"contact_detected,omitempty"`
	MotionDetected     *bool    `json:"motion_detected,omitempty"`
	DoorState          string   `json:"door_state,omitempty"`
	TargetDoorState    string   `json:"target_door_state,omitempty"`
}

// FormatStatePayload creates the JSON payload for a state message.
func FormatStatePayload(msg StateMessage) ([]byte, error) {
	p := AccessoryPayload{
		Timestamp: msg.Timestamp.UTC().Format(time.RFC3339),
		ID:        msg.ID,
		Name:      msg.Name,
		Profile:   msg.Profile,
		Reachable: msg.Reachable,
	}
	s := msg.State
	for _, f := range msg.Fields {
		switch f {
		case logic.FieldOn:
			p.On = &s.On
		case logic.FieldBrightness:
			p.Brightness = &s.Brightness
		case logic.FieldColorTemperature:
			p.ColorTemperature = &s.ColorTemperature
		case logic.FieldInUse:
			p.InUse = &s.InUse
		case logic.FieldPowerWatts:
			p.PowerWatts = &s.PowerWatts
		case logic.FieldTotalConsumptionWh:
			p.TotalConsumptionWh = &s.TotalConsumptionWh
		case logic.FieldContactDetected:
			p.ContactDetected = &s.ContactDetected
		case logic.FieldMotionDetected:
			p.MotionDetected = &s.MotionDetected
		case logic.FieldCurrentDoorState:
			p.DoorState = s.CurrentDoorState.String()
		case logic.FieldTargetDoorState:
			p.TargetDoorState = s.TargetDoorState.String()
		}
	}
	return json.Marshal(StatePayload{Accessory: p})
}

// SystemPayload is the JSON body of a lifecycle event.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the lifecycle event details.
type SystemPayloadInner struct {
	Timestamp   string `json:"timestamp"`
	Event       string `json:"event"`
	Reason      string `json:"reason,omitempty"`
	Accessories int    `json:"accessories,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a lifecycle event.
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	return json.Marshal(SystemPayload{
		System: SystemPayloadInner{
			Timestamp:   event.Timestamp.UTC().Format(time.RFC3339),
			Event:       event.Event,
			Reason:      event.Reason,
			Accessories: event.Accessories,
		},
	})
}
