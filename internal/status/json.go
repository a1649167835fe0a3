package status

import (
	"encoding/json"
	"time"

	"github.com/sweeney/wemo-bridge/internal/logic"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Ready         bool            `json:"ready"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	StartTime     string          `json:"start_time"`
	Timestamp     string          `json:"timestamp"`
	MQTT          MQTTStatus      `json:"mqtt"`
	Counts        CountsJSON      `json:"accessory_counts"`
	Accessories   []AccessoryJSON `json:"accessories"`
	Config        ConfigJSON      `json:"config"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// CountsJSON summarises accessory reachability.
type CountsJSON struct {
	Total       int `json:"total"`
	Reachable   int `json:"reachable"`
	Unreachable int `json:"unreachable"`
}

// AccessoryJSON is the JSON representation of one accessory. Values holds
// only the fields of the accessory's profile.
type AccessoryJSON struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Kind       string         `json:"kind"`
	Profile    string         `json:"profile"`
	Reachable  bool           `json:"reachable"`
	Updates    int            `json:"updates"`
	LastUpdate string         `json:"last_update,omitempty"`
	Values     map[string]any `json:"values"`
}

// ConfigJSON is the JSON representation of bridge config.
type ConfigJSON struct {
	HomeKitName         string `json:"homekit_name"`
	DiscoveryIntervalMs int64  `json:"discovery_interval_ms"`
	NoMotionMs          int64  `json:"no_motion_ms"`
	DoorOpenMs          int64  `json:"door_open_ms"`
	Broker              string `json:"broker"`
	HTTPAddr            string `json:"http_addr"`
}

// BuildAccessory converts an accessory snapshot to its JSON form.
// Door states are rendered by name.
func BuildAccessory(a AccessorySnapshot) AccessoryJSON {
	out := AccessoryJSON{
		ID:        a.ID,
		Name:      a.Name,
		Kind:      a.Kind.String(),
		Profile:   a.Profile.String(),
		Reachable: a.Reachable,
		Updates:   a.Updates,
		Values:    make(map[string]any, len(a.Fields)),
	}
	if !a.LastUpdate.IsZero() {
		out.LastUpdate = a.LastUpdate.UTC().Format(time.RFC3339)
	}
	for _, f := range a.Fields {
		switch v := a.State.Value(f).(type) {
		case logic.DoorState:
			out.Values[string(f)] = v.String()
		case logic.TargetDoorState:
			out.Values[string(f)] = v.String()
		default:
			out.Values[string(f)] = v
		}
	}
	return out
}

func buildInner(snap Snapshot) StatusInner {
	accs := make([]AccessoryJSON, 0, len(snap.Accessories))
	for _, a := range snap.Accessories {
		accs = append(accs, BuildAccessory(a))
	}
	reachable := snap.Reachable()

	return StatusInner{
		Ready:         snap.Ready,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Counts: CountsJSON{
			Total:       len(snap.Accessories),
			Reachable:   reachable,
			Unreachable: len(snap.Accessories) - reachable,
		},
		Accessories: accs,
		Config: ConfigJSON{
			HomeKitName:         snap.Config.HomeKitName,
			DiscoveryIntervalMs: snap.Config.DiscoveryInterval.Milliseconds(),
			NoMotionMs:          snap.Config.NoMotion.Milliseconds(),
			DoorOpenMs:          snap.Config.DoorOpen.Milliseconds(),
			Broker:              snap.Config.Broker,
			HTTPAddr:            snap.Config.HTTPAddr,
		},
	}
}

// FormatJSON returns the JSON status for the web endpoint.
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}

// FormatAccessoryJSON returns the JSON for one accessory.
func FormatAccessoryJSON(a AccessorySnapshot) []byte {
	data, _ := json.MarshalIndent(BuildAccessory(a), "", "  ")
	return data
}
