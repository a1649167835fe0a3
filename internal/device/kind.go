package device

import "time"

// Kind is the closed set of device variants the bridge understands.
type Kind int

const (
	KindUnknown Kind = iota
	KindSwitch
	KindInsight
	KindMotion
	KindMaker
	KindDimmer
	KindBridgeBulb
)

var kindNames = map[Kind]string{
	KindUnknown:    "unknown",
	KindSwitch:     "switch",
	KindInsight:    "insight",
	KindMotion:     "motion",
	KindMaker:      "maker",
	KindDimmer:     "dimmer",
	KindBridgeBulb: "bulb",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) Kind {
	for k, name := range kindNames {
		if name == s {
			return k
		}
	}
	return KindUnknown
}

// Info describes a discovered device.
type Info struct {
	// ID is the MAC address for standalone devices and the bridge-scoped
	// device id for bulbs.
	ID           string
	Kind         Kind
	Name         string
	Manufacturer string
	Model        string
	ModelNumber  string
	Serial       string
	Firmware     string
	UDN          string
	SetupURL     string

	// BinaryState is the on-state reported in the setup description, used
	// as the initial value until the first event arrives.
	BinaryState string

	// BridgeID is the MAC of the hosting bridge (bulbs only).
	BridgeID string

	// Capabilities lists the capability codes a bulb supports.
	Capabilities []string
}

// IsBulb reports whether the device is addressed through a bridge.
func (i Info) IsBulb() bool {
	return i.Kind == KindBridgeBulb
}

// Supports reports whether a bulb lists the capability code.
func (i Info) Supports(code string) bool {
	for _, c := range i.Capabilities {
		if c == code {
			return true
		}
	}
	return false
}

// Record is a device remembered across restarts: its description, the Maker
// attributes that fixed its profile, and when a sweep last found it.
type Record struct {
	Info     Info
	Attrs    Attributes
	LastSeen time.Time
}
