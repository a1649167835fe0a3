package logic

import "github.com/sweeney/wemo-bridge/internal/device"

// Profile is the host-facing shape of an accessory. It is derived once from
// the device kind and, for a Maker, its switch mode.
type Profile int

const (
	ProfileUnknown Profile = iota
	ProfileSwitch
	ProfileOutlet
	ProfileMotion
	ProfileGarageDoor
	ProfileMakerSwitch
	ProfileDimmer
	ProfileBulb
)

func (p Profile) String() string {
	switch p {
	case ProfileSwitch:
		return "switch"
	case ProfileOutlet:
		return "outlet"
	case ProfileMotion:
		return "motion"
	case ProfileGarageDoor:
		return "garage_door"
	case ProfileMakerSwitch:
		return "maker_switch"
	case ProfileDimmer:
		return "dimmer"
	case ProfileBulb:
		return "bulb"
	}
	return "unknown"
}

// ProfileFor picks the profile of a device. A Maker in momentary mode
// drives a garage door; in toggle mode it is a switch with a contact sensor.
func ProfileFor(kind device.Kind, attrs device.Attributes) Profile {
	switch kind {
	case device.KindSwitch:
		return ProfileSwitch
	case device.KindInsight:
		return ProfileOutlet
	case device.KindMotion:
		return ProfileMotion
	case device.KindMaker:
		if attrs.SwitchMode == device.SwitchModeMomentary {
			return ProfileGarageDoor
		}
		return ProfileMakerSwitch
	case device.KindDimmer:
		return ProfileDimmer
	case device.KindBridgeBulb:
		return ProfileBulb
	}
	return ProfileUnknown
}

// Fields lists the host-visible fields of an accessory with this profile.
func (p Profile) Fields(info device.Info, attrs device.Attributes) []Field {
	switch p {
	case ProfileSwitch:
		return []Field{FieldOn}
	case ProfileOutlet:
		return []Field{FieldOn, FieldInUse, FieldPowerWatts, FieldTotalConsumptionWh}
	case ProfileMotion:
		return []Field{FieldMotionDetected}
	case ProfileGarageDoor:
		return []Field{FieldCurrentDoorState, FieldTargetDoorState}
	case ProfileMakerSwitch:
		if attrs.SensorPresent {
			return []Field{FieldOn, FieldContactDetected}
		}
		return []Field{FieldOn}
	case ProfileDimmer:
		return []Field{FieldOn, FieldBrightness}
	case ProfileBulb:
		if info.Supports(device.CapColorTemperature) {
			return []Field{FieldOn, FieldBrightness, FieldColorTemperature}
		}
		return []Field{FieldOn, FieldBrightness}
	}
	return nil
}
