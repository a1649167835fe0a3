package wemo

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/sweeney/wemo-bridge/internal/device"
)

// Events converts NOTIFY properties to device events. Unknown properties
// are skipped.
func Events(props []Property) []device.Event {
	var out []device.Event
	for _, p := range props {
		switch p.Name {
		case "BinaryState":
			out = append(out, binaryStateEvents(p.Value)...)
		case "InsightParams":
			if s, err := ParseInsightParams(p.Value); err == nil {
				out = append(out, device.Event{Kind: device.EventPowerSample, Sample: s})
			}
		case "brightness":
			out = append(out, device.Event{Kind: device.EventCapability, Code: device.CapDimmerBrightness, Value: p.Value})
		case "attributeList":
			attrs, err := ParseAttributeList(p.Value)
			if err != nil {
				continue
			}
			for _, a := range attrs {
				out = append(out, device.Event{Kind: device.EventAttribute, Name: a.Name, AttrValue: a.Value})
			}
		case "StatusChange":
			if ev, err := ParseStatusChange(p.Value); err == nil {
				out = append(out, ev)
			}
		}
	}
	return out
}

func binaryStateEvents(v string) []device.Event {
	head, _, _ := strings.Cut(v, "|")
	n, err := strconv.Atoi(strings.TrimSpace(head))
	if err != nil {
		if v == "Error" {
			return []device.Event{{Kind: device.EventError, ErrCode: v}}
		}
		return nil
	}
	out := []device.Event{{Kind: device.EventBinaryState, On: n != 0}}
	// An Insight reports its parameters inside BinaryState as well.
	if strings.Count(v, "|") >= 8 {
		if s, err := ParseInsightParams(v); err == nil {
			out = append(out, device.Event{Kind: device.EventPowerSample, Sample: s})
		}
	}
	return out
}

// ParseInsightParams decodes "state|lastChange|onFor|onToday|onTotal|
// period|x|currentMW|todayMWmin|totalMWmin|threshold".
func ParseInsightParams(v string) (device.PowerSample, error) {
	parts := strings.Split(v, "|")
	if len(parts) < 9 {
		return device.PowerSample{}, fmt.Errorf("insight params: %d fields", len(parts))
	}
	num := func(i int) (float64, error) {
		// Totals are presented as floats with no fractional part.
		return strconv.ParseFloat(strings.TrimSpace(parts[i]), 64)
	}
	state, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return device.PowerSample{}, fmt.Errorf("insight params state: %w", err)
	}
	onToday, err := num(3)
	if err != nil {
		return device.PowerSample{}, fmt.Errorf("insight params on today: %w", err)
	}
	current, err := num(7)
	if err != nil {
		return device.PowerSample{}, fmt.Errorf("insight params power: %w", err)
	}
	today, err := num(8)
	if err != nil {
		return device.PowerSample{}, fmt.Errorf("insight params energy: %w", err)
	}
	return device.PowerSample{
		State:             state,
		InstantPowerMW:    current,
		DailyEnergyMWMin:  today,
		DailyOnTimeSecond: onToday,
	}, nil
}

// Attribute is one entry of a Maker attribute list.
type Attribute struct {
	Name  string
	Value int
}

// ParseAttributeList decodes the unescaped attributeList fragment
// "<attribute><name>Switch</name><value>0</value></attribute>...".
func ParseAttributeList(v string) ([]Attribute, error) {
	// Some firmware escapes the fragment twice.
	v = unescapeFragment(v)
	var list struct {
		Attributes []struct {
			Name  string `xml:"name"`
			Value string `xml:"value"`
		} `xml:"attribute"`
	}
	if err := xml.Unmarshal([]byte("<attributes>"+v+"</attributes>"), &list); err != nil {
		return nil, fmt.Errorf("decode attribute list: %w", err)
	}
	out := make([]Attribute, 0, len(list.Attributes))
	for _, a := range list.Attributes {
		n, err := strconv.Atoi(strings.TrimSpace(a.Value))
		if err != nil {
			continue
		}
		out = append(out, Attribute{Name: a.Name, Value: n})
	}
	return out, nil
}

// AttributesFrom folds an attribute list into device.Attributes.
func AttributesFrom(list []Attribute) device.Attributes {
	var a device.Attributes
	for _, attr := range list {
		switch attr.Name {
		case device.AttrSwitchMode:
			a.SwitchMode = attr.Value
		case device.AttrSensorPresent:
			a.SensorPresent = attr.Value == 1
		case device.AttrSensor:
			a.Sensor = attr.Value
		case device.AttrSwitch:
			a.Switch = attr.Value
		}
	}
	return a
}

// ParseStatusChange decodes a bridge StateEvent for one bulb capability.
func ParseStatusChange(v string) (device.Event, error) {
	var se struct {
		DeviceID   string `xml:"DeviceID"`
		Capability string `xml:"CapabilityId"`
		Value      string `xml:"Value"`
	}
	if err := xml.Unmarshal([]byte(v), &se); err != nil {
		return device.Event{}, fmt.Errorf("decode status change: %w", err)
	}
	if se.DeviceID == "" || se.Capability == "" {
		return device.Event{}, fmt.Errorf("decode status change: missing device or capability")
	}
	return device.Event{
		Kind:     device.EventCapability,
		DeviceID: strings.TrimSpace(se.DeviceID),
		Code:     strings.TrimSpace(se.Capability),
		Value:    strings.TrimSpace(se.Value),
	}, nil
}
