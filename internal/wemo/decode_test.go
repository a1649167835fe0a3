package wemo

import (
	"strings"
	"testing"

	"github.com/sweeney/wemo-bridge/internal/device"
)

const notifyBody = `<e:propertyset xmlns:e="urn:schemas-upnp-org:event-1-0">
<e:property><BinaryState>1</BinaryState></e:property>
<e:property><attributeList>&lt;attribute&gt;&lt;name&gt;Switch&lt;/name&gt;&lt;value&gt;1&lt;/value&gt;&lt;/attribute&gt;&lt;attribute&gt;&lt;name&gt;Sensor&lt;/name&gt;&lt;value&gt;0&lt;/value&gt;&lt;/attribute&gt;</attributeList></e:property>
</e:propertyset>`

func TestParseNotify(t *testing.T) {
	props, err := ParseNotify(strings.NewReader(notifyBody))
	if err != nil {
		t.Fatalf("ParseNotify: %v", err)
	}
	if len(props) != 2 {
		t.Fatalf("expected 2 properties, got %d", len(props))
	}
	if props[0].Name != "BinaryState" || props[0].Value != "1" {
		t.Errorf("unexpected first property %+v", props[0])
	}
	if !strings.HasPrefix(props[1].Value, "<attribute>") {
		t.Errorf("expected unescaped attribute list, got %q", props[1].Value)
	}
}

func TestEventsFromNotify(t *testing.T) {
	props, _ := ParseNotify(strings.NewReader(notifyBody))
	events := Events(props)

	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d: %+v", len(events), events)
	}
	if events[0].Kind != device.EventBinaryState || !events[0].On {
		t.Errorf("expected binary state on, got %+v", events[0])
	}
	if events[1].Kind != device.EventAttribute || events[1].Name != device.AttrSwitch || events[1].AttrValue != 1 {
		t.Errorf("expected Switch=1, got %+v", events[1])
	}
	if events[2].Name != device.AttrSensor || events[2].AttrValue != 0 {
		t.Errorf("expected Sensor=0, got %+v", events[2])
	}
}

func TestInsightBinaryState(t *testing.T) {
	events := Events([]Property{{Name: "BinaryState", Value: "8|1612345678|120|3600|99999|1209600|8|1500|240000|5000000.000000|8000"}})

	if len(events) != 2 {
		t.Fatalf("expected state and sample, got %+v", events)
	}
	if !events[0].On {
		t.Error("expected standby to count as on")
	}
	s := events[1].Sample
	if s.State != 8 || s.InstantPowerMW != 1500 || s.DailyEnergyMWMin != 240000 || s.DailyOnTimeSecond != 3600 {
		t.Errorf("unexpected sample %+v", s)
	}
}

func TestParseInsightParamsShort(t *testing.T) {
	if _, err := ParseInsightParams("1|2|3"); err == nil {
		t.Error("expected error for truncated params")
	}
}

func TestBinaryStateError(t *testing.T) {
	events := Events([]Property{{Name: "BinaryState", Value: "Error"}})
	if len(events) != 1 || events[0].Kind != device.EventError {
		t.Errorf("expected error event, got %+v", events)
	}
}

func TestDimmerBrightnessEvent(t *testing.T) {
	events := Events([]Property{{Name: "brightness", Value: "42"}})
	if len(events) != 1 || events[0].Code != device.CapDimmerBrightness || events[0].Value != "42" {
		t.Errorf("unexpected events %+v", events)
	}
}

func TestParseStatusChange(t *testing.T) {
	v := `<?xml version="1.0" encoding="utf-8"?><StateEvent><DeviceID available="YES">94103EA2B27803ED</DeviceID><CapabilityId>10008</CapabilityId><Value>200:0</Value></StateEvent>`

	ev, err := ParseStatusChange(v)
	if err != nil {
		t.Fatalf("ParseStatusChange: %v", err)
	}
	if ev.DeviceID != "94103EA2B27803ED" || ev.Code != "10008" || ev.Value != "200:0" {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestParseAttributeListDoubleEscaped(t *testing.T) {
	list, err := ParseAttributeList("&lt;attribute&gt;&lt;name&gt;SwitchMode&lt;/name&gt;&lt;value&gt;1&lt;/value&gt;&lt;/attribute&gt;")
	if err != nil {
		t.Fatalf("ParseAttributeList: %v", err)
	}
	a := AttributesFrom(list)
	if a.SwitchMode != device.SwitchModeMomentary {
		t.Errorf("expected momentary mode, got %d", a.SwitchMode)
	}
}

func TestAttributesFrom(t *testing.T) {
	a := AttributesFrom([]Attribute{
		{Name: device.AttrSwitchMode, Value: 1},
		{Name: device.AttrSensorPresent, Value: 1},
		{Name: device.AttrSensor, Value: 1},
		{Name: device.AttrSwitch, Value: 0},
		{Name: "FirmwareVersion", Value: 3},
	})
	want := device.Attributes{SwitchMode: 1, SensorPresent: true, Sensor: 1, Switch: 0}
	if a != want {
		t.Errorf("expected %+v, got %+v", want, a)
	}
}
