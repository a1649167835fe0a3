package logic

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/wemo-bridge/internal/device"
)

type fixture struct {
	r     *Reconciler
	sched *FakeScheduler
	cmd   *FakeCommander
	sink  *RecordingSink
}

func setupReconciler(t *testing.T, info device.Info, attrs device.Attributes) *fixture {
	t.Helper()
	f := &fixture{
		sched: NewFakeScheduler(testStart),
		cmd:   NewFakeCommander(),
		sink:  &RecordingSink{},
	}
	f.r = NewReconciler(info, attrs, DefaultConfig(), f.cmd, f.sched, f.sink, zerolog.Nop())
	return f
}

func bulbInfo() device.Info {
	return device.Info{
		ID:           "bulb-1",
		Kind:         device.KindBridgeBulb,
		Name:         "Lamp",
		BridgeID:     "bridge",
		Capabilities: []string{device.CapOnOff, device.CapBrightness, device.CapColorTemperature},
	}
}

func capEvent(code, value string) device.Event {
	return device.Event{Kind: device.EventCapability, DeviceID: "bulb-1", Code: code, Value: value}
}

func replyRecorder() (func(error), *[]error) {
	var got []error
	return func(err error) { got = append(got, err) }, &got
}

func TestProfileFor(t *testing.T) {
	tests := []struct {
		kind  device.Kind
		attrs device.Attributes
		want  Profile
	}{
		{device.KindSwitch, device.Attributes{}, ProfileSwitch},
		{device.KindInsight, device.Attributes{}, ProfileOutlet},
		{device.KindMotion, device.Attributes{}, ProfileMotion},
		{device.KindMaker, device.Attributes{SwitchMode: device.SwitchModeMomentary}, ProfileGarageDoor},
		{device.KindMaker, device.Attributes{SwitchMode: device.SwitchModeToggle}, ProfileMakerSwitch},
		{device.KindDimmer, device.Attributes{}, ProfileDimmer},
		{device.KindBridgeBulb, device.Attributes{}, ProfileBulb},
		{device.KindUnknown, device.Attributes{}, ProfileUnknown},
	}
	for _, tc := range tests {
		if got := ProfileFor(tc.kind, tc.attrs); got != tc.want {
			t.Errorf("ProfileFor(%s): expected %s, got %s", tc.kind, tc.want, got)
		}
	}
}

func TestSwitchBinaryStateNotifiesOnce(t *testing.T) {
	f := setupReconciler(t, device.Info{ID: "sw", Kind: device.KindSwitch, BinaryState: "0"}, device.Attributes{})
	f.r.Initialize()
	f.sink.Reset()

	f.r.HandleEvent(device.Event{Kind: device.EventBinaryState, On: true})
	f.r.HandleEvent(device.Event{Kind: device.EventBinaryState, On: true})

	got := f.sink.Values(FieldOn)
	if len(got) != 1 || got[0] != true {
		t.Errorf("expected single on notification, got %v", got)
	}
	if f.r.Capabilities() != nil {
		t.Error("expected plain switch to have no capability store")
	}
}

func TestSwitchSetOn(t *testing.T) {
	f := setupReconciler(t, device.Info{ID: "sw", Kind: device.KindSwitch, BinaryState: "0"}, device.Attributes{})
	f.r.Initialize()
	f.sink.Reset()

	reply, got := replyRecorder()
	f.r.SetOn(true, reply)

	if len(*got) != 1 || (*got)[0] != nil {
		t.Fatalf("expected success reply, got %v", *got)
	}
	if f.cmd.Count("binaryState") != 1 || !f.cmd.Sent[0].On {
		t.Fatalf("expected one on command, got %v", f.cmd.Sent)
	}

	// Echo from the device.
	f.r.HandleEvent(device.Event{Kind: device.EventBinaryState, On: true})
	if len(f.sink.Updates) != 0 {
		t.Errorf("expected echo to be suppressed, got %v", f.sink.Fields())
	}

	// Already on: no command.
	f.r.SetOn(true, reply)
	if f.cmd.Count("binaryState") != 1 {
		t.Errorf("expected redundant set to be skipped, got %d commands", f.cmd.Count("binaryState"))
	}
}

func TestSwitchSetOnFailure(t *testing.T) {
	f := setupReconciler(t, device.Info{ID: "sw", Kind: device.KindSwitch, BinaryState: "0"}, device.Attributes{})
	f.r.Initialize()
	f.sink.Reset()
	f.cmd.Err = errors.New("no route to host")

	reply, got := replyRecorder()
	f.r.SetOn(true, reply)
	if len(*got) != 1 || (*got)[0] == nil {
		t.Fatalf("expected error reply, got %v", *got)
	}
	if f.r.State().On {
		t.Error("expected host value restored after failure")
	}

	// A later genuine change is still reported.
	f.r.HandleEvent(device.Event{Kind: device.EventBinaryState, On: true})
	if f.sink.Count(FieldOn) != 1 {
		t.Errorf("expected on notification, got %v", f.sink.Values(FieldOn))
	}
}

func TestBulbBrightnessEventTurnsOn(t *testing.T) {
	f := setupReconciler(t, bulbInfo(), device.Attributes{})
	f.r.HandleEvent(capEvent(device.CapOnOff, "0"))
	f.sink.Reset()

	f.r.HandleEvent(capEvent(device.CapBrightness, "200:0"))

	fields := f.sink.Fields()
	if len(fields) != 2 || fields[0] != FieldOn || fields[1] != FieldBrightness {
		t.Fatalf("expected [on brightness], got %v", fields)
	}
	if f.sink.Updates[0].Value != true {
		t.Errorf("expected on=true, got %v", f.sink.Updates[0].Value)
	}
	if f.sink.Updates[1].Value != 78 {
		t.Errorf("expected brightness 78, got %v", f.sink.Updates[1].Value)
	}

	// The device also reports power on for the same change.
	f.r.HandleEvent(capEvent(device.CapOnOff, "1"))
	if f.sink.Count(FieldOn) != 1 {
		t.Errorf("expected single on notification, got %v", f.sink.Values(FieldOn))
	}
}

func TestBulbEchoSuppressed(t *testing.T) {
	f := setupReconciler(t, bulbInfo(), device.Attributes{})

	f.r.HandleEvent(capEvent(device.CapBrightness, "100:0"))
	n := len(f.sink.Updates)
	f.r.HandleEvent(capEvent(device.CapBrightness, "100:0"))

	if len(f.sink.Updates) != n {
		t.Errorf("expected duplicate capability to be dropped, got %v", f.sink.Fields())
	}
}

func TestBulbIgnoresOtherBulbs(t *testing.T) {
	f := setupReconciler(t, bulbInfo(), device.Attributes{})

	ev := capEvent(device.CapOnOff, "1")
	ev.DeviceID = "bulb-2"
	f.r.HandleEvent(ev)

	if len(f.sink.Updates) != 0 {
		t.Errorf("expected event for another bulb to be ignored, got %v", f.sink.Fields())
	}
	if _, ok := f.r.Capabilities()[device.CapOnOff]; ok {
		t.Error("expected capability store untouched")
	}
}

func TestBulbUnknownCapability(t *testing.T) {
	f := setupReconciler(t, bulbInfo(), device.Attributes{})

	f.r.HandleEvent(capEvent("30008", "0:0"))

	if len(f.sink.Updates) != 0 {
		t.Errorf("expected no updates, got %v", f.sink.Fields())
	}
}

func TestBulbEmptyOnOffIsOff(t *testing.T) {
	f := setupReconciler(t, bulbInfo(), device.Attributes{})
	f.r.HandleEvent(capEvent(device.CapOnOff, "1"))

	f.r.HandleEvent(capEvent(device.CapOnOff, ""))

	got := f.sink.Values(FieldOn)
	if len(got) != 2 || got[1] != false {
		t.Errorf("expected empty value to mean off, got %v", got)
	}
}

func TestBulbColorTemperatureClamped(t *testing.T) {
	f := setupReconciler(t, bulbInfo(), device.Attributes{})

	f.r.HandleEvent(capEvent(device.CapColorTemperature, "500:0"))

	got := f.sink.Values(FieldColorTemperature)
	if len(got) != 1 || got[0] != MaxMired {
		t.Errorf("expected %d, got %v", MaxMired, got)
	}
}

func TestBulbSetBrightness(t *testing.T) {
	f := setupReconciler(t, bulbInfo(), device.Attributes{})
	f.r.HandleEvent(capEvent(device.CapOnOff, "0"))
	f.sink.Reset()

	reply, got := replyRecorder()
	f.r.SetBrightness(50, reply)
	if len(f.cmd.Sent) != 0 {
		t.Fatal("expected command to wait for debounce")
	}

	f.sched.Advance(100 * time.Millisecond)

	if len(f.cmd.Sent) != 1 {
		t.Fatalf("expected one command, got %v", f.cmd.Sent)
	}
	c := f.cmd.Sent[0]
	if c.Code != device.CapBrightness || c.Value != "128:0" {
		t.Errorf("expected 10008=128:0, got %s=%s", c.Code, c.Value)
	}
	if len(*got) != 1 || (*got)[0] != nil {
		t.Errorf("expected success reply, got %v", *got)
	}

	on := f.sink.Values(FieldOn)
	if len(on) != 1 || on[0] != true {
		t.Errorf("expected on=true once, got %v", on)
	}
	if f.sink.Count(FieldBrightness) != 0 {
		t.Error("expected host-set brightness not to be notified back")
	}

	// Device echoes both changes.
	f.r.HandleEvent(capEvent(device.CapOnOff, "1"))
	f.r.HandleEvent(capEvent(device.CapBrightness, "128:0"))
	if len(f.sink.Updates) != 1 {
		t.Errorf("expected echoes to be suppressed, got %v", f.sink.Fields())
	}
}

func TestSetBrightnessDebounced(t *testing.T) {
	f := setupReconciler(t, bulbInfo(), device.Attributes{})
	f.r.HandleEvent(capEvent(device.CapOnOff, "1"))

	reply, got := replyRecorder()
	f.r.SetBrightness(10, reply)
	f.sched.Advance(50 * time.Millisecond)
	f.r.SetBrightness(20, reply)
	f.sched.Advance(50 * time.Millisecond)
	f.r.SetBrightness(30, reply)
	f.sched.Advance(100 * time.Millisecond)

	if len(f.cmd.Sent) != 1 {
		t.Fatalf("expected one coalesced command, got %v", f.cmd.Sent)
	}
	if want := FormatLevel(HostToDeviceBrightness(30)); f.cmd.Sent[0].Value != want {
		t.Errorf("expected latest value %s, got %s", want, f.cmd.Sent[0].Value)
	}
	if len(*got) != 3 {
		t.Fatalf("expected every caller to get a reply, got %d", len(*got))
	}
	for _, err := range *got {
		if err != nil {
			t.Errorf("expected success, got %v", err)
		}
	}
}

func TestBulbSetBrightnessFailureRestores(t *testing.T) {
	f := setupReconciler(t, bulbInfo(), device.Attributes{})
	f.r.HandleEvent(capEvent(device.CapBrightness, "100:0"))
	f.r.HandleEvent(capEvent(device.CapOnOff, "0"))
	f.sink.Reset()
	f.cmd.Err = errors.New("soap fault")

	reply, got := replyRecorder()
	f.r.SetBrightness(80, reply)
	f.sched.Advance(100 * time.Millisecond)

	if len(*got) != 1 || (*got)[0] == nil {
		t.Fatalf("expected error reply, got %v", *got)
	}
	if v := f.r.Capabilities()[device.CapBrightness]; v != "100:0" {
		t.Errorf("expected brightness capability restored, got %q", v)
	}
	if v := f.r.Capabilities()[device.CapOnOff]; v != "0" {
		t.Errorf("expected power capability restored, got %q", v)
	}
	if f.r.State().On {
		t.Error("expected bulb to remain off")
	}
}

func TestBulbSetOn(t *testing.T) {
	f := setupReconciler(t, bulbInfo(), device.Attributes{})
	f.r.HandleEvent(capEvent(device.CapOnOff, "0"))
	f.sink.Reset()

	reply, got := replyRecorder()
	f.r.SetOn(true, reply)

	if len(f.cmd.Sent) != 1 || f.cmd.Sent[0].Code != device.CapOnOff || f.cmd.Sent[0].Value != "1" {
		t.Fatalf("expected 10006=1, got %v", f.cmd.Sent)
	}
	if len(*got) != 1 || (*got)[0] != nil {
		t.Errorf("expected success, got %v", *got)
	}

	f.r.HandleEvent(capEvent(device.CapOnOff, "1"))
	if len(f.sink.Updates) != 0 {
		t.Errorf("expected echo suppressed, got %v", f.sink.Fields())
	}
}

func TestBulbSetColorTemperature(t *testing.T) {
	f := setupReconciler(t, bulbInfo(), device.Attributes{})

	reply, got := replyRecorder()
	f.r.SetColorTemperature(100, reply)
	f.sched.Advance(100 * time.Millisecond)

	if len(f.cmd.Sent) != 1 || f.cmd.Sent[0].Value != FormatLevel(MinMired) {
		t.Fatalf("expected clamped 30301 command, got %v", f.cmd.Sent)
	}
	if len(*got) != 1 || (*got)[0] != nil {
		t.Errorf("expected success, got %v", *got)
	}
}

func TestBulbInitialize(t *testing.T) {
	f := setupReconciler(t, bulbInfo(), device.Attributes{})
	f.cmd.Capabilities = map[string]string{
		device.CapOnOff:            "1",
		device.CapBrightness:       "255:0",
		device.CapColorTemperature: "250:0",
	}

	f.r.Initialize()

	s := f.r.State()
	if !s.On || s.Brightness != 100 || s.ColorTemperature != 250 {
		t.Errorf("unexpected initial state %+v", s)
	}

	f.r.HandleEvent(capEvent(device.CapBrightness, "255:0"))
	if f.sink.Count(FieldBrightness) != 1 {
		t.Errorf("expected initial value to suppress echo, got %v", f.sink.Values(FieldBrightness))
	}
}

func TestBulbInitializeWithoutPower(t *testing.T) {
	f := setupReconciler(t, bulbInfo(), device.Attributes{})
	f.cmd.Capabilities = map[string]string{device.CapOnOff: "", device.CapBrightness: "255:0"}

	f.r.Initialize()

	got := f.sink.Values(FieldOn)
	if len(got) != 1 || got[0] != false {
		t.Errorf("expected off, got %v", got)
	}
	if f.sink.Count(FieldBrightness) != 0 {
		t.Error("expected brightness not to be published for an unpowered bulb")
	}
}

func TestInsightOffForcesZero(t *testing.T) {
	f := setupReconciler(t, device.Info{ID: "ins", Kind: device.KindInsight, BinaryState: "1"}, device.Attributes{})
	f.r.Initialize()
	f.r.HandleEvent(device.Event{Kind: device.EventPowerSample, Sample: device.PowerSample{State: 1, InstantPowerMW: 50000}})

	f.r.HandleEvent(device.Event{Kind: device.EventBinaryState, On: false})

	s := f.r.State()
	if s.On || s.InUse || s.PowerWatts != 0 {
		t.Errorf("expected off with no power, got %+v", s)
	}
}

func TestInsightStaleSampleAfterOff(t *testing.T) {
	f := setupReconciler(t, device.Info{ID: "ins", Kind: device.KindInsight}, device.Attributes{})

	f.r.HandleEvent(device.Event{Kind: device.EventPowerSample, Sample: device.PowerSample{State: 0, InstantPowerMW: 50000}})

	s := f.r.State()
	if s.InUse || s.PowerWatts != 0 {
		t.Errorf("expected zeroed reading, got %+v", s)
	}
}

func TestMotionProfile(t *testing.T) {
	f := setupReconciler(t, device.Info{ID: "mo", Kind: device.KindMotion, BinaryState: "0"}, device.Attributes{})
	f.r.Initialize()

	f.r.HandleEvent(device.Event{Kind: device.EventBinaryState, On: true})
	f.r.HandleEvent(device.Event{Kind: device.EventBinaryState, On: false})
	f.sched.Advance(time.Minute)

	got := f.sink.Values(FieldMotionDetected)
	if len(got) != 3 || got[0] != false || got[1] != true || got[2] != false {
		t.Errorf("expected [false true false], got %v", got)
	}

	reply, errs := replyRecorder()
	f.r.SetOn(true, reply)
	if len(*errs) != 1 || !errors.Is((*errs)[0], device.ErrUnsupported) {
		t.Errorf("expected ErrUnsupported, got %v", *errs)
	}
}

func TestMakerSwitchProfile(t *testing.T) {
	attrs := device.Attributes{SwitchMode: device.SwitchModeToggle, SensorPresent: true, Sensor: 0, Switch: 0}
	f := setupReconciler(t, device.Info{ID: "mk", Kind: device.KindMaker}, attrs)
	f.r.Initialize()
	f.sink.Reset()

	f.r.HandleEvent(device.Event{Kind: device.EventAttribute, Name: device.AttrSwitch, AttrValue: 1})
	f.r.HandleEvent(device.Event{Kind: device.EventAttribute, Name: device.AttrSensor, AttrValue: 1})

	s := f.r.State()
	if !s.On || !s.ContactDetected {
		t.Errorf("expected on with contact, got %+v", s)
	}
	if len(f.r.Fields()) != 2 {
		t.Errorf("expected on and contact fields, got %v", f.r.Fields())
	}
}

func TestGarageDoorProfile(t *testing.T) {
	attrs := device.Attributes{SwitchMode: device.SwitchModeMomentary, SensorPresent: true, Sensor: 1}
	f := setupReconciler(t, device.Info{ID: "gd", Kind: device.KindMaker}, attrs)
	f.r.Initialize()

	reply, got := replyRecorder()
	f.r.SetTargetDoorState(TargetOpen, reply)
	if len(*got) != 1 || (*got)[0] != nil {
		t.Fatalf("expected success, got %v", *got)
	}
	if f.cmd.Count("binaryState") != 1 {
		t.Errorf("expected one pulse, got %d", f.cmd.Count("binaryState"))
	}

	f.r.HandleEvent(device.Event{Kind: device.EventAttribute, Name: device.AttrSwitch, AttrValue: 1})
	if f.r.State().CurrentDoorState != DoorOpening {
		t.Errorf("expected OPENING, got %s", f.r.State().CurrentDoorState)
	}
}

func TestDimmerBrightness(t *testing.T) {
	f := setupReconciler(t, device.Info{ID: "dim", Kind: device.KindDimmer, BinaryState: "1"}, device.Attributes{})
	f.r.Initialize()

	f.r.HandleEvent(device.Event{Kind: device.EventCapability, Code: device.CapDimmerBrightness, Value: "45"})
	if f.r.State().Brightness != 45 {
		t.Errorf("expected brightness 45, got %d", f.r.State().Brightness)
	}

	reply, got := replyRecorder()
	f.r.SetBrightness(60, reply)
	f.sched.Advance(100 * time.Millisecond)
	if len(f.cmd.Sent) != 1 || f.cmd.Sent[0].Code != device.CapDimmerBrightness || f.cmd.Sent[0].Value != "60" {
		t.Errorf("expected brightness=60, got %v", f.cmd.Sent)
	}
	if len(*got) != 1 || (*got)[0] != nil {
		t.Errorf("expected success, got %v", *got)
	}
}

func TestSetBrightnessUnsupported(t *testing.T) {
	f := setupReconciler(t, device.Info{ID: "sw", Kind: device.KindSwitch}, device.Attributes{})

	reply, got := replyRecorder()
	f.r.SetBrightness(50, reply)
	f.r.SetTargetDoorState(TargetOpen, reply)

	if len(*got) != 2 {
		t.Fatalf("expected 2 replies, got %d", len(*got))
	}
	for _, err := range *got {
		if !errors.Is(err, device.ErrUnsupported) {
			t.Errorf("expected ErrUnsupported, got %v", err)
		}
	}
}

func TestCloseCancelsPendingWork(t *testing.T) {
	f := setupReconciler(t, bulbInfo(), device.Attributes{})

	reply, got := replyRecorder()
	f.r.SetBrightness(50, reply)
	f.r.Close()
	f.sched.Advance(time.Second)

	if len(f.cmd.Sent) != 0 {
		t.Errorf("expected no command after close, got %v", f.cmd.Sent)
	}
	if len(*got) != 1 || !errors.Is((*got)[0], device.ErrNotAvailable) {
		t.Errorf("expected ErrNotAvailable, got %v", *got)
	}

	f.r.HandleEvent(capEvent(device.CapOnOff, "1"))
	if len(f.sink.Updates) != 0 {
		t.Error("expected events to be ignored after close")
	}

	f.r.Reopen()
	f.r.HandleEvent(capEvent(device.CapOnOff, "1"))
	if f.sink.Count(FieldOn) != 1 {
		t.Error("expected events after reopen")
	}
}

func makerDoorInfo() device.Info {
	return device.Info{ID: "gd", Kind: device.KindMaker}
}

func TestDoorReopenMidMoveAcceptsNewRequest(t *testing.T) {
	f := setupReconciler(t, makerDoorInfo(), device.Attributes{SwitchMode: device.SwitchModeMomentary})
	f.r.Initialize()

	reply, got := replyRecorder()
	f.r.SetTargetDoorState(TargetOpen, reply)
	f.r.Close()
	f.r.Reopen()
	f.r.Initialize()

	if f.r.Door().IsMoving() {
		t.Fatal("expected movement forgotten after close")
	}
	if s := f.r.State(); s.CurrentDoorState != DoorClosed || s.TargetDoorState != TargetClosed {
		t.Fatalf("expected CLOSED/CLOSED after reopen, got %s/%s", s.CurrentDoorState, s.TargetDoorState)
	}
	f.sink.Reset()

	f.r.SetTargetDoorState(TargetOpen, reply)
	if len(*got) != 2 || (*got)[1] != nil {
		t.Fatalf("expected success, got %v", *got)
	}
	if f.cmd.Count("binaryState") != 2 {
		t.Errorf("expected a fresh pulse, got %d", f.cmd.Count("binaryState"))
	}
	if !f.r.Door().IsMoving() {
		t.Error("expected the request to start a movement, not stop one")
	}
	for _, v := range f.sink.Values(FieldCurrentDoorState) {
		if v == DoorStopped {
			t.Fatalf("expected no STOPPED state, got %v", f.sink.Values(FieldCurrentDoorState))
		}
	}

	f.sched.Advance(time.Minute)
	if s := f.r.State(); s.CurrentDoorState != DoorOpen || s.TargetDoorState != TargetOpen {
		t.Errorf("expected OPEN/OPEN, got %s/%s", s.CurrentDoorState, s.TargetDoorState)
	}
}

func TestDoorPulseCompletingAfterClose(t *testing.T) {
	f := setupReconciler(t, makerDoorInfo(), device.Attributes{SwitchMode: device.SwitchModeMomentary})
	f.cmd.Manual = true

	reply, got := replyRecorder()
	f.r.SetTargetDoorState(TargetOpen, reply)
	f.r.Close()
	f.cmd.Complete(nil)

	if len(*got) != 1 || !errors.Is((*got)[0], device.ErrNotAvailable) {
		t.Fatalf("expected ErrNotAvailable, got %v", *got)
	}
	if f.sched.Pending() != 0 {
		t.Errorf("expected no timers armed after close, got %d", f.sched.Pending())
	}
	f.sched.Advance(time.Minute)
	if n := f.sink.Count(FieldCurrentDoorState); n != 0 {
		t.Errorf("expected no door updates after close, got %v", f.sink.Values(FieldCurrentDoorState))
	}
}

func TestSetCompletingAfterCloseChangesNothing(t *testing.T) {
	f := setupReconciler(t, bulbInfo(), device.Attributes{})
	f.r.HandleEvent(capEvent(device.CapOnOff, "0"))
	f.cmd.Manual = true

	reply, got := replyRecorder()
	f.r.SetOn(true, reply)
	f.r.SetBrightness(40, reply)
	f.sched.Advance(time.Second)
	f.r.Close()
	for f.cmd.Pending() > 0 {
		f.cmd.Complete(nil)
	}

	if len(*got) != 2 {
		t.Fatalf("expected two replies, got %v", *got)
	}
	for _, err := range *got {
		if !errors.Is(err, device.ErrNotAvailable) {
			t.Errorf("expected ErrNotAvailable, got %v", err)
		}
	}

	f.r.Reopen()
	f.cmd.Manual = false
	f.r.SetOn(true, nil)
	if f.cmd.Count("capability") != 3 {
		t.Errorf("expected the bulb still known as off, got %v", f.cmd.Sent)
	}
}
