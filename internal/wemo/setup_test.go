package wemo

import (
	"context"
	"testing"

	"github.com/sweeney/wemo-bridge/internal/device"
)

func TestKindForDeviceType(t *testing.T) {
	tests := []struct {
		urn  string
		want device.Kind
	}{
		{URNSwitch, device.KindSwitch},
		{URNLightSwitch, device.KindSwitch},
		{URNInsight, device.KindInsight},
		{URNMotion, device.KindMotion},
		{URNNetCam, device.KindMotion},
		{URNMaker, device.KindMaker},
		{URNDimmer, device.KindDimmer},
		{URNBridge, device.KindUnknown},
		{"urn:Belkin:device:crockpot:1", device.KindUnknown},
	}
	for _, tc := range tests {
		if got := KindForDeviceType(tc.urn); got != tc.want {
			t.Errorf("KindForDeviceType(%s): expected %s, got %s", tc.urn, tc.want, got)
		}
	}
}

func TestLoadDescription(t *testing.T) {
	f := newFakeDevice(t, URNInsight)

	d, err := LoadDescription(context.Background(), nil, f.setupURL())
	if err != nil {
		t.Fatalf("LoadDescription: %v", err)
	}
	if d.BaseURL != f.server.URL {
		t.Errorf("expected base %s, got %s", f.server.URL, d.BaseURL)
	}

	info := d.Info()
	if info.ID != "24F5A2AABBCC" {
		t.Errorf("expected MAC id, got %s", info.ID)
	}
	if info.Kind != device.KindInsight {
		t.Errorf("expected insight, got %s", info.Kind)
	}
	if info.Name != "Hall Light" || info.Serial != "221517K0101769" {
		t.Errorf("unexpected info %+v", info)
	}
	if info.BinaryState != "1" {
		t.Errorf("expected binary state 1, got %q", info.BinaryState)
	}
	if info.SetupURL != f.setupURL() {
		t.Errorf("expected setup url kept, got %s", info.SetupURL)
	}
}

func TestLoadDescriptionNotFound(t *testing.T) {
	f := newFakeDevice(t, URNSwitch)

	if _, err := LoadDescription(context.Background(), nil, f.server.URL+"/missing.xml"); err == nil {
		t.Fatal("expected error for missing description")
	}
}

func TestParseDescriptionRejectsGarbage(t *testing.T) {
	if _, err := ParseDescription([]byte("<root><device></device></root>"), "http://10.0.0.2:49153/setup.xml"); err == nil {
		t.Error("expected error for description without device type")
	}
	if _, err := ParseDescription([]byte("not xml"), "http://10.0.0.2:49153/setup.xml"); err == nil {
		t.Error("expected error for invalid xml")
	}
}

func TestDescriptionIDFallsBackToUDN(t *testing.T) {
	d := &Description{UDN: "uuid:Bridge-1_0-231442B0100001"}
	if d.ID() != d.UDN {
		t.Errorf("expected UDN, got %s", d.ID())
	}
}
