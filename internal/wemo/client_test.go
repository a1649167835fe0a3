package wemo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/wemo-bridge/internal/device"
)

func setupClient(t *testing.T, deviceType string) (*Client, *fakeDevice, *EventServer, *httptest.Server) {
	t.Helper()
	f := newFakeDevice(t, deviceType)

	es := NewEventServer(":0", "", time.Minute, zerolog.Nop())
	cb := httptest.NewServer(es.Handler())
	t.Cleanup(cb.Close)
	es.callbackBase = cb.URL

	c, err := NewClient(f.description(t), es, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c, f, es, cb
}

func TestSetBinaryState(t *testing.T) {
	c, f, _, _ := setupClient(t, URNSwitch)
	f.respond("SetBinaryState", map[string]string{"BinaryState": "1"})

	if err := c.SetBinaryState(context.Background(), true); err != nil {
		t.Fatalf("SetBinaryState: %v", err)
	}

	calls := f.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Path != BasicEventControlPath || calls[0].Action != "SetBinaryState" {
		t.Errorf("unexpected call %+v", calls[0])
	}
	if calls[0].Args["BinaryState"] != "1" {
		t.Errorf("expected BinaryState=1, got %v", calls[0].Args)
	}
}

func TestSetBinaryStateRejected(t *testing.T) {
	c, f, _, _ := setupClient(t, URNSwitch)
	f.respond("SetBinaryState", map[string]string{"BinaryState": "Error"})

	err := c.SetBinaryState(context.Background(), false)
	var devErr *device.Error
	if !errors.As(err, &devErr) {
		t.Fatalf("expected device.Error, got %v", err)
	}
}

func TestSOAPFault(t *testing.T) {
	c, f, _, _ := setupClient(t, URNSwitch)
	f.fault("SetBinaryState", "s:Client")

	err := c.SetBinaryState(context.Background(), true)
	if !errors.Is(err, ErrSOAPFault) {
		t.Fatalf("expected ErrSOAPFault, got %v", err)
	}
	var devErr *device.Error
	if !errors.As(err, &devErr) || devErr.Code != "s:Client" {
		t.Errorf("expected fault code s:Client, got %v", err)
	}
}

func TestDimmerCapability(t *testing.T) {
	c, f, _, _ := setupClient(t, URNDimmer)
	f.respond("GetBinaryState", map[string]string{"BinaryState": "1", "brightness": "64"})

	if err := c.SetCapability(context.Background(), device.CapDimmerBrightness, "40"); err != nil {
		t.Fatalf("SetCapability: %v", err)
	}
	calls := f.Calls()
	if calls[0].Args["brightness"] != "40" {
		t.Errorf("expected brightness=40, got %v", calls[0].Args)
	}

	caps, err := c.QueryCapabilities(context.Background())
	if err != nil {
		t.Fatalf("QueryCapabilities: %v", err)
	}
	if caps[device.CapDimmerBrightness] != "64" || caps["BinaryState"] != "1" {
		t.Errorf("unexpected capabilities %v", caps)
	}
}

func TestSetCapabilityUnsupported(t *testing.T) {
	c, _, _, _ := setupClient(t, URNSwitch)

	err := c.SetCapability(context.Background(), device.CapBrightness, "100:0")
	if !errors.Is(err, device.ErrUnsupported) {
		t.Errorf("expected ErrUnsupported, got %v", err)
	}
	if _, err := c.QueryAttributes(context.Background()); !errors.Is(err, device.ErrUnsupported) {
		t.Errorf("expected ErrUnsupported for attributes, got %v", err)
	}
}

func TestMakerAttributes(t *testing.T) {
	c, f, _, _ := setupClient(t, URNMaker)
	f.respond("GetAttributes", map[string]string{
		"attributeList": "<attribute><name>Switch</name><value>0</value></attribute>" +
			"<attribute><name>Sensor</name><value>1</value></attribute>" +
			"<attribute><name>SwitchMode</name><value>1</value></attribute>" +
			"<attribute><name>SensorPresent</name><value>1</value></attribute>",
	})

	a, err := c.QueryAttributes(context.Background())
	if err != nil {
		t.Fatalf("QueryAttributes: %v", err)
	}
	want := device.Attributes{SwitchMode: 1, SensorPresent: true, Sensor: 1}
	if a != want {
		t.Errorf("expected %+v, got %+v", want, a)
	}
	if f.Calls()[0].Path != DeviceEventControlPath {
		t.Errorf("expected deviceevent path, got %s", f.Calls()[0].Path)
	}
}

func TestInsightParams(t *testing.T) {
	c, f, _, _ := setupClient(t, URNInsight)
	f.respond("GetInsightParams", map[string]string{"InsightParams": "1|1612345678|120|3600|99999|1209600|8|42000|600000|5000000.000000|8000"})

	s, err := c.InsightParams(context.Background())
	if err != nil {
		t.Fatalf("InsightParams: %v", err)
	}
	if s.State != 1 || s.InstantPowerMW != 42000 {
		t.Errorf("unexpected sample %+v", s)
	}
}

func notify(t *testing.T, callback, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest("NOTIFY", callback, strings.NewReader(body))
	if err != nil {
		t.Fatalf("create NOTIFY: %v", err)
	}
	req.Header.Set("NT", "upnp:event")
	req.Header.Set("NTS", "upnp:propchange")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("NOTIFY: %v", err)
	}
	resp.Body.Close()
	return resp
}

func callbackURL(t *testing.T, r *http.Request) string {
	t.Helper()
	cb := strings.Trim(r.Header.Get("CALLBACK"), "<>")
	if cb == "" {
		t.Fatal("expected CALLBACK header")
	}
	return cb
}

func TestSubscribeDeliversEvents(t *testing.T) {
	c, f, es, _ := setupClient(t, URNInsight)

	var mu sync.Mutex
	var got []device.Event
	sub, err := c.Subscribe(context.Background(), func(ev device.Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	subs := f.Subscribes()
	if len(subs) != 2 {
		t.Fatalf("expected basicevent and insight subscriptions, got %d", len(subs))
	}
	if subs[0].URL.Path != BasicEventEventPath || subs[1].URL.Path != InsightEventPath {
		t.Errorf("unexpected paths %s %s", subs[0].URL.Path, subs[1].URL.Path)
	}
	if subs[0].Header.Get("NT") != "upnp:event" || subs[0].Header.Get("TIMEOUT") != "Second-60" {
		t.Errorf("unexpected headers %v", subs[0].Header)
	}

	resp := notify(t, callbackURL(t, subs[0]), `<e:propertyset xmlns:e="urn:schemas-upnp-org:event-1-0"><e:property><BinaryState>0</BinaryState></e:property></e:propertyset>`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	mu.Lock()
	if len(got) != 1 || got[0].Kind != device.EventBinaryState || got[0].On {
		t.Errorf("expected binary state off, got %+v", got)
	}
	mu.Unlock()

	if err := sub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if es.Len() != 0 {
		t.Errorf("expected no live subscriptions, got %d", es.Len())
	}
	if len(f.Unsubscribes()) != 2 {
		t.Errorf("expected 2 UNSUBSCRIBE, got %v", f.Unsubscribes())
	}

	resp = notify(t, callbackURL(t, subs[0]), `<e:propertyset xmlns:e="urn:schemas-upnp-org:event-1-0"><e:property><BinaryState>1</BinaryState></e:property></e:propertyset>`)
	if resp.StatusCode != http.StatusPreconditionFailed {
		t.Errorf("expected 412 after close, got %d", resp.StatusCode)
	}
}

func TestNotifyBadBody(t *testing.T) {
	c, f, _, _ := setupClient(t, URNSwitch)
	if _, err := c.Subscribe(context.Background(), func(device.Event) {}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	resp := notify(t, callbackURL(t, f.Subscribes()[0]), "<not-closed")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestRenewDue(t *testing.T) {
	c, f, es, _ := setupClient(t, URNSwitch)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	es.now = func() time.Time { return now }

	sub, err := c.Subscribe(context.Background(), func(device.Event) {})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// Device granted 1800s; nothing due yet.
	es.RenewDue(context.Background())
	if len(f.Subscribes()) != 1 {
		t.Fatalf("expected no renewal, got %d subscribes", len(f.Subscribes()))
	}

	now = now.Add(1799 * time.Second)
	es.RenewDue(context.Background())
	subs := f.Subscribes()
	if len(subs) != 2 {
		t.Fatalf("expected renewal, got %d subscribes", len(subs))
	}
	if subs[1].Header.Get("SID") != "uuid:sub-1" {
		t.Errorf("expected renewal with SID, got %v", subs[1].Header)
	}

	// A refused renewal falls back to a fresh subscription.
	f.mu.Lock()
	f.rejectRenew = true
	f.mu.Unlock()
	now = now.Add(1799 * time.Second)
	es.RenewDue(context.Background())

	subs = f.Subscribes()
	if len(subs) != 4 {
		t.Fatalf("expected renew and resubscribe, got %d subscribes", len(subs))
	}
	if subs[3].Header.Get("SID") != "" || subs[3].Header.Get("CALLBACK") == "" {
		t.Errorf("expected fresh subscription, got %v", subs[3].Header)
	}
	if sid := sub.(subscriptions)[0].SID(); sid != "uuid:sub-2" {
		t.Errorf("expected new SID uuid:sub-2, got %s", sid)
	}
}

func TestSubscribeWithoutEventServer(t *testing.T) {
	f := newFakeDevice(t, URNSwitch)
	c, err := NewClient(f.description(t), nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := c.Subscribe(context.Background(), func(device.Event) {}); !errors.Is(err, device.ErrNotAvailable) {
		t.Errorf("expected ErrNotAvailable, got %v", err)
	}
}
