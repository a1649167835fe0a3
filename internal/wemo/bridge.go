package wemo

import (
	"context"
	"encoding/xml"
	"fmt"
	"html"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sweeney/wemo-bridge/internal/device"
)

// Bridge is a WeMo Link hub. Its bulbs are controlled through the bridge
// service, and the bridge reports every bulb's changes on one event stream.
type Bridge struct {
	desc   *Description
	events *EventServer
	log    zerolog.Logger
	ctl    *action

	mu       sync.Mutex
	sub      *Subscription
	nextID   int
	handlers map[int]func(device.Event)
}

// NewBridge creates a client for the described bridge.
func NewBridge(desc *Description, events *EventServer, log zerolog.Logger) (*Bridge, error) {
	ctl, err := newAction(desc.BaseURL, BridgeControlPath, ServiceBridge)
	if err != nil {
		return nil, err
	}
	return &Bridge{
		desc:     desc,
		events:   events,
		log:      log.With().Str("bridge", desc.ID()).Logger(),
		ctl:      ctl,
		handlers: make(map[int]func(device.Event)),
	}, nil
}

// Description returns the description the bridge was built from.
func (b *Bridge) Description() *Description { return b.desc }

type endDeviceInfo struct {
	DeviceID        string `xml:"DeviceID"`
	FriendlyName    string `xml:"FriendlyName"`
	FirmwareVersion string `xml:"FirmwareVersion"`
	CapabilityIDs   string `xml:"CapabilityIDs"`
	CurrentState    string `xml:"CurrentState"`
	Manufacturer    string `xml:"Manufacturer"`
	ModelCode       string `xml:"ModelCode"`
	ProductName     string `xml:"productName"`
}

// ParseEndDevices decodes a GetEndDevices DeviceLists document into bulb
// descriptions belonging to bridge.
func ParseEndDevices(v string, bridge *Description) ([]device.Info, error) {
	var lists struct {
		Devices []endDeviceInfo `xml:"DeviceList>DeviceInfos>DeviceInfo"`
	}
	if err := xml.Unmarshal([]byte(unescapeFragment(v)), &lists); err != nil {
		return nil, fmt.Errorf("decode end devices: %w", err)
	}
	out := make([]device.Info, 0, len(lists.Devices))
	for _, d := range lists.Devices {
		manufacturer := d.Manufacturer
		if manufacturer == "" {
			manufacturer = bridge.Manufacturer
		}
		out = append(out, device.Info{
			ID:           d.DeviceID,
			Kind:         device.KindBridgeBulb,
			Name:         d.FriendlyName,
			Manufacturer: manufacturer,
			Model:        d.ModelCode,
			ModelNumber:  d.ProductName,
			Serial:       d.DeviceID,
			Firmware:     d.FirmwareVersion,
			UDN:          bridge.UDN,
			SetupURL:     bridge.SetupURL,
			BridgeID:     bridge.ID(),
			Capabilities: splitList(d.CapabilityIDs),
		})
	}
	return out, nil
}

// Bulbs lists the bulbs paired with the bridge.
func (b *Bridge) Bulbs(ctx context.Context) ([]device.Info, error) {
	in := struct {
		DevUDN      string
		ReqListType string
	}{DevUDN: b.desc.UDN, ReqListType: "PAIRED_LIST"}
	var out struct {
		DeviceLists string `xml:"DeviceLists"`
	}
	if err := b.ctl.call(ctx, "GetEndDevices", &in, &out); err != nil {
		return nil, err
	}
	return ParseEndDevices(out.DeviceLists, b.desc)
}

// Bulb returns the link for one bulb behind the bridge.
func (b *Bridge) Bulb(id string) *BulbLink {
	return &BulbLink{bridge: b, id: id}
}

func (b *Bridge) setDeviceStatus(ctx context.Context, id, code, value string) error {
	status := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?><DeviceStatus><IsGroupAction>NO</IsGroupAction><DeviceID available="YES">%s</DeviceID><CapabilityID>%s</CapabilityID><CapabilityValue>%s</CapabilityValue></DeviceStatus>`,
		html.EscapeString(id), html.EscapeString(code), html.EscapeString(value))
	in := struct{ DeviceStatusList string }{DeviceStatusList: status}
	var out struct {
		ErrorDeviceIDs string `xml:"ErrorDeviceIDs"`
	}
	if err := b.ctl.call(ctx, "SetDeviceStatus", &in, &out); err != nil {
		return err
	}
	if strings.TrimSpace(out.ErrorDeviceIDs) != "" {
		return &device.Error{Code: "SetDeviceStatus", Err: fmt.Errorf("bridge rejected %s", out.ErrorDeviceIDs)}
	}
	return nil
}

// ParseDeviceStatus decodes a GetDeviceStatus DeviceStatusList into
// capability values for id. An unavailable bulb reports empty values.
func ParseDeviceStatus(v, id string) (map[string]string, error) {
	var list struct {
		Statuses []struct {
			DeviceID struct {
				Available string `xml:"available,attr"`
				Value     string `xml:",chardata"`
			} `xml:"DeviceID"`
			CapabilityID    string `xml:"CapabilityID"`
			CapabilityValue string `xml:"CapabilityValue"`
		} `xml:"DeviceStatus"`
	}
	if err := xml.Unmarshal([]byte(unescapeFragment(v)), &list); err != nil {
		return nil, fmt.Errorf("decode device status: %w", err)
	}
	for _, s := range list.Statuses {
		if strings.TrimSpace(s.DeviceID.Value) != id {
			continue
		}
		codes := splitList(s.CapabilityID)
		values := strings.Split(s.CapabilityValue, ",")
		caps := make(map[string]string, len(codes))
		for i, code := range codes {
			v := ""
			if i < len(values) && !strings.EqualFold(s.DeviceID.Available, "NO") {
				v = strings.TrimSpace(values[i])
			}
			caps[code] = v
		}
		return caps, nil
	}
	return nil, fmt.Errorf("device status: %s not reported: %w", id, device.ErrNotAvailable)
}

func (b *Bridge) deviceStatus(ctx context.Context, id string) (map[string]string, error) {
	in := struct{ DeviceIDs string }{DeviceIDs: id}
	var out struct {
		DeviceStatusList string `xml:"DeviceStatusList"`
	}
	if err := b.ctl.call(ctx, "GetDeviceStatus", &in, &out); err != nil {
		return nil, err
	}
	return ParseDeviceStatus(out.DeviceStatusList, id)
}

func (b *Bridge) subscribe(ctx context.Context, handler func(device.Event)) (device.Subscription, error) {
	if b.events == nil {
		return nil, fmt.Errorf("subscribe: %w", device.ErrNotAvailable)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sub == nil {
		sub, err := b.events.Subscribe(ctx, b.desc.BaseURL+BridgeEventPath, b.deliver)
		if err != nil {
			return nil, err
		}
		b.sub = sub
	}
	b.nextID++
	id := b.nextID
	b.handlers[id] = handler
	return &bulbSubscription{bridge: b, id: id}, nil
}

func (b *Bridge) unsubscribe(id int) error {
	b.mu.Lock()
	delete(b.handlers, id)
	var sub *Subscription
	if len(b.handlers) == 0 {
		sub, b.sub = b.sub, nil
	}
	b.mu.Unlock()

	if sub != nil {
		return sub.Close()
	}
	return nil
}

func (b *Bridge) deliver(props []Property) {
	events := Events(props)

	b.mu.Lock()
	handlers := make([]func(device.Event), 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, ev := range events {
		for _, h := range handlers {
			h(ev)
		}
	}
}

type bulbSubscription struct {
	bridge *Bridge
	id     int
	once   sync.Once
}

func (s *bulbSubscription) Close() error {
	var err error
	s.once.Do(func() { err = s.bridge.unsubscribe(s.id) })
	return err
}

// BulbLink controls one bulb through its bridge. It implements device.Link.
type BulbLink struct {
	bridge *Bridge
	id     string
}

// SetBinaryState switches the bulb through capability 10006.
func (l *BulbLink) SetBinaryState(ctx context.Context, on bool) error {
	v := "0"
	if on {
		v = "1"
	}
	return l.bridge.setDeviceStatus(ctx, l.id, device.CapOnOff, v)
}

// SetCapability writes one raw capability value.
func (l *BulbLink) SetCapability(ctx context.Context, code, value string) error {
	return l.bridge.setDeviceStatus(ctx, l.id, code, value)
}

// QueryCapabilities asks the bridge for the bulb's current values.
func (l *BulbLink) QueryCapabilities(ctx context.Context) (map[string]string, error) {
	return l.bridge.deviceStatus(ctx, l.id)
}

// QueryAttributes is not supported by bulbs.
func (l *BulbLink) QueryAttributes(context.Context) (device.Attributes, error) {
	return device.Attributes{}, fmt.Errorf("attributes: %w", device.ErrUnsupported)
}

// Subscribe registers for the bridge's events. Events for every bulb on the
// bridge are delivered.
func (l *BulbLink) Subscribe(ctx context.Context, handler func(device.Event)) (device.Subscription, error) {
	return l.bridge.subscribe(ctx, handler)
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func unescapeFragment(v string) string {
	if !strings.Contains(v, "<") {
		return html.UnescapeString(v)
	}
	return v
}
