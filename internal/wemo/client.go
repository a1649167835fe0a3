package wemo

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/sweeney/wemo-bridge/internal/device"
)

// Client controls one standalone WeMo unit. It implements device.Link.
type Client struct {
	desc   *Description
	kind   device.Kind
	events *EventServer
	log    zerolog.Logger

	basic       *action
	insight     *action
	deviceEvent *action
}

// NewClient creates a client for the described device. events may be nil,
// in which case Subscribe fails.
func NewClient(desc *Description, events *EventServer, log zerolog.Logger) (*Client, error) {
	c := &Client{
		desc:   desc,
		kind:   KindForDeviceType(desc.DeviceType),
		events: events,
		log:    log.With().Str("device", desc.ID()).Logger(),
	}
	var err error
	if c.basic, err = newAction(desc.BaseURL, BasicEventControlPath, ServiceBasicEvent); err != nil {
		return nil, err
	}
	if c.insight, err = newAction(desc.BaseURL, InsightControlPath, ServiceInsight); err != nil {
		return nil, err
	}
	if c.deviceEvent, err = newAction(desc.BaseURL, DeviceEventControlPath, ServiceDeviceEvent); err != nil {
		return nil, err
	}
	return c, nil
}

// Description returns the description the client was built from.
func (c *Client) Description() *Description { return c.desc }

type binaryStateArgs struct {
	BinaryState string
}

type brightnessArgs struct {
	Brightness string `soap:"brightness"`
}

type binaryStateResult struct {
	BinaryState string `xml:"BinaryState"`
	Brightness  string `xml:"brightness"`
}

// SetBinaryState switches the device. For a Maker this pulses or toggles
// the relay depending on its switch mode.
func (c *Client) SetBinaryState(ctx context.Context, on bool) error {
	in := binaryStateArgs{BinaryState: "0"}
	if on {
		in.BinaryState = "1"
	}
	var out binaryStateResult
	if err := c.basic.call(ctx, "SetBinaryState", &in, &out); err != nil {
		return err
	}
	if out.BinaryState == "Error" {
		return &device.Error{Code: out.BinaryState, Err: errors.New("SetBinaryState rejected")}
	}
	return nil
}

// SetCapability sets the brightness of a Dimmer. No other capability is
// settable on a standalone device.
func (c *Client) SetCapability(ctx context.Context, code, value string) error {
	if c.kind != device.KindDimmer || code != device.CapDimmerBrightness {
		return fmt.Errorf("capability %s: %w", code, device.ErrUnsupported)
	}
	if _, err := strconv.Atoi(value); err != nil {
		return fmt.Errorf("brightness %q: %w", value, err)
	}
	var out binaryStateResult
	return c.basic.call(ctx, "SetBinaryState", &brightnessArgs{Brightness: value}, &out)
}

// QueryCapabilities returns the binary state, and the brightness of a
// Dimmer, keyed by state variable name.
func (c *Client) QueryCapabilities(ctx context.Context) (map[string]string, error) {
	var out binaryStateResult
	if err := c.basic.call(ctx, "GetBinaryState", &noArgs{}, &out); err != nil {
		return nil, err
	}
	caps := map[string]string{"BinaryState": out.BinaryState}
	if c.kind == device.KindDimmer {
		caps[device.CapDimmerBrightness] = out.Brightness
	}
	return caps, nil
}

// QueryAttributes reads the attribute list of a Maker.
func (c *Client) QueryAttributes(ctx context.Context) (device.Attributes, error) {
	if c.kind != device.KindMaker {
		return device.Attributes{}, fmt.Errorf("attributes: %w", device.ErrUnsupported)
	}
	var out struct {
		AttributeList string `xml:"attributeList"`
	}
	if err := c.deviceEvent.call(ctx, "GetAttributes", &noArgs{}, &out); err != nil {
		return device.Attributes{}, err
	}
	list, err := ParseAttributeList(out.AttributeList)
	if err != nil {
		return device.Attributes{}, err
	}
	return AttributesFrom(list), nil
}

// InsightParams reads the current Insight telemetry.
func (c *Client) InsightParams(ctx context.Context) (device.PowerSample, error) {
	if c.kind != device.KindInsight {
		return device.PowerSample{}, fmt.Errorf("insight params: %w", device.ErrUnsupported)
	}
	var out struct {
		InsightParams string `xml:"InsightParams"`
	}
	if err := c.insight.call(ctx, "GetInsightParams", &noArgs{}, &out); err != nil {
		return device.PowerSample{}, err
	}
	return ParseInsightParams(out.InsightParams)
}

// Subscribe registers for basic events, and Insight events for an Insight.
func (c *Client) Subscribe(ctx context.Context, handler func(device.Event)) (device.Subscription, error) {
	if c.events == nil {
		return nil, fmt.Errorf("subscribe: %w", device.ErrNotAvailable)
	}
	deliver := func(props []Property) {
		for _, ev := range Events(props) {
			handler(ev)
		}
	}

	paths := []string{BasicEventEventPath}
	if c.kind == device.KindInsight {
		paths = append(paths, InsightEventPath)
	}

	var subs subscriptions
	for _, p := range paths {
		sub, err := c.events.Subscribe(ctx, c.desc.BaseURL+p, deliver)
		if err != nil {
			subs.Close()
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// subscriptions closes several GENA subscriptions as one.
type subscriptions []*Subscription

func (s subscriptions) Close() error {
	var errs []error
	for _, sub := range s {
		if err := sub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
