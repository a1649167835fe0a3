package wemo

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/sweeney/wemo-bridge/internal/device"
)

// Description is the subset of a WeMo setup.xml the bridge uses.
type Description struct {
	DeviceType   string `xml:"device>deviceType"`
	FriendlyName string `xml:"device>friendlyName"`
	Manufacturer string `xml:"device>manufacturer"`
	ModelName    string `xml:"device>modelName"`
	ModelNumber  string `xml:"device>modelNumber"`
	SerialNumber string `xml:"device>serialNumber"`
	Firmware     string `xml:"device>firmwareVersion"`
	UDN          string `xml:"device>UDN"`
	MacAddress   string `xml:"device>macAddress"`
	BinaryState  string `xml:"device>binaryState"`

	// SetupURL is where the description was loaded from.
	SetupURL string `xml:"-"`
	// BaseURL is scheme://host:port of the device.
	BaseURL string `xml:"-"`
}

// KindForDeviceType maps a setup.xml device type to a device kind. A bridge
// maps to KindUnknown because only its bulbs become accessories.
func KindForDeviceType(urn string) device.Kind {
	switch urn {
	case URNSwitch, URNLightSwitch:
		return device.KindSwitch
	case URNInsight:
		return device.KindInsight
	case URNMotion, URNNetCam:
		return device.KindMotion
	case URNMaker:
		return device.KindMaker
	case URNDimmer:
		return device.KindDimmer
	}
	return device.KindUnknown
}

// IsBridge reports whether the description is a WeMo Link bridge.
func (d *Description) IsBridge() bool {
	return d.DeviceType == URNBridge
}

// ID returns the stable identifier of the device: its MAC address, or the
// UDN when the description carries none.
func (d *Description) ID() string {
	if d.MacAddress != "" {
		return strings.ToUpper(d.MacAddress)
	}
	return d.UDN
}

// Info converts the description to a device.Info.
func (d *Description) Info() device.Info {
	return device.Info{
		ID:           d.ID(),
		Kind:         KindForDeviceType(d.DeviceType),
		Name:         d.FriendlyName,
		Manufacturer: d.Manufacturer,
		Model:        d.ModelName,
		ModelNumber:  d.ModelNumber,
		Serial:       d.SerialNumber,
		Firmware:     d.Firmware,
		UDN:          d.UDN,
		SetupURL:     d.SetupURL,
		BinaryState:  d.BinaryState,
	}
}

// ParseDescription decodes a setup.xml document loaded from setupURL.
func ParseDescription(data []byte, setupURL string) (*Description, error) {
	var d Description
	if err := xml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decode setup.xml: %w", err)
	}
	if d.DeviceType == "" {
		return nil, fmt.Errorf("decode setup.xml: no device type")
	}
	base, err := baseURL(setupURL)
	if err != nil {
		return nil, err
	}
	d.SetupURL = setupURL
	d.BaseURL = base
	return &d, nil
}

// LoadDescription fetches and decodes the setup.xml at setupURL.
func LoadDescription(ctx context.Context, hc *http.Client, setupURL string) (*Description, error) {
	if hc == nil {
		hc = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, setupURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", setupURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("load %s: unexpected status %d", setupURL, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", setupURL, err)
	}
	return ParseDescription(data, setupURL)
}

func baseURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", raw, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("parse url %q: no host", raw)
	}
	u.Path = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}
