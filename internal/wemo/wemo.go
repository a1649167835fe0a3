// Package wemo talks to Belkin WeMo units on the local network: SSDP
// discovery, setup.xml descriptions, SOAP control actions and GENA event
// subscriptions. Client and BulbLink implement device.Link.
package wemo

import (
	"errors"
	"time"
)

// Device type URNs advertised in setup.xml.
const (
	URNSwitch      = "urn:Belkin:device:controllee:1"
	URNLightSwitch = "urn:Belkin:device:lightswitch:1"
	URNInsight     = "urn:Belkin:device:insight:1"
	URNMotion      = "urn:Belkin:device:sensor:1"
	URNNetCam      = "urn:Belkin:device:NetCamSensor:1"
	URNMaker       = "urn:Belkin:device:Maker:1"
	URNDimmer      = "urn:Belkin:device:dimmer:1"
	URNBridge      = "urn:Belkin:device:bridge:1"
)

// Service URNs used for SOAP actions.
const (
	ServiceBasicEvent  = "urn:Belkin:service:basicevent:1"
	ServiceInsight     = "urn:Belkin:service:insight:1"
	ServiceDeviceEvent = "urn:Belkin:service:deviceevent:1"
	ServiceBridge      = "urn:Belkin:service:bridge:1"
)

// Control and event paths, relative to the device base URL.
const (
	BasicEventControlPath  = "/upnp/control/basicevent1"
	BasicEventEventPath    = "/upnp/event/basicevent1"
	InsightControlPath     = "/upnp/control/insight1"
	InsightEventPath       = "/upnp/event/insight1"
	DeviceEventControlPath = "/upnp/control/deviceevent1"
	BridgeControlPath      = "/upnp/control/bridge1"
	BridgeEventPath        = "/upnp/event/bridge1"
)

const (
	// DefaultSubscriptionTimeout is requested for every GENA subscription.
	DefaultSubscriptionTimeout = 30 * time.Minute

	// DefaultRequestTimeout bounds one SOAP or description request.
	DefaultRequestTimeout = 10 * time.Second
)

var (
	// ErrSOAPFault is wrapped by errors returned for a SOAP fault response.
	ErrSOAPFault = errors.New("soap fault")

	// ErrNotSubscribed is returned when renewing a subscription that has no SID.
	ErrNotSubscribed = errors.New("not subscribed")
)
