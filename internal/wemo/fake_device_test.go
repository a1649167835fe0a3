package wemo

import (
	"encoding/xml"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// soapCall is one control request received by fakeDevice.
type soapCall struct {
	Path   string
	Action string
	Args   map[string]string
}

// fakeDevice is an httptest WeMo unit serving setup.xml, SOAP actions and
// GENA subscriptions.
type fakeDevice struct {
	t      *testing.T
	server *httptest.Server

	mu          sync.Mutex
	deviceType  string
	mac         string
	calls       []soapCall
	responses   map[string]map[string]string
	faults      map[string]string
	subscribes  []*http.Request
	unsubs      []string
	nextSID     int
	rejectRenew bool
}

func newFakeDevice(t *testing.T, deviceType string) *fakeDevice {
	t.Helper()
	f := &fakeDevice{
		t:          t,
		deviceType: deviceType,
		mac:        "24F5A2AABBCC",
		responses:  make(map[string]map[string]string),
		faults:     make(map[string]string),
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeDevice) setupURL() string {
	return f.server.URL + "/setup.xml"
}

func (f *fakeDevice) description(t *testing.T) *Description {
	t.Helper()
	d, err := ParseDescription([]byte(f.setupXML()), f.setupURL())
	if err != nil {
		t.Fatalf("parse description: %v", err)
	}
	return d
}

// respond sets the response arguments for an action.
func (f *fakeDevice) respond(action string, args map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[action] = args
}

// fault makes an action fail with a SOAP fault.
func (f *fakeDevice) fault(action, code string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[action] = code
}

func (f *fakeDevice) Calls() []soapCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]soapCall, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeDevice) Subscribes() []*http.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*http.Request, len(f.subscribes))
	copy(out, f.subscribes)
	return out
}

func (f *fakeDevice) Unsubscribes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.unsubs))
	copy(out, f.unsubs)
	return out
}

func (f *fakeDevice) setupXML() string {
	return fmt.Sprintf(`<?xml version="1.0"?>
<root xmlns="urn:Belkin:device-1-0">
  <specVersion><major>1</major><minor>0</minor></specVersion>
  <device>
    <deviceType>%s</deviceType>
    <friendlyName>Hall Light</friendlyName>
    <manufacturer>Belkin International Inc.</manufacturer>
    <modelName>Socket</modelName>
    <modelNumber>1.0</modelNumber>
    <serialNumber>221517K0101769</serialNumber>
    <UDN>uuid:Socket-1_0-221517K0101769</UDN>
    <macAddress>%s</macAddress>
    <firmwareVersion>WeMo_WW_2.00.11057.PVT-OWRT-SNS</firmwareVersion>
    <binaryState>1</binaryState>
  </device>
</root>`, f.deviceType, f.mac)
}

func (f *fakeDevice) serve(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/setup.xml":
		w.Header().Set("Content-Type", "text/xml")
		fmt.Fprint(w, f.setupXML())
	case r.Method == http.MethodPost:
		f.serveSOAP(w, r)
	case r.Method == "SUBSCRIBE":
		f.mu.Lock()
		f.subscribes = append(f.subscribes, r.Clone(r.Context()))
		sid := r.Header.Get("SID")
		if sid != "" && f.rejectRenew {
			f.mu.Unlock()
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}
		if sid == "" {
			f.nextSID++
			sid = fmt.Sprintf("uuid:sub-%d", f.nextSID)
		}
		f.mu.Unlock()
		w.Header().Set("SID", sid)
		w.Header().Set("TIMEOUT", "Second-1800")
		w.WriteHeader(http.StatusOK)
	case r.Method == "UNSUBSCRIBE":
		f.mu.Lock()
		f.unsubs = append(f.unsubs, r.Header.Get("SID"))
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeDevice) serveSOAP(w http.ResponseWriter, r *http.Request) {
	soapAction := strings.Trim(r.Header.Get("SOAPACTION"), `"`)
	service, action, _ := strings.Cut(soapAction, "#")

	var env struct {
		Body struct {
			Action struct {
				Args []struct {
					XMLName xml.Name
					Value   string `xml:",chardata"`
				} `xml:",any"`
			} `xml:",any"`
		} `xml:"Body"`
	}
	if err := xml.NewDecoder(r.Body).Decode(&env); err != nil {
		f.t.Errorf("decode SOAP request: %v", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	args := make(map[string]string)
	for _, a := range env.Body.Action.Args {
		args[a.XMLName.Local] = a.Value
	}

	f.mu.Lock()
	f.calls = append(f.calls, soapCall{Path: r.URL.Path, Action: action, Args: args})
	faultCode, faulted := f.faults[action]
	resp := f.responses[action]
	f.mu.Unlock()

	w.Header().Set("Content-Type", `text/xml; charset="utf-8"`)
	if faulted {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintf(w, `<?xml version="1.0"?><s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/"><s:Body><s:Fault><faultcode>%s</faultcode><faultstring>UPnPError</faultstring><detail><UPnPError xmlns="urn:schemas-upnp-org:control-1-0"><errorCode>-1</errorCode><errorDescription>Invalid Action</errorDescription></UPnPError></detail></s:Fault></s:Body></s:Envelope>`, faultCode)
		return
	}

	var body strings.Builder
	for k, v := range resp {
		body.WriteString("<" + k + ">")
		xml.EscapeText(&body, []byte(v))
		body.WriteString("</" + k + ">")
	}
	fmt.Fprintf(w, `<?xml version="1.0"?><s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/"><s:Body><u:%sResponse xmlns:u="%s">%s</u:%sResponse></s:Body></s:Envelope>`,
		action, service, body.String(), action)
}
