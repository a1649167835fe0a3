// Package metering records Insight power readings as an InfluxDB time
// series. The real writer uses influxdb-client-go; FakeWriter allows
// testing without a server.
package metering

import (
	"sync"
	"time"

	"github.com/sweeney/wemo-bridge/internal/logic"
	"github.com/sweeney/wemo-bridge/internal/platform"
)

// Measurement is the InfluxDB measurement power points are written to.
const Measurement = "wemo_power"

// Point is one time-series sample.
type Point struct {
	Measurement string
	Tags        map[string]string
	Fields      map[string]interface{}
	Time        time.Time
}

// Writer accepts points. Write must not block.
type Writer interface {
	Write(p Point)
	Close() error
}

// Recorder is a logic.Sink that writes power updates to a Writer. Other
// fields are ignored.
type Recorder struct {
	w   Writer
	now func() time.Time

	mu    sync.Mutex
	names map[string]string
}

// NewRecorder creates a Recorder writing to w.
func NewRecorder(w Writer) *Recorder {
	return &Recorder{w: w, now: time.Now, names: make(map[string]string)}
}

// Name tags points for id with the accessory's name.
func (r *Recorder) Name(id, name string) {
	r.mu.Lock()
	r.names[id] = name
	r.mu.Unlock()
}

// AccessoryAdded implements platform.Observer.
func (r *Recorder) AccessoryAdded(a *platform.Accessory) { r.Name(a.ID(), a.Info().Name) }

// ReachabilityChanged implements platform.Observer.
func (r *Recorder) ReachabilityChanged(*platform.Accessory, bool) {}

// Notify implements logic.Sink.
func (r *Recorder) Notify(u logic.Update) {
	var value interface{}
	switch u.Field {
	case logic.FieldPowerWatts, logic.FieldTotalConsumptionWh, logic.FieldInUse:
		value = u.Value
	default:
		return
	}

	tags := map[string]string{"device_id": u.AccessoryID}
	r.mu.Lock()
	if name := r.names[u.AccessoryID]; name != "" {
		tags["name"] = name
	}
	r.mu.Unlock()

	r.w.Write(Point{
		Measurement: Measurement,
		Tags:        tags,
		Fields:      map[string]interface{}{string(u.Field): value},
		Time:        r.now(),
	})
}
