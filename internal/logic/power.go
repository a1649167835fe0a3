package logic

import (
	"math"

	"github.com/rs/zerolog"

	"github.com/sweeney/wemo-bridge/internal/device"
)

// PowerReading is the host-facing view of one Insight sample.
type PowerReading struct {
	InUse              bool
	PowerWatts         float64
	TotalConsumptionWh float64
	OnHours            float64
}

// PowerSampleAggregator converts Insight telemetry into in-use, power and
// consumption values.
type PowerSampleAggregator struct {
	emit *Emitter
	log  zerolog.Logger
}

// NewPowerSampleAggregator creates an aggregator emitting through emit.
func NewPowerSampleAggregator(emit *Emitter, log zerolog.Logger) *PowerSampleAggregator {
	return &PowerSampleAggregator{emit: emit, log: log}
}

// Convert derives a reading from a raw sample without emitting anything.
func Convert(s device.PowerSample) PowerReading {
	r := PowerReading{
		InUse:              s.State == 1,
		PowerWatts:         math.Round(s.InstantPowerMW / 1000),
		TotalConsumptionWh: math.Round(s.DailyEnergyMWMin / (1000 * 60)),
		OnHours:            math.Round(s.DailyOnTimeSecond/36) / 100,
	}
	// An outlet that is off keeps reporting its last instantaneous power.
	if s.State == 0 {
		r.InUse = false
		r.PowerWatts = 0
	}
	return r
}

// Process emits the values derived from s.
func (p *PowerSampleAggregator) Process(s device.PowerSample) PowerReading {
	r := Convert(s)
	p.log.Debug().
		Bool("in_use", r.InUse).
		Float64("watts", r.PowerWatts).
		Float64("wh_today", r.TotalConsumptionWh).
		Float64("on_hours", r.OnHours).
		Msg("insight sample")

	p.emit.Set(FieldInUse, r.InUse)
	p.emit.Set(FieldPowerWatts, r.PowerWatts)
	p.emit.Set(FieldTotalConsumptionWh, r.TotalConsumptionWh)
	return r
}

// PowerOff forces the off-state values without waiting for a zero sample.
func (p *PowerSampleAggregator) PowerOff() {
	p.emit.Set(FieldInUse, false)
	p.emit.Set(FieldPowerWatts, 0.0)
}
