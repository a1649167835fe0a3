package homekit

import (
	"context"
	"net/http"

	"github.com/brutella/hap/accessory"
	"github.com/brutella/hap/characteristic"
	"github.com/brutella/hap/service"

	"github.com/sweeney/wemo-bridge/internal/logic"
)

// Eve power characteristics, understood by the Eve app.
const (
	eveWattsType        = "E863F10D-079E-48FF-8F27-9C2605A29F52"
	eveKilowattHourType = "E863F10C-079E-48FF-8F27-9C2605A29F52"
)

// HAP status codes returned to controllers.
const (
	statusSuccess              = 0
	statusCommunicationFailure = -70402
	statusInvalidValue         = -70410
	statusTimedOut             = -70408
)

// slot is one characteristic bound to an accessory field.
type slot struct {
	c     *characteristic.C
	set   func(v any)
	value any
}

// build creates the HAP accessory and characteristic slots for acc.
func (b *Bridge) build(acc Accessory, id uint64) *binding {
	info := acc.Info()
	a := accessory.New(accessory.Info{
		Name:         nameOr(info.Name, acc.ID()),
		SerialNumber: nameOr(info.Serial, acc.ID()),
		Manufacturer: nameOr(info.Manufacturer, "Belkin"),
		Model:        nameOr(info.Model, info.Kind.String()),
		Firmware:     info.Firmware,
	}, accessoryType(acc.Profile()))
	a.Id = id

	bd := &binding{acc: acc, a: a, slots: make(map[logic.Field]*slot)}
	fields := make(map[logic.Field]bool)
	for _, f := range acc.Fields() {
		fields[f] = true
	}

	switch acc.Profile() {
	case logic.ProfileSwitch:
		s := service.NewSwitch()
		b.bindOn(bd, s.On)
		a.AddS(s.S)

	case logic.ProfileOutlet:
		s := service.NewOutlet()
		b.bindOn(bd, s.On)
		bd.add(logic.FieldInUse, s.OutletInUse.C, func(v any) { s.OutletInUse.SetValue(v.(bool)) })

		watts := newEveFloat(eveWattsType, "W")
		s.AddC(watts.C)
		bd.add(logic.FieldPowerWatts, watts.C, func(v any) { watts.SetValue(v.(float64)) })

		total := newEveFloat(eveKilowattHourType, "kWh")
		s.AddC(total.C)
		bd.add(logic.FieldTotalConsumptionWh, total.C, func(v any) { total.SetValue(v.(float64)) })
		a.AddS(s.S)

	case logic.ProfileMotion:
		s := service.NewMotionSensor()
		bd.add(logic.FieldMotionDetected, s.MotionDetected.C, func(v any) { s.MotionDetected.SetValue(v.(bool)) })
		a.AddS(s.S)

	case logic.ProfileGarageDoor:
		s := service.NewGarageDoorOpener()
		s.ObstructionDetected.SetValue(false)
		bd.add(logic.FieldCurrentDoorState, s.CurrentDoorState.C, func(v any) { s.CurrentDoorState.SetValue(v.(int)) })
		bd.add(logic.FieldTargetDoorState, s.TargetDoorState.C, func(v any) { s.TargetDoorState.SetValue(v.(int)) })
		s.TargetDoorState.SetValueRequestFunc = b.setter(bd, logic.FieldTargetDoorState, func(ctx context.Context, v any) (any, error) {
			t, ok := toInt(v)
			if !ok {
				return nil, errInvalidValue
			}
			return t, acc.SetTargetDoorState(ctx, logic.TargetDoorState(t))
		})
		a.AddS(s.S)

	case logic.ProfileMakerSwitch:
		s := service.NewSwitch()
		b.bindOn(bd, s.On)
		a.AddS(s.S)
		if fields[logic.FieldContactDetected] {
			cs := service.NewContactSensor()
			bd.add(logic.FieldContactDetected, cs.ContactSensorState.C, func(v any) { cs.ContactSensorState.SetValue(v.(int)) })
			a.AddS(cs.S)
		}

	case logic.ProfileDimmer, logic.ProfileBulb:
		s := service.NewLightbulb()
		b.bindOn(bd, s.On)

		brightness := characteristic.NewBrightness()
		s.AddC(brightness.C)
		bd.add(logic.FieldBrightness, brightness.C, func(v any) { brightness.SetValue(v.(int)) })
		brightness.SetValueRequestFunc = b.setter(bd, logic.FieldBrightness, func(ctx context.Context, v any) (any, error) {
			pct, ok := toInt(v)
			if !ok {
				return nil, errInvalidValue
			}
			return pct, acc.SetBrightness(ctx, pct)
		})

		if fields[logic.FieldColorTemperature] {
			ct := characteristic.NewColorTemperature()
			ct.SetMinValue(logic.MinMired)
			ct.SetMaxValue(logic.MaxMired)
			s.AddC(ct.C)
			bd.add(logic.FieldColorTemperature, ct.C, func(v any) { ct.SetValue(v.(int)) })
			ct.SetValueRequestFunc = b.setter(bd, logic.FieldColorTemperature, func(ctx context.Context, v any) (any, error) {
				m, ok := toInt(v)
				if !ok {
					return nil, errInvalidValue
				}
				m = logic.ClampMired(m)
				return m, acc.SetColorTemperature(ctx, m)
			})
		}
		a.AddS(s.S)
	}

	for _, sl := range bd.slots {
		sl := sl
		sl.c.ValueRequestFunc = func(*http.Request) (interface{}, int) {
			return bd.read(sl)
		}
	}
	return bd
}

func (b *Bridge) bindOn(bd *binding, on *characteristic.On) {
	acc := bd.acc
	bd.add(logic.FieldOn, on.C, func(v any) { on.SetValue(v.(bool)) })
	on.SetValueRequestFunc = b.setter(bd, logic.FieldOn, func(ctx context.Context, v any) (any, error) {
		want, ok := toBool(v)
		if !ok {
			return nil, errInvalidValue
		}
		return want, acc.SetOn(ctx, want)
	})
}

func (bd *binding) add(f logic.Field, c *characteristic.C, set func(v any)) {
	bd.slots[f] = &slot{c: c, set: set}
}

func newEveFloat(typ, unit string) *characteristic.Float {
	c := characteristic.NewFloat(typ)
	c.Format = characteristic.FormatFloat
	c.Permissions = []string{characteristic.PermissionRead, characteristic.PermissionEvents}
	c.Unit = unit
	c.SetMinValue(0)
	c.SetMaxValue(100000)
	c.SetValue(0)
	return c
}

func accessoryType(p logic.Profile) byte {
	switch p {
	case logic.ProfileOutlet:
		return accessory.TypeOutlet
	case logic.ProfileMotion:
		return accessory.TypeSensor
	case logic.ProfileGarageDoor:
		return accessory.TypeGarageDoorOpener
	case logic.ProfileDimmer, logic.ProfileBulb:
		return accessory.TypeLightbulb
	case logic.ProfileSwitch, logic.ProfileMakerSwitch:
		return accessory.TypeSwitch
	}
	return accessory.TypeOther
}

func nameOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func toBool(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case float64:
		return x != 0, true
	case int:
		return x != 0, true
	case int64:
		return x != 0, true
	}
	return false, false
}

func toInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int64:
		return int(x), true
	case float64:
		return int(x), true
	case uint8:
		return int(x), true
	}
	return 0, false
}
