package logic

// Emitter forwards an accessory's derived values to a Sink, but only when a
// value differs from the one the host last saw.
type Emitter struct {
	id   string
	sink Sink
	last map[Field]any
}

// NewEmitter creates an Emitter for the accessory id.
func NewEmitter(id string, sink Sink) *Emitter {
	if sink == nil {
		sink = MultiSink(nil)
	}
	return &Emitter{id: id, sink: sink, last: make(map[Field]any)}
}

// Set notifies the sink if v differs from the last known host value.
// It reports whether a notification was sent.
func (e *Emitter) Set(f Field, v any) bool {
	if old, ok := e.last[f]; ok && old == v {
		return false
	}
	e.last[f] = v
	e.sink.Notify(Update{AccessoryID: e.id, Field: f, Value: v})
	return true
}

// Expect records v as the host's value, for values the host set itself.
// Sinks receive it as an echo. The returned function restores the previous
// value and is used when the device command behind the set fails.
func (e *Emitter) Expect(f Field, v any) (restore func()) {
	old, had := e.last[f]
	e.last[f] = v
	if !had || old != v {
		e.echo(f, v)
	}
	return func() {
		if !had {
			delete(e.last, f)
			return
		}
		e.last[f] = old
		if old != v {
			e.echo(f, old)
		}
	}
}

func (e *Emitter) echo(f Field, v any) {
	e.sink.Notify(Update{AccessoryID: e.id, Field: f, Value: v, Echo: true})
}

// Value returns the last known host value for f.
func (e *Emitter) Value(f Field) (any, bool) {
	v, ok := e.last[f]
	return v, ok
}

// State builds an AccessoryState from the last known values.
func (e *Emitter) State() AccessoryState {
	var s AccessoryState
	for f, v := range e.last {
		s.Apply(Update{AccessoryID: e.id, Field: f, Value: v})
	}
	return s
}
