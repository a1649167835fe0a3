package logic

import "github.com/sweeney/wemo-bridge/internal/device"

// Commander issues device commands without blocking. Each done continuation
// is invoked exactly once, on the same event loop that issued the command.
type Commander interface {
	SetBinaryState(on bool, done func(error))
	SetCapability(code, value string, done func(error))
	QueryCapabilities(done func(map[string]string, error))
	QueryAttributes(done func(device.Attributes, error))
}

// PendingCommand is a command recorded by FakeCommander.
type PendingCommand struct {
	device.Command

	done      func(error)
	capsDone  func(map[string]string, error)
	attrsDone func(device.Attributes, error)
}

// FakeCommander records commands. With Manual unset every command completes
// immediately using Err, Capabilities and Attrs; with Manual set the test
// completes them with Complete.
type FakeCommander struct {
	Manual       bool
	Err          error
	Capabilities map[string]string
	Attrs        device.Attributes

	Sent    []device.Command
	pending []*PendingCommand
}

// NewFakeCommander creates an auto-completing FakeCommander.
func NewFakeCommander() *FakeCommander {
	return &FakeCommander{}
}

func (f *FakeCommander) record(p *PendingCommand) {
	f.Sent = append(f.Sent, p.Command)
	if f.Manual {
		f.pending = append(f.pending, p)
		return
	}
	f.finish(p, f.Err)
}

// SetBinaryState records a binary state command.
func (f *FakeCommander) SetBinaryState(on bool, done func(error)) {
	f.record(&PendingCommand{Command: device.Command{Op: "binaryState", On: on}, done: done})
}

// SetCapability records a capability command.
func (f *FakeCommander) SetCapability(code, value string, done func(error)) {
	f.record(&PendingCommand{Command: device.Command{Op: "capability", Code: code, Value: value}, done: done})
}

// QueryCapabilities records a capability query.
func (f *FakeCommander) QueryCapabilities(done func(map[string]string, error)) {
	f.record(&PendingCommand{Command: device.Command{Op: "queryCapabilities"}, capsDone: done})
}

// QueryAttributes records an attribute query.
func (f *FakeCommander) QueryAttributes(done func(device.Attributes, error)) {
	f.record(&PendingCommand{Command: device.Command{Op: "queryAttributes"}, attrsDone: done})
}

// Pending returns the number of commands awaiting Complete.
func (f *FakeCommander) Pending() int {
	return len(f.pending)
}

// Complete finishes the oldest pending command with err.
func (f *FakeCommander) Complete(err error) {
	if len(f.pending) == 0 {
		return
	}
	p := f.pending[0]
	f.pending = f.pending[1:]
	f.finish(p, err)
}

// Count returns how many commands with op were sent.
func (f *FakeCommander) Count(op string) int {
	n := 0
	for _, c := range f.Sent {
		if c.Op == op {
			n++
		}
	}
	return n
}

func (f *FakeCommander) finish(p *PendingCommand, err error) {
	switch {
	case p.done != nil:
		p.done(err)
	case p.capsDone != nil:
		if err != nil {
			p.capsDone(nil, err)
			return
		}
		caps := make(map[string]string, len(f.Capabilities))
		for k, v := range f.Capabilities {
			caps[k] = v
		}
		p.capsDone(caps, nil)
	case p.attrsDone != nil:
		if err != nil {
			p.attrsDone(device.Attributes{}, err)
			return
		}
		p.attrsDone(f.Attrs, nil)
	}
}

// RecordingSink records the updates a host would receive. Echoes of host
// sets are kept apart in Echoes.
type RecordingSink struct {
	Updates []Update
	Echoes  []Update
}

// Notify records u.
func (r *RecordingSink) Notify(u Update) {
	if u.Echo {
		r.Echoes = append(r.Echoes, u)
		return
	}
	r.Updates = append(r.Updates, u)
}

// Values returns the values notified for f, in order.
func (r *RecordingSink) Values(f Field) []any {
	var out []any
	for _, u := range r.Updates {
		if u.Field == f {
			out = append(out, u.Value)
		}
	}
	return out
}

// Count returns how many updates were notified for f.
func (r *RecordingSink) Count(f Field) int {
	return len(r.Values(f))
}

// Fields returns the notified fields in order.
func (r *RecordingSink) Fields() []Field {
	out := make([]Field, 0, len(r.Updates))
	for _, u := range r.Updates {
		out = append(out, u.Field)
	}
	return out
}

// Reset clears recorded updates.
func (r *RecordingSink) Reset() {
	r.Updates = nil
	r.Echoes = nil
}
