package device

import (
	"context"
	"sync"
)

// Command is one recorded call on a FakeLink.
type Command struct {
	Op    string // "binaryState", "capability", "queryCapabilities", "queryAttributes"
	On    bool
	Code  string
	Value string
}

// FakeLink is a test double that records commands and lets tests push events.
type FakeLink struct {
	mu sync.Mutex

	commands []Command
	handlers map[int]func(Event)
	nextSub  int
	opened   int

	// Capabilities is returned by QueryCapabilities.
	Capabilities map[string]string

	// Attrs is returned by QueryAttributes.
	Attrs Attributes

	// CommandError, if set, is returned by SetBinaryState and SetCapability.
	CommandError error

	// QueryError, if set, is returned by the query methods.
	QueryError error

	// SubscribeError, if set, is returned by Subscribe.
	SubscribeError error
}

// NewFakeLink creates an empty FakeLink.
func NewFakeLink() *FakeLink {
	return &FakeLink{handlers: make(map[int]func(Event))}
}

// SetBinaryState records the command.
func (f *FakeLink) SetBinaryState(_ context.Context, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CommandError != nil {
		return f.CommandError
	}
	f.commands = append(f.commands, Command{Op: "binaryState", On: on})
	return nil
}

// SetCapability records the command.
func (f *FakeLink) SetCapability(_ context.Context, code, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CommandError != nil {
		return f.CommandError
	}
	f.commands = append(f.commands, Command{Op: "capability", Code: code, Value: value})
	return nil
}

// QueryCapabilities returns a copy of Capabilities.
func (f *FakeLink) QueryCapabilities(_ context.Context) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, Command{Op: "queryCapabilities"})
	if f.QueryError != nil {
		return nil, f.QueryError
	}
	out := make(map[string]string, len(f.Capabilities))
	for k, v := range f.Capabilities {
		out[k] = v
	}
	return out, nil
}

// QueryAttributes returns Attrs.
func (f *FakeLink) QueryAttributes(_ context.Context) (Attributes, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, Command{Op: "queryAttributes"})
	if f.QueryError != nil {
		return Attributes{}, f.QueryError
	}
	return f.Attrs, nil
}

// Subscribe registers handler until the returned Subscription is closed.
func (f *FakeLink) Subscribe(_ context.Context, handler func(Event)) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SubscribeError != nil {
		return nil, f.SubscribeError
	}
	f.nextSub++
	id := f.nextSub
	f.handlers[id] = handler
	f.opened++
	return &fakeSubscription{link: f, id: id}, nil
}

// Emit delivers ev to every live subscription.
func (f *FakeLink) Emit(ev Event) {
	f.mu.Lock()
	hs := make([]func(Event), 0, len(f.handlers))
	for _, h := range f.handlers {
		hs = append(hs, h)
	}
	f.mu.Unlock()

	for _, h := range hs {
		h(ev)
	}
}

// Commands returns a copy of the recorded commands.
func (f *FakeLink) Commands() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Command(nil), f.commands...)
}

// LiveSubscriptions returns the number of subscriptions not yet closed.
func (f *FakeLink) LiveSubscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

// OpenedSubscriptions returns how many subscriptions were ever opened.
func (f *FakeLink) OpenedSubscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}

// Reset clears recorded commands.
func (f *FakeLink) Reset() {
	f.mu.Lock()
	f.commands = nil
	f.mu.Unlock()
}

type fakeSubscription struct {
	link *FakeLink
	id   int
}

func (s *fakeSubscription) Close() error {
	s.link.mu.Lock()
	delete(s.link.handlers, s.id)
	s.link.mu.Unlock()
	return nil
}
