package platform

import (
	"context"
	"sync"
	"time"

	"github.com/sweeney/wemo-bridge/internal/device"
)

// linkCommander implements logic.Commander over a device.Link. Each command
// runs on its own goroutine with a deadline; the continuation is posted back
// onto the accessory loop.
type linkCommander struct {
	loop    *Loop
	timeout time.Duration

	mu   sync.Mutex
	link device.Link
}

func (c *linkCommander) setLink(l device.Link) {
	c.mu.Lock()
	c.link = l
	c.mu.Unlock()
}

func (c *linkCommander) current() device.Link {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link
}

func (c *linkCommander) run(fn func(ctx context.Context, l device.Link) func()) {
	link := c.current()
	go func() {
		var cont func()
		if link == nil {
			cont = fn(nil, nil)
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
			cont = fn(ctx, link)
			cancel()
		}
		c.loop.Post(cont)
	}()
}

func (c *linkCommander) SetBinaryState(on bool, done func(error)) {
	c.run(func(ctx context.Context, l device.Link) func() {
		if l == nil {
			return func() { done(device.ErrNotAvailable) }
		}
		err := l.SetBinaryState(ctx, on)
		return func() { done(err) }
	})
}

func (c *linkCommander) SetCapability(code, value string, done func(error)) {
	c.run(func(ctx context.Context, l device.Link) func() {
		if l == nil {
			return func() { done(device.ErrNotAvailable) }
		}
		err := l.SetCapability(ctx, code, value)
		return func() { done(err) }
	})
}

func (c *linkCommander) QueryCapabilities(done func(map[string]string, error)) {
	c.run(func(ctx context.Context, l device.Link) func() {
		if l == nil {
			return func() { done(nil, device.ErrNotAvailable) }
		}
		caps, err := l.QueryCapabilities(ctx)
		return func() { done(caps, err) }
	})
}

func (c *linkCommander) QueryAttributes(done func(device.Attributes, error)) {
	c.run(func(ctx context.Context, l device.Link) func() {
		if l == nil {
			return func() { done(device.Attributes{}, device.ErrNotAvailable) }
		}
		attrs, err := l.QueryAttributes(ctx)
		return func() { done(attrs, err) }
	})
}
