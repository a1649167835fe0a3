//go:build linux

package gpio

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// RealContact reads a contact from actual hardware using the Linux GPIO
// character device.
type RealContact struct {
	chip *gpiocdev.Chip
	line *gpiocdev.Line
}

// NewRealContact requests pin on chip as an input with a pull-up, so an
// open switch reads high.
func NewRealContact(chip string, pin int) (*RealContact, error) {
	if chip == "" {
		chip = DefaultChip
	}
	c, err := gpiocdev.NewChip(chip)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}

	line, err := c.RequestLine(pin, gpiocdev.AsInput, gpiocdev.WithPullUp)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("request contact pin %d: %w", pin, err)
	}

	return &RealContact{chip: c, line: line}, nil
}

// Read returns true when the contact is closed (raw 0).
func (r *RealContact) Read() (bool, error) {
	raw, err := r.line.Value()
	if err != nil {
		return false, fmt.Errorf("read contact pin: %w", err)
	}
	return raw == 0, nil
}

// Close releases GPIO resources. The pin is returned to an input with
// pull-down, the Raspberry Pi boot default, before it is closed.
func (r *RealContact) Close() error {
	var errs []error

	if r.line != nil {
		if err := r.line.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure contact pin: %w", err))
		}
		if err := r.line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close contact pin: %w", err))
		}
	}
	if r.chip != nil {
		if err := r.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
