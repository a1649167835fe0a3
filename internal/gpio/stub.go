//go:build !linux

package gpio

import "errors"

// RealContact is not available on non-Linux platforms.
type RealContact struct{}

// NewRealContact returns an error on non-Linux platforms.
func NewRealContact(chip string, pin int) (*RealContact, error) {
	return nil, errors.New("gpio: not supported on this platform (requires Linux)")
}

// Read is not implemented on non-Linux platforms.
func (r *RealContact) Read() (bool, error) {
	return false, errors.New("gpio: not supported")
}

// Close is not implemented on non-Linux platforms.
func (r *RealContact) Close() error {
	return nil
}
