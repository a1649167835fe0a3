// Package gpio reads a locally wired door contact (reed switch) and feeds
// it to a Maker garage door as Sensor attribute events.
// The real implementation uses the Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

// Contact reads a door contact.
type Contact interface {
	// Read returns true when the door is at the closed contact.
	// The raw GPIO value is inverted: the switch pulls the line low when
	// closed.
	Read() (bool, error)

	// Close releases GPIO resources.
	Close() error
}

// DefaultChip is the GPIO chip the contact is wired to.
const DefaultChip = "gpiochip0"
