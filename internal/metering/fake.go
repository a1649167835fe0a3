package metering

import "sync"

// FakeWriter records points for test assertions.
type FakeWriter struct {
	mu     sync.Mutex
	Points []Point
	Closed bool
}

// NewFakeWriter creates a FakeWriter.
func NewFakeWriter() *FakeWriter {
	return &FakeWriter{}
}

// Write records p.
func (f *FakeWriter) Write(p Point) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Points = append(f.Points, p)
}

// Close marks the writer as closed.
func (f *FakeWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

// Count returns how many points were written.
func (f *FakeWriter) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Points)
}

// Snapshot returns a copy of the written points.
func (f *FakeWriter) Snapshot() []Point {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Point(nil), f.Points...)
}
