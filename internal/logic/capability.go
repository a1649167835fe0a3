package logic

// Observation classifies an inbound capability value.
type Observation int

const (
	// Changed means the value differs from the recorded one and was stored.
	Changed Observation = iota
	// Echo means the value was already recorded and must be dropped.
	Echo
)

func (o Observation) String() string {
	if o == Echo {
		return "echo"
	}
	return "changed"
}

// CapabilityStore holds the last known raw value of each capability code of
// one bridge bulb. It is the only owner of these values; callers never get a
// reference to the underlying map.
type CapabilityStore struct {
	values map[string]string
}

// NewCapabilityStore creates an empty store.
func NewCapabilityStore() *CapabilityStore {
	return &CapabilityStore{values: make(map[string]string)}
}

// Observe classifies raw for code. A value equal to the recorded one is an
// Echo; anything else is recorded and reported as Changed.
func (s *CapabilityStore) Observe(code, raw string) Observation {
	if old, ok := s.values[code]; ok && old == raw {
		return Echo
	}
	s.values[code] = raw
	return Changed
}

// Expect records the value a command is about to produce so that the
// device's echo of it is classified as Echo. The returned function restores
// the previous value if the command fails.
func (s *CapabilityStore) Expect(code, raw string) (restore func()) {
	old, had := s.values[code]
	s.values[code] = raw
	return func() {
		if had {
			s.values[code] = old
		} else {
			delete(s.values, code)
		}
	}
}

// Value returns the recorded value for code.
func (s *CapabilityStore) Value(code string) (string, bool) {
	v, ok := s.values[code]
	return v, ok
}

// Snapshot returns a copy of every recorded value.
func (s *CapabilityStore) Snapshot() map[string]string {
	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}
