package gpio

import (
	"errors"
	"testing"
)

func TestFakeContactRead(t *testing.T) {
	f := NewFakeContact(true, false, true)

	for i, want := range []bool{true, false, true} {
		got, err := f.Read()
		if err != nil {
			t.Fatalf("sample %d: unexpected error: %v", i, err)
		}
		if got != want {
			t.Errorf("sample %d: expected %v, got %v", i, want, got)
		}
	}
}

func TestFakeContactRepeatsLastSample(t *testing.T) {
	f := NewFakeContact(false, true)

	f.Read()
	f.Read()

	for i := 0; i < 3; i++ {
		got, err := f.Read()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !got {
			t.Errorf("read %d: expected last sample repeated", i)
		}
	}
}

func TestFakeContactError(t *testing.T) {
	f := NewFakeContact(true)
	f.SetError(errors.New("gpio error"))

	if _, err := f.Read(); err == nil {
		t.Error("expected error")
	}
}

func TestFakeContactNoSamples(t *testing.T) {
	if _, err := NewFakeContact().Read(); err == nil {
		t.Error("expected error for empty samples")
	}
}

func TestFakeContactCloseAndReset(t *testing.T) {
	f := NewFakeContact(true, false)
	f.Read()

	if err := f.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !f.Closed {
		t.Error("expected Closed to be true")
	}

	f.Reset()
	if f.Closed {
		t.Error("expected Closed to be false after reset")
	}
	if got, _ := f.Read(); !got {
		t.Error("expected first sample after reset")
	}
}
