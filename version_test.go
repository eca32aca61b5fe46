package communicator

import (
	"errors"
	"testing"
)

func TestVersionInRange(t *testing.T) {
	tests := []struct {
		version, min, max string
		want              bool
	}{
		{"1.0", "1.0", "1.0", true},
		{"1.0.0.0.0.0.0.1", "1.0", "3.0.5", true},
		{"1.1", "1.00000.00.11.3330.13131", "1.1", true},
		{"1.0.0.0.0.0.0.1", "1.0", "1.0.5", true},
		{"1.0.3", "1.3", "1.4", false},
		{"1.0.4", "1.0", "1.0.5", true},
		{"1.0.6", "1.0", "1.0.5", false},
		{"", "1.0", "2.0", false},
		{"1.x", "1.0", "2.0", false},
		{"1.5", "1.0", "bad", false},
	}
	for _, tt := range tests {
		if got := VersionInRange(tt.version, tt.min, tt.max); got != tt.want {
			t.Errorf("VersionInRange(%q, %q, %q) = %v, want %v", tt.version, tt.min, tt.max, got, tt.want)
		}
	}
}

func TestVersionGate(t *testing.T) {
	gate := VersionGate("2.0", "2.9", func(m Message) (string, bool) {
		v, ok := m.(*versionMessage)
		if !ok {
			return "", false
		}
		return v.version(), true
	})

	if consumed, err := gate(nil, &valueMessage{v: 1}); consumed || err != nil {
		t.Errorf("messages without a version pass through, got %v %v", consumed, err)
	}
	if consumed, err := gate(nil, &versionMessage{major: 2}); consumed || err != nil {
		t.Errorf("version 2.0 is in range, got %v %v", consumed, err)
	}

	_, err := gate(nil, &versionMessage{major: 3})
	if !errors.Is(err, ErrInvalidDeviceVersion) || !IsConnectionFatal(err) {
		t.Errorf("expected connection-fatal ErrInvalidDeviceVersion, got %v", err)
	}
}
