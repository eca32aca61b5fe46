package communicator

import (
	"fmt"
	"strconv"
	"strings"
)

// VersionInRange reports whether the dotted numeric version lies within
// [min, max]. Components are compared numerically; a shorter version is
// padded with zeros. Empty or malformed versions are out of range.
func VersionInRange(version, min, max string) bool {
	v, err := parseVersion(version)
	if err != nil {
		return false
	}
	lo, err := parseVersion(min)
	if err != nil {
		return false
	}
	hi, err := parseVersion(max)
	if err != nil {
		return false
	}
	return compareVersions(v, lo) >= 0 && compareVersions(v, hi) <= 0
}

func parseVersion(s string) ([]int, error) {
	if s == "" {
		return nil, fmt.Errorf("empty version")
	}
	parts := strings.Split(s, ".")
	out := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid version %q", s)
		}
		out[i] = n
	}
	return out, nil
}

func compareVersions(a, b []int) int {
	for i := 0; i < max(len(a), len(b)); i++ {
		var x, y int
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
	}
	return 0
}

// VersionGate returns a before-callback that checks every message extract
// recognizes as carrying a version. An out-of-range version fails with
// ErrInvalidDeviceVersion, which drops the connection.
func VersionGate(min, max string, extract func(Message) (string, bool)) InboundCallback {
	return func(conn *Connection, m Message) (bool, error) {
		version, ok := extract(m)
		if !ok {
			return false, nil
		}
		if !VersionInRange(version, min, max) {
			return true, fmt.Errorf("%w: %s not in [%s, %s]", ErrInvalidDeviceVersion, version, min, max)
		}
		return false, nil
	}
}
