package bus

import (
	"fmt"
	"strings"
)

// Mode selects how a destination distributes messages to its listeners.
// The zero value is ModeUnset, which is distinct from an explicit Broadcast.
type Mode int

const (
	// ModeUnset leaves the choice to the binder's default. Adapters treat it as Broadcast.
	ModeUnset Mode = iota
	// Broadcast delivers a copy of each message to every active listener (topic style).
	Broadcast
	// PointToPoint delivers each message to exactly one listener (queue style).
	PointToPoint
)

func (m Mode) String() string {
	switch m {
	case ModeUnset:
		return "unset"
	case Broadcast:
		return "broadcast"
	case PointToPoint:
		return "point-to-point"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode maps a configuration value onto a Mode. Empty means ModeUnset.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return ModeUnset, nil
	case "broadcast", "topic", "pubsub":
		return Broadcast, nil
	case "point-to-point", "p2p", "queue":
		return PointToPoint, nil
	default:
		return ModeUnset, fmt.Errorf("unknown delivery mode %q", s)
	}
}

// UnmarshalText lets Mode be decoded directly from configuration files.
func (m *Mode) UnmarshalText(text []byte) error {
	v, err := ParseMode(string(text))
	if err != nil {
		return err
	}

	*m = v

	return nil
}

// Resolve returns m, or def when m is ModeUnset. An unset def resolves to Broadcast.
func (m Mode) Resolve(def Mode) Mode {
	if m != ModeUnset {
		return m
	}

	if def == ModeUnset {
		return Broadcast
	}

	return def
}

// MarshalText renders the mode using its canonical name; ModeUnset renders empty.
func (m Mode) MarshalText() ([]byte, error) {
	if m == ModeUnset {
		return nil, nil
	}

	return []byte(m.String()), nil
}
