package category

import (
	"fmt"
	"strings"
)

// Category is the coarse app classification used as the unit of enforcement.
type Category int

const (
	Other Category = iota
	Social
	Games
	Entertainment
)

// All lists every category in a stable order.
var All = []Category{Social, Games, Entertainment, Other}

// Monitored lists the categories that accumulate session time by default.
var Monitored = []Category{Social, Games, Entertainment}

// String returns the lower-case name used in config, storage and metrics.
func (c Category) String() string {
	switch c {
	case Social:
		return "social"
	case Games:
		return "games"
	case Entertainment:
		return "entertainment"
	default:
		return "other"
	}
}

// Parse converts a name to a Category.
func Parse(s string) (Category, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "social", "social-media":
		return Social, nil
	case "games", "gaming":
		return Games, nil
	case "entertainment":
		return Entertainment, nil
	case "other", "":
		return Other, nil
	default:
		return Other, fmt.Errorf("unknown category: %s", s)
	}
}

// IsMonitored reports whether c is a category that limits apply to.
func (c Category) IsMonitored() bool {
	return c != Other
}

// MarshalText implements encoding.TextMarshaler so categories encode as
// names both as JSON values and as JSON map keys.
func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Category) UnmarshalText(data []byte) error {
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// LimitType identifies which limit a lock was triggered by.
type LimitType int

const (
	LimitDaily LimitType = iota
	LimitSession
	LimitUnlock
)

func (l LimitType) String() string {
	switch l {
	case LimitDaily:
		return "daily_limit"
	case LimitSession:
		return "session_limit"
	case LimitUnlock:
		return "unlock_limit"
	default:
		return "unknown"
	}
}

// ParseLimitType converts a name to a LimitType.
func ParseLimitType(s string) (LimitType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "daily_limit", "daily":
		return LimitDaily, nil
	case "session_limit", "session":
		return LimitSession, nil
	case "unlock_limit", "unlock":
		return LimitUnlock, nil
	default:
		return LimitDaily, fmt.Errorf("unknown limit type: %s", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (l LimitType) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *LimitType) UnmarshalText(data []byte) error {
	parsed, err := ParseLimitType(string(data))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
