package domain

import (
	"encoding/json"
	"fmt"
)

// DefconLevel is the global governance health level. Ordering matters:
// promotion only ever moves to a higher (worse) level.
type DefconLevel int

const (
	DefconNormal DefconLevel = iota
	DefconElevated
	DefconHigh
	DefconCritical
)

var defconNames = map[DefconLevel]string{
	DefconNormal:   "NORMAL",
	DefconElevated: "ELEVATED",
	DefconHigh:     "HIGH",
	DefconCritical: "CRITICAL",
}

func (d DefconLevel) String() string {
	if name, ok := defconNames[d]; ok {
		return name
	}
	return fmt.Sprintf("DEFCON(%d)", int(d))
}

// ParseDefconLevel maps a level name back to its value.
func ParseDefconLevel(s string) (DefconLevel, error) {
	for level, name := range defconNames {
		if name == s {
			return level, nil
		}
	}
	return DefconNormal, fmt.Errorf("unknown defcon level %q", s)
}

// LeverageMultiplier scales every leverage cap at the given level.
func (d DefconLevel) LeverageMultiplier() float64 {
	switch d {
	case DefconNormal:
		return 1.0
	case DefconElevated:
		return 0.75
	case DefconHigh:
		return 0.5
	default:
		return 0.0
	}
}

// CanOpenNewPosition reports whether new positions are admitted at this level.
func (d DefconLevel) CanOpenNewPosition() bool {
	return d < DefconCritical
}

// MarshalJSON serializes the level as its name.
func (d DefconLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts a level name.
func (d *DefconLevel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	level, err := ParseDefconLevel(s)
	if err != nil {
		return err
	}
	*d = level
	return nil
}
