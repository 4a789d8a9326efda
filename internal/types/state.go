package types

import (
	"fmt"
	"strings"
)

// State is the publication state of a book, ordered by completeness.
type State int

const (
	StateUnknown State = iota
	StateBroken
	StateSerializing
	StateFinished
)

var stateLabels = [...]string{"未知", "断更", "连载", "完结"}

var stateNames = [...]string{"unknown", "broken", "serializing", "finished"}

// stateAliases maps free-text state descriptions seen on hosting sites.
var stateAliases = map[string]State{
	"已完结":         StateFinished,
	"完结":          StateFinished,
	"完本":          StateFinished,
	"finished":    StateFinished,
	"completed":   StateFinished,
	"complete":    StateFinished,
	"连载":          StateSerializing,
	"连载中":         StateSerializing,
	"serializing": StateSerializing,
	"ongoing":     StateSerializing,
	"断更":          StateBroken,
	"broken":      StateBroken,
	"hiatus":      StateBroken,
	"未知":          StateUnknown,
	"unknown":     StateUnknown,
}

// ParseState normalizes a free-text state. Unrecognized text maps to StateUnknown.
func ParseState(text string) State {
	if s, ok := stateAliases[strings.ToLower(strings.TrimSpace(text))]; ok {
		return s
	}
	return StateUnknown
}

// Valid reports whether s is one of the four defined states.
func (s State) Valid() bool {
	return s >= StateUnknown && s <= StateFinished
}

// String returns the Chinese label used in exported text.
func (s State) String() string {
	if !s.Valid() {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateLabels[s]
}

// Name returns the lowercase English name.
func (s State) Name() string {
	if !s.Valid() {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText encodes the state by its English name.
func (s State) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid state %d", int(s))
	}
	return []byte(s.Name()), nil
}

// UnmarshalText accepts any text ParseState understands.
func (s *State) UnmarshalText(text []byte) error {
	*s = ParseState(string(text))
	return nil
}
