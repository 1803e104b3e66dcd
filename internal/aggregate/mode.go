// Package aggregate resolves the outputs of a session's instances under a
// coordination mode: competition surfaces candidates for manual winner
// selection, ensemble synthesizes one artifact from all completed outputs,
// and debate runs a fixed-round structured exchange between roles.
package aggregate

import (
	"fmt"

	"github.com/openagora/agora/internal/errors"
)

// Mode is a coordination policy for resolving instance outputs.
type Mode string

const (
	// ModeCompetition runs instances independently; a human picks the winner.
	ModeCompetition Mode = "competition"
	// ModeEnsemble synthesizes one artifact from all completed outputs.
	ModeEnsemble Mode = "ensemble"
	// ModeDebate runs a structured multi-round exchange between roles.
	ModeDebate Mode = "debate"
)

// ParseMode converts a mode name to a Mode.
func ParseMode(name string) (Mode, error) {
	switch Mode(name) {
	case ModeCompetition, ModeEnsemble, ModeDebate:
		return Mode(name), nil
	default:
		return "", fmt.Errorf("%w: %q", errors.ErrUnknownMode, name)
	}
}

// String returns the mode name.
func (m Mode) String() string { return string(m) }

// Valid reports whether m is a supported mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeCompetition, ModeEnsemble, ModeDebate:
		return true
	}
	return false
}
