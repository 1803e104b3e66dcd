// Package runtime defines the supported AI agent runtimes and the adapter
// layer that turns a task into a launchable command line for each of them.
//
// The runtime set is closed: adding a runtime means adding an adapter here.
// Adapters know three things about their CLI: how to run it non-interactively,
// which environment variable carries its credential, and how to pass the task
// prompt. Credentials are referenced by variable name only and are never
// logged or persisted.
package runtime

import (
	"fmt"

	"github.com/openagora/agora/internal/errors"
)

// Runtime identifies one supported agent CLI.
type Runtime string

const (
	// Claude is Anthropic's claude CLI.
	Claude Runtime = "claude"
	// Codex is OpenAI's codex CLI.
	Codex Runtime = "codex"
	// Gemini is Google's gemini CLI.
	Gemini Runtime = "gemini"
)

// All returns the supported runtimes in stable order.
func All() []Runtime {
	return []Runtime{Claude, Codex, Gemini}
}

// Parse converts a runtime name to a Runtime.
// Unknown names return ErrUnknownRuntime.
func Parse(name string) (Runtime, error) {
	switch Runtime(name) {
	case Claude, Codex, Gemini:
		return Runtime(name), nil
	default:
		return "", fmt.Errorf("%w: %q", errors.ErrUnknownRuntime, name)
	}
}

// String returns the runtime name.
func (r Runtime) String() string {
	return string(r)
}

// Valid reports whether r is a supported runtime.
func (r Runtime) Valid() bool {
	switch r {
	case Claude, Codex, Gemini:
		return true
	}
	return false
}
