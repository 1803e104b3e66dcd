package runtime

import (
	"fmt"
	"os"
	"strings"

	"github.com/openagora/agora/internal/errors"
)

// LaunchSpec describes one non-interactive agent invocation. The process
// host composes Command and Args into a shell line; Args are emitted
// verbatim, so an arg may be a shell substitution like "$(cat prompt.md)".
type LaunchSpec struct {
	// Command is the executable name or path.
	Command string
	// Args are the command arguments in order.
	Args []string
	// WorkingDir is the sandbox the process runs in.
	WorkingDir string
}

// ShellCommand renders the spec as a single shell command line.
func (s LaunchSpec) ShellCommand() string {
	parts := append([]string{s.Command}, s.Args...)
	return strings.Join(parts, " ")
}

// Adapter translates tasks into launch specs for one runtime.
type Adapter interface {
	// Runtime returns the runtime this adapter serves.
	Runtime() Runtime

	// CredentialEnv returns the name of the environment variable holding
	// the runtime's credential.
	CredentialEnv() string

	// CheckCredential verifies the credential variable is set. It returns
	// a ConfigurationError when missing and never reads the value beyond
	// the presence check.
	CheckCredential() error

	// BuildLaunchSpec builds the non-interactive invocation for a task.
	// The task text lives in promptFile inside the sandbox; it is passed
	// via command substitution to avoid shell-escaping the task itself.
	BuildLaunchSpec(model, promptFile, workingDir string) LaunchSpec
}

// NewAdapter returns the adapter for the given runtime. The command
// override replaces the executable name when non-empty; defaultModel is
// used when BuildLaunchSpec receives an empty model.
func NewAdapter(r Runtime, command, defaultModel string) (Adapter, error) {
	switch r {
	case Claude:
		return &claudeAdapter{base{cmd: fallback(command, "claude"), model: defaultModel}}, nil
	case Codex:
		return &codexAdapter{base{cmd: fallback(command, "codex"), model: defaultModel}}, nil
	case Gemini:
		return &geminiAdapter{base{cmd: fallback(command, "gemini"), model: defaultModel}}, nil
	default:
		return nil, fmt.Errorf("%w: %q", errors.ErrUnknownRuntime, r)
	}
}

func fallback(value, def string) string {
	if value != "" {
		return value
	}
	return def
}

// base holds the fields common to all adapters.
type base struct {
	cmd   string
	model string
}

func (b base) resolveModel(model string) string {
	if model != "" {
		return model
	}
	return b.model
}

func checkCredential(r Runtime, envVar string) error {
	if os.Getenv(envVar) == "" {
		return errors.NewConfigurationError(
			fmt.Sprintf("%s is not set", envVar),
			errors.ErrMissingCredential,
		).WithRuntime(r.String())
	}
	return nil
}

// promptArg passes the prompt file content as a single shell word.
func promptArg(promptFile string) string {
	return fmt.Sprintf(`"$(cat %s)"`, promptFile)
}

// claudeAdapter launches Anthropic's claude CLI in print mode with
// permission prompts disabled, since nobody is attached to answer them.
type claudeAdapter struct{ base }

func (a *claudeAdapter) Runtime() Runtime       { return Claude }
func (a *claudeAdapter) CredentialEnv() string  { return "ANTHROPIC_API_KEY" }
func (a *claudeAdapter) CheckCredential() error { return checkCredential(Claude, a.CredentialEnv()) }

func (a *claudeAdapter) BuildLaunchSpec(model, promptFile, workingDir string) LaunchSpec {
	args := []string{"--print", "--dangerously-skip-permissions"}
	if m := a.resolveModel(model); m != "" {
		args = append(args, "--model", m)
	}
	args = append(args, promptArg(promptFile))
	return LaunchSpec{Command: a.cmd, Args: args, WorkingDir: workingDir}
}

// codexAdapter launches OpenAI's codex CLI via `codex exec` with full
// automation so it can edit files without confirmation.
type codexAdapter struct{ base }

func (a *codexAdapter) Runtime() Runtime       { return Codex }
func (a *codexAdapter) CredentialEnv() string  { return "OPENAI_API_KEY" }
func (a *codexAdapter) CheckCredential() error { return checkCredential(Codex, a.CredentialEnv()) }

func (a *codexAdapter) BuildLaunchSpec(model, promptFile, workingDir string) LaunchSpec {
	args := []string{"exec", "--full-auto"}
	if m := a.resolveModel(model); m != "" {
		args = append(args, "--model", m)
	}
	args = append(args, promptArg(promptFile))
	return LaunchSpec{Command: a.cmd, Args: args, WorkingDir: workingDir}
}

// geminiAdapter launches Google's gemini CLI in yolo mode, its equivalent
// of skipping tool-use confirmations.
type geminiAdapter struct{ base }

func (a *geminiAdapter) Runtime() Runtime       { return Gemini }
func (a *geminiAdapter) CredentialEnv() string  { return "GEMINI_API_KEY" }
func (a *geminiAdapter) CheckCredential() error { return checkCredential(Gemini, a.CredentialEnv()) }

func (a *geminiAdapter) BuildLaunchSpec(model, promptFile, workingDir string) LaunchSpec {
	args := []string{"--yolo"}
	if m := a.resolveModel(model); m != "" {
		args = append(args, "--model", m)
	}
	args = append(args, "--prompt", promptArg(promptFile))
	return LaunchSpec{Command: a.cmd, Args: args, WorkingDir: workingDir}
}
