package runtime

import (
	"strings"
	"testing"

	"github.com/openagora/agora/internal/errors"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Runtime
		wantErr bool
	}{
		{"claude", "claude", Claude, false},
		{"codex", "codex", Codex, false},
		{"gemini", "gemini", Gemini, false},
		{"unknown", "copilot", "", true},
		{"empty", "", "", true},
		{"case sensitive", "Claude", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Parse(%q) should fail", tt.input)
				}
				if !errors.Is(err, errors.ErrUnknownRuntime) {
					t.Errorf("error should wrap ErrUnknownRuntime, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) failed: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("Parse(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestNewAdapterCoversAllRuntimes(t *testing.T) {
	for _, r := range All() {
		adapter, err := NewAdapter(r, "", "")
		if err != nil {
			t.Fatalf("NewAdapter(%s) failed: %v", r, err)
		}
		if adapter.Runtime() != r {
			t.Errorf("adapter.Runtime() = %s, want %s", adapter.Runtime(), r)
		}
		if adapter.CredentialEnv() == "" {
			t.Errorf("adapter for %s has no credential variable", r)
		}
	}

	if _, err := NewAdapter("copilot", "", ""); err == nil {
		t.Error("NewAdapter should fail for an unknown runtime")
	}
}

func TestCredentialEnvNames(t *testing.T) {
	tests := []struct {
		runtime Runtime
		envVar  string
	}{
		{Claude, "ANTHROPIC_API_KEY"},
		{Codex, "OPENAI_API_KEY"},
		{Gemini, "GEMINI_API_KEY"},
	}

	for _, tt := range tests {
		adapter, err := NewAdapter(tt.runtime, "", "")
		if err != nil {
			t.Fatalf("NewAdapter(%s) failed: %v", tt.runtime, err)
		}
		if got := adapter.CredentialEnv(); got != tt.envVar {
			t.Errorf("%s CredentialEnv = %q, want %q", tt.runtime, got, tt.envVar)
		}
	}
}

func TestCheckCredential(t *testing.T) {
	adapter, err := NewAdapter(Claude, "", "")
	if err != nil {
		t.Fatalf("NewAdapter failed: %v", err)
	}

	t.Setenv("ANTHROPIC_API_KEY", "")
	err = adapter.CheckCredential()
	if err == nil {
		t.Fatal("CheckCredential should fail when the variable is unset")
	}
	if !errors.Is(err, errors.ErrMissingCredential) {
		t.Errorf("error should wrap ErrMissingCredential, got %v", err)
	}
	var cfgErr *errors.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error should be a ConfigurationError, got %T", err)
	}
	if cfgErr.Runtime != "claude" {
		t.Errorf("Runtime = %q, want %q", cfgErr.Runtime, "claude")
	}

	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	if err := adapter.CheckCredential(); err != nil {
		t.Errorf("CheckCredential should pass when the variable is set, got %v", err)
	}
}

func TestClaudeLaunchSpec(t *testing.T) {
	adapter, _ := NewAdapter(Claude, "", "sonnet")

	spec := adapter.BuildLaunchSpec("", ".agora-prompt.md", "/sandbox")
	cmd := spec.ShellCommand()

	if !strings.HasPrefix(cmd, "claude --print --dangerously-skip-permissions") {
		t.Errorf("command = %q, want claude print mode", cmd)
	}
	if !strings.Contains(cmd, "--model sonnet") {
		t.Errorf("command = %q, want the default model applied", cmd)
	}
	if !strings.Contains(cmd, `"$(cat .agora-prompt.md)"`) {
		t.Errorf("command = %q, want the prompt passed via file substitution", cmd)
	}
	if spec.WorkingDir != "/sandbox" {
		t.Errorf("WorkingDir = %q, want %q", spec.WorkingDir, "/sandbox")
	}
}

func TestModelOverridesDefault(t *testing.T) {
	adapter, _ := NewAdapter(Claude, "", "sonnet")
	spec := adapter.BuildLaunchSpec("opus", ".agora-prompt.md", "/sandbox")

	if !strings.Contains(spec.ShellCommand(), "--model opus") {
		t.Errorf("command = %q, want the explicit model", spec.ShellCommand())
	}
}

func TestCodexLaunchSpec(t *testing.T) {
	adapter, _ := NewAdapter(Codex, "", "")
	spec := adapter.BuildLaunchSpec("", ".agora-prompt.md", "/sandbox")
	cmd := spec.ShellCommand()

	if !strings.HasPrefix(cmd, "codex exec --full-auto") {
		t.Errorf("command = %q, want codex exec mode", cmd)
	}
	if strings.Contains(cmd, "--model") {
		t.Errorf("command = %q, should carry no model flag without a model", cmd)
	}
}

func TestGeminiLaunchSpec(t *testing.T) {
	adapter, _ := NewAdapter(Gemini, "", "")
	spec := adapter.BuildLaunchSpec("", ".agora-prompt.md", "/sandbox")
	cmd := spec.ShellCommand()

	if !strings.HasPrefix(cmd, "gemini --yolo") {
		t.Errorf("command = %q, want gemini yolo mode", cmd)
	}
	if !strings.Contains(cmd, "--prompt") {
		t.Errorf("command = %q, want the --prompt flag", cmd)
	}
}

func TestCommandOverride(t *testing.T) {
	adapter, _ := NewAdapter(Claude, "/opt/bin/claude-dev", "")
	spec := adapter.BuildLaunchSpec("", "p.md", "/sandbox")

	if spec.Command != "/opt/bin/claude-dev" {
		t.Errorf("Command = %q, want the override", spec.Command)
	}
}
