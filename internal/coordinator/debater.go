package coordinator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openagora/agora/internal/aggregate"
	"github.com/openagora/agora/internal/errors"
	"github.com/openagora/agora/internal/logging"
	"github.com/openagora/agora/internal/proc"
	"github.com/openagora/agora/internal/runtime"
)

// agentDebater produces debate contributions by running one-shot agent
// invocations inside the role's original sandbox, so each round sees the
// code the instance actually produced.
type agentDebater struct {
	host        proc.Host
	sandboxer   Sandboxer
	adapter     runtime.Adapter
	sessionID   string
	instanceID  int
	model       string
	sandboxPath string
	poll        time.Duration
	logger      *logging.Logger
}

// debateProcessID keeps debate invocations out of the instance ID space
// so their process session names never collide with the main runs.
func debateProcessID(instanceID, round int) int {
	return 1000 + instanceID*10 + round
}

// Contribute runs one invocation for one round and returns its output.
func (d *agentDebater) Contribute(ctx context.Context, role, task string, prior []aggregate.Turn, round int) (string, error) {
	prompt := debatePrompt(role, task, prior, round)

	promptFile, err := d.sandboxer.WritePromptFile(d.sandboxPath, prompt)
	if err != nil {
		return "", fmt.Errorf("failed to write debate prompt: %w", err)
	}

	spec := d.adapter.BuildLaunchSpec(d.model, promptFile, d.sandboxPath)
	procID, err := d.host.Launch(d.sessionID, debateProcessID(d.instanceID, round), spec)
	if err != nil {
		return "", err
	}
	defer func() { _ = d.host.Kill(procID) }()

	if err := d.waitForExit(ctx, procID); err != nil {
		return "", err
	}

	code, err := d.host.ExitCode(procID)
	if err != nil {
		return "", fmt.Errorf("debate invocation terminated without an exit code: %w", err)
	}
	if code != 0 {
		return "", errors.NewRuntimeExitError(d.adapter.Runtime().String(), code)
	}

	out, err := d.host.StreamOutput(procID)
	if err != nil {
		return "", err
	}
	d.logger.Debug("debate contribution captured", "role", role, "round", round, "bytes", len(out))
	return strings.TrimSpace(string(out)), nil
}

func (d *agentDebater) waitForExit(ctx context.Context, procID string) error {
	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !d.host.IsAlive(procID) {
				return nil
			}
		}
	}
}

// debatePrompt frames the round for one role: the original task, the
// transcript so far, and what is expected of this contribution.
func debatePrompt(role, task string, prior []aggregate.Turn, round int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %q in round %d of a structured debate between agents that each solved the same task.\n\n", role, round)
	fmt.Fprintf(&sb, "# Task\n\n%s\n\n", task)
	if len(prior) > 0 {
		fmt.Fprintf(&sb, "# Transcript of prior rounds\n\n%s\n", aggregate.RenderTranscript(prior))
	} else {
		sb.WriteString("This is the opening round; there is no transcript yet.\n")
	}
	sb.WriteString("\nDefend your solution in this working directory, address the strongest points raised against it, and concede where another approach is better. Be concise.\n")
	return sb.String()
}
