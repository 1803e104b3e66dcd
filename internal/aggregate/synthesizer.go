package aggregate

import (
	"context"
	"fmt"
	"strings"
)

// JoinSynthesizer is the default Synthesizer: a deterministic
// concatenation of the candidate outputs with attribution headers. It
// exists so ensemble sessions resolve without an agent-backed
// synthesizer configured.
type JoinSynthesizer struct{}

// Synthesize renders the candidates in the order given.
func (JoinSynthesizer) Synthesize(_ context.Context, task string, candidates []Candidate) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Ensemble result\n\nTask: %s\n\n", task)
	for _, c := range candidates {
		fmt.Fprintf(&sb, "## Instance %d (%s)\n\n%s\n\n", c.InstanceID, c.Runtime, strings.TrimSpace(c.Output))
	}
	return strings.TrimRight(sb.String(), "\n") + "\n", nil
}
