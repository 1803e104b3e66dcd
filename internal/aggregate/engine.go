package aggregate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/openagora/agora/internal/errors"
	"github.com/openagora/agora/internal/logging"
)

// DebateRounds is the fixed number of debate rounds.
const DebateRounds = 3

// Candidate is one completed instance's contribution to aggregation.
type Candidate struct {
	InstanceID int
	Runtime    string
	Output     string
}

// Turn is one debate contribution. A skipped turn records a role that
// failed to respond in a round.
type Turn struct {
	Round   int    `json:"round"`
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`
	Skipped bool   `json:"skipped,omitempty"`
}

// Result is the outcome of aggregation. Competition leaves Output empty
// and lists the candidate IDs; ensemble fills Output with the synthesis;
// debate fills Output with the rendered transcript and Turns with the raw
// contributions.
type Result struct {
	Output       string
	CandidateIDs []int
	Turns        []Turn
}

// Synthesizer combines completed outputs into one artifact. The synthesis
// itself is a black box; implementations may call an agent or concatenate.
type Synthesizer interface {
	Synthesize(ctx context.Context, task string, candidates []Candidate) (string, error)
}

// Debater produces one role's contribution for one debate round, given
// the transcript of all prior rounds. It never sees contributions from
// its own round.
type Debater interface {
	Contribute(ctx context.Context, role, task string, prior []Turn, round int) (string, error)
}

// TurnObserver is notified after each debate turn is recorded.
type TurnObserver func(Turn)

// Role pairs a debate role name with its debater.
type Role struct {
	Name    string
	Debater Debater
}

// Engine resolves sessions under their coordination mode.
type Engine struct {
	synthesizer Synthesizer
	logger      *logging.Logger
}

// NewEngine creates an Engine. A nil synthesizer falls back to the
// deterministic JoinSynthesizer.
func NewEngine(synthesizer Synthesizer, logger *logging.Logger) *Engine {
	if synthesizer == nil {
		synthesizer = JoinSynthesizer{}
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Engine{
		synthesizer: synthesizer,
		logger:      logger.WithComponent("aggregate"),
	}
}

// Competition surfaces the completed instances as candidates. It never
// picks a winner; with zero candidates the session cannot resolve.
func (e *Engine) Competition(candidates []Candidate) (Result, error) {
	if len(candidates) == 0 {
		return Result{}, errors.NewAggregationError(
			ModeCompetition.String(), "no candidates to choose from", errors.ErrNoCompletedInstances)
	}

	ids := make([]int, len(candidates))
	for i, c := range candidates {
		ids[i] = c.InstanceID
	}
	sort.Ints(ids)
	return Result{CandidateIDs: ids}, nil
}

// Ensemble synthesizes one artifact from the completed outputs. The
// candidates are canonically ordered by content hash first, so the result
// is a function of the output set, not of completion order.
func (e *Engine) Ensemble(ctx context.Context, task string, candidates []Candidate) (Result, error) {
	if len(candidates) == 0 {
		return Result{}, errors.NewAggregationError(
			ModeEnsemble.String(), "nothing to synthesize", errors.ErrNoCompletedInstances)
	}

	ordered := make([]Candidate, len(candidates))
	copy(ordered, candidates)
	sort.Slice(ordered, func(i, j int) bool {
		return contentKey(ordered[i]) < contentKey(ordered[j])
	})

	output, err := e.synthesizer.Synthesize(ctx, task, ordered)
	if err != nil {
		return Result{}, errors.NewAggregationError(ModeEnsemble.String(), "synthesis failed", err)
	}

	e.logger.Info("ensemble synthesized", "candidates", len(ordered))
	return Result{Output: output}, nil
}

func contentKey(c Candidate) string {
	sum := sha256.Sum256([]byte(c.Output))
	return hex.EncodeToString(sum[:])
}

// Debate runs the fixed number of rounds over the given roles. Every role
// contributes once per round and receives only the prior rounds'
// transcript, so contributions within a round are order-independent. A
// role whose debater errors is marked skipped for that round and the
// debate continues. The observer, when non-nil, sees each turn as it is
// recorded.
func (e *Engine) Debate(ctx context.Context, task string, roles []Role, observe TurnObserver) (Result, error) {
	if len(roles) == 0 {
		return Result{}, errors.NewAggregationError(
			ModeDebate.String(), "no debate roles available", errors.ErrNoCompletedInstances)
	}

	var transcript []Turn
	for round := 1; round <= DebateRounds; round++ {
		if err := ctx.Err(); err != nil {
			return Result{}, errors.NewAggregationError(ModeDebate.String(), "debate interrupted", err)
		}
		// Every contributor in this round sees the same prior-round
		// transcript snapshot.
		prior := make([]Turn, len(transcript))
		copy(prior, transcript)

		for _, role := range roles {
			turn := Turn{Round: round, Role: role.Name}

			content, err := role.Debater.Contribute(ctx, role.Name, task, prior, round)
			if err != nil {
				e.logger.Warn("debate role skipped", "role", role.Name, "round", round, "error", err.Error())
				turn.Skipped = true
			} else {
				turn.Content = content
			}

			transcript = append(transcript, turn)
			if observe != nil {
				observe(turn)
			}
		}
	}

	return Result{Output: RenderTranscript(transcript), Turns: transcript}, nil
}

// RenderTranscript formats debate turns into the session's aggregated
// output.
func RenderTranscript(turns []Turn) string {
	var sb strings.Builder
	round := 0
	for _, t := range turns {
		if t.Round != round {
			round = t.Round
			fmt.Fprintf(&sb, "## Round %d\n\n", round)
		}
		if t.Skipped {
			fmt.Fprintf(&sb, "### %s\n\n(no response)\n\n", t.Role)
			continue
		}
		fmt.Fprintf(&sb, "### %s\n\n%s\n\n", t.Role, t.Content)
	}
	return strings.TrimRight(sb.String(), "\n") + "\n"
}
