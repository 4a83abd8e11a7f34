package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/phys-sims/pm-bot-sub001/internal/domain"
)

// Mock is a deterministic engine driven by the RunSpec alone:
//  1. before producing any artifact, request each allow-listed tool once, in
//     order (skipped after a rejected interrupt)
//  2. propose inputs.diff as a changeset if no bundle exists yet
//  3. complete, emitting a summary only when the run has no artifacts yet
type Mock struct {
	TokensPerStep int64
}

// NewMock creates a Mock that charges tokensPerStep per step.
func NewMock(tokensPerStep int64) *Mock {
	return &Mock{TokensPerStep: tokensPerStep}
}

// Step implements Engine.
func (m *Mock) Step(ctx context.Context, run domain.Run, usage domain.Usage) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	tools := run.Spec.Execution.Tools
	rejected := run.PendingInterrupt != nil && run.PendingInterrupt.Decision == domain.InterruptRejected

	if !rejected && len(run.Artifacts) == 0 && usage.ToolCalls < len(tools) {
		name := tools[usage.ToolCalls]
		args, _ := json.Marshal(map[string]string{"repo": run.Spec.Execution.Scope.Repo})
		return Outcome{Kind: OutcomeToolRequest, Tokens: m.TokensPerStep, ToolRequest: &ToolRequest{Name: name, Args: args}}, nil
	}

	if len(run.Spec.Inputs.Diff) > 0 && !hasKind(run.Artifacts, domain.ArtifactKindChangesetBundle) {
		return Outcome{
			Kind:   OutcomeProposal,
			Tokens: m.TokensPerStep,
			Proposal: &domain.ChangesetProposal{
				Operations: run.Spec.Inputs.Diff,
				Nonce:      run.Spec.Execution.ThreadID,
			},
		}, nil
	}

	out := Outcome{Kind: OutcomeComplete, Tokens: m.TokensPerStep}
	if len(run.Artifacts) == 0 {
		body, _ := json.Marshal(map[string]interface{}{"goal": run.Spec.Goal, "steps": run.Attempt})
		out.Outputs = []Output{{Name: "summary", Body: body}}
	}
	return out, nil
}

func hasKind(refs []domain.ArtifactRef, kind string) bool {
	for _, ref := range refs {
		if ref.Kind == kind {
			return true
		}
	}
	return false
}

// Scripted replays a fixed sequence of outcomes, then repeats the last one.
// Used by tests and drills.
type Scripted struct {
	mu       sync.Mutex
	outcomes []Outcome
	errs     []error
	calls    int
	seen     []domain.Run
}

// NewScripted creates a Scripted engine.
func NewScripted(outcomes ...Outcome) *Scripted {
	return &Scripted{outcomes: outcomes}
}

// FailWith makes step i (zero-based) return err instead of its outcome.
func (s *Scripted) FailWith(i int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.errs) <= i {
		s.errs = append(s.errs, nil)
	}
	s.errs[i] = err
}

// Step implements Engine.
func (s *Scripted) Step(ctx context.Context, run domain.Run, usage domain.Usage) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	s.seen = append(s.seen, run)
	if i < len(s.errs) && s.errs[i] != nil {
		return Outcome{}, s.errs[i]
	}
	if len(s.outcomes) == 0 {
		return Outcome{}, fmt.Errorf("scripted engine has no outcomes")
	}
	if i >= len(s.outcomes) {
		i = len(s.outcomes) - 1
	}
	return s.outcomes[i], nil
}

// Calls returns how many steps ran.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Seen returns the run snapshots passed to each step.
func (s *Scripted) Seen() []domain.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Run(nil), s.seen...)
}
