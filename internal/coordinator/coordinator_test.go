package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/phys-sims/pm-bot-sub001/internal/adapter/engine"
	"github.com/phys-sims/pm-bot-sub001/internal/artifact"
	"github.com/phys-sims/pm-bot-sub001/internal/clock"
	"github.com/phys-sims/pm-bot-sub001/internal/domain"
	"github.com/phys-sims/pm-bot-sub001/internal/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

type stepFunc func(ctx context.Context, run domain.Run, usage domain.Usage) (engine.Outcome, error)

func (f stepFunc) Step(ctx context.Context, run domain.Run, usage domain.Usage) (engine.Outcome, error) {
	return f(ctx, run, usage)
}

type fakeProposer struct {
	calls int
	err   error
}

func (p *fakeProposer) Propose(ctx context.Context, run *domain.Run, proposal domain.ChangesetProposal) (*domain.Changeset, domain.ArtifactRef, error) {
	p.calls++
	if p.err != nil {
		return nil, domain.ArtifactRef{}, p.err
	}
	key := artifact.ChangesetBundleKey(run.RunID, "cs_test")
	return &domain.Changeset{ChangesetID: "cs_test", RunID: run.RunID, Status: domain.ChangesetStatusProposed},
		domain.ArtifactRef{URI: artifact.URI(key), Kind: domain.ArtifactKindChangesetBundle, Size: 10}, nil
}

type fixture struct {
	c         *Coordinator
	engines   *engine.Registry
	tools     *tools.Registry
	proposer  *fakeProposer
	artifacts *artifact.MemoryStore
	clock     *clock.Fake
	executed  []string
}

func newFixture(t *testing.T, e engine.Engine) *fixture {
	t.Helper()
	f := &fixture{
		engines:   engine.NewRegistry(),
		tools:     tools.NewRegistry(),
		proposer:  &fakeProposer{},
		artifacts: artifact.NewMemoryStore(),
		clock:     clock.NewFake(t0),
	}
	f.engines.Register("test", e)
	for _, name := range []string{"repo.read", "repo.checkout"} {
		name := name
		require.NoError(t, f.tools.Register(name, func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			f.executed = append(f.executed, name)
			return json.RawMessage(`{"ok":true}`), nil
		}))
	}
	require.NoError(t, f.tools.Register("repo.broken", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("boom")
	}))
	f.c = New(f.engines, f.tools, f.proposer, f.artifacts, f.clock, Config{})
	return f
}

func newRun() *domain.Run {
	return &domain.Run{
		RunID: "r1",
		Spec: domain.RunSpec{
			SchemaVersion: domain.RunSpecSchemaV1,
			RunID:         "r1",
			Goal:          "triage",
			Adapter:       "test",
			Execution: domain.ExecutionDescriptor{
				Engine:  "test",
				GraphID: "g",
				Budget:  domain.Budget{MaxTotalTokens: 100, MaxToolCalls: 3, MaxWallClockSeconds: 60},
				Tools:   []string{"repo.read", "repo.checkout", "repo.broken"},
				Scope:   domain.Scope{Repo: "acme/app"},
			},
		},
		Status: domain.RunStatusExecuting,
	}
}

func toolOutcome(name string, tokens int64) engine.Outcome {
	return engine.Outcome{Kind: engine.OutcomeToolRequest, Tokens: tokens, ToolRequest: &engine.ToolRequest{Name: name}}
}

func TestCheapToolExecutes(t *testing.T) {
	f := newFixture(t, engine.NewScripted(toolOutcome("repo.read", 7)))
	run := newRun()

	res, err := f.c.Step(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, ResultContinue, res.Kind)
	require.NotNil(t, res.Tool)
	assert.Equal(t, "repo.read", res.Tool.Name)
	assert.False(t, res.Tool.Expensive)
	assert.Equal(t, []string{"repo.read"}, f.executed)
	assert.Equal(t, 1, run.Usage.ToolCalls)
	assert.Equal(t, int64(7), run.Usage.Tokens)
	require.NotNil(t, run.LastToolResult)
	assert.JSONEq(t, `{"ok":true}`, string(run.LastToolResult.Output))
}

func TestToolErrorIsReturnedToEngine(t *testing.T) {
	f := newFixture(t, engine.NewScripted(toolOutcome("repo.broken", 1)))
	run := newRun()

	res, err := f.c.Step(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, ResultContinue, res.Kind)
	assert.Contains(t, run.LastToolResult.Error, "boom")
	assert.Equal(t, 1, run.Usage.ToolCalls)
}

func TestToolOutsideAllowListFailsRun(t *testing.T) {
	f := newFixture(t, engine.NewScripted(toolOutcome("shell.exec", 1)))
	run := newRun()

	res, err := f.c.Step(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, ResultFailed, res.Kind)
	assert.Equal(t, domain.ReasonToolNotAllowlisted, res.ReasonCode)
	assert.Empty(t, f.executed)
}

func TestExpensiveToolRaisesInterruptUntilApproved(t *testing.T) {
	f := newFixture(t, engine.NewScripted(toolOutcome("repo.checkout", 1)))
	run := newRun()
	ctx := context.Background()

	res, err := f.c.Step(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, ResultInterrupted, res.Kind)
	require.NotNil(t, run.PendingInterrupt)
	assert.Equal(t, "repo.checkout", run.PendingInterrupt.Action)
	assert.Equal(t, t0, run.PendingInterrupt.RaisedAt)
	assert.Empty(t, f.executed)
	assert.Equal(t, 0, run.Usage.ToolCalls)

	// Unresolved: the interrupt stays with its original raise time.
	f.clock.Advance(time.Second)
	res, err = f.c.Step(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, ResultInterrupted, res.Kind)
	assert.Equal(t, t0, run.PendingInterrupt.RaisedAt)

	run.PendingInterrupt.Decision = domain.InterruptApproved
	run.PendingInterrupt.DecidedBy = "ops"
	res, err = f.c.Step(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, ResultContinue, res.Kind)
	require.NotNil(t, res.Tool)
	assert.True(t, res.Tool.Expensive)
	assert.True(t, res.Tool.ViaInterrupt)
	assert.Nil(t, run.PendingInterrupt)
	assert.Equal(t, []string{"repo.checkout"}, f.executed)

	// Approval is consumed: asking again raises a fresh interrupt.
	res, err = f.c.Step(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, ResultInterrupted, res.Kind)
	assert.Equal(t, domain.InterruptPending, run.PendingInterrupt.Decision)
}

func TestRejectedInterruptIsRaisedAgainIfRequested(t *testing.T) {
	f := newFixture(t, engine.NewScripted(toolOutcome("repo.checkout", 1)))
	run := newRun()
	run.PendingInterrupt = &domain.Interrupt{Action: "repo.checkout", RaisedAt: t0, Decision: domain.InterruptRejected}

	res, err := f.c.Step(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, ResultInterrupted, res.Kind)
	assert.Equal(t, domain.InterruptPending, run.PendingInterrupt.Decision)
	assert.Empty(t, f.executed)
}

func TestAllowExpensiveActionsSkipsInterrupt(t *testing.T) {
	f := newFixture(t, engine.NewScripted(toolOutcome("repo.checkout", 1)))
	run := newRun()
	run.Spec.Execution.AllowExpensiveActions = true

	res, err := f.c.Step(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, ResultContinue, res.Kind)
	assert.False(t, res.Tool.ViaInterrupt)
	assert.Equal(t, []string{"repo.checkout"}, f.executed)
}

func TestBudgetEnforcement(t *testing.T) {
	t.Run("tokens", func(t *testing.T) {
		f := newFixture(t, engine.NewScripted(toolOutcome("repo.read", 101)))
		run := newRun()
		res, err := f.c.Step(context.Background(), run)
		require.NoError(t, err)
		assert.Equal(t, ResultFailed, res.Kind)
		assert.Equal(t, domain.ReasonBudgetExhausted, res.ReasonCode)
		assert.Empty(t, f.executed, "no tool runs once the budget is gone")
	})

	t.Run("tool calls", func(t *testing.T) {
		f := newFixture(t, engine.NewScripted(toolOutcome("repo.read", 1)))
		run := newRun()
		run.Usage.ToolCalls = 3
		res, err := f.c.Step(context.Background(), run)
		require.NoError(t, err)
		assert.Equal(t, domain.ReasonBudgetExhausted, res.ReasonCode)
		assert.Empty(t, f.executed)
	})

	t.Run("wall clock", func(t *testing.T) {
		var f *fixture
		f = newFixture(t, stepFunc(func(ctx context.Context, run domain.Run, usage domain.Usage) (engine.Outcome, error) {
			f.clock.Advance(61 * time.Second)
			return engine.Outcome{Kind: engine.OutcomeComplete, Outputs: []engine.Output{{Name: "x", Body: json.RawMessage(`{}`)}}}, nil
		}))
		run := newRun()
		res, err := f.c.Step(context.Background(), run)
		require.NoError(t, err)
		assert.Equal(t, ResultFailed, res.Kind)
		assert.Equal(t, domain.ReasonBudgetExhausted, res.ReasonCode)
		assert.Equal(t, int64(61000), run.Usage.WallClockMs)
	})

	t.Run("oversized wall clock budget does not overflow", func(t *testing.T) {
		f := newFixture(t, engine.NewScripted(toolOutcome("repo.read", 1)))
		run := newRun()
		run.Spec.Execution.Budget.MaxWallClockSeconds = 10_000_000_000
		res, err := f.c.Step(context.Background(), run)
		require.NoError(t, err)
		assert.Equal(t, ResultContinue, res.Kind)
		assert.Equal(t, []string{"repo.read"}, f.executed)
	})

	t.Run("already exhausted never calls the engine", func(t *testing.T) {
		e := engine.NewScripted(toolOutcome("repo.read", 1))
		f := newFixture(t, e)
		run := newRun()
		run.Usage.Tokens = 500
		res, err := f.c.Step(context.Background(), run)
		require.NoError(t, err)
		assert.Equal(t, domain.ReasonBudgetExhausted, res.ReasonCode)
		assert.Equal(t, 0, e.Calls())
	})
}

func TestProposalIsHandedOverNotApplied(t *testing.T) {
	f := newFixture(t, engine.NewScripted(engine.Outcome{
		Kind:     engine.OutcomeProposal,
		Tokens:   3,
		Proposal: &domain.ChangesetProposal{Operations: []domain.Operation{{Type: domain.OperationAddLabel, Target: "#1", Value: "bug"}}},
	}))
	run := newRun()

	res, err := f.c.Step(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, ResultContinue, res.Kind)
	assert.Equal(t, 1, f.proposer.calls)
	require.NotNil(t, res.Changeset)
	assert.Equal(t, domain.ChangesetStatusProposed, res.Changeset.Status)
	require.Len(t, run.Artifacts, 1)
	assert.Equal(t, domain.ArtifactKindChangesetBundle, artifact.KindFromURI(run.Artifacts[0].URI))
}

func TestInvalidProposalFailsRun(t *testing.T) {
	f := newFixture(t, engine.NewScripted(engine.Outcome{Kind: engine.OutcomeProposal, Proposal: &domain.ChangesetProposal{}}))
	f.proposer.err = &domain.ValidationError{Issues: []string{"changeset has no operations"}}
	run := newRun()

	res, err := f.c.Step(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, ResultFailed, res.Kind)
	assert.Equal(t, domain.ReasonInvalidProposal, res.ReasonCode)
	assert.Empty(t, run.Artifacts)
}

func TestCompleteStoresOutputs(t *testing.T) {
	f := newFixture(t, engine.NewScripted(engine.Outcome{
		Kind:    engine.OutcomeComplete,
		Outputs: []engine.Output{{Name: "summary", Body: json.RawMessage(`{"done":true}`)}},
	}))
	run := newRun()

	res, err := f.c.Step(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, ResultCompleted, res.Kind)
	require.Len(t, run.Artifacts, 1)
	assert.Equal(t, "artifact://runs/r1/summary.output", run.Artifacts[0].URI)
	assert.Equal(t, domain.ArtifactKindEngineOutput, run.Artifacts[0].Kind)

	data, err := artifact.Read(context.Background(), f.artifacts, run.Artifacts[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"done":true}`, string(data))
}

func TestCompleteWithoutArtifactsFails(t *testing.T) {
	f := newFixture(t, engine.NewScripted(engine.Outcome{Kind: engine.OutcomeComplete}))
	run := newRun()

	res, err := f.c.Step(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, ResultFailed, res.Kind)
	assert.Equal(t, domain.ReasonCompletedWithoutOutputs, res.ReasonCode)
}

func TestEngineFailures(t *testing.T) {
	t.Run("fail outcome", func(t *testing.T) {
		f := newFixture(t, engine.NewScripted(engine.Outcome{Kind: engine.OutcomeFail, Reason: "cannot reach goal"}))
		res, err := f.c.Step(context.Background(), newRun())
		require.NoError(t, err)
		assert.Equal(t, ResultFailed, res.Kind)
		assert.Equal(t, domain.ReasonEngineFailed, res.ReasonCode)
		assert.Equal(t, "cannot reach goal", res.Detail)
	})

	t.Run("engine error", func(t *testing.T) {
		e := engine.NewScripted(toolOutcome("repo.read", 1))
		e.FailWith(0, errors.New("runner unavailable"))
		f := newFixture(t, e)
		res, err := f.c.Step(context.Background(), newRun())
		require.NoError(t, err)
		assert.Equal(t, domain.ReasonEngineFailed, res.ReasonCode)
	})

	t.Run("caller cancelled", func(t *testing.T) {
		f := newFixture(t, stepFunc(func(ctx context.Context, run domain.Run, usage domain.Usage) (engine.Outcome, error) {
			return engine.Outcome{}, ctx.Err()
		}))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := f.c.Step(ctx, newRun())
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("unknown adapter", func(t *testing.T) {
		f := newFixture(t, engine.NewScripted())
		run := newRun()
		run.Spec.Adapter = "gone"
		res, err := f.c.Step(context.Background(), run)
		require.NoError(t, err)
		assert.Equal(t, domain.ReasonEngineFailed, res.ReasonCode)
	})
}

func TestIsExpensiveDefaults(t *testing.T) {
	f := newFixture(t, engine.NewScripted())
	assert.True(t, f.c.IsExpensive("repo.checkout"))
	assert.True(t, f.c.IsExpensive("tests.run"))
	assert.False(t, f.c.IsExpensive("repo.read"))
}
