package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/phys-sims/pm-bot-sub001/internal/adapter/engine"
	"github.com/phys-sims/pm-bot-sub001/internal/artifact"
	"github.com/phys-sims/pm-bot-sub001/internal/domain"
	"github.com/phys-sims/pm-bot-sub001/internal/tools"
	"github.com/phys-sims/pm-bot-sub001/tests/helpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func executeUntilSettled(t *testing.T, cp *helpers.ControlPlane, runID, workerID string) *domain.Run {
	t.Helper()
	var run *domain.Run
	for i := 0; i < 10; i++ {
		var err error
		run, err = cp.Service.Execute(context.Background(), runID, workerID)
		require.NoError(t, err)
		if run.Status.IsTerminal() || run.PendingInterrupt != nil {
			return run
		}
	}
	t.Fatalf("run %s did not settle", runID)
	return nil
}

func TestEndToEndRunLifecycle(t *testing.T) {
	cp := helpers.NewControlPlane(t)
	ctx := context.Background()

	run, err := cp.Service.CreateRun(ctx, helpers.RunSpec("r1", true), "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusPendingApproval, run.Status)

	run, err = cp.Service.ApproveRun(ctx, "r1", "bob")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusApproved, run.Status)
	assert.Equal(t, "bob", run.ApprovedBy)

	ids, err := cp.Service.Claim(ctx, "w1", 1, 60)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, ids)
	run, err = cp.Service.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusClaimed, run.Status)
	require.NotNil(t, run.Lease)
	assert.Equal(t, "w1", run.Lease.WorkerID)

	run = executeUntilSettled(t, cp, "r1", "w1")
	assert.Equal(t, domain.RunStatusCompleted, run.Status)
	require.Len(t, run.Artifacts, 1)
	assert.Equal(t, domain.ArtifactKindChangesetBundle, artifact.KindFromURI(run.Artifacts[0].URI))
	assert.Contains(t, run.Artifacts[0].URI, ".changeset-bundle.json")
	assert.Equal(t, 3, run.Attempt)
	assert.Equal(t, 1, run.Usage.ToolCalls)
	assert.Equal(t, int64(30), run.Usage.Tokens)
	assert.Nil(t, run.Lease)

	// The proposal waits for its own approval; nothing was written yet.
	changesets, err := cp.Service.ListChangesets(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, changesets, 1)
	assert.Equal(t, domain.ChangesetStatusProposed, changesets[0].Status)
	assert.Empty(t, cp.Tracker.Calls())

	cs, err := cp.Service.ApproveChangeset(ctx, changesets[0].ChangesetID, "carol")
	require.NoError(t, err)
	assert.Equal(t, domain.ChangesetStatusApplied, cs.Status)
	assert.Len(t, cp.Tracker.Calls(), 1)

	types := helpers.EventTypes(t, cp, "r1")
	assert.Equal(t, domain.EventTypeRunCreated, types[0])
	assert.Equal(t, domain.EventTypeRunApproved, types[1])
	assert.Equal(t, domain.EventTypeRunClaimed, types[2])
	assert.Equal(t, domain.EventTypeRunExecutionStarted, types[3])
	assert.Equal(t, 1, helpers.CountEvents(t, cp, "r1", domain.EventTypeRunCompleted))
	assert.Equal(t, 1, helpers.CountEvents(t, cp, "r1", domain.EventTypeToolCallAuthorized))
	assert.Equal(t, 1, helpers.CountEvents(t, cp, "r1", domain.EventTypeChangesetApplied))

	// Re-executing a finished run is a no-op for anyone.
	again, err := cp.Service.Execute(ctx, "r1", "someone-else")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, again.Status)
	assert.Equal(t, 3, again.Attempt)
}

func TestCreateWithoutApprovalStartsApproved(t *testing.T) {
	cp := helpers.NewControlPlane(t)
	run, err := cp.Service.CreateRun(context.Background(), helpers.RunSpec("r1", false), "")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusApproved, run.Status)
	assert.Equal(t, "anonymous", run.CreatedBy)
}

func TestCreateRejectsInvalidSpecs(t *testing.T) {
	cp := helpers.NewControlPlane(t)
	ctx := context.Background()

	spec := helpers.RunSpec("r1", true)
	spec.Execution.Budget.MaxToolCalls = 0
	spec.Goal = ""
	_, err := cp.Service.CreateRun(ctx, spec, "alice")
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Issues, 2)

	spec = helpers.RunSpec("r1", true)
	spec.Adapter = "unknown"
	_, err = cp.Service.CreateRun(ctx, spec, "alice")
	require.ErrorAs(t, err, &verr)

	spec = helpers.RunSpec("r1", true)
	spec.Execution.Budget.MaxWallClockSeconds = 10_000_000_000
	_, err = cp.Service.CreateRun(ctx, spec, "alice")
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Error(), "max_wall_clock_seconds")

	_, err = cp.Service.CreateRun(ctx, helpers.RunSpec("r1", true), "alice")
	require.NoError(t, err)
	_, err = cp.Service.CreateRun(ctx, helpers.RunSpec("r1", true), "alice")
	var serr *domain.InvalidStateError
	assert.ErrorAs(t, err, &serr)
}

func TestReapprovalIsRejected(t *testing.T) {
	cp := helpers.NewControlPlane(t)
	ctx := context.Background()
	_, err := cp.Service.CreateRun(ctx, helpers.RunSpec("r1", true), "alice")
	require.NoError(t, err)

	_, err = cp.Service.ApproveRun(ctx, "r1", "bob")
	require.NoError(t, err)
	_, err = cp.Service.ApproveRun(ctx, "r1", "bob")
	var serr *domain.InvalidStateError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, string(domain.RunStatusApproved), serr.State)
	assert.Equal(t, 1, helpers.CountEvents(t, cp, "r1", domain.EventTypeRunApproved))

	_, err = cp.Service.ApproveRun(ctx, "missing", "bob")
	var nerr *domain.NotFoundError
	assert.ErrorAs(t, err, &nerr)
}

func TestConcurrentApprovalsProduceOneEvent(t *testing.T) {
	cp := helpers.NewControlPlane(t)
	ctx := context.Background()
	_, err := cp.Service.CreateRun(ctx, helpers.RunSpec("r1", true), "alice")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cp.Service.ApproveRun(ctx, "r1", "bob"); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, helpers.CountEvents(t, cp, "r1", domain.EventTypeRunApproved))
}

func TestNonHolderExecuteNeverMutates(t *testing.T) {
	cp := helpers.NewControlPlane(t)
	ctx := context.Background()
	_, err := cp.Service.CreateRun(ctx, helpers.RunSpec("r1", false), "alice")
	require.NoError(t, err)

	// No lease at all.
	_, err = cp.Service.Execute(ctx, "r1", "w2")
	var lerr *domain.LeaseError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, domain.LeaseReasonMissing, lerr.Reason)

	_, err = cp.Service.Claim(ctx, "w1", 1, 60)
	require.NoError(t, err)
	before, err := cp.Service.GetRun(ctx, "r1")
	require.NoError(t, err)

	_, err = cp.Service.Execute(ctx, "r1", "w2")
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, domain.LeaseReasonForeign, lerr.Reason)

	after, err := cp.Service.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, 2, helpers.CountEvents(t, cp, "r1", domain.EventTypeExecuteLeaseRejected))
}

func TestLeaseExpiryAllowsReclaim(t *testing.T) {
	cp := helpers.NewControlPlane(t)
	ctx := context.Background()
	_, err := cp.Service.CreateRun(ctx, helpers.RunSpec("r1", false), "alice")
	require.NoError(t, err)

	ids, err := cp.Service.Claim(ctx, "w1", 5, 30)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, ids)

	_, err = cp.Service.Execute(ctx, "r1", "w1")
	require.NoError(t, err)

	// Still leased: nobody else gets it.
	ids, err = cp.Service.Claim(ctx, "w2", 5, 30)
	require.NoError(t, err)
	assert.Empty(t, ids)

	cp.Clock.Advance(31 * time.Second)

	_, err = cp.Service.Execute(ctx, "r1", "w1")
	var lerr *domain.LeaseError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, domain.LeaseReasonExpired, lerr.Reason)

	ids, err = cp.Service.Claim(ctx, "w2", 5, 30)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, ids)

	run, err := cp.Service.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "w2", run.Lease.WorkerID)
	// Progress made under the first lease survives the hand-over.
	assert.Equal(t, 1, run.Attempt)
	assert.Equal(t, 1, run.Usage.ToolCalls)

	run = executeUntilSettled(t, cp, "r1", "w2")
	assert.Equal(t, domain.RunStatusCompleted, run.Status)
}

func TestClaimValidation(t *testing.T) {
	cp := helpers.NewControlPlane(t)
	_, err := cp.Service.Claim(context.Background(), "", 0, 0)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Issues, 2)

	ids, err := cp.Service.Claim(context.Background(), "w1", 3, 0)
	require.NoError(t, err)
	assert.NotNil(t, ids)
	assert.Empty(t, ids)
}

func TestInterruptAndResume(t *testing.T) {
	cp := helpers.NewControlPlane(t)
	ctx := context.Background()

	spec := helpers.RunSpec("r1", false)
	spec.Inputs.Diff = nil
	spec.Execution.Tools = []string{tools.ToolRepoCheckout}
	_, err := cp.Service.CreateRun(ctx, spec, "alice")
	require.NoError(t, err)
	_, err = cp.Service.Claim(ctx, "w1", 1, 120)
	require.NoError(t, err)

	run, err := cp.Service.Execute(ctx, "r1", "w1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusExecuting, run.Status)
	require.NotNil(t, run.PendingInterrupt)
	assert.Equal(t, tools.ToolRepoCheckout, run.PendingInterrupt.Action)
	assert.Equal(t, 0, run.Usage.ToolCalls)
	require.NotNil(t, run.Lease, "lease stays with the worker while interrupted")

	stored, err := cp.Service.GetRun(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, stored.PendingInterrupt)

	_, err = cp.Service.ResolveInterrupt(ctx, "r1", domain.ResolveInterruptRequest{DecidedBy: "ops", Decision: "maybe"})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)

	run, err = cp.Service.ResolveInterrupt(ctx, "r1", domain.ResolveInterruptRequest{DecidedBy: "ops", Decision: "approve"})
	require.NoError(t, err)
	assert.Equal(t, domain.InterruptApproved, run.PendingInterrupt.Decision)

	_, err = cp.Service.ResolveInterrupt(ctx, "r1", domain.ResolveInterruptRequest{DecidedBy: "ops", Decision: "reject"})
	var serr *domain.InvalidStateError
	require.ErrorAs(t, err, &serr)

	run, err = cp.Service.Execute(ctx, "r1", "w1")
	require.NoError(t, err)
	assert.Nil(t, run.PendingInterrupt)
	assert.Equal(t, 1, run.Usage.ToolCalls)
	require.NotNil(t, run.LastToolResult)
	assert.Equal(t, tools.ToolRepoCheckout, run.LastToolResult.Tool)

	run = executeUntilSettled(t, cp, "r1", "w1")
	assert.Equal(t, domain.RunStatusCompleted, run.Status)
	require.Len(t, run.Artifacts, 1)
	assert.Equal(t, domain.ArtifactKindEngineOutput, run.Artifacts[0].Kind)

	assert.Equal(t, 1, helpers.CountEvents(t, cp, "r1", domain.EventTypeRunInterrupted))
	assert.Equal(t, 1, helpers.CountEvents(t, cp, "r1", domain.EventTypeInterruptResolved))
}

// hookedEngine runs a callback before delegating each step.
type hookedEngine struct {
	inner  engine.Engine
	steps  int
	before func(step int)
}

func (h *hookedEngine) Step(ctx context.Context, run domain.Run, usage domain.Usage) (engine.Outcome, error) {
	h.steps++
	if h.before != nil {
		h.before(h.steps)
	}
	return h.inner.Step(ctx, run, usage)
}

func TestDecisionDuringStepIsKept(t *testing.T) {
	cp := helpers.NewControlPlane(t)
	ctx := context.Background()

	checkout := engine.Outcome{Kind: engine.OutcomeToolRequest, Tokens: 1, ToolRequest: &engine.ToolRequest{Name: tools.ToolRepoCheckout}}
	hooked := &hookedEngine{inner: engine.NewScripted(checkout)}
	cp.Engines.Register("hooked", hooked)

	spec := helpers.RunSpec("r1", false)
	spec.Adapter = "hooked"
	spec.Execution.Tools = []string{tools.ToolRepoCheckout}
	_, err := cp.Service.CreateRun(ctx, spec, "alice")
	require.NoError(t, err)
	_, err = cp.Service.Claim(ctx, "w1", 1, 120)
	require.NoError(t, err)

	run, err := cp.Service.Execute(ctx, "r1", "w1")
	require.NoError(t, err)
	require.NotNil(t, run.PendingInterrupt)

	var resolveErr error
	hooked.before = func(step int) {
		if step == 2 {
			_, resolveErr = cp.Service.ResolveInterrupt(ctx, "r1", domain.ResolveInterruptRequest{DecidedBy: "ops", Decision: "approve"})
		}
	}
	run, err = cp.Service.Execute(ctx, "r1", "w1")
	require.NoError(t, err)
	require.NoError(t, resolveErr)
	require.NotNil(t, run.PendingInterrupt)
	assert.Equal(t, domain.InterruptApproved, run.PendingInterrupt.Decision)

	stored, err := cp.Service.GetRun(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, stored.PendingInterrupt)
	assert.Equal(t, domain.InterruptApproved, stored.PendingInterrupt.Decision)
	assert.Equal(t, "ops", stored.PendingInterrupt.DecidedBy)
	assert.Equal(t, 2, stored.Attempt)

	_, err = cp.Service.ResolveInterrupt(ctx, "r1", domain.ResolveInterruptRequest{DecidedBy: "ops2", Decision: "reject"})
	var serr *domain.InvalidStateError
	require.ErrorAs(t, err, &serr)

	run, err = cp.Service.Execute(ctx, "r1", "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, run.Usage.ToolCalls)
	require.NotNil(t, run.LastToolResult)
	assert.Equal(t, tools.ToolRepoCheckout, run.LastToolResult.Tool)
	assert.Equal(t, 1, helpers.CountEvents(t, cp, "r1", domain.EventTypeInterruptResolved))
}

func TestLostLeaseRecordsOrphanedChangeset(t *testing.T) {
	cp := helpers.NewControlPlane(t)
	ctx := context.Background()

	propose := engine.Outcome{Kind: engine.OutcomeProposal, Tokens: 1, Proposal: &domain.ChangesetProposal{
		Operations: []domain.Operation{{Type: domain.OperationAddLabel, Target: "#1", Value: "bug"}},
		Nonce:      "n1",
	}}
	hooked := &hookedEngine{inner: engine.NewScripted(propose)}
	hooked.before = func(int) { cp.Clock.Advance(2 * time.Minute) }
	cp.Engines.Register("hooked", hooked)

	spec := helpers.RunSpec("r1", false)
	spec.Adapter = "hooked"
	_, err := cp.Service.CreateRun(ctx, spec, "alice")
	require.NoError(t, err)
	_, err = cp.Service.Claim(ctx, "w1", 1, 60)
	require.NoError(t, err)

	_, err = cp.Service.Execute(ctx, "r1", "w1")
	var lerr *domain.LeaseError
	require.ErrorAs(t, err, &lerr)

	changesets, err := cp.Service.ListChangesets(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, changesets, 1)

	events, err := cp.Trail.Query(ctx, "r1", 0, []string{string(domain.EventTypeChangesetOrphaned)}, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	payload := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	assert.Equal(t, changesets[0].ChangesetID, payload["changeset_id"])
	assert.Equal(t, changesets[0].BundleURI, payload["bundle_uri"])

	run, err := cp.Service.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, run.Artifacts)
}

func TestRejectedInterruptLetsEngineMoveOn(t *testing.T) {
	cp := helpers.NewControlPlane(t)
	ctx := context.Background()

	spec := helpers.RunSpec("r1", false)
	spec.Execution.Tools = []string{tools.ToolTestsRun}
	_, err := cp.Service.CreateRun(ctx, spec, "alice")
	require.NoError(t, err)
	_, err = cp.Service.Claim(ctx, "w1", 1, 120)
	require.NoError(t, err)

	run, err := cp.Service.Execute(ctx, "r1", "w1")
	require.NoError(t, err)
	require.NotNil(t, run.PendingInterrupt)

	_, err = cp.Service.ResolveInterrupt(ctx, "r1", domain.ResolveInterruptRequest{DecidedBy: "ops", Decision: "reject"})
	require.NoError(t, err)

	run = executeUntilSettled(t, cp, "r1", "w1")
	assert.Equal(t, domain.RunStatusCompleted, run.Status)
	assert.Equal(t, 0, run.Usage.ToolCalls)
	require.Len(t, run.Artifacts, 1)
	assert.Equal(t, domain.ArtifactKindChangesetBundle, run.Artifacts[0].Kind)
}

func TestBudgetExhaustionFailsRun(t *testing.T) {
	cp := helpers.NewControlPlane(t)
	ctx := context.Background()

	spec := helpers.RunSpec("r1", false)
	spec.Execution.Budget.MaxTotalTokens = 15
	_, err := cp.Service.CreateRun(ctx, spec, "alice")
	require.NoError(t, err)
	_, err = cp.Service.Claim(ctx, "w1", 1, 60)
	require.NoError(t, err)

	run := executeUntilSettled(t, cp, "r1", "w1")
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.Equal(t, domain.ReasonBudgetExhausted, run.ReasonCode)
	assert.Equal(t, 2, run.Attempt)

	events, err := cp.Service.ListEvents(ctx, "r1", 0, []string{string(domain.EventTypeRunFailed)}, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.ReasonBudgetExhausted, events[0].ReasonCode)
}

func TestWebhookAndReportCorrelate(t *testing.T) {
	cp := helpers.NewControlPlane(t)
	ctx := context.Background()
	_, err := cp.Service.CreateRun(ctx, helpers.RunSpec("r1", true), "alice")
	require.NoError(t, err)

	_, err = cp.Service.IngestWebhook(ctx, "github", domain.WebhookRequest{RunID: "r1", Event: "issues.labeled", Payload: json.RawMessage(`{"issue":1}`)})
	require.NoError(t, err)
	ref, err := cp.Service.RecordReport(ctx, "r1", domain.ReportRequest{Name: "weekly", Summary: "ok", Body: json.RawMessage(`{"items":3}`)})
	require.NoError(t, err)
	assert.Equal(t, "artifact://runs/r1/weekly.report.json", ref.URI)

	// Unrelated run traffic does not leak in.
	_, err = cp.Service.IngestWebhook(ctx, "github", domain.WebhookRequest{RunID: "r2", Event: "push"})
	require.NoError(t, err)

	events, err := cp.Service.ListEvents(ctx, "r1", 0,
		[]string{string(domain.EventTypeWebhookReceived), string(domain.EventTypeReportGenerated)}, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventTypeWebhookReceived, events[0].Type)
	assert.Equal(t, domain.EventTypeReportGenerated, events[1].Type)
	assert.Less(t, events[0].Seq, events[1].Seq)

	// Webhooks write nothing else.
	run, err := cp.Service.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusPendingApproval, run.Status)
	assert.Empty(t, run.Artifacts)
}

func TestWebhookAndReportValidation(t *testing.T) {
	cp := helpers.NewControlPlane(t)
	ctx := context.Background()

	_, err := cp.Service.IngestWebhook(ctx, "github", domain.WebhookRequest{})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Issues, 2)

	_, err = cp.Service.RecordReport(ctx, "missing", domain.ReportRequest{Body: json.RawMessage(`{}`)})
	var nerr *domain.NotFoundError
	require.ErrorAs(t, err, &nerr)

	_, err = cp.Service.CreateRun(ctx, helpers.RunSpec("r1", true), "alice")
	require.NoError(t, err)
	_, err = cp.Service.RecordReport(ctx, "r1", domain.ReportRequest{Name: "../escape", Body: json.RawMessage(`{}`)})
	require.ErrorAs(t, err, &verr)
	_, err = cp.Service.RecordReport(ctx, "r1", domain.ReportRequest{Body: json.RawMessage(`not json`)})
	require.ErrorAs(t, err, &verr)
}

func TestChangesetDenialSurfacesReason(t *testing.T) {
	cp := helpers.NewControlPlane(t)
	ctx := context.Background()

	spec := helpers.RunSpec("r1", false)
	spec.Execution.Scope.Repo = "evil/repo"
	_, err := cp.Service.CreateRun(ctx, spec, "alice")
	require.NoError(t, err)
	_, err = cp.Service.Claim(ctx, "w1", 1, 60)
	require.NoError(t, err)
	executeUntilSettled(t, cp, "r1", "w1")

	changesets, err := cp.Service.ListChangesets(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, changesets, 1)

	cs, err := cp.Service.ApproveChangeset(ctx, changesets[0].ChangesetID, "carol")
	var perr *domain.PolicyDeniedError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, domain.ReasonRepoNotAllowlisted, perr.ReasonCode)
	assert.Equal(t, domain.ChangesetStatusDenied, cs.Status)
	assert.Empty(t, cp.Tracker.Calls())
}
