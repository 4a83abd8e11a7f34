package helpers

import (
	"context"
	"testing"
	"time"

	"github.com/phys-sims/pm-bot-sub001/internal/adapter/engine"
	"github.com/phys-sims/pm-bot-sub001/internal/adapter/tracker"
	"github.com/phys-sims/pm-bot-sub001/internal/apply"
	"github.com/phys-sims/pm-bot-sub001/internal/artifact"
	"github.com/phys-sims/pm-bot-sub001/internal/audit"
	"github.com/phys-sims/pm-bot-sub001/internal/clock"
	"github.com/phys-sims/pm-bot-sub001/internal/coordinator"
	"github.com/phys-sims/pm-bot-sub001/internal/domain"
	"github.com/phys-sims/pm-bot-sub001/internal/metrics"
	store "github.com/phys-sims/pm-bot-sub001/internal/repository"
	"github.com/phys-sims/pm-bot-sub001/internal/service"
	"github.com/phys-sims/pm-bot-sub001/internal/tools"
	"github.com/phys-sims/pm-bot-sub001/policy"
)

// Epoch is the fake clock's starting time.
var Epoch = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

// ControlPlane is a fully wired scheduler over in-memory backends.
type ControlPlane struct {
	Service   *service.Service
	Store     *store.SQLiteStore
	Engines   *engine.Registry
	Pipeline  *apply.Pipeline
	Tracker   *tracker.Recording
	Artifacts *artifact.MemoryStore
	Trail     *audit.Trail
	Metrics   *metrics.Metrics
	Clock     *clock.Fake
}

// NewControlPlane wires a control plane with the mock engine registered as
// adapter "mock" (10 tokens per step), a policy allowing acme/* and denying
// close_issue, and an auto-advancing fake clock for apply backoff.
func NewControlPlane(t *testing.T) *ControlPlane {
	t.Helper()
	ctx := context.Background()

	s := NewTestSQLiteStore(t)
	clk := clock.NewAutoFake(Epoch)

	rules, err := policy.NewDefaultEngine(ctx, policy.Rules{
		AllowedRepos:     []string{"acme/*"},
		DeniedOperations: []string{"close_issue"},
	})
	if err != nil {
		t.Fatalf("failed to build policy engine: %v", err)
	}

	cp := &ControlPlane{
		Store:     s,
		Engines:   engine.NewRegistry(),
		Tracker:   tracker.NewRecording(),
		Artifacts: artifact.NewMemoryStore(),
		Metrics:   metrics.New(),
		Clock:     clk,
	}
	cp.Trail = audit.NewTrail(s, clk)
	cp.Engines.Register("mock", engine.NewMock(10))

	cp.Pipeline = apply.New(apply.Deps{
		Store:     s,
		Runs:      s,
		Policy:    rules,
		Tracker:   cp.Tracker,
		Artifacts: cp.Artifacts,
		Audit:     cp.Trail,
		Metrics:   cp.Metrics,
		Clock:     clk,
	}, apply.Config{RetryBudget: 3, BackoffBase: 100 * time.Millisecond, BackoffMax: time.Second})

	coord := coordinator.New(cp.Engines, tools.DefaultRegistry, cp.Pipeline, cp.Artifacts, clk, coordinator.Config{})

	cp.Service = service.New(service.Deps{
		Store:       s,
		Engines:     cp.Engines,
		Coordinator: coord,
		Pipeline:    cp.Pipeline,
		Artifacts:   cp.Artifacts,
		Audit:       cp.Trail,
		Metrics:     cp.Metrics,
		Clock:       clk,
	}, service.Config{DefaultLease: time.Minute})
	return cp
}

// RunSpec returns a valid spec for the mock adapter that reads the repo once
// and proposes one label.
func RunSpec(runID string, requiresApproval bool) domain.RunSpec {
	return domain.RunSpec{
		SchemaVersion:    domain.RunSpecSchemaV1,
		RunID:            runID,
		Goal:             "label new bugs",
		Intent:           "triage",
		RequiresApproval: requiresApproval,
		Adapter:          "mock",
		Inputs: domain.RunInputs{
			ContextRef: "issue#1",
			Diff: []domain.Operation{
				{Type: domain.OperationAddLabel, Target: "#1", Value: "bug"},
			},
		},
		Execution: domain.ExecutionDescriptor{
			Engine:  "langgraph",
			GraphID: "triage",
			Budget:  domain.Budget{MaxTotalTokens: 1000, MaxToolCalls: 5, MaxWallClockSeconds: 300},
			Tools:   []string{tools.ToolRepoRead},
			Scope:   domain.Scope{Repo: "acme/app", Scopes: []string{"labels:write", "issues:write"}},
		},
	}
}

// EventTypes returns the types of a run's audit events in order.
func EventTypes(t *testing.T, cp *ControlPlane, runID string) []domain.EventType {
	t.Helper()
	events, err := cp.Trail.EventsByRunID(context.Background(), runID)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	types := make([]domain.EventType, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	return types
}

// CountEvents counts a run's audit events of one type.
func CountEvents(t *testing.T, cp *ControlPlane, runID string, eventType domain.EventType) int {
	t.Helper()
	n := 0
	for _, et := range EventTypes(t, cp, runID) {
		if et == eventType {
			n++
		}
	}
	return n
}
