// Package apply is the policy-gated changeset apply pipeline. It owns
// changesets and application records and writes each logical change to the
// tracker at most once.
package apply

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/phys-sims/pm-bot-sub001/internal/adapter/tracker"
	"github.com/phys-sims/pm-bot-sub001/internal/artifact"
	"github.com/phys-sims/pm-bot-sub001/internal/audit"
	"github.com/phys-sims/pm-bot-sub001/internal/clock"
	"github.com/phys-sims/pm-bot-sub001/internal/domain"
	"github.com/phys-sims/pm-bot-sub001/internal/metrics"
	store "github.com/phys-sims/pm-bot-sub001/internal/repository"
	"github.com/phys-sims/pm-bot-sub001/policy"
)

// Config bounds the retry loop.
type Config struct {
	// RetryBudget is the total number of write attempts, first one included.
	RetryBudget int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// StaleAfter is how long a changeset may sit in applying without progress
	// before Reconcile treats its applier as gone.
	StaleAfter time.Duration
}

// DefaultConfig returns the defaults used when nothing is configured.
func DefaultConfig() Config {
	return Config{RetryBudget: 3, BackoffBase: 200 * time.Millisecond, BackoffMax: 5 * time.Second, StaleAfter: 2 * time.Minute}
}

// PolicyEvaluator decides whether a changeset may be applied.
type PolicyEvaluator interface {
	EvaluateAll(ctx context.Context, repo string, operations []string, requested, declared []string) (policy.Decision, error)
}

// RunLookup reads the run a changeset belongs to.
type RunLookup interface {
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
}

// Pipeline applies approved changesets.
type Pipeline struct {
	store     store.ChangesetStore
	runs      RunLookup
	policy    PolicyEvaluator
	tracker   tracker.Client
	artifacts artifact.Store
	audit     audit.Recorder
	metrics   *metrics.Metrics
	clock     clock.Clock
	cfg       Config
}

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Store     store.ChangesetStore
	Runs      RunLookup
	Policy    PolicyEvaluator
	Tracker   tracker.Client
	Artifacts artifact.Store
	Audit     audit.Recorder
	Metrics   *metrics.Metrics
	Clock     clock.Clock
}

// New creates a Pipeline.
func New(deps Deps, cfg Config) *Pipeline {
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = DefaultConfig().RetryBudget
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultConfig().BackoffBase
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultConfig().StaleAfter
	}
	if cfg.StaleAfter < 2*cfg.BackoffMax {
		cfg.StaleAfter = 2 * cfg.BackoffMax
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Pipeline{
		store:     deps.Store,
		runs:      deps.Runs,
		policy:    deps.Policy,
		tracker:   deps.Tracker,
		artifacts: deps.Artifacts,
		audit:     deps.Audit,
		metrics:   deps.Metrics,
		clock:     clk,
		cfg:       cfg,
	}
}

// bundle is the changeset-bundle artifact body.
type bundle struct {
	ChangesetID    string             `json:"changeset_id"`
	RunID          string             `json:"run_id"`
	Repo           string             `json:"repo"`
	Operations     []domain.Operation `json:"operations"`
	Scopes         []string           `json:"scopes"`
	Nonce          string             `json:"nonce"`
	IdempotencyKey string             `json:"idempotency_key"`
	ProposedAt     int64              `json:"proposed_at"`
}

// Propose records an engine's proposal as a new changeset and writes its
// bundle artifact. Nothing is applied until the changeset is approved.
func (p *Pipeline) Propose(ctx context.Context, run *domain.Run, proposal domain.ChangesetProposal) (*domain.Changeset, domain.ArtifactRef, error) {
	issues := &domain.ValidationError{}
	if len(proposal.Operations) == 0 {
		issues.Add("changeset has no operations")
	}
	for i, op := range proposal.Operations {
		if err := op.Validate(); err != nil {
			issues.Add(fmt.Sprintf("operations[%d]: %s", i, err.Error()))
		}
	}
	if proposal.TransientFailures < 0 {
		issues.Add("_transient_failures must not be negative")
	}
	if err := issues.OrNil(); err != nil {
		return nil, domain.ArtifactRef{}, err
	}

	key, err := IdempotencyKey(run.RunID, proposal.Operations, proposal.Nonce)
	if err != nil {
		return nil, domain.ArtifactRef{}, err
	}

	now := p.clock.Now()
	cs := &domain.Changeset{
		ChangesetID:       "cs_" + uuid.New().String()[:8],
		RunID:             run.RunID,
		Operations:        proposal.Operations,
		Scopes:            proposal.Scopes,
		Nonce:             proposal.Nonce,
		IdempotencyKey:    key,
		Status:            domain.ChangesetStatusProposed,
		TransientFailures: proposal.TransientFailures,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	body, err := json.Marshal(bundle{
		ChangesetID:    cs.ChangesetID,
		RunID:          cs.RunID,
		Repo:           run.Spec.Execution.Scope.Repo,
		Operations:     cs.Operations,
		Scopes:         cs.RequestedScopes(),
		Nonce:          cs.Nonce,
		IdempotencyKey: key,
		ProposedAt:     now.UnixMilli(),
	})
	if err != nil {
		return nil, domain.ArtifactRef{}, fmt.Errorf("failed to marshal bundle: %w", err)
	}
	ref, err := artifact.Write(ctx, p.artifacts, artifact.ChangesetBundleKey(run.RunID, cs.ChangesetID), body)
	if err != nil {
		return nil, domain.ArtifactRef{}, err
	}
	cs.BundleURI = ref.URI

	if err := p.store.CreateChangeset(ctx, cs); err != nil {
		return nil, domain.ArtifactRef{}, fmt.Errorf("failed to create changeset: %w", err)
	}
	p.record(ctx, cs.RunID, domain.EventTypeChangesetProposed, map[string]interface{}{
		"changeset_id":    cs.ChangesetID,
		"idempotency_key": cs.IdempotencyKey,
		"operations":      len(cs.Operations),
		"bundle_uri":      cs.BundleURI,
	}, "")
	return cs, ref, nil
}

// Get returns a changeset or NotFoundError.
func (p *Pipeline) Get(ctx context.Context, changesetID string) (*domain.Changeset, error) {
	cs, err := p.store.GetChangeset(ctx, changesetID)
	if err != nil {
		return nil, fmt.Errorf("failed to get changeset: %w", err)
	}
	if cs == nil {
		return nil, &domain.NotFoundError{Entity: "changeset", ID: changesetID}
	}
	return cs, nil
}

// ListByRun returns a run's changesets in proposal order.
func (p *Pipeline) ListByRun(ctx context.Context, runID string) ([]domain.Changeset, error) {
	return p.store.ListChangesetsByRun(ctx, runID)
}

// Approve evaluates policy for a proposed changeset. A denial ends the
// changeset in denied and returns *domain.PolicyDeniedError alongside it;
// otherwise the changeset is approved and applied.
func (p *Pipeline) Approve(ctx context.Context, changesetID, approvedBy string) (*domain.Changeset, error) {
	cs, err := p.Get(ctx, changesetID)
	if err != nil {
		return nil, err
	}
	if cs.Status != domain.ChangesetStatusProposed {
		return nil, &domain.InvalidStateError{Entity: "changeset", ID: cs.ChangesetID, State: string(cs.Status), Operation: "approve"}
	}

	run, err := p.runs.GetRun(ctx, cs.RunID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		return nil, &domain.NotFoundError{Entity: "run", ID: cs.RunID}
	}

	types := cs.OperationTypes()
	opNames := make([]string, len(types))
	for i, t := range types {
		opNames[i] = string(t)
	}
	repo := run.Spec.Execution.Scope.Repo
	decision, err := p.policy.EvaluateAll(ctx, repo, opNames, cs.RequestedScopes(), run.Spec.Execution.Scope.Scopes)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate policy: %w", err)
	}
	p.record(ctx, cs.RunID, domain.EventTypePolicyDecision, map[string]interface{}{
		"changeset_id": cs.ChangesetID,
		"repo":         repo,
		"operations":   opNames,
		"allow":        decision.Allow,
	}, decision.ReasonCode)

	now := p.clock.Now()
	if !decision.Allow {
		cs.Status = domain.ChangesetStatusDenied
		cs.ReasonCode = decision.ReasonCode
		cs.UpdatedAt = now
		if err := p.transition(ctx, cs, domain.ChangesetStatusProposed, "deny"); err != nil {
			return nil, err
		}
		p.metrics.PolicyDenied(decision.ReasonCode)
		p.record(ctx, cs.RunID, domain.EventTypeChangesetDenied, map[string]interface{}{
			"changeset_id": cs.ChangesetID,
			"repo":         repo,
		}, decision.ReasonCode)
		return cs, &domain.PolicyDeniedError{ReasonCode: decision.ReasonCode}
	}

	cs.Status = domain.ChangesetStatusApproved
	cs.ApprovedBy = approvedBy
	cs.UpdatedAt = now
	if err := p.transition(ctx, cs, domain.ChangesetStatusProposed, "approve"); err != nil {
		return nil, err
	}
	p.record(ctx, cs.RunID, domain.EventTypeChangesetApproved, map[string]interface{}{
		"changeset_id": cs.ChangesetID,
		"approved_by":  approvedBy,
	}, "")

	return p.Apply(ctx, cs.ChangesetID)
}

// Apply writes an approved changeset to the tracker. An already applied
// changeset, or one whose key already has an application record, is a no-op.
// Cancelling ctx between attempts returns the changeset to approved; an
// attempt already in flight always runs to completion, and so does the
// bookkeeping that follows it.
func (p *Pipeline) Apply(ctx context.Context, changesetID string) (*domain.Changeset, error) {
	cs, err := p.Get(ctx, changesetID)
	if err != nil {
		return nil, err
	}

	switch cs.Status {
	case domain.ChangesetStatusApplied:
		p.metrics.ChangesetWrite(domain.WriteOutcomeNoopIdempotent)
		p.record(ctx, cs.RunID, domain.EventTypeChangesetNoopIdempotent, map[string]interface{}{
			"changeset_id":    cs.ChangesetID,
			"idempotency_key": cs.IdempotencyKey,
		}, "")
		return cs, nil
	case domain.ChangesetStatusApproved:
	default:
		return nil, &domain.InvalidStateError{Entity: "changeset", ID: cs.ChangesetID, State: string(cs.Status), Operation: "apply"}
	}

	key, err := IdempotencyKey(cs.RunID, cs.Operations, cs.Nonce)
	if err != nil {
		return nil, err
	}
	if key != cs.IdempotencyKey {
		log.Printf("ERROR: changeset %s idempotency key mismatch (stored %s, computed %s)", cs.ChangesetID, cs.IdempotencyKey, key)
		cs.Status = domain.ChangesetStatusFailed
		cs.ReasonCode = domain.ReasonIdempotencyKeyMismatch
		cs.UpdatedAt = p.clock.Now()
		if err := p.transition(ctx, cs, domain.ChangesetStatusApproved, "fail"); err != nil {
			return nil, err
		}
		return p.deadLetter(ctx, cs, domain.ReasonIdempotencyKeyMismatch, domain.WriteOutcomePermanentFailure, 0)
	}

	rec, err := p.store.GetApplicationRecord(ctx, cs.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("failed to get application record: %w", err)
	}
	if rec != nil {
		return p.noop(ctx, cs, rec, domain.ChangesetStatusApproved)
	}

	run, err := p.runs.GetRun(ctx, cs.RunID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		return nil, &domain.NotFoundError{Entity: "run", ID: cs.RunID}
	}
	repo := run.Spec.Execution.Scope.Repo

	cs.Status = domain.ChangesetStatusApplying
	cs.UpdatedAt = p.clock.Now()
	if err := p.transition(ctx, cs, domain.ChangesetStatusApproved, "apply"); err != nil {
		return nil, err
	}
	p.record(ctx, cs.RunID, domain.EventTypeChangesetApplying, map[string]interface{}{
		"changeset_id": cs.ChangesetID,
		"retry_budget": p.cfg.RetryBudget,
	}, "")

	// Once a write may have reached the tracker its outcome must be stored.
	detached := context.WithoutCancel(ctx)
	for attempt := 1; attempt <= p.cfg.RetryBudget; attempt++ {
		if attempt > 1 {
			delay := p.backoff(attempt - 1)
			p.record(ctx, cs.RunID, domain.EventTypeChangesetRetryScheduled, map[string]interface{}{
				"changeset_id": cs.ChangesetID,
				"attempt":      attempt,
				"delay_ms":     delay.Milliseconds(),
			}, "")
			select {
			case <-ctx.Done():
				return p.cancel(ctx, cs, ctx.Err())
			case <-p.clock.After(delay):
			}
		}
		if ctx.Err() != nil {
			return p.cancel(ctx, cs, ctx.Err())
		}

		refs, werr := p.write(ctx, cs, repo, attempt)
		if werr == nil {
			return p.complete(detached, cs, refs, attempt)
		}

		var permanent *domain.PermanentWriteError
		if errors.As(werr, &permanent) {
			p.metrics.ChangesetWrite(domain.WriteOutcomePermanentFailure)
			log.Printf("ERROR: changeset %s attempt %d failed permanently: %v", cs.ChangesetID, attempt, werr)
			cs.Status = domain.ChangesetStatusFailed
			cs.ReasonCode = permanent.ReasonCode()
			cs.LastError = werr.Error()
			cs.UpdatedAt = p.clock.Now()
			if err := p.transition(detached, cs, domain.ChangesetStatusApplying, "fail"); err != nil {
				return nil, err
			}
			return p.deadLetter(detached, cs, cs.ReasonCode, domain.WriteOutcomePermanentFailure, attempt)
		}

		p.metrics.ChangesetWrite(domain.WriteOutcomeRetryableFailure)
		log.Printf("WARN: changeset %s attempt %d/%d failed: %v", cs.ChangesetID, attempt, p.cfg.RetryBudget, werr)
		cs.RetryCount++
		cs.LastError = werr.Error()
		cs.UpdatedAt = p.clock.Now()
		if err := p.transition(detached, cs, domain.ChangesetStatusApplying, "retry"); err != nil {
			return nil, err
		}
	}

	cs.Status = domain.ChangesetStatusFailed
	cs.ReasonCode = domain.ReasonRetryBudgetExhausted
	cs.UpdatedAt = p.clock.Now()
	if err := p.transition(detached, cs, domain.ChangesetStatusApplying, "fail"); err != nil {
		return nil, err
	}
	return p.deadLetter(detached, cs, domain.ReasonRetryBudgetExhausted, domain.WriteOutcomeRetryableFailure, p.cfg.RetryBudget)
}

// Reconcile settles a changeset left in applying by an applier that went
// away. If its key has an application record the changeset is marked applied;
// otherwise it is dead-lettered with apply_interrupted so it can be redriven.
// Changesets that made progress within StaleAfter are left alone.
func (p *Pipeline) Reconcile(ctx context.Context, changesetID string) (*domain.Changeset, error) {
	cs, err := p.Get(ctx, changesetID)
	if err != nil {
		return nil, err
	}
	if cs.Status != domain.ChangesetStatusApplying {
		return nil, &domain.InvalidStateError{Entity: "changeset", ID: cs.ChangesetID, State: string(cs.Status), Operation: "reconcile"}
	}
	if idle := p.clock.Now().Sub(cs.UpdatedAt); idle < p.cfg.StaleAfter {
		return nil, &domain.InvalidStateError{Entity: "changeset", ID: cs.ChangesetID, State: "applying (in progress)", Operation: "reconcile"}
	}

	rec, err := p.store.GetApplicationRecord(ctx, cs.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("failed to get application record: %w", err)
	}
	if rec != nil {
		return p.noop(ctx, cs, rec, domain.ChangesetStatusApplying)
	}

	log.Printf("WARN: changeset %s stuck in applying since %s, dead-lettering", cs.ChangesetID, cs.UpdatedAt.Format(time.RFC3339))
	cs.Status = domain.ChangesetStatusFailed
	cs.ReasonCode = domain.ReasonApplyInterrupted
	cs.LastError = "apply did not finish"
	cs.UpdatedAt = p.clock.Now()
	if err := p.transition(ctx, cs, domain.ChangesetStatusApplying, "reconcile"); err != nil {
		return nil, err
	}
	return p.deadLetter(ctx, cs, domain.ReasonApplyInterrupted, domain.WriteOutcomeRetryableFailure, cs.RetryCount)
}

// Redrive re-proposes a dead-lettered changeset under the same idempotency
// key. The original keeps its terminal status. A stale applying changeset is
// reconciled first.
func (p *Pipeline) Redrive(ctx context.Context, changesetID, requestedBy string) (*domain.Changeset, error) {
	orig, err := p.Get(ctx, changesetID)
	if err != nil {
		return nil, err
	}
	if orig.Status == domain.ChangesetStatusApplying {
		if orig, err = p.Reconcile(ctx, changesetID); err != nil {
			return nil, err
		}
	}
	if orig.Status != domain.ChangesetStatusDeadLettered && orig.Status != domain.ChangesetStatusFailed {
		return nil, &domain.InvalidStateError{Entity: "changeset", ID: orig.ChangesetID, State: string(orig.Status), Operation: "redrive"}
	}

	now := p.clock.Now()
	cs := &domain.Changeset{
		ChangesetID:    "cs_" + uuid.New().String()[:8],
		RunID:          orig.RunID,
		Operations:     orig.Operations,
		Scopes:         orig.Scopes,
		Nonce:          orig.Nonce,
		IdempotencyKey: orig.IdempotencyKey,
		Status:         domain.ChangesetStatusProposed,
		RedriveOf:      orig.ChangesetID,
		BundleURI:      orig.BundleURI,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := p.store.CreateChangeset(ctx, cs); err != nil {
		return nil, fmt.Errorf("failed to create changeset: %w", err)
	}
	p.record(ctx, cs.RunID, domain.EventTypeChangesetRedriven, map[string]interface{}{
		"changeset_id": cs.ChangesetID,
		"redrive_of":   orig.ChangesetID,
		"requested_by": requestedBy,
	}, orig.ReasonCode)
	return cs, nil
}

// write performs one attempt. Injected failures are consumed before the
// tracker is contacted. The tracker call is detached from ctx cancellation so
// a write is never cut off halfway.
func (p *Pipeline) write(ctx context.Context, cs *domain.Changeset, repo string, attempt int) ([]string, error) {
	if attempt <= cs.TransientFailures {
		return nil, &domain.TransientWriteError{Err: fmt.Errorf("injected transient failure %d/%d", attempt, cs.TransientFailures)}
	}
	writeCtx := tracker.WithIdempotencyKey(context.WithoutCancel(ctx), cs.IdempotencyKey)
	refs, err := p.tracker.ApplyOperations(writeCtx, repo, cs.Operations)
	if err != nil {
		return nil, tracker.Classify(err)
	}
	return refs, nil
}

func (p *Pipeline) complete(ctx context.Context, cs *domain.Changeset, refs []string, attempt int) (*domain.Changeset, error) {
	now := p.clock.Now()
	cs.Status = domain.ChangesetStatusApplied
	cs.ExternalRefs = refs
	cs.ReasonCode = ""
	cs.UpdatedAt = now
	rec := &domain.ApplicationRecord{
		IdempotencyKey: cs.IdempotencyKey,
		ChangesetID:    cs.ChangesetID,
		AppliedAt:      now,
		ExternalRefs:   refs,
	}

	ok, err := p.store.CompleteApplication(ctx, rec, cs, domain.ChangesetStatusApplying)
	if err != nil {
		return nil, fmt.Errorf("failed to record application: %w", err)
	}
	if !ok {
		// Either another changeset with this key recorded first, or this one
		// was reconciled while the write was in flight. The record is kept in
		// both cases; mark this changeset applied if it is still ours.
		log.Printf("WARN: changeset %s wrote to the tracker but key %s was already recorded", cs.ChangesetID, cs.IdempotencyKey)
		if err := p.transition(ctx, cs, domain.ChangesetStatusApplying, "complete"); err != nil {
			return nil, err
		}
	}

	p.metrics.ChangesetWrite(domain.WriteOutcomeApplied)
	p.record(ctx, cs.RunID, domain.EventTypeChangesetWrite, map[string]interface{}{
		"changeset_id": cs.ChangesetID,
		"outcome":      domain.WriteOutcomeApplied,
		"attempts":     attempt,
	}, "")
	p.record(ctx, cs.RunID, domain.EventTypeChangesetApplied, map[string]interface{}{
		"changeset_id":  cs.ChangesetID,
		"external_refs": refs,
		"retry_count":   cs.RetryCount,
	}, "")
	return cs, nil
}

func (p *Pipeline) noop(ctx context.Context, cs *domain.Changeset, rec *domain.ApplicationRecord, from domain.ChangesetStatus) (*domain.Changeset, error) {
	cs.Status = domain.ChangesetStatusApplied
	cs.ExternalRefs = rec.ExternalRefs
	cs.UpdatedAt = p.clock.Now()
	if err := p.transition(ctx, cs, from, "apply"); err != nil {
		return nil, err
	}
	p.metrics.ChangesetWrite(domain.WriteOutcomeNoopIdempotent)
	p.record(ctx, cs.RunID, domain.EventTypeChangesetWrite, map[string]interface{}{
		"changeset_id": cs.ChangesetID,
		"outcome":      domain.WriteOutcomeNoopIdempotent,
		"attempts":     0,
	}, "")
	p.record(ctx, cs.RunID, domain.EventTypeChangesetNoopIdempotent, map[string]interface{}{
		"changeset_id":         cs.ChangesetID,
		"idempotency_key":      cs.IdempotencyKey,
		"applied_by_changeset": rec.ChangesetID,
	}, "")
	return cs, nil
}

// deadLetter moves a failed changeset to dead_lettered.
func (p *Pipeline) deadLetter(ctx context.Context, cs *domain.Changeset, reason, outcome string, attempts int) (*domain.Changeset, error) {
	cs.Status = domain.ChangesetStatusDeadLettered
	cs.ReasonCode = reason
	cs.UpdatedAt = p.clock.Now()
	if err := p.transition(ctx, cs, domain.ChangesetStatusFailed, "dead-letter"); err != nil {
		return nil, err
	}
	p.record(ctx, cs.RunID, domain.EventTypeChangesetWrite, map[string]interface{}{
		"changeset_id": cs.ChangesetID,
		"outcome":      outcome,
		"attempts":     attempts,
	}, reason)
	p.record(ctx, cs.RunID, domain.EventTypeChangesetDeadLettered, map[string]interface{}{
		"changeset_id": cs.ChangesetID,
		"retry_count":  cs.RetryCount,
		"last_error":   cs.LastError,
	}, reason)
	return cs, nil
}

// cancel returns an applying changeset to approved after the caller gave up.
func (p *Pipeline) cancel(parent context.Context, cs *domain.Changeset, cause error) (*domain.Changeset, error) {
	ctx := context.WithoutCancel(parent)
	cs.Status = domain.ChangesetStatusApproved
	cs.UpdatedAt = p.clock.Now()
	if err := p.transition(ctx, cs, domain.ChangesetStatusApplying, "cancel"); err != nil {
		return nil, err
	}
	p.record(ctx, cs.RunID, domain.EventTypeChangesetApplyCancelled, map[string]interface{}{
		"changeset_id": cs.ChangesetID,
		"retry_count":  cs.RetryCount,
	}, "")
	return cs, cause
}

func (p *Pipeline) transition(ctx context.Context, cs *domain.Changeset, from domain.ChangesetStatus, op string) error {
	ok, err := p.store.UpdateChangeset(ctx, cs, from)
	if err != nil {
		return fmt.Errorf("failed to update changeset: %w", err)
	}
	if !ok {
		return &domain.InvalidStateError{Entity: "changeset", ID: cs.ChangesetID, State: string(from), Operation: op}
	}
	return nil
}

func (p *Pipeline) backoff(retry int) time.Duration {
	d := p.cfg.BackoffBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= p.cfg.BackoffMax {
			return p.cfg.BackoffMax
		}
	}
	if d > p.cfg.BackoffMax {
		return p.cfg.BackoffMax
	}
	return d
}

func (p *Pipeline) record(ctx context.Context, runID string, eventType domain.EventType, payload interface{}, reason string) {
	if p.audit == nil {
		return
	}
	if _, err := p.audit.Record(ctx, runID, eventType, payload, reason); err != nil {
		log.Printf("ERROR: failed to record %s for run %s: %v", eventType, runID, err)
	}
}
