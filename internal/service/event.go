package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"strings"

	"github.com/phys-sims/pm-bot-sub001/internal/artifact"
	"github.com/phys-sims/pm-bot-sub001/internal/domain"
)

var reportName = regexp.MustCompile(`^[A-Za-z0-9_-][A-Za-z0-9._-]*$`)

// recordEvent appends to the audit trail. Failures are logged, never returned:
// the transition being audited has already committed.
func (s *Service) recordEvent(ctx context.Context, runID string, eventType domain.EventType, payload interface{}, reasonCode string) {
	if _, err := s.audit.Record(ctx, runID, eventType, payload, reasonCode); err != nil {
		log.Printf("ERROR: failed to record %s event for run %s: %v", eventType, runID, err)
	}
}

// ListEvents returns a run's audit events in insertion order.
func (s *Service) ListEvents(ctx context.Context, runID string, afterSeq int64, types []string, limit int) ([]domain.AuditEvent, error) {
	events, err := s.audit.Query(ctx, runID, afterSeq, types, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get run events: %w", err)
	}
	return events, nil
}

// Subscribe streams a run's audit events as they are recorded.
func (s *Service) Subscribe(runID string) (<-chan domain.AuditEvent, func()) {
	return s.audit.Subscribe(runID)
}

// IngestWebhook records an external event for correlation. It writes
// nothing but the audit event.
func (s *Service) IngestWebhook(ctx context.Context, source string, req domain.WebhookRequest) (*domain.AuditEvent, error) {
	issues := &domain.ValidationError{}
	if strings.TrimSpace(req.RunID) == "" {
		issues.Add("run_id is required")
	}
	if strings.TrimSpace(req.Event) == "" {
		issues.Add("event is required")
	}
	if err := issues.OrNil(); err != nil {
		return nil, err
	}

	event, err := s.audit.Record(ctx, req.RunID, domain.EventTypeWebhookReceived, map[string]interface{}{
		"source":  source,
		"event":   req.Event,
		"payload": req.Payload,
	}, "")
	if err != nil {
		return nil, fmt.Errorf("failed to record webhook: %w", err)
	}
	return event, nil
}

// RecordReport stores a report body as an artifact and emits report_generated.
// The run's own artifact list belongs to the lease holder and is not touched.
func (s *Service) RecordReport(ctx context.Context, runID string, req domain.ReportRequest) (domain.ArtifactRef, error) {
	if _, err := s.getRun(ctx, runID); err != nil {
		return domain.ArtifactRef{}, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = "report"
	}
	issues := &domain.ValidationError{}
	if !reportName.MatchString(name) {
		issues.Add("name may only contain letters, digits, '.', '_' and '-'")
	}
	if len(req.Body) == 0 || !json.Valid(req.Body) {
		issues.Add("body must be a JSON document")
	}
	if err := issues.OrNil(); err != nil {
		return domain.ArtifactRef{}, err
	}

	ref, err := artifact.Write(ctx, s.artifacts, artifact.ReportKey(runID, name), req.Body)
	if err != nil {
		return domain.ArtifactRef{}, fmt.Errorf("failed to store report: %w", err)
	}

	s.recordEvent(ctx, runID, domain.EventTypeReportGenerated, map[string]interface{}{
		"name":    name,
		"summary": req.Summary,
		"uri":     ref.URI,
		"size":    ref.Size,
	}, "")
	return ref, nil
}
