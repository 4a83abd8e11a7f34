package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCountersByLabel(t *testing.T) {
	m := New()
	m.ChangesetWrite("applied")
	m.ChangesetWrite("retryable_failure")
	m.ChangesetWrite("retryable_failure")
	m.PolicyDenied("repo_not_allowlisted")
	m.RunsClaimed(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.changesetWrites.WithLabelValues("applied")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.changesetWrites.WithLabelValues("retryable_failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.policyDenials.WithLabelValues("repo_not_allowlisted")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.runsClaimed))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ChangesetWrite("applied")
	m.PolicyDenied("x")
	m.RunTransition("completed")
	m.RunsClaimed(1)
}
