package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewDefaultEngine(context.Background(), Rules{
		AllowedRepos:     []string{"acme/app", "tools/*"},
		DeniedOperations: []string{"close_issue"},
	})
	require.NoError(t, err)
	return e
}

func TestEvaluate(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	declared := []string{"issues:write", "labels:write"}

	tests := []struct {
		name   string
		in     Input
		allow  bool
		reason string
	}{
		{
			name:  "allowed",
			in:    Input{Repo: "acme/app", Operation: "add_label", RequestedScopes: []string{"labels:write"}, DeclaredScopes: declared},
			allow: true,
		},
		{
			name:  "glob allow-list",
			in:    Input{Repo: "tools/linter", Operation: "add_label", RequestedScopes: []string{"labels:write"}, DeclaredScopes: declared},
			allow: true,
		},
		{
			name:   "repo not allowlisted",
			in:     Input{Repo: "evil/repo", Operation: "add_label", RequestedScopes: []string{"labels:write"}, DeclaredScopes: declared},
			reason: "repo_not_allowlisted",
		},
		{
			name:   "glob does not cross segments",
			in:     Input{Repo: "tools/a/b", Operation: "add_label", DeclaredScopes: declared},
			reason: "repo_not_allowlisted",
		},
		{
			name:   "operation denied",
			in:     Input{Repo: "acme/app", Operation: "close_issue", RequestedScopes: []string{"issues:write"}, DeclaredScopes: declared},
			reason: "operation_denied",
		},
		{
			name:   "scope violation",
			in:     Input{Repo: "acme/app", Operation: "add_comment", RequestedScopes: []string{"comments:write"}, DeclaredScopes: declared},
			reason: "scope_violation",
		},
		{
			name:   "repo check wins over the others",
			in:     Input{Repo: "evil/repo", Operation: "close_issue", RequestedScopes: []string{"admin"}, DeclaredScopes: nil},
			reason: "repo_not_allowlisted",
		},
		{
			name:   "operation check wins over scope",
			in:     Input{Repo: "acme/app", Operation: "close_issue", RequestedScopes: []string{"admin"}, DeclaredScopes: declared},
			reason: "operation_denied",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < 3; i++ {
				d, err := e.Evaluate(ctx, tt.in)
				require.NoError(t, err)
				assert.Equal(t, tt.allow, d.Allow)
				assert.Equal(t, tt.reason, d.ReasonCode)
			}
		})
	}
}

func TestEvaluateAllPicksEarliestReason(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	d, err := e.EvaluateAll(ctx, "acme/app",
		[]string{"add_comment", "close_issue"},
		[]string{"comments:write", "issues:write"},
		[]string{"issues:write"})
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Equal(t, "operation_denied", d.ReasonCode)

	d, err = e.EvaluateAll(ctx, "acme/app", []string{"add_label"}, []string{"labels:write"}, []string{"labels:write"})
	require.NoError(t, err)
	assert.True(t, d.Allow)
}

func TestEmptyAllowListDeniesEverything(t *testing.T) {
	e, err := NewDefaultEngine(context.Background(), Rules{})
	require.NoError(t, err)
	d, err := e.Evaluate(context.Background(), Input{Repo: "acme/app", Operation: "add_label"})
	require.NoError(t, err)
	assert.Equal(t, "repo_not_allowlisted", d.ReasonCode)
}

func TestNewEngineRejectsBadPolicy(t *testing.T) {
	_, err := NewEngine(context.Background(), "package broken\n decision := {", Rules{})
	assert.Error(t, err)
}
