package apply

import (
	"strings"
	"testing"

	"github.com/phys-sims/pm-bot-sub001/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdempotencyKeyIsStable(t *testing.T) {
	ops := []domain.Operation{
		{Type: domain.OperationUpdateField, Target: "#7", Field: "priority", Value: map[string]interface{}{"level": 2, "label": "p2"}},
		{Type: domain.OperationAddLabel, Target: "#7", Value: "bug"},
	}
	a, err := IdempotencyKey("r1", ops, "n1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(a, "idem_"))
	assert.Len(t, a, len("idem_")+64)

	// Same values as they come back from JSON storage.
	stored := []domain.Operation{
		{Type: domain.OperationUpdateField, Target: "#7", Field: "priority", Value: map[string]interface{}{"label": "p2", "level": float64(2)}},
		{Type: domain.OperationAddLabel, Target: "#7", Value: "bug"},
	}
	b, err := IdempotencyKey("r1", stored, "n1")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestIdempotencyKeyDistinguishesInputs(t *testing.T) {
	ops := []domain.Operation{{Type: domain.OperationAddLabel, Target: "#7", Value: "bug"}}
	base, err := IdempotencyKey("r1", ops, "n1")
	require.NoError(t, err)

	otherRun, _ := IdempotencyKey("r2", ops, "n1")
	otherNonce, _ := IdempotencyKey("r1", ops, "n2")
	otherOps, _ := IdempotencyKey("r1", []domain.Operation{{Type: domain.OperationAddLabel, Target: "#7", Value: "feature"}}, "n1")
	reordered, _ := IdempotencyKey("r1", append(ops, domain.Operation{Type: domain.OperationAddComment, Target: "#7", Value: "x"}), "n1")

	for _, k := range []string{otherRun, otherNonce, otherOps, reordered} {
		assert.NotEqual(t, base, k)
	}
}
