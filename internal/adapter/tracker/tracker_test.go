package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/phys-sims/pm-bot-sub001/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	var transient *domain.TransientWriteError
	var permanent *domain.PermanentWriteError

	assert.ErrorAs(t, Classify(context.DeadlineExceeded), &transient)
	assert.ErrorAs(t, Classify(errors.New("boom")), &permanent)
	assert.ErrorAs(t, Classify(&domain.TransientWriteError{Err: errors.New("x")}), &transient)
	assert.NoError(t, Classify(nil))
}

func TestHTTPClientApply(t *testing.T) {
	var gotKey, gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.EscapedPath()
		var req applyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(applyResponse{ExternalRefs: []string{"ext-1"}})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "tok")
	ctx := WithIdempotencyKey(context.Background(), "idem_abc")
	refs, err := c.ApplyOperations(ctx, "acme/app", []domain.Operation{{Type: domain.OperationAddLabel, Target: "#1", Value: "bug"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"ext-1"}, refs)
	assert.Equal(t, "idem_abc", gotKey)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "/v1/repos/acme%2Fapp/operations", gotPath)
}

func TestHTTPClientStatusClassification(t *testing.T) {
	tests := []struct {
		code      int
		transient bool
		class     string
	}{
		{http.StatusTooManyRequests, true, ""},
		{http.StatusBadGateway, true, ""},
		{http.StatusForbidden, false, "tracker_unauthorized"},
		{http.StatusUnprocessableEntity, false, "tracker_rejected"},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.code)
		}))
		_, err := NewHTTPClient(srv.URL, "").ApplyOperations(context.Background(), "acme/app", nil)
		srv.Close()

		if tt.transient {
			var transient *domain.TransientWriteError
			assert.ErrorAs(t, err, &transient, "status %d", tt.code)
			continue
		}
		var permanent *domain.PermanentWriteError
		require.ErrorAs(t, err, &permanent, "status %d", tt.code)
		assert.Equal(t, tt.class, permanent.ReasonCode())
	}
}

func TestRecordingScriptedFailures(t *testing.T) {
	r := NewRecording()
	r.FailNext(&domain.TransientWriteError{Err: errors.New("rate limited")})

	_, err := r.ApplyOperations(context.Background(), "acme/app", nil)
	assert.Error(t, err)
	refs, err := r.ApplyOperations(context.Background(), "acme/app", []domain.Operation{{Type: domain.OperationAddComment, Target: "#2", Value: "hi"}})
	require.NoError(t, err)
	assert.Len(t, refs, 1)
	assert.Len(t, r.Calls(), 1)
}
