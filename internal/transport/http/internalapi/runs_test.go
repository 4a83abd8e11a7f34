package internalapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/phys-sims/pm-bot-sub001/internal/domain"
	"github.com/phys-sims/pm-bot-sub001/internal/transport/http/httperr"
	"github.com/phys-sims/pm-bot-sub001/tests/helpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func post(t *testing.T, fn echo.HandlerFunc, path, runID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if runID != "" {
		c.SetPath("/internal/runs/:run_id/execute")
		c.SetParamNames("run_id")
		c.SetParamValues(runID)
	}
	require.NoError(t, fn(c))
	return rec
}

func TestClaimAndExecute(t *testing.T) {
	cp := helpers.NewControlPlane(t)
	h := NewHandler(cp.Service)
	_, err := cp.Service.CreateRun(context.Background(), helpers.RunSpec("r1", false), "alice")
	require.NoError(t, err)

	rec := post(t, h.Claim, "/internal/claims", "", domain.ClaimRequest{WorkerID: "w1", Limit: 5, LeaseSeconds: 60})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var claimed domain.ClaimResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &claimed))
	assert.Equal(t, []string{"r1"}, claimed.RunIDs)

	rec = post(t, h.Claim, "/internal/claims", "", domain.ClaimRequest{WorkerID: "w2", Limit: 5})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"run_ids":[]}`, rec.Body.String())

	rec = post(t, h.Execute, "/internal/runs/r1/execute", "r1", domain.ExecuteRequest{WorkerID: "w1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var view domain.RunView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, domain.RunStatusExecuting, view.Status)
	assert.Equal(t, 1, view.Attempt)
	require.NotNil(t, view.Lease)
	assert.Equal(t, "w1", view.Lease.WorkerID)
}

func TestExecuteWithForeignLease(t *testing.T) {
	cp := helpers.NewControlPlane(t)
	h := NewHandler(cp.Service)
	ctx := context.Background()
	_, err := cp.Service.CreateRun(ctx, helpers.RunSpec("r1", false), "alice")
	require.NoError(t, err)
	_, err = cp.Service.Claim(ctx, "w1", 1, 60)
	require.NoError(t, err)

	rec := post(t, h.Execute, "/internal/runs/r1/execute", "r1", domain.ExecuteRequest{WorkerID: "intruder"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	var body httperr.Body
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, httperr.CodeLease, body.Code)
	assert.Equal(t, domain.LeaseReasonForeign, body.Reason)
}

func TestClaimValidation(t *testing.T) {
	cp := helpers.NewControlPlane(t)
	h := NewHandler(cp.Service)

	rec := post(t, h.Claim, "/internal/claims", "", domain.ClaimRequest{Limit: 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
