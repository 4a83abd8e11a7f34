package rpc

import (
	"context"
	"net"
	"net/rpc/jsonrpc"
	"testing"
	"time"

	"github.com/phys-sims/pm-bot-sub001/internal/domain"
	"github.com/phys-sims/pm-bot-sub001/internal/tools"
	"github.com/phys-sims/pm-bot-sub001/tests/helpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, cp *helpers.ControlPlane) string {
	t.Helper()
	srv, err := NewServer(cp.Service)
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(ln)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return ln.Addr().String()
}

func TestSchedulerClaimExecuteResolve(t *testing.T) {
	cp := helpers.NewControlPlane(t)
	spec := helpers.RunSpec("r1", false)
	spec.Execution.Tools = []string{tools.ToolRepoCheckout}
	_, err := cp.Service.CreateRun(context.Background(), spec, "alice")
	require.NoError(t, err)

	client, err := jsonrpc.Dial("tcp", startServer(t, cp))
	require.NoError(t, err)
	defer client.Close()

	var claimed domain.ClaimResponse
	require.NoError(t, client.Call("Scheduler.Claim", &domain.ClaimRequest{WorkerID: "w1", Limit: 1, LeaseSeconds: 60}, &claimed))
	assert.Equal(t, []string{"r1"}, claimed.RunIDs)

	var view domain.RunView
	require.NoError(t, client.Call("Scheduler.Execute", &ExecuteArgs{RunID: "r1", WorkerID: "w1"}, &view))
	require.NotNil(t, view.PendingInterrupt)
	assert.Equal(t, tools.ToolRepoCheckout, view.PendingInterrupt.Action)

	require.NoError(t, client.Call("Scheduler.ResolveInterrupt", &ResolveInterruptArgs{
		RunID:   "r1",
		Request: domain.ResolveInterruptRequest{DecidedBy: "ops", Decision: "approve"},
	}, &view))
	require.NotNil(t, view.PendingInterrupt)
	assert.Equal(t, domain.InterruptApproved, view.PendingInterrupt.Decision)
}

func TestSchedulerErrorsCarryCodes(t *testing.T) {
	cp := helpers.NewControlPlane(t)
	_, err := cp.Service.CreateRun(context.Background(), helpers.RunSpec("r1", false), "alice")
	require.NoError(t, err)

	client, err := jsonrpc.Dial("tcp", startServer(t, cp))
	require.NoError(t, err)
	defer client.Close()

	var claimed domain.ClaimResponse
	err = client.Call("Scheduler.Claim", &domain.ClaimRequest{WorkerID: "w1"}, &claimed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation_error")

	var view domain.RunView
	err = client.Call("Scheduler.Execute", &ExecuteArgs{RunID: "r1", WorkerID: "w1"}, &view)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lease_error")

	err = client.Call("Scheduler.Execute", &ExecuteArgs{RunID: "missing", WorkerID: "w1"}, &view)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not_found")
}
