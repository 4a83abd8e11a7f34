// Package rpc exposes the worker API over JSON-RPC as the "Scheduler"
// service: Claim, Execute and ResolveInterrupt.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"

	"github.com/phys-sims/pm-bot-sub001/internal/domain"
	"github.com/phys-sims/pm-bot-sub001/internal/service"
	"github.com/phys-sims/pm-bot-sub001/internal/transport/http/httperr"
)

// ServiceName is the registered RPC service name.
const ServiceName = "Scheduler"

// Server exposes scheduler RPC endpoints for workers.
type Server struct {
	listener  net.Listener
	rpcServer *rpc.Server
	done      chan struct{}
}

// NewServer creates a new RPC server bound to the scheduler service.
func NewServer(svc *service.Service) (*Server, error) {
	rpcServer := rpc.NewServer()
	handler := &Handler{service: svc}
	if err := rpcServer.RegisterName(ServiceName, handler); err != nil {
		return nil, fmt.Errorf("register rpc handler: %w", err)
	}

	return &Server{
		rpcServer: rpcServer,
		done:      make(chan struct{}),
	}, nil
}

// Start begins accepting RPC connections on the given address.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until it is closed.
func (s *Server) Serve(ln net.Listener) error {
	s.listener = ln

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				close(s.done)
				return nil
			}
			log.Printf("WARN: rpc accept error: %v", err)
			continue
		}

		go s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}

// Shutdown stops accepting new RPC connections.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}

	if err := s.listener.Close(); err != nil {
		return err
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler implements the Scheduler RPC methods.
type Handler struct {
	service *service.Service
}

// ExecuteArgs identifies the run and the worker holding its lease.
type ExecuteArgs struct {
	RunID    string `json:"run_id"`
	WorkerID string `json:"worker_id"`
}

// ResolveInterruptArgs wraps a run id with the operator decision.
type ResolveInterruptArgs struct {
	RunID   string                         `json:"run_id"`
	Request domain.ResolveInterruptRequest `json:"request"`
}

// Claim awards up to Limit runs to the worker.
func (h *Handler) Claim(req *domain.ClaimRequest, resp *domain.ClaimResponse) error {
	if req == nil {
		return errors.New("validation_error: claim request is required")
	}

	ids, err := h.service.Claim(context.Background(), req.WorkerID, req.Limit, req.LeaseSeconds)
	if err != nil {
		return rpcError(err)
	}
	resp.RunIDs = ids
	return nil
}

// Execute advances a leased run by one step.
func (h *Handler) Execute(req *ExecuteArgs, resp *domain.RunView) error {
	if req == nil {
		return errors.New("validation_error: execute request is required")
	}

	run, err := h.service.Execute(context.Background(), req.RunID, req.WorkerID)
	if err != nil {
		return rpcError(err)
	}
	*resp = domain.NewRunView(run, h.service.Now())
	return nil
}

// ResolveInterrupt records an operator decision on a pending interrupt.
func (h *Handler) ResolveInterrupt(req *ResolveInterruptArgs, resp *domain.RunView) error {
	if req == nil {
		return errors.New("validation_error: resolve request is required")
	}

	run, err := h.service.ResolveInterrupt(context.Background(), req.RunID, req.Request)
	if err != nil {
		return rpcError(err)
	}
	*resp = domain.NewRunView(run, h.service.Now())
	return nil
}

// rpcError flattens err to "<code>: <message>"; JSON-RPC carries only a string.
func rpcError(err error) error {
	_, body := httperr.Classify(err)
	if body.Code == httperr.CodeInternal {
		log.Printf("ERROR: rpc call failed: %v", err)
	}
	return fmt.Errorf("%s: %s", body.Code, body.Error)
}
