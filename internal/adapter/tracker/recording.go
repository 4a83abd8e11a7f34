package tracker

import (
	"context"
	"fmt"
	"sync"

	"github.com/phys-sims/pm-bot-sub001/internal/domain"
)

// Call is one write observed by a Recording tracker.
type Call struct {
	Repo           string
	Operations     []domain.Operation
	IdempotencyKey string
}

// Recording is an in-process tracker that records every write. Scripted
// errors are returned, in order, before any write succeeds.
type Recording struct {
	mu      sync.Mutex
	calls   []Call
	errs    []error
	counter int
}

// NewRecording creates an empty Recording tracker.
func NewRecording() *Recording {
	return &Recording{}
}

// FailNext queues errors to return from the next calls.
func (r *Recording) FailNext(errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, errs...)
}

// ApplyOperations records the write and returns one ref per operation.
func (r *Recording) ApplyOperations(ctx context.Context, repo string, ops []domain.Operation) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		return nil, err
	}

	r.calls = append(r.calls, Call{Repo: repo, Operations: ops, IdempotencyKey: IdempotencyKey(ctx)})
	refs := make([]string, len(ops))
	for i := range ops {
		r.counter++
		refs[i] = fmt.Sprintf("%s#w%d", repo, r.counter)
	}
	return refs, nil
}

// Calls returns the successful writes so far.
func (r *Recording) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}
