// Package tracker is the client side of the external issue tracker. The apply
// pipeline only sees the transient/permanent classification of its errors.
package tracker

import (
	"context"
	"errors"
	"net"

	"github.com/phys-sims/pm-bot-sub001/internal/domain"
)

// Client applies operations to one repository and returns the external refs
// the tracker assigned. Errors are *domain.TransientWriteError or
// *domain.PermanentWriteError; anything else is classified by Classify.
type Client interface {
	ApplyOperations(ctx context.Context, repo string, ops []domain.Operation) ([]string, error)
}

type idempotencyKeyCtx struct{}

// WithIdempotencyKey attaches the changeset's key so clients can forward it.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyCtx{}, key)
}

// IdempotencyKey returns the key attached by WithIdempotencyKey.
func IdempotencyKey(ctx context.Context) string {
	key, _ := ctx.Value(idempotencyKeyCtx{}).(string)
	return key
}

// Classify maps an arbitrary client error onto the write error taxonomy.
// Network timeouts and deadlines are transient; anything unrecognised is
// permanent, since retrying an unknown failure may repeat a partial write.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var transient *domain.TransientWriteError
	if errors.As(err, &transient) {
		return transient
	}
	var permanent *domain.PermanentWriteError
	if errors.As(err, &permanent) {
		return permanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &domain.TransientWriteError{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &domain.TransientWriteError{Err: err}
	}
	return &domain.PermanentWriteError{Err: err}
}
