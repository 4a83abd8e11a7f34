// Package worker runs in-process workers that claim runs and execute them
// through the same scheduler API external workers use.
package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/phys-sims/pm-bot-sub001/internal/domain"
)

// Scheduler is the part of the scheduler a worker drives.
type Scheduler interface {
	Claim(ctx context.Context, workerID string, limit, leaseSeconds int) ([]string, error)
	Execute(ctx context.Context, runID, workerID string) (*domain.Run, error)
}

// Config tunes the pool.
type Config struct {
	Count        int
	PollInterval time.Duration
	LeaseSeconds int
	// MaxSteps bounds the steps a worker takes on one claimed run before
	// polling again.
	MaxSteps int
	// IDPrefix names workers "<prefix>-<n>".
	IDPrefix string
}

// Pool is a set of polling workers.
type Pool struct {
	scheduler Scheduler
	cfg       Config
}

// New creates a Pool.
func New(s Scheduler, cfg Config) *Pool {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 50
	}
	if cfg.IDPrefix == "" {
		cfg.IDPrefix = "inproc"
	}
	return &Pool{scheduler: s, cfg: cfg}
}

// Run starts the workers and blocks until ctx is done and every worker has
// returned.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Count; i++ {
		id := fmt.Sprintf("%s-%d", p.cfg.IDPrefix, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.loop(ctx, id)
		}()
	}
	wg.Wait()
}

func (p *Pool) loop(ctx context.Context, workerID string) {
	log.Printf("INFO: worker %s started", workerID)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		// Keep claiming while there is work; wait for the ticker otherwise.
		for ctx.Err() == nil && p.cycle(ctx, workerID) {
		}
		select {
		case <-ctx.Done():
			log.Printf("INFO: worker %s stopped", workerID)
			return
		case <-ticker.C:
		}
	}
}

// cycle claims one run and drives it until it finishes, is interrupted or
// the worker loses its lease. It reports whether a run was claimed.
func (p *Pool) cycle(ctx context.Context, workerID string) bool {
	ids, err := p.scheduler.Claim(ctx, workerID, 1, p.cfg.LeaseSeconds)
	if err != nil {
		log.Printf("WARN: worker %s claim failed: %v", workerID, err)
		return false
	}
	if len(ids) == 0 {
		return false
	}

	runID := ids[0]
	for step := 0; step < p.cfg.MaxSteps; step++ {
		if ctx.Err() != nil {
			return true
		}
		run, err := p.scheduler.Execute(ctx, runID, workerID)
		if err != nil {
			log.Printf("WARN: worker %s execute %s failed: %v", workerID, runID, err)
			return true
		}
		switch {
		case run.Status.IsTerminal():
			log.Printf("INFO: worker %s finished run %s: %s %s", workerID, runID, run.Status, run.ReasonCode)
			return true
		case run.PendingInterrupt != nil:
			log.Printf("INFO: worker %s left run %s interrupted on %s", workerID, runID, run.PendingInterrupt.Action)
			return true
		}
	}
	log.Printf("WARN: worker %s gave up on run %s after %d steps", workerID, runID, p.cfg.MaxSteps)
	return true
}
