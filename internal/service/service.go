// Package service is the run admission and lease scheduler. It owns run
// state: creation, approval, lease-based claiming and per-step execution.
package service

import (
	"time"

	"github.com/phys-sims/pm-bot-sub001/internal/adapter/engine"
	"github.com/phys-sims/pm-bot-sub001/internal/apply"
	"github.com/phys-sims/pm-bot-sub001/internal/artifact"
	"github.com/phys-sims/pm-bot-sub001/internal/audit"
	"github.com/phys-sims/pm-bot-sub001/internal/clock"
	"github.com/phys-sims/pm-bot-sub001/internal/coordinator"
	"github.com/phys-sims/pm-bot-sub001/internal/metrics"
	store "github.com/phys-sims/pm-bot-sub001/internal/repository"
)

// Config holds scheduler limits.
type Config struct {
	DefaultLease  time.Duration
	MaxLease      time.Duration
	MaxClaimLimit int
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{DefaultLease: 5 * time.Minute, MaxLease: time.Hour, MaxClaimLimit: 100}
}

// Deps are the collaborators of a Service.
type Deps struct {
	Store       store.Store
	Engines     *engine.Registry
	Coordinator *coordinator.Coordinator
	Pipeline    *apply.Pipeline
	Artifacts   artifact.Store
	Audit       *audit.Trail
	Metrics     *metrics.Metrics
	Clock       clock.Clock
}

type Service struct {
	store       store.Store
	engines     *engine.Registry
	coordinator *coordinator.Coordinator
	pipeline    *apply.Pipeline
	artifacts   artifact.Store
	audit       *audit.Trail
	metrics     *metrics.Metrics
	clock       clock.Clock
	config      Config
}

func New(deps Deps, cfg Config) *Service {
	def := DefaultConfig()
	if cfg.DefaultLease <= 0 {
		cfg.DefaultLease = def.DefaultLease
	}
	if cfg.MaxLease < cfg.DefaultLease {
		cfg.MaxLease = def.MaxLease
		if cfg.MaxLease < cfg.DefaultLease {
			cfg.MaxLease = cfg.DefaultLease
		}
	}
	if cfg.MaxClaimLimit <= 0 {
		cfg.MaxClaimLimit = def.MaxClaimLimit
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Service{
		store:       deps.Store,
		engines:     deps.Engines,
		coordinator: deps.Coordinator,
		pipeline:    deps.Pipeline,
		artifacts:   deps.Artifacts,
		audit:       deps.Audit,
		metrics:     deps.Metrics,
		clock:       clk,
		config:      cfg,
	}
}

// Now is the scheduler's clock reading, used to render lease state.
func (s *Service) Now() time.Time {
	return s.clock.Now()
}
