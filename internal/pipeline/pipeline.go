// Package pipeline assembles executable DAGs from declarative pipeline
// definitions. Stage nodes resolve their implementations through the plugin
// registry, bulk stages delegate to the batch processor, and every stage
// execution feeds the SLO monitor and Prometheus collectors.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/DevilsDev/ragpipe/internal/batch"
	"github.com/DevilsDev/ragpipe/internal/checkpoint"
	"github.com/DevilsDev/ragpipe/internal/circuitbreaker"
	"github.com/DevilsDev/ragpipe/internal/config"
	"github.com/DevilsDev/ragpipe/internal/dag"
	"github.com/DevilsDev/ragpipe/internal/domain"
	"github.com/DevilsDev/ragpipe/internal/eventbus"
	"github.com/DevilsDev/ragpipe/internal/logging"
	"github.com/DevilsDev/ragpipe/internal/metrics"
	"github.com/DevilsDev/ragpipe/internal/plugin"
	"github.com/DevilsDev/ragpipe/internal/registry"
	"github.com/DevilsDev/ragpipe/internal/slo"
)

// ErrCircuitOpen is returned when a stage's circuit breaker rejects the
// invocation.
var ErrCircuitOpen = errors.New("pipeline: circuit breaker open")

// Service builds and runs pipelines.
type Service struct {
	registry *registry.Registry
	engine   *dag.Engine
	batcher  *batch.Processor
	monitor  *slo.Monitor
	breakers *circuitbreaker.Registry
	brkCfg   circuitbreaker.Config
	bus      *eventbus.Bus
}

// Deps carries the collaborators a Service needs.
type Deps struct {
	Registry *registry.Registry
	Engine   *dag.Engine
	Batcher  *batch.Processor
	Monitor  *slo.Monitor
	Bus      *eventbus.Bus

	// Breaker enables per-plugin circuit breaking when its fields are set.
	Breaker circuitbreaker.Config
}

// New creates a pipeline service.
func New(deps Deps) *Service {
	s := &Service{
		registry: deps.Registry,
		engine:   deps.Engine,
		batcher:  deps.Batcher,
		monitor:  deps.Monitor,
		breakers: circuitbreaker.NewRegistry(),
		brkCfg:   deps.Breaker,
		bus:      deps.Bus,
	}
	if s.engine == nil {
		s.engine = dag.NewEngine(dag.WithNodeObserver(s.observeNode))
	}
	return s
}

// FromConfig wires a complete service from the toolkit configuration,
// including the configured checkpoint store backend.
func FromConfig(ctx context.Context, cfg *config.Config, reg *registry.Registry, bus *eventbus.Bus) (*Service, error) {
	monitor := slo.NewMonitor(cfg.SLO, slo.WithBus(bus), slo.WithSLIHook(metrics.SetSLI))
	s := &Service{
		registry: reg,
		batcher:  batch.FromConfig(cfg.Batch, bus),
		monitor:  monitor,
		breakers: circuitbreaker.NewRegistry(),
		bus:      bus,
	}

	var store checkpoint.Store
	switch cfg.Checkpoint.Backend {
	case "", "memory":
		store = checkpoint.NewMemoryStore(cfg.Checkpoint.TTL)
	case "redis":
		store = checkpoint.NewRedisStore(checkpoint.RedisStoreConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			TTL:       cfg.Checkpoint.TTL,
		})
	case "postgres":
		pg, err := checkpoint.NewPostgresStore(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("checkpoint store: %w", err)
		}
		store = pg
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.Checkpoint.Backend)
	}

	s.engine = dag.NewEngine(dag.WithNodeObserver(s.observeNode), dag.WithCheckpointStore(store))
	return s, nil
}

// Monitor exposes the SLO monitor for report generation.
func (s *Service) Monitor() *slo.Monitor { return s.monitor }

// Engine exposes the DAG engine for checkpoint management.
func (s *Service) Engine() *dag.Engine { return s.engine }

// Build converts a validated definition into an executable graph. Plugin
// resolution happens here so a missing plugin fails before execution starts.
func (s *Service) Build(def *domain.PipelineDefinition) (*dag.Graph, error) {
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline %q: %w", def.Name, err)
	}

	g := dag.NewGraph()
	for _, stage := range def.Stages {
		run, err := s.stageRun(stage)
		if err != nil {
			return nil, err
		}
		if _, err := g.AddNode(stage.ID, run); err != nil {
			return nil, err
		}
	}
	for _, stage := range def.Stages {
		for _, dep := range stage.DependsOn {
			if err := g.Connect(dep, stage.ID); err != nil {
				return nil, err
			}
		}
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// RunOptions configures one pipeline run.
type RunOptions struct {
	Seed                any
	MaxConcurrency      int
	Timeout             time.Duration
	RetryFailedNodes    bool
	MaxRetries          int
	GracefulDegradation bool
	CheckpointID        string
	EnableCheckpoints   bool
	Resume              bool
}

// Run builds and executes a pipeline. Stages marked Required in the
// definition become the execution's required nodes.
func (s *Service) Run(ctx context.Context, def *domain.PipelineDefinition, opts RunOptions) (any, error) {
	g, err := s.Build(def)
	if err != nil {
		return nil, err
	}

	var required []string
	for _, stage := range def.Stages {
		if stage.Required {
			required = append(required, stage.ID)
		}
	}

	metrics.RunStarted()
	defer metrics.RunFinished()

	logging.Op().Info("running pipeline", "pipeline", def.Name, "stages", len(def.Stages), "concurrency", opts.MaxConcurrency)
	return s.engine.Execute(ctx, g, dag.ExecuteOptions{
		Seed:                 opts.Seed,
		MaxConcurrency:       opts.MaxConcurrency,
		Timeout:              opts.Timeout,
		RetryFailedNodes:     opts.RetryFailedNodes,
		MaxRetries:           opts.MaxRetries,
		GracefulDegradation:  opts.GracefulDegradation,
		RequiredNodes:        required,
		CheckpointID:         opts.CheckpointID,
		EnableCheckpoints:    opts.EnableCheckpoints,
		ResumeFromCheckpoint: opts.Resume,
	})
}

// observeNode feeds every node completion into metrics and the SLO monitor.
func (s *Service) observeNode(nodeID string, d time.Duration, err error) {
	metrics.RecordStageExecution(nodeID, d, err == nil)
	if s.monitor != nil {
		if _, rerr := s.monitor.RecordStageExecution(nodeID, d, err == nil); rerr != nil {
			logging.Op().Warn("record stage measurement", "stage", nodeID, "error", rerr)
		}
	}
}

// invokeGuarded wraps a plugin call with the stage's circuit breaker.
func (s *Service) invokeGuarded(key string, call func() (any, error)) (any, error) {
	br := s.breakers.Get(key, s.brkCfg)
	if br == nil {
		return call()
	}
	if !br.Allow() {
		metrics.SetBreakerState(key, int(br.State()))
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, key)
	}

	out, err := call()
	if err != nil {
		before := br.State()
		br.RecordFailure()
		if after := br.State(); after == circuitbreaker.StateOpen && before != circuitbreaker.StateOpen {
			metrics.RecordBreakerTrip(key)
			logging.Op().Warn("circuit breaker opened", "plugin", key)
		}
	} else {
		br.RecordSuccess()
	}
	metrics.SetBreakerState(key, int(br.State()))
	return out, err
}

// resolve fetches and type-checks the stage implementation.
func (s *Service) resolve(stage domain.StageDefinition) (any, plugin.Category, error) {
	cat := plugin.Category(stage.Category)
	impl, err := s.registry.Get(cat, stage.Plugin)
	if err != nil {
		return nil, cat, fmt.Errorf("stage %q: %w", stage.ID, err)
	}
	return impl, cat, nil
}
