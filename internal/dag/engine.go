package dag

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/DevilsDev/ragpipe/internal/checkpoint"
	"github.com/DevilsDev/ragpipe/internal/logging"
	"github.com/DevilsDev/ragpipe/internal/observability"
)

// NodeObserver is called after every terminal node attempt. The pipeline
// layer wires it to SLO measurements and Prometheus counters; the engine
// itself stays free of metrics dependencies.
type NodeObserver func(nodeID string, duration time.Duration, err error)

// Engine executes graphs. One Engine may serve many executions; all
// per-invocation state lives in the execution, not the engine.
type Engine struct {
	store      checkpoint.Store
	observer   NodeObserver
	retryDelay time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithCheckpointStore substitutes the checkpoint store (default in-memory).
func WithCheckpointStore(s checkpoint.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithNodeObserver attaches a per-node completion hook.
func WithNodeObserver(o NodeObserver) Option {
	return func(e *Engine) { e.observer = o }
}

// WithRetryDelay overrides the base retry backoff (default 100ms).
func WithRetryDelay(d time.Duration) Option {
	return func(e *Engine) { e.retryDelay = d }
}

// NewEngine creates an execution engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{retryDelay: 100 * time.Millisecond}
	for _, opt := range opts {
		opt(e)
	}
	if e.store == nil {
		e.store = checkpoint.NewMemoryStore(0)
	}
	return e
}

// Execute validates the graph and runs it under the given options.
//
// The return value is the full results map when any of RetryFailedNodes,
// GracefulDegradation, CheckpointID, or RequiredNodes is active; otherwise
// it is the single sink's value, or a map of sink id to value when the graph
// has several sinks. A graph with no sink yields no output and is an error.
func (e *Engine) Execute(ctx context.Context, g *Graph, opts ExecuteOptions) (any, error) {
	opts = opts.withDefaults()

	if err := g.Validate(); err != nil {
		return nil, wrapExecution(err)
	}
	order, err := g.TopoSort()
	if err != nil {
		return nil, wrapExecution(err)
	}

	state := newExecutionState()
	if err := e.rehydrate(ctx, state, opts); err != nil {
		return nil, wrapExecution(err)
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	if opts.MaxConcurrency > 1 {
		err = e.runConcurrent(execCtx, g, order, state, opts)
	} else {
		err = e.runSequential(execCtx, g, order, state, opts)
	}
	if err != nil {
		return nil, wrapExecution(err)
	}

	if len(opts.RequiredNodes) > 0 {
		if reqErr := e.checkRequired(order, state, opts); reqErr != nil {
			return nil, wrapExecution(reqErr)
		}
	}

	if opts.returnsFullState() || opts.skipUnsatisfied {
		return state.resultsCopy(), nil
	}

	sinks := g.Sinks()
	switch len(sinks) {
	case 0:
		return nil, wrapExecution(ErrNoSinkNodes)
	case 1:
		v, _ := state.result(sinks[0].ID)
		return v, nil
	default:
		out := make(map[string]any, len(sinks))
		for _, s := range sinks {
			if v, ok := state.result(s.ID); ok {
				out[s.ID] = v
			}
		}
		return out, nil
	}
}

// Resume re-executes a graph from checkpoint data. Nodes with stored results
// are not re-executed; nodes whose dependencies are available (stored or
// recomputed) run; nodes whose dependencies are missing are silently skipped.
func (e *Engine) Resume(ctx context.Context, g *Graph, snap *checkpoint.Snapshot, opts ExecuteOptions) (map[string]any, error) {
	if snap != nil {
		if opts.ExternalCheckpointData == nil {
			opts.ExternalCheckpointData = make(map[string]any, len(snap.Results))
		}
		for k, v := range snap.Results {
			opts.ExternalCheckpointData[k] = v
		}
	}
	opts.skipUnsatisfied = true
	opts.GracefulDegradation = true

	res, err := e.Execute(ctx, g, opts)
	if err != nil {
		return nil, err
	}
	out, _ := res.(map[string]any)
	return out, nil
}

func (e *Engine) rehydrate(ctx context.Context, state *executionState, opts ExecuteOptions) error {
	if opts.ResumeFromCheckpoint && opts.CheckpointID != "" {
		snap, err := e.store.Load(ctx, opts.CheckpointID)
		if err != nil {
			return fmt.Errorf("load checkpoint %q: %w", opts.CheckpointID, err)
		}
		if snap != nil {
			for k, v := range snap.Results {
				state.results[k] = v
				state.states[k] = StateSucceeded
			}
		}
	}
	for k, v := range opts.ExternalCheckpointData {
		state.results[k] = v
		state.states[k] = StateSucceeded
	}
	return nil
}

func (e *Engine) runSequential(ctx context.Context, g *Graph, order []*Node, state *executionState, opts ExecuteOptions) error {
	for _, n := range order {
		if ctx.Err() != nil {
			return e.ctxError(ctx, opts)
		}
		if state.hasResult(n.ID) {
			continue
		}
		if !e.depsSatisfied(n, state) {
			state.setSkipped(n.ID)
			if opts.GracefulDegradation || opts.skipUnsatisfied {
				continue
			}
			// Unreachable when aborting on first error; kept as a guard.
			return &NodeFailureError{NodeID: n.ID, Cause: fmt.Errorf("dependencies not satisfied")}
		}

		err := e.executeNode(ctx, n, state, opts)
		if err == nil {
			if err := e.maybeCheckpoint(ctx, state, opts); err != nil {
				return err
			}
			continue
		}
		if ctx.Err() != nil {
			return e.ctxError(ctx, opts)
		}

		state.setError(n.ID, err)
		if opts.GracefulDegradation || opts.skipUnsatisfied {
			continue
		}
		return &NodeFailureError{NodeID: n.ID, Cause: err}
	}
	return nil
}

// executeNode runs one node with retry handling. On success the result is
// stored; the terminal error is returned otherwise.
func (e *Engine) executeNode(ctx context.Context, n *Node, state *executionState, opts ExecuteOptions) error {
	input := e.buildInput(n, state, opts.Seed)

	nodeCtx, span := observability.Tracer().Start(ctx, "dag.node")
	span.SetAttributes(attribute.String("node.id", n.ID))
	defer span.End()

	start := time.Now()
	for {
		state.mu.Lock()
		state.states[n.ID] = StateRunning
		state.mu.Unlock()

		res, err := runNode(nodeCtx, n, input)
		if err == nil {
			state.setResult(n.ID, res)
			e.observe(n.ID, time.Since(start), nil)
			return nil
		}
		if nodeCtx.Err() != nil {
			e.observe(n.ID, time.Since(start), err)
			return err
		}

		if opts.RetryFailedNodes && state.retryCount(n.ID) < opts.MaxRetries {
			attempt := state.bumpRetry(n.ID)
			delay := e.calcBackoff(attempt)
			logging.Op().Debug("retrying node", "node", n.ID, "attempt", attempt, "backoff", delay)
			select {
			case <-time.After(delay):
				continue
			case <-nodeCtx.Done():
				e.observe(n.ID, time.Since(start), err)
				return err
			}
		}

		e.observe(n.ID, time.Since(start), err)
		return err
	}
}

// runNode isolates panics in user computations as ordinary node failures.
func runNode(ctx context.Context, n *Node, input any) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in node %q: %v", n.ID, r)
		}
	}()
	return n.Run(ctx, input)
}

func (e *Engine) buildInput(n *Node, state *executionState, seed any) any {
	if len(n.inputs) == 0 {
		return seed
	}
	in := make(map[string]any, len(n.inputs))
	for _, dep := range n.inputs {
		if v, ok := state.result(dep.ID); ok {
			in[dep.ID] = v
		}
	}
	return in
}

func (e *Engine) depsSatisfied(n *Node, state *executionState) bool {
	for _, dep := range n.inputs {
		if !state.hasResult(dep.ID) {
			return false
		}
	}
	return true
}

func (e *Engine) maybeCheckpoint(ctx context.Context, state *executionState, opts ExecuteOptions) error {
	if !opts.EnableCheckpoints || opts.CheckpointID == "" {
		return nil
	}
	snap := &checkpoint.Snapshot{
		ID:      opts.CheckpointID,
		Results: state.resultsCopy(),
		Errors:  state.errorsCopy(),
	}
	if err := e.store.Save(ctx, snap); err != nil {
		// A checkpointing fault must not fail an otherwise healthy run.
		logging.Op().Warn("checkpoint save failed", "checkpoint_id", opts.CheckpointID, "error", err)
	}
	return nil
}

func (e *Engine) checkRequired(order []*Node, state *executionState, opts ExecuteOptions) error {
	var failed []NodeError
	state.mu.Lock()
	for _, req := range opts.RequiredNodes {
		if err, ok := state.errors[req]; ok {
			failed = append(failed, NodeError{NodeID: req, Message: err.Error()})
			continue
		}
		if _, ok := state.results[req]; !ok {
			failed = append(failed, NodeError{NodeID: req, Message: "required node did not produce a result"})
		}
	}
	state.mu.Unlock()
	if len(failed) == 0 {
		return nil
	}
	return &AggregateError{Errors: failed}
}

func (e *Engine) ctxError(ctx context.Context, opts ExecuteOptions) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && opts.Timeout > 0 {
		return &TimeoutError{Timeout: opts.Timeout.String()}
	}
	return ErrCancelled
}

func (e *Engine) observe(nodeID string, d time.Duration, err error) {
	if e.observer != nil {
		e.observer(nodeID, d, err)
	}
}

// calcBackoff returns the delay before retry attempt n with ±25% jitter.
func (e *Engine) calcBackoff(attempt int) time.Duration {
	base := float64(e.retryDelay)
	ms := base * math.Pow(2, float64(attempt-1))
	max := float64(30 * time.Second)
	if ms > max {
		ms = max
	}
	jitter := ms * 0.25 * (2*rand.Float64() - 1)
	return time.Duration(ms + jitter)
}

// SaveCheckpoint stores an explicit snapshot under id.
func (e *Engine) SaveCheckpoint(ctx context.Context, id string, results map[string]any, errs map[string]string) error {
	return e.store.Save(ctx, &checkpoint.Snapshot{ID: id, Results: results, Errors: errs})
}

// LoadCheckpoint returns the stored snapshot, or nil when absent.
func (e *Engine) LoadCheckpoint(ctx context.Context, id string) (*checkpoint.Snapshot, error) {
	return e.store.Load(ctx, id)
}

// ClearCheckpoint removes the snapshot under id.
func (e *Engine) ClearCheckpoint(ctx context.Context, id string) error {
	return e.store.Clear(ctx, id)
}

// ListCheckpoints summarizes stored snapshots.
func (e *Engine) ListCheckpoints(ctx context.Context) ([]checkpoint.Summary, error) {
	return e.store.List(ctx)
}
