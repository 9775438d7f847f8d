package dag

import (
	"context"
	"errors"

	"golang.org/x/sync/semaphore"
)

// runConcurrent executes the graph with ready-set scheduling. At most
// opts.MaxConcurrency node tasks run at once; completion of any task may
// unblock successors, which join the ready set. Ready nodes are launched in
// node insertion order; each launched goroutine acquires its own semaphore
// slot, so the order in which waiting tasks start running is not defined.
func (e *Engine) runConcurrent(ctx context.Context, g *Graph, order []*Node, state *executionState, opts ExecuteOptions) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := semaphore.NewWeighted(int64(opts.MaxConcurrency))

	type completion struct {
		node *Node
		err  error
	}
	compCh := make(chan completion)

	total := len(order)
	terminal := 0
	inflight := 0
	launched := make(map[string]bool, total)
	skipped := make(map[string]bool, total)
	pending := make(map[string]int, total)

	for _, n := range order {
		if state.hasResult(n.ID) {
			terminal++ // rehydrated from checkpoint
			continue
		}
		cnt := 0
		for _, dep := range n.inputs {
			if !state.hasResult(dep.ID) {
				cnt++
			}
		}
		pending[n.ID] = cnt
	}

	// skipCascade marks successors of a dead node skipped, transitively.
	// A successor with any failed or skipped dependency can never run.
	var skipCascade func(n *Node)
	skipCascade = func(n *Node) {
		for _, succ := range n.outputs {
			if launched[succ.ID] || skipped[succ.ID] || state.hasResult(succ.ID) {
				continue
			}
			skipped[succ.ID] = true
			state.setSkipped(succ.ID)
			terminal++
			skipCascade(succ)
		}
	}

	launch := func(n *Node) {
		launched[n.ID] = true
		inflight++
		go func() {
			if err := sem.Acquire(runCtx, 1); err != nil {
				compCh <- completion{node: n, err: err}
				return
			}
			defer sem.Release(1)
			compCh <- completion{node: n, err: e.executeNode(runCtx, n, state, opts)}
		}()
	}

	aborting := false
	var abortErr error

	launchReady := func() {
		if aborting {
			return
		}
		for _, n := range g.order {
			if launched[n.ID] || skipped[n.ID] || pending[n.ID] > 0 || state.hasResult(n.ID) {
				continue
			}
			launch(n)
		}
	}

	launchReady()

	for terminal < total {
		if inflight == 0 {
			if aborting {
				break
			}
			// Nothing running and nothing ready: the remaining nodes have
			// unsatisfiable dependencies.
			if opts.GracefulDegradation || opts.skipUnsatisfied {
				for _, n := range order {
					if !launched[n.ID] && !skipped[n.ID] && !state.hasResult(n.ID) {
						skipped[n.ID] = true
						state.setSkipped(n.ID)
						terminal++
					}
				}
				continue
			}
			break
		}

		c := <-compCh
		inflight--
		terminal++

		if c.err != nil {
			if runCtx.Err() != nil {
				if !aborting {
					aborting = true
					abortErr = e.ctxError(ctx, opts)
					cancel()
				}
				continue
			}
			state.setError(c.node.ID, c.err)
			if opts.GracefulDegradation || opts.skipUnsatisfied {
				skipCascade(c.node)
				continue
			}
			aborting = true
			cancel()
			continue
		}

		for _, succ := range c.node.outputs {
			pending[succ.ID]--
		}
		if err := e.maybeCheckpoint(ctx, state, opts); err != nil {
			return err
		}
		launchReady()
	}

	// Drain in-flight tasks so no goroutine outlives the invocation.
	for inflight > 0 {
		c := <-compCh
		inflight--
		if c.err != nil && runCtx.Err() == nil && !errors.Is(c.err, context.Canceled) {
			state.setError(c.node.ID, c.err)
		}
	}

	if ctx.Err() != nil {
		return e.ctxError(ctx, opts)
	}
	if abortErr != nil {
		return abortErr
	}
	if aborting {
		failures := state.nodeErrors(order)
		switch len(failures) {
		case 0:
			return ErrCancelled
		case 1:
			state.mu.Lock()
			cause := state.errors[failures[0].NodeID]
			state.mu.Unlock()
			return &NodeFailureError{NodeID: failures[0].NodeID, Cause: cause}
		default:
			return &AggregateError{Errors: failures}
		}
	}
	return nil
}
