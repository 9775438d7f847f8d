package dag

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors - Topology
var (
	ErrEmptyDAG      = errors.New("dag: graph has no nodes")
	ErrNoSourceNodes = errors.New("dag: graph has no source nodes")
	ErrNoSinkNodes   = errors.New("dag: graph has no sink nodes")
	ErrDuplicateNode = errors.New("dag: duplicate node id")
	ErrUnknownNode   = errors.New("dag: unknown node id")
	ErrSelfLoop      = errors.New("dag: self-loop")
	ErrOrphanedNode  = errors.New("dag: orphaned node")
)

// Sentinel errors - Execution
var (
	ErrCancelled = errors.New("dag: execution cancelled")
)

// CycleError reports a directed cycle. Path lists the node ids in forward
// traversal order, first node repeated at the end (e.g. [a b c a]).
type CycleError struct {
	Path []string
}

// Error implements the error interface.
func (e *CycleError) Error() string {
	return fmt.Sprintf("dag: cycle detected: %s", strings.Join(e.Path, " -> "))
}

// TimeoutError reports that the wall-clock execution budget elapsed.
type TimeoutError struct {
	Timeout string // human-readable duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("dag: execution timed out after %s", e.Timeout)
}

// NodeError pairs a node id with its failure message.
type NodeError struct {
	NodeID  string `json:"node_id"`
	Message string `json:"message"`
}

// NodeFailureError reports a single node failure with its cause.
type NodeFailureError struct {
	NodeID string
	Cause  error
}

// Error implements the error interface.
func (e *NodeFailureError) Error() string {
	return fmt.Sprintf("dag: node %q failed: %v", e.NodeID, e.Cause)
}

// Unwrap exposes the node's own error.
func (e *NodeFailureError) Unwrap() error { return e.Cause }

// AggregateError collects node failures accrued during one execution
// (more than one can accrue in concurrent mode before stop propagates,
// or under graceful degradation with failed required nodes).
type AggregateError struct {
	Errors []NodeError
}

// Error implements the error interface.
func (e *AggregateError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("dag: node %q failed: %s", e.Errors[0].NodeID, e.Errors[0].Message)
	}
	ids := make([]string, len(e.Errors))
	for i, ne := range e.Errors {
		ids[i] = ne.NodeID
	}
	return fmt.Sprintf("dag: %d nodes failed: %s", len(e.Errors), strings.Join(ids, ", "))
}

// wrapExecution prefixes terminal errors with the execution context while
// preserving the typed error underneath for errors.As inspection.
func wrapExecution(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("DAG execution failed: %w", err)
}
