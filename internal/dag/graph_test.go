package dag

import (
	"context"
	"errors"
	"math/rand"
	"reflect"
	"testing"
)

func noop(ctx context.Context, input any) (any, error) { return input, nil }

func mustAdd(t *testing.T, g *Graph, id string) {
	t.Helper()
	if _, err := g.AddNode(id, noop); err != nil {
		t.Fatalf("AddNode(%q) failed: %v", id, err)
	}
}

func mustConnect(t *testing.T, g *Graph, from, to string) {
	t.Helper()
	if err := g.Connect(from, to); err != nil {
		t.Fatalf("Connect(%q, %q) failed: %v", from, to, err)
	}
}

func TestGraph_DuplicateNode(t *testing.T) {
	g := NewGraph()
	mustAdd(t, g, "a")
	if _, err := g.AddNode("a", noop); !errors.Is(err, ErrDuplicateNode) {
		t.Fatalf("expected ErrDuplicateNode, got: %v", err)
	}
}

func TestGraph_ConnectUnknown(t *testing.T) {
	g := NewGraph()
	mustAdd(t, g, "a")
	if err := g.Connect("a", "missing"); !errors.Is(err, ErrUnknownNode) {
		t.Fatalf("expected ErrUnknownNode, got: %v", err)
	}
	if err := g.Connect("missing", "a"); !errors.Is(err, ErrUnknownNode) {
		t.Fatalf("expected ErrUnknownNode, got: %v", err)
	}
}

func TestGraph_SelfLoop(t *testing.T) {
	g := NewGraph()
	mustAdd(t, g, "a")
	if err := g.Connect("a", "a"); !errors.Is(err, ErrSelfLoop) {
		t.Fatalf("expected ErrSelfLoop, got: %v", err)
	}
}

func TestGraph_ValidateEmpty(t *testing.T) {
	g := NewGraph()
	if err := g.Validate(); !errors.Is(err, ErrEmptyDAG) {
		t.Fatalf("expected ErrEmptyDAG, got: %v", err)
	}
}

func TestGraph_CyclePathForwardOrder(t *testing.T) {
	g := NewGraph()
	mustAdd(t, g, "a")
	mustAdd(t, g, "b")
	mustAdd(t, g, "c")
	mustConnect(t, g, "a", "b")
	mustConnect(t, g, "b", "c")
	mustConnect(t, g, "c", "a")

	err := g.Validate()
	if err == nil {
		t.Fatal("expected cycle error")
	}
	var cerr *CycleError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected CycleError, got %T: %v", err, err)
	}
	want := []string{"a", "b", "c", "a"}
	if !reflect.DeepEqual(cerr.Path, want) {
		t.Fatalf("cycle path = %v, want %v", cerr.Path, want)
	}
}

func TestGraph_CycleInSubgraph(t *testing.T) {
	g := NewGraph()
	for _, id := range []string{"root", "x", "y"} {
		mustAdd(t, g, id)
	}
	mustConnect(t, g, "root", "x")
	mustConnect(t, g, "x", "y")
	mustConnect(t, g, "y", "x")

	_, err := g.TopoSort()
	var cerr *CycleError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected CycleError, got: %v", err)
	}
	if got, want := cerr.Path, []string{"x", "y", "x"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("cycle path = %v, want %v", got, want)
	}
}

// TestTopoSort_OrderProperty checks the topological invariant over random
// DAGs: every node appears after all of its inputs.
func TestTopoSort_OrderProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 50; trial++ {
		g := NewGraph()
		n := 2 + rng.Intn(20)
		ids := make([]string, n)
		for i := range ids {
			ids[i] = string(rune('a' + i%26)) + string(rune('0'+i/26))
			mustAdd(t, g, ids[i])
		}
		// Edges only from lower to higher index keep the graph acyclic.
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				if rng.Intn(4) == 0 {
					mustConnect(t, g, ids[i], ids[j])
				}
			}
		}

		order, err := g.TopoSort()
		if err != nil {
			t.Fatalf("trial %d: TopoSort failed: %v", trial, err)
		}
		pos := make(map[string]int, len(order))
		for i, node := range order {
			pos[node.ID] = i
		}
		for _, node := range order {
			for _, dep := range node.Inputs() {
				if pos[dep.ID] >= pos[node.ID] {
					t.Fatalf("trial %d: %q sorted before its input %q", trial, node.ID, dep.ID)
				}
			}
		}
	}
}

func TestValidateTopology_OrphanWarning(t *testing.T) {
	g := NewGraph()
	mustAdd(t, g, "a")
	mustAdd(t, g, "b")
	mustAdd(t, g, "orphan")
	mustConnect(t, g, "a", "b")

	warnings, err := g.ValidateTopology(false)
	if err != nil {
		t.Fatalf("ValidateTopology failed: %v", err)
	}
	if len(warnings) != 1 || warnings[0].NodeID != "orphan" {
		t.Fatalf("expected one orphan warning, got: %+v", warnings)
	}

	if _, err := g.ValidateTopology(true); !errors.Is(err, ErrOrphanedNode) {
		t.Fatalf("strict mode: expected ErrOrphanedNode, got: %v", err)
	}
}
