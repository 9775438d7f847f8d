package spec

import (
	"strings"
	"testing"
)

func TestParse_Example(t *testing.T) {
	multi, err := Parse(strings.NewReader(ExampleYAML()))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(multi.Pipelines) != 1 {
		t.Fatalf("got %d pipelines, want 1", len(multi.Pipelines))
	}

	def, err := multi.Pipelines[0].ToDefinition()
	if err != nil {
		t.Fatalf("ToDefinition failed: %v", err)
	}
	if def.Name != "docs-ingest" || len(def.Stages) != 3 {
		t.Fatalf("unexpected definition: %+v", def)
	}
	if def.Stages[1].DependsOn[0] != "load" {
		t.Fatalf("dependsOn not carried over: %+v", def.Stages[1])
	}
	if !def.Stages[2].Required {
		t.Fatal("required flag not carried over")
	}
}

func TestParse_MultiDocument(t *testing.T) {
	doc := `
name: first
stages:
  - id: a
    category: loader
    plugin: fs
---
name: second
stages:
  - id: b
    category: llm
    plugin: fake
`
	multi, err := Parse(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(multi.Pipelines) != 2 {
		t.Fatalf("got %d pipelines, want 2", len(multi.Pipelines))
	}
}

func TestParse_EmptyInput(t *testing.T) {
	if _, err := Parse(strings.NewReader("")); err == nil {
		t.Fatal("expected error for empty input")
	}
}

func TestValidate_InvalidCategory(t *testing.T) {
	ps := PipelineSpec{
		Name: "p",
		Stages: []StageSpec{
			{ID: "x", Category: "tokenizer", Plugin: "t"},
		},
	}
	if err := ps.Validate(); err == nil || !strings.Contains(err.Error(), "invalid category") {
		t.Fatalf("expected invalid category error, got: %v", err)
	}
}

func TestToDefinition_UnknownDependency(t *testing.T) {
	ps := PipelineSpec{
		Name: "p",
		Stages: []StageSpec{
			{ID: "a", Category: "loader", Plugin: "fs", DependsOn: []string{"ghost"}},
		},
	}
	if _, err := ps.ToDefinition(); err == nil || !strings.Contains(err.Error(), "unknown stage") {
		t.Fatalf("expected unknown dependency error, got: %v", err)
	}
}
