package domain

import (
	"strings"
	"testing"
)

func validDef() *PipelineDefinition {
	return &PipelineDefinition{
		Name: "p",
		Stages: []StageDefinition{
			{ID: "a", Category: "loader", Plugin: "fs"},
			{ID: "b", Category: "embedder", Plugin: "hash", DependsOn: []string{"a"}},
		},
	}
}

func TestPipelineDefinition_Valid(t *testing.T) {
	if err := validDef().Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
}

func TestPipelineDefinition_Violations(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*PipelineDefinition)
		want   string
	}{
		{"no name", func(d *PipelineDefinition) { d.Name = "" }, "name is required"},
		{"no stages", func(d *PipelineDefinition) { d.Stages = nil }, "at least one stage"},
		{"duplicate id", func(d *PipelineDefinition) { d.Stages[1].ID = "a" }, "duplicate stage id"},
		{"empty category", func(d *PipelineDefinition) { d.Stages[0].Category = "" }, "category is required"},
		{"unknown dep", func(d *PipelineDefinition) { d.Stages[1].DependsOn = []string{"zz"} }, "unknown stage"},
		{"self dep", func(d *PipelineDefinition) { d.Stages[1].DependsOn = []string{"b"} }, "depends on itself"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := validDef()
			tc.mutate(d)
			err := d.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("want error containing %q, got: %v", tc.want, err)
			}
		})
	}
}

func TestPipelineDefinition_StageLookup(t *testing.T) {
	d := validDef()
	if s := d.Stage("b"); s == nil || s.Plugin != "hash" {
		t.Fatalf("Stage lookup failed: %+v", s)
	}
	if s := d.Stage("missing"); s != nil {
		t.Fatal("expected nil for unknown stage")
	}
}
