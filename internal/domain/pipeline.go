package domain

import "fmt"

// StageDefinition names one node of a pipeline: which plugin runs it and
// which stages feed it.
type StageDefinition struct {
	ID        string         `json:"id"`
	Category  string         `json:"category"`
	Plugin    string         `json:"plugin"`
	DependsOn []string       `json:"depends_on,omitempty"`
	Required  bool           `json:"required,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

// PipelineDefinition is the declarative form of a pipeline DAG. Stage order
// in the slice is insertion order; edges come from DependsOn.
type PipelineDefinition struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	Stages      []StageDefinition `json:"stages"`
}

// Stage returns the stage with the given id, or nil.
func (d *PipelineDefinition) Stage(id string) *StageDefinition {
	for i := range d.Stages {
		if d.Stages[i].ID == id {
			return &d.Stages[i]
		}
	}
	return nil
}

// Validate checks structural integrity: non-empty, unique ids, known
// dependency references. Cycle detection belongs to the DAG layer.
func (d *PipelineDefinition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("pipeline name is required")
	}
	if len(d.Stages) == 0 {
		return fmt.Errorf("pipeline must have at least one stage")
	}

	seen := make(map[string]bool, len(d.Stages))
	for _, s := range d.Stages {
		if s.ID == "" {
			return fmt.Errorf("stage id cannot be empty")
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate stage id: %q", s.ID)
		}
		seen[s.ID] = true
		if s.Category == "" {
			return fmt.Errorf("stage %q: category is required", s.ID)
		}
		if s.Plugin == "" {
			return fmt.Errorf("stage %q: plugin is required", s.ID)
		}
	}

	for _, s := range d.Stages {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("stage %q depends on unknown stage %q", s.ID, dep)
			}
			if dep == s.ID {
				return fmt.Errorf("stage %q depends on itself", s.ID)
			}
		}
	}
	return nil
}
