// Package spec parses declarative pipeline definitions from YAML.
package spec

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/DevilsDev/ragpipe/internal/domain"
	"github.com/DevilsDev/ragpipe/internal/plugin"
)

// StageSpec defines one stage of a pipeline in YAML.
type StageSpec struct {
	ID        string         `yaml:"id"`
	Category  string         `yaml:"category"` // loader, embedder, retriever, reranker, llm, evaluator
	Plugin    string         `yaml:"plugin"`
	DependsOn []string       `yaml:"dependsOn,omitempty"`
	Required  bool           `yaml:"required,omitempty"`
	Options   map[string]any `yaml:"options,omitempty"`
}

// PipelineSpec defines the YAML specification for a pipeline.
type PipelineSpec struct {
	// API version for future compatibility
	APIVersion string `yaml:"apiVersion,omitempty"`
	// Kind is always "Pipeline"
	Kind string `yaml:"kind,omitempty"`

	// Metadata
	Name        string            `yaml:"name"`
	Description string            `yaml:"description,omitempty"`
	Labels      map[string]string `yaml:"labels,omitempty"`

	// Stages in execution-declaration order
	Stages []StageSpec `yaml:"stages"`
}

// MultiSpec holds multiple pipeline specs from a single file.
type MultiSpec struct {
	Pipelines []PipelineSpec
}

// ParseFile parses a YAML file containing one or more pipeline specs.
func ParseFile(path string) (*MultiSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	return Parse(f)
}

// Parse parses YAML content containing one or more pipeline specs.
func Parse(r io.Reader) (*MultiSpec, error) {
	decoder := yaml.NewDecoder(r)
	var specs []PipelineSpec

	for {
		var spec PipelineSpec
		err := decoder.Decode(&spec)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode yaml: %w", err)
		}

		// Skip empty documents
		if spec.Name == "" && len(spec.Stages) == 0 {
			continue
		}
		specs = append(specs, spec)
	}

	if len(specs) == 0 {
		return nil, fmt.Errorf("no valid pipeline specs found")
	}

	return &MultiSpec{Pipelines: specs}, nil
}

// Validate validates a pipeline spec.
func (s *PipelineSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Stages) == 0 {
		return fmt.Errorf("at least one stage is required")
	}
	for _, st := range s.Stages {
		if st.ID == "" {
			return fmt.Errorf("stage id is required")
		}
		if !plugin.Category(st.Category).IsValid() {
			return fmt.Errorf("stage %q: invalid category: %s (valid: loader, embedder, retriever, reranker, llm, evaluator)", st.ID, st.Category)
		}
		if st.Plugin == "" {
			return fmt.Errorf("stage %q: plugin is required", st.ID)
		}
	}
	return nil
}

// ToDefinition converts a PipelineSpec to a domain.PipelineDefinition.
func (s *PipelineSpec) ToDefinition() (*domain.PipelineDefinition, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	def := &domain.PipelineDefinition{
		Name:        s.Name,
		Description: s.Description,
		Labels:      s.Labels,
	}
	for _, st := range s.Stages {
		def.Stages = append(def.Stages, domain.StageDefinition{
			ID:        st.ID,
			Category:  st.Category,
			Plugin:    st.Plugin,
			DependsOn: st.DependsOn,
			Required:  st.Required,
			Options:   st.Options,
		})
	}

	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// ExampleYAML returns an example pipeline spec.
func ExampleYAML() string {
	return `# ragpipe Pipeline Specification
apiVersion: ragpipe/v1
kind: Pipeline

name: docs-ingest
description: Ingest markdown docs into the vector store

stages:
  - id: load
    category: loader
    plugin: markdown
    options:
      recursive: true

  - id: embed
    category: embedder
    plugin: hash-embedder
    dependsOn: [load]

  - id: store
    category: retriever
    plugin: memory-store
    dependsOn: [embed]
    required: true
`
}
