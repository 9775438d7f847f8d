package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/DevilsDev/ragpipe/internal/logging"
	"github.com/DevilsDev/ragpipe/internal/plugin"
)

// Property describes one declared member of a plugin contract.
// Type "function" marks a callable the implementation must expose; any other
// type names a scalar metadata property.
type Property struct {
	Type      string `json:"type"`
	Signature string `json:"signature,omitempty"`
}

// Contract declares the operations a plugin category must implement.
type Contract struct {
	Category   plugin.Category     `json:"category"`
	Version    string              `json:"version"`
	Required   []string            `json:"required_methods"`
	Properties map[string]Property `json:"properties,omitempty"`
}

// Methods returns the union of required methods and function-typed
// properties: required methods first in declaration order, then
// function-typed properties sorted by name.
func (c *Contract) Methods() []string {
	seen := make(map[string]bool, len(c.Required))
	out := make([]string, 0, len(c.Required)+len(c.Properties))
	for _, m := range c.Required {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	// Map iteration order is random; sort for deterministic error messages.
	extra := make([]string, 0, len(c.Properties))
	for name, p := range c.Properties {
		if p.Type == "function" && !seen[name] {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	return append(out, extra...)
}

// contractSchemaJSON validates contract documents on load. The document is a
// list of contracts keyed by nothing; category and semver version are
// mandatory per entry.
const contractSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "array",
  "items": {
    "type": "object",
    "required": ["category", "version", "required_methods"],
    "properties": {
      "category": {
        "type": "string",
        "enum": ["loader", "embedder", "retriever", "reranker", "llm", "evaluator"]
      },
      "version": {
        "type": "string",
        "pattern": "^[0-9]+\\.[0-9]+\\.[0-9]+$"
      },
      "required_methods": {
        "type": "array",
        "items": {"type": "string", "minLength": 1}
      },
      "properties": {
        "type": "object",
        "additionalProperties": {
          "type": "object",
          "required": ["type"],
          "properties": {
            "type": {"type": "string"},
            "signature": {"type": "string"}
          }
        }
      }
    },
    "additionalProperties": false
  }
}`

// DefaultContracts returns the built-in contract set covering every category.
func DefaultContracts() map[plugin.Category]*Contract {
	contracts := []*Contract{
		{
			Category: plugin.CategoryLoader,
			Version:  "1.0.0",
			Required: []string{"load"},
		},
		{
			Category: plugin.CategoryEmbedder,
			Version:  "1.0.0",
			Required: []string{"embed"},
			Properties: map[string]Property{
				"embedQuery": {Type: "function", Signature: "embedQuery(text) -> vector"},
			},
		},
		{
			Category: plugin.CategoryRetriever,
			Version:  "1.0.0",
			Required: []string{"store", "retrieve"},
		},
		{
			Category: plugin.CategoryReranker,
			Version:  "1.0.0",
			Required: []string{"rerank"},
		},
		{
			Category: plugin.CategoryLLM,
			Version:  "1.0.0",
			Required: []string{"generate"},
			Properties: map[string]Property{
				"stream": {Type: "function", Signature: "stream(prompt, context) -> iterator"},
			},
		},
		{
			Category: plugin.CategoryEvaluator,
			Version:  "1.0.0",
			Required: []string{"score"},
		},
	}

	out := make(map[plugin.Category]*Contract, len(contracts))
	for _, c := range contracts {
		out[c.Category] = c
	}
	return out
}

// LoadContracts reads a JSON contract document, optionally validating it
// against the embedded schema. In production a schema failure skips the
// offending document and falls back to built-ins; in development it is
// fatal so the error surfaces near its origin.
func LoadContracts(path string, validateSchema, production bool) (map[plugin.Category]*Contract, error) {
	contracts := DefaultContracts()
	if path == "" {
		return contracts, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read contracts: %w", err)
	}

	if validateSchema {
		if err := validateContractDocument(data); err != nil {
			if production {
				logging.Op().Error("contract document failed schema validation, using built-in contracts", "path", path, "error", err)
				return contracts, nil
			}
			return nil, err
		}
	}

	var loaded []*Contract
	if err := json.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("parse contracts: %w", err)
	}
	for _, c := range loaded {
		if !c.Category.IsValid() {
			return nil, fmt.Errorf("%w: unknown category %q", ErrContractSchema, c.Category)
		}
		contracts[c.Category] = c
	}
	return contracts, nil
}

func validateContractDocument(data []byte) error {
	compiler := jsonschema.NewCompiler()
	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(contractSchemaJSON))
	if err != nil {
		return fmt.Errorf("parse contract schema: %w", err)
	}
	if err := compiler.AddResource("contracts.schema.json", schemaDoc); err != nil {
		return fmt.Errorf("add contract schema: %w", err)
	}
	schema, err := compiler.Compile("contracts.schema.json")
	if err != nil {
		return fmt.Errorf("compile contract schema: %w", err)
	}

	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrContractSchema, err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrContractSchema, err)
	}
	return nil
}
