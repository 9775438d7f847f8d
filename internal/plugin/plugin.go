// Package plugin defines the contracts between the toolkit core and the
// interchangeable stage implementations it executes. Concrete loaders,
// embedders, retrievers, rerankers, LLM clients, and evaluators live outside
// the core; the registry validates anything registered here against the
// category interface and its declared contract.
package plugin

import (
	"context"

	"github.com/DevilsDev/ragpipe/internal/domain"
)

// Category identifies a pipeline stage kind.
type Category string

const (
	CategoryLoader    Category = "loader"
	CategoryEmbedder  Category = "embedder"
	CategoryRetriever Category = "retriever"
	CategoryReranker  Category = "reranker"
	CategoryLLM       Category = "llm"
	CategoryEvaluator Category = "evaluator"
)

// Categories lists all valid categories in registration order.
func Categories() []Category {
	return []Category{
		CategoryLoader,
		CategoryEmbedder,
		CategoryRetriever,
		CategoryReranker,
		CategoryLLM,
		CategoryEvaluator,
	}
}

// IsValid reports whether c is a known category.
func (c Category) IsValid() bool {
	switch c {
	case CategoryLoader, CategoryEmbedder, CategoryRetriever,
		CategoryReranker, CategoryLLM, CategoryEvaluator:
		return true
	}
	return false
}

func (c Category) String() string { return string(c) }

// Metadata describes a plugin implementation. Type must match the category
// the plugin is registered under.
type Metadata struct {
	Name    string   `json:"name"`
	Version string   `json:"version"`
	Type    Category `json:"type"`
}

// Plugin is the base interface every stage implementation satisfies.
type Plugin interface {
	Metadata() Metadata
}

// Loader ingests documents from an external source.
type Loader interface {
	Plugin
	Load(ctx context.Context, source string, options map[string]any) ([]domain.Document, error)
}

// Embedder turns texts into vectors.
type Embedder interface {
	Plugin
	Embed(ctx context.Context, texts []string) ([]domain.Vector, error)
}

// QueryEmbedder is implemented by embedders that support single-query
// embedding in addition to bulk document embedding.
type QueryEmbedder interface {
	Embedder
	EmbedQuery(ctx context.Context, text string) (domain.Vector, error)
}

// Retriever stores vectors and retrieves context for a query vector.
type Retriever interface {
	Plugin
	Store(ctx context.Context, vectors []domain.Vector) error
	Retrieve(ctx context.Context, vector domain.Vector) ([]domain.Document, error)
}

// Reranker reorders candidate documents against a query.
type Reranker interface {
	Plugin
	Rerank(ctx context.Context, query string, candidates []domain.Document) ([]domain.Document, error)
}

// LLM produces a completion from a prompt plus retrieved context.
type LLM interface {
	Plugin
	Generate(ctx context.Context, prompt string, contextDocs []domain.Document) (string, error)
}

// StreamingLLM is implemented by LLMs that support token streaming.
// The returned channel is closed after the Done token.
type StreamingLLM interface {
	LLM
	Stream(ctx context.Context, prompt string, contextDocs []domain.Document) (<-chan domain.Token, error)
}

// Evaluator scores an actual answer against an expected one.
type Evaluator interface {
	Plugin
	Score(ctx context.Context, expected, actual string) (map[string]float64, error)
}
