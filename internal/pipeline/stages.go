package pipeline

import (
	"context"
	"fmt"

	"github.com/DevilsDev/ragpipe/internal/dag"
	"github.com/DevilsDev/ragpipe/internal/domain"
	"github.com/DevilsDev/ragpipe/internal/plugin"
)

// stageRun builds the node computation for one stage. The implementation is
// resolved eagerly; category-specific adapters translate between the DAG's
// dependency map inputs and the plugin interfaces.
func (s *Service) stageRun(stage domain.StageDefinition) (dag.RunFunc, error) {
	impl, cat, err := s.resolve(stage)
	if err != nil {
		return nil, err
	}

	key := stage.Category + "/" + stage.Plugin
	switch cat {
	case plugin.CategoryLoader:
		return s.runLoader(stage, key, impl.(plugin.Loader)), nil
	case plugin.CategoryEmbedder:
		return s.runEmbedder(stage, key, impl.(plugin.Embedder)), nil
	case plugin.CategoryRetriever:
		return s.runRetriever(stage, key, impl.(plugin.Retriever)), nil
	case plugin.CategoryReranker:
		return s.runReranker(stage, key, impl.(plugin.Reranker)), nil
	case plugin.CategoryLLM:
		return s.runLLM(stage, key, impl.(plugin.LLM)), nil
	case plugin.CategoryEvaluator:
		return s.runEvaluator(stage, key, impl.(plugin.Evaluator)), nil
	default:
		return nil, fmt.Errorf("stage %q: unsupported category %q", stage.ID, stage.Category)
	}
}

func (s *Service) runLoader(stage domain.StageDefinition, key string, loader plugin.Loader) dag.RunFunc {
	return func(ctx context.Context, input any) (any, error) {
		source := stringOption(stage.Options, "source")
		if source == "" {
			source = firstString(input)
		}
		if source == "" {
			return nil, fmt.Errorf("stage %q: no source to load", stage.ID)
		}
		out, err := s.invokeGuarded(key, func() (any, error) {
			return loader.Load(ctx, source, stage.Options)
		})
		if err != nil {
			return nil, err
		}
		return out, nil
	}
}

func (s *Service) runEmbedder(stage domain.StageDefinition, key string, emb plugin.Embedder) dag.RunFunc {
	return func(ctx context.Context, input any) (any, error) {
		// Query mode: embed a single text through EmbedQuery when supported.
		if boolOption(stage.Options, "query") {
			text := stringOption(stage.Options, "text")
			if text == "" {
				text = firstString(input)
			}
			if qe, ok := emb.(plugin.QueryEmbedder); ok && text != "" {
				out, err := s.invokeGuarded(key, func() (any, error) {
					return qe.EmbedQuery(ctx, text)
				})
				if err != nil {
					return nil, err
				}
				return out, nil
			}
		}

		docs := collectDocuments(input)
		if len(docs) == 0 {
			for _, t := range collectStrings(input) {
				docs = append(docs, domain.Document{Text: t})
			}
		}
		if len(docs) == 0 {
			return nil, fmt.Errorf("stage %q: nothing to embed", stage.ID)
		}

		embedBatch := func(ctx context.Context, items []any) ([]any, error) {
			texts := make([]string, len(items))
			for i, it := range items {
				texts[i] = it.(domain.Document).Text
			}
			out, err := s.invokeGuarded(key, func() (any, error) {
				return emb.Embed(ctx, texts)
			})
			if err != nil {
				return nil, err
			}
			vectors := out.([]domain.Vector)
			if len(vectors) != len(items) {
				return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(items))
			}
			results := make([]any, len(vectors))
			for i := range vectors {
				results[i] = vectors[i]
			}
			return results, nil
		}

		items := make([]any, len(docs))
		for i := range docs {
			items[i] = docs[i]
		}

		var (
			raw []any
			err error
		)
		if s.batcher != nil {
			raw, err = s.batcher.ProcessBatches(ctx, items, embedBatch, nil)
		} else {
			raw, err = embedBatch(ctx, items)
		}
		if err != nil {
			return nil, err
		}

		vectors := make([]domain.Vector, len(raw))
		for i, r := range raw {
			v := r.(domain.Vector)
			if v.DocumentID == "" {
				v.DocumentID = docs[i].ID
			}
			if v.Text == "" {
				v.Text = docs[i].Text
			}
			vectors[i] = v
		}
		return vectors, nil
	}
}

func (s *Service) runRetriever(stage domain.StageDefinition, key string, ret plugin.Retriever) dag.RunFunc {
	return func(ctx context.Context, input any) (any, error) {
		if stringOption(stage.Options, "mode") == "retrieve" {
			qv, ok := singleVector(input)
			if !ok {
				return nil, fmt.Errorf("stage %q: retrieval needs exactly one query vector", stage.ID)
			}
			out, err := s.invokeGuarded(key, func() (any, error) {
				return ret.Retrieve(ctx, qv)
			})
			if err != nil {
				return nil, err
			}
			return out, nil
		}

		vectors := collectVectors(input)
		if len(vectors) == 0 {
			return nil, fmt.Errorf("stage %q: no vectors to store", stage.ID)
		}
		_, err := s.invokeGuarded(key, func() (any, error) {
			return nil, ret.Store(ctx, vectors)
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"stored": len(vectors)}, nil
	}
}

func (s *Service) runReranker(stage domain.StageDefinition, key string, rr plugin.Reranker) dag.RunFunc {
	return func(ctx context.Context, input any) (any, error) {
		query := stringOption(stage.Options, "query")
		if query == "" {
			query = firstString(input)
		}
		candidates := collectDocuments(input)
		if len(candidates) == 0 {
			return nil, fmt.Errorf("stage %q: no candidates to rerank", stage.ID)
		}
		out, err := s.invokeGuarded(key, func() (any, error) {
			return rr.Rerank(ctx, query, candidates)
		})
		if err != nil {
			return nil, err
		}
		return out, nil
	}
}

func (s *Service) runLLM(stage domain.StageDefinition, key string, llm plugin.LLM) dag.RunFunc {
	return func(ctx context.Context, input any) (any, error) {
		prompt := stringOption(stage.Options, "prompt")
		if prompt == "" {
			prompt = firstString(input)
		}
		if prompt == "" {
			return nil, fmt.Errorf("stage %q: no prompt", stage.ID)
		}
		contextDocs := collectDocuments(input)
		out, err := s.invokeGuarded(key, func() (any, error) {
			return llm.Generate(ctx, prompt, contextDocs)
		})
		if err != nil {
			return nil, err
		}
		return out, nil
	}
}

func (s *Service) runEvaluator(stage domain.StageDefinition, key string, ev plugin.Evaluator) dag.RunFunc {
	return func(ctx context.Context, input any) (any, error) {
		expected := stringOption(stage.Options, "expected")
		actual := firstString(input)
		out, err := s.invokeGuarded(key, func() (any, error) {
			return ev.Score(ctx, expected, actual)
		})
		if err != nil {
			return nil, err
		}
		return out, nil
	}
}

// --- input coercion helpers ---

func stringOption(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	if v, ok := opts[key].(string); ok {
		return v
	}
	return ""
}

func boolOption(opts map[string]any, key string) bool {
	if opts == nil {
		return false
	}
	if v, ok := opts[key].(bool); ok {
		return v
	}
	return false
}

// collectDocuments walks a node input (seed value or dependency map) and
// gathers every document it contains.
func collectDocuments(input any) []domain.Document {
	var out []domain.Document
	switch v := input.(type) {
	case domain.Document:
		out = append(out, v)
	case *domain.Document:
		if v != nil {
			out = append(out, *v)
		}
	case []domain.Document:
		out = append(out, v...)
	case []any:
		for _, item := range v {
			out = append(out, collectDocuments(item)...)
		}
	case map[string]any:
		for _, item := range v {
			out = append(out, collectDocuments(item)...)
		}
	}
	return out
}

func collectVectors(input any) []domain.Vector {
	var out []domain.Vector
	switch v := input.(type) {
	case domain.Vector:
		out = append(out, v)
	case []domain.Vector:
		out = append(out, v...)
	case []any:
		for _, item := range v {
			out = append(out, collectVectors(item)...)
		}
	case map[string]any:
		for _, item := range v {
			out = append(out, collectVectors(item)...)
		}
	}
	return out
}

// singleVector reports whether the input resolves to exactly one vector,
// the retrieval-query shape.
func singleVector(input any) (domain.Vector, bool) {
	vs := collectVectors(input)
	if len(vs) == 1 {
		return vs[0], true
	}
	return domain.Vector{}, false
}

func collectStrings(input any) []string {
	var out []string
	switch v := input.(type) {
	case string:
		if v != "" {
			out = append(out, v)
		}
	case []string:
		out = append(out, v...)
	case []any:
		for _, item := range v {
			out = append(out, collectStrings(item)...)
		}
	case map[string]any:
		for _, item := range v {
			out = append(out, collectStrings(item)...)
		}
	}
	return out
}

func firstString(input any) string {
	ss := collectStrings(input)
	if len(ss) == 0 {
		return ""
	}
	return ss[0]
}
