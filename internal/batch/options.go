// Package batch transforms large item sequences into bounded batches and
// drives a user-supplied processing function over them, preserving input
// order while enforcing token, item, memory, and retry discipline.
package batch

import (
	"time"

	"github.com/DevilsDev/ragpipe/internal/domain"
	"github.com/DevilsDev/ragpipe/internal/eventbus"
)

// CountTokensFunc estimates the token cost of one item.
type CountTokensFunc func(item any) int

// Options configures a Processor.
type Options struct {
	MaxTokensPerBatch      int
	MaxItemsPerBatch       int
	TargetBatchUtilization float64
	AdaptiveSizing         bool
	MaxMemoryMB            int
	MaxRetries             int
	RetryDelay             time.Duration
	Model                  string

	// CountTokens overrides the default length/4 estimator, e.g. with a real
	// tokenizer for the target model.
	CountTokens CountTokensFunc
}

type preset struct {
	maxTokens int
	maxItems  int
}

// modelPresets maps known model names to batching limits. Unknown models
// fall through to the defaults; explicit option fields always win.
var modelPresets = map[string]preset{
	"text-embedding-3-small": {maxTokens: 8191, maxItems: 2048},
	"text-embedding-3-large": {maxTokens: 8191, maxItems: 2048},
	"text-embedding-ada-002": {maxTokens: 8191, maxItems: 2048},
	"gpt-4o":                 {maxTokens: 128000, maxItems: 100},
	"gpt-4o-mini":            {maxTokens: 128000, maxItems: 100},
	"claude-3-5-sonnet":      {maxTokens: 200000, maxItems: 100},
	"claude-3-5-haiku":       {maxTokens: 200000, maxItems: 100},
	"voyage-2":               {maxTokens: 320000, maxItems: 128},
}

func (o Options) withDefaults() Options {
	if p, ok := modelPresets[o.Model]; ok {
		if o.MaxTokensPerBatch <= 0 {
			o.MaxTokensPerBatch = p.maxTokens
		}
		if o.MaxItemsPerBatch <= 0 {
			o.MaxItemsPerBatch = p.maxItems
		}
	}
	if o.MaxTokensPerBatch <= 0 {
		o.MaxTokensPerBatch = 8191
	}
	if o.MaxItemsPerBatch <= 0 {
		o.MaxItemsPerBatch = 100
	}
	if o.TargetBatchUtilization <= 0 || o.TargetBatchUtilization > 1 {
		o.TargetBatchUtilization = 0.9
	}
	if o.MaxMemoryMB <= 0 {
		o.MaxMemoryMB = 512
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	if o.CountTokens == nil {
		o.CountTokens = DefaultCountTokens
	}
	return o
}

// DefaultCountTokens is the coarse length/4 heuristic, rounded up.
func DefaultCountTokens(item any) int {
	var text string
	switch v := item.(type) {
	case string:
		text = v
	case domain.Document:
		text = v.Text
	case *domain.Document:
		text = v.Text
	case interface{ TokenText() string }:
		text = v.TokenText()
	default:
		return 1
	}
	if text == "" {
		return 1
	}
	return (len(text) + 3) / 4
}

// CallOptions configures a single ProcessBatches invocation.
type CallOptions struct {
	// OnProgress receives every event emitted during the call, in addition
	// to bus subscribers.
	OnProgress func(eventbus.Event)
}
