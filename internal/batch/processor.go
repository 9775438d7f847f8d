package batch

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/DevilsDev/ragpipe/internal/config"
	"github.com/DevilsDev/ragpipe/internal/eventbus"
	"github.com/DevilsDev/ragpipe/internal/logging"
	"github.com/DevilsDev/ragpipe/internal/metrics"
)

// Sentinel errors
var (
	ErrInvalidArgument = errors.New("batch: invalid argument")
	ErrCancelled       = errors.New("batch: processing cancelled")
	ErrBusy            = errors.New("batch: a call is already in progress")
)

// BatchError reports a batch that failed after exhausting its retries.
type BatchError struct {
	BatchIndex int
	Attempts   int
	Err        error
}

// Error implements the error interface.
func (e *BatchError) Error() string {
	return fmt.Sprintf("batch: batch %d failed after %d attempts: %v", e.BatchIndex, e.Attempts, e.Err)
}

// Unwrap exposes the final attempt's error.
func (e *BatchError) Unwrap() error { return e.Err }

// ProcessFn handles one batch and must return one result per input item,
// in input order.
type ProcessFn func(ctx context.Context, items []any) ([]any, error)

// Processor drives batched processing. One call at a time per instance;
// metrics accumulate across calls until ResetMetrics.
type Processor struct {
	cfg   Options
	bus   *eventbus.Bus
	sizer *sizeController

	mu         sync.Mutex
	metrics    Metrics
	processing bool
	processed  int
	total      int
	cancelFn   context.CancelFunc
}

// NewProcessor creates a batch processor.
func NewProcessor(cfg Options, bus *eventbus.Bus) *Processor {
	cfg = cfg.withDefaults()
	p := &Processor{cfg: cfg, bus: bus}
	if cfg.AdaptiveSizing {
		p.sizer = newSizeController(cfg.MaxItemsPerBatch, 1, cfg.MaxItemsPerBatch)
	}
	return p
}

// FromConfig builds a processor from the toolkit configuration.
func FromConfig(cfg config.BatchConfig, bus *eventbus.Bus) *Processor {
	return NewProcessor(Options{
		MaxTokensPerBatch:      cfg.MaxTokensPerBatch,
		MaxItemsPerBatch:       cfg.MaxItemsPerBatch,
		TargetBatchUtilization: cfg.TargetBatchUtilization,
		AdaptiveSizing:         cfg.AdaptiveSizing,
		MaxMemoryMB:            cfg.MaxMemoryMB,
		MaxRetries:             cfg.MaxRetries,
		RetryDelay:             cfg.RetryDelay,
		Model:                  cfg.Model,
	}, bus)
}

// ProcessBatches splits items into bounded batches, runs fn over each, and
// returns per-item results in the original input order. Cancellation is
// cooperative: an in-flight fn call settles before the error propagates.
func (p *Processor) ProcessBatches(ctx context.Context, items []any, fn ProcessFn, callOpts *CallOptions) ([]any, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: items must be non-empty", ErrInvalidArgument)
	}
	if fn == nil {
		return nil, fmt.Errorf("%w: process function is required", ErrInvalidArgument)
	}

	p.mu.Lock()
	if p.processing {
		p.mu.Unlock()
		return nil, ErrBusy
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.processing = true
	p.cancelFn = cancel
	p.total = len(items)
	p.processed = 0
	p.mu.Unlock()

	defer func() {
		cancel()
		p.mu.Lock()
		p.processing = false
		p.cancelFn = nil
		p.mu.Unlock()
	}()

	emit := func(eventType string, fields map[string]any) {
		ev := eventbus.Event{Type: eventType, Time: time.Now(), Fields: fields}
		if callOpts != nil && callOpts.OnProgress != nil {
			callOpts.OnProgress(ev)
		}
		if p.bus != nil {
			p.bus.Publish(ev)
		}
	}

	start := time.Now()
	emit(eventbus.EventBatchStart, map[string]any{
		"total_items":       len(items),
		"estimated_batches": p.estimateBatches(items),
	})

	results := make([]any, 0, len(items))
	offset := 0
	batchIndex := 0
	batches := 0
	shrunk := 0

	fail := func(err error) ([]any, error) {
		if errors.Is(err, ErrCancelled) {
			emit(eventbus.EventCancelled, nil)
		} else {
			emit(eventbus.EventError, map[string]any{"error": err.Error()})
		}
		p.finishMetrics(len(items), offset, batches, time.Since(start))
		return nil, err
	}

	for offset < len(items) {
		if runCtx.Err() != nil {
			return fail(ErrCancelled)
		}

		if used := heapUsedMB(); used > float64(p.cfg.MaxMemoryMB) {
			emit(eventbus.EventMemoryWarning, map[string]any{
				"used_mb":  used,
				"limit_mb": p.cfg.MaxMemoryMB,
			})
			if shrunk == 0 {
				shrunk = maxInt(1, p.currentMaxItems()/2)
			} else {
				shrunk = maxInt(1, shrunk/2)
			}
			p.trackPeakMemory(used)
		} else {
			p.trackPeakMemory(used)
			shrunk = 0
		}

		b := p.nextBatch(items[offset:], shrunk)
		batchStart := time.Now()
		out, err := p.runBatch(runCtx, b, fn, batchIndex, emit)
		duration := time.Since(batchStart)

		if err != nil {
			p.mu.Lock()
			p.metrics.FailedBatches++
			p.mu.Unlock()
			metrics.RecordBatch(len(b), duration, false)
			return fail(err)
		}
		if len(out) != len(b) {
			return fail(fmt.Errorf("%w: process function returned %d results for a batch of %d", ErrInvalidArgument, len(out), len(b)))
		}

		if p.sizer != nil {
			p.sizer.record(len(b), duration, len(b), true)
		}
		metrics.RecordBatch(len(b), duration, true)

		results = append(results, out...)
		offset += len(b)
		batches++
		p.mu.Lock()
		p.processed = offset
		p.mu.Unlock()

		emit(eventbus.EventBatchComplete, map[string]any{
			"batch_index": batchIndex,
			"batch_size":  len(b),
			"duration_ms": duration.Milliseconds(),
		})
		emit(eventbus.EventBatchProgress, map[string]any{
			"processed":  offset,
			"total":      len(items),
			"percentage": 100 * float64(offset) / float64(len(items)),
		})
		batchIndex++
	}

	totalTime := time.Since(start)
	p.finishMetrics(len(items), len(items), batches, totalTime)
	emit(eventbus.EventComplete, map[string]any{
		"total_items":   len(items),
		"total_batches": batches,
		"total_time_ms": totalTime.Milliseconds(),
	})
	return results, nil
}

// runBatch attempts one batch up to MaxRetries times with exponential
// backoff. A batch_retry event precedes every reattempt.
func (p *Processor) runBatch(ctx context.Context, items []any, fn ProcessFn, batchIndex int, emit func(string, map[string]any)) ([]any, error) {
	var lastErr error
	for attempt := 1; ; attempt++ {
		attemptStart := time.Now()
		out, err := runProcessFn(ctx, items, fn)
		if err == nil {
			return out, nil
		}
		lastErr = err

		if p.sizer != nil {
			p.sizer.record(len(items), time.Since(attemptStart), len(items), false)
		}
		if ctx.Err() != nil {
			return nil, ErrCancelled
		}
		if attempt >= p.cfg.MaxRetries {
			break
		}

		emit(eventbus.EventBatchRetry, map[string]any{
			"batch_index": batchIndex,
			"retry_count": attempt,
			"max_retries": p.cfg.MaxRetries,
		})
		delay := p.cfg.RetryDelay << uint(attempt-1)
		logging.Op().Debug("retrying batch", "batch_index", batchIndex, "attempt", attempt, "backoff", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ErrCancelled
		}
	}
	return nil, &BatchError{BatchIndex: batchIndex, Attempts: p.cfg.MaxRetries, Err: lastErr}
}

// runProcessFn isolates panics in the user function as batch failures.
func runProcessFn(ctx context.Context, items []any, fn ProcessFn) (out []any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in process function: %v", r)
		}
	}()
	return fn(ctx, items)
}

// nextBatch greedily fills a batch from rest until the next item would break
// the token budget or the item cap. An item whose token count alone exceeds
// the budget travels in a batch of one rather than being dropped.
func (p *Processor) nextBatch(rest []any, shrunk int) []any {
	maxItems := p.currentMaxItems()
	if shrunk > 0 && shrunk < maxItems {
		maxItems = shrunk
	}

	budget := float64(p.cfg.MaxTokensPerBatch) * p.cfg.TargetBatchUtilization
	tokens := 0
	n := 0
	for n < len(rest) && n < maxItems {
		t := p.cfg.CountTokens(rest[n])
		if n > 0 && float64(tokens+t) > budget {
			break
		}
		tokens += t
		n++
	}
	if n == 0 {
		n = 1
	}
	return rest[:n]
}

func (p *Processor) currentMaxItems() int {
	maxItems := p.cfg.MaxItemsPerBatch
	if p.sizer != nil {
		if t := p.sizer.targetSize(); t < maxItems {
			maxItems = t
		}
	}
	return maxInt(1, maxItems)
}

func (p *Processor) estimateBatches(items []any) int {
	maxItems := p.currentMaxItems()
	return (len(items) + maxItems - 1) / maxItems
}

// Cancel cooperatively cancels the outstanding call.
func (p *Processor) Cancel() {
	p.mu.Lock()
	if p.cancelFn != nil {
		p.cancelFn()
	}
	p.mu.Unlock()
}

// Metrics returns a copy of the accumulated metrics.
func (p *Processor) Metrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metrics
}

// ResetMetrics clears the accumulated metrics.
func (p *Processor) ResetMetrics() {
	p.mu.Lock()
	p.metrics = Metrics{}
	p.mu.Unlock()
}

// Status reports whether a call is in flight and its item progress.
func (p *Processor) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Status{Processing: p.processing}
	if p.total > 0 {
		s.Progress = float64(p.processed) / float64(p.total)
	}
	return s
}

func (p *Processor) finishMetrics(totalItems, processedItems, batches int, elapsed time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics.TotalItems += totalItems
	p.metrics.ProcessedItems += processedItems
	p.metrics.TotalBatches += batches
	p.metrics.APICallsSaved = p.metrics.TotalItems - p.metrics.TotalBatches
	p.metrics.TotalTime += elapsed
	if p.metrics.TotalBatches > 0 {
		p.metrics.AvgBatchSize = float64(p.metrics.ProcessedItems) / float64(p.metrics.TotalBatches)
	}
}

func (p *Processor) trackPeakMemory(usedMB float64) {
	p.mu.Lock()
	if usedMB > p.metrics.PeakMemoryMB {
		p.metrics.PeakMemoryMB = usedMB
	}
	p.mu.Unlock()
}

func heapUsedMB() float64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return float64(m.HeapAlloc) / (1 << 20)
}
