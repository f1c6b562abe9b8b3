package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// IndexItem is a piece of content waiting to be stored.
type IndexItem struct {
	Content string
	Source  string // e.g. "agent", "run:<id>", "tool:exec"
	Tags    string
}

// AutoIndexerConfig holds configuration for the AutoIndexer.
type AutoIndexerConfig struct {
	MinLength     int           // skip content shorter than this (default: 40)
	BatchSize     int           // flush after N items (default: 5)
	FlushInterval time.Duration // flush on timer (default: 30s)
	QueueSize     int           // channel buffer size (default: 100)
}

// AutoIndexer batches writes to the Service on a background goroutine so
// the agent loop never waits on storage. It also serves FetchContext by
// delegating to the Service.
type AutoIndexer struct {
	service  *Service
	config   AutoIndexerConfig
	queue    chan IndexItem
	runOnce  sync.Once
	done     chan struct{}
}

// NewAutoIndexer creates a new AutoIndexer. If service is nil, Enqueue is a no-op.
func NewAutoIndexer(service *Service, cfg AutoIndexerConfig) *AutoIndexer {
	if cfg.MinLength <= 0 {
		cfg.MinLength = 40
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}

	return &AutoIndexer{
		service: service,
		config:  cfg,
		queue:   make(chan IndexItem, cfg.QueueSize),
		done:    make(chan struct{}),
	}
}

// Enqueue adds an item to the queue. Non-blocking; drops items if the queue
// is full or the service is nil.
func (a *AutoIndexer) Enqueue(item IndexItem) {
	if a == nil || a.service == nil {
		return
	}
	if len(item.Content) < a.config.MinLength || shouldSkip(item.Content) {
		return
	}

	select {
	case a.queue <- item:
	default:
		slog.Debug("AutoIndexer queue full, dropping item", "source", item.Source)
	}
}

// StoreFact enqueues text produced by a run.
func (a *AutoIndexer) StoreFact(_ context.Context, text string) {
	a.Enqueue(IndexItem{Content: text, Source: "agent"})
}

// FetchContext reads through to the Service.
func (a *AutoIndexer) FetchContext(ctx context.Context, query string, tokenBudget int) (string, error) {
	if a == nil || a.service == nil {
		return "", nil
	}
	return a.service.FetchContext(ctx, query, tokenBudget)
}

// Run starts the background loop. Blocks until ctx is cancelled, then
// flushes what is queued.
func (a *AutoIndexer) Run(ctx context.Context) {
	started := false
	a.runOnce.Do(func() { started = true })
	if !started {
		return
	}
	defer close(a.done)
	if a.service == nil {
		return
	}

	ticker := time.NewTicker(a.config.FlushInterval)
	defer ticker.Stop()

	var batch []IndexItem

	flush := func() {
		if len(batch) == 0 {
			return
		}
		items := batch
		batch = nil
		a.indexBatch(items)
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case item := <-a.queue:
					batch = append(batch, item)
				default:
					flush()
					return
				}
			}
		case item := <-a.queue:
			batch = append(batch, item)
			if len(batch) >= a.config.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Stop waits for Run to return (after ctx cancel).
func (a *AutoIndexer) Stop() {
	if a == nil {
		return
	}
	<-a.done
}

// indexBatch uses its own context: the run context is already gone when the
// final flush happens.
func (a *AutoIndexer) indexBatch(items []IndexItem) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, item := range items {
		id, err := a.service.Store(ctx, item.Content, item.Source, item.Tags)
		if err != nil {
			slog.Warn("AutoIndexer store failed", "source", item.Source, "error", err)
			continue
		}
		slog.Debug("AutoIndexer indexed", "id", id, "source", item.Source, "len", len(item.Content))
	}
}

// FormatRunSummary formats a task and its final answer for indexing.
func FormatRunSummary(task, answer, runID string) IndexItem {
	return IndexItem{
		Content: fmt.Sprintf("Q: %s\nA: %s", task, answer),
		Source:  "run:" + runID,
	}
}
