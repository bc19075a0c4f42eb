// Package worker scores batches submitted to the event bus asynchronously.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/chainguard/internal/bus"
	"github.com/opensource-finance/chainguard/internal/domain"
)

// Scorer scores one batch under a caller chosen run id.
type Scorer interface {
	Score(ctx context.Context, tenantID, runID string, rows []domain.TransactionRow) (*domain.Run, error)
}

// Worker subscribes to batch submissions for a set of tenants and scores
// them with a bounded number of concurrent runs.
type Worker struct {
	bus    domain.EventBus
	scorer Scorer
	logger *slog.Logger

	sem chan struct{}

	mu            sync.Mutex
	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// Tenants whose submissions are consumed
	TenantIDs []string

	// Concurrent runs across all tenants; 0 means 1
	Concurrency int
}

// New creates a worker.
func New(b domain.EventBus, scorer Scorer, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    b,
		scorer: scorer,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes for each tenant. Tenants that fail to subscribe are
// logged and skipped; an error is returned only if none succeeded.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		return errors.New("worker: at least one tenant is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	w.sem = make(chan struct{}, cfg.Concurrency)

	var started int
	for _, tenantID := range cfg.TenantIDs {
		tenantID := tenantID
		sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicBatchSubmitted, func(ctx context.Context, msg *domain.Message) error {
			return w.handle(ctx, tenantID, msg)
		})
		if err != nil {
			w.logger.Error("failed to start worker for tenant", "tenant_id", tenantID, "error", err)
			continue
		}

		w.mu.Lock()
		w.subscriptions = append(w.subscriptions, sub)
		w.mu.Unlock()
		started++
	}

	if started == 0 {
		return errors.New("worker: no tenant subscriptions could be started")
	}

	w.logger.Info("workers started", "tenant_count", started, "concurrency", cfg.Concurrency)
	return nil
}

func (w *Worker) handle(ctx context.Context, tenantID string, msg *domain.Message) error {
	var batch domain.BatchMessage
	if err := bus.Decode(msg, &batch); err != nil {
		w.logger.Error("failed to parse batch message", "message_id", msg.ID, "error", err)
		return err
	}
	if batch.RunID == "" {
		batch.RunID = msg.ID
	}

	select {
	case w.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { <-w.sem }()
		w.score(tenantID, batch)
	}()
	return nil
}

func (w *Worker) score(tenantID string, batch domain.BatchMessage) {
	start := time.Now()

	run, err := w.scorer.Score(w.ctx, tenantID, batch.RunID, batch.Rows)
	if err != nil && run == nil {
		w.logger.Error("batch scoring failed", "run_id", batch.RunID, "tenant_id", tenantID, "error", err)
		return
	}

	w.logger.Info("batch processed",
		"run_id", run.ID,
		"tenant_id", tenantID,
		"status", run.Status,
		"processed", run.Report.Processed,
		"skipped", run.Report.Skipped,
		"cached", run.Cached,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// Stop unsubscribes, cancels in-flight runs and waits for them to record
// their partial results.
func (w *Worker) Stop() error {
	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Error("failed to unsubscribe", "topic", sub.Topic(), "error", err)
		}
	}

	w.cancel()
	w.wg.Wait()

	w.logger.Info("workers stopped")
	return nil
}

// Stats describes the worker's subscriptions.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	InFlight          int      `json:"inFlight"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		InFlight:          len(w.sem),
	}
}
