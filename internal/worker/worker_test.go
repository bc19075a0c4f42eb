package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/chainguard/internal/bus"
	"github.com/opensource-finance/chainguard/internal/domain"
	"github.com/opensource-finance/chainguard/internal/pipeline"
	"github.com/opensource-finance/chainguard/internal/rules"
)

type fakeScorer struct {
	mu    sync.Mutex
	calls []string
	rows  int
	block chan struct{}
}

func (f *fakeScorer) Score(ctx context.Context, tenantID, runID string, rows []domain.TransactionRow) (*domain.Run, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return &domain.Run{ID: runID, Status: domain.RunCancelled}, ctx.Err()
		}
	}
	f.mu.Lock()
	f.calls = append(f.calls, tenantID+"/"+runID)
	f.rows += len(rows)
	f.mu.Unlock()
	return &domain.Run{ID: runID, TenantID: tenantID, Status: domain.RunCompleted}, nil
}

func (f *fakeScorer) snapshot() ([]string, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...), f.rows
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timeout waiting for condition")
}

func TestWorker(t *testing.T) {
	ctx := context.Background()

	t.Run("StartAndStop", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		w := New(eventBus, &fakeScorer{}, nil)
		if err := w.Start(Config{TenantIDs: []string{"tenant-001"}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := w.GetStats()
		if stats.SubscriptionCount != 1 {
			t.Errorf("expected 1 subscription, got %d", stats.SubscriptionCount)
		}
		if stats.Topics[0] != domain.TopicBatchSubmitted {
			t.Errorf("unexpected topic %s", stats.Topics[0])
		}

		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
		if n := w.GetStats().SubscriptionCount; n != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", n)
		}
	})

	t.Run("RequiresTenant", func(t *testing.T) {
		w := New(bus.NewChannelBus(1), &fakeScorer{}, nil)
		if err := w.Start(Config{}); err == nil {
			t.Error("expected error without tenants")
		}
	})

	t.Run("ProcessBatch", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		scorer := &fakeScorer{}
		w := New(eventBus, scorer, nil)
		if err := w.Start(Config{TenantIDs: []string{"tenant-001"}, Concurrency: 2}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		msg := domain.BatchMessage{RunID: "run-42", Rows: []domain.TransactionRow{{Index: 0}, {Index: 1}}}
		if err := bus.PublishJSON(ctx, eventBus, "tenant-001", domain.TopicBatchSubmitted, msg); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		waitFor(t, func() bool { calls, _ := scorer.snapshot(); return len(calls) == 1 })
		calls, rows := scorer.snapshot()
		if calls[0] != "tenant-001/run-42" {
			t.Errorf("unexpected call %q", calls[0])
		}
		if rows != 2 {
			t.Errorf("expected 2 rows, got %d", rows)
		}
	})

	t.Run("MultiTenant", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		scorer := &fakeScorer{}
		w := New(eventBus, scorer, nil)
		if err := w.Start(Config{TenantIDs: []string{"t1", "t2"}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		_ = bus.PublishJSON(ctx, eventBus, "t1", domain.TopicBatchSubmitted, domain.BatchMessage{RunID: "a"})
		_ = bus.PublishJSON(ctx, eventBus, "t2", domain.TopicBatchSubmitted, domain.BatchMessage{RunID: "b"})
		_ = bus.PublishJSON(ctx, eventBus, "t3", domain.TopicBatchSubmitted, domain.BatchMessage{RunID: "c"})

		waitFor(t, func() bool { calls, _ := scorer.snapshot(); return len(calls) == 2 })
		time.Sleep(20 * time.Millisecond)
		if calls, _ := scorer.snapshot(); len(calls) != 2 {
			t.Errorf("expected only subscribed tenants to be scored, got %v", calls)
		}
	})

	t.Run("StopCancelsInFlight", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		scorer := &fakeScorer{block: make(chan struct{})}
		w := New(eventBus, scorer, nil)
		if err := w.Start(Config{TenantIDs: []string{"t1"}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		_ = bus.PublishJSON(ctx, eventBus, "t1", domain.TopicBatchSubmitted, domain.BatchMessage{RunID: "slow"})
		waitFor(t, func() bool { return w.GetStats().InFlight == 1 })

		done := make(chan struct{})
		go func() {
			w.Stop()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("Stop did not return")
		}
	})
}

func TestWorkerWithPipeline(t *testing.T) {
	ctx := context.Background()
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	engine, err := rules.NewEngine()
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	svc, err := pipeline.New(pipeline.Options{Engine: engine, BaseRules: rules.BuiltinRules(), Bus: eventBus})
	if err != nil {
		t.Fatalf("pipeline.New failed: %v", err)
	}

	completed := make(chan domain.RunCompletedMessage, 1)
	_, err = eventBus.Subscribe(ctx, "t1", domain.TopicRunCompleted, func(ctx context.Context, msg *domain.Message) error {
		var m domain.RunCompletedMessage
		if err := bus.Decode(msg, &m); err != nil {
			return err
		}
		completed <- m
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	w := New(eventBus, svc, nil)
	if err := w.Start(Config{TenantIDs: []string{"t1"}}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	runID, err := svc.Submit(ctx, "t1", []domain.TransactionRow{
		{Index: 0, Fields: map[string]string{
			"tx_id": "x1", "timestamp": "2025-01-01T10:00:00Z",
			"sender": "alice", "receiver": "bob", "amount": "20000", "currency": "USDC",
		}},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	select {
	case m := <-completed:
		if m.RunID != runID {
			t.Errorf("expected run %s, got %s", runID, m.RunID)
		}
		if m.Report.Processed != 1 {
			t.Errorf("expected 1 processed, got %d", m.Report.Processed)
		}
		if m.Report.RuleTriggers[rules.RuleHighAmount] != 1 {
			t.Errorf("expected high_amount to trigger, got %v", m.Report.RuleTriggers)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for run completion")
	}
}
