// Package batch scores transaction batches: it validates rows, derives the
// batch context and fans transactions out to a bounded worker pool.
package batch

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/opensource-finance/chainguard/internal/domain"
	"github.com/opensource-finance/chainguard/internal/rules"
	"github.com/opensource-finance/chainguard/internal/scoring"
	"github.com/opensource-finance/chainguard/internal/velocity"
)

// Observer receives run events, e.g. for metrics. Methods may be called
// from several goroutines at once.
type Observer interface {
	ObserveAssessment(a *domain.RiskAssessment)
	ObserveSkipped(row domain.SkippedRow)
	ObserveRun(report *domain.BatchReport, elapsed time.Duration)
}

// Options configures an Orchestrator.
type Options struct {
	// Transaction workers; 0 uses GOMAXPROCS.
	Workers int

	// Rule workers per transaction; values below 2 evaluate rules sequentially.
	RuleWorkers int

	// Currency assumed for rows without one.
	DefaultCurrency string

	Observer Observer
	Logger   *slog.Logger

	// Clock for assessment and report timestamps.
	Now func() time.Time
}

// Orchestrator drives a batch through the scoring pipeline.
// It is safe to call Run concurrently.
type Orchestrator struct {
	registry  *rules.Registry
	processor *scoring.Processor
	opts      Options
	logger    *slog.Logger
}

// New creates an orchestrator. A registry is mandatory: it is validated at
// construction, so a run can never start from an invalid rule set.
func New(reg *rules.Registry, opts Options) (*Orchestrator, error) {
	if reg == nil {
		return nil, ErrNoRegistry
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	proc := scoring.NewProcessor(reg, opts.RuleWorkers)
	proc.Now = opts.Now

	return &Orchestrator{
		registry:  reg,
		processor: proc,
		opts:      opts,
		logger:    logger,
	}, nil
}

// Registry returns the registry the orchestrator scores with.
func (o *Orchestrator) Registry() *rules.Registry {
	return o.registry
}

// localStats is one worker's private tally, merged after all workers finish.
type localStats struct {
	triggered     map[string]int
	notApplicable map[string]int
	categories    map[string]int
	bands         map[domain.Band]int
}

func newLocalStats() *localStats {
	return &localStats{
		triggered:     make(map[string]int),
		notApplicable: make(map[string]int),
		categories:    make(map[string]int),
		bands:         make(map[domain.Band]int),
	}
}

// Run scores rows and returns assessments in row order plus the batch report.
// Rows with data errors are skipped and reported. If ctx is cancelled no
// further rows are scheduled; the assessments completed so far are returned
// with a report flagged as cancelled, together with ctx.Err().
func (o *Orchestrator) Run(ctx context.Context, rows []domain.TransactionRow) (*domain.RunResult, error) {
	start := time.Now()
	report := domain.BatchReport{
		Total:       len(rows),
		Fingerprint: o.registry.Fingerprint(),
		StartedAt:   o.opts.Now(),
	}

	// Phase 1: validate rows.
	txs := make([]*domain.Transaction, 0, len(rows))
	for _, row := range rows {
		tx, err := ParseRow(row, o.opts.DefaultCurrency)
		if err != nil {
			skipped := skippedRow(row.Index, err)
			report.SkippedRows = append(report.SkippedRows, skipped)
			o.logger.Debug("row skipped", "row_index", skipped.Index, "tx_id", skipped.TxID, "reason", skipped.Reason)
			if o.opts.Observer != nil {
				o.opts.Observer.ObserveSkipped(skipped)
			}
			continue
		}
		txs = append(txs, tx)
	}
	report.Skipped = len(report.SkippedRows)
	sort.SliceStable(txs, func(i, j int) bool { return txs[i].RowIndex < txs[j].RowIndex })

	// Phase 2: batch context.
	stats := velocity.BuildStats(txs)

	// Phase 3: score.
	results := make([]domain.RiskAssessment, len(txs))
	done := make([]bool, len(txs))

	workers := o.opts.Workers
	if workers > len(txs) {
		workers = len(txs)
	}

	jobs := make(chan int)
	locals := make([]*localStats, workers)
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		local := newLocalStats()
		locals[w] = local

		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				if ctx.Err() != nil {
					continue
				}
				a, outcomes := o.processor.Assess(txs[i], stats.Context(txs[i]))
				local.record(o.registry, &a, outcomes)
				results[i] = a
				done[i] = true
				if o.opts.Observer != nil {
					o.opts.Observer.ObserveAssessment(&results[i])
				}
			}
		}()
	}

dispatch:
	for i := range txs {
		select {
		case <-ctx.Done():
			break dispatch
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()

	assessments := make([]domain.RiskAssessment, 0, len(txs))
	for i := range txs {
		if done[i] {
			assessments = append(assessments, results[i])
		}
	}

	report.Processed = len(assessments)
	report.Unprocessed = len(txs) - report.Processed
	o.mergeStats(&report, locals)
	report.CompletedAt = o.opts.Now()

	var runErr error
	if report.Unprocessed > 0 {
		report.Cancelled = true
		runErr = ctx.Err()
		if runErr == nil {
			runErr = context.Canceled
		}
	}

	elapsed := time.Since(start)
	if o.opts.Observer != nil {
		o.opts.Observer.ObserveRun(&report, elapsed)
	}
	o.logger.Info("batch scored",
		"total", report.Total,
		"processed", report.Processed,
		"skipped", report.Skipped,
		"cancelled", report.Cancelled,
		"fingerprint", report.Fingerprint,
		"duration_ms", elapsed.Milliseconds(),
	)

	return &domain.RunResult{Assessments: assessments, Report: report}, runErr
}

func (s *localStats) record(reg *rules.Registry, a *domain.RiskAssessment, outcomes []domain.RuleOutcome) {
	for _, out := range outcomes {
		switch {
		case out.Triggered:
			s.triggered[out.RuleID]++
			if r, ok := reg.Lookup(out.RuleID); ok {
				s.categories[r.Category]++
			}
		case out.NotApplicable:
			s.notApplicable[out.RuleID]++
		}
	}
	s.bands[a.Band]++
}

// mergeStats folds worker tallies into the report. Every enabled rule,
// category and band appears, with zero counts where nothing happened.
func (o *Orchestrator) mergeStats(report *domain.BatchReport, locals []*localStats) {
	report.RuleTriggers = make(map[string]int)
	report.CategoryTriggers = make(map[string]int)
	report.BandCounts = make(map[domain.Band]int)

	enabled := o.registry.Rules()
	for _, r := range enabled {
		report.RuleTriggers[r.ID] = 0
		report.CategoryTriggers[r.Category] = 0
	}
	for _, t := range o.registry.Thresholds() {
		report.BandCounts[t.Band] = 0
	}

	notApplicable := make(map[string]int)
	for _, l := range locals {
		for id, n := range l.triggered {
			report.RuleTriggers[id] += n
		}
		for id, n := range l.notApplicable {
			notApplicable[id] += n
		}
		for c, n := range l.categories {
			report.CategoryTriggers[c] += n
		}
		for b, n := range l.bands {
			report.BandCounts[b] += n
		}
	}

	report.RuleImpact = make([]domain.RuleImpact, 0, len(enabled))
	for _, r := range enabled {
		report.RuleImpact = append(report.RuleImpact, domain.RuleImpact{
			RuleID:        r.ID,
			Name:          r.Name,
			Category:      r.Category,
			Triggered:     report.RuleTriggers[r.ID],
			NotApplicable: notApplicable[r.ID],
		})
	}
	sort.SliceStable(report.RuleImpact, func(i, j int) bool {
		a, b := report.RuleImpact[i], report.RuleImpact[j]
		if a.Triggered != b.Triggered {
			return a.Triggered > b.Triggered
		}
		return a.RuleID < b.RuleID
	})
}

func skippedRow(index int, err error) domain.SkippedRow {
	var rowErr *RowError
	if errors.As(err, &rowErr) {
		return domain.SkippedRow{Index: index, TxID: rowErr.TxID, Reason: rowErr.Reason()}
	}
	return domain.SkippedRow{Index: index, Reason: err.Error()}
}
