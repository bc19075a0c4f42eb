// Package pipeline ties scoring runs to their surroundings: tenant rule sets,
// the result cache, persistence and run events.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/opensource-finance/chainguard/internal/batch"
	"github.com/opensource-finance/chainguard/internal/bus"
	"github.com/opensource-finance/chainguard/internal/cache"
	"github.com/opensource-finance/chainguard/internal/domain"
	"github.com/opensource-finance/chainguard/internal/rules"
	"github.com/opensource-finance/chainguard/internal/scoring"
	"github.com/opensource-finance/chainguard/internal/tracing"
)

var (
	// ErrNoRepository is returned by operations that need persistence
	// when the service runs without a repository.
	ErrNoRepository = errors.New("no repository configured")

	// ErrNoEventBus is returned by Submit when no event bus is configured.
	ErrNoEventBus = errors.New("no event bus configured")

	// ErrTooManyRows is returned when a batch exceeds MaxRows.
	ErrTooManyRows = errors.New("batch exceeds the row limit")
)

// Metrics receives run and infrastructure events. *metrics.Collector
// implements it.
type Metrics interface {
	batch.Observer
	ObserveCacheLookup(hit bool)
	ObservePublishError()
}

// Options configures a Service. Only Engine is required.
type Options struct {
	Engine *rules.Engine

	// Rules every tenant starts from; tenant rules stored in the
	// repository override them by id.
	BaseRules []*domain.RuleConfig
	Scoring   rules.Config

	Workers         int
	RuleWorkers     int
	DefaultCurrency string
	MaxRows         int

	Repository domain.Repository
	Results    *cache.ResultCache
	Bus        domain.EventBus
	Metrics    Metrics
	Logger     *slog.Logger

	Now   func() time.Time
	NewID func() string
}

// Service scores batches for tenants.
type Service struct {
	opts   Options
	logger *slog.Logger
}

// New validates the base rule set once and returns a Service.
func New(opts Options) (*Service, error) {
	if opts.Engine == nil {
		return nil, errors.New("pipeline: engine is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.New().String() }
	}

	if _, err := rules.Load(opts.Engine, opts.BaseRules, opts.Scoring); err != nil {
		return nil, fmt.Errorf("invalid base rule set: %w", err)
	}

	return &Service{opts: opts, logger: opts.Logger}, nil
}

// Registry builds the tenant's registry: base rules overlaid with the
// tenant's stored rules.
func (s *Service) Registry(ctx context.Context, tenantID string) (*rules.Registry, error) {
	cfgs := s.opts.BaseRules
	if s.opts.Repository != nil {
		stored, err := s.opts.Repository.ListRuleConfigs(ctx, tenantID)
		if err != nil {
			return nil, fmt.Errorf("failed to list rules: %w", err)
		}
		cfgs = rules.Merge(s.opts.BaseRules, stored)
	}
	return rules.Load(s.opts.Engine, cfgs, s.opts.Scoring)
}

// Score runs a batch for a tenant. An empty runID gets a generated one.
//
// A batch already scored with an identical registry is served from the
// result cache and recorded as a new run flagged Cached. If ctx is cancelled
// mid-run the partial run is still persisted and published with status
// cancelled, and ctx's error is returned alongside it.
func (s *Service) Score(ctx context.Context, tenantID, runID string, rows []domain.TransactionRow) (*domain.Run, error) {
	if s.opts.MaxRows > 0 && len(rows) > s.opts.MaxRows {
		return nil, fmt.Errorf("%w: %d rows, limit %d", ErrTooManyRows, len(rows), s.opts.MaxRows)
	}
	if runID == "" {
		runID = s.opts.NewID()
	}

	ctx, span := tracing.StartSpan(ctx, "pipeline.Score",
		tracing.TenantID(tenantID), tracing.RunID(runID), tracing.Rows(len(rows)))
	defer span.End()

	reg, err := s.Registry(ctx, tenantID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "registry")
		return nil, err
	}
	span.SetAttributes(tracing.Fingerprint(reg.Fingerprint()))

	digest := Digest(rows)
	run := &domain.Run{
		ID:        runID,
		TenantID:  tenantID,
		Status:    domain.RunCompleted,
		Digest:    digest,
		CreatedAt: s.opts.Now(),
	}

	cacheable := s.opts.Results != nil && reg.Reproducible()
	var hit *domain.Run
	if cacheable {
		hit = s.lookup(ctx, tenantID, reg.Fingerprint(), digest)
	}
	if hit != nil {
		run.Report = hit.Report
		run.Assessments = hit.Assessments
		run.Cached = true
		span.SetAttributes(attribute.Bool("cache.hit", true))
	} else {
		var observer batch.Observer
		if s.opts.Metrics != nil {
			observer = s.opts.Metrics
		}
		orch, newErr := batch.New(reg, batch.Options{
			Workers:         s.opts.Workers,
			RuleWorkers:     s.opts.RuleWorkers,
			DefaultCurrency: s.opts.DefaultCurrency,
			Observer:        observer,
			Logger:          s.logger.With("tenant_id", tenantID, "run_id", runID),
			Now:             s.opts.Now,
		})
		if newErr != nil {
			return nil, newErr
		}

		result, runErr := orch.Run(ctx, rows)
		run.Report = result.Report
		run.Assessments = result.Assessments
		if runErr != nil {
			run.Status = domain.RunCancelled
			err = runErr
			span.RecordError(runErr)
			span.SetStatus(codes.Error, "cancelled")
		}
	}

	// The run is recorded even when the caller has gone away.
	detached := context.WithoutCancel(ctx)

	if s.opts.Repository != nil {
		if saveErr := s.opts.Repository.SaveRun(detached, tenantID, run); saveErr != nil {
			return run, fmt.Errorf("failed to save run: %w", saveErr)
		}
	}

	if cacheable && !run.Cached {
		if putErr := s.opts.Results.Put(detached, tenantID, run); putErr != nil {
			s.logger.Warn("failed to cache run", "run_id", runID, "error", putErr)
		}
	}

	s.publish(detached, tenantID, run, reg.Thresholds())

	return run, err
}

func (s *Service) lookup(ctx context.Context, tenantID, fingerprint, digest string) *domain.Run {
	if s.opts.Results == nil {
		return nil
	}

	hit, err := s.opts.Results.Get(ctx, tenantID, fingerprint, digest)
	if err != nil {
		s.logger.Warn("result cache lookup failed", "tenant_id", tenantID, "error", err)
		return nil
	}
	if s.opts.Metrics != nil {
		s.opts.Metrics.ObserveCacheLookup(hit != nil)
	}
	return hit
}

func (s *Service) publish(ctx context.Context, tenantID string, run *domain.Run, thresholds []domain.BandThreshold) {
	if s.opts.Bus == nil {
		return
	}

	for i := range run.Assessments {
		a := &run.Assessments[i]
		if !scoring.IsTopBand(a.Band, thresholds) {
			continue
		}
		s.emit(ctx, tenantID, domain.TopicAlert, domain.AlertMessage{
			RunID:    run.ID,
			TxID:     a.TxID,
			RowIndex: a.RowIndex,
			Score:    a.Score,
			Band:     a.Band,
			Summary:  a.Summary,
			RuleIDs:  a.TriggeredRuleIDs(),
		})
	}

	s.emit(ctx, tenantID, domain.TopicRunCompleted, domain.RunCompletedMessage{
		RunID:  run.ID,
		Status: run.Status,
		Cached: run.Cached,
		Report: run.Report,
	})
}

func (s *Service) emit(ctx context.Context, tenantID, topic string, v any) {
	if err := bus.PublishJSON(ctx, s.opts.Bus, tenantID, topic, v); err != nil {
		s.logger.Error("failed to publish event", "topic", topic, "tenant_id", tenantID, "error", err)
		if s.opts.Metrics != nil {
			s.opts.Metrics.ObservePublishError()
		}
	}
}

// Submit queues a batch for asynchronous scoring and returns its run id.
func (s *Service) Submit(ctx context.Context, tenantID string, rows []domain.TransactionRow) (string, error) {
	if s.opts.Bus == nil {
		return "", ErrNoEventBus
	}
	if s.opts.MaxRows > 0 && len(rows) > s.opts.MaxRows {
		return "", fmt.Errorf("%w: %d rows, limit %d", ErrTooManyRows, len(rows), s.opts.MaxRows)
	}

	runID := s.opts.NewID()
	msg := domain.BatchMessage{RunID: runID, Rows: rows}
	if err := bus.PublishJSON(ctx, s.opts.Bus, tenantID, domain.TopicBatchSubmitted, msg); err != nil {
		return "", err
	}
	return runID, nil
}

// GetRun returns a stored run with its assessments.
func (s *Service) GetRun(ctx context.Context, tenantID, runID string) (*domain.Run, error) {
	if s.opts.Repository == nil {
		return nil, ErrNoRepository
	}
	run, err := s.opts.Repository.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	run.Assessments, err = s.opts.Repository.ListAssessments(ctx, tenantID, runID, "")
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListAssessments returns a run's assessments, optionally for one band.
func (s *Service) ListAssessments(ctx context.Context, tenantID, runID string, band domain.Band) ([]domain.RiskAssessment, error) {
	if s.opts.Repository == nil {
		return nil, ErrNoRepository
	}
	if _, err := s.opts.Repository.GetRun(ctx, tenantID, runID); err != nil {
		return nil, err
	}
	return s.opts.Repository.ListAssessments(ctx, tenantID, runID, band)
}

// RuleView is a rule as seen by one tenant.
type RuleView struct {
	domain.RuleConfig
	Builtin bool `json:"builtin"`
}

// Rules lists the tenant's effective rules in registration order.
func (s *Service) Rules(ctx context.Context, tenantID string) ([]RuleView, error) {
	reg, err := s.Registry(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	base := make(map[string]bool, len(s.opts.BaseRules))
	for _, rc := range s.opts.BaseRules {
		base[rc.ID] = true
	}

	all := reg.All()
	out := make([]RuleView, len(all))
	for i, r := range all {
		out[i] = RuleView{RuleConfig: *r.Config(reg.IsEnabled(r.ID)), Builtin: base[r.ID]}
	}
	return out, nil
}

// Rule returns one effective rule.
func (s *Service) Rule(ctx context.Context, tenantID, ruleID string) (*RuleView, error) {
	views, err := s.Rules(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	for i := range views {
		if views[i].ID == ruleID {
			return &views[i], nil
		}
	}
	return nil, domain.ErrNotFound
}

// SaveRule validates and stores a tenant rule. A rule with the id of a base
// rule overrides it for that tenant. The resulting rule set must still be
// valid as a whole.
func (s *Service) SaveRule(ctx context.Context, tenantID string, rc *domain.RuleConfig) error {
	if s.opts.Repository == nil {
		return ErrNoRepository
	}
	if err := s.opts.Engine.ValidateRule(rc); err != nil {
		return err
	}
	stored, err := s.opts.Repository.ListRuleConfigs(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("failed to list rules: %w", err)
	}
	candidate := *rc
	candidate.TenantID = tenantID
	if _, err := rules.Load(s.opts.Engine, rules.Merge(s.opts.BaseRules, stored, []*domain.RuleConfig{&candidate}), s.opts.Scoring); err != nil {
		return err
	}

	return s.opts.Repository.SaveRuleConfig(ctx, tenantID, &candidate)
}

// SetRuleEnabled enables or disables a rule for a tenant. Toggling a base
// rule stores a tenant override of it.
func (s *Service) SetRuleEnabled(ctx context.Context, tenantID, ruleID string, enabled bool) error {
	if s.opts.Repository == nil {
		return ErrNoRepository
	}

	err := s.opts.Repository.SetRuleEnabled(ctx, tenantID, ruleID, enabled)
	if !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	for _, rc := range s.opts.BaseRules {
		if rc.ID == ruleID {
			override := *rc
			override.TenantID = tenantID
			override.Enabled = enabled
			return s.opts.Repository.SaveRuleConfig(ctx, tenantID, &override)
		}
	}
	return domain.ErrNotFound
}

// Ping checks every configured dependency.
func (s *Service) Ping(ctx context.Context) map[string]error {
	status := make(map[string]error)
	if s.opts.Repository != nil {
		status["repository"] = s.opts.Repository.Ping(ctx)
	}
	if s.opts.Bus != nil {
		status["eventbus"] = s.opts.Bus.Ping(ctx)
	}
	return status
}

// Digest identifies a batch's content independent of map ordering.
func Digest(rows []domain.TransactionRow) string {
	type field struct {
		K string `json:"k"`
		V string `json:"v"`
	}
	type row struct {
		I int     `json:"i"`
		F []field `json:"f"`
	}

	doc := make([]row, len(rows))
	for i, r := range rows {
		fs := make([]field, 0, len(r.Fields))
		for k, v := range r.Fields {
			fs = append(fs, field{K: k, V: v})
		}
		sort.Slice(fs, func(a, b int) bool { return fs[a].K < fs[b].K })
		doc[i] = row{I: r.Index, F: fs}
	}

	b, _ := json.Marshal(doc)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
