// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/opensource-finance/chainguard/internal/domain"
)

var (
	ErrNotFound     = domain.ErrNotFound
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with SQLite and with PostgreSQL through lib/pq or pgx.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres", "pgx":
		db, err = openPostgres(cfg.Driver, cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.SQLitePath != MemoryPath || cfg.Driver != "sqlite" {
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		}
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveRuleConfig stores a rule definition with tenant isolation.
// Saving an existing id replaces the stored definition.
func (r *SQLRepository) SaveRuleConfig(ctx context.Context, tenantID string, rule *domain.RuleConfig) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if rule == nil || rule.ID == "" {
		return fmt.Errorf("%w: rule id is required", ErrInvalidInput)
	}

	requires, err := json.Marshal(nonNil(rule.Requires))
	if err != nil {
		return fmt.Errorf("failed to encode requires: %w", err)
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO rule_configs (
			id, tenant_id, name, description, category, version, expression, requires, weight, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			category = excluded.category,
			version = excluded.version,
			expression = excluded.expression,
			requires = excluded.requires,
			weight = excluded.weight,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Name, rule.Description, rule.Category,
		rule.Version, rule.Expression, string(requires), rule.Weight, boolToInt(rule.Enabled),
		now, now,
	)
	return err
}

const ruleColumns = `id, tenant_id, name, description, category, version, expression, requires, weight, enabled`

// GetRuleConfig retrieves a rule definition with tenant isolation.
func (r *SQLRepository) GetRuleConfig(ctx context.Context, tenantID string, ruleID string) (*domain.RuleConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + ruleColumns + ` FROM rule_configs WHERE tenant_id = ? AND id = ?`

	cfg, err := scanRule(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// ListRuleConfigs retrieves every stored rule definition for a tenant,
// disabled ones included, in the order they were first stored.
func (r *SQLRepository) ListRuleConfigs(ctx context.Context, tenantID string) ([]*domain.RuleConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + ruleColumns + ` FROM rule_configs WHERE tenant_id = ? ORDER BY created_at, id`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*domain.RuleConfig
	for rows.Next() {
		cfg, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}

	return configs, rows.Err()
}

// SetRuleEnabled toggles a stored rule.
func (r *SQLRepository) SetRuleEnabled(ctx context.Context, tenantID string, ruleID string, enabled bool) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `UPDATE rule_configs SET enabled = ?, updated_at = ? WHERE tenant_id = ? AND id = ?`

	result, err := r.db.ExecContext(ctx, r.rebind(query), boolToInt(enabled), time.Now().UTC(), tenantID, ruleID)
	if err != nil {
		return err
	}

	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*domain.RuleConfig, error) {
	var cfg domain.RuleConfig
	var description sql.NullString
	var requires string
	var enabled int

	if err := row.Scan(
		&cfg.ID, &cfg.TenantID, &cfg.Name, &description, &cfg.Category,
		&cfg.Version, &cfg.Expression, &requires, &cfg.Weight, &enabled,
	); err != nil {
		return nil, err
	}

	cfg.Description = description.String
	cfg.Enabled = enabled == 1
	if err := json.Unmarshal([]byte(requires), &cfg.Requires); err != nil {
		return nil, fmt.Errorf("failed to parse requires for rule %s: %w", cfg.ID, err)
	}
	if len(cfg.Requires) == 0 {
		cfg.Requires = nil
	}
	return &cfg, nil
}

// SaveRun stores a run and its assessments in one transaction.
func (r *SQLRepository) SaveRun(ctx context.Context, tenantID string, run *domain.Run) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if run == nil || run.ID == "" {
		return fmt.Errorf("%w: run id is required", ErrInvalidInput)
	}

	report, err := json.Marshal(run.Report)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer dbTx.Rollback()

	runQuery := `
		INSERT INTO runs (
			id, tenant_id, status, digest, fingerprint, total, processed, skipped, report, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := dbTx.ExecContext(ctx, r.rebind(runQuery),
		run.ID, tenantID, string(run.Status), run.Digest, run.Report.Fingerprint,
		run.Report.Total, run.Report.Processed, run.Report.Skipped,
		string(report), run.CreatedAt.UTC(),
	); err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	stmt, err := dbTx.PrepareContext(ctx, r.rebind(`
		INSERT INTO assessments (
			run_id, tenant_id, row_index, tx_id, score, raw_score, band, trace, clamps, warnings, summary, evaluated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range run.Assessments {
		a := &run.Assessments[i]
		trace, _ := json.Marshal(a.Trace)
		clamps, _ := json.Marshal(a.Clamps)
		warnings, _ := json.Marshal(a.Warnings)

		if _, err := stmt.ExecContext(ctx,
			run.ID, tenantID, a.RowIndex, a.TxID, a.Score, a.RawScore, string(a.Band),
			string(trace), string(clamps), string(warnings), a.Summary, a.EvaluatedAt.UTC(),
		); err != nil {
			return fmt.Errorf("failed to insert assessment for row %d: %w", a.RowIndex, err)
		}
	}

	return dbTx.Commit()
}

// GetRun retrieves a run and its report. Assessments are loaded separately.
func (r *SQLRepository) GetRun(ctx context.Context, tenantID string, runID string) (*domain.Run, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, status, digest, report, created_at
		FROM runs
		WHERE tenant_id = ? AND id = ?
	`

	var run domain.Run
	var status, report string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, runID).Scan(
		&run.ID, &run.TenantID, &status, &run.Digest, &report, &run.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	run.Status = domain.RunStatus(status)
	if err := json.Unmarshal([]byte(report), &run.Report); err != nil {
		return nil, fmt.Errorf("failed to parse report for run %s: %w", run.ID, err)
	}

	return &run, nil
}

// ListAssessments returns the assessments of a run in row order,
// optionally restricted to one band.
func (r *SQLRepository) ListAssessments(ctx context.Context, tenantID string, runID string, band domain.Band) ([]domain.RiskAssessment, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	q := sq.Select("row_index", "tx_id", "score", "raw_score", "band", "trace", "clamps", "warnings", "summary", "evaluated_at").
		From("assessments").
		Where(sq.Eq{"tenant_id": tenantID, "run_id": runID}).
		OrderBy("row_index").
		PlaceholderFormat(r.placeholders())
	if band != "" {
		q = q.Where(sq.Eq{"band": string(band)})
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	assessments := make([]domain.RiskAssessment, 0)
	for rows.Next() {
		var a domain.RiskAssessment
		var bandName, trace string
		var clamps, warnings sql.NullString

		if err := rows.Scan(
			&a.RowIndex, &a.TxID, &a.Score, &a.RawScore, &bandName,
			&trace, &clamps, &warnings, &a.Summary, &a.EvaluatedAt,
		); err != nil {
			return nil, err
		}

		a.Band = domain.Band(bandName)
		if err := json.Unmarshal([]byte(trace), &a.Trace); err != nil {
			return nil, fmt.Errorf("failed to parse trace for row %d: %w", a.RowIndex, err)
		}
		if clamps.Valid {
			json.Unmarshal([]byte(clamps.String), &a.Clamps)
		}
		if warnings.Valid {
			json.Unmarshal([]byte(warnings.String), &a.Warnings)
		}
		assessments = append(assessments, a)
	}

	return assessments, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL drivers.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" && r.driver != "pgx" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// placeholders returns the squirrel placeholder style for the driver.
func (r *SQLRepository) placeholders() sq.PlaceholderFormat {
	if r.driver == "postgres" || r.driver == "pgx" {
		return sq.Dollar
	}
	return sq.Question
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

var _ domain.Repository = (*SQLRepository)(nil)
