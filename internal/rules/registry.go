package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/opensource-finance/chainguard/internal/domain"
)

// Config is the per-run scoring configuration validated with the rule set.
type Config struct {
	// Thresholds in ascending order; nil selects domain.DefaultThresholds.
	Thresholds []domain.BandThreshold

	// Caps on the summed contribution of one category. Categories without
	// an entry are uncapped.
	CategoryCaps map[string]int

	// Rule ids excluded from evaluation.
	Disabled []string
}

// Registry is an immutable, validated rule set for a scoring run.
// Enable and Disable return a new Registry and leave the receiver untouched.
type Registry struct {
	rules       []*Rule
	index       map[string]int
	disabled    map[string]bool
	thresholds  []domain.BandThreshold
	caps        map[string]int
	fingerprint string
}

// NewRegistry validates rules and configuration together. Every problem is
// reported: the returned error joins one *ConfigError per violation.
func NewRegistry(rs []*Rule, cfg Config) (*Registry, error) {
	var errs []error

	reg := &Registry{
		rules:    make([]*Rule, 0, len(rs)),
		index:    make(map[string]int, len(rs)),
		disabled: make(map[string]bool),
		caps:     make(map[string]int, len(cfg.CategoryCaps)),
	}

	for i, r := range rs {
		if r == nil {
			errs = append(errs, fieldError(fmt.Sprintf("rules[%d]", i), ErrInvalidRule, "rule is nil"))
			continue
		}
		if r.ID == "" {
			errs = append(errs, fieldError(fmt.Sprintf("rules[%d]", i), ErrInvalidRule, "rule id is empty"))
			continue
		}
		if _, dup := reg.index[r.ID]; dup {
			errs = append(errs, ruleError(r.ID, ErrDuplicateRule, "registered more than once"))
			continue
		}
		if r.Weight < 0 {
			errs = append(errs, ruleError(r.ID, ErrNegativeWeight, "weight %d", r.Weight))
		}
		if r.Predicate == nil {
			errs = append(errs, ruleError(r.ID, ErrInvalidRule, "predicate is nil"))
		}
		reg.index[r.ID] = len(reg.rules)
		reg.rules = append(reg.rules, r)
	}

	for category, limit := range cfg.CategoryCaps {
		if limit < 0 {
			errs = append(errs, fieldError("categoryCaps."+category, ErrNegativeCap, "cap %d", limit))
			continue
		}
		reg.caps[category] = limit
	}

	thresholds := cfg.Thresholds
	if thresholds == nil {
		thresholds = domain.DefaultThresholds()
	}
	if err := ValidateThresholds(thresholds); err != nil {
		errs = append(errs, err)
	}
	reg.thresholds = append([]domain.BandThreshold(nil), thresholds...)

	for _, id := range cfg.Disabled {
		if _, ok := reg.index[id]; !ok {
			errs = append(errs, ruleError(id, ErrUnknownRule, "cannot disable"))
			continue
		}
		reg.disabled[id] = true
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	reg.fingerprint = reg.computeFingerprint()
	return reg, nil
}

// Load compiles stored rule definitions and builds a Registry from them.
// Definitions stored as disabled start disabled.
func Load(engine *Engine, cfgs []*domain.RuleConfig, cfg Config) (*Registry, error) {
	var errs []error
	rs := make([]*Rule, 0, len(cfgs))
	disabled := append([]string(nil), cfg.Disabled...)

	for _, rc := range cfgs {
		r, err := engine.Compile(rc)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		rs = append(rs, r)
		if !rc.Enabled {
			disabled = append(disabled, rc.ID)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	cfg.Disabled = dedupe(disabled)
	return NewRegistry(rs, cfg)
}

// Merge layers rule definitions: a later source replaces an earlier
// definition with the same id in place, new ids are appended.
func Merge(base []*domain.RuleConfig, overrides ...[]*domain.RuleConfig) []*domain.RuleConfig {
	out := make([]*domain.RuleConfig, 0, len(base))
	pos := make(map[string]int, len(base))

	add := func(rc *domain.RuleConfig) {
		if rc == nil {
			return
		}
		if i, ok := pos[rc.ID]; ok {
			out[i] = rc
			return
		}
		pos[rc.ID] = len(out)
		out = append(out, rc)
	}

	for _, rc := range base {
		add(rc)
	}
	for _, layer := range overrides {
		for _, rc := range layer {
			add(rc)
		}
	}
	return out
}

// ValidateThresholds checks that bands start at 0, increase strictly,
// stay within the score range and have unique names.
func ValidateThresholds(ts []domain.BandThreshold) error {
	if len(ts) == 0 {
		return fieldError("thresholds", ErrInvalidThresholds, "at least one band is required")
	}
	if ts[0].Min != domain.MinScore {
		return fieldError("thresholds", ErrInvalidThresholds, "first band %q must start at %d, got %d", ts[0].Band, domain.MinScore, ts[0].Min)
	}

	seen := make(map[domain.Band]bool, len(ts))
	for i, t := range ts {
		if t.Band == "" {
			return fieldError("thresholds", ErrInvalidThresholds, "band %d has no name", i)
		}
		if seen[t.Band] {
			return fieldError("thresholds", ErrInvalidThresholds, "band %q listed twice", t.Band)
		}
		seen[t.Band] = true

		if t.Min > domain.MaxScore {
			return fieldError("thresholds", ErrInvalidThresholds, "band %q starts above %d", t.Band, domain.MaxScore)
		}
		if i > 0 && t.Min <= ts[i-1].Min {
			return fieldError("thresholds", ErrInvalidThresholds, "band %q (min %d) does not follow %q (min %d)", t.Band, t.Min, ts[i-1].Band, ts[i-1].Min)
		}
	}
	return nil
}

// Rules returns the enabled rules in registration order.
func (r *Registry) Rules() []*Rule {
	out := make([]*Rule, 0, len(r.rules))
	for _, rule := range r.rules {
		if !r.disabled[rule.ID] {
			out = append(out, rule)
		}
	}
	return out
}

// All returns every registered rule, enabled or not, in registration order.
func (r *Registry) All() []*Rule {
	return append([]*Rule(nil), r.rules...)
}

// Lookup returns a rule by id.
func (r *Registry) Lookup(id string) (*Rule, bool) {
	i, ok := r.index[id]
	if !ok {
		return nil, false
	}
	return r.rules[i], true
}

// IsEnabled reports whether a registered rule is enabled.
func (r *Registry) IsEnabled(id string) bool {
	_, ok := r.index[id]
	return ok && !r.disabled[id]
}

// Enable returns a copy of the registry with the rule enabled.
func (r *Registry) Enable(id string) (*Registry, error) {
	return r.withState(id, true)
}

// Disable returns a copy of the registry with the rule disabled.
func (r *Registry) Disable(id string) (*Registry, error) {
	return r.withState(id, false)
}

func (r *Registry) withState(id string, enabled bool) (*Registry, error) {
	if _, ok := r.index[id]; !ok {
		return nil, ruleError(id, ErrUnknownRule, "not registered")
	}

	next := &Registry{
		rules:      r.rules,
		index:      r.index,
		disabled:   make(map[string]bool, len(r.disabled)+1),
		thresholds: r.thresholds,
		caps:       r.caps,
	}
	for k, v := range r.disabled {
		next.disabled[k] = v
	}
	if enabled {
		delete(next.disabled, id)
	} else {
		next.disabled[id] = true
	}
	next.fingerprint = next.computeFingerprint()
	return next, nil
}

// Thresholds returns the band thresholds in ascending order.
func (r *Registry) Thresholds() []domain.BandThreshold {
	return append([]domain.BandThreshold(nil), r.thresholds...)
}

// CategoryCap returns the cap for a category and whether one is configured.
func (r *Registry) CategoryCap(category string) (int, bool) {
	c, ok := r.caps[category]
	return c, ok
}

// CategoryCaps returns a copy of all configured caps.
func (r *Registry) CategoryCaps() map[string]int {
	out := make(map[string]int, len(r.caps))
	for k, v := range r.caps {
		out[k] = v
	}
	return out
}

// Len returns the number of registered rules.
func (r *Registry) Len() int {
	return len(r.rules)
}

// Fingerprint identifies the rule set and configuration content. Only
// expressions are hashed, not Go predicates: when Reproducible reports
// true, two registries with equal fingerprints score every transaction
// identically.
func (r *Registry) Fingerprint() string {
	return r.fingerprint
}

// Reproducible reports whether every rule is defined by an expression,
// so the fingerprint fully determines scoring.
func (r *Registry) Reproducible() bool {
	for _, rule := range r.rules {
		if rule.Expression == "" {
			return false
		}
	}
	return true
}

type fingerprintRule struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Category   string   `json:"category"`
	Weight     int      `json:"weight"`
	Expression string   `json:"expression,omitempty"`
	Version    string   `json:"version,omitempty"`
	Requires   []string `json:"requires,omitempty"`
	Enabled    bool     `json:"enabled"`
}

func (r *Registry) computeFingerprint() string {
	doc := struct {
		Rules      []fingerprintRule      `json:"rules"`
		Thresholds []domain.BandThreshold `json:"thresholds"`
		Caps       map[string]int         `json:"caps"`
	}{
		Rules:      make([]fingerprintRule, len(r.rules)),
		Thresholds: r.thresholds,
		Caps:       r.caps,
	}
	for i, rule := range r.rules {
		requires := append([]string(nil), rule.Requires...)
		sort.Strings(requires)
		doc.Rules[i] = fingerprintRule{
			ID:         rule.ID,
			Name:       rule.Name,
			Category:   rule.Category,
			Weight:     rule.Weight,
			Expression: rule.Expression,
			Version:    rule.Version,
			Requires:   requires,
			Enabled:    !r.disabled[rule.ID],
		}
	}

	// Map keys are marshaled in sorted order, so the encoding is canonical.
	b, _ := json.Marshal(doc)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
