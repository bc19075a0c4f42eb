// Package config loads ChainGuard configuration from an optional YAML, JSON
// or TOML file, a .env file and the environment.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	"github.com/opensource-finance/chainguard/internal/domain"
	"github.com/opensource-finance/chainguard/internal/rules"
)

// EnvConfigFile names the environment variable pointing at a config file.
const EnvConfigFile = "CHAINGUARD_CONFIG"

// Load reads configuration. Values from a .env file in the working directory
// are exported first; if CHAINGUARD_CONFIG names a file it is read and the
// environment overrides it.
func Load() (*domain.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	var cfg domain.Config
	if path := os.Getenv(EnvConfigFile); path != "" {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("config error: %w", err)
		}
		return &cfg, nil
	}

	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("env read error: %w", err)
	}
	return &cfg, nil
}

// Usage returns the description of every supported environment variable.
func Usage() string {
	var cfg domain.Config
	text, err := cleanenv.GetDescription(&cfg, nil)
	if err != nil {
		return err.Error()
	}
	return text
}

// ParseBands parses "Name:min" pairs such as "Low:0,Medium:31,High:71".
// An empty string selects the default bands. Ordering is checked by the
// registry, not here.
func ParseBands(s string) ([]domain.BandThreshold, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return domain.DefaultThresholds(), nil
	}

	var out []domain.BandThreshold
	for _, part := range strings.Split(s, ",") {
		name, min, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			return nil, fmt.Errorf("%w: band %q is not Name:min", rules.ErrInvalidThresholds, part)
		}
		n, err := strconv.Atoi(strings.TrimSpace(min))
		if err != nil {
			return nil, fmt.Errorf("%w: band %q has a non-integer minimum", rules.ErrInvalidThresholds, part)
		}
		out = append(out, domain.BandThreshold{Band: domain.Band(strings.TrimSpace(name)), Min: n})
	}
	return out, nil
}

// ScoringRules converts scoring settings into a registry configuration.
func ScoringRules(sc domain.ScoringConfig) (rules.Config, error) {
	bands, err := ParseBands(sc.Bands)
	if err != nil {
		return rules.Config{}, err
	}
	return rules.Config{
		Thresholds:   bands,
		CategoryCaps: sc.CategoryCaps,
		Disabled:     sc.Disabled,
	}, nil
}

// fileRule mirrors domain.RuleConfig with an optional enabled flag.
type fileRule struct {
	domain.RuleConfig
	Enabled *bool `json:"enabled"`
}

// ReadRules decodes a JSON array of rule definitions. Rules without an
// explicit "enabled" field are enabled.
func ReadRules(r io.Reader) ([]*domain.RuleConfig, error) {
	var raw []fileRule
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode rules: %w", err)
	}

	out := make([]*domain.RuleConfig, len(raw))
	for i := range raw {
		rc := raw[i].RuleConfig
		rc.Enabled = raw[i].Enabled == nil || *raw[i].Enabled
		out[i] = &rc
	}
	return out, nil
}

// LoadRulesFile reads rule definitions from path. An empty path yields none.
func LoadRulesFile(path string) ([]*domain.RuleConfig, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open rules file: %w", err)
	}
	defer f.Close()
	return ReadRules(f)
}
