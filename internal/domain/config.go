package domain

import "time"

// Config holds the complete ChainGuard configuration.
type Config struct {
	// Server settings
	Server ServerConfig `yaml:"server" json:"server"`

	// Scoring run settings
	Scoring ScoringConfig `yaml:"scoring" json:"scoring"`

	// Component configurations
	Repository RepositoryConfig `yaml:"repository" json:"repository"`
	Cache      CacheConfig      `yaml:"cache" json:"cache"`
	EventBus   EventBusConfig   `yaml:"eventBus" json:"eventBus"`
	Worker     WorkerConfig     `yaml:"worker" json:"worker"`

	// Observability
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string        `yaml:"host" json:"host" env:"CHAINGUARD_HOST" env-default:"0.0.0.0"`
	Port         int           `yaml:"port" json:"port" env:"CHAINGUARD_PORT" env-default:"8080"`
	ReadTimeout  time.Duration `yaml:"readTimeout" json:"readTimeout" env:"CHAINGUARD_READ_TIMEOUT" env-default:"30s"`
	WriteTimeout time.Duration `yaml:"writeTimeout" json:"writeTimeout" env:"CHAINGUARD_WRITE_TIMEOUT" env-default:"60s"`

	// Upper bound on the rows accepted by one synchronous run
	MaxBatchRows int `yaml:"maxBatchRows" json:"maxBatchRows" env:"CHAINGUARD_MAX_BATCH_ROWS" env-default:"100000"`
}

// ScoringConfig holds per-run scoring settings. They are fixed for the
// lifetime of a registry and feed its fingerprint.
type ScoringConfig struct {
	// Bands as "Name:min" pairs in ascending order, e.g. "Low:0,Medium:31,High:71"
	Bands string `yaml:"bands" json:"bands" env:"CHAINGUARD_BANDS" env-default:"Low:0,Medium:31,High:71"`

	// Per-category cap on summed contributions
	CategoryCaps map[string]int `yaml:"categoryCaps" json:"categoryCaps" env:"CHAINGUARD_CATEGORY_CAPS" env-separator:","`

	// Rule ids excluded from scoring
	Disabled []string `yaml:"disabled" json:"disabled" env:"CHAINGUARD_DISABLED_RULES" env-separator:","`

	// Optional JSON file of additional CEL rules
	RulesFile string `yaml:"rulesFile" json:"rulesFile" env:"CHAINGUARD_RULES_FILE"`

	// Worker pool bounds
	Workers     int `yaml:"workers" json:"workers" env:"CHAINGUARD_WORKERS" env-default:"0"` // 0 = GOMAXPROCS
	RuleWorkers int `yaml:"ruleWorkers" json:"ruleWorkers" env:"CHAINGUARD_RULE_WORKERS" env-default:"1"`

	// Currency assumed for rows without one; empty makes currency mandatory
	DefaultCurrency string `yaml:"defaultCurrency" json:"defaultCurrency" env:"CHAINGUARD_DEFAULT_CURRENCY"`
}

// WorkerConfig holds async worker settings. The worker only runs when
// Tenants is non-empty.
type WorkerConfig struct {
	Tenants     []string `yaml:"tenants" json:"tenants" env:"CHAINGUARD_TENANTS" env-separator:","`
	Concurrency int      `yaml:"concurrency" json:"concurrency" env:"CHAINGUARD_WORKER_CONCURRENCY" env-default:"2"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" env:"CHAINGUARD_LOG_LEVEL" env-default:"info"`   // debug, info, warn, error
	Format string `yaml:"format" json:"format" env:"CHAINGUARD_LOG_FORMAT" env-default:"json"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled" env:"CHAINGUARD_TRACING" env-default:"false"`
	ServiceName string `yaml:"serviceName" json:"serviceName" env:"CHAINGUARD_SERVICE_NAME" env-default:"chainguard"`
	Endpoint    string `yaml:"endpoint" json:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT" env-default:"localhost:4317"`
	Insecure    bool   `yaml:"insecure" json:"insecure" env:"CHAINGUARD_OTLP_INSECURE" env-default:"true"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled" env:"CHAINGUARD_METRICS" env-default:"true"`
	Namespace string `yaml:"namespace" json:"namespace" env:"CHAINGUARD_METRICS_NAMESPACE" env-default:"chainguard"`
}
