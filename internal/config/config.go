// Package config loads Merlin's configuration from YAML, struct defaults and
// MERLIN_* environment variables.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/merlin/internal/domain"
)

const weightTolerance = 1e-6

var validate = validator.New()

// Load reads the YAML file at path and layers defaults and environment
// overrides on top. An empty path loads defaults and environment only.
// Every failure wraps domain.ErrConfiguration.
func Load(path string) (*domain.Config, error) {
	// .env is optional and only used for local development.
	_ = godotenv.Load()

	cfg := &domain.Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("%w: apply defaults: %w", domain.ErrConfiguration, err)
	}

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: read config: %w", domain.ErrConfiguration, err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("%w: parse config: %w", domain.ErrConfiguration, err)
		}
	}

	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	fillDerived(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a validated configuration built from defaults alone.
func Default() (*domain.Config, error) {
	cfg := &domain.Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("%w: apply defaults: %w", domain.ErrConfiguration, err)
	}
	fillDerived(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fillDerived sets defaults that struct tags cannot express.
func fillDerived(cfg *domain.Config) {
	if len(cfg.Features.Names) == 0 {
		cfg.Features.Names = append([]string(nil), domain.DefaultFeatureNames...)
	}
	if len(cfg.Rules.KnownDevices) == 0 {
		cfg.Rules.KnownDevices = []string{domain.DefaultKnownDevice}
	}
}

// Validate runs struct validation followed by cross-field checks.
func Validate(cfg *domain.Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fieldMessage(fe))
			}
			return fmt.Errorf("%w: %s", domain.ErrConfiguration, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %w", domain.ErrConfiguration, err)
	}

	var problems []string

	sum := cfg.Fusion.SequenceWeight + cfg.Fusion.PointwiseWeight
	if math.Abs(sum-1) > weightTolerance {
		problems = append(problems, fmt.Sprintf("fusion weights must sum to 1, got %.6f", sum))
	}

	if cfg.Features.AmountIndex >= cfg.Features.Dim() {
		problems = append(problems, fmt.Sprintf("features.amount_index %d out of range for %d features", cfg.Features.AmountIndex, cfg.Features.Dim()))
	}

	seen := make(map[string]struct{}, len(cfg.Features.Names))
	for _, n := range cfg.Features.Names {
		if _, dup := seen[n]; dup {
			problems = append(problems, fmt.Sprintf("duplicate feature name %q", n))
		}
		seen[n] = struct{}{}
	}

	if cfg.History.Backend == "redis" && cfg.History.Redis.Addr == "" {
		problems = append(problems, "history.redis.addr is required for the redis backend")
	}

	switch cfg.Scoring.Type {
	case "linear":
		if cfg.Scoring.ModelPath == "" {
			problems = append(problems, "scoring.model_path is required for the linear scorer")
		}
	case "remote":
		if cfg.Scoring.RemoteURL == "" {
			problems = append(problems, "scoring.remote_url is required for the remote scorer")
		}
	}

	if cfg.Repository.Driver == "postgres" && (cfg.Repository.PostgresHost == "" || cfg.Repository.PostgresDB == "") {
		problems = append(problems, "repository.postgres_host and postgres_db are required for postgres")
	}

	if cfg.EventBus.Type == "kafka" && len(cfg.EventBus.KafkaBrokers) == 0 {
		problems = append(problems, "bus.kafka_brokers is required for kafka")
	}

	if cfg.Worker.Enabled && cfg.EventBus.Type == "none" {
		problems = append(problems, "worker requires an event bus")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrConfiguration, strings.Join(problems, "; "))
	}
	return nil
}

func fieldMessage(fe validator.FieldError) string {
	field := fe.Namespace()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "ltfield":
		return fmt.Sprintf("%s must be less than %s", field, fe.Param())
	case "gt", "gte", "lt", "lte", "min", "max":
		return fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param())
	default:
		return fmt.Sprintf("%s failed validation: %s", field, fe.Tag())
	}
}

type lookupFunc func(string) (string, bool)

// applyEnv overrides selected settings from MERLIN_* variables.
func applyEnv(cfg *domain.Config, lookup lookupFunc) error {
	e := envReader{lookup: lookup}

	e.str("MERLIN_HTTP_HOST", &cfg.Server.Host)
	e.int("MERLIN_HTTP_PORT", &cfg.Server.Port)

	e.str("MERLIN_LOG_LEVEL", &cfg.Logging.Level)
	e.str("MERLIN_LOG_FORMAT", &cfg.Logging.Format)
	if v, ok := lookup("MERLIN_DEBUG"); ok && v == "true" {
		cfg.Logging.Level = "debug"
	}

	e.str("MERLIN_HISTORY_BACKEND", &cfg.History.Backend)
	e.bool("MERLIN_HISTORY_ENABLED", &cfg.History.Enabled)
	e.int("MERLIN_HISTORY_LOOKBACK", &cfg.History.Lookback)
	e.str("MERLIN_REDIS_ADDR", &cfg.History.Redis.Addr)
	e.str("MERLIN_REDIS_PASSWORD", &cfg.History.Redis.Password)

	e.str("MERLIN_SCORING_TYPE", &cfg.Scoring.Type)
	e.str("MERLIN_MODEL_PATH", &cfg.Scoring.ModelPath)
	e.str("MERLIN_MODEL_URL", &cfg.Scoring.RemoteURL)

	e.float("MERLIN_FLAG_THRESHOLD", &cfg.Verdict.FlagThreshold)
	e.float("MERLIN_BLOCK_THRESHOLD", &cfg.Verdict.BlockThreshold)
	e.list("MERLIN_KNOWN_DEVICES", &cfg.Rules.KnownDevices)

	e.str("MERLIN_REPOSITORY_DRIVER", &cfg.Repository.Driver)
	e.str("MERLIN_SQLITE_PATH", &cfg.Repository.SQLitePath)
	e.str("MERLIN_POSTGRES_HOST", &cfg.Repository.PostgresHost)
	e.int("MERLIN_POSTGRES_PORT", &cfg.Repository.PostgresPort)
	e.str("MERLIN_POSTGRES_USER", &cfg.Repository.PostgresUser)
	e.str("MERLIN_POSTGRES_PASSWORD", &cfg.Repository.PostgresPassword)
	e.str("MERLIN_POSTGRES_DB", &cfg.Repository.PostgresDB)

	e.str("MERLIN_BUS_TYPE", &cfg.EventBus.Type)
	e.str("MERLIN_NATS_URL", &cfg.EventBus.NATSUrl)
	e.str("MERLIN_NATS_TOKEN", &cfg.EventBus.NATSToken)
	e.list("MERLIN_KAFKA_BROKERS", &cfg.EventBus.KafkaBrokers)

	e.bool("MERLIN_WORKER_ENABLED", &cfg.Worker.Enabled)

	if v, ok := lookup("MERLIN_OTLP_ENDPOINT"); ok && v != "" {
		cfg.Tracing.Endpoint = v
		cfg.Tracing.Enabled = true
	}

	if len(e.errs) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrConfiguration, strings.Join(e.errs, "; "))
	}
	return nil
}

type envReader struct {
	lookup lookupFunc
	errs   []string
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.lookup(key); ok && v != "" {
		*dst = v
	}
}

func (e *envReader) int(key string, dst *int) {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %q is not an integer", key, v))
		return
	}
	*dst = n
}

func (e *envReader) float(key string, dst *float64) {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %q is not a number", key, v))
		return
	}
	*dst = f
}

func (e *envReader) bool(key string, dst *bool) {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %q is not a boolean", key, v))
		return
	}
	*dst = b
}

func (e *envReader) list(key string, dst *[]string) {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}
