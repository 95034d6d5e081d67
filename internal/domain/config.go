package domain

import "time"

// Config holds the complete Merlin configuration. It is loaded once at
// startup and treated as read-only for the life of the process.
type Config struct {
	// Server settings
	Server ServerConfig `yaml:"server"`

	// Feature vector contract
	Features FeaturesConfig `yaml:"features"`

	// Component configurations
	History    HistoryConfig    `yaml:"history"`
	Velocity   VelocityConfig   `yaml:"velocity"`
	Fusion     FusionConfig     `yaml:"fusion"`
	Scoring    ScoringConfig    `yaml:"scoring"`
	Rules      RulesConfig      `yaml:"rules"`
	Verdict    VerdictConfig    `yaml:"verdict"`
	Repository RepositoryConfig `yaml:"repository"`
	EventBus   EventBusConfig   `yaml:"bus"`
	Worker     WorkerConfig     `yaml:"worker"`

	// Observability
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `yaml:"host" default:"0.0.0.0"`
	Port            int           `yaml:"port" default:"8080" validate:"gte=1,lte=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" default:"10s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"10s"`
	RequestTimeout  time.Duration `yaml:"request_timeout" default:"2s"`

	// SideEffectTimeout bounds the audit log and publisher writes that
	// follow every resolved decision.
	SideEffectTimeout time.Duration `yaml:"side_effect_timeout" default:"500ms" validate:"gt=0"`
}

// FeaturesConfig fixes the length and order of every FeatureVector.
type FeaturesConfig struct {
	Names []string `yaml:"names" validate:"required,min=1,dive,required"`

	// AmountIndex is the position of the amount feature, used for amount
	// velocity.
	AmountIndex int `yaml:"amount_index" validate:"gte=0"`
}

// Dim is the expected FeatureVector length.
func (c FeaturesConfig) Dim() int {
	return len(c.Names)
}

// VelocityConfig holds the trailing window used for velocity aggregates.
type VelocityConfig struct {
	Window time.Duration `yaml:"window" default:"1h" validate:"gt=0"`
}

// FusionConfig holds the linear fusion weights and factor count.
type FusionConfig struct {
	SequenceWeight  float64 `yaml:"sequence_weight" default:"0.5" validate:"gte=0"`
	PointwiseWeight float64 `yaml:"pointwise_weight" default:"0.5" validate:"gte=0"`
	TopFactors      int     `yaml:"top_factors" default:"5" validate:"gte=1"`
}

// ScoringConfig selects the scoring capability implementation.
type ScoringConfig struct {
	// Type is "linear" (weights file) or "remote" (HTTP model server).
	Type string `yaml:"type" default:"linear" validate:"oneof=linear remote"`

	// Linear model settings
	ModelPath string `yaml:"model_path" default:"./configs/model.yaml"`

	// Remote model server settings
	RemoteURL     string        `yaml:"remote_url" default:"http://localhost:8000"`
	RemoteTimeout time.Duration `yaml:"remote_timeout" default:"500ms"`
}

// RulesConfig holds domain rule thresholds and the device allow-list.
type RulesConfig struct {
	HighAmount     float64 `yaml:"high_amount" default:"10000" validate:"gt=0,ltfield=CriticalAmount"`
	CriticalAmount float64 `yaml:"critical_amount" default:"100000" validate:"gt=0"`

	VelocityCountThreshold  int64   `yaml:"velocity_count_threshold" default:"5" validate:"gte=0"`
	VelocityAmountThreshold float64 `yaml:"velocity_amount_threshold" default:"50000" validate:"gte=0"`

	UnusualHours HourWindow `yaml:"unusual_hours"`

	KnownDevices []string `yaml:"known_devices" validate:"required,min=1,dive,required"`

	// Custom rules run after the built-in rules.
	Custom []RuleConfig `yaml:"custom" validate:"dive"`
}

// HourWindow is a [Start, End) range of hours that may wrap past midnight.
type HourWindow struct {
	Start int `yaml:"start" default:"0" validate:"gte=0,lte=23"`
	End   int `yaml:"end" default:"5" validate:"gte=0,lte=24"`
}

// Contains reports whether hour falls inside the window.
func (w HourWindow) Contains(hour int) bool {
	if w.Start == w.End {
		return false
	}
	if w.Start < w.End {
		return hour >= w.Start && hour < w.End
	}
	return hour >= w.Start || hour < w.End
}

// VerdictConfig holds the verdict thresholds. FlagThreshold must be strictly
// below BlockThreshold.
type VerdictConfig struct {
	FlagThreshold  float64 `yaml:"flag_threshold" default:"0.5" validate:"gte=0,lte=1,ltfield=BlockThreshold"`
	BlockThreshold float64 `yaml:"block_threshold" default:"0.8" validate:"gte=0,lte=1"`
}

// WorkerConfig holds async worker settings.
type WorkerConfig struct {
	Enabled     bool `yaml:"enabled"`
	Concurrency int  `yaml:"concurrency" default:"8" validate:"gte=1"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" default:"json" validate:"oneof=json text"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name" default:"merlin"`
	Endpoint    string  `yaml:"otlp_endpoint"`
	Insecure    bool    `yaml:"insecure" default:"true"`
	SampleRatio float64 `yaml:"sample_ratio" default:"1" validate:"gte=0,lte=1"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" default:"true"`
	Path    string `yaml:"path" default:"/metrics"`
}

// DefaultKnownDevice is the device registered for the demo sender.
const DefaultKnownDevice = "82:4e:8e:2a:9e:28"

// DefaultFeatureNames is the feature order produced by the reference
// preprocessing pipeline.
var DefaultFeatureNames = []string{
	"Amount",
	"Latitude",
	"Longitude",
	"Hour",
	"DayOfWeek",
	"DayOfMonth",
	"TimeDiff",
	"AmountDiff",
	"SenderUPI",
	"ReceiverUPI",
	"DeviceID",
}
