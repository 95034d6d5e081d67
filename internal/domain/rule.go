package domain

// RuleConfig defines one domain override rule.
//
// Expression is a CEL boolean over the rule variables (score, amount, hour,
// device_known, unusual_hour, velocity_count, velocity_amount, ...). When it
// evaluates to true the running score is raised to at least Floor and the
// factor {Label, Impact} is attached.
type RuleConfig struct {
	ID          string `yaml:"id" json:"id" validate:"required"`
	Description string `yaml:"description" json:"description,omitempty"`

	// CEL expression to evaluate
	Expression string `yaml:"expression" json:"expression" validate:"required"`

	// Score floor applied when the rule fires
	Floor float64 `yaml:"floor" json:"floor" validate:"gte=0,lte=1"`

	// Factor attached when the rule fires. Label may reference
	// {velocity_count} which is replaced with the observed count.
	Label  string  `yaml:"label" json:"label" validate:"required"`
	Impact float64 `yaml:"impact" json:"impact"`

	// Group names a short-circuit group: at most one rule of a group fires,
	// the first in order whose expression holds.
	Group string `yaml:"group" json:"group,omitempty"`

	// Disabled rules are skipped at load time
	Disabled bool `yaml:"disabled" json:"disabled,omitempty"`
}

// RuleHit records a rule that fired during one evaluation.
type RuleHit struct {
	RuleID      string  `json:"ruleId"`
	Floor       float64 `json:"floor"`
	ScoreBefore float64 `json:"scoreBefore"`
	ScoreAfter  float64 `json:"scoreAfter"`
}

// Predefined rule IDs for the built-in rules.
const (
	RuleVelocityCount       = "velocity-count"
	RuleVelocityAmount      = "velocity-amount"
	RuleUnknownDeviceRisk   = "unknown-device-high-risk"
	RuleUnknownDevice       = "unknown-device"
	RuleUnusualHourAmount   = "unusual-hour-high-amount"
	RuleGroupDevice         = "device"

	// Label tokens rendered from the velocity aggregate.
	VelocityCountLabelToken  = "{velocity_count}"
	VelocityWindowLabelToken = "{velocity_window}"
)
