package rules

import "github.com/opensource-finance/merlin/internal/domain"

// BuiltinRules returns the standard override rules in execution order.
//
// The three device-group rules short-circuit each other, so the unusual-hour
// rule can only fire for a known device.
func BuiltinRules() []domain.RuleConfig {
	return []domain.RuleConfig{
		{
			ID:          domain.RuleVelocityCount,
			Description: "Burst of transactions within the velocity window",
			Expression:  "velocity_count > velocity_count_threshold",
			Floor:       0.85,
			Label:       "High Transaction Velocity (" + domain.VelocityCountLabelToken + "/" + domain.VelocityWindowLabelToken + ")",
			Impact:      0.45,
		},
		{
			ID:          domain.RuleVelocityAmount,
			Description: "Total amount within the velocity window is too high",
			Expression:  "velocity_amount > velocity_amount_threshold",
			Floor:       0.75,
			Label:       "High Amount Velocity",
			Impact:      0.35,
		},
		{
			ID:          domain.RuleUnknownDeviceRisk,
			Description: "Unrecognized device combined with elevated risk or a high amount",
			Expression:  "!device_known && (score > 0.4 || amount > high_amount)",
			Floor:       0.95,
			Label:       "Unknown Device + High Risk",
			Impact:      0.50,
			Group:       domain.RuleGroupDevice,
		},
		{
			ID:          domain.RuleUnknownDevice,
			Description: "Unrecognized device, step-up verification",
			Expression:  "!device_known",
			Floor:       0.6,
			Label:       "New Device (step-up verification required)",
			Impact:      0.30,
			Group:       domain.RuleGroupDevice,
		},
		{
			ID:          domain.RuleUnusualHourAmount,
			Description: "High amount during the unusual-hour window",
			Expression:  "amount > high_amount && unusual_hour",
			Floor:       0.6,
			Label:       "Unusual Hour + High Amount",
			Impact:      0.40,
			Group:       domain.RuleGroupDevice,
		},
	}
}
