// Package rules provides the CEL-Go based domain override engine.
//
// Rules run in a fixed order over the fused model score. A rule that matches
// raises the running score to its floor (never lowers it) and attaches a
// labeled factor. Rules sharing a group short-circuit: only the first
// matching member of a group fires.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/merlin/internal/domain"
)

// Engine evaluates the ordered rule list. It holds no per-request state and
// is safe for concurrent use.
type Engine struct {
	env   *cel.Env
	rules []*CompiledRule
	cfg   domain.RulesConfig
	known map[string]struct{}
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  domain.RuleConfig
	Program cel.Program
}

// Input is everything a rule may look at.
type Input struct {
	Score       float64
	Transaction *domain.Transaction
	Velocity    *domain.VelocityAggregate
	Factors     domain.Factors
}

// Outcome is the escalated score with the updated factor list.
type Outcome struct {
	Score   float64
	Factors domain.Factors
	Hits    []domain.RuleHit
}

// Fired returns the IDs of the rules that fired, in order.
func (o *Outcome) Fired() []string {
	ids := make([]string, len(o.Hits))
	for i, h := range o.Hits {
		ids[i] = h.RuleID
	}
	return ids
}

// NewEngine compiles the built-in rules followed by the configured custom
// rules. Any compile error is a configuration error.
func NewEngine(cfg domain.RulesConfig) (*Engine, error) {
	env, err := newEnv()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create CEL environment: %w", domain.ErrConfiguration, err)
	}

	e := &Engine{
		env:   env,
		cfg:   cfg,
		known: make(map[string]struct{}, len(cfg.KnownDevices)),
	}
	for _, d := range cfg.KnownDevices {
		e.known[strings.ToLower(strings.TrimSpace(d))] = struct{}{}
	}

	seen := make(map[string]bool)
	for _, rc := range append(BuiltinRules(), cfg.Custom...) {
		if rc.Disabled {
			continue
		}
		if seen[rc.ID] {
			return nil, fmt.Errorf("%w: duplicate rule id %q", domain.ErrConfiguration, rc.ID)
		}
		seen[rc.ID] = true

		compiled, err := e.compileRule(rc)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrConfiguration, err)
		}
		e.rules = append(e.rules, compiled)
	}

	return e, nil
}

func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("score", cel.DoubleType),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("day_of_week", cel.IntType),
		cel.Variable("latitude", cel.DoubleType),
		cel.Variable("longitude", cel.DoubleType),
		cel.Variable("sender_id", cel.StringType),
		cel.Variable("receiver_id", cel.StringType),
		cel.Variable("device_id", cel.StringType),
		cel.Variable("device_known", cel.BoolType),
		cel.Variable("unusual_hour", cel.BoolType),
		cel.Variable("velocity_count", cel.IntType),
		cel.Variable("velocity_amount", cel.DoubleType),
		cel.Variable("velocity_known", cel.BoolType),
		cel.Variable("high_amount", cel.DoubleType),
		cel.Variable("critical_amount", cel.DoubleType),
		cel.Variable("velocity_count_threshold", cel.IntType),
		cel.Variable("velocity_amount_threshold", cel.DoubleType),
		cel.Variable("metadata", cel.MapType(cel.StringType, cel.DynType)),
	)
}

// Rules returns the loaded rule configurations in execution order.
func (e *Engine) Rules() []domain.RuleConfig {
	out := make([]domain.RuleConfig, len(e.rules))
	for i, r := range e.rules {
		out[i] = r.Config
	}
	return out
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	return len(e.rules)
}

// DeviceKnown reports whether the device is on the allow-list.
func (e *Engine) DeviceKnown(deviceID string) bool {
	_, ok := e.known[strings.ToLower(strings.TrimSpace(deviceID))]
	return ok
}

// Apply runs every rule in order. The returned score is never below
// in.Score. Input factors are not modified.
func (e *Engine) Apply(ctx context.Context, in *Input) (*Outcome, error) {
	if in == nil || in.Transaction == nil {
		return nil, fmt.Errorf("%w: rule input requires a transaction", domain.ErrInvalidRequest)
	}
	if math.IsNaN(in.Score) {
		return nil, fmt.Errorf("%w: score is NaN", domain.ErrInvalidRequest)
	}

	out := &Outcome{
		Score:   in.Score,
		Factors: in.Factors.Clone(),
	}

	activation := e.activation(in)
	firedGroups := make(map[string]bool)

	for _, r := range e.rules {
		if r.Config.Group != "" && firedGroups[r.Config.Group] {
			continue
		}

		activation["score"] = out.Score
		matched, err := r.eval(activation)
		if err != nil {
			slog.Warn("rule evaluation failed, skipping",
				"rule_id", r.Config.ID,
				"error", err,
			)
			continue
		}
		if !matched {
			continue
		}

		if r.Config.Group != "" {
			firedGroups[r.Config.Group] = true
		}

		before := out.Score
		out.Score = math.Max(out.Score, r.Config.Floor)
		out.Factors = out.Factors.Upsert(domain.Factor{
			Label:  e.label(r.Config.Label, in.Velocity),
			Impact: r.Config.Impact,
			Source: domain.FactorFromRule,
		})
		out.Hits = append(out.Hits, domain.RuleHit{
			RuleID:      r.Config.ID,
			Floor:       r.Config.Floor,
			ScoreBefore: before,
			ScoreAfter:  out.Score,
		})

		slog.Debug("rule fired",
			"rule_id", r.Config.ID,
			"score_before", before,
			"score_after", out.Score,
		)
	}

	return out, nil
}

func (e *Engine) activation(in *Input) map[string]any {
	tx := in.Transaction

	var count int64
	var amount float64
	if in.Velocity != nil {
		count = in.Velocity.CountInWindow
		amount = in.Velocity.AmountSumInWindow
	}

	metadata := tx.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	return map[string]any{
		"score":                     in.Score,
		"amount":                    tx.Amount,
		"hour":                      int64(tx.Hour),
		"day_of_week":               int64(tx.DayOfWeek),
		"latitude":                  tx.Latitude,
		"longitude":                 tx.Longitude,
		"sender_id":                 tx.SenderID,
		"receiver_id":               tx.ReceiverID,
		"device_id":                 tx.DeviceID,
		"device_known":              e.DeviceKnown(tx.DeviceID),
		"unusual_hour":              e.cfg.UnusualHours.Contains(tx.Hour),
		"velocity_count":            count,
		"velocity_amount":           amount,
		"velocity_known":            in.Velocity != nil,
		"high_amount":               e.cfg.HighAmount,
		"critical_amount":           e.cfg.CriticalAmount,
		"velocity_count_threshold":  e.cfg.VelocityCountThreshold,
		"velocity_amount_threshold": e.cfg.VelocityAmountThreshold,
		"metadata":                  metadata,
	}
}

func (e *Engine) label(label string, v *domain.VelocityAggregate) string {
	if !strings.Contains(label, "{") {
		return label
	}
	var (
		count  int64
		window time.Duration
	)
	if v != nil {
		count = v.CountInWindow
		window = v.Window
	}
	return strings.NewReplacer(
		domain.VelocityCountLabelToken, strconv.FormatInt(count, 10),
		domain.VelocityWindowLabelToken, domain.WindowLabel(window),
	).Replace(label)
}

func (r *CompiledRule) eval(activation map[string]any) (bool, error) {
	val, _, err := r.Program.Eval(activation)
	if err != nil {
		return false, err
	}
	b, ok := val.(types.Bool)
	if !ok {
		return false, fmt.Errorf("rule %s returned %s, not bool", r.Config.ID, val.Type().TypeName())
	}
	return bool(b), nil
}

func (e *Engine) compileRule(cfg domain.RuleConfig) (*CompiledRule, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("rule id is required")
	}
	if cfg.Floor < 0 || cfg.Floor > 1 || math.IsNaN(cfg.Floor) {
		return nil, fmt.Errorf("rule %s: floor %v outside [0,1]", cfg.ID, cfg.Floor)
	}
	if cfg.Label == "" {
		return nil, fmt.Errorf("rule %s: label is required", cfg.ID)
	}

	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", cfg.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &CompiledRule{
		Config:  cfg,
		Program: program,
	}, nil
}
