package rules

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/merlin/internal/domain"
)

const knownDevice = domain.DefaultKnownDevice

func testConfig() domain.RulesConfig {
	return domain.RulesConfig{
		HighAmount:              10000,
		CriticalAmount:          100000,
		VelocityCountThreshold:  5,
		VelocityAmountThreshold: 50000,
		UnusualHours:            domain.HourWindow{Start: 0, End: 5},
		KnownDevices:            []string{knownDevice},
	}
}

func newTestEngine(t *testing.T, cfg domain.RulesConfig) *Engine {
	t.Helper()
	engine, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	return engine
}

func tx(device string, amount float64, hour int) *domain.Transaction {
	return &domain.Transaction{
		SenderID:   "user-001",
		ReceiverID: "merchant-001",
		Amount:     amount,
		DeviceID:   device,
		Hour:       hour,
	}
}

func velocity(count int64, amount float64) *domain.VelocityAggregate {
	return &domain.VelocityAggregate{CountInWindow: count, AmountSumInWindow: amount, Window: time.Hour}
}

func TestEngineCreation(t *testing.T) {
	engine := newTestEngine(t, testConfig())

	if engine.RulesCount() != 5 {
		t.Errorf("expected 5 built-in rules, got %d", engine.RulesCount())
	}

	want := []string{
		domain.RuleVelocityCount,
		domain.RuleVelocityAmount,
		domain.RuleUnknownDeviceRisk,
		domain.RuleUnknownDevice,
		domain.RuleUnusualHourAmount,
	}
	for i, r := range engine.Rules() {
		if r.ID != want[i] {
			t.Errorf("rule %d: expected %s, got %s", i, want[i], r.ID)
		}
	}
}

func TestScenarios(t *testing.T) {
	engine := newTestEngine(t, testConfig())
	ctx := context.Background()

	tests := []struct {
		name      string
		score     float64
		tx        *domain.Transaction
		velocity  *domain.VelocityAggregate
		wantScore float64
		wantFired []string
		wantLabel string
	}{
		{
			name:      "KnownDeviceLowAmountNormalHour",
			score:     0.12,
			tx:        tx(knownDevice, 250, 14),
			velocity:  velocity(1, 250),
			wantScore: 0.12,
		},
		{
			name:      "UnknownDeviceLowRisk",
			score:     0.3,
			tx:        tx("aa:bb:cc:dd:ee:ff", 1200, 14),
			velocity:  velocity(1, 1200),
			wantScore: 0.6,
			wantFired: []string{domain.RuleUnknownDevice},
			wantLabel: "New Device (step-up verification required)",
		},
		{
			name:      "UnknownDeviceHighAmount",
			score:     0.2,
			tx:        tx("aa:bb:cc:dd:ee:ff", 45000, 14),
			velocity:  velocity(1, 45000),
			wantScore: 0.95,
			wantFired: []string{domain.RuleUnknownDeviceRisk},
			wantLabel: "Unknown Device + High Risk",
		},
		{
			name:      "UnknownDeviceElevatedScore",
			score:     0.45,
			tx:        tx("", 100, 14),
			velocity:  velocity(1, 100),
			wantScore: 0.95,
			wantFired: []string{domain.RuleUnknownDeviceRisk},
		},
		{
			name:      "KnownDeviceUnusualHourHighAmount",
			score:     0.2,
			tx:        tx(knownDevice, 15000, 3),
			velocity:  velocity(1, 15000),
			wantScore: 0.6,
			wantFired: []string{domain.RuleUnusualHourAmount},
			wantLabel: "Unusual Hour + High Amount",
		},
		{
			name:      "HighCountVelocity",
			score:     0.1,
			tx:        tx(knownDevice, 100, 14),
			velocity:  velocity(6, 600),
			wantScore: 0.85,
			wantFired: []string{domain.RuleVelocityCount},
			wantLabel: "High Transaction Velocity (6/hour)",
		},
		{
			name:      "HighAmountVelocity",
			score:     0.1,
			tx:        tx(knownDevice, 100, 14),
			velocity:  velocity(3, 60000),
			wantScore: 0.75,
			wantFired: []string{domain.RuleVelocityAmount},
			wantLabel: "High Amount Velocity",
		},
		{
			name:      "CountVelocityThenUnknownDevice",
			score:     0.1,
			tx:        tx("aa:bb:cc:dd:ee:ff", 100, 14),
			velocity:  velocity(6, 600),
			wantScore: 0.95,
			// velocity escalates to 0.85 first, so the device rule sees score > 0.4
			wantFired: []string{domain.RuleVelocityCount, domain.RuleUnknownDeviceRisk},
		},
		{
			name:      "VelocityUnknown",
			score:     0.1,
			tx:        tx(knownDevice, 100, 14),
			velocity:  nil,
			wantScore: 0.1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := engine.Apply(ctx, &Input{Score: tt.score, Transaction: tt.tx, Velocity: tt.velocity})
			if err != nil {
				t.Fatalf("apply failed: %v", err)
			}

			if math.Abs(out.Score-tt.wantScore) > 1e-12 {
				t.Errorf("expected score %.2f, got %.4f", tt.wantScore, out.Score)
			}

			fired := out.Fired()
			if len(fired) != len(tt.wantFired) {
				t.Fatalf("expected fired %v, got %v", tt.wantFired, fired)
			}
			for i := range fired {
				if fired[i] != tt.wantFired[i] {
					t.Errorf("expected fired %v, got %v", tt.wantFired, fired)
				}
			}

			if tt.wantLabel != "" {
				if _, ok := out.Factors.Map()[tt.wantLabel]; !ok {
					t.Errorf("expected factor %q, got %v", tt.wantLabel, out.Factors.Map())
				}
			}
		})
	}
}

func TestCountVelocityFloorRegardlessOfOtherRules(t *testing.T) {
	engine := newTestEngine(t, testConfig())
	ctx := context.Background()

	devices := []string{knownDevice, "unknown"}
	amounts := []float64{10, 15000, 200000}
	hours := []int{3, 14}

	for _, d := range devices {
		for _, a := range amounts {
			for _, h := range hours {
				out, err := engine.Apply(ctx, &Input{Score: 0, Transaction: tx(d, a, h), Velocity: velocity(6, 0)})
				if err != nil {
					t.Fatalf("apply failed: %v", err)
				}
				if out.Score < 0.85 {
					t.Errorf("device=%s amount=%.0f hour=%d: expected score >= 0.85, got %.2f", d, a, h, out.Score)
				}
			}
		}
	}
}

func TestCountVelocityLabelFollowsWindow(t *testing.T) {
	engine := newTestEngine(t, testConfig())

	out, err := engine.Apply(context.Background(), &Input{
		Score:       0.1,
		Transaction: tx(knownDevice, 100, 14),
		Velocity:    &domain.VelocityAggregate{CountInWindow: 7, Window: 30 * time.Minute},
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	want := "High Transaction Velocity (7/30m)"
	if _, ok := out.Factors.Map()[want]; !ok {
		t.Errorf("expected factor %q, got %v", want, out.Factors.Map())
	}
}

func TestUnusualHourSkippedForUnknownDevice(t *testing.T) {
	engine := newTestEngine(t, testConfig())

	out, err := engine.Apply(context.Background(), &Input{
		Score:       0.1,
		Transaction: tx("unknown", 15000, 3),
		Velocity:    velocity(1, 15000),
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	for _, id := range out.Fired() {
		if id == domain.RuleUnusualHourAmount {
			t.Error("unusual-hour rule must not fire for an unknown device")
		}
	}
	if _, ok := out.Factors.Map()["Unusual Hour + High Amount"]; ok {
		t.Error("unexpected unusual-hour factor")
	}
}

func TestUnusualHourWindowWraps(t *testing.T) {
	cfg := testConfig()
	cfg.UnusualHours = domain.HourWindow{Start: 23, End: 5}
	engine := newTestEngine(t, cfg)

	for hour, want := range map[int]float64{23: 0.6, 0: 0.6, 4: 0.6, 5: 0.1, 12: 0.1, 22: 0.1} {
		out, err := engine.Apply(context.Background(), &Input{Score: 0.1, Transaction: tx(knownDevice, 20000, hour)})
		if err != nil {
			t.Fatalf("apply failed: %v", err)
		}
		if out.Score != want {
			t.Errorf("hour %d: expected %.2f, got %.2f", hour, want, out.Score)
		}
	}
}

func TestMonotonic(t *testing.T) {
	engine := newTestEngine(t, testConfig())
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	devices := []string{knownDevice, "aa:bb", ""}
	for i := 0; i < 500; i++ {
		score := rng.Float64()
		in := &Input{
			Score:       score,
			Transaction: tx(devices[rng.Intn(len(devices))], rng.Float64()*150000, rng.Intn(24)),
			Velocity:    velocity(int64(rng.Intn(10)), rng.Float64()*80000),
		}
		out, err := engine.Apply(ctx, in)
		if err != nil {
			t.Fatalf("apply failed: %v", err)
		}
		if out.Score < score {
			t.Fatalf("score lowered from %.4f to %.4f", score, out.Score)
		}
		if out.Score > 1 {
			t.Fatalf("score above 1: %.4f", out.Score)
		}
	}
}

func TestApplyIsPure(t *testing.T) {
	engine := newTestEngine(t, testConfig())
	ctx := context.Background()

	factors := domain.Factors{{Label: "Amount", Impact: 0.2, Source: domain.FactorFromAttribution}}
	in := &Input{Score: 0.3, Transaction: tx("unknown", 1200, 10), Velocity: velocity(1, 1200), Factors: factors}

	first, err := engine.Apply(ctx, in)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	second, err := engine.Apply(ctx, in)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	if first.Score != second.Score || len(first.Factors) != len(second.Factors) {
		t.Errorf("repeated apply differs: %+v vs %+v", first, second)
	}
	if len(factors) != 1 {
		t.Errorf("input factors modified: %v", factors)
	}
}

func TestFactorOverrideByLabel(t *testing.T) {
	engine := newTestEngine(t, testConfig())

	in := &Input{
		Score:       0.3,
		Transaction: tx("unknown", 1200, 10),
		Factors: domain.Factors{
			{Label: "New Device (step-up verification required)", Impact: 0.01, Source: domain.FactorFromAttribution},
		},
	}
	out, err := engine.Apply(context.Background(), in)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	if len(out.Factors) != 1 {
		t.Fatalf("expected 1 factor, got %d", len(out.Factors))
	}
	if out.Factors[0].Impact != 0.30 || out.Factors[0].Source != domain.FactorFromRule {
		t.Errorf("expected rule factor to override, got %+v", out.Factors[0])
	}
}

func TestCustomRules(t *testing.T) {
	cfg := testConfig()
	cfg.Custom = []domain.RuleConfig{
		{
			ID:         "critical-amount",
			Expression: "amount > critical_amount",
			Floor:      0.9,
			Label:      "Critical Amount",
			Impact:     0.4,
		},
		{
			ID:         "self-transfer",
			Expression: "sender_id == receiver_id",
			Floor:      0.7,
			Label:      "Self Transfer",
			Impact:     0.2,
			Disabled:   true,
		},
	}
	engine := newTestEngine(t, cfg)

	if engine.RulesCount() != 6 {
		t.Fatalf("expected 6 rules (disabled skipped), got %d", engine.RulesCount())
	}

	out, err := engine.Apply(context.Background(), &Input{Score: 0.1, Transaction: tx(knownDevice, 250000, 14)})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if out.Score != 0.9 {
		t.Errorf("expected 0.9, got %.2f", out.Score)
	}

	// A custom rule with a lower floor never lowers the score.
	cfg.Custom = []domain.RuleConfig{{ID: "low", Expression: "true", Floor: 0.1, Label: "Always"}}
	engine = newTestEngine(t, cfg)
	out, _ = engine.Apply(context.Background(), &Input{Score: 0.5, Transaction: tx(knownDevice, 10, 14)})
	if out.Score != 0.5 {
		t.Errorf("expected 0.5, got %.2f", out.Score)
	}
}

func TestNewEngineErrors(t *testing.T) {
	tests := []struct {
		name string
		rule domain.RuleConfig
	}{
		{"InvalidCEL", domain.RuleConfig{ID: "bad", Expression: "this is not valid CEL !!!", Label: "x"}},
		{"NonBool", domain.RuleConfig{ID: "num", Expression: "amount * 2.0", Label: "x"}},
		{"UnknownVariable", domain.RuleConfig{ID: "unk", Expression: "balance > 1.0", Label: "x"}},
		{"FloorOutOfRange", domain.RuleConfig{ID: "floor", Expression: "true", Floor: 1.5, Label: "x"}},
		{"Duplicate", domain.RuleConfig{ID: domain.RuleVelocityCount, Expression: "true", Label: "x"}},
		{"MissingLabel", domain.RuleConfig{ID: "nolabel", Expression: "true"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Custom = []domain.RuleConfig{tt.rule}
			_, err := NewEngine(cfg)
			if !errors.Is(err, domain.ErrConfiguration) {
				t.Errorf("expected configuration error, got %v", err)
			}
		})
	}
}

func TestEvaluationErrorSkipsRule(t *testing.T) {
	cfg := testConfig()
	cfg.Custom = []domain.RuleConfig{{
		ID:         "metadata-flag",
		Expression: "metadata['risky'] == true",
		Floor:      0.9,
		Label:      "Risky Metadata",
	}}
	engine := newTestEngine(t, cfg)

	// Missing key is an evaluation error; the rule is skipped.
	out, err := engine.Apply(context.Background(), &Input{Score: 0.2, Transaction: tx(knownDevice, 10, 14)})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if out.Score != 0.2 {
		t.Errorf("expected 0.2, got %.2f", out.Score)
	}

	withMeta := tx(knownDevice, 10, 14)
	withMeta.Metadata = map[string]any{"risky": true}
	out, _ = engine.Apply(context.Background(), &Input{Score: 0.2, Transaction: withMeta})
	if out.Score != 0.9 {
		t.Errorf("expected 0.9, got %.2f", out.Score)
	}
}

func TestApplyInvalidInput(t *testing.T) {
	engine := newTestEngine(t, testConfig())

	if _, err := engine.Apply(context.Background(), &Input{Score: 0.1}); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("expected invalid request, got %v", err)
	}
	if _, err := engine.Apply(context.Background(), nil); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("expected invalid request, got %v", err)
	}
}

func TestConcurrentApply(t *testing.T) {
	engine := newTestEngine(t, testConfig())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			device := knownDevice
			if i%2 == 0 {
				device = "unknown"
			}
			out, err := engine.Apply(context.Background(), &Input{Score: 0.3, Transaction: tx(device, 1200, 10)})
			if err != nil {
				t.Errorf("apply failed: %v", err)
				return
			}
			want := 0.3
			if i%2 == 0 {
				want = 0.6
			}
			if out.Score != want {
				t.Errorf("expected %.2f, got %.2f", want, out.Score)
			}
		}(i)
	}
	wg.Wait()
}
