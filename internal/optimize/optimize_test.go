package optimize

import (
	"testing"

	"github.com/avolkov/backtestsim/internal/metrics"
)

func sampleResult() metrics.Result {
	return metrics.Result{
		TotalReturn:    100,
		TotalReturnPct: 1,
		APR:            0.2,
		MaxDrawdownPct: -0.1,
		APRToDDRatio:   2,
		RecoveryFactor: 4,
		DealsCount:     10,
	}
}

func TestScoreSingleMetricMaxDirection(t *testing.T) {
	got, err := Score(sampleResult(), FitnessMetric{Single: "apr"}, Max)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 0.2 {
		t.Fatalf("Score() = %v, want 0.2", got)
	}
}

func TestScoreSingleMetricMinDirectionNegates(t *testing.T) {
	got, err := Score(sampleResult(), FitnessMetric{Single: "apr"}, Min)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != -0.2 {
		t.Fatalf("Score() = %v, want -0.2", got)
	}
}

func TestScoreUnknownMetricErrors(t *testing.T) {
	if _, err := Score(sampleResult(), FitnessMetric{Single: "not_a_field"}, Max); err == nil {
		t.Fatalf("expected an error for an unknown fitness metric")
	}
}

// TestCompositeNegatesDrawdownAndDealsCount is spec.md §4.10.1: a
// composite score negates max_drawdown_pct and deals_count (both are
// "more is worse" fields) before equal-weighted averaging, so the
// composite direction is consistently "higher is better".
func TestCompositeNegatesDrawdownAndDealsCount(t *testing.T) {
	result := sampleResult() // max_drawdown_pct=-0.1, deals_count=10
	got, err := Score(result, FitnessMetric{Composite: []string{"max_drawdown_pct", "deals_count"}}, Max)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// negated: -(-0.1)=0.1, -(10)=-10; average = (0.1 + -10)/2 = -4.95
	want := (0.1 - 10) / 2
	if got != want {
		t.Fatalf("Score() = %v, want %v", got, want)
	}
}

func TestCompositeOfNonNegatedFieldsIsPlainAverage(t *testing.T) {
	result := sampleResult() // apr=0.2, apr_to_dd_ratio=2
	got, err := Score(result, FitnessMetric{Composite: []string{"apr", "apr_to_dd_ratio"}}, Max)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := (0.2 + 2) / 2
	if got != want {
		t.Fatalf("Score() = %v, want %v", got, want)
	}
}

func TestCompositePropagatesFieldError(t *testing.T) {
	if _, err := Score(sampleResult(), FitnessMetric{Composite: []string{"apr", "bogus"}}, Max); err == nil {
		t.Fatalf("expected an error for an unknown composite field")
	}
}

func TestConfigThreadsDefaultsToPositive(t *testing.T) {
	cfg := Config{}
	if cfg.threads() < 1 {
		t.Fatalf("expected threads() to default to at least 1, got %d", cfg.threads())
	}
	cfg.Threads = 7
	if cfg.threads() != 7 {
		t.Fatalf("expected explicit Threads to be honored, got %d", cfg.threads())
	}
}
