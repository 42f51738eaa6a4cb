package scoring

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGridScout_Scoring_Readiness_BandEdges(t *testing.T) {
	t.Parallel()

	// population 100k makes the density equal to the weighted count.
	const pop = 100_000

	tests := []struct {
		name     string
		weighted float64
		want     int
	}{
		{"zero density", 0, 0},
		{"bottom band midpoint", 4, 13},  // 4/8*25 = 12.5
		{"T5 edge", 8, 25},
		{"T4 edge", 15, 40},
		{"T3 edge", 25, 55},
		{"T2 edge", 40, 70},
		{"T1 edge", 60, 80},
		{"saturated", 100, 100}, // 80 + (100-60)/40*20 = 100
		{"beyond saturation", 500, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, Readiness(tt.weighted, pop, nil, false))
		})
	}
}

func TestGridScout_Scoring_Readiness_PortWeightedThresholds(t *testing.T) {
	t.Parallel()

	const pop = 100_000
	// Port densities use the {200, 120, 75, 40, 20} thresholds.
	require.Equal(t, 25, Readiness(20, pop, nil, true))
	require.Equal(t, 40, Readiness(40, pop, nil, true))
	require.Equal(t, 55, Readiness(75, pop, nil, true))
	require.Equal(t, 70, Readiness(120, pop, nil, true))
	require.Equal(t, 80, Readiness(200, pop, nil, true))
}

func TestGridScout_Scoring_Readiness_DemandAndDensityBlend(t *testing.T) {
	t.Parallel()

	// weighted 60 over 100k residents sits exactly on the top threshold.
	require.Equal(t, 80, Readiness(60, 100_000, nil, false))

	// Daily VMT per capita of 50 doubles demand, halving the effective
	// density to 30, which lands in the 55..70 band at exactly 60.
	require.InDelta(t, 60.0, chargerComponent(30, chargerThresholds), 1e-9)

	// With VMT present the density component (100k/300k*100 = 33.33)
	// blends in at 30%: 0.7*60 + 0.3*33.33 = 52. The drop relative to
	// the VMT-absent score is the known discontinuity at the VMT
	// boundary, kept rather than smoothed.
	vmt := 50.0
	require.Equal(t, 52, Readiness(60, 100_000, &vmt, false))
}

func TestGridScout_Scoring_Readiness_MultiplierClamps(t *testing.T) {
	t.Parallel()

	// Below half the baseline the multiplier clamps at 0.5, doubling the
	// effective density; above twice the baseline it clamps at 2.0.
	low, high := 5.0, 500.0
	require.Equal(t, demandMultiplier(low), 0.5)
	require.Equal(t, demandMultiplier(high), 2.0)
	require.Equal(t, 1.0, demandMultiplier(25))
}

func TestGridScout_Scoring_Readiness_RangeProperty(t *testing.T) {
	t.Parallel()

	vmts := []*float64{nil, ptr(1.0), ptr(12.5), ptr(25.0), ptr(50.0), ptr(200.0)}
	for _, weighted := range []float64{0, 0.3, 1, 7.99, 8, 24, 60, 61, 500, 1e6} {
		for _, pop := range []int64{1, 500, 9_999, 10_000, 100_000, 3_000_000, 40_000_000} {
			for _, vmt := range vmts {
				for _, portWeighted := range []bool{false, true} {
					got := Readiness(weighted, pop, vmt, portWeighted)
					require.GreaterOrEqual(t, got, 0)
					require.LessOrEqual(t, got, 100)
				}
			}
		}
	}
}

func TestGridScout_Scoring_Readiness_MonotonicInWeighted(t *testing.T) {
	t.Parallel()

	vmt := 40.0
	for _, pop := range []int64{1_000, 50_000, 1_000_000} {
		prev := -1
		for weighted := 0.0; weighted <= 200; weighted += 0.5 {
			got := Readiness(weighted, pop, &vmt, false)
			require.GreaterOrEqual(t, got, prev, "population %d weighted %f", pop, weighted)
			prev = got
		}
	}
}

func TestGridScout_Scoring_Readiness_HigherDemandNeverHelps(t *testing.T) {
	t.Parallel()

	// At fixed supply, rising VMT per capita cannot raise the score.
	for _, weighted := range []float64{5, 30, 60} {
		prev := 101
		for vmt := 1.0; vmt <= 100; vmt += 1 {
			v := vmt
			got := Readiness(weighted, 100_000, &v, false)
			require.LessOrEqual(t, got, prev, "weighted %f vmt %f", weighted, vmt)
			prev = got
		}
	}
}

func TestGridScout_Scoring_Opportunity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		total int
		pop   int64
		vmt   *float64
		want  int
	}{
		{"tiny population capped", 0, 5_000, nil, 13},          // min(25, 0.5*25)
		{"tiny population nonzero chargers", 50, 9_999, nil, 25},
		{"no coverage", 0, 100_000, nil, 84},                   // 80 + 1/5*20
		{"sparse", 5, 100_000, nil, 84},                        // d = 5
		{"moderate", 15, 100_000, nil, 60},                     // d = 15
		{"dense", 30, 100_000, nil, 40},                        // d = 30
		{"very dense", 50, 100_000, nil, 20},                   // d = 50
		{"saturated", 60, 100_000, nil, 0},                     // d = 60
		{"demand doubles", 30, 100_000, ptr(50.0), 80},         // 40 * 2.0
		{"low demand halves", 30, 100_000, ptr(5.0), 20},       // 40 * 0.5
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, Opportunity(tt.total, tt.pop, tt.vmt))
		})
	}
}

func TestGridScout_Scoring_Need(t *testing.T) {
	t.Parallel()

	require.Equal(t, 12, Need(100_000, 0))       // 10 + 2
	require.Equal(t, 0, Need(100_000, 3))        // 12 - 15 clamps at 0
	require.Equal(t, 100, Need(1_000_000, 0))    // 100 + 20 clamps at 100
	require.Equal(t, 0, Need(0, 0))
}

func TestGridScout_Scoring_Weighted(t *testing.T) {
	t.Parallel()

	require.InDelta(t, 0, Weighted(0, 0, 0), 1e-9)
	require.InDelta(t, 5.3, Weighted(2, 3, 4), 1e-9) // 2 + 2.1 + 1.2
	require.InDelta(t, 1.0, Weighted(1, 0, 0), 1e-9)
	require.InDelta(t, 0.7, Weighted(0, 1, 0), 1e-9)
	require.InDelta(t, 0.3, Weighted(0, 0, 1), 1e-9)
}

func ptr(v float64) *float64 { return &v }
