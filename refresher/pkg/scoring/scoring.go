// Package scoring computes the readiness, opportunity, and need scores
// attached to every region aggregate. All functions are pure; callers
// supply the already-accumulated charger counts and population.
package scoring

import "math"

// Level weights for the readiness density. DC fast carries full weight,
// slower levels progressively less.
const (
	WeightDCFast = 1.0
	WeightLevel2 = 0.7
	WeightLevel1 = 0.3
)

// Density thresholds per 100k residents, highest first. The port-weighted
// variant applies when the caller scores ports instead of stations.
var (
	chargerThresholds = [5]float64{60, 40, 25, 15, 8}
	portThresholds    = [5]float64{200, 120, 75, 40, 20}
)

// vmtBaseline is daily VMT per capita considered neutral demand. Regions
// above it see their effective charger density discounted, below it
// boosted, clamped to [0.5, 2.0].
const vmtBaseline = 25.0

// Weighted folds per-level charger counts into the level-weighted count
// used by Readiness.
func Weighted(dcfast, level2, level1 int) float64 {
	return WeightDCFast*float64(dcfast) + WeightLevel2*float64(level2) + WeightLevel1*float64(level1)
}

// Readiness returns the EV infrastructure readiness score in [0, 100].
//
// The weighted charger count is converted to a density per 100k
// residents, discounted by traffic demand when vmt (daily VMT per
// capita) is known, and mapped through a piecewise band function. When
// vmt is present a population-density component is blended in at 30%.
// portWeighted selects the higher thresholds used for port-based
// densities.
func Readiness(weighted float64, population int64, vmt *float64, portWeighted bool) int {
	if population <= 0 {
		return 0
	}

	d := weighted / float64(population) * 100_000
	if vmt != nil {
		d /= demandMultiplier(*vmt)
	}

	thresholds := chargerThresholds
	if portWeighted {
		thresholds = portThresholds
	}
	charger := chargerComponent(d, thresholds)

	score := charger
	if vmt != nil {
		density := math.Min(float64(population)/300_000*100, 100)
		score = 0.7*charger + 0.3*density
	}

	return clampRound(score)
}

// chargerComponent maps a demand-adjusted density onto the 0..100 band
// structure. Bands below T1 interpolate linearly between their edges;
// at and above T1 the score saturates toward 100.
func chargerComponent(d float64, t [5]float64) float64 {
	t1, t2, t3, t4, t5 := t[0], t[1], t[2], t[3], t[4]
	switch {
	case d >= t1:
		return 80 + math.Min((d-t1)/(t1*2.0/3.0)*20, 20)
	case d >= t2:
		return 70 + (d-t2)/(t1-t2)*10
	case d >= t3:
		return 55 + (d-t3)/(t2-t3)*15
	case d >= t4:
		return 40 + (d-t4)/(t3-t4)*15
	case d >= t5:
		return 25 + (d-t5)/(t4-t5)*15
	default:
		return d / t5 * 25
	}
}

// Opportunity returns the build-out opportunity score in [0, 100].
// Sparse coverage relative to population scores high; tiny populations
// are capped at 25 regardless of coverage.
func Opportunity(total int, population int64, vmt *float64) int {
	if population <= 0 {
		return 0
	}
	if population < 10_000 {
		return clampRound(math.Min(25, float64(population)/10_000*25))
	}

	d := float64(total) / float64(population) * 100_000
	m := 1.0
	if vmt != nil {
		m = demandMultiplier(*vmt)
	}

	var score float64
	switch {
	case d <= 5:
		score = 80 + math.Min(float64(population)/100_000/5*20, 20)
	case d <= 15:
		score = 60 + (15-d)/10*20
	case d <= 30:
		score = 40 + (30-d)/15*20
	case d <= 50:
		score = 20 + (50-d)/20*20
	default:
		score = math.Max(0, 20-(d-50)/10*20)
	}

	return clampRound(score * m)
}

// Need is the legacy need score retained for serving-schema
// compatibility.
func Need(population int64, chargerCount int) int {
	score := float64(population)/10_000 + float64(population)/100_000*2 - float64(chargerCount)*5
	return clampRound(score)
}

func demandMultiplier(vmt float64) float64 {
	m := vmt / vmtBaseline
	if m < 0.5 {
		return 0.5
	}
	if m > 2.0 {
		return 2.0
	}
	return m
}

func clampRound(v float64) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return int(math.Round(v))
}
