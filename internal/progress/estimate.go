package progress

import "math"

// Input is one measurement against a transfer's baseline.
type Input struct {
	Baseline      float64
	TotalExpected float64
	Day           int
	Measurement   float64
}

// Estimate is the pure result of Compute.
type Estimate struct {
	Growth  float64  `json:"growth"`
	Percent float64  `json:"percent"`
	Rate    float64  `json:"rate"`               // growth units per day
	ETADays *float64 `json:"eta_days,omitempty"` // nil while the rate is zero
}

// Compute derives growth, percent complete, rate and ETA from one
// measurement. Growth below the baseline counts as zero.
func Compute(in Input) Estimate {
	growth := math.Max(0, in.Measurement-in.Baseline)
	var percent float64
	if in.TotalExpected > 0 {
		percent = clamp(growth/in.TotalExpected*100, 0, 100)
	}
	days := math.Max(1, float64(in.Day))
	rate := growth / days

	est := Estimate{Growth: growth, Percent: percent, Rate: rate}
	if rate > 0 {
		eta := math.Max(0, in.TotalExpected-growth) / rate
		est.ETADays = &eta
	}
	return est
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}

// Round1 rounds to one decimal place for display.
func Round1(v float64) float64 {
	return math.Round(v*10) / 10
}
