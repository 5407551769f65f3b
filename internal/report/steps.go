package report

import (
	"math"

	"github.com/caio/go-tdigest/v4"

	"github.com/platformbuilds/batterystatsd/internal/stats"
)

// StepSummary describes how long each one-percent level step took.
type StepSummary struct {
	Count    int
	MedianMs int64
	P90Ms    int64
}

// SummarizeSteps builds quantiles over step durations with a t-digest.
func SummarizeSteps(steps []stats.LevelStep) StepSummary {
	if len(steps) == 0 {
		return StepSummary{}
	}
	td, err := tdigest.New()
	if err != nil {
		return StepSummary{}
	}
	n := 0
	for _, s := range steps {
		if s.DurationMs <= 0 {
			continue
		}
		if err := td.Add(float64(s.DurationMs)); err == nil {
			n++
		}
	}
	if n == 0 {
		return StepSummary{}
	}
	return StepSummary{
		Count:    n,
		MedianMs: int64(math.Round(td.Quantile(0.5))),
		P90Ms:    int64(math.Round(td.Quantile(0.9))),
	}
}

// Estimate projects the time for levels more steps at the median pace.
func (s StepSummary) Estimate(levels int) int64 {
	if s.Count == 0 || levels <= 0 {
		return 0
	}
	return s.MedianMs * int64(levels)
}
