// Copyright 2025 James Ross
package pipeline

import (
	"time"

	"github.com/flyingrobots/lifestream/internal/obs"
)

// timeStage runs fn and records its wall-clock in timings[stage] in
// milliseconds, on success and on failure alike.
func timeStage(stage string, timings map[string]int64, fn func() error) error {
	start := time.Now()
	err := fn()
	elapsed := time.Since(start)
	timings[stage] = elapsed.Milliseconds()
	obs.StageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
	return err
}
