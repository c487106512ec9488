package wizard

import (
	"context"
	"time"
)

// Stage labels shown while a calculation is in flight. The animation is
// deterministic: it advances on a fixed cadence regardless of how long the
// real request takes.
var Stages = []string{
	"validating bills",
	"consulting tariff indexes",
	"computing compensation",
	"preparing summary",
}

// DefaultStageCadence is how long each stage is displayed.
const DefaultStageCadence = 900 * time.Millisecond

// stageRunner plays the stage sequence once and closes done. The result step
// is only entered after both this animation and the real response complete.
type stageRunner struct {
	cadence time.Duration
	onStage func(name string)
}

func (r *stageRunner) run(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(r.cadence)
		defer ticker.Stop()

		for _, name := range Stages {
			if r.onStage != nil {
				r.onStage(name)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return done
}
