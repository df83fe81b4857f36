package worker

import (
	"agentq/internal/domain"
	"agentq/internal/ports"
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// SimulatedKey marks a result produced by the simulator instead of a worker.
const SimulatedKey = "simulated"

var simulationSteps = []string{
	"Planner: breaking down steps...",
	"Research: consulting AlgoKit docs...",
	"Coding: creating AlgoKit project and writing contract...",
	"Testing: running unit tests...",
	"Deployment: deploying to LocalNet...",
}

// Simulator stands in for the worker when its runtime cannot be started.
type Simulator struct {
	Registry ports.Registry
	Step     time.Duration
}

func (s Simulator) Run(ctx context.Context, taskID string) {
	s.Registry.AppendLog(taskID, "Worker runtime not available. Running local simulation...")

	for _, msg := range simulationSteps {
		s.Registry.AppendLog(taskID, msg)
		if sleep(ctx, s.Step) != nil {
			s.Registry.SetError(taskID, "Simulation interrupted: "+context.Cause(ctx).Error())
			return
		}
	}

	s.Registry.SetResult(taskID, SimulatedResult())
	s.Registry.UpdateStatus(taskID, domain.StatusCompleted)
	s.Registry.AppendLog(taskID, "Simulation complete.")
	log.Ctx(ctx).Info().Msg("task completed (simulation)")
}

func SimulatedResult() domain.Result {
	return domain.Result{
		"app_id":     "12345",
		"message":    "Simulated deployment complete (worker runtime not available)",
		"note":       "This is a simulation. Install the worker runtime to run real deployments.",
		SimulatedKey: true,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
