package agentruntime

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// cronJob pairs a job's dedicated scheduler with its entry, since
// SPEC_FULL.md §9's timezone decision requires a scheduler constructed
// per-job with that job's resolved location rather than one shared
// scheduler instance for every job on a runtime.
type cronJob struct {
	scheduler *cron.Cron
}

type cronRegistry struct {
	mu   sync.Mutex
	jobs map[string]*cronJob
}

func newCronRegistry() *cronRegistry {
	return &cronRegistry{jobs: make(map[string]*cronJob)}
}

// scheduleCron registers or replaces the recurring job identified by jobID.
// Re-registering the same jobID stops the prior scheduler before starting
// the new one, so no duplicate deliveries are possible during the swap.
func (r *Runtime) scheduleCron(jobID, expression string, message Event, timezone string) error {
	loc := time.UTC
	if timezone != "" {
		resolved, err := time.LoadLocation(timezone)
		if err != nil {
			return fmt.Errorf("agentruntime: resolving cron timezone %q for job %q: %w", timezone, jobID, err)
		}
		loc = resolved
	}

	sched := cron.New(cron.WithLocation(loc))
	if _, err := sched.AddFunc(expression, func() {
		_ = r.Send(message)
	}); err != nil {
		return fmt.Errorf("agentruntime: parsing cron expression %q for job %q: %w", expression, jobID, err)
	}

	r.cron.mu.Lock()
	if prior, ok := r.cron.jobs[jobID]; ok {
		prior.scheduler.Stop()
	}
	r.cron.jobs[jobID] = &cronJob{scheduler: sched}
	r.cron.mu.Unlock()

	sched.Start()
	return nil
}

// cancelAllCron stops every scheduler owned by this runtime; called when
// the runtime stops.
func (r *Runtime) cancelAllCron() {
	r.cron.mu.Lock()
	defer r.cron.mu.Unlock()
	for id, j := range r.cron.jobs {
		j.scheduler.Stop()
		delete(r.cron.jobs, id)
	}
}
