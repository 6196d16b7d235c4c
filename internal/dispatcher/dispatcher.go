// Package dispatcher fans batches of harvest jobs out to a fixed pool of
// workers fed by a bounded queue.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/scholar-harvester/internal/harvest"
	"github.com/JakeFAU/scholar-harvester/internal/queue/memory"
)

// Harvester runs one adapter invocation.
type Harvester interface {
	Run(ctx context.Context, adapterKey string, params harvest.Params) (harvest.RunLog, error)
}

// Outcome pairs a job with the run it produced.
type Outcome struct {
	Job harvest.Job    `json:"job"`
	Run harvest.RunLog `json:"run"`
	Err error          `json:"-"`
	// Error mirrors Err for JSON output.
	Error string `json:"error,omitempty"`
}

// Dispatcher runs jobs concurrently. Per-host spacing is left to the
// harvester's throttle, so jobs for the same publisher still queue politely.
type Dispatcher struct {
	harvester Harvester
	workers   int
	logger    *zap.Logger
}

// New creates a Dispatcher with the given worker count (minimum one).
func New(harvester Harvester, workers int, logger *zap.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{harvester: harvester, workers: workers, logger: logger.Named("dispatcher")}
}

type indexed struct {
	pos int
	job harvest.Job
}

// Run executes every job and returns outcomes in job order. Jobs not started
// before ctx ends are reported with the context error.
func (d *Dispatcher) Run(ctx context.Context, jobs []harvest.Job) []Outcome {
	outcomes := make([]Outcome, len(jobs))
	for i, job := range jobs {
		outcomes[i] = Outcome{Job: job}
	}
	if len(jobs) == 0 {
		return outcomes
	}

	queue := memory.NewQueue(len(jobs))
	positions := make(map[int]int, len(jobs))
	for i, job := range jobs {
		// Dequeue order matches enqueue order; positions maps it back to jobs.
		if err := queue.Enqueue(ctx, job); err != nil {
			outcomes[i].Err = err
			continue
		}
		positions[len(positions)] = i
	}
	queue.Close()

	var (
		mu   sync.Mutex
		next int
		wg   sync.WaitGroup
	)
	take := func() (indexed, error) {
		mu.Lock()
		defer mu.Unlock()
		job, err := queue.Dequeue(ctx)
		if err != nil {
			return indexed{}, err
		}
		item := indexed{pos: positions[next], job: job}
		next++
		return item, nil
	}

	workers := min(d.workers, len(jobs))
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			log := d.logger.With(zap.Int("worker", worker))
			for {
				item, err := take()
				if err != nil {
					if !errors.Is(err, memory.ErrClosed) {
						log.Debug("worker stopping", zap.Error(err))
					}
					return
				}
				if err := ctx.Err(); err != nil {
					outcomes[item.pos].Err = fmt.Errorf("job not started: %w", err)
					continue
				}
				run, err := d.harvester.Run(ctx, item.job.Adapter, item.job.Params)
				outcomes[item.pos].Run = run
				outcomes[item.pos].Err = err
				if err != nil {
					log.Warn("harvest job failed", zap.String("adapter", item.job.Adapter), zap.Error(err))
				}
			}
		}(w)
	}
	wg.Wait()

	for i := range outcomes {
		if outcomes[i].Err == nil && outcomes[i].Run.ID == 0 && ctx.Err() != nil {
			outcomes[i].Err = fmt.Errorf("job not started: %w", ctx.Err())
		}
		if outcomes[i].Err != nil {
			outcomes[i].Error = outcomes[i].Err.Error()
		}
	}
	return outcomes
}

// Failed counts outcomes that carry an error.
func Failed(outcomes []Outcome) int {
	n := 0
	for _, o := range outcomes {
		if o.Err != nil {
			n++
		}
	}
	return n
}
