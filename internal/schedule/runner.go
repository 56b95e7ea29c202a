// Package schedule runs named background jobs on cron specs.
package schedule

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job is one scheduled unit of work. ctx is cancelled when the runner stops.
type Job func(ctx context.Context) error

// Entry describes a registered job.
type Entry struct {
	Name string
	Spec string
	Next time.Time
	Runs int
	Err  error // result of the last run
}

type job struct {
	name string
	spec string
	id   cron.EntryID
	runs int
	err  error
}

// Runner manages scheduled job execution.
type Runner struct {
	cron   *cron.Cron
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	jobs map[string]*job
}

// NewRunner creates a runner. Specs accept the standard five-field form and
// descriptors such as "@every 5m" or "@hourly".
func NewRunner(logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*job),
	}
}

// Add registers fn under name. Registering an existing name replaces it.
func (r *Runner) Add(name, spec string, fn Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j := &job{name: name, spec: spec}
	id, err := r.cron.AddFunc(spec, func() { r.run(j, fn) })
	if err != nil {
		return fmt.Errorf("schedule %s: invalid spec %q: %w", name, spec, err)
	}
	if old, ok := r.jobs[name]; ok {
		r.cron.Remove(old.id)
	}
	j.id = id
	r.jobs[name] = j
	return nil
}

// Remove unregisters the job. Unknown names are ignored.
func (r *Runner) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[name]; ok {
		r.cron.Remove(j.id)
		delete(r.jobs, name)
	}
}

// RunNow executes the named job synchronously outside its schedule.
func (r *Runner) RunNow(name string, fn Job) {
	r.mu.Lock()
	j, ok := r.jobs[name]
	r.mu.Unlock()
	if !ok {
		j = &job{name: name}
	}
	r.run(j, fn)
}

func (r *Runner) run(j *job, fn Job) {
	start := time.Now()
	err := fn(r.ctx)

	r.mu.Lock()
	j.runs++
	j.err = err
	r.mu.Unlock()

	if err != nil {
		r.logger.Warn("scheduled job failed", zap.String("job", j.name), zap.Duration("took", time.Since(start)), zap.Error(err))
		return
	}
	r.logger.Debug("scheduled job finished", zap.String("job", j.name), zap.Duration("took", time.Since(start)))
}

// Entries returns the registered jobs sorted by name.
func (r *Runner) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, Entry{
			Name: j.name,
			Spec: j.spec,
			Next: r.cron.Entry(j.id).Next,
			Runs: j.runs,
			Err:  j.err,
		})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// Start begins running jobs in the background.
func (r *Runner) Start() {
	r.cron.Start()
}

// Stop cancels running jobs and waits for them to return or ctx to end.
func (r *Runner) Stop(ctx context.Context) error {
	r.cancel()
	done := r.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
