// Package jobs runs periodic work on cron schedules: recurring task
// templates and maintenance such as retention and stable sync.
package jobs

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/user/agentfs/internal/state"
)

// Handler is invoked when a scheduled template fires.
type Handler func(tpl *state.Template)

// Job is a named piece of maintenance work.
type Job struct {
	Name     string
	Schedule string
	Run      func()
}

// Runner evaluates cron expressions from the template store plus any
// registered maintenance jobs.
type Runner struct {
	store   *state.TemplateStore
	handler Handler
	logger  *slog.Logger

	mu   sync.Mutex
	jobs []Job
	cron *cron.Cron
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateSchedule reports whether spec parses as a cron schedule.
func ValidateSchedule(spec string) error {
	if _, err := cronParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

// New creates a Runner backed by the given template store. store may be nil
// when only maintenance jobs are wanted.
func New(store *state.TemplateStore, handler Handler, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:   store,
		handler: handler,
		logger:  logger.With("component", "jobs"),
		cron:    newCron(),
	}
}

func newCron() *cron.Cron {
	return cron.New(cron.WithParser(cronParser), cron.WithChain(cron.Recover(cron.DiscardLogger)))
}

// AddJob registers maintenance work. It takes effect on the next Start or
// Reload. An empty schedule disables the job.
func (r *Runner) AddJob(job Job) error {
	if job.Schedule == "" {
		return nil
	}
	if err := ValidateSchedule(job.Schedule); err != nil {
		return fmt.Errorf("job %s: %w", job.Name, err)
	}
	r.mu.Lock()
	r.jobs = append(r.jobs, job)
	r.mu.Unlock()
	return nil
}

// Start registers enabled templates that have a schedule and all
// maintenance jobs, then starts the cron ticker.
func (r *Runner) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, job := range r.jobs {
		job := job
		if _, err := r.cron.AddFunc(job.Schedule, func() {
			r.logger.Debug("running job", "name", job.Name)
			job.Run()
		}); err != nil {
			return fmt.Errorf("job %s: %w", job.Name, err)
		}
		r.logger.Info("scheduled job", "name", job.Name, "schedule", job.Schedule)
	}

	if r.store != nil {
		templates, err := r.store.List()
		if err != nil {
			return err
		}
		for _, tpl := range templates {
			if tpl.Schedule == "" || !tpl.Enabled {
				continue
			}
			tpl := tpl
			if _, err := r.cron.AddFunc(tpl.Schedule, func() {
				r.logger.Info("cron firing template", "name", tpl.Name, "origin", string(tpl.Origin))
				r.handler(tpl)
			}); err != nil {
				r.logger.Error("invalid cron schedule", "name", tpl.Name, "schedule", tpl.Schedule, "error", err)
				continue
			}
			r.logger.Info("scheduled template", "name", tpl.Name, "schedule", tpl.Schedule)
		}
	}

	r.cron.Start()
	return nil
}

// Reload stops the existing cron, creates a new one, and starts again so
// that template edits take effect.
func (r *Runner) Reload() error {
	r.mu.Lock()
	<-r.cron.Stop().Done()
	r.cron = newCron()
	r.mu.Unlock()
	return r.Start()
}

// Entries returns the number of registered cron entries.
func (r *Runner) Entries() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cron.Entries())
}

// Stop stops the ticker and waits for running jobs to return.
func (r *Runner) Stop() {
	r.mu.Lock()
	c := r.cron
	r.mu.Unlock()
	<-c.Stop().Done()
}
