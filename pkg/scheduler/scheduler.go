// Runs jobs on cron schedules. a job never overlaps with itself: if it's still running
// when it becomes due again, that run is skipped.
package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/function61/gokit/logex"
	"github.com/robfig/cron/v3"
)

type JobFn func(ctx context.Context, logger *log.Logger) error

type LastRun struct {
	Started  time.Time
	Finished time.Time
	Error    string
}

// point-in-time copy of a job's state
type Status struct {
	Name     string
	NextRun  time.Time
	Running  bool
	Runs     int
	LastRun  *LastRun
	Schedule string
}

type Job struct {
	status   Status
	run      JobFn
	schedule cron.Schedule
}

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func ParseSchedule(expr string) (cron.Schedule, error) {
	return cronParser.Parse(expr)
}

func NewJob(name string, scheduleExpr string, run JobFn, now time.Time) (*Job, error) {
	schedule, err := ParseSchedule(scheduleExpr)
	if err != nil {
		return nil, err
	}

	return &Job{
		status: Status{
			Name:     name,
			NextRun:  schedule.Next(now),
			Schedule: scheduleExpr,
		},
		run:      run,
		schedule: schedule,
	}, nil
}

type jobResult struct {
	job *Job
	run *LastRun
}

type Controller struct {
	jobs           []*Job
	statusRequest  chan chan []Status
	triggerRequest chan string
	jobFinished    chan *jobResult
	logger         *log.Logger
}

func New(jobs []*Job, logger *log.Logger) *Controller {
	return &Controller{
		jobs:           jobs,
		statusRequest:  make(chan chan []Status),
		triggerRequest: make(chan string),
		jobFinished:    make(chan *jobResult, 1),
		logger:         logex.NonNil(logger),
	}
}

// runs the job now (unless it's already running). blocks until Run() picks it up
func (c *Controller) Trigger(ctx context.Context, name string) error {
	select {
	case c.triggerRequest <- name:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) Status(ctx context.Context) ([]Status, error) {
	result := make(chan []Status, 1)

	select {
	case c.statusRequest <- result:
		return <-result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// the core runs single-threaded, jobs and status requests talk to it via channels.
// returns after ctx is canceled and running jobs have finished.
func (c *Controller) Run(ctx context.Context) error {
	nextEarliestCh := func() <-chan time.Time {
		if len(c.jobs) == 0 {
			return nil // channel that blocks forever
		}

		earliest := c.jobs[0].status.NextRun
		for _, job := range c.jobs {
			if job.status.NextRun.Before(earliest) {
				earliest = job.status.NextRun
			}
		}

		return time.After(time.Until(earliest))
	}

	makeStatus := func() []Status {
		statuses := []Status{}

		for _, job := range c.jobs {
			statuses = append(statuses, copyStatus(job.status))
		}

		return statuses
	}

	recordJobFinished := func(jr *jobResult) {
		jr.job.status.LastRun = jr.run
		jr.job.status.Running = false
	}

	nextJobBecomesRunnableCh := nextEarliestCh()

	for {
		select {
		case now := <-nextJobBecomesRunnableCh:
			for _, job := range c.jobs {
				if !job.status.NextRun.After(now) {
					// advance past now, so a stalled process doesn't replay every missed tick
					job.status.NextRun = job.schedule.Next(now)

					c.startJob(ctx, job)
				}
			}

			nextJobBecomesRunnableCh = nextEarliestCh()
		case result := <-c.statusRequest:
			result <- makeStatus()
		case jobResult := <-c.jobFinished:
			recordJobFinished(jobResult)
		case name := <-c.triggerRequest:
			for _, job := range c.jobs {
				if job.status.Name == name {
					c.startJob(ctx, job)
					break
				}
			}
		case <-ctx.Done():
			for _, job := range c.jobs {
				if job.status.Running {
					// not necessarily this job finishing, we're counting unfinished ones
					recordJobFinished(<-c.jobFinished)
				}
			}

			return nil
		}
	}
}

func (c *Controller) startJob(ctx context.Context, job *Job) {
	jlog := logex.Prefix("scheduler/"+job.status.Name, c.logger)
	jlogl := logex.Levels(jlog)

	if job.status.Running {
		jlogl.Error.Println("previous run still in progress, skipping")
		return
	}

	job.status.Running = true
	job.status.Runs++

	jlogl.Info.Println("starting")

	go func() {
		started := time.Now()

		errorStr := ""
		if err := job.run(ctx, jlog); err != nil {
			errorStr = err.Error()
		}

		result := &jobResult{
			job: job,
			run: &LastRun{
				Started:  started,
				Error:    errorStr,
				Finished: time.Now(),
			},
		}

		duration := result.run.Finished.Sub(result.run.Started)

		if errorStr != "" {
			jlogl.Error.Printf("in %s: %s", duration, errorStr)
		} else {
			jlogl.Info.Printf("completed in %s", duration)
		}

		c.jobFinished <- result
	}()
}

func copyStatus(copied Status) Status {
	if copied.LastRun != nil {
		lastRunCopied := *copied.LastRun

		copied.LastRun = &lastRunCopied
	}

	return copied
}
