// Package scheduler runs the periodic batch jobs on cron schedules. Every run,
// scheduled or manual, goes through the same boundary: its own timeout, panic
// recovery, logging, metrics and a last-run record.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/egor/ecocrm/metrics"
)

var (
	ErrUnknownJob   = errors.New("scheduler: unknown job")
	ErrJobRunning   = errors.New("scheduler: job already running")
	ErrDuplicateJob = errors.New("scheduler: job already registered")
)

// Job is a named unit of batch work. An empty Schedule registers the job for
// manual runs only.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// Run outcomes.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusPanic   = "panic"
	StatusSkipped = "skipped"
)

// Status is the last known state of a job.
type Status struct {
	Name         string     `json:"name"`
	Schedule     string     `json:"schedule,omitempty"`
	Running      bool       `json:"running"`
	Runs         int        `json:"runs"`
	LastStatus   string     `json:"lastStatus,omitempty"`
	LastError    string     `json:"lastError,omitempty"`
	LastStarted  *time.Time `json:"lastStarted,omitempty"`
	LastDuration string     `json:"lastDuration,omitempty"`
	NextRun      *time.Time `json:"nextRun,omitempty"`
}

type entry struct {
	job     Job
	id      cron.EntryID
	running bool
	status  Status
}

// Scheduler owns the cron loop and the job registry.
type Scheduler struct {
	cron    *cron.Cron
	timeout time.Duration
	metrics *metrics.Metrics
	log     *logrus.Entry

	mu      sync.Mutex
	jobs    map[string]*entry
	order   []string
	started bool
}

// New builds a scheduler. Runs are cut off after timeout; zero means 30 minutes.
func New(timeout time.Duration, m *metrics.Metrics, log *logrus.Entry) *Scheduler {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	log = log.WithField("component", "scheduler")
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(time.UTC),
			cron.WithLogger(cronLogger{log}),
		),
		timeout: timeout,
		metrics: m,
		log:     log,
		jobs:    make(map[string]*entry),
	}
}

// normalize turns a 5-field spec into the 6-field form WithSeconds expects.
func normalize(spec string) string {
	spec = strings.TrimSpace(spec)
	if strings.HasPrefix(spec, "@") {
		return spec
	}
	if len(strings.Fields(spec)) == 5 {
		return "0 " + spec
	}
	return spec
}

// Register adds a job. It fails on a duplicate name or an unparsable schedule.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.New("scheduler: job needs a name and a run func")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.Name)
	}
	e := &entry{job: job, status: Status{Name: job.Name, Schedule: job.Schedule}}
	if job.Schedule != "" {
		id, err := s.cron.AddFunc(normalize(job.Schedule), func() {
			_ = s.run(context.Background(), e)
		})
		if err != nil {
			return fmt.Errorf("schedule %s: %w", job.Name, err)
		}
		e.id = id
	}
	s.jobs[job.Name] = e
	s.order = append(s.order, job.Name)
	return nil
}

// Start begins firing scheduled jobs.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.cron.Start()
	s.started = true
	s.log.WithField("jobs", len(s.jobs)).Info("Scheduler started")
}

// Stop halts the cron loop and waits for running jobs until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.log.Info("Scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("Scheduler stopped before running jobs finished")
	}
}

// RunNow runs a job synchronously through the same boundary as scheduled runs.
func (s *Scheduler) RunNow(ctx context.Context, name string) (Status, error) {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	err := s.run(ctx, e)
	return s.statusOf(e), err
}

// Status lists every job in registration order.
func (s *Scheduler) Status() []Status {
	s.mu.Lock()
	names := append([]string(nil), s.order...)
	s.mu.Unlock()

	out := make([]Status, 0, len(names))
	for _, name := range names {
		s.mu.Lock()
		e := s.jobs[name]
		s.mu.Unlock()
		out = append(out, s.statusOf(e))
	}
	return out
}

func (s *Scheduler) statusOf(e *entry) Status {
	s.mu.Lock()
	st := e.status
	st.Running = e.running
	id := e.id
	s.mu.Unlock()

	if id != 0 {
		if next := s.cron.Entry(id).Next; !next.IsZero() {
			st.NextRun = &next
		}
	}
	return st
}

// run is the isolation boundary every job execution goes through.
func (s *Scheduler) run(parent context.Context, e *entry) (err error) {
	name := e.job.Name
	log := s.log.WithField("job", name)

	s.mu.Lock()
	if e.running {
		s.mu.Unlock()
		log.Warn("Job still running, skipping this run")
		s.metrics.JobRun(name, StatusSkipped, 0, time.Now())
		return fmt.Errorf("%w: %s", ErrJobRunning, name)
	}
	e.running = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()

	started := time.Now().UTC()
	status := StatusSuccess
	log.Info("Job started")

	func() {
		defer func() {
			if r := recover(); r != nil {
				status = StatusPanic
				err = fmt.Errorf("job %s panicked: %v", name, r)
				log.WithField("stack", string(debug.Stack())).Error("Job panicked")
			}
		}()
		err = e.job.Run(ctx)
	}()
	if err != nil && status != StatusPanic {
		status = StatusFailed
	}

	finished := time.Now().UTC()
	d := finished.Sub(started)
	s.metrics.JobRun(name, status, d, finished)

	s.mu.Lock()
	e.running = false
	e.status.Runs++
	e.status.LastStatus = status
	e.status.LastStarted = &started
	e.status.LastDuration = d.String()
	e.status.LastError = ""
	if err != nil {
		e.status.LastError = err.Error()
	}
	s.mu.Unlock()

	fields := logrus.Fields{"status": status, "duration": d.String()}
	if err != nil {
		log.WithFields(fields).WithError(err).Error("Job failed")
		return err
	}
	log.WithFields(fields).Info("Job finished")
	return nil
}

// cronLogger routes the cron library's own messages to logrus.
type cronLogger struct {
	log *logrus.Entry
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(kv(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithFields(kv(keysAndValues)).WithError(err).Error(msg)
}

func kv(pairs []interface{}) logrus.Fields {
	f := make(logrus.Fields, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		f[fmt.Sprint(pairs[i])] = pairs[i+1]
	}
	return f
}
