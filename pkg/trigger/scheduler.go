package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/polisai/polis-runner/pkg/config"
	"github.com/robfig/cron/v3"
)

// SchedulerConfig holds dependencies for creating a Scheduler.
type SchedulerConfig struct {
	Schedules []config.ScheduleConfig
	Submitter Submitter
	Load      LoadFunc
	OnFire    FireFunc
	Logger    *slog.Logger
	// Now overrides the clock; used by tests.
	Now func() time.Time
}

// ScheduleStatus reports the activity of one schedule.
type ScheduleStatus struct {
	Name      string        `json:"name"`
	Every     time.Duration `json:"every,omitempty"`
	Cron      string        `json:"cron,omitempty"`
	Pipeline  string        `json:"pipeline"`
	RunCount  int           `json:"run_count"`
	LastRun   time.Time     `json:"last_run,omitempty"`
	NextRun   time.Time     `json:"next_run,omitempty"`
	LastRunID string        `json:"last_run_id,omitempty"`
	LastError string        `json:"last_error,omitempty"`
}

// Scheduler submits pipelines on fixed intervals or cron expressions.
type Scheduler struct {
	schedules map[string]config.ScheduleConfig
	entries   map[string]cron.EntryID
	cron      *cron.Cron
	firer     firer
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	status  map[string]*ScheduleStatus
	ctx     context.Context
	running bool
	stopped chan struct{}
}

// NewScheduler creates a scheduler for the given schedules. Nothing fires
// until Start.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Submitter == nil {
		return nil, errors.New("scheduler: submitter is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	cronLog := cronLogger{logger: logger}
	s := &Scheduler{
		schedules: make(map[string]config.ScheduleConfig, len(cfg.Schedules)),
		entries:   make(map[string]cron.EntryID, len(cfg.Schedules)),
		cron:      cron.New(cron.WithLogger(cronLog), cron.WithChain(cron.Recover(cronLog))),
		firer:     newFirer(cfg.Submitter, cfg.Load, cfg.OnFire),
		logger:    logger,
		now:       now,
		status:    make(map[string]*ScheduleStatus, len(cfg.Schedules)),
		ctx:       context.Background(),
	}
	for _, sc := range cfg.Schedules {
		if err := sc.Validate(); err != nil {
			return nil, fmt.Errorf("schedule %q: %w", sc.Name, err)
		}
		if _, dup := s.schedules[sc.Name]; dup {
			return nil, fmt.Errorf("duplicate schedule %q", sc.Name)
		}
		schedule, err := parseSchedule(sc)
		if err != nil {
			return nil, fmt.Errorf("schedule %q: %w", sc.Name, err)
		}

		s.schedules[sc.Name] = sc
		s.status[sc.Name] = &ScheduleStatus{Name: sc.Name, Every: sc.Every, Cron: sc.Cron, Pipeline: sc.Pipeline}
		s.entries[sc.Name] = s.cron.Schedule(schedule, cron.FuncJob(func() { s.tick(sc) }))
	}
	return s, nil
}

// parseSchedule turns a schedule into a cron schedule. Intervals below one
// second are rounded up to one second.
func parseSchedule(sc config.ScheduleConfig) (cron.Schedule, error) {
	if sc.Cron != "" {
		schedule, err := cron.ParseStandard(sc.Cron)
		if err != nil {
			return nil, fmt.Errorf("parse cron expression %q: %w", sc.Cron, err)
		}
		return schedule, nil
	}
	return cron.Every(sc.Every), nil
}

// Start begins firing schedules. Interval schedules first fire one interval
// after Start. Cancelling ctx stops the scheduler.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.ctx = ctx
	s.stopped = make(chan struct{})

	s.cron.Start()
	for _, sc := range s.schedules {
		s.logger.Info("schedule started",
			"schedule", sc.Name,
			"every", sc.Every,
			"cron", sc.Cron,
			"pipeline", sc.Pipeline,
		)
	}

	go func(stopped <-chan struct{}) {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopped:
		}
	}(s.stopped)
}

// Stop halts the schedules and waits for in-progress submissions.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopped)
	s.mu.Unlock()

	<-s.cron.Stop().Done()
}

// RunNow fires the named schedule immediately and returns the run id.
func (s *Scheduler) RunNow(ctx context.Context, name string) (string, error) {
	sc, ok := s.schedules[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTrigger, name)
	}
	return s.run(ctx, sc)
}

// Status returns the activity of every schedule ordered by name. NextRun is
// only set while the scheduler is running.
func (s *Scheduler) Status() []ScheduleStatus {
	s.mu.Lock()
	running := s.running
	out := make([]ScheduleStatus, 0, len(s.status))
	for _, st := range s.status {
		out = append(out, *st)
	}
	s.mu.Unlock()

	if running {
		for i := range out {
			out[i].NextRun = s.cron.Entry(s.entries[out[i].Name]).Next
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) tick(sc config.ScheduleConfig) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	if _, err := s.run(ctx, sc); err != nil {
		s.logger.Error("scheduled run failed to start", "schedule", sc.Name, "error", err)
	}
}

func (s *Scheduler) run(ctx context.Context, sc config.ScheduleConfig) (string, error) {
	runID, err := s.firer.fire(context.WithoutCancel(ctx), KindSchedule, sc.Name, sc.Pipeline, "")

	s.mu.Lock()
	st := s.status[sc.Name]
	st.RunCount++
	st.LastRun = s.now()
	st.LastRunID = runID
	st.LastError = ""
	if err != nil {
		st.LastError = err.Error()
	}
	s.mu.Unlock()

	if err == nil {
		s.logger.Info("schedule submitted run", "schedule", sc.Name, "run_id", runID)
	}
	return runID, err
}

// cronLogger routes cron's internal logging to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
