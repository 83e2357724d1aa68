// Package refresh re-fetches the provider list on a cron schedule.
package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// DefaultTimeout bounds one scheduled refresh.
const DefaultTimeout = 2 * time.Minute

// Refresher is the registry operation the scheduler drives.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Scheduler calls Refresh on a cron schedule. A failed refresh is logged
// and the schedule continues.
type Scheduler struct {
	target  Refresher
	logger  *slog.Logger
	timeout time.Duration
	cron    *cronlib.Cron
	after   []func(ctx context.Context, err error)

	mu      sync.Mutex
	running bool
}

var parser = cronlib.NewParser(cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor)

// ValidateSchedule checks a 5-field cron expression or a descriptor such as
// "@daily" or "@every 6h". An empty schedule is valid and means disabled.
func ValidateSchedule(schedule string) error {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		return nil
	}
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid refresh schedule %q: %w", schedule, err)
	}
	return nil
}

// New creates a scheduler. It returns nil, nil when schedule is empty.
func New(schedule string, target Refresher, logger *slog.Logger) (*Scheduler, error) {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		return nil, nil
	}
	if err := ValidateSchedule(schedule); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Scheduler{
		target:  target,
		logger:  logger,
		timeout: DefaultTimeout,
	}
	cl := cronLogger{logger}
	s.cron = cronlib.New(
		cronlib.WithParser(parser),
		cronlib.WithLogger(cl),
		cronlib.WithChain(cronlib.Recover(cl), cronlib.SkipIfStillRunning(cl)),
	)
	if _, err := s.cron.AddFunc(schedule, s.tick); err != nil {
		return nil, fmt.Errorf("scheduling refresh: %w", err)
	}
	return s, nil
}

// SetTimeout overrides DefaultTimeout.
func (s *Scheduler) SetTimeout(d time.Duration) {
	if d > 0 {
		s.timeout = d
	}
}

// After registers fn to run after every scheduled refresh with its result.
// It must be called before Start.
func (s *Scheduler) After(fn func(ctx context.Context, err error)) {
	s.after = append(s.after, fn)
}

// Start begins running the schedule in the background.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
	s.logger.Info("refresh scheduler started", "next", s.Next())
}

// Stop halts the schedule and waits for a running refresh to finish or ctx
// to end.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		s.logger.Warn("refresh scheduler stop timed out")
	}
}

// Next returns the next scheduled run, or the zero time if none.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	if !entries[0].Next.IsZero() {
		return entries[0].Next
	}
	return entries[0].Schedule.Next(time.Now())
}

// RunNow performs one refresh immediately with the same timeout and hooks
// as a scheduled run, and returns its error.
func (s *Scheduler) RunNow() error {
	return s.run()
}

func (s *Scheduler) tick() {
	_ = s.run()
}

func (s *Scheduler) run() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	start := time.Now()
	err := s.target.Refresh(ctx)
	if err != nil {
		s.logger.Warn("scheduled refresh failed", "error", err, "duration", time.Since(start))
	} else {
		s.logger.Info("scheduled refresh complete", "duration", time.Since(start))
	}
	for _, fn := range s.after {
		fn(ctx, err)
	}
	return err
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
