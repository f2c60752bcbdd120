package scheduler

import (
	"context"
	"errors"
	stdsync "sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"localtasks/internal/sync"
)

// Cycler runs one sync cycle.
type Cycler interface {
	RunCycle(ctx context.Context) (sync.Result, error)
}

// Service triggers sync cycles on a cron schedule.
type Service struct {
	engine   Cycler
	cron     *cron.Cron
	schedule string
	stop     chan struct{}
	stopOnce stdsync.Once

	mu    stdsync.Mutex
	entry cron.EntryID
}

func NewService(engine Cycler, schedule string) *Service {
	return &Service{
		engine:   engine,
		cron:     cron.New(),
		schedule: schedule,
		stop:     make(chan struct{}),
	}
}

// Start registers the schedule and blocks until ctx is done or Stop is called.
func (s *Service) Start(ctx context.Context) error {
	id, err := s.cron.AddFunc(s.schedule, func() { s.runOnce(ctx) })
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.entry = id
	s.mu.Unlock()
	s.cron.Start()

	log.Info().Str("schedule", s.schedule).Time("next_run", s.Next()).Msg("sync scheduler started")

	select {
	case <-ctx.Done():
	case <-s.stop:
	}

	// wait for a running cycle to return
	<-s.cron.Stop().Done()
	log.Info().Msg("sync scheduler stopped")
	return nil
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Next returns the next scheduled run, or the zero time before Start.
func (s *Service) Next() time.Time {
	s.mu.Lock()
	id := s.entry
	s.mu.Unlock()
	if id == 0 {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

func (s *Service) runOnce(ctx context.Context) {
	res, err := s.engine.RunCycle(ctx)
	if errors.Is(err, sync.ErrCycleInProgress) {
		log.Debug().Msg("scheduled sync skipped, cycle already running")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("scheduled sync failed")
		return
	}
	if res.Offline {
		log.Debug().Msg("scheduled sync skipped, remote unreachable")
		return
	}

	log.Info().
		Bool("success", res.Success).
		Int("synced", res.SyncedItems).
		Int("failed", res.FailedItems).
		Time("next_run", s.Next()).
		Msg("scheduled sync finished")
}

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return cronSchedule.Next(from), nil
}
