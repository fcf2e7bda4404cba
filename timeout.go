package saga

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultSweepSchedule runs the timeout sweep every second.
const DefaultSweepSchedule = "@every 1s"

// Expirer turns expired in-flight commands into failures.
type Expirer interface {
	ExpireTimedOut(ctx context.Context, now time.Time) (int, error)
}

// TimeoutSweeper runs ExpireTimedOut on a cron schedule. A sweep that is
// still running when the next one is due is skipped.
type TimeoutSweeper struct {
	expirer Expirer
	logger  *zerolog.Logger
	cron    *cron.Cron
	now     func() time.Time

	mu  sync.Mutex
	ctx context.Context
}

// NewTimeoutSweeper creates a sweeper for schedule, which accepts standard
// cron expressions and descriptors such as "@every 500ms".
func NewTimeoutSweeper(expirer Expirer, schedule string, logger *zerolog.Logger) (*TimeoutSweeper, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	parsed, err := cron.ParseStandard(schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	s := &TimeoutSweeper{
		expirer: expirer,
		logger:  logger,
		now:     time.Now,
		ctx:     context.Background(),
	}
	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	s.cron.Schedule(parsed, cron.FuncJob(s.sweep))
	return s, nil
}

// Start begins sweeping in the background. Sweeps use ctx.
func (s *TimeoutSweeper) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
}

// Stop halts the schedule. The returned context is done once a running
// sweep has finished.
func (s *TimeoutSweeper) Stop() context.Context {
	return s.cron.Stop()
}

// RunOnce performs one sweep now.
func (s *TimeoutSweeper) RunOnce(ctx context.Context) (int, error) {
	return s.expirer.ExpireTimedOut(ctx, s.now())
}

func (s *TimeoutSweeper) sweep() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}

	n, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.Error().Err(err).Int("expired", n).Msg("timeout sweep failed")
		return
	}
	if n > 0 {
		s.logger.Info().Int("expired", n).Msg("timed out steps failed")
	}
}
