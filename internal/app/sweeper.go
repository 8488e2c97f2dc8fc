/**
 * @description
 * Cron jobs that keep the executor honest when tasks are lost: broadcast payouts that
 * nobody has checked for a while get a fresh confirm task, and expired conversion
 * quotes are dropped from the in-process cache.
 */

package app

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// QuotePurger drops expired quotes. *exchangeclient.QuoteCache satisfies it.
type QuotePurger interface {
	Purge() int
}

// SweeperConfig holds the sweeper schedules.
type SweeperConfig struct {
	Schedule      string
	StaleAfter    time.Duration
	BatchSize     int
	PurgeSchedule string
}

// Sweeper re-drives pending payouts on a schedule.
type Sweeper struct {
	cron     *cron.Cron
	executor *Executor
	quotes   QuotePurger
	cfg      SweeperConfig
	now      func() time.Time
}

func NewSweeper(executor *Executor, quotes QuotePurger, cfg SweeperConfig) *Sweeper {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 15m"
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.PurgeSchedule == "" {
		cfg.PurgeSchedule = "@every 5m"
	}
	cronLogger := cron.PrintfLogger(log.Default())
	return &Sweeper{
		cron:     cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger))),
		executor: executor,
		quotes:   quotes,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Sweeper) Start() {
	if _, err := s.cron.AddFunc(s.cfg.Schedule, s.sweep); err != nil {
		log.Printf("level=error component=sweeper msg=\"failed to schedule payout sweep\" schedule=%q err=%v", s.cfg.Schedule, err)
	} else {
		log.Printf("level=info component=sweeper msg=\"scheduled payout sweep\" schedule=%q stale_after=%s", s.cfg.Schedule, s.cfg.StaleAfter)
	}

	if s.quotes != nil {
		if _, err := s.cron.AddFunc(s.cfg.PurgeSchedule, s.purgeQuotes); err != nil {
			log.Printf("level=error component=sweeper msg=\"failed to schedule quote purge\" schedule=%q err=%v", s.cfg.PurgeSchedule, err)
		}
	}

	s.cron.Start()
}

// Stop stops the scheduler. The returned context is done once running jobs finish.
func (s *Sweeper) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if n, err := s.RunOnce(ctx); err != nil {
		log.Printf("level=error component=sweeper msg=\"payout sweep failed\" scheduled=%d err=%v", n, err)
	} else if n > 0 {
		log.Printf("level=info component=sweeper msg=\"payout sweep finished\" scheduled=%d", n)
	}
}

func (s *Sweeper) purgeQuotes() {
	if n := s.quotes.Purge(); n > 0 {
		log.Printf("level=info component=sweeper msg=\"expired quotes purged\" count=%d", n)
	}
}

// RunOnce schedules a confirm task for every broadcast payout not checked within
// StaleAfter and returns how many were scheduled.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	pending, err := s.executor.repo.ListPendingPayouts(ctx, s.now().Add(-s.cfg.StaleAfter), s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	scheduled := 0
	for i := range pending {
		p := &pending[i]
		if p.TxHash == nil {
			continue
		}
		if err := s.executor.ScheduleConfirm(ctx, p, 0); err != nil {
			return scheduled, err
		}
		if err := s.executor.repo.MarkPayoutChecked(ctx, p.ID); err != nil {
			log.Printf("level=warn component=sweeper msg=\"failed to record sweep check\" payout_id=%s err=%v", p.ID, err)
		}
		scheduled++
	}
	return scheduled, nil
}
