package crmsync

import (
	"log/slog"
	"sync"
	"time"
)

// RetrySweeper periodically rescans for jobs stuck in ERROR and resubmits
// each through the same retry pathway used interactively. A job that left
// ERROR between the scan and the resubmit is skipped.
type RetrySweeper struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewRetrySweeper(engine *Engine, interval time.Duration, logger *slog.Logger) *RetrySweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetrySweeper{
		engine:   engine,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

func (s *RetrySweeper) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.SweepOnce()
			}
		}
	}()
}

func (s *RetrySweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}

// SweepOnce resubmits every currently errored job. One attempt per job per
// sweep; the retry budget over time is unbounded.
func (s *RetrySweeper) SweepOnce() {
	for _, job := range s.engine.erroredJobs() {
		if err := s.engine.RetryJob(job.Scope, job.ID); err != nil {
			// ConflictError here means the job moved on; nothing to do.
			s.logger.Debug("sweep retry skipped", "job", job.ID, "error", err)
			continue
		}
		s.logger.Info("sweep resubmitted errored job", "job", job.ID, "scope", job.Scope.Key())
	}
}
