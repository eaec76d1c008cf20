package sync

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// UserLister enumerates users eligible for the poll sweep.
type UserLister interface {
	ListActiveUserIDs(ctx context.Context) ([]uuid.UUID, error)
}

// Scheduler is the poll half of push/poll reconciliation. It sweeps all
// connected users on a fixed tick; the orchestrator's interval gate
// decides which pairs are actually due, so the tick can be much shorter
// than the per-provider sync intervals.
type Scheduler struct {
	orch   *Orchestrator
	users  UserLister
	tick   time.Duration
	logger *zap.Logger
}

func NewScheduler(orch *Orchestrator, users UserLister, tick time.Duration, logger *zap.Logger) *Scheduler {
	if tick <= 0 {
		tick = 5 * time.Minute
	}
	return &Scheduler{
		orch:   orch,
		users:  users,
		tick:   tick,
		logger: logger,
	}
}

// Run sweeps until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("sync scheduler started", zap.Duration("tick", s.tick))

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sync scheduler stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	users, err := s.users.ListActiveUserIDs(ctx)
	if err != nil {
		s.logger.Error("poll sweep could not list users", zap.Error(err))
		return
	}

	for _, userID := range users {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.orch.SyncUser(ctx, userID, Options{}); err != nil {
			s.logger.Warn("poll sweep sync failed",
				zap.Error(err),
				zap.String("user_id", userID.String()),
			)
		}
	}

	s.logger.Debug("poll sweep complete", zap.Int("users", len(users)))
}
