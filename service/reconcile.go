package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/use-agent/scrapeflow/models"
	"github.com/use-agent/scrapeflow/store"
)

// Reconcile repairs state left by a previous process. Jobs stuck in
// running are failed, pending jobs are re-enqueued oldest first.
func (s *Service) Reconcile(ctx context.Context) error {
	running, err := s.repo.ListByStatus(ctx, models.StatusRunning)
	if err != nil {
		return err
	}
	for _, job := range running {
		now := time.Now().UTC()
		msg := MsgInterrupted
		ok, err := s.repo.CompareAndSetStatus(ctx, job.ID, models.StatusRunning, models.StatusFailed, store.Update{
			CompletedAt:  &now,
			ErrorMessage: &msg,
		})
		if err != nil {
			return err
		}
		if ok {
			s.pub.Publish(models.StatusEvent{JobID: job.ID, Status: models.StatusFailed, Message: msg, Timestamp: now})
		}
	}

	pending, err := s.repo.ListByStatus(ctx, models.StatusPending)
	if err != nil {
		return err
	}
	for _, job := range pending {
		if err := s.queue.Enqueue(job.ID); err != nil {
			return err
		}
	}

	if len(running) > 0 || len(pending) > 0 {
		slog.Info("reconciled jobs from previous run",
			"interrupted", len(running),
			"requeued", len(pending),
		)
	}
	return nil
}
