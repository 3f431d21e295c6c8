package main

import (
	"context"
	"time"

	"github.com/pesio-ai/be-screening-workflow/internal/model"
	"github.com/pesio-ai/be-screening-workflow/internal/repository"
	"github.com/pesio-ai/be-screening-workflow/pkg/obslog"
)

// sweepInterval controls how often the background sweeper looks for expired
// approval requests and locks. The engine itself lazily expires both on
// read (spec.md §4.6); this sweeper only shortens the window before a
// never-read expiry is reflected in persisted state.
const sweepInterval = time.Minute

// runExpirySweeper periodically deactivates expired locks and marks expired
// approval requests, per spec.md §4.5's optional eager sweep. It returns
// when ctx is done.
func runExpirySweeper(ctx context.Context, approvals *repository.ApprovalRepository, locks *repository.LockRepository, log obslog.Logger) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepOnce(ctx, approvals, locks, log)
		}
	}
}

func sweepOnce(ctx context.Context, approvals *repository.ApprovalRepository, locks *repository.LockRepository, log obslog.Logger) {
	now := time.Now()

	expiredApprovals, err := approvals.ListExpired(ctx, now)
	if err != nil {
		log.Warn().Err(err).Msg("sweeper: list expired approvals failed")
	}
	for _, req := range expiredApprovals {
		req.Status = model.ApprovalExpired
		if err := approvals.Resolve(ctx, req); err != nil {
			log.Warn().Err(err).Str("request_id", req.ID).Msg("sweeper: expire approval failed")
		}
	}

	expiredLocks, err := locks.ListExpiredActive(ctx, now)
	if err != nil {
		log.Warn().Err(err).Msg("sweeper: list expired locks failed")
	}
	for _, lock := range expiredLocks {
		if err := locks.Deactivate(ctx, lock.ID); err != nil {
			log.Warn().Err(err).Str("lock_id", lock.ID).Msg("sweeper: deactivate lock failed")
		}
	}

	if len(expiredApprovals) > 0 || len(expiredLocks) > 0 {
		log.Info().
			Int("expired_approvals", len(expiredApprovals)).
			Int("expired_locks", len(expiredLocks)).
			Msg("sweeper: expired stale approvals/locks")
	}
}
