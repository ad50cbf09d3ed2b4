package scheduler

import (
	"context"
	"database/sql"
	"time"
)

// maintenanceInterval is how often retention cleanup and database
// compaction run. Failures are logged and the loop keeps going.
const maintenanceInterval = 24 * time.Hour

func (s *Scheduler) maintenanceLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runMaintenance(ctx)
		}
	}
}

// RunMaintenance performs one round of retention cleanup and database
// compaction. Exposed for the CLI and tests; the loop calls it daily.
func (s *Scheduler) RunMaintenance(ctx context.Context) {
	s.runMaintenance(ctx)
}

func (s *Scheduler) runMaintenance(ctx context.Context) {
	started := time.Now()

	if s.convs != nil && s.cfg.RetentionDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -s.cfg.RetentionDays)
		deleted, err := s.convs.DeleteOlderThan(ctx, cutoff)
		if err != nil {
			s.logger.Error("retention cleanup failed", "error", err)
		} else if deleted > 0 {
			s.logger.Info("retention cleanup", "deleted_conversations", deleted, "cutoff", cutoff)
		}
	}

	if s.convs != nil {
		s.compact(ctx, "conversations", s.convs.DB())
	}
	s.compact(ctx, "scheduler", s.store.DB())

	s.logger.Debug("maintenance completed", "duration", time.Since(started))
}

// compact reclaims space and refreshes the query planner statistics.
func (s *Scheduler) compact(ctx context.Context, name string, db *sql.DB) {
	if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
		s.logger.Warn("vacuum failed", "db", name, "error", err)
	}
	if _, err := db.ExecContext(ctx, "ANALYZE"); err != nil {
		s.logger.Warn("analyze failed", "db", name, "error", err)
	}
}
