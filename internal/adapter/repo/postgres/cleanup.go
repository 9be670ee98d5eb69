package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// CleanupService trims the diagnostic request log and hard-deletes long
// soft-deleted ledger rows past the retention window. The billing ledger is
// otherwise append-only.
type CleanupService struct {
	Pool          PgxPool
	RetentionDays int
}

// NewCleanupService creates a cleanup service with the given retention.
func NewCleanupService(pool PgxPool, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &CleanupService{Pool: pool, RetentionDays: retentionDays}
}

// CleanupOldData removes rows older than the retention period.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.RetentionDays)

	tag, err := s.Pool.Exec(ctx, `DELETE FROM message_requests WHERE created_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.message_requests: %w", err)
	}
	deletedRequests := tag.RowsAffected()

	tag, err = s.Pool.Exec(ctx,
		`DELETE FROM usage_ledger WHERE deleted_at IS NOT NULL AND deleted_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.usage_ledger: %w", err)
	}
	deletedLedger := tag.RowsAffected()

	slog.Info("retention cleanup completed",
		slog.Int64("deleted_requests", deletedRequests),
		slog.Int64("deleted_ledger_rows", deletedLedger),
		slog.Time("cutoff", cutoff),
	)
	return nil
}

// RunPeriodic runs cleanup immediately and then on the given interval until
// the context ends.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}
	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
