package store

import (
	"context"
	"fmt"
	"time"
)

func (s *SQLite) RecordCampaign(ctx context.Context, summary CampaignSummary) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO campaigns
        (id, user_id, sender_email, subject, total, sent_count, failed_count, cancelled, started_at, finished_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            total = campaigns.total + excluded.total,
            sent_count = campaigns.sent_count + excluded.sent_count,
            failed_count = campaigns.failed_count + excluded.failed_count,
            cancelled = excluded.cancelled,
            finished_at = excluded.finished_at;`,
		summary.ID,
		summary.UserID,
		summary.SenderEmail,
		summary.Subject,
		summary.Total,
		summary.SentCount,
		summary.FailedCount,
		summary.Cancelled,
		summary.StartedAt.Unix(),
		summary.FinishedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("record campaign: %w", err)
	}
	return nil
}

func (s *SQLite) ListCampaigns(ctx context.Context, userID string) ([]CampaignSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, sender_email, subject, total, sent_count, failed_count, cancelled, started_at, finished_at
        FROM campaigns WHERE user_id = ?
        ORDER BY started_at DESC, id DESC;`, userID)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	summaries := []CampaignSummary{}
	for rows.Next() {
		var summary CampaignSummary
		var startedAt, finishedAt int64
		if err := rows.Scan(
			&summary.ID,
			&summary.UserID,
			&summary.SenderEmail,
			&summary.Subject,
			&summary.Total,
			&summary.SentCount,
			&summary.FailedCount,
			&summary.Cancelled,
			&startedAt,
			&finishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		summary.StartedAt = unixTime(startedAt)
		summary.FinishedAt = unixTime(finishedAt)
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	return summaries, nil
}

func unixTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}
