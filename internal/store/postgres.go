package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Postgres records campaign summaries in a shared database so several
// service instances can list each other's runs.
type Postgres struct {
	db *sql.DB
}

func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *Postgres) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS campaigns (
            id TEXT PRIMARY KEY,
            user_id TEXT NOT NULL,
            sender_email TEXT NOT NULL,
            subject TEXT NOT NULL,
            total INTEGER NOT NULL,
            sent_count INTEGER NOT NULL,
            failed_count INTEGER NOT NULL,
            cancelled BOOLEAN NOT NULL DEFAULT FALSE,
            started_at TIMESTAMPTZ NOT NULL,
            finished_at TIMESTAMPTZ NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_campaigns_user_started ON campaigns(user_id, started_at);`,
	}
	for _, statement := range statements {
		if _, err := p.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (p *Postgres) RecordCampaign(ctx context.Context, summary CampaignSummary) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO campaigns
        (id, user_id, sender_email, subject, total, sent_count, failed_count, cancelled, started_at, finished_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (id) DO UPDATE SET
            total = campaigns.total + EXCLUDED.total,
            sent_count = campaigns.sent_count + EXCLUDED.sent_count,
            failed_count = campaigns.failed_count + EXCLUDED.failed_count,
            cancelled = EXCLUDED.cancelled,
            finished_at = EXCLUDED.finished_at;`,
		summary.ID,
		summary.UserID,
		summary.SenderEmail,
		summary.Subject,
		summary.Total,
		summary.SentCount,
		summary.FailedCount,
		summary.Cancelled,
		summary.StartedAt.UTC(),
		summary.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record campaign: %w", err)
	}
	return nil
}

func (p *Postgres) ListCampaigns(ctx context.Context, userID string) ([]CampaignSummary, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, user_id, sender_email, subject, total, sent_count, failed_count, cancelled, started_at, finished_at
        FROM campaigns WHERE user_id = $1
        ORDER BY started_at DESC, id DESC;`, userID)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	summaries := []CampaignSummary{}
	for rows.Next() {
		var summary CampaignSummary
		if err := rows.Scan(
			&summary.ID,
			&summary.UserID,
			&summary.SenderEmail,
			&summary.Subject,
			&summary.Total,
			&summary.SentCount,
			&summary.FailedCount,
			&summary.Cancelled,
			&summary.StartedAt,
			&summary.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		summary.StartedAt = summary.StartedAt.UTC()
		summary.FinishedAt = summary.FinishedAt.UTC()
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	return summaries, nil
}
