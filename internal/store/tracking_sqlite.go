package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

var _ TrackingStore = (*SQLite)(nil)
var _ TrackingStore = (*FileStore)(nil)

func (s *SQLite) Create(ctx context.Context, record Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO tracking_records
        (token, user_id, recipient_email, subject, campaign_id, open_count, first_opened_at, last_opened_at, user_agent, ip_address, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		record.Token,
		record.UserID,
		record.RecipientEmail,
		record.Subject,
		record.CampaignID,
		record.OpenCount,
		toMillis(record.FirstOpenedAt),
		toMillis(record.LastOpenedAt),
		record.UserAgent,
		record.IPAddress,
		record.CreatedAt.UnixMilli(),
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert tracking record: %w", err)
	}
	if err := insertLinks(ctx, tx, record.Token, 0, record.Links); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tracking record: %w", err)
	}
	return nil
}

func (s *SQLite) AddLinks(ctx context.Context, token string, links []Link) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var next int
	err = tx.QueryRowContext(ctx, `SELECT
        (SELECT COUNT(1) FROM tracking_links WHERE record_token = ?)
        FROM tracking_records WHERE token = ?;`, token, token).Scan(&next)
	if err != nil {
		return notFound(err)
	}
	if err := insertLinks(ctx, tx, token, next, links); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tracking links: %w", err)
	}
	return nil
}

func insertLinks(ctx context.Context, tx *sql.Tx, token string, start int, links []Link) error {
	for i, link := range links {
		_, err := tx.ExecContext(ctx, `INSERT INTO tracking_links
            (click_token, record_token, position, original_url, click_count, first_clicked_at, last_clicked_at, user_agent, ip_address)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`,
			link.ClickToken,
			token,
			start+i,
			link.OriginalURL,
			link.ClickCount,
			toMillis(link.FirstClickedAt),
			toMillis(link.LastClickedAt),
			link.UserAgent,
			link.IPAddress,
		)
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		if err != nil {
			return fmt.Errorf("insert tracking link: %w", err)
		}
	}
	return nil
}

func (s *SQLite) RecordOpen(ctx context.Context, token string, ev Event) (Record, error) {
	at := ev.At.UnixMilli()
	result, err := s.db.ExecContext(ctx, `UPDATE tracking_records SET
        open_count = open_count + 1,
        first_opened_at = COALESCE(first_opened_at, ?),
        last_opened_at = ?,
        user_agent = COALESCE(NULLIF(?, ''), user_agent),
        ip_address = COALESCE(NULLIF(?, ''), ip_address)
        WHERE token = ?;`, at, at, ev.UserAgent, ev.IP, token)
	if err != nil {
		return Record{}, fmt.Errorf("record open: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return Record{}, fmt.Errorf("record open: %w", err)
	} else if n == 0 {
		return Record{}, ErrNotFound
	}
	return s.Get(ctx, token)
}

func (s *SQLite) RecordClick(ctx context.Context, clickToken string, ev Event) (Record, Link, error) {
	at := ev.At.UnixMilli()
	var token string
	err := s.db.QueryRowContext(ctx, `UPDATE tracking_links SET
        click_count = click_count + 1,
        first_clicked_at = COALESCE(first_clicked_at, ?),
        last_clicked_at = ?,
        user_agent = COALESCE(NULLIF(?, ''), user_agent),
        ip_address = COALESCE(NULLIF(?, ''), ip_address)
        WHERE click_token = ?
        RETURNING record_token;`, at, at, ev.UserAgent, ev.IP, clickToken).Scan(&token)
	if err != nil {
		err = notFound(err)
		if err == ErrNotFound {
			return Record{}, Link{}, err
		}
		return Record{}, Link{}, fmt.Errorf("record click: %w", err)
	}

	rec, err := s.Get(ctx, token)
	if err != nil {
		return Record{}, Link{}, err
	}
	i := rec.LinkIndex(clickToken)
	if i < 0 {
		return Record{}, Link{}, ErrNotFound
	}
	return rec, rec.Links[i], nil
}

const recordColumns = `token, user_id, recipient_email, subject, campaign_id, open_count,
    first_opened_at, last_opened_at, user_agent, ip_address, created_at`

func (s *SQLite) Get(ctx context.Context, token string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM tracking_records WHERE token = ?;`, token)
	rec, err := scanRecord(row)
	if err != nil {
		if err = notFound(err); err == ErrNotFound {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("get tracking record: %w", err)
	}
	links, err := s.queryLinks(ctx, `SELECT `+linkColumns+` FROM tracking_links
        WHERE record_token = ?
        ORDER BY position;`, token)
	if err != nil {
		return Record{}, err
	}
	rec.Links = links[token]
	if rec.Links == nil {
		rec.Links = []Link{}
	}
	return rec, nil
}

func (s *SQLite) List(ctx context.Context, filter Filter) ([]Record, error) {
	args := []any{filter.UserID, filter.UserID, filter.CampaignID, filter.CampaignID}
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM tracking_records
        WHERE (? = '' OR user_id = ?) AND (? = '' OR campaign_id = ?)
        ORDER BY created_at ASC, token ASC;`, args...)
	if err != nil {
		return nil, fmt.Errorf("list tracking records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tracking record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tracking records: %w", err)
	}
	rows.Close()
	if len(records) == 0 {
		return []Record{}, nil
	}

	// Links are selected through the same filter so the statement carries a
	// fixed number of parameters however many records match.
	links, err := s.queryLinks(ctx, `SELECT `+prefixed("l.", linkColumns)+`
        FROM tracking_links l
        JOIN tracking_records r ON r.token = l.record_token
        WHERE (? = '' OR r.user_id = ?) AND (? = '' OR r.campaign_id = ?)
        ORDER BY l.record_token, l.position;`, args...)
	if err != nil {
		return nil, err
	}
	for i := range records {
		records[i].Links = links[records[i].Token]
		if records[i].Links == nil {
			records[i].Links = []Link{}
		}
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var first, last sql.NullInt64
	var createdAt int64
	if err := row.Scan(
		&rec.Token,
		&rec.UserID,
		&rec.RecipientEmail,
		&rec.Subject,
		&rec.CampaignID,
		&rec.OpenCount,
		&first,
		&last,
		&rec.UserAgent,
		&rec.IPAddress,
		&createdAt,
	); err != nil {
		return Record{}, err
	}
	rec.FirstOpenedAt = fromMillis(first)
	rec.LastOpenedAt = fromMillis(last)
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	return rec, nil
}

const linkColumns = `record_token, click_token, original_url, click_count,
    first_clicked_at, last_clicked_at, user_agent, ip_address`

func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, part := range parts {
		parts[i] = alias + strings.TrimSpace(part)
	}
	return strings.Join(parts, ", ")
}

func (s *SQLite) queryLinks(ctx context.Context, query string, args ...any) (map[string][]Link, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tracking links: %w", err)
	}
	defer rows.Close()

	result := make(map[string][]Link)
	for rows.Next() {
		var token string
		var link Link
		var first, last sql.NullInt64
		if err := rows.Scan(
			&token,
			&link.ClickToken,
			&link.OriginalURL,
			&link.ClickCount,
			&first,
			&last,
			&link.UserAgent,
			&link.IPAddress,
		); err != nil {
			return nil, fmt.Errorf("scan tracking link: %w", err)
		}
		link.FirstClickedAt = fromMillis(first)
		link.LastClickedAt = fromMillis(last)
		result[token] = append(result[token], link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tracking links: %w", err)
	}
	return result, nil
}
