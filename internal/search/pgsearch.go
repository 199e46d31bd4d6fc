package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// PgSearch implements Searcher with a plain ILIKE scan over trip_messages.
// It has none of Meilisearch's typo tolerance but works on every
// deployment with no extra infrastructure.
type PgSearch struct {
	db *sql.DB
}

func NewPgSearch(db *sql.DB) *PgSearch {
	return &PgSearch{db: db}
}

// Healthy always returns true: if Postgres is down the whole app is down.
func (p *PgSearch) Healthy() bool {
	return true
}

func (p *PgSearch) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pattern := "%" + escapeLike(q.Text) + "%"
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, trip_id, text, sender_name, sent_at, COUNT(*) OVER ()
		FROM trip_messages
		WHERE trip_id = $1 AND text ILIKE $2
		ORDER BY sent_at DESC NULLS LAST
		LIMIT $3 OFFSET $4
	`, q.TripID, pattern, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()

	var results []Result
	total := 0
	for rows.Next() {
		var r Result
		var sentAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.TripID, &r.Snippet, &r.Sender, &sentAt, &total); err != nil {
			return nil, 0, fmt.Errorf("scan search hit: %w", err)
		}
		if sentAt.Valid {
			r.SentAt = sentAt.Time
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate search hits: %w", err)
	}
	return results, total, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
