package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search queries the posts table with plainto_tsquery and ts_rank, using
// ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
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

	where := "p.fts @@ plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2
	if q.ThreadID != "" {
		where += fmt.Sprintf(" AND (p.thread_id = $%d OR p.id = $%d)", argN, argN)
		args = append(args, q.ThreadID)
		argN++
	}
	if q.Level > 0 {
		where += fmt.Sprintf(" AND p.level = $%d", argN)
		args = append(args, q.Level)
		argN++
	}

	countQuery := `SELECT count(*) FROM posts p WHERE ` + where
	var total int
	if err := p.db.QueryRowContext(context.Background(), countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT p.id, p.thread_id, p.level, p.title, p.author,
			ts_headline('english', coalesce(p.body, ''), plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet
		FROM posts p
		WHERE %s
		ORDER BY ts_rank(p.fts, plainto_tsquery('english', $1)) DESC
		LIMIT %d OFFSET %d
	`, where, limit, offset)

	rows, err := p.db.QueryContext(context.Background(), query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts search: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.ThreadID, &r.Level, &r.Title, &r.Author, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("pgfts iterate: %w", err)
	}
	return results, total, nil
}

// LoadAllRecords reads every post for a bulk reindex into Meilisearch.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]PostRecord, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, thread_id, level, title, body, author FROM posts`)
	if err != nil {
		return nil, fmt.Errorf("load posts: %w", err)
	}
	defer rows.Close()

	var records []PostRecord
	for rows.Next() {
		var r PostRecord
		if err := rows.Scan(&r.ID, &r.ThreadID, &r.Level, &r.Title, &r.Body, &r.Author); err != nil {
			return nil, fmt.Errorf("scan post record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
