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

// Healthy always returns true; if Postgres is down the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search ranks artifact previews with plainto_tsquery/ts_rank, joined to
// materials for the owner-or-public visibility scope.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT v.id, v.material_id, v.type,
			ts_headline('english', v.preview, plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			COUNT(*) OVER () AS total
		FROM artifact_versions v
		JOIN materials m ON m.id = v.material_id
		WHERE to_tsvector('english', v.preview) @@ plainto_tsquery('english', $1)
			AND m.deleted_at IS NULL
			AND (m.owner_id = $2 OR m.is_public)
	`
	args := []any{q.Text, q.UserID}
	if q.FilterType != "" {
		query += " AND v.type = $3"
		args = append(args, q.FilterType)
	}
	query += fmt.Sprintf(`
		ORDER BY ts_rank(to_tsvector('english', v.preview), plainto_tsquery('english', $1)) DESC, v.created_at DESC
		LIMIT %d`, limit)

	rows, err := p.db.QueryContext(context.Background(), query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts search: %w", err)
	}
	defer rows.Close()

	var results []Result
	total := 0
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.VersionID, &r.MaterialID, &r.Type, &r.Snippet, &total); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}
