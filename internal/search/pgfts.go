package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher over the segments table's generated tsvector.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, so is everything else.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search matches saved target text with plainto_tsquery, ranked by ts_rank,
// with ts_headline for snippets.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	q = normalize(q)

	where, args := pgWhere(q)

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT count(*) FROM segments s WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT s.project_id, s.id, s.target_text,
			ts_headline('simple', s.target_text, plainto_tsquery('simple', $1), 'StartSel=<mark>,StopSel=</mark>,MaxFragments=1,MaxWords=30') AS snippet,
			s.status, s.updated_by_name
		FROM segments s
		WHERE %s
		ORDER BY ts_rank(s.search_vector, plainto_tsquery('simple', $1)) DESC, s.updated_at DESC
		LIMIT %d OFFSET %d`, where, q.Limit, q.Offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ProjectID, &r.SegmentID, &r.TargetText, &r.Snippet, &r.Status, &r.UpdatedByName); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

func pgWhere(q Query) (string, []any) {
	clauses := []string{"s.search_vector @@ plainto_tsquery('simple', $1)"}
	args := []any{q.Text}
	if q.ProjectID != "" {
		args = append(args, q.ProjectID)
		clauses = append(clauses, fmt.Sprintf("s.project_id = $%d", len(args)))
	}
	if q.Status != "" {
		args = append(args, q.Status)
		clauses = append(clauses, fmt.Sprintf("s.status = $%d", len(args)))
	}
	return strings.Join(clauses, " AND "), args
}

// LoadAllRecords returns every saved segment for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]SegmentRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT project_id, id, target_text, status, updated_by_name, updated_at
		FROM segments
	`)
	if err != nil {
		return nil, fmt.Errorf("load segments: %w", err)
	}
	defer rows.Close()

	records := make([]SegmentRecord, 0)
	for rows.Next() {
		var r SegmentRecord
		var updatedAt sql.NullTime
		if err := rows.Scan(&r.ProjectID, &r.SegmentID, &r.TargetText, &r.Status, &r.UpdatedByName, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		r.ID = RecordID(r.ProjectID, r.SegmentID)
		if updatedAt.Valid {
			r.UpdatedAt = updatedAt.Time.Unix()
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate segments: %w", err)
	}
	return records, nil
}
