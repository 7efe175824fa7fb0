package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher over document_descriptions using PostgreSQL
// full-text search. Only documents saved through the Postgres store are
// visible to it.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true: the store shares the same database.
func (p *PgFTS) Healthy() bool {
	return true
}

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('simple', $1)"
	where := "d.fts @@ " + tsQuery
	args := []any{q.Text}
	if q.Workspace != "" {
		args = append(args, q.Workspace)
		where += fmt.Sprintf(" AND d.workspace = $%d", len(args))
	}
	if q.Project != "" {
		args = append(args, q.Project)
		where += fmt.Sprintf(" AND d.project = $%d", len(args))
	}

	var total int
	countSQL := "SELECT count(*) FROM document_descriptions d WHERE " + where
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT d.workspace, d.project, d.document_id,
			ts_headline('simple', d.description_text, %s, 'MaxFragments=1,MaxWords=30,StartSel=<mark>,StopSel=</mark>')
		FROM document_descriptions d
		WHERE %s
		ORDER BY ts_rank(d.fts, %s) DESC, d.updated_at DESC
		LIMIT %d OFFSET %d`, tsQuery, where, tsQuery, defaultLimit(q.Limit), offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.Workspace, &r.Project, &r.DocumentID, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every stored document for a full reindex.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]DocumentRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT workspace, project, document_id, description_text, updated_at
		FROM document_descriptions
	`)
	if err != nil {
		return nil, fmt.Errorf("load documents: %w", err)
	}
	defer rows.Close()

	records := make([]DocumentRecord, 0)
	for rows.Next() {
		var r DocumentRecord
		var updatedAt sql.NullTime
		if err := rows.Scan(&r.Workspace, &r.Project, &r.DocumentID, &r.Text, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		r.ID = RecordID(storeKey(r))
		if updatedAt.Valid {
			r.UpdatedAt = updatedAt.Time.Unix()
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return records, nil
}
