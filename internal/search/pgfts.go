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

// Healthy always returns true because if Postgres is down the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search queries the casos FTS column with plainto_tsquery and ts_rank,
// using ts_headline for snippets.
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

	const tsQuery = "plainto_tsquery('spanish', $1)"
	where := `c.activo AND c.fts @@ ` + tsQuery + `
		AND ($2='' OR c.tipo_caso=$2)
		AND ($3='' OR c.estado=$3)`
	args := []any{q.Text, q.FilterCategory, q.FilterStatus}

	ctx := context.Background()

	var total int
	countSQL := "SELECT count(*) FROM casos c WHERE " + where
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT c.id, c.numero_caso, c.titulo,
			ts_headline('spanish', coalesce(c.descripcion, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
			c.tipo_caso, c.estado
		FROM casos c
		WHERE %s
		ORDER BY ts_rank(c.fts, %s) DESC
		LIMIT %d OFFSET %d`, tsQuery, where, tsQuery, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.CaseNumber, &r.Title, &r.Snippet, &r.Category, &r.Status); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns every active case for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]CaseRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, numero_caso, titulo, descripcion, cliente_nombre, tipo_caso, estado
		FROM casos
		WHERE activo
	`)
	if err != nil {
		return nil, fmt.Errorf("load cases: %w", err)
	}
	defer rows.Close()

	records := make([]CaseRecord, 0)
	for rows.Next() {
		var r CaseRecord
		if err := rows.Scan(&r.ID, &r.CaseNumber, &r.Title, &r.Description, &r.ClientName, &r.Category, &r.Status); err != nil {
			return nil, fmt.Errorf("scan case record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate case records: %w", err)
	}
	return records, nil
}
