package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS searches the generated tsvector columns when Meilisearch is down.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; without Postgres the API is down anyway.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search ranks visible people and moments of q.UserID with ts_rank and
// builds snippets with ts_headline.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
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

	args := []any{q.Text, q.UserID}
	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultPerson {
		subQueries = append(subQueries, `
			SELECT 'person'::text AS type, p.id::text AS id, p.display_name AS title,
				p.relationship_label AS snippet,
				''::text AS date,
				ts_rank(p.fts, plainto_tsquery('simple', $1)) AS rank
			FROM people p
			WHERE p.user_id = $2
				AND p.deleted_at IS NULL
				AND p.merged_into_person_id IS NULL
				AND p.fts @@ plainto_tsquery('simple', $1)`)
	}

	if q.FilterType == "" || q.FilterType == ResultMoment {
		subQueries = append(subQueries, `
			SELECT 'moment'::text AS type, m.id::text AS id, m.title,
				ts_headline('english', coalesce(m.description, ''), plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
				to_char(m.moment_date, 'YYYY-MM-DD') AS date,
				ts_rank(m.fts, plainto_tsquery('english', $1)) AS rank
			FROM moments m
			WHERE m.user_id = $2
				AND m.fts @@ plainto_tsquery('english', $1)`)
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}
	union := strings.Join(subQueries, " UNION ALL ")

	var total int
	if err := p.db.QueryRowContext(ctx, fmt.Sprintf("SELECT count(*) FROM (%s) sub", union), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`SELECT type, id, title, snippet, date
		FROM (%s) sub
		ORDER BY rank DESC, title ASC
		LIMIT %d OFFSET %d`, union, limit, offset), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.Date); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every person and moment for a full reindex.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]PersonRecord, []MomentRecord, error) {
	personRows, err := p.db.QueryContext(ctx, `
		SELECT id::text, user_id::text, display_name, relationship_label,
			deleted_at IS NULL AND merged_into_person_id IS NULL
		FROM people
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load people: %w", err)
	}
	defer personRows.Close()

	people := make([]PersonRecord, 0)
	for personRows.Next() {
		var r PersonRecord
		if err := personRows.Scan(&r.ID, &r.UserID, &r.DisplayName, &r.RelationshipLabel, &r.Visible); err != nil {
			return nil, nil, fmt.Errorf("scan person: %w", err)
		}
		people = append(people, r)
	}
	if err := personRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate people: %w", err)
	}

	momentRows, err := p.db.QueryContext(ctx, `
		SELECT id::text, user_id::text, title, coalesce(description, ''), to_char(moment_date, 'YYYY-MM-DD'), status
		FROM moments
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load moments: %w", err)
	}
	defer momentRows.Close()

	moments := make([]MomentRecord, 0)
	for momentRows.Next() {
		var r MomentRecord
		if err := momentRows.Scan(&r.ID, &r.UserID, &r.Title, &r.Description, &r.Date, &r.Status); err != nil {
			return nil, nil, fmt.Errorf("scan moment: %w", err)
		}
		moments = append(moments, r)
	}
	if err := momentRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate moments: %w", err)
	}

	return people, moments, nil
}
