package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"reqdesk/api/internal/rbac"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across requests and messages using
// plainto_tsquery and ts_rank, with ts_headline for snippets.
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

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}

	// Scope every branch to the viewer. Both branches alias requests as r,
	// so the same predicate applies to request and message hits.
	ownerWhere := ""
	switch q.ViewerRole {
	case rbac.RoleAdmin:
	case rbac.RoleReviewer:
		args = append(args, q.ViewerID)
		ownerWhere = fmt.Sprintf(" AND r.reviewer_id = $%d", len(args))
	default:
		args = append(args, q.ViewerID)
		ownerWhere = fmt.Sprintf(" AND r.client_id = $%d", len(args))
	}

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultRequest {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'request'::text AS type, r.id, r.title,
				ts_headline('english', r.title, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				r.id AS request_id, r.status,
				FALSE AS is_internal,
				r.client_id, COALESCE(r.reviewer_id, '') AS reviewer_id,
				ts_rank(r.fts, %s) AS rank
			FROM requests r
			WHERE r.fts @@ %s%s`, tsQuery, tsQuery, tsQuery, ownerWhere))
	}

	if q.FilterType == "" || q.FilterType == ResultMessage {
		messageWhere := "m.fts @@ " + tsQuery + ownerWhere
		if !rbac.IsStaff(q.ViewerRole) {
			messageWhere += " AND m.is_internal = FALSE"
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'message'::text AS type, m.id, r.title,
				ts_headline('english', m.body, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				m.request_id, r.status,
				m.is_internal,
				r.client_id, COALESCE(r.reviewer_id, '') AS reviewer_id,
				ts_rank(m.fts, %s) AS rank
			FROM messages m
			JOIN requests r ON r.id = m.request_id
			WHERE %s`, tsQuery, tsQuery, messageWhere))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, request_id, status, is_internal, client_id, reviewer_id
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.RequestID, &r.Status, &r.IsInternal, &r.ClientID, &r.ReviewerID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]RequestRecord, []MessageRecord, error) {
	requestRows, err := p.db.QueryContext(ctx, `
		SELECT id, title, status, urgency, client_id, COALESCE(reviewer_id, '')
		FROM requests
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load requests: %w", err)
	}
	defer requestRows.Close()

	requests := make([]RequestRecord, 0)
	for requestRows.Next() {
		var r RequestRecord
		if err := requestRows.Scan(&r.ID, &r.Title, &r.Status, &r.Urgency, &r.ClientID, &r.ReviewerID); err != nil {
			return nil, nil, fmt.Errorf("scan request: %w", err)
		}
		requests = append(requests, r)
	}
	if err := requestRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate requests: %w", err)
	}

	messageRows, err := p.db.QueryContext(ctx, `
		SELECT m.id, m.body, m.request_id, m.is_internal, r.client_id, COALESCE(r.reviewer_id, '')
		FROM messages m
		JOIN requests r ON r.id = m.request_id
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load messages: %w", err)
	}
	defer messageRows.Close()

	messages := make([]MessageRecord, 0)
	for messageRows.Next() {
		var m MessageRecord
		if err := messageRows.Scan(&m.ID, &m.Body, &m.RequestID, &m.IsInternal, &m.ClientID, &m.ReviewerID); err != nil {
			return nil, nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := messageRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate messages: %w", err)
	}

	return requests, messages, nil
}
