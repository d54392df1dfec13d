package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Filter narrows audit searches. Zero values match everything.
type Filter struct {
	Action       string
	UserID       string
	ResourceType string
	ResourceID   string
	From         *time.Time
	To           *time.Time
}

type Count struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// Summary aggregates the audit trail since a point in time.
type Summary struct {
	Period        string  `json:"period"`
	TotalEvents   int     `json:"totalEvents"`
	ByAction      []Count `json:"actionStats"`
	ByResource    []Count `json:"resourceStats"`
	DailyActivity []Count `json:"dailyActivity"`
}

// Store persists and queries audit events.
type Store interface {
	Insert(ctx context.Context, e *Event) error
	Search(ctx context.Context, f Filter, limit, offset int) ([]*Event, int, error)
	Summary(ctx context.Context, since time.Time) (*Summary, error)
	DistinctActions(ctx context.Context) ([]string, error)
	DistinctResourceTypes(ctx context.Context) ([]string, error)
}

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type storePG struct{ db queryable }

// NewStorePG returns a Store backed by the audit_events table. Audit writes
// always use the pool so a rolled-back business transaction keeps its trail.
func NewStorePG(pool *pgxpool.Pool) Store {
	return &storePG{db: pool}
}

const eventCols = `id, user_id, action, resource_type, resource_id, details,
	ip_address, user_agent, request_id, created_at`

func scanEvent(row pgx.Row) (*Event, error) {
	var e Event
	var details []byte
	if err := row.Scan(&e.ID, &e.UserID, &e.Action, &e.ResourceType, &e.ResourceID,
		&details, &e.IPAddress, &e.UserAgent, &e.RequestID, &e.CreatedAt); err != nil {
		return nil, err
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &e.Details); err != nil {
			return nil, fmt.Errorf("decode audit details: %w", err)
		}
	}
	return &e, nil
}

func (s *storePG) Insert(ctx context.Context, e *Event) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Details == nil {
		e.Details = map[string]interface{}{}
	}
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("encode audit details: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO audit_events (id, user_id, action, resource_type, resource_id, details,
			ip_address, user_agent, request_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		e.ID, e.UserID, e.Action, e.ResourceType, e.ResourceID, details,
		e.IPAddress, e.UserAgent, e.RequestID, e.CreatedAt)
	return err
}

// where renders the filter as a WHERE clause with positional args.
func (f Filter) where() (string, []interface{}) {
	var clauses []string
	var args []interface{}
	add := func(expr string, v interface{}) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(expr, len(args)))
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.ResourceType != "" {
		add("resource_type = $%d", f.ResourceType)
	}
	if f.ResourceID != "" {
		add("resource_id = $%d", f.ResourceID)
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at <= $%d", *f.To)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (s *storePG) Search(ctx context.Context, f Filter, limit, offset int) ([]*Event, int, error) {
	where, args := f.where()

	var total int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM audit_events`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	n := len(args)
	q := fmt.Sprintf(`SELECT %s FROM audit_events%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		eventCols, where, n+1, n+2)
	rows, err := s.db.Query(ctx, q, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, e)
	}
	return items, total, rows.Err()
}

func (s *storePG) counts(ctx context.Context, q string, since time.Time) ([]Count, error) {
	rows, err := s.db.Query(ctx, q, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Count
	for rows.Next() {
		var c Count
		if err := rows.Scan(&c.Key, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *storePG) Summary(ctx context.Context, since time.Time) (*Summary, error) {
	sum := &Summary{}
	if err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM audit_events WHERE created_at >= $1`, since).Scan(&sum.TotalEvents); err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}

	var err error
	if sum.ByAction, err = s.counts(ctx, `
		SELECT action, COUNT(*) FROM audit_events WHERE created_at >= $1
		GROUP BY action ORDER BY COUNT(*) DESC`, since); err != nil {
		return nil, fmt.Errorf("action stats: %w", err)
	}
	if sum.ByResource, err = s.counts(ctx, `
		SELECT resource_type, COUNT(*) FROM audit_events
		WHERE created_at >= $1 AND resource_type <> ''
		GROUP BY resource_type ORDER BY COUNT(*) DESC`, since); err != nil {
		return nil, fmt.Errorf("resource stats: %w", err)
	}
	if sum.DailyActivity, err = s.counts(ctx, `
		SELECT to_char(created_at::date, 'YYYY-MM-DD'), COUNT(*) FROM audit_events
		WHERE created_at >= $1
		GROUP BY created_at::date ORDER BY created_at::date`, since); err != nil {
		return nil, fmt.Errorf("daily activity: %w", err)
	}
	return sum, nil
}

func (s *storePG) distinct(ctx context.Context, col string) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT DISTINCT `+col+` FROM audit_events WHERE `+col+` <> '' ORDER BY `+col)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *storePG) DistinctActions(ctx context.Context) ([]string, error) {
	return s.distinct(ctx, "action")
}

func (s *storePG) DistinctResourceTypes(ctx context.Context) ([]string, error) {
	return s.distinct(ctx, "resource_type")
}
