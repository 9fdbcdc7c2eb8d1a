// Package audit records FHIR AuditEvent-shaped entries, collapsed into one
// generic audit_log table rather than a dedicated column per FHIR
// AuditEvent field — the detail JSONB column carries whatever structured
// context a specific action wants to record, the way internal/store's body
// column carries arbitrary resource JSON instead of one column per FHIR
// element. Record writes each entry directly; the resource write and read
// paths (internal/crud, internal/txn, internal/httpapi) do not call it.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/ehr/internal/fhirerr"
)

// Action codes, following the FHIR AuditEvent.action ValueSet (C/R/U/D/E).
const (
	ActionCreate  = "C"
	ActionRead    = "R"
	ActionUpdate  = "U"
	ActionDelete  = "D"
	ActionExecute = "E"
)

// Outcome codes, following the FHIR AuditEvent.outcome ValueSet.
const (
	OutcomeSuccess        = "0"
	OutcomeMinorFailure   = "4"
	OutcomeSeriousFailure = "8"
	OutcomeMajorFailure   = "12"
)

// Entry is one audit_log row.
type Entry struct {
	ID           int64
	Recorded     time.Time
	Action       string
	Outcome      string
	ResourceType string
	ResourceID   string
	Agent        string
	RequestID    string
	Detail       map[string]interface{}
}

// Logger writes and queries the audit_log table.
type Logger struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Logger {
	return &Logger{pool: pool}
}

// Event describes one action to record.
type Event struct {
	Action       string
	Outcome      string
	ResourceType string
	ResourceID   string
	Agent        string
	RequestID    string
	Detail       map[string]interface{}
}

// Record writes an audit entry. Callers on the write path (internal/crud,
// internal/txn) should call this after their own transaction commits —
// an audited write that never happened is a worse failure mode than an
// audit entry missing for a write that did, so audit logging never
// participates in the resource write's transaction.
func (l *Logger) Record(ctx context.Context, e Event) error {
	if e.Outcome == "" {
		e.Outcome = OutcomeSuccess
	}
	detail := e.Detail
	if detail == nil {
		detail = map[string]interface{}{}
	}
	body, err := json.Marshal(detail)
	if err != nil {
		return fhirerr.InvalidResource("invalid audit detail: " + err.Error())
	}
	_, err = l.pool.Exec(ctx, `
		INSERT INTO audit_log (action, outcome, resource_type, resource_id, agent, request_id, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.Action, e.Outcome, e.ResourceType, e.ResourceID, e.Agent, e.RequestID, body)
	if err != nil {
		return fhirerr.Database(err)
	}
	return nil
}

// ForResource returns the most recent audit entries for a specific
// resource identity, newest first, capped at limit.
func (l *Logger) ForResource(ctx context.Context, resourceType, resourceID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.pool.Query(ctx, `
		SELECT id, recorded, action, outcome, resource_type, resource_id,
		       coalesce(agent, ''), coalesce(request_id, ''), detail
		FROM audit_log
		WHERE resource_type = $1 AND resource_id = $2
		ORDER BY recorded DESC
		LIMIT $3`, resourceType, resourceID, limit)
	if err != nil {
		return nil, fhirerr.Database(err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Since returns every audit entry recorded at or after t, oldest first,
// for export/reporting pipelines.
func (l *Logger) Since(ctx context.Context, t time.Time, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := l.pool.Query(ctx, `
		SELECT id, recorded, action, outcome, resource_type, resource_id,
		       coalesce(agent, ''), coalesce(request_id, ''), detail
		FROM audit_log
		WHERE recorded >= $1
		ORDER BY recorded ASC
		LIMIT $2`, t, limit)
	if err != nil {
		return nil, fhirerr.Database(err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows pgx.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var e Entry
		var detail []byte
		if err := rows.Scan(&e.ID, &e.Recorded, &e.Action, &e.Outcome, &e.ResourceType, &e.ResourceID, &e.Agent, &e.RequestID, &detail); err != nil {
			return nil, fhirerr.Database(err)
		}
		if len(detail) > 0 {
			_ = json.Unmarshal(detail, &e.Detail)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fhirerr.Database(err)
	}
	return out, nil
}
