package store

import (
	"context"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/newser-intel/internal/audit"
)

// AppendAudit inserts one audit entry.
func (s *Store) AppendAudit(ctx context.Context, e audit.Entry) error {
	if e.StoryID == "" {
		return fmt.Errorf("audit entry requires story id")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO audit_log (story_id, occurred_at, sender, recipient, kind, summary)
VALUES ($1,$2,$3,$4,$5,$6)`, e.StoryID, e.Timestamp, e.From, e.To, e.Kind, e.Summary)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// ListAudit returns a story's entries in insertion order.
func (s *Store) ListAudit(ctx context.Context, storyID string) ([]audit.Entry, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT story_id, occurred_at, sender, recipient, kind, summary
FROM audit_log WHERE story_id = $1 ORDER BY id ASC`, storyID)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()
	var out []audit.Entry
	for rows.Next() {
		var e audit.Entry
		if err := rows.Scan(&e.StoryID, &e.Timestamp, &e.From, &e.To, &e.Kind, &e.Summary); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AuditLog exposes the store as an audit.Log.
func (s *Store) AuditLog() audit.Log { return auditLog{s} }

type auditLog struct{ s *Store }

func (a auditLog) Append(ctx context.Context, e audit.Entry) error { return a.s.AppendAudit(ctx, e) }

func (a auditLog) List(ctx context.Context, storyID string) ([]audit.Entry, error) {
	return a.s.ListAudit(ctx, storyID)
}
