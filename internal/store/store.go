package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Store persists story results and audit entries in Postgres.
type Store struct {
	DB *sql.DB
}

// StoryRecord is the persisted form of a finished (or cancelled) story.
type StoryRecord struct {
	StoryID      string
	Topic        string
	Category     string
	Status       string
	Completeness float64
	Document     json.RawMessage
	CreatedAt    time.Time
	FinishedAt   *time.Time
}

// NewWithDSN opens and pings a Postgres pool.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{DB: db}, nil
}

// Close releases the underlying pool.
func (s *Store) Close() error { return s.DB.Close() }

// SaveStoryResult upserts the final document of a story.
func (s *Store) SaveStoryResult(ctx context.Context, rec StoryRecord) error {
	if rec.StoryID == "" {
		return fmt.Errorf("story id is required")
	}
	if len(rec.Document) == 0 {
		rec.Document = json.RawMessage(`{}`)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO story_results (story_id, topic, category, status, completeness, document, created_at, finished_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (story_id) DO UPDATE SET
  status = EXCLUDED.status,
  completeness = EXCLUDED.completeness,
  document = EXCLUDED.document,
  finished_at = EXCLUDED.finished_at;
`, rec.StoryID, rec.Topic, rec.Category, rec.Status, rec.Completeness, []byte(rec.Document), rec.CreatedAt, rec.FinishedAt)
	if err != nil {
		return fmt.Errorf("save story result: %w", err)
	}
	return nil
}

// GetStoryResult loads a story document. The bool is false when no row exists.
func (s *Store) GetStoryResult(ctx context.Context, storyID string) (StoryRecord, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT story_id, topic, category, status, completeness, document, created_at, finished_at
FROM story_results WHERE story_id = $1`, storyID)
	rec, err := scanStory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return StoryRecord{}, false, nil
	}
	if err != nil {
		return StoryRecord{}, false, fmt.Errorf("get story result: %w", err)
	}
	return rec, true, nil
}

// ListStories returns the most recent stories, optionally filtered by status.
func (s *Store) ListStories(ctx context.Context, statuses []string, limit int) ([]StoryRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var (
		rows *sql.Rows
		err  error
	)
	if len(statuses) == 0 {
		rows, err = s.DB.QueryContext(ctx, `
SELECT story_id, topic, category, status, completeness, document, created_at, finished_at
FROM story_results ORDER BY created_at DESC LIMIT $1`, limit)
	} else {
		rows, err = s.DB.QueryContext(ctx, `
SELECT story_id, topic, category, status, completeness, document, created_at, finished_at
FROM story_results WHERE status = ANY($1) ORDER BY created_at DESC LIMIT $2`, pq.Array(statuses), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list stories: %w", err)
	}
	defer rows.Close()
	var out []StoryRecord
	for rows.Next() {
		rec, err := scanStory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan story: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanStory(sc scanner) (StoryRecord, error) {
	var (
		rec      StoryRecord
		doc      []byte
		finished sql.NullTime
	)
	if err := sc.Scan(&rec.StoryID, &rec.Topic, &rec.Category, &rec.Status, &rec.Completeness, &doc, &rec.CreatedAt, &finished); err != nil {
		return StoryRecord{}, err
	}
	rec.Document = json.RawMessage(doc)
	if finished.Valid {
		t := finished.Time
		rec.FinishedAt = &t
	}
	return rec, nil
}
