package store

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/mohammad-safakhou/newser-intel/internal/audit"
)

func TestSaveStoryResult(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	finished := time.Now().UTC()
	rec := StoryRecord{
		StoryID:      "story-1",
		Topic:        "Aegean talks",
		Category:     "politics",
		Status:       "Done",
		Completeness: 0.75,
		Document:     json.RawMessage(`{"status":"Done"}`),
		CreatedAt:    finished.Add(-time.Minute),
		FinishedAt:   &finished,
	}

	query := regexp.QuoteMeta(`
INSERT INTO story_results (story_id, topic, category, status, completeness, document, created_at, finished_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (story_id) DO UPDATE SET
  status = EXCLUDED.status,
  completeness = EXCLUDED.completeness,
  document = EXCLUDED.document,
  finished_at = EXCLUDED.finished_at;
`)
	mock.ExpectExec(query).
		WithArgs(rec.StoryID, rec.Topic, rec.Category, rec.Status, rec.Completeness, []byte(rec.Document), rec.CreatedAt, rec.FinishedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.SaveStoryResult(context.Background(), rec); err != nil {
		t.Fatalf("SaveStoryResult: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSaveStoryResultRequiresID(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	if err := (&Store{DB: db}).SaveStoryResult(context.Background(), StoryRecord{}); err == nil {
		t.Fatalf("expected error for missing story id")
	}
}

func TestGetStoryResult(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	created := time.Now().UTC()
	query := regexp.QuoteMeta(`
SELECT story_id, topic, category, status, completeness, document, created_at, finished_at
FROM story_results WHERE story_id = $1`)
	rows := sqlmock.NewRows([]string{"story_id", "topic", "category", "status", "completeness", "document", "created_at", "finished_at"}).
		AddRow("story-1", "Aegean talks", "politics", "PartiallyFailed", 0.5, []byte(`{"gaps":[]}`), created, nil)
	mock.ExpectQuery(query).WithArgs("story-1").WillReturnRows(rows)

	rec, ok, err := st.GetStoryResult(context.Background(), "story-1")
	if err != nil || !ok {
		t.Fatalf("GetStoryResult: ok=%v err=%v", ok, err)
	}
	if rec.Status != "PartiallyFailed" || rec.Completeness != 0.5 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.FinishedAt != nil {
		t.Fatalf("expected nil finished_at")
	}

	mock.ExpectQuery(query).WithArgs("missing").WillReturnRows(sqlmock.NewRows([]string{"story_id"}))
	if _, ok, err := st.GetStoryResult(context.Background(), "missing"); ok || err != nil {
		t.Fatalf("expected clean miss, ok=%v err=%v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListStoriesByStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	query := regexp.QuoteMeta(`
SELECT story_id, topic, category, status, completeness, document, created_at, finished_at
FROM story_results WHERE status = ANY($1) ORDER BY created_at DESC LIMIT $2`)
	rows := sqlmock.NewRows([]string{"story_id", "topic", "category", "status", "completeness", "document", "created_at", "finished_at"}).
		AddRow("a", "t", "c", "Done", 1.0, []byte(`{}`), time.Now(), time.Now())
	mock.ExpectQuery(query).WithArgs(sqlmock.AnyArg(), 50).WillReturnRows(rows)

	recs, err := st.ListStories(context.Background(), []string{"Done"}, 0)
	if err != nil {
		t.Fatalf("ListStories: %v", err)
	}
	if len(recs) != 1 || recs[0].FinishedAt == nil {
		t.Fatalf("unexpected records %+v", recs)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestAuditLogRoundTrip(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	log := (&Store{DB: db}).AuditLog()
	at := time.Now().UTC()
	entry := audit.Entry{StoryID: "s1", Timestamp: at, From: "factcheck", To: "greek", Kind: "request", Summary: "claim"}

	mock.ExpectExec(regexp.QuoteMeta(`
INSERT INTO audit_log (story_id, occurred_at, sender, recipient, kind, summary)
VALUES ($1,$2,$3,$4,$5,$6)`)).
		WithArgs("s1", at, "factcheck", "greek", "request", "claim").
		WillReturnResult(sqlmock.NewResult(1, 1))
	if err := log.Append(context.Background(), entry); err != nil {
		t.Fatalf("Append: %v", err)
	}

	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT story_id, occurred_at, sender, recipient, kind, summary
FROM audit_log WHERE story_id = $1 ORDER BY id ASC`)).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"story_id", "occurred_at", "sender", "recipient", "kind", "summary"}).
			AddRow("s1", at, "factcheck", "greek", "request", "claim").
			AddRow("s1", at, "greek", "factcheck", "response", "verified"))
	entries, err := log.List(context.Background(), "s1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 || entries[1].Kind != "response" {
		t.Fatalf("unexpected entries %+v", entries)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
