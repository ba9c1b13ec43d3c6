package search

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"segcat/api/internal/store"
)

func TestPgFTSSearchSavedSegments(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := strings.TrimSpace(os.Getenv("SEGCAT_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("SEGCAT_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := store.Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	defer db.Close()
	if _, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if _, err := store.ApplyMigrations(ctx, db, "../../db/migrations"); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	segments := store.NewPostgresStore(db)
	for _, w := range []store.SegmentWrite{
		{ProjectID: "p1", SegmentID: "seg-1", TargetText: "El gato duerme", Status: "translated", UpdatedByName: "Ana"},
		{ProjectID: "p1", SegmentID: "seg-2", TargetText: "El perro ladra", Status: "draft", UpdatedByName: "Ana"},
		{ProjectID: "p2", SegmentID: "seg-1", TargetText: "Un gato negro", Status: "translated", UpdatedByName: "Luis"},
	} {
		if _, err := segments.SaveSegment(ctx, w); err != nil {
			t.Fatalf("save %s/%s: %v", w.ProjectID, w.SegmentID, err)
		}
	}

	fts := NewPgFTS(db)
	results, total, err := fts.Search(ctx, Query{Text: "gato"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if total != 2 || len(results) != 2 {
		t.Fatalf("expected 2 hits for gato, got %d (%+v)", total, results)
	}
	if !strings.Contains(results[0].Snippet, "<mark>") {
		t.Fatalf("expected highlighted snippet, got %q", results[0].Snippet)
	}

	results, _, err = fts.Search(ctx, Query{Text: "gato", ProjectID: "p2"})
	if err != nil {
		t.Fatalf("search p2: %v", err)
	}
	if len(results) != 1 || results[0].UpdatedByName != "Luis" {
		t.Fatalf("unexpected p2 results %+v", results)
	}

	records, err := fts.LoadAllRecords(ctx)
	if err != nil {
		t.Fatalf("load records: %v", err)
	}
	if len(records) != 3 || records[0].ID == "" {
		t.Fatalf("unexpected records %+v", records)
	}
}
