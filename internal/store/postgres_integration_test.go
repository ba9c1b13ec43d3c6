package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestEnsureUserByNameIsStable(t *testing.T) {
	store := NewPostgresStore(openTestDB(t))
	ctx := context.Background()

	first, err := store.EnsureUserByName(ctx, "  Ana Lima ")
	if err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	if first.DisplayName != "Ana Lima" {
		t.Fatalf("expected trimmed display name, got %q", first.DisplayName)
	}

	second, err := store.EnsureUserByName(ctx, "Ana Lima")
	if err != nil {
		t.Fatalf("ensure user again: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected same id, got %s and %s", first.ID, second.ID)
	}

	got, err := store.GetUserByID(ctx, first.ID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if got.DisplayName != "Ana Lima" {
		t.Fatalf("unexpected user %+v", got)
	}

	if _, err := store.GetUserByID(ctx, "usr_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveSegmentBumpsRevision(t *testing.T) {
	store := NewPostgresStore(openTestDB(t))
	ctx := context.Background()
	savedAt := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	first, err := store.SaveSegment(ctx, SegmentWrite{
		ProjectID:     "p1",
		SegmentID:     "seg-1",
		TargetText:    "Hola",
		Status:        "draft",
		UpdatedBy:     "u-a",
		UpdatedByName: "Alice",
		SavedAt:       savedAt,
	})
	if err != nil {
		t.Fatalf("first save: %v", err)
	}
	if first.Revision != 1 {
		t.Fatalf("expected revision 1, got %d", first.Revision)
	}

	second, err := store.SaveSegment(ctx, SegmentWrite{
		ProjectID:     "p1",
		SegmentID:     "seg-1",
		TargetText:    "Hola mundo",
		Status:        "translated",
		UpdatedBy:     "u-b",
		UpdatedByName: "Bob",
		SavedAt:       savedAt.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("second save: %v", err)
	}
	if second.Revision != 2 || second.UpdatedByName != "Bob" {
		t.Fatalf("unexpected segment after second save: %+v", second)
	}

	got, err := store.GetSegment(ctx, "p1", "seg-1")
	if err != nil {
		t.Fatalf("get segment: %v", err)
	}
	if got.TargetText != "Hola mundo" || got.Status != "translated" {
		t.Fatalf("unexpected segment %+v", got)
	}
	if _, err := store.GetSegment(ctx, "p1", "seg-404"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if _, err := store.SaveSegment(ctx, SegmentWrite{ProjectID: "p1", SegmentID: "seg-2", TargetText: "Adiós", SavedAt: savedAt}); err != nil {
		t.Fatalf("save seg-2: %v", err)
	}
	list, err := store.ListSegments(ctx, "p1")
	if err != nil {
		t.Fatalf("list segments: %v", err)
	}
	if len(list) != 2 || list[0].ID != "seg-1" {
		t.Fatalf("expected seg-1 first by recency, got %+v", list)
	}
}

func TestRevokedAccessTokens(t *testing.T) {
	store := NewPostgresStore(openTestDB(t))
	ctx := context.Background()

	if err := store.RevokeAccessToken(ctx, "jti-live", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("revoke live: %v", err)
	}
	if err := store.RevokeAccessToken(ctx, "jti-old", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("revoke old: %v", err)
	}
	if err := store.RevokeAccessToken(ctx, "jti-live", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("revoke twice: %v", err)
	}

	revoked, err := store.IsAccessTokenRevoked(ctx, "jti-live")
	if err != nil || !revoked {
		t.Fatalf("expected jti-live revoked, got %v %v", revoked, err)
	}

	pruned, err := store.PruneRevokedTokens(ctx)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected 1 pruned, got %d", pruned)
	}
}
