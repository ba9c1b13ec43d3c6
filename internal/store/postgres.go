package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"segcat/api/internal/util"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureUserByName returns the user with the given display name, creating it
// on first sight.
func (s *PostgresStore) EnsureUserByName(ctx context.Context, name string) (User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return User{}, errors.New("ensure user: empty name")
	}

	const upsert = `
		INSERT INTO users (id, display_name)
		VALUES ($1, $2)
		ON CONFLICT (display_name) DO UPDATE SET display_name = EXCLUDED.display_name
		RETURNING id, display_name, created_at
	`
	var user User
	err := s.db.QueryRowContext(ctx, upsert, util.NewID("usr"), name).Scan(&user.ID, &user.DisplayName, &user.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("upsert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `SELECT id, display_name, created_at FROM users WHERE id=$1`, userID).
		Scan(&user.ID, &user.DisplayName, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}
	return user, nil
}

// SaveSegment records the final text of a segment and bumps its revision.
// Segments are created on their first save.
func (s *PostgresStore) SaveSegment(ctx context.Context, w SegmentWrite) (Segment, error) {
	savedAt := w.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now().UTC()
	}

	const upsert = `
		INSERT INTO segments (project_id, id, target_text, status, revision, updated_by, updated_by_name, updated_at)
		VALUES ($1, $2, $3, $4, 1, $5, $6, $7)
		ON CONFLICT (project_id, id) DO UPDATE SET
			target_text = EXCLUDED.target_text,
			status = EXCLUDED.status,
			revision = segments.revision + 1,
			updated_by = EXCLUDED.updated_by,
			updated_by_name = EXCLUDED.updated_by_name,
			updated_at = EXCLUDED.updated_at
		RETURNING project_id, id, target_text, status, revision, updated_by, updated_by_name, updated_at
	`
	var seg Segment
	err := s.db.QueryRowContext(ctx, upsert,
		w.ProjectID, w.SegmentID, w.TargetText, w.Status, w.UpdatedBy, w.UpdatedByName, savedAt,
	).Scan(&seg.ProjectID, &seg.ID, &seg.TargetText, &seg.Status, &seg.Revision, &seg.UpdatedBy, &seg.UpdatedByName, &seg.UpdatedAt)
	if err != nil {
		return Segment{}, fmt.Errorf("save segment %s/%s: %w", w.ProjectID, w.SegmentID, err)
	}
	return seg, nil
}

func (s *PostgresStore) GetSegment(ctx context.Context, projectID, segmentID string) (Segment, error) {
	const query = `
		SELECT project_id, id, target_text, status, revision, updated_by, updated_by_name, updated_at
		FROM segments
		WHERE project_id=$1 AND id=$2
	`
	var seg Segment
	err := s.db.QueryRowContext(ctx, query, projectID, segmentID).
		Scan(&seg.ProjectID, &seg.ID, &seg.TargetText, &seg.Status, &seg.Revision, &seg.UpdatedBy, &seg.UpdatedByName, &seg.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Segment{}, fmt.Errorf("segment %s/%s: %w", projectID, segmentID, ErrNotFound)
	}
	if err != nil {
		return Segment{}, fmt.Errorf("get segment: %w", err)
	}
	return seg, nil
}

// ListSegments returns the saved segments of a project, most recently saved first.
func (s *PostgresStore) ListSegments(ctx context.Context, projectID string) ([]Segment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, id, target_text, status, revision, updated_by, updated_by_name, updated_at
		FROM segments
		WHERE project_id=$1
		ORDER BY updated_at DESC, id
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	defer rows.Close()

	segments := make([]Segment, 0)
	for rows.Next() {
		var seg Segment
		if err := rows.Scan(&seg.ProjectID, &seg.ID, &seg.TargetText, &seg.Status, &seg.Revision, &seg.UpdatedBy, &seg.UpdatedByName, &seg.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		segments = append(segments, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate segments: %w", err)
	}
	return segments, nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// PruneRevokedTokens drops revocations whose tokens have expired anyway.
func (s *PostgresStore) PruneRevokedTokens(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM revoked_access_tokens WHERE expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("prune revoked tokens: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
