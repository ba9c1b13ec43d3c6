package app

import (
	"context"
	"sync"
	"time"

	"segcat/api/internal/config"
	"segcat/api/internal/logging"
	"segcat/api/internal/presence"
	"segcat/api/internal/search"
	"segcat/api/internal/store"
	"segcat/api/internal/wire"
)

type fakeStore struct {
	ensureUserByNameFn     func(context.Context, string) (store.User, error)
	getUserByIDFn          func(context.Context, string) (store.User, error)
	saveSegmentFn          func(context.Context, store.SegmentWrite) (store.Segment, error)
	getSegmentFn           func(context.Context, string, string) (store.Segment, error)
	listSegmentsFn         func(context.Context, string) ([]store.Segment, error)
	revokeAccessTokenFn    func(context.Context, string, time.Time) error
	isAccessTokenRevokedFn func(context.Context, string) (bool, error)
	pruneRevokedTokensFn   func(context.Context) (int64, error)
	pingFn                 func(context.Context) error
}

func (f *fakeStore) EnsureUserByName(ctx context.Context, userName string) (store.User, error) {
	if f.ensureUserByNameFn != nil {
		return f.ensureUserByNameFn(ctx, userName)
	}
	return store.User{ID: "usr-" + userName, DisplayName: userName}, nil
}

func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, userID)
	}
	return store.User{ID: userID, DisplayName: "Avery"}, nil
}

func (f *fakeStore) SaveSegment(ctx context.Context, w store.SegmentWrite) (store.Segment, error) {
	if f.saveSegmentFn != nil {
		return f.saveSegmentFn(ctx, w)
	}
	return store.Segment{
		ProjectID:     w.ProjectID,
		ID:            w.SegmentID,
		TargetText:    w.TargetText,
		Status:        w.Status,
		Revision:      1,
		UpdatedBy:     w.UpdatedBy,
		UpdatedByName: w.UpdatedByName,
		UpdatedAt:     w.SavedAt,
	}, nil
}

func (f *fakeStore) GetSegment(ctx context.Context, projectID, segmentID string) (store.Segment, error) {
	if f.getSegmentFn != nil {
		return f.getSegmentFn(ctx, projectID, segmentID)
	}
	return store.Segment{}, store.ErrNotFound
}

func (f *fakeStore) ListSegments(ctx context.Context, projectID string) ([]store.Segment, error) {
	if f.listSegmentsFn != nil {
		return f.listSegmentsFn(ctx, projectID)
	}
	return []store.Segment{}, nil
}

func (f *fakeStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	if f.revokeAccessTokenFn != nil {
		return f.revokeAccessTokenFn(ctx, jti, exp)
	}
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	if f.isAccessTokenRevokedFn != nil {
		return f.isAccessTokenRevokedFn(ctx, jti)
	}
	return false, nil
}

func (f *fakeStore) PruneRevokedTokens(ctx context.Context) (int64, error) {
	if f.pruneRevokedTokensFn != nil {
		return f.pruneRevokedTokensFn(ctx)
	}
	return 0, nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

type fakeSearch struct {
	mu        sync.Mutex
	indexed   []search.SegmentRecord
	deleted   []string
	reindexed int
	queries   []search.Query
}

func (f *fakeSearch) Search(_ context.Context, q search.Query) search.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return search.Response{
		Results: []search.Result{{ProjectID: q.ProjectID, SegmentID: "s1", TargetText: "Hallo Welt", Snippet: "<mark>Hallo</mark> Welt"}},
		Total:   1,
		Query:   q.Text,
	}
}

func (f *fakeSearch) IndexSegment(rec search.SegmentRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, rec)
}

func (f *fakeSearch) DeleteSegment(projectID, segmentID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, projectID+"/"+segmentID)
}

func (f *fakeSearch) ReindexAllFromPG(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reindexed++
}

type fakeRooms struct {
	locks   map[string][]wire.LockEntry
	members map[string][]presence.Member
}

func (f *fakeRooms) Snapshot(projectID string) []wire.LockEntry {
	if entries, ok := f.locks[projectID]; ok {
		return entries
	}
	return []wire.LockEntry{}
}

func (f *fakeRooms) Members(projectID string) []presence.Member {
	return f.members[projectID]
}

type fakeConn struct{ id string }

func (c fakeConn) ID() string            { return c.id }
func (c fakeConn) Send(wire.Event) error { return nil }
func (c fakeConn) Close() error          { return nil }

const testSecret = "test-secret"

var testNow = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func newTestService(fs *fakeStore) *Service {
	svc := newService(config.Config{
		JWTSecret: testSecret,
		AccessTTL: time.Hour,
	}, fs, WithLogger(logging.Nop()))
	svc.now = func() time.Time { return testNow }
	return svc
}
