package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"segcat/api/internal/auth"
	"segcat/api/internal/config"
	"segcat/api/internal/history"
	"segcat/api/internal/realtime"
	"segcat/api/internal/search"
	"segcat/api/internal/session"
	"segcat/api/internal/store"
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	JTI       string
	ExpiresAt time.Time
}

type dataStore interface {
	EnsureUserByName(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	SaveSegment(context.Context, store.SegmentWrite) (store.Segment, error)
	GetSegment(context.Context, string, string) (store.Segment, error)
	ListSegments(context.Context, string) ([]store.Segment, error)
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	PruneRevokedTokens(context.Context) (int64, error)
	Ping(ctx context.Context) error
}

type sessionStore interface {
	SaveSession(context.Context, string, session.Session, time.Time) error
	LookupSession(context.Context, string) (session.Session, error)
	RevokeSession(context.Context, string) error
	Ping(context.Context) error
}

type historyService interface {
	Record(string, history.Entry, string, time.Time) (history.Revision, error)
	History(string, string, int) ([]history.Revision, error)
	At(string, string, string) (history.Revision, error)
}

type searchService interface {
	Search(context.Context, search.Query) search.Response
	IndexSegment(search.SegmentRecord)
	DeleteSegment(string, string)
	ReindexAllFromPG(context.Context)
}

// Service owns identity, segment persistence and the read-side views around
// the realtime coordinator. It is the coordinator's Persister.
type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	history  historyService
	search   searchService
	log      *slog.Logger
	now      func() time.Time
}

type Option func(*Service)

// WithSessions makes access tokens revocable through a Redis session store.
func WithSessions(sessions *session.RedisStore) Option {
	return func(s *Service) {
		if sessions != nil {
			s.sessions = sessions
		}
	}
}

func WithHistory(h *history.Service) Option {
	return func(s *Service) {
		if h != nil {
			s.history = h
		}
	}
}

func WithSearch(svc *search.Service) Option {
	return func(s *Service) {
		if svc != nil {
			s.search = svc
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

func New(cfg config.Config, dataStore *store.PostgresStore, opts ...Option) *Service {
	return newService(cfg, dataStore, opts...)
}

func newService(cfg config.Config, ds dataStore, opts ...Option) *Service {
	s := &Service{
		cfg:   cfg,
		store: ds,
		log:   slog.Default(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Bootstrap runs the startup housekeeping: stale token revocations are
// dropped and the search index is rebuilt from Postgres.
func (s *Service) Bootstrap(ctx context.Context) error {
	pruned, err := s.store.PruneRevokedTokens(ctx)
	if err != nil {
		return err
	}
	if pruned > 0 {
		s.log.Info("pruned revoked tokens", "count", pruned)
	}
	if s.search != nil {
		s.search.ReindexAllFromPG(ctx)
	}
	return nil
}

func (s *Service) AllowAnonymous() bool {
	return s.cfg.AllowAnonymous
}

func (s *Service) Login(ctx context.Context, name string) (Session, error) {
	userName := strings.TrimSpace(name)
	if userName == "" {
		userName = "User"
	}

	user, err := s.store.EnsureUserByName(ctx, userName)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := s.now()
	claims := auth.NewClaims(user.ID, user.DisplayName, s.cfg.AccessTTL, now)

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), claims)
	if err != nil {
		return Session{}, err
	}

	if s.sessions != nil {
		err := s.sessions.SaveSession(ctx, auth.HashToken(token), session.Session{
			UserID:      user.ID,
			DisplayName: user.DisplayName,
			CreatedAt:   now,
		}, claims.ExpiresAt())
		if err != nil {
			return Session{}, err
		}
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		JTI:       claims.JTI,
		ExpiresAt: claims.ExpiresAt(),
	}, nil
}

// SessionFromToken verifies token and checks it has not been revoked. With a
// session store the token must still be live there; otherwise Postgres keeps
// the revocation list.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseTokenAt([]byte(s.cfg.JWTSecret), token, s.now())
	if err != nil {
		return Session{}, err
	}

	result := Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		JTI:       claims.JTI,
		ExpiresAt: claims.ExpiresAt(),
	}

	if s.sessions != nil {
		stored, err := s.sessions.LookupSession(ctx, auth.HashToken(token))
		if errors.Is(err, session.ErrNotFound) {
			return Session{}, auth.ErrInvalidToken
		}
		if err != nil {
			return Session{}, err
		}
		result.UserName = stored.DisplayName
		return result, nil
	}

	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}
	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}
	result.UserName = user.DisplayName
	return result, nil
}

func (s *Service) Logout(ctx context.Context, sess Session) error {
	if sess.JTI != "" {
		if err := s.store.RevokeAccessToken(ctx, sess.JTI, sess.ExpiresAt); err != nil {
			return err
		}
	}
	if s.sessions != nil && sess.Token != "" {
		if err := s.sessions.RevokeSession(ctx, auth.HashToken(sess.Token)); err != nil {
			return err
		}
	}
	return nil
}

// Authenticate resolves the identity of a websocket upgrade request from a
// "token" query parameter or a bearer header.
func (s *Service) Authenticate(r *http.Request) (realtime.Identity, error) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		token = bearerToken(r)
	}
	if token == "" {
		if s.cfg.AllowAnonymous {
			return realtime.Identity{}, nil
		}
		return realtime.Identity{}, auth.ErrInvalidToken
	}
	sess, err := s.SessionFromToken(r.Context(), token)
	if err != nil {
		return realtime.Identity{}, err
	}
	return realtime.Identity{UserID: sess.UserID, DisplayName: sess.UserName}, nil
}

// SaveSegment persists a saved segment. The Postgres write decides success;
// the revision commit and the search index update are best-effort.
func (s *Service) SaveSegment(ctx context.Context, saved realtime.SavedSegment) error {
	seg, err := s.store.SaveSegment(ctx, store.SegmentWrite{
		ProjectID:     saved.ProjectID,
		SegmentID:     saved.SegmentID,
		TargetText:    saved.TargetText,
		Status:        saved.Status,
		UpdatedBy:     saved.UserID,
		UpdatedByName: saved.DisplayName,
		SavedAt:       saved.SavedAt,
	})
	if err != nil {
		return err
	}

	if s.history != nil {
		_, err := s.history.Record(seg.ProjectID, history.Entry{
			SegmentID:  seg.ID,
			TargetText: seg.TargetText,
			Status:     seg.Status,
			AuthorID:   seg.UpdatedBy,
		}, saved.DisplayName, seg.UpdatedAt)
		if err != nil && !errors.Is(err, history.ErrUnchanged) {
			s.log.Warn("record segment revision failed", "project_id", seg.ProjectID, "segment_id", seg.ID, "error", err)
		}
	}

	if s.search != nil {
		if strings.TrimSpace(seg.TargetText) == "" {
			s.search.DeleteSegment(seg.ProjectID, seg.ID)
		} else {
			s.search.IndexSegment(search.SegmentRecord{
				ID:            search.RecordID(seg.ProjectID, seg.ID),
				ProjectID:     seg.ProjectID,
				SegmentID:     seg.ID,
				TargetText:    seg.TargetText,
				Status:        seg.Status,
				UpdatedByName: seg.UpdatedByName,
				UpdatedAt:     seg.UpdatedAt.Unix(),
			})
		}
	}
	return nil
}

func (s *Service) GetSegment(ctx context.Context, projectID, segmentID string) (store.Segment, error) {
	return s.store.GetSegment(ctx, projectID, segmentID)
}

func (s *Service) ListSegments(ctx context.Context, projectID string) ([]store.Segment, error) {
	return s.store.ListSegments(ctx, projectID)
}

func (s *Service) SegmentHistory(projectID, segmentID string, limit int) ([]history.Revision, error) {
	if s.history == nil {
		return nil, domainError(http.StatusServiceUnavailable, "HISTORY_UNAVAILABLE", "Segment history is not configured", nil)
	}
	return s.history.History(projectID, segmentID, limit)
}

func (s *Service) SegmentRevision(projectID, segmentID, hash string) (history.Revision, error) {
	if s.history == nil {
		return history.Revision{}, domainError(http.StatusServiceUnavailable, "HISTORY_UNAVAILABLE", "Segment history is not configured", nil)
	}
	return s.history.At(projectID, segmentID, hash)
}

func (s *Service) Search(ctx context.Context, q search.Query) (search.Response, error) {
	if strings.TrimSpace(q.Text) == "" {
		return search.Response{}, domainError(http.StatusBadRequest, "QUERY_REQUIRED", "Query parameter q is required", nil)
	}
	if s.search == nil {
		return search.Response{}, domainError(http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search is not configured", nil)
	}
	return s.search.Search(ctx, q), nil
}

// Ping checks the health of service dependencies (database, etc.)
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PingSessions reports the session store's health; ok is false when none is
// configured.
func (s *Service) PingSessions(ctx context.Context) (ok bool, err error) {
	if s.sessions == nil {
		return false, nil
	}
	if err := s.sessions.Ping(ctx); err != nil {
		return true, fmt.Errorf("session store: %w", err)
	}
	return true, nil
}
