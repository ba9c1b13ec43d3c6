// Package search provides concordance lookups over saved segment translations:
// Meilisearch when it is reachable, Postgres full-text search otherwise.
package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// Result is a single saved segment matching a query.
type Result struct {
	ProjectID     string `json:"projectId"`
	SegmentID     string `json:"segmentId"`
	TargetText    string `json:"targetText"`
	Snippet       string `json:"snippet"`
	Status        string `json:"status"`
	UpdatedByName string `json:"updatedByName"`
}

// Query describes a search request.
type Query struct {
	Text      string
	ProjectID string // empty = all projects
	Status    string // empty = any status
	Limit     int
	Offset    int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push segments into a search index.
type Indexer interface {
	IndexSegments(records []SegmentRecord) error
	DeleteSegment(projectID, segmentID string) error
}

// SegmentRecord is the data we index for a saved segment.
type SegmentRecord struct {
	ID            string `json:"id"`
	ProjectID     string `json:"projectId"`
	SegmentID     string `json:"segmentId"`
	TargetText    string `json:"targetText"`
	Status        string `json:"status"`
	UpdatedByName string `json:"updatedByName"`
	UpdatedAt     int64  `json:"updatedAt"`
}

// RecordID derives the index primary key for a segment. Meilisearch only
// accepts [A-Za-z0-9_-] in ids, so project and segment ids are hashed.
func RecordID(projectID, segmentID string) string {
	sum := sha256.Sum256([]byte(projectID + "\x00" + segmentID))
	return hex.EncodeToString(sum[:16])
}

const defaultLimit = 20

func normalize(q Query) Query {
	if q.Limit <= 0 || q.Limit > 100 {
		q.Limit = defaultLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}
