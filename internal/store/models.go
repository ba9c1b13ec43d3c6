package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

type User struct {
	ID          string
	DisplayName string
	CreatedAt   time.Time
}

// Segment is the last saved state of one translation unit.
type Segment struct {
	ProjectID     string    `json:"projectId"`
	ID            string    `json:"segmentId"`
	TargetText    string    `json:"targetText"`
	Status        string    `json:"status"`
	Revision      int       `json:"revision"`
	UpdatedBy     string    `json:"updatedBy"`
	UpdatedByName string    `json:"updatedByName"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// SegmentWrite is a save coming from the editor.
type SegmentWrite struct {
	ProjectID     string
	SegmentID     string
	TargetText    string
	Status        string
	UpdatedBy     string
	UpdatedByName string
	SavedAt       time.Time
}
