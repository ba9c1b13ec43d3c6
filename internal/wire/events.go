// Package wire defines the realtime events exchanged between segcat clients and
// the server, and their JSON and msgpack encodings.
package wire

import "time"

// Inbound event names (client -> server).
const (
	EventJoinProject   = "join-project"
	EventLeaveProject  = "leave-project"
	EventLockSegment   = "lock-segment"
	EventUnlockSegment = "unlock-segment"
	EventSegmentUpdate = "segment-update"
	EventSegmentSaved  = "segment-saved"
	EventLockHeartbeat = "lock-heartbeat"
)

// Outbound event names (server -> client).
const (
	EventCurrentLocks    = "current-locks"
	EventUserJoined      = "user-joined"
	EventUserLeft        = "user-left"
	EventSegmentLocked   = "segment-locked"
	EventLockFailed      = "lock-failed"
	EventSegmentUnlocked = "segment-unlocked"
	EventSegmentUpdated  = "segment-updated"
	EventSaveFailed      = "save-failed"
	// EventSegmentSaved is also the outbound name for a confirmed save.
)

// Event is one outbound message: an event name and its payload.
type Event struct {
	Name string
	Data any
}

// Inbound is implemented by every client -> server payload.
type Inbound interface {
	EventName() string
}

type JoinProject struct {
	ProjectID   string `json:"project_id"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

type LeaveProject struct {
	ProjectID string `json:"project_id"`
}

type LockSegment struct {
	SegmentID   string `json:"segment_id"`
	ProjectID   string `json:"project_id"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

type UnlockSegment struct {
	SegmentID string `json:"segment_id"`
	ProjectID string `json:"project_id"`
	UserID    string `json:"user_id"`
}

type SegmentUpdate struct {
	SegmentID  string `json:"segment_id"`
	ProjectID  string `json:"project_id"`
	UserID     string `json:"user_id"`
	TargetText string `json:"target_text"`
}

type SegmentSaved struct {
	SegmentID  string `json:"segment_id"`
	ProjectID  string `json:"project_id"`
	UserID     string `json:"user_id"`
	TargetText string `json:"target_text"`
	Status     string `json:"status"`
}

type LockHeartbeat struct {
	SegmentID string `json:"segment_id"`
	UserID    string `json:"user_id"`
}

func (JoinProject) EventName() string   { return EventJoinProject }
func (LeaveProject) EventName() string  { return EventLeaveProject }
func (LockSegment) EventName() string   { return EventLockSegment }
func (UnlockSegment) EventName() string { return EventUnlockSegment }
func (SegmentUpdate) EventName() string { return EventSegmentUpdate }
func (SegmentSaved) EventName() string  { return EventSegmentSaved }
func (LockHeartbeat) EventName() string { return EventLockHeartbeat }

// LockEntry is one element of the current-locks snapshot.
type LockEntry struct {
	SegmentID   string    `json:"segment_id"`
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	ProjectID   string    `json:"project_id"`
	LockedAt    time.Time `json:"locked_at"`
}

type Presence struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Timestamp   time.Time `json:"timestamp"`
}

type SegmentLocked struct {
	SegmentID   string    `json:"segment_id"`
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Timestamp   time.Time `json:"timestamp"`
}

type LockFailed struct {
	SegmentID string `json:"segment_id"`
	LockedBy  string `json:"locked_by"`
	Message   string `json:"message"`
}

type SegmentUnlocked struct {
	SegmentID string    `json:"segment_id"`
	Timestamp time.Time `json:"timestamp"`
}

type SegmentUpdated struct {
	SegmentID  string    `json:"segment_id"`
	UserID     string    `json:"user_id"`
	TargetText string    `json:"target_text"`
	Timestamp  time.Time `json:"timestamp"`
}

type SegmentSavedNotice struct {
	SegmentID  string    `json:"segment_id"`
	UserID     string    `json:"user_id"`
	TargetText string    `json:"target_text"`
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
}

type SaveFailed struct {
	SegmentID string `json:"segment_id"`
	Message   string `json:"message"`
}
