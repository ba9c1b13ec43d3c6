package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Format selects the frame encoding. Text frames carry JSON, binary frames
// carry msgpack. Replies use the format of the connection.
type Format int

const (
	FormatJSON Format = iota
	FormatMsgpack
)

func (f Format) String() string {
	if f == FormatMsgpack {
		return "msgpack"
	}
	return "json"
}

var (
	// ErrMalformed is returned for frames that cannot be decoded or lack
	// required fields.
	ErrMalformed = errors.New("malformed event")

	// ErrUnknownEvent is returned for event names the server does not handle.
	ErrUnknownEvent = errors.New("unknown event")
)

type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type jsonEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type msgpackEnvelope struct {
	Event string             `json:"event"`
	Data  msgpack.RawMessage `json:"data"`
}

// Encode serializes an outbound event as {"event": name, "data": payload}.
func Encode(format Format, ev Event) ([]byte, error) {
	env := envelope{Event: ev.Name, Data: ev.Data}
	if format == FormatMsgpack {
		var buf bytes.Buffer
		enc := msgpack.NewEncoder(&buf)
		enc.SetCustomStructTag("json")
		if err := enc.Encode(env); err != nil {
			return nil, fmt.Errorf("encode %s: %w", ev.Name, err)
		}
		return buf.Bytes(), nil
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.Name, err)
	}
	return payload, nil
}

// Decode parses one inbound frame into its typed payload.
func Decode(format Format, frame []byte) (Inbound, error) {
	if format == FormatMsgpack {
		var env msgpackEnvelope
		if err := newMsgpackDecoder(frame).Decode(&env); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return decodePayload(env.Event, len(env.Data) > 0, func(target any) error {
			return newMsgpackDecoder(env.Data).Decode(target)
		})
	}

	var env jsonEnvelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	hasData := len(env.Data) > 0 && string(env.Data) != "null"
	return decodePayload(env.Event, hasData, func(target any) error {
		return json.Unmarshal(env.Data, target)
	})
}

func newMsgpackDecoder(data []byte) *msgpack.Decoder {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec
}

func decodePayload(name string, hasData bool, unmarshal func(any) error) (Inbound, error) {
	var msg Inbound
	switch name {
	case EventJoinProject:
		msg = &JoinProject{}
	case EventLeaveProject:
		msg = &LeaveProject{}
	case EventLockSegment:
		msg = &LockSegment{}
	case EventUnlockSegment:
		msg = &UnlockSegment{}
	case EventSegmentUpdate:
		msg = &SegmentUpdate{}
	case EventSegmentSaved:
		msg = &SegmentSaved{}
	case EventLockHeartbeat:
		msg = &LockHeartbeat{}
	case "":
		return nil, fmt.Errorf("%w: missing event name", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}
	if !hasData {
		return nil, fmt.Errorf("%w: %s without data", ErrMalformed, name)
	}
	if err := unmarshal(msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, name, err)
	}
	return validate(deref(msg))
}

func deref(msg Inbound) Inbound {
	switch m := msg.(type) {
	case *JoinProject:
		return *m
	case *LeaveProject:
		return *m
	case *LockSegment:
		return *m
	case *UnlockSegment:
		return *m
	case *SegmentUpdate:
		return *m
	case *SegmentSaved:
		return *m
	case *LockHeartbeat:
		return *m
	}
	return msg
}

// validate trims identifiers and checks the fields every handler relies on.
// User identity fields are optional because authenticated connections carry
// their own identity.
func validate(msg Inbound) (Inbound, error) {
	var missing []string
	require := func(field, value string) {
		if value == "" {
			missing = append(missing, field)
		}
	}

	switch m := msg.(type) {
	case JoinProject:
		m.ProjectID = strings.TrimSpace(m.ProjectID)
		require("project_id", m.ProjectID)
		msg = m
	case LeaveProject:
		m.ProjectID = strings.TrimSpace(m.ProjectID)
		msg = m
	case LockSegment:
		m.SegmentID = strings.TrimSpace(m.SegmentID)
		m.ProjectID = strings.TrimSpace(m.ProjectID)
		require("segment_id", m.SegmentID)
		require("project_id", m.ProjectID)
		msg = m
	case UnlockSegment:
		m.SegmentID = strings.TrimSpace(m.SegmentID)
		m.ProjectID = strings.TrimSpace(m.ProjectID)
		require("segment_id", m.SegmentID)
		msg = m
	case SegmentUpdate:
		m.SegmentID = strings.TrimSpace(m.SegmentID)
		m.ProjectID = strings.TrimSpace(m.ProjectID)
		require("segment_id", m.SegmentID)
		msg = m
	case SegmentSaved:
		m.SegmentID = strings.TrimSpace(m.SegmentID)
		m.ProjectID = strings.TrimSpace(m.ProjectID)
		require("segment_id", m.SegmentID)
		require("project_id", m.ProjectID)
		msg = m
	case LockHeartbeat:
		m.SegmentID = strings.TrimSpace(m.SegmentID)
		require("segment_id", m.SegmentID)
		msg = m
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s requires %s", ErrMalformed, msg.EventName(), strings.Join(missing, ", "))
	}
	return msg, nil
}
