package models

import (
	"jddb-backend/internal/ot"
)

// Message types exchanged over a collaboration connection.
const (
	TypeJoin     = "join"
	TypeLeave    = "leave"
	TypeSync     = "sync"
	TypeOp       = "op"
	TypeAck      = "ack"
	TypePresence = "presence"
	TypeRole     = "role"
	TypePing     = "ping"
	TypePong     = "pong"
	TypeError    = "error"
)

// Error codes carried by TypeError messages.
const (
	CodeValidation       = "validation"
	CodeProtocol         = "protocol"
	CodePermissionDenied = "permission_denied"
)

// Presence statuses carried by TypePresence messages.
const (
	StatusJoined  = "joined"
	StatusLeft    = "left"
	StatusUpdated = "updated"
)

// Message is the envelope for every frame in either direction. Fields are
// populated according to Type; unused fields are omitted on the wire.
type Message struct {
	Type string `json:"type"`

	// join / presence / role
	DocumentID       string `json:"document_id,omitempty"`
	ParticipantID    string `json:"participant_id,omitempty"`
	Role             string `json:"role,omitempty"`
	TargetID         string `json:"target_id,omitempty"`
	LastKnownVersion int    `json:"last_known_version,omitempty"`
	Cursor           *int   `json:"cursor,omitempty"`
	Typing           *bool  `json:"typing,omitempty"`
	Status           string `json:"status,omitempty"`

	// op / ack / sync
	Op        *ot.Operation  `json:"op,omitempty"`
	Ops       []ot.Operation `json:"ops,omitempty"`
	OpID      string         `json:"op_id,omitempty"`
	Version   int            `json:"version,omitempty"`
	Duplicate bool           `json:"duplicate,omitempty"`

	// sync: full content fallback when the catch-up window has been compacted
	Content      string                `json:"content,omitempty"`
	Resync       bool                  `json:"resync,omitempty"`
	Participants []ParticipantSnapshot `json:"participants,omitempty"`

	// error
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

// ParticipantSnapshot is a point-in-time view of one participant's presence.
type ParticipantSnapshot struct {
	ParticipantID   string `json:"participant_id"`
	Role            string `json:"role"`
	Cursor          *int   `json:"cursor,omitempty"`
	Typing          bool   `json:"typing"`
	LastSeenVersion int    `json:"last_seen_version"`
	ConnectionState string `json:"connection_state"`
}
