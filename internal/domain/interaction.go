package domain

import (
	"encoding/json"
	"time"
)

// Role identifies who authored an interaction.
type Role string

const (
	RoleLearner   Role = "user"
	RoleTaskModel Role = "assistant"
	RoleCoach     Role = "coach"
)

// Interaction is one immutable message in a session transcript.
type Interaction struct {
	ID        string
	SessionID string
	// Seq is the monotonic creation order within the transcript.
	Seq       int64
	Role      Role
	Content   string
	Tokens    int
	Payload   json.RawMessage
	CreatedAt time.Time
}
