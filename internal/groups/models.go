// Package groups implements the group state engine (C4): an MLS-style
// ratchet tree with strictly monotonic epoch transitions, Welcome package
// issuance, and a write-through cache in front of the durable group state.
package groups

import "time"

const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// MaxMembers is the hard cap on group membership, enforced at every add.
const MaxMembers = 1500

type GroupChat struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	CreatorID      string    `json:"creator_id"`
	ConversationID string    `json:"conversation_id"`
	MemberCount    int       `json:"member_count"`
	CurrentEpoch   int64     `json:"current_epoch"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type Member struct {
	GroupID   string     `json:"group_id"`
	UserID    string     `json:"user_id"`
	Role      string     `json:"role"`
	LeafIndex int        `json:"leaf_index"`
	AddedBy   string     `json:"added_by,omitempty"`
	JoinedAt  time.Time  `json:"joined_at"`
	RemovedAt *time.Time `json:"removed_at,omitempty"`
}

type CreateGroupRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	MemberIDs   []string `json:"member_ids"`
}

// Welcome conveys the epoch secrets a newly-added member needs to bootstrap
// its local group state. Keyed by (group_id, user_id); a member
// added more than once before fetching overwrites the pending Welcome —
// last one wins on delivery.
type Welcome struct {
	GroupID   string    `json:"group_id"`
	UserID    string    `json:"user_id"`
	Epoch     int64     `json:"epoch"`
	Payload   []byte    `json:"welcome"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	MaxNameLength = 100
	MinNameLength = 1
)
