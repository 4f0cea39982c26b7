// Package conversation implements the conversation log (C2): monotonic
// per-conversation sequencing, ciphertext persistence, and delivery/read
// receipts.
package conversation

import "time"

type Conversation struct {
	ID            string    `json:"id"`
	IsGroup       bool      `json:"is_group"`
	GroupChatID   *string   `json:"group_chat_id,omitempty"`
	CreatedBy     string    `json:"created_by"`
	Participants  []string  `json:"participants,omitempty"`
	LastMessageID *string   `json:"last_message_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

type Message struct {
	ID              string     `json:"id"`
	ConversationID  string     `json:"conversation_id"`
	SenderUserID    string     `json:"sender_user_id"`
	SenderDeviceID  string     `json:"sender_device_id"`
	Ciphertext      []byte     `json:"ciphertext"`
	EphemeralKey    []byte     `json:"ephemeral_key,omitempty"`
	SequenceNumber  int64      `json:"sequence_number"`
	MessageType     string     `json:"message_type"`
	GroupEpoch      *int64     `json:"group_epoch,omitempty"`
	DeliveryStatus  string     `json:"delivery_status"`
	DeliveredAt     *time.Time `json:"delivered_at,omitempty"`
	ReadAt          *time.Time `json:"read_at,omitempty"`
	SelfDestruct    bool       `json:"self_destruct"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	Edited          bool       `json:"edited"`
	CreatedAt       time.Time  `json:"created_at"`
}

var validMessageTypes = map[string]bool{
	"text": true, "media": true, "audio": true, "file": true,
	"location": true, "contact": true, "poll": true, "event": true,
	"call": true, "system": true,
}

type SendMessageRequest struct {
	ConversationID    *string `json:"conversation_id,omitempty"`
	RecipientID       *string `json:"recipient_id,omitempty"`
	DeviceID          string  `json:"device_id"`
	Ciphertext        []byte  `json:"ciphertext"`
	EphemeralKey      []byte  `json:"ephemeral_key,omitempty"`
	MessageType       string  `json:"message_type"`
	IsSelfDestructing bool    `json:"is_self_destructing"`
	ExpiresInSeconds  *int    `json:"expires_in_seconds,omitempty"`

	// GroupEpoch is set internally by the group engine for group sends;
	// clients never supply it directly.
	GroupEpoch *int64 `json:"-"`
}

type MessageResponse struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	SequenceNumber int64     `json:"sequence_number"`
	Timestamp      time.Time `json:"timestamp"`
	Status         string    `json:"status"`
}

const MaxMessagePageSize = 100
