package delivery

import "time"

// Server-to-client envelope kinds.
const (
	EventNewMessage = "new_message"
	EventReceipt    = "receipt"
	EventTyping     = "typing"
	EventPresence   = "presence"
	EventCall       = "call_event"
)

// Client-to-server command kinds.
const (
	CommandTyping = "typing"
	CommandRead   = "read"
	CommandPing   = "ping"
)

// Envelope is the outer JSON frame sent to a connected client over the
// WebSocket; Payload carries the event-specific body.
type Envelope struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// Command is the outer JSON frame a client sends to the server.
type Command struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
	IsTyping       bool   `json:"is_typing,omitempty"`
}

type newMessagePayload struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	SenderUserID   string `json:"sender_user_id"`
	SenderDeviceID string `json:"sender_device_id"`
	Ciphertext     []byte `json:"ciphertext"`
	EphemeralKey   []byte `json:"ephemeral_key,omitempty"`
	SequenceNumber int64  `json:"sequence_number"`
	MessageType    string `json:"message_type"`
	GroupEpoch     *int64 `json:"group_epoch,omitempty"`
}

type receiptPayload struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	Status         string `json:"status"`
}
