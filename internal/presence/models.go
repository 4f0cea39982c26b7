// Package presence implements ephemeral state (C7): online/away/busy/
// offline presence backed by a Badger TTL key with a durable fallback row,
// and short-lived typing indicators scoped to a conversation.
package presence

import "time"

// Status lexical forms are preserved exactly as the original service
// produces them; never normalize case when comparing or storing these.
const (
	StatusOnline  = "Online"
	StatusAway    = "Away"
	StatusBusy    = "Busy"
	StatusOffline = "Offline"
)

type Presence struct {
	UserID       string    `json:"user_id"`
	Status       string    `json:"status"`
	CustomStatus string    `json:"custom_status,omitempty"`
	LastSeen     time.Time `json:"last_seen"`
}

type presenceRecord struct {
	Status       string    `json:"status"`
	CustomStatus string    `json:"custom_status,omitempty"`
	LastSeen     time.Time `json:"last_seen"`
	DeviceID     string    `json:"device_id,omitempty"`
}
