package model

// SyncStatus tracks whether a message has been confirmed by the server.
type SyncStatus string

const (
	StatusPending SyncStatus = "pending"
	StatusSent    SyncStatus = "sent"
	StatusFailed  SyncStatus = "failed"
)

// Message is the canonical message shape used by the timeline, the local
// store and the transport. Every inbound message — fetched, pushed or read
// back from the cache — is normalized into this shape first.
type Message struct {
	ID              string
	ConversationKey string
	SenderID        string
	ReceiverID      string
	Text            string
	Attachments     []string
	CreatedAt       int64 // unix millis
	SyncStatus      SyncStatus
	Provisional     bool // true while ID is client-generated
	Deleted         bool
}

// ConversationKey derives the stable timeline key for a sender/receiver
// pair. The derivation is direction-insensitive so both ends of a direct
// conversation share one key.
func ConversationKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}
