package model

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrMissingID is returned for inbound messages carrying no usable id.
var ErrMissingID = errors.New("message has no id")

// WireTime decodes the timestamp shapes the backend emits: unix millis as
// a JSON number, unix millis as a string, or an RFC3339 string.
type WireTime int64

func (t *WireTime) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == `""` {
		*t = 0
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*t = WireTime(n)
		return nil
	}
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	if n, err := strconv.ParseInt(str, 10, 64); err == nil {
		*t = WireTime(n)
		return nil
	}
	parsed, err := time.Parse(time.RFC3339, str)
	if err != nil {
		return err
	}
	*t = WireTime(parsed.UnixMilli())
	return nil
}

// WireMessage is the shape-shifting message object as it arrives from the
// history API or the realtime channel. Field aliases (`_id` vs `id`,
// `sender` vs `senderId`) vary between endpoints.
type WireMessage struct {
	ID          string   `json:"id"`
	LegacyID    string   `json:"_id"`
	Sender      string   `json:"sender"`
	SenderID    string   `json:"senderId"`
	Receiver    string   `json:"receiver"`
	ReceiverID  string   `json:"receiverId"`
	Text        string   `json:"text"`
	Attachments []string `json:"attachments"`
	CreatedAt   WireTime `json:"createdAt"`
	Timestamp   WireTime `json:"timestamp"`
}

// Normalize converts a wire message into the canonical Message. Messages
// arriving over the wire are server-persisted, so they normalize to
// StatusSent. Missing timestamps fall back to the current time.
func Normalize(w WireMessage) (Message, error) {
	id := w.ID
	if id == "" {
		id = w.LegacyID
	}
	if id == "" {
		return Message{}, ErrMissingID
	}

	sender := w.Sender
	if sender == "" {
		sender = w.SenderID
	}
	receiver := w.Receiver
	if receiver == "" {
		receiver = w.ReceiverID
	}

	created := int64(w.CreatedAt)
	if created == 0 {
		created = int64(w.Timestamp)
	}
	if created == 0 {
		created = time.Now().UnixMilli()
	}

	return Message{
		ID:              id,
		ConversationKey: ConversationKey(sender, receiver),
		SenderID:        sender,
		ReceiverID:      receiver,
		Text:            w.Text,
		Attachments:     w.Attachments,
		CreatedAt:       created,
		SyncStatus:      StatusSent,
	}, nil
}
