package transport

import (
	"encoding/json"
	"fmt"

	"github.com/matheus3301/chatd/internal/model"
)

// Wire event names of the realtime contract.
const (
	EventRegister    = "register"
	EventSendMessage = "sendMessage"
	EventMarkSeen    = "markSeenMessage"
	EventGetMessage  = "getMessage"
	EventAck         = "messageSentAck"
	EventError       = "error"
)

// Frame is one realtime event envelope on the socket.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type registerPayload struct {
	UserID string `json:"userId"`
	Token  string `json:"token"`
}

// outboundMessage is the wire shape for sendMessage emits. The provisional
// id travels with the payload so the server can echo it in the ack.
type outboundMessage struct {
	ID          string   `json:"_id,omitempty"`
	Sender      string   `json:"sender"`
	Receiver    string   `json:"receiver"`
	Text        string   `json:"text,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
	CreatedAt   int64    `json:"createdAt,omitempty"`
}

func toOutbound(m model.Message) outboundMessage {
	return outboundMessage{
		ID:          m.ID,
		Sender:      m.SenderID,
		Receiver:    m.ReceiverID,
		Text:        m.Text,
		Attachments: m.Attachments,
		CreatedAt:   m.CreatedAt,
	}
}

func encodeFrame(event string, payload any) ([]byte, error) {
	f := Frame{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", event, err)
		}
		f.Data = data
	}
	return json.Marshal(f)
}

func decodeFrame(b []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if f.Event == "" {
		return nil, fmt.Errorf("decode frame: missing event")
	}
	return &f, nil
}

// decodeAckID handles the two ack payload shapes the backend emits:
// a bare id string and a {"messageId": ...} object.
func decodeAckID(data json.RawMessage) (string, error) {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		return id, nil
	}
	var obj struct {
		MessageID string `json:"messageId"`
		LegacyID  string `json:"_id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return "", fmt.Errorf("decode ack: %w", err)
	}
	if obj.MessageID != "" {
		return obj.MessageID, nil
	}
	if obj.LegacyID != "" {
		return obj.LegacyID, nil
	}
	return "", fmt.Errorf("decode ack: missing message id")
}
