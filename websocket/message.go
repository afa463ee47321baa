package websocket

import (
	"encoding/json"

	"github.com/egor/ecocrm/models"
)

// Message types pushed to dashboards.
const (
	TypeNewMessage          = "new_message"
	TypeConversationUpdated = "conversation_updated"
	TypeError               = "error"
)

// NewMessage wraps payload in an envelope of the given type.
func NewMessage(messageType string, payload any) ([]byte, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: messageType, Payload: payloadJSON})
}

// NewMessagePayload is what a new_message push carries.
type NewMessagePayload struct {
	Conversation models.Conversation `json:"conversation"`
	Contact      models.Contact      `json:"contact"`
	Message      models.Message      `json:"message"`
}

// NewErrorMessage builds an error envelope.
func NewErrorMessage(errorText string) ([]byte, error) {
	return NewMessage(TypeError, struct {
		Error string `json:"error"`
	}{Error: errorText})
}
