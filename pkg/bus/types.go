package bus

// UnknownSender is used when a webhook event carries no sender identifier.
const UnknownSender = "unknown"

// InboundMessage is one direct message extracted from a webhook delivery.
// It lives for a single pipeline run.
type InboundMessage struct {
	Channel    string            `json:"channel"`
	SenderID   string            `json:"sender_id"`
	Text       string            `json:"text"`
	MessageID  string            `json:"message_id,omitempty"`
	DeliveryID string            `json:"delivery_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is the formatted notification handed to the dispatcher.
type OutboundMessage struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
}
