// Package webhook models Instagram Messaging webhook deliveries and the
// subscription handshake.
package webhook

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/mjdshiraz-hash/Instagram-dm-webhook/pkg/bus"
)

// ChannelName tags inbound messages produced by this package.
const ChannelName = "instagram"

// ErrMalformed reports a delivery body that is not a JSON object.
var ErrMalformed = errors.New("malformed webhook payload")

// ShapeError reports a part of an otherwise valid delivery that was dropped
// because it did not have the expected shape.
type ShapeError struct {
	Path string
	Err  error
}

func (e *ShapeError) Error() string {
	return e.Path + ": " + e.Err.Error()
}

func (e *ShapeError) Unwrap() error {
	return e.Err
}

// Payload is one webhook delivery. Dropped lists the parts that were skipped
// while decoding.
type Payload struct {
	Object  string        `json:"object"`
	Entry   []Entry       `json:"entry"`
	Dropped []*ShapeError `json:"-"`
}

// Entry groups the messaging events of one account.
type Entry struct {
	ID        string      `json:"id"`
	Time      int64       `json:"time"`
	Messaging []Messaging `json:"messaging"`
}

// Messaging is a single messaging event. Message is nil for reads,
// reactions, and other non-message events.
type Messaging struct {
	Sender    Party    `json:"sender"`
	Recipient Party    `json:"recipient"`
	Timestamp int64    `json:"timestamp"`
	Message   *Message `json:"message,omitempty"`
}

// Party identifies a sender or recipient.
type Party struct {
	ID string `json:"id"`
}

// Message is the message object of a messaging event.
type Message struct {
	MID         string       `json:"mid"`
	Text        string       `json:"text"`
	IsEcho      bool         `json:"is_echo,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment is a non-text message part such as an image or share.
type Attachment struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type entryFields struct {
	ID        string            `json:"id"`
	Time      int64             `json:"time"`
	Messaging []json.RawMessage `json:"messaging"`
}

// Decode reads one delivery body. Only a body that is not a JSON object wraps
// ErrMalformed. Entries and messaging events with an unexpected shape are
// dropped one by one and reported in Payload.Dropped.
func Decode(r io.Reader) (Payload, error) {
	var fields map[string]json.RawMessage
	if err := json.NewDecoder(r).Decode(&fields); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			return Payload{}, err
		}
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var payload Payload
	if raw, ok := fields["object"]; ok {
		if err := json.Unmarshal(raw, &payload.Object); err != nil {
			payload.drop("object", err)
		}
	}

	var entries []json.RawMessage
	if raw, ok := fields["entry"]; ok {
		if err := json.Unmarshal(raw, &entries); err != nil {
			payload.drop("entry", err)
		}
	}

	for i, raw := range entries {
		path := fmt.Sprintf("entry[%d]", i)

		var header entryFields
		if err := json.Unmarshal(raw, &header); err != nil {
			payload.drop(path, err)
			continue
		}

		entry := Entry{ID: header.ID, Time: header.Time}
		for j, rawItem := range header.Messaging {
			var item Messaging
			if err := json.Unmarshal(rawItem, &item); err != nil {
				payload.drop(fmt.Sprintf("%s.messaging[%d]", path, j), err)
				continue
			}
			entry.Messaging = append(entry.Messaging, item)
		}
		payload.Entry = append(payload.Entry, entry)
	}

	return payload, nil
}

func (p *Payload) drop(path string, err error) {
	p.Dropped = append(p.Dropped, &ShapeError{Path: path, Err: err})
}

// Events flattens a delivery into inbound messages, in payload order. Echoes
// of the account's own messages are dropped; empty-text messages are kept so
// the pipeline can report them as skipped.
func Events(payload Payload) []bus.InboundMessage {
	events := make([]bus.InboundMessage, 0)
	for _, entry := range payload.Entry {
		for _, item := range entry.Messaging {
			if item.Message == nil || item.Message.IsEcho {
				continue
			}

			senderID := strings.TrimSpace(item.Sender.ID)
			if senderID == "" {
				senderID = bus.UnknownSender
			}

			metadata := map[string]string{"entry_id": entry.ID}
			if len(item.Message.Attachments) > 0 {
				metadata["attachment_type"] = item.Message.Attachments[0].Type
			}

			events = append(events, bus.InboundMessage{
				Channel:   ChannelName,
				SenderID:  senderID,
				Text:      item.Message.Text,
				MessageID: item.Message.MID,
				Metadata:  metadata,
			})
		}
	}

	return events
}

// Verify checks a subscription handshake and returns the challenge to echo.
func Verify(query url.Values, verifyToken string) (string, bool) {
	if query.Get("hub.mode") != "subscribe" || verifyToken == "" {
		return "", false
	}

	token := query.Get("hub.verify_token")
	if subtle.ConstantTimeCompare([]byte(token), []byte(verifyToken)) != 1 {
		return "", false
	}

	return query.Get("hub.challenge"), true
}
