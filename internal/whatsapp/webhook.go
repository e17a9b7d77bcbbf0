package whatsapp

import (
	"encoding/json"
	"errors"

	"github.com/benlos-peru/banquea-bot-whatsapp/internal/domain"
)

// ErrNotAMessage marks webhook deliveries that carry no inbound user
// message (status updates, unsupported objects). Callers ack them silently.
var ErrNotAMessage = errors.New("webhook payload is not a user message")

// Wire shapes of the Cloud API webhook envelope; only fields we read.
type webhookEnvelope struct {
	Object string `json:"object"`
	Entry  []struct {
		Changes []struct {
			Value struct {
				MessagingProduct string           `json:"messaging_product"`
				Messages         []webhookMessage `json:"messages"`
				Statuses         []json.RawMessage `json:"statuses"`
				Contacts         []struct {
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type webhookMessage struct {
	From string `json:"from"`
	ID   string `json:"id"`
	Type string `json:"type"`
	Text struct {
		Body string `json:"body"`
	} `json:"text"`
	Interactive struct {
		Type      string `json:"type"`
		ListReply struct {
			ID          string `json:"id"`
			Title       string `json:"title"`
			Description string `json:"description"`
		} `json:"list_reply"`
		ButtonReply struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"button_reply"`
	} `json:"interactive"`
}

// ParseWebhook normalizes a Cloud API webhook body into an InboundEvent.
// Status updates and non-WhatsApp objects return ErrNotAMessage.
func ParseWebhook(body []byte) (*domain.InboundEvent, string, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, "", err
	}
	if env.Object != "whatsapp_business_account" {
		return nil, "", ErrNotAMessage
	}

	for _, entry := range env.Entry {
		for _, change := range entry.Changes {
			v := change.Value
			if v.MessagingProduct != "whatsapp" || len(v.Messages) == 0 {
				continue
			}
			msg := v.Messages[0]

			name := ""
			if len(v.Contacts) > 0 {
				name = v.Contacts[0].Profile.Name
			}

			ev := &domain.InboundEvent{From: msg.From}
			switch msg.Type {
			case "text":
				ev.Kind = domain.EventText
				ev.Body = msg.Text.Body
			case "interactive":
				switch msg.Interactive.Type {
				case "list_reply":
					ev.Kind = domain.EventSelection
					ev.SelectionID = msg.Interactive.ListReply.ID
					ev.SelectionTitle = msg.Interactive.ListReply.Title
					ev.Body = msg.Interactive.ListReply.Title
				case "button_reply":
					ev.Kind = domain.EventSelection
					ev.SelectionID = msg.Interactive.ButtonReply.ID
					ev.SelectionTitle = msg.Interactive.ButtonReply.Title
					ev.Body = msg.Interactive.ButtonReply.Title
				default:
					return nil, name, ErrNotAMessage
				}
			default:
				// Media, locations etc. are treated as plain contact.
				ev.Kind = domain.EventText
				ev.Body = ""
			}
			return ev, name, nil
		}
	}
	return nil, "", ErrNotAMessage
}
