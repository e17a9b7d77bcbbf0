package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/benlos-peru/banquea-bot-whatsapp/internal/domain"
)

// ErrSendFailed is returned when the Cloud API rejects an outbound message.
var ErrSendFailed = errors.New("whatsapp send failed")

// Client talks to the WhatsApp Cloud API (graph.facebook.com).
type Client struct {
	httpc         *http.Client
	apiURL        string
	phoneNumberID string
	accessToken   string
	verifyToken   string
	templateLang  string
	log           *zap.Logger
}

// Options configures a Client.
type Options struct {
	APIURL        string
	PhoneNumberID string
	AccessToken   string
	VerifyToken   string
	TemplateLang  string // language code for template sends, e.g. "es"
}

// NewClient builds a Cloud API client.
func NewClient(opts Options, log *zap.Logger) *Client {
	return &Client{
		httpc:         &http.Client{Timeout: 15 * time.Second},
		apiURL:        strings.TrimRight(opts.APIURL, "/"),
		phoneNumberID: opts.PhoneNumberID,
		accessToken:   opts.AccessToken,
		verifyToken:   opts.VerifyToken,
		templateLang:  opts.TemplateLang,
		log:           log,
	}
}

// VerifyWebhook checks the subscription handshake parameters and returns
// true when the challenge may be echoed back.
func (c *Client) VerifyWebhook(mode, token string) bool {
	return mode == "subscribe" && token == c.verifyToken
}

// SendText sends a plain text message.
func (c *Client) SendText(ctx context.Context, to, body string) error {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                normalizeNumber(to),
		"type":              "text",
		"text":              map[string]string{"body": body},
	}
	return c.post(ctx, payload)
}

// SendTemplate sends a pre-approved template by name in the configured
// language. Required for the first contact with a user.
func (c *Client) SendTemplate(ctx context.Context, to, templateName string) error {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                normalizeNumber(to),
		"type":              "template",
		"template": map[string]any{
			"name":     templateName,
			"language": map[string]string{"code": c.templateLang},
		},
	}
	return c.post(ctx, payload)
}

// descriptionLimit is the Cloud API cap on list row descriptions.
const descriptionLimit = 72

// SendList sends an interactive list message with one section.
func (c *Client) SendList(ctx context.Context, to string, msg domain.ListMessage) error {
	rows := make([]map[string]string, 0, len(msg.Rows))
	for _, r := range msg.Rows {
		row := map[string]string{"id": r.ID, "title": r.Title}
		if r.Description != "" {
			row["description"] = truncate(r.Description, descriptionLimit)
		}
		rows = append(rows, row)
	}

	interactive := map[string]any{
		"type": "list",
		"body": map[string]string{"text": msg.Body},
		"action": map[string]any{
			"button": msg.Button,
			"sections": []map[string]any{
				{"title": "Selecciona tu respuesta", "rows": rows},
			},
		},
	}
	if msg.Header != "" {
		interactive["header"] = map[string]string{"type": "text", "text": msg.Header}
	}
	if msg.Footer != "" {
		interactive["footer"] = map[string]string{"text": msg.Footer}
	}

	payload := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                normalizeNumber(to),
		"type":              "interactive",
		"interactive":       interactive,
	}
	return c.post(ctx, payload)
}

func (c *Client) post(ctx context.Context, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/%s/messages", c.apiURL, c.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.log.Error("cloud api rejected message",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("response", respBody),
		)
		return fmt.Errorf("%w: status %d", ErrSendFailed, resp.StatusCode)
	}
	return nil
}

// normalizeNumber strips a leading plus; the Cloud API wants bare digits.
func normalizeNumber(n string) string {
	return strings.TrimPrefix(n, "+")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
