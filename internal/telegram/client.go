// Package telegram is a small Bot API client for the calls the settlement
// core needs: invoice links for point purchases, user notifications and
// the forward/delete probe that checks a placement is still published.
// It also validates Mini App init data for login.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/admarket/internal/circuitbreaker"
	"github.com/mbd888/admarket/internal/metrics"
	"github.com/tidwall/gjson"
)

const DefaultAPIURL = "https://api.telegram.org"

var ErrUnavailable = errors.New("telegram: api unavailable")

// APIError is a failure reported by the Bot API itself.
type APIError struct {
	Method      string
	Code        int
	Description string
	RetryAfter  int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram: %s: %d %s", e.Method, e.Code, e.Description)
}

// Client calls the Bot API over HTTPS.
type Client struct {
	token   string
	baseURL string
	http    *http.Client
	breaker *circuitbreaker.Breaker
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at a different API host (tests, local
// Bot API server).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// NewClient creates a Bot API client for the given bot token.
func NewClient(token string, opts ...Option) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultAPIURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = circuitbreaker.New(5, 30*time.Second, circuitbreaker.WithFailureFilter(func(err error) bool {
		var apiErr *APIError
		return !errors.As(err, &apiErr) || apiErr.Code >= 500
	}))
	return c
}

// call POSTs params as JSON to the named method and returns the "result"
// field of a successful response.
func (c *Client) call(ctx context.Context, method string, params any) (gjson.Result, error) {
	var result gjson.Result
	err := c.breaker.Do("telegram", func() error {
		body, err := json.Marshal(params)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+"/bot"+c.token+"/"+method, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		defer func() { _ = resp.Body.Close() }()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		parsed := gjson.ParseBytes(raw)
		if !parsed.Get("ok").Bool() {
			code := int(parsed.Get("error_code").Int())
			if code == 0 {
				code = resp.StatusCode
			}
			return &APIError{
				Method:      method,
				Code:        code,
				Description: parsed.Get("description").String(),
				RetryAfter:  int(parsed.Get("parameters.retry_after").Int()),
			}
		}
		result = parsed.Get("result")
		return nil
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return result, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return result, err
}

// LabeledPrice is one line of an invoice.
type LabeledPrice struct {
	Label  string `json:"label"`
	Amount int64  `json:"amount"`
}

// InvoiceParams describes a Telegram Stars invoice.
type InvoiceParams struct {
	Title       string
	Description string
	Payload     string
	Amount      int64
}

// CreateInvoiceLink returns a payment link for a Stars (XTR) invoice. The
// payload is echoed back on payment and carries our invoice id.
func (c *Client) CreateInvoiceLink(ctx context.Context, p InvoiceParams) (string, error) {
	res, err := c.call(ctx, "createInvoiceLink", map[string]any{
		"title":          p.Title,
		"description":    p.Description,
		"payload":        p.Payload,
		"provider_token": "",
		"currency":       "XTR",
		"prices":         []LabeledPrice{{Label: p.Title, Amount: p.Amount}},
	})
	if err != nil {
		return "", err
	}
	return res.String(), nil
}

// SendMessage sends a plain text message to a chat.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	_, err := c.call(ctx, "sendMessage", map[string]any{
		"chat_id":                  chatID,
		"text":                     text,
		"disable_web_page_preview": true,
	})
	return err
}

// ForwardMessage copies a message into another chat and returns the new
// message id.
func (c *Client) ForwardMessage(ctx context.Context, toChat, fromChat, messageID int64) (int64, error) {
	res, err := c.call(ctx, "forwardMessage", map[string]any{
		"chat_id":              toChat,
		"from_chat_id":         fromChat,
		"message_id":           messageID,
		"disable_notification": true,
	})
	if err != nil {
		return 0, err
	}
	return res.Get("message_id").Int(), nil
}

// DeleteMessage removes a message.
func (c *Client) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	_, err := c.call(ctx, "deleteMessage", map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
	})
	return err
}

// Notifier delivers text notifications to users whose id is their
// Telegram user id.
type Notifier struct {
	client *Client
}

// NewNotifier creates a Notifier.
func NewNotifier(c *Client) *Notifier {
	return &Notifier{client: c}
}

// Notify sends text to the user's private chat with the bot.
func (n *Notifier) Notify(ctx context.Context, userID, text string) error {
	chatID, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: user id %q is not a chat id", userID)
	}
	if err := n.client.SendMessage(ctx, chatID, text); err != nil {
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		return err
	}
	metrics.NotificationsTotal.WithLabelValues("sent").Inc()
	return nil
}

// PlacementChecker reports whether a published post still exists by
// forwarding it into a service chat and deleting the copy.
type PlacementChecker struct {
	client      *Client
	serviceChat int64
}

// NewPlacementChecker creates a checker that forwards into serviceChat.
func NewPlacementChecker(c *Client, serviceChat int64) *PlacementChecker {
	return &PlacementChecker{client: c, serviceChat: serviceChat}
}

// PostIntact checks a published reference of the form "<chat_id>/<message_id>".
// A 400 from forwardMessage means the post is gone; other failures are
// returned so the caller retries later.
func (p *PlacementChecker) PostIntact(ctx context.Context, publishedRef string) (bool, error) {
	chatID, messageID, err := ParseMessageRef(publishedRef)
	if err != nil {
		return false, err
	}
	copyID, err := p.client.ForwardMessage(ctx, p.serviceChat, chatID, messageID)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusBadRequest {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	_ = p.client.DeleteMessage(ctx, p.serviceChat, copyID)
	return true, nil
}

// ParseMessageRef splits "<chat_id>/<message_id>".
func ParseMessageRef(ref string) (chatID, messageID int64, err error) {
	chatPart, msgPart, ok := strings.Cut(ref, "/")
	if !ok {
		return 0, 0, fmt.Errorf("telegram: malformed message ref %q", ref)
	}
	if chatID, err = strconv.ParseInt(chatPart, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("telegram: malformed chat id in %q", ref)
	}
	if messageID, err = strconv.ParseInt(msgPart, 10, 64); err != nil || messageID <= 0 {
		return 0, 0, fmt.Errorf("telegram: malformed message id in %q", ref)
	}
	return chatID, messageID, nil
}
