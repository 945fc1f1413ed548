// Package telegram is a small Bot API client covering what the announcer needs:
// sending text and photo messages with inline keyboards and editing them.
package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/juju/clock"
	"github.com/juju/retry"
)

// DefaultBaseURL is the Bot API root.
const DefaultBaseURL = "https://api.telegram.org"

// ParseModeHTML is the only parse mode the announcer renders.
const ParseModeHTML = "HTML"

const (
	maxAttempts   = 3
	maxRetryAfter = 30 * time.Second
)

var (
	// ErrMessageNotFound matches "message to edit not found" responses.
	ErrMessageNotFound = errors.New("telegram: message to edit not found")
	// ErrMessageNotModified matches "message is not modified" responses.
	ErrMessageNotModified = errors.New("telegram: message is not modified")
)

// APIError is an ok=false Bot API response.
type APIError struct {
	Code        int
	Description string
	RetryAfter  time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram: %d %s", e.Code, e.Description)
}

// Is lets callers match edit outcomes with errors.Is.
func (e *APIError) Is(target error) bool {
	d := strings.ToLower(e.Description)
	switch target {
	case ErrMessageNotFound:
		return strings.Contains(d, "message to edit not found")
	case ErrMessageNotModified:
		return strings.Contains(d, "message is not modified")
	}
	return false
}

// InlineKeyboardButton is a URL button.
type InlineKeyboardButton struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

// InlineKeyboardMarkup is rows of buttons.
type InlineKeyboardMarkup struct {
	InlineKeyboard [][]InlineKeyboardButton `json:"inline_keyboard"`
}

// Options shared by send and edit calls.
type Options struct {
	ParseMode          string
	ReplyMarkup        *InlineKeyboardMarkup
	DisableLinkPreview bool
}

// Chat is the subset of the Chat object the client reads.
type Chat struct {
	ID       int64  `json:"id"`
	Username string `json:"username,omitempty"`
	Title    string `json:"title,omitempty"`
}

// Message is the subset of the Message object the client reads.
type Message struct {
	MessageID int64  `json:"message_id"`
	Chat      Chat   `json:"chat"`
	Date      int64  `json:"date"`
	Text      string `json:"text,omitempty"`
	Caption   string `json:"caption,omitempty"`
}

// User is returned by getMe.
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	Username  string `json:"username"`
}

// Client calls the Bot API with a bot token.
type Client struct {
	Token      string
	BaseURL    string
	HTTPClient *http.Client
	Clock      clock.Clock
}

// NewClient returns a client for token with a 15s HTTP timeout.
func NewClient(token string) *Client {
	return &Client{Token: token, HTTPClient: &http.Client{Timeout: 15 * time.Second}}
}

type envelope struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

type linkPreview struct {
	IsDisabled bool `json:"is_disabled"`
}

type sendMessageReq struct {
	ChatID      string                `json:"chat_id"`
	MessageID   int64                 `json:"message_id,omitempty"`
	Text        string                `json:"text,omitempty"`
	Photo       string                `json:"photo,omitempty"`
	Caption     string                `json:"caption,omitempty"`
	ParseMode   string                `json:"parse_mode,omitempty"`
	ReplyMarkup *InlineKeyboardMarkup `json:"reply_markup,omitempty"`
	LinkPreview *linkPreview          `json:"link_preview_options,omitempty"`
}

func (r *sendMessageReq) apply(o *Options) {
	if o == nil {
		return
	}
	r.ParseMode = o.ParseMode
	r.ReplyMarkup = o.ReplyMarkup
	if o.DisableLinkPreview && r.Text != "" {
		r.LinkPreview = &linkPreview{IsDisabled: true}
	}
}

// SendMessage posts a text message.
func (c *Client) SendMessage(ctx context.Context, chatID, text string, o *Options) (Message, error) {
	req := sendMessageReq{ChatID: chatID, Text: text}
	req.apply(o)
	var m Message
	err := c.call(ctx, "sendMessage", req, &m)
	return m, err
}

// SendPhoto posts a photo by URL (or file_id) with a caption.
func (c *Client) SendPhoto(ctx context.Context, chatID, photo, caption string, o *Options) (Message, error) {
	req := sendMessageReq{ChatID: chatID, Photo: photo, Caption: caption}
	req.apply(o)
	var m Message
	err := c.call(ctx, "sendPhoto", req, &m)
	return m, err
}

// EditMessageText replaces the text of a text message.
func (c *Client) EditMessageText(ctx context.Context, chatID string, messageID int64, text string, o *Options) error {
	req := sendMessageReq{ChatID: chatID, MessageID: messageID, Text: text}
	req.apply(o)
	return c.call(ctx, "editMessageText", req, nil)
}

// EditMessageCaption replaces the caption of a photo message.
func (c *Client) EditMessageCaption(ctx context.Context, chatID string, messageID int64, caption string, o *Options) error {
	req := sendMessageReq{ChatID: chatID, MessageID: messageID, Caption: caption}
	req.apply(o)
	return c.call(ctx, "editMessageCaption", req, nil)
}

// GetMe verifies the token.
func (c *Client) GetMe(ctx context.Context) (User, error) {
	var u User
	err := c.call(ctx, "getMe", struct{}{}, &u)
	return u, err
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) clock() clock.Clock {
	if c.Clock != nil {
		return c.Clock
	}
	return clock.WallClock
}

// call retries only on 429, where the request was not processed.
func (c *Client) call(ctx context.Context, method string, payload, out any) error {
	if c.Token == "" {
		return errors.New("telegram: bot token empty")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram %s: encode: %w", method, err)
	}
	var lastErr error
	err = retry.Call(retry.CallArgs{
		Func: func() error {
			lastErr = c.do(ctx, method, body, out)
			var ae *APIError
			if errors.As(lastErr, &ae) && ae.Code == http.StatusTooManyRequests && ae.RetryAfter > 0 {
				wait := ae.RetryAfter
				if wait > maxRetryAfter {
					wait = maxRetryAfter
				}
				slog.Warn("telegram rate limited", slog.String("method", method), slog.Duration("retry_after", wait))
				select {
				case <-c.clock().After(wait):
				case <-ctx.Done():
				}
			}
			return lastErr
		},
		IsFatalError: func(err error) bool {
			var ae *APIError
			return !errors.As(err, &ae) || ae.Code != http.StatusTooManyRequests || ctx.Err() != nil
		},
		Attempts: maxAttempts,
		Delay:    100 * time.Millisecond,
		Clock:    c.clock(),
		Stop:     ctx.Done(),
	})
	if err != nil && lastErr != nil {
		return lastErr
	}
	return err
}

func (c *Client) do(ctx context.Context, method string, body []byte, out any) error {
	base := c.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/bot"+c.Token+"/"+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, c.redact(err))
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http().Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, c.redact(err))
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("telegram %s: read body: %w", method, err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("telegram %s: HTTP %d: decode: %w", method, resp.StatusCode, err)
	}
	if !env.OK {
		ae := &APIError{Code: env.ErrorCode, Description: env.Description}
		if ae.Code == 0 {
			ae.Code = resp.StatusCode
		}
		if env.Parameters != nil {
			ae.RetryAfter = time.Duration(env.Parameters.RetryAfter) * time.Second
		}
		return ae
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	// edits of inline messages return true instead of a Message
	if bytes.Equal(env.Result, []byte("true")) {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("telegram %s: decode result: %w", method, err)
	}
	return nil
}

// redact strips the bot token from transport errors, which embed the URL.
func (c *Client) redact(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		ue.URL = strings.ReplaceAll(ue.URL, c.Token, "<token>")
	}
	return err
}
