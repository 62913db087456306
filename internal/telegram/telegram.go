package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

const (
	defaultAPI     = "https://api.telegram.org"
	sendRetryLimit = 5    // N attempts when rate limited
	maxMessageLen  = 4096 // runes per message
)

// APIError is a non-OK answer from the Bot API.
type APIError struct {
	Method      string
	StatusCode  int
	Description string
	RetryAfter  time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s failed %d: %s", e.Method, e.StatusCode, e.Description)
}

// Client is a minimal Telegram Bot API client.
type Client struct {
	token   string
	baseURL string
	httpc   *http.Client
	log     *slog.Logger
	sleep   func(context.Context, time.Duration) bool
}

type Option func(*Client)

// WithBaseURL points the client at another API root, e.g. a test server.
func WithBaseURL(u string) Option { return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") } }

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.httpc = h } }

func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.log = l } }

func New(token string, opts ...Option) *Client {
	c := &Client{
		token:   token,
		baseURL: defaultAPI,
		httpc:   &http.Client{Timeout: 10 * time.Second},
		log:     slog.Default(),
		sleep:   sleep,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SendOptions tweak how a message is rendered.
type SendOptions struct {
	ParseMode             string // "HTML" or empty
	DisableWebPagePreview bool
	ReplyMarkup           *InlineKeyboardMarkup
}

type sendMessageRequest struct {
	ChatID                int64                 `json:"chat_id"`
	Text                  string                `json:"text"`
	ParseMode             string                `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool                  `json:"disable_web_page_preview,omitempty"`
	ReplyMarkup           *InlineKeyboardMarkup `json:"reply_markup,omitempty"`
}

// SendMessage sends text to chatID, splitting it when it is longer than
// Telegram allows. The keyboard, if any, is attached to the last part.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, opts *SendOptions) error {
	if opts == nil {
		opts = &SendOptions{}
	}
	chunks := splitMessage(text)
	for i, chunk := range chunks {
		req := sendMessageRequest{
			ChatID:                chatID,
			Text:                  chunk,
			ParseMode:             opts.ParseMode,
			DisableWebPagePreview: opts.DisableWebPagePreview,
		}
		if i == len(chunks)-1 {
			req.ReplyMarkup = opts.ReplyMarkup
		}
		if err := c.callWithRetry(ctx, "sendMessage", req, nil); err != nil {
			return err
		}
	}
	return nil
}

type sendPhotoRequest struct {
	ChatID    int64  `json:"chat_id"`
	Photo     string `json:"photo"`
	Caption   string `json:"caption,omitempty"`
	ParseMode string `json:"parse_mode,omitempty"`
}

// SendPhoto asks Telegram to fetch photoURL and post it to chatID.
func (c *Client) SendPhoto(ctx context.Context, chatID int64, photoURL, caption string) error {
	return c.callWithRetry(ctx, "sendPhoto", sendPhotoRequest{
		ChatID:    chatID,
		Photo:     photoURL,
		Caption:   caption,
		ParseMode: "HTML",
	}, nil)
}

func (c *Client) AnswerCallbackQuery(ctx context.Context, callbackID, text string) error {
	return c.call(ctx, "answerCallbackQuery", map[string]string{
		"callback_query_id": callbackID,
		"text":              text,
	}, nil)
}

// GetUpdates performs a long-poll request for new updates.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error) {
	var updates []Update
	err := c.call(ctx, "getUpdates", map[string]any{
		"offset":          offset,
		"timeout":         timeout,
		"allowed_updates": []string{"message", "callback_query"},
	}, &updates)
	return updates, err
}

func (c *Client) SetMyCommands(ctx context.Context, cmds []BotCommand) error {
	return c.call(ctx, "setMyCommands", map[string]any{"commands": cmds}, nil)
}

// SetWebhook registers hookURL; Telegram echoes secret in the
// X-Telegram-Bot-Api-Secret-Token header of every delivery.
func (c *Client) SetWebhook(ctx context.Context, hookURL, secret string) error {
	return c.call(ctx, "setWebhook", map[string]any{
		"url":             hookURL,
		"secret_token":    secret,
		"allowed_updates": []string{"message", "callback_query"},
	}, nil)
}

func (c *Client) DeleteWebhook(ctx context.Context) error {
	return c.call(ctx, "deleteWebhook", map[string]any{}, nil)
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

func (c *Client) callWithRetry(ctx context.Context, method string, args, result any) error {
	var err error
	for range sendRetryLimit {
		err = c.call(ctx, method, args, result)
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusTooManyRequests {
			return err
		}
		c.log.Warn("telegram rate limited, waiting", "method", method, "wait", apiErr.RetryAfter)
		if !c.sleep(ctx, apiErr.RetryAfter) {
			return ctx.Err()
		}
	}
	return err
}

func (c *Client) call(ctx context.Context, method string, args, result any) error {
	body, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshaling %s request: %w", method, err)
	}
	endpoint := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		// The URL contains the token; drop it from the error.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading %s response: %w", method, err)
	}
	var ar apiResponse
	if err := json.Unmarshal(raw, &ar); err != nil {
		if resp.StatusCode != http.StatusOK {
			return &APIError{Method: method, StatusCode: resp.StatusCode, Description: string(raw)}
		}
		return fmt.Errorf("parsing %s response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK || !ar.OK {
		return &APIError{
			Method:      method,
			StatusCode:  resp.StatusCode,
			Description: ar.Description,
			RetryAfter:  time.Duration(ar.Parameters.RetryAfter) * time.Second,
		}
	}
	if result != nil {
		if err := json.Unmarshal(ar.Result, result); err != nil {
			return fmt.Errorf("parsing %s result: %w", method, err)
		}
	}
	return nil
}

func splitMessage(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var chunks []string
	for text != "" {
		if utf8.RuneCountInString(text) <= maxMessageLen {
			chunks = append(chunks, text)
			break
		}

		var (
			lastNewline    = -1
			lastWhitespace = -1
			byteCap        = len(text)
			runeCount      int
		)
		for i, r := range text {
			if runeCount == maxMessageLen {
				byteCap = i
				break
			}
			runeCount++
			if r == '\n' {
				lastNewline = i
			} else if unicode.IsSpace(r) {
				lastWhitespace = i
			}
		}

		splitAt := byteCap
		switch {
		case lastNewline > 0:
			splitAt = lastNewline
		case lastWhitespace > 0:
			splitAt = lastWhitespace
		}
		if chunk := strings.TrimSpace(text[:splitAt]); chunk != "" {
			chunks = append(chunks, chunk)
		}
		text = strings.TrimSpace(text[splitAt:])
	}
	return chunks
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
