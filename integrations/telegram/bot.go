// Package telegram delivers payout notifications through the Telegram Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.telegram.org"

// Bot sends plain text messages on behalf of a bot token.
type Bot struct {
	baseURL   string
	token     string
	client    *http.Client
	parseMode string
}

// Option mutates bot configuration.
type Option func(*Bot)

// WithBaseURL points the bot at an alternative API host (used by tests and self-hosted gateways).
func WithBaseURL(base string) Option {
	return func(b *Bot) {
		if trimmed := strings.TrimRight(strings.TrimSpace(base), "/"); trimmed != "" {
			b.baseURL = trimmed
		}
	}
}

// WithHTTPClient overrides the HTTP client used for API calls.
func WithHTTPClient(client *http.Client) Option {
	return func(b *Bot) {
		if client != nil {
			b.client = client
		}
	}
}

// WithParseMode sets the parse_mode field (HTML, MarkdownV2) attached to every message.
func WithParseMode(mode string) Option {
	return func(b *Bot) { b.parseMode = strings.TrimSpace(mode) }
}

// New constructs a bot client for the supplied token.
func New(token string, opts ...Option) (*Bot, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("telegram: bot token required")
	}
	bot := &Bot{
		baseURL: defaultBaseURL,
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(bot)
	}
	return bot, nil
}

type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters,omitempty"`
}

// APIError reports a rejected Bot API call.
type APIError struct {
	Code        int
	Description string
	RetryAfter  time.Duration
}

func (e *APIError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("telegram: api error %d: %s (retry after %s)", e.Code, e.Description, e.RetryAfter)
	}
	return fmt.Sprintf("telegram: api error %d: %s", e.Code, e.Description)
}

// Send posts text to chatID via sendMessage.
func (b *Bot) Send(ctx context.Context, chatID, text string) error {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return errors.New("telegram: chat id required")
	}
	if strings.TrimSpace(text) == "" {
		return errors.New("telegram: message text required")
	}
	body, err := json.Marshal(sendMessageRequest{ChatID: chatID, Text: text, ParseMode: b.parseMode})
	if err != nil {
		return fmt.Errorf("telegram: encode message: %w", err)
	}
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", b.baseURL, b.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.client.Do(req)
	if err != nil {
		// The URL embeds the token, so only the cause is surfaced.
		var urlErr *url.Error
		if errors.As(err, &urlErr) && urlErr.Err != nil {
			return fmt.Errorf("telegram: send message: %w", urlErr.Err)
		}
		return errors.New("telegram: send message failed")
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("telegram: read response: %w", err)
	}
	var decoded apiResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("telegram: decode response (status %d): %w", resp.StatusCode, err)
	}
	if decoded.OK && resp.StatusCode == http.StatusOK {
		return nil
	}
	apiErr := &APIError{Code: decoded.ErrorCode, Description: decoded.Description}
	if apiErr.Code == 0 {
		apiErr.Code = resp.StatusCode
	}
	if decoded.Parameters != nil && decoded.Parameters.RetryAfter > 0 {
		apiErr.RetryAfter = time.Duration(decoded.Parameters.RetryAfter) * time.Second
	}
	return apiErr
}
