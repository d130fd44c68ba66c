// Package history retrieves conversation history from the remote chat API
// and issues remote deletes. Errors are classified into the two buckets the
// UI distinguishes: rate limiting and everything else.
package history

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/matheus3301/chatd/internal/auth"
	"github.com/matheus3301/chatd/internal/model"
	"go.uber.org/zap"
)

// Error taxonomy. RateLimited means the user must wait; NetworkFailure is
// retryable by user action (pull-to-refresh, pagination retry).
var (
	ErrRateLimited    = errors.New("rate limited")
	ErrNetworkFailure = errors.New("network failure")
)

// User-facing messages for the two failure buckets.
const (
	RateLimitedMessage = "You are sending too many requests. Please wait a moment and try again."
	FetchFailedMessage = "Failed to load messages. Please try again."
)

// DefaultPageSize is the server page size for history fetches.
const DefaultPageSize = 20

// Page is one fetched history page, already normalized.
type Page struct {
	Messages []model.Message
	Page     int
}

// Client talks to the remote chat history API.
type Client struct {
	baseURL  string
	pageSize int
	http     *http.Client
	tokens   auth.TokenProvider
	logger   *zap.Logger
}

// NewClient creates a history client. pageSize <= 0 uses the default.
func NewClient(baseURL string, pageSize int, timeout time.Duration, tokens auth.TokenProvider, logger *zap.Logger) *Client {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:  baseURL,
		pageSize: pageSize,
		http:     &http.Client{Timeout: timeout},
		tokens:   tokens,
		logger:   logger,
	}
}

type historyEnvelope struct {
	Data struct {
		Messages []model.WireMessage `json:"messages"`
	} `json:"data"`
}

// FetchPage issues one paginated history request. Pages are 1-indexed;
// page 1 is the newest window.
func (c *Client) FetchPage(ctx context.Context, receiverID string, page int) (*Page, error) {
	url := fmt.Sprintf("%s/api/chat/%s?limit=%d&page=%d", c.baseURL, receiverID, c.pageSize, page)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetworkFailure, err)
	}
	c.authorize(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetworkFailure, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: fetch page %d", ErrRateLimited, page)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: fetch page %d: status %d", ErrNetworkFailure, page, resp.StatusCode)
	}

	var envelope historyEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("%w: decode page %d: %v", ErrNetworkFailure, page, err)
	}

	msgs := make([]model.Message, 0, len(envelope.Data.Messages))
	for _, w := range envelope.Data.Messages {
		msg, err := model.Normalize(w)
		if err != nil {
			c.logger.Warn("dropping unnormalizable history message", zap.Error(err))
			continue
		}
		msgs = append(msgs, msg)
	}
	return &Page{Messages: msgs, Page: page}, nil
}

type deleteRequest struct {
	MessageIDs []string `json:"messageIds"`
}

// DeleteMessages issues the remote batch delete. All-or-nothing: a non-2xx
// response means no message was deleted remotely.
func (c *Client) DeleteMessages(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	body, err := json.Marshal(deleteRequest{MessageIDs: ids})
	if err != nil {
		return err
	}
	url := c.baseURL + "/api/chat/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkFailure, err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkFailure, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: delete messages", ErrRateLimited)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: delete messages: status %d", ErrNetworkFailure, resp.StatusCode)
	}
	return nil
}

// authorize attaches the bearer token, fetched fresh for every request.
func (c *Client) authorize(ctx context.Context, req *http.Request) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		c.logger.Warn("token fetch failed, sending unauthenticated request", zap.Error(err))
		return
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}
