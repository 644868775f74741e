// Package rest is the request/response fallback used when the live channel is down.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/msgsync/internal/protocol"
	"go.uber.org/zap"
)

const (
	defaultTimeout  = 15 * time.Second
	maxResponseSize = 8 << 20
)

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	Token() (string, error)
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// Response is the envelope every endpoint answers with.
type Response[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SendRequest is the body of POST messages.
type SendRequest struct {
	Content   string               `json:"content"`
	Type      protocol.MessageType `json:"message_type"`
	ReplyToID int64                `json:"reply_to_id,omitempty"`
}

// Client calls the REST endpoints of the messaging backend.
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	logger     *zap.Logger
}

// New creates a REST client. A nil httpClient gets a default with a 15s timeout.
func New(baseURL string, tokens TokenSource, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     tokens,
		httpClient: httpClient,
		logger:     logger.Named("rest"),
	}
}

// ListConversations returns the conversations of the current user.
func (c *Client) ListConversations(ctx context.Context) ([]protocol.Conversation, error) {
	return do[[]protocol.Conversation](ctx, c, http.MethodGet, "/api/conversations", nil, nil)
}

// ListMessages returns a page of messages, newest first.
func (c *Client) ListMessages(ctx context.Context, conversationID int64, offset, limit int) ([]protocol.Message, error) {
	query := url.Values{}
	query.Set("offset", strconv.Itoa(offset))
	query.Set("limit", strconv.Itoa(limit))
	path := fmt.Sprintf("/api/conversations/%d/messages", conversationID)
	return do[[]protocol.Message](ctx, c, http.MethodGet, path, nil, query)
}

// SendMessage posts a message and returns the authoritative copy.
func (c *Client) SendMessage(ctx context.Context, conversationID int64, req SendRequest) (*protocol.Message, error) {
	if req.Type == "" {
		req.Type = protocol.TypeText
	}
	path := fmt.Sprintf("/api/conversations/%d/messages", conversationID)
	msg, err := do[protocol.Message](ctx, c, http.MethodPost, path, req, nil)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func do[T any](ctx context.Context, c *Client, method, path string, body any, query url.Values) (T, error) {
	var zero T

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return zero, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return zero, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	token, err := c.tokens.Token()
	if err != nil {
		return zero, fmt.Errorf("%s %s: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return zero, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return zero, fmt.Errorf("read response: %w", err)
	}
	if len(data) > maxResponseSize {
		return zero, fmt.Errorf("%s %s: response exceeds %d bytes", method, path, maxResponseSize)
	}

	var env Response[T]
	decodeErr := json.Unmarshal(data, &env)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := env.Error
		if decodeErr != nil || msg == "" {
			msg = strings.TrimSpace(string(data))
		}
		c.logger.Debug("request failed", zap.String("method", method), zap.String("path", path), zap.Int("status", resp.StatusCode))
		return zero, &APIError{Status: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return zero, fmt.Errorf("unmarshal response: %w", decodeErr)
	}
	if !env.Success {
		msg := env.Error
		if msg == "" {
			msg = "request not successful"
		}
		return zero, &APIError{Status: resp.StatusCode, Message: msg}
	}
	return env.Data, nil
}
