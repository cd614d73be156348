// Package api implements the typed REST client the sync engine uses to talk
// to the marketplace chat backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nexlance/chatsync/internal/dto"
	"github.com/nexlance/chatsync/internal/models"
)

const defaultRequestTimeout = 30 * time.Second

// Client is the REST client for the chat backend.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  zerolog.Logger
	tracer  trace.Tracer
}

// NewClient creates a chat backend client. The token is carried opaquely as a
// bearer credential; session management is the embedding application's concern.
func NewClient(baseURL, token string, logger zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: defaultRequestTimeout},
		logger:  logger.With().Str("component", "chat_api").Logger(),
		tracer:  otel.Tracer("github.com/nexlance/chatsync/internal/api"),
	}
}

// History fetches one page of a room's message history, oldest-first.
func (c *Client) History(ctx context.Context, roomID string, page, pageSize int) (dto.ChatHistoryResponse, error) {
	attrs := []attribute.KeyValue{
		attribute.String("chat.room_id", roomID),
		attribute.Int("chat.page", page),
	}
	spanCtx, span := c.tracer.Start(ctx, "chat.history", trace.WithAttributes(attrs...))
	defer span.End()

	path := fmt.Sprintf("/chat/rooms/%s/messages?page=%d&page_size=%d", url.PathEscape(roomID), page, pageSize)

	var out dto.ChatHistoryResponse
	if err := c.do(spanCtx, http.MethodGet, "history", path, nil, &out); err != nil {
		span.RecordError(err)
		return dto.ChatHistoryResponse{}, err
	}

	if out.Page == 0 {
		out.Page = page
	}

	return out, nil
}

// Send posts a new message and returns the authoritative copy with the
// server-assigned id and timestamp.
func (c *Client) Send(ctx context.Context, roomID string, payload dto.ChatSendRequest) (models.Message, error) {
	attrs := []attribute.KeyValue{
		attribute.String("chat.room_id", roomID),
		attribute.String("chat.type", payload.Kind),
	}
	spanCtx, span := c.tracer.Start(ctx, "chat.send", trace.WithAttributes(attrs...))
	defer span.End()

	var out models.Message
	path := fmt.Sprintf("/chat/rooms/%s/messages", url.PathEscape(roomID))
	if err := c.do(spanCtx, http.MethodPost, "send", path, payload, &out); err != nil {
		span.RecordError(err)
		return models.Message{}, err
	}

	if out.RoomID == "" {
		out.RoomID = roomID
	}

	return out, nil
}

// MarkRead flags the room as read for the current session. Best-effort on the
// backend side; callers treat failures as non-fatal.
func (c *Client) MarkRead(ctx context.Context, roomID string) error {
	spanCtx, span := c.tracer.Start(ctx, "chat.mark_read",
		trace.WithAttributes(attribute.String("chat.room_id", roomID)))
	defer span.End()

	path := fmt.Sprintf("/chat/rooms/%s/read", url.PathEscape(roomID))
	if err := c.do(spanCtx, http.MethodPost, "mark_read", path, nil, nil); err != nil {
		span.RecordError(err)
		return err
	}

	return nil
}

// UnreadCounts fetches the per-room unread aggregate for the session user.
func (c *Client) UnreadCounts(ctx context.Context) ([]dto.UnreadCount, error) {
	spanCtx, span := c.tracer.Start(ctx, "chat.unread_counts")
	defer span.End()

	var out []dto.UnreadCount
	if err := c.do(spanCtx, http.MethodGet, "unread_counts", "/chat/unread", nil, &out); err != nil {
		span.RecordError(err)
		return nil, err
	}

	return out, nil
}

func (c *Client) do(ctx context.Context, method, op, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return &TransportError{Op: op, Err: err}
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			c.logger.Warn().Str("op", op).Msg("request timed out")
			return fmt.Errorf("%s: %w", op, ErrTimeout)
		}
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case resp.StatusCode >= 400:
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		detail := errResp.Error
		if detail == "" {
			detail = string(respBody)
		}
		return &TransportError{Op: op, Status: resp.StatusCode, Body: detail}
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return &TransportError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}

	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
