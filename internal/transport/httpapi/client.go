// Package httpapi is the REST client for the chat backend. It implements
// transport.WriteAPI and transport.HistoryAPI.
package httpapi

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

	"github.com/courtside/chatsync/internal/model"
	"github.com/courtside/chatsync/internal/transport"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// APIError carries the backend's status and message so callers can tell a
// rejected mutation from a transport failure.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("httpapi marshal: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if err := json.Unmarshal(raw, &apiErr); err != nil || apiErr.Error == "" {
			apiErr.Error = strings.TrimSpace(string(raw))
		}
		return &APIError{Status: resp.StatusCode, Message: apiErr.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("httpapi decode: %w", err)
	}
	return nil
}

// SendMessage persists a message. The backend treats client_msg_id as an
// idempotency key per conversation, so retries of the same send return the
// original row.
func (c *Client) SendMessage(ctx context.Context, in transport.SendInput) (*model.Message, error) {
	body := map[string]string{
		"sender_id":     in.SenderID,
		"content":       in.Content,
		"client_msg_id": in.ClientMsgID,
	}
	var msg model.Message
	path := "/api/conversations/" + url.PathEscape(in.ConversationID) + "/messages"
	if err := c.do(ctx, http.MethodPost, path, body, &msg); err != nil {
		return nil, fmt.Errorf("httpapi.SendMessage: %w", err)
	}
	return &msg, nil
}

func (c *Client) EditMessage(ctx context.Context, messageID, content string) (*model.Message, error) {
	var msg model.Message
	path := "/api/messages/" + url.PathEscape(messageID)
	if err := c.do(ctx, http.MethodPatch, path, map[string]string{"content": content}, &msg); err != nil {
		return nil, fmt.Errorf("httpapi.EditMessage: %w", err)
	}
	return &msg, nil
}

func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	path := "/api/messages/" + url.PathEscape(messageID)
	if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("httpapi.DeleteMessage: %w", err)
	}
	return nil
}

func (c *Client) ToggleReaction(ctx context.Context, messageID, playerID, emoji string) ([]model.ReactionGroup, error) {
	var out struct {
		Reactions []model.ReactionGroup `json:"reactions"`
	}
	path := "/api/messages/" + url.PathEscape(messageID) + "/reactions"
	body := map[string]string{"player_id": playerID, "emoji": emoji}
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return nil, fmt.Errorf("httpapi.ToggleReaction: %w", err)
	}
	return out.Reactions, nil
}

func (c *Client) MarkRead(ctx context.Context, conversationID, playerID string) error {
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/read"
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"player_id": playerID}, nil); err != nil {
		return fmt.Errorf("httpapi.MarkRead: %w", err)
	}
	return nil
}

func (c *Client) SetConversationFlag(ctx context.Context, conversationID, playerID string, flag model.ConversationFlag, on bool) error {
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/flags"
	body := map[string]any{"player_id": playerID, "flag": string(flag), "on": on}
	if err := c.do(ctx, http.MethodPut, path, body, nil); err != nil {
		return fmt.Errorf("httpapi.SetConversationFlag: %w", err)
	}
	return nil
}

func (c *Client) LeaveConversation(ctx context.Context, conversationID, playerID string) error {
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/leave"
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"player_id": playerID}, nil); err != nil {
		return fmt.Errorf("httpapi.LeaveConversation: %w", err)
	}
	return nil
}

func (c *Client) UnreadCount(ctx context.Context, playerID string) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	path := "/api/unread?player_id=" + url.QueryEscape(playerID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return 0, fmt.Errorf("httpapi.UnreadCount: %w", err)
	}
	return out.Count, nil
}

func (c *Client) SearchMessages(ctx context.Context, conversationID, query string, limit int) ([]model.Message, error) {
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages/search?q=" +
		url.QueryEscape(query) + "&limit=" + strconv.Itoa(limit)
	var out struct {
		Messages []model.Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("httpapi.SearchMessages: %w", err)
	}
	return out.Messages, nil
}

// Messages returns a page of history, newest first.
func (c *Client) Messages(ctx context.Context, conversationID string, limit, offset int) ([]model.Message, error) {
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages?limit=" +
		strconv.Itoa(limit) + "&offset=" + strconv.Itoa(offset)
	var out struct {
		Messages []model.Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("httpapi.Messages: %w", err)
	}
	return out.Messages, nil
}

// Heartbeat reports the local player as active. Used by the status
// aggregator when presence is backed by the REST API instead of Redis.
func (c *Client) Heartbeat(ctx context.Context, playerID string) error {
	if err := c.do(ctx, http.MethodPost, "/api/presence/heartbeat", map[string]string{"player_id": playerID}, nil); err != nil {
		return fmt.Errorf("httpapi.Heartbeat: %w", err)
	}
	return nil
}

var _ transport.WriteAPI = (*Client)(nil)
var _ transport.HistoryAPI = (*Client)(nil)
