// Package api is the request/response boundary to the backend: chat and
// message fetches, chat creation, and the direct send fallback used while
// the realtime channel is down.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"chatsync/internal/errs"
	"chatsync/internal/model"
)

type Client struct {
	logger  *zap.SugaredLogger
	baseURL string
	token   string
	http    *http.Client
}

func New(logger *zap.SugaredLogger, baseURL, token string) *Client {
	return &Client{
		logger:  logger,
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

type Credentials struct {
	UserID string `json:"user_id"`
	Token  string `json:"token"`
}

type authRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login authenticates and stores the returned token for later requests.
func (c *Client) Login(ctx context.Context, username, password string) (Credentials, error) {
	var creds Credentials
	err := c.do(ctx, http.MethodPost, "/api/login", authRequest{Username: username, Password: password}, &creds)
	if err != nil {
		return Credentials{}, err
	}
	c.token = creds.Token
	return creds, nil
}

// Register creates an account and stores the returned token.
func (c *Client) Register(ctx context.Context, username, password string) (Credentials, error) {
	var creds Credentials
	err := c.do(ctx, http.MethodPost, "/api/register", authRequest{Username: username, Password: password}, &creds)
	if err != nil {
		return Credentials{}, err
	}
	c.token = creds.Token
	return creds, nil
}

// GetUserChats fetches the chats visible to a user.
func (c *Client) GetUserChats(ctx context.Context, userID string) ([]model.Chat, error) {
	var chats []model.Chat
	path := "/api/chats/users/" + url.PathEscape(userID)
	if err := c.do(ctx, http.MethodGet, path, nil, &chats); err != nil {
		return nil, err
	}
	return chats, nil
}

// GetChat fetches a single chat. A missing chat maps to ErrChatNotFound,
// which callers present as "may have been deleted" rather than a generic
// server error.
func (c *Client) GetChat(ctx context.Context, chatID string) (model.Chat, error) {
	var chat model.Chat
	path := "/api/chats/" + url.PathEscape(chatID)
	if err := c.do(ctx, http.MethodGet, path, nil, &chat); err != nil {
		return model.Chat{}, err
	}
	return chat, nil
}

// GetChatMessages fetches the message snapshot for a chat.
func (c *Client) GetChatMessages(ctx context.Context, chatID string) ([]model.Message, error) {
	var msgs []model.Message
	path := "/api/messages?chat_id=" + url.QueryEscape(chatID)
	if err := c.do(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

type createChatRequest struct {
	Name      string         `json:"name,omitempty"`
	Kind      model.ChatKind `json:"kind"`
	MemberIDs []string       `json:"member_ids"`
}

// CreateChat creates a chat with the given members.
func (c *Client) CreateChat(ctx context.Context, name string, kind model.ChatKind, memberIDs []string) (model.Chat, error) {
	var chat model.Chat
	req := createChatRequest{Name: name, Kind: kind, MemberIDs: memberIDs}
	if err := c.do(ctx, http.MethodPost, "/api/chats", req, &chat); err != nil {
		return model.Chat{}, err
	}
	return chat, nil
}

type addMemberRequest struct {
	UserID string `json:"user_id"`
}

// AddMember adds a user to a group chat.
func (c *Client) AddMember(ctx context.Context, chatID, userID string) (model.Chat, error) {
	var chat model.Chat
	path := "/api/chats/" + url.PathEscape(chatID) + "/members"
	if err := c.do(ctx, http.MethodPost, path, addMemberRequest{UserID: userID}, &chat); err != nil {
		return model.Chat{}, err
	}
	return chat, nil
}

type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	SenderID  string `json:"sender_id"`
	Content   string `json:"content"`
	ReplyToID string `json:"reply_to_id,omitempty"`
}

// SendMessage is the fallback send path. The returned message carries the
// durable id the server assigned.
func (c *Client) SendMessage(ctx context.Context, chatID, senderID, content, replyToID string) (model.Message, error) {
	var msg model.Message
	req := sendMessageRequest{ChatID: chatID, SenderID: senderID, Content: content, ReplyToID: replyToID}
	if err := c.do(ctx, http.MethodPost, "/api/messages", req, &msg); err != nil {
		return model.Message{}, err
	}
	msg.State = model.Confirmed
	return msg, nil
}

// DeleteChat hides a chat for one user. Other members keep it; the server
// may later undo the hide through restoration.
func (c *Client) DeleteChat(ctx context.Context, chatID, userID string) error {
	path := "/api/chats/" + url.PathEscape(chatID) + "?user_id=" + url.QueryEscape(userID)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling %s %s body: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return errs.ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return errs.ErrChatNotFound
	case resp.StatusCode >= 400:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, snippet)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s response: %w", method, path, err)
	}
	return nil
}
