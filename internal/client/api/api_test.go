package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chatsync/internal/errs"
	"chatsync/internal/model"
)

func TestLoginStoresToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/login", r.URL.Path)

		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "alice", req["username"])

		json.NewEncoder(w).Encode(Credentials{UserID: "u1", Token: "tok-1"})
	}))
	defer srv.Close()

	c := New(zap.NewNop().Sugar(), srv.URL, "")
	creds, err := c.Login(context.Background(), "alice", "secret")
	require.NoError(t, err)
	require.Equal(t, "u1", creds.UserID)
	require.Equal(t, "tok-1", creds.Token)
	require.Equal(t, "tok-1", c.token)
}

func TestGetUserChatsSendsBearer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chats/users/u1", r.URL.Path)
		require.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode([]model.Chat{{ID: "c1", Kind: model.Individual}})
	}))
	defer srv.Close()

	c := New(zap.NewNop().Sugar(), srv.URL, "tok-1")
	chats, err := c.GetUserChats(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, chats, 1)
	require.Equal(t, "c1", chats[0].ID)
}

func TestGetChatNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "chat not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(zap.NewNop().Sugar(), srv.URL, "tok-1")
	_, err := c.GetChat(context.Background(), "nope")
	require.ErrorIs(t, err, errs.ErrChatNotFound)
}

func TestUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(zap.NewNop().Sugar(), srv.URL, "expired")
	_, err := c.GetUserChats(context.Background(), "u1")
	require.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestSendMessageMarksConfirmed(t *testing.T) {
	createdAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/messages", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)

		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "c1", req["chat_id"])
		require.Equal(t, "hello", req["content"])

		json.NewEncoder(w).Encode(model.Message{
			ID:        "m7",
			ChatID:    "c1",
			SenderID:  "u1",
			Content:   "hello",
			CreatedAt: createdAt,
		})
	}))
	defer srv.Close()

	c := New(zap.NewNop().Sugar(), srv.URL, "tok-1")
	msg, err := c.SendMessage(context.Background(), "c1", "u1", "hello", "")
	require.NoError(t, err)
	require.Equal(t, "m7", msg.ID)
	require.Equal(t, model.Confirmed, msg.State)
}

func TestGetChatMessagesQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "c1", r.URL.Query().Get("chat_id"))
		json.NewEncoder(w).Encode([]model.Message{{ID: "m1", ChatID: "c1", SenderID: "a", Content: "hi"}})
	}))
	defer srv.Close()

	c := New(zap.NewNop().Sugar(), srv.URL, "tok-1")
	msgs, err := c.GetChatMessages(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestServerErrorIncludesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "something broke", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(zap.NewNop().Sugar(), srv.URL, "tok-1")
	_, err := c.GetUserChats(context.Background(), "u1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "something broke")
}
