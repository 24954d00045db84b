package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chatrelay/api"
	"chatrelay/config"
	"chatrelay/models"
	"chatrelay/store"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type client struct {
	t    *testing.T
	conn *websocket.Conn
}

func connect(t *testing.T, srv *httptest.Server) *client {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &client{t: t, conn: conn}
}

func (c *client) emit(event string, payload any) {
	c.t.Helper()
	f, err := models.NewFrame(event, payload)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(f))
}

func (c *client) expect(event string, v any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var f models.Frame
	require.NoError(c.t, c.conn.ReadJSON(&f))
	require.Equal(c.t, event, f.Event, "payload: %s", f.Data)
	if v != nil {
		require.NoError(c.t, json.Unmarshal(f.Data, v))
	}
}

func startRelay(t *testing.T) (*httptest.Server, *api.Hub) {
	t.Helper()
	cfg := &config.Config{StoreDriver: config.DriverSQLite, SQLitePath: filepath.Join(t.TempDir(), "chat.db")}
	repo, err := store.Open(context.Background(), cfg)
	require.NoError(t, err)

	hub := api.NewHub()
	handler := api.NewHandler(repo, hub, api.NewMessageValidator(), api.WithTimeout(5*time.Second))
	srv := httptest.NewServer(api.NewServer(hub, handler, repo, 32))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
		handler.Stop()
		_ = repo.Close(context.Background())
	})
	return srv, hub
}

func TestConversationLifecycle(t *testing.T) {
	srv, hub := startRelay(t)
	alice, bob := connect(t, srv), connect(t, srv)
	require.Eventually(t, func() bool { return hub.Count() == 2 }, 2*time.Second, 10*time.Millisecond)

	alice.emit(models.EventSendMessage, map[string]any{
		"sender": "u1", "senderName": "Alice", "senderImage": "https://example.com/a.png", "recipient": "u2", "message": "hi",
	})
	var sent, seen models.Message
	alice.expect(models.EventNewMessage, &sent)
	bob.expect(models.EventNewMessage, &seen)
	assert.Equal(t, sent.ID, seen.ID)
	require.NotNil(t, sent.SenderImage)

	zero, ten := 0, 10
	bob.emit(models.EventFetchMessages, models.FetchRequest{Recipient: "u1", Sender: "u2", Offset: &zero, Limit: &ten})
	var page []models.Message
	bob.expect(models.EventMessagesFetched, &page)
	require.Len(t, page, 1)
	assert.Equal(t, sent.ID, page[0].ID)
	assert.Equal(t, "hi", page[0].Message)
	assert.Equal(t, *sent.SenderImage, *page[0].SenderImage)

	bob.emit(models.EventUpdateMessage, models.UpdateRequest{MessageID: sent.ID.String(), NewMessage: "hello"})
	var updated models.MessageUpdated
	alice.expect(models.EventMessageUpdated, &updated)
	bob.expect(models.EventMessageUpdated, nil)
	assert.Equal(t, models.MessageUpdated{MessageID: sent.ID.String(), NewMessage: "hello"}, updated)

	alice.emit(models.EventDeleteMessage, models.DeleteRequest{MessageID: sent.ID.String()})
	var deleted models.MessageDeleted
	bob.expect(models.EventMessageDeleted, &deleted)
	alice.expect(models.EventMessageDeleted, nil)
	assert.Equal(t, sent.ID.String(), deleted.MessageID)

	alice.emit(models.EventDeleteMessage, models.DeleteRequest{MessageID: sent.ID.String()})
	var reply models.ErrorPayload
	alice.expect(models.EventError, &reply)
	assert.Equal(t, "Message not found", reply.Message)

	resp, err := http.Get(srv.URL + "/messages?recipient=u1&sender=u2&offset=0&limit=10")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&page))
	assert.Empty(t, page)
}

func TestPublicChannelIsSeparateFromDirectMessages(t *testing.T) {
	srv, _ := startRelay(t)
	c := connect(t, srv)

	c.emit(models.EventSendMessage, map[string]any{"sender": "u1", "senderName": "Alice", "recipient": models.PublicChannel, "message": "hello all"})
	c.expect(models.EventNewMessage, nil)
	c.emit(models.EventSendMessage, map[string]any{"sender": "u1", "senderName": "Alice", "recipient": "u2", "message": "psst"})
	c.expect(models.EventNewMessage, nil)

	zero, ten := 0, 10
	var page []models.Message
	c.emit(models.EventFetchMessages, models.FetchRequest{Recipient: models.PublicChannel, Sender: "u9", Offset: &zero, Limit: &ten})
	c.expect(models.EventMessagesFetched, &page)
	require.Len(t, page, 1)
	assert.Equal(t, "hello all", page[0].Message)

	c.emit(models.EventFetchMessages, models.FetchRequest{Recipient: "u2", Sender: "u1", Offset: &zero, Limit: &ten})
	c.expect(models.EventMessagesFetched, &page)
	require.Len(t, page, 1)
	assert.Equal(t, "psst", page[0].Message)
}
