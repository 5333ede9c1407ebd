package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tempinbox/backend/internal/domain"
	"tempinbox/backend/internal/storage"
)

type staticChecker map[string]bool

func (s staticChecker) Exists(address string) bool { return s[address] }

func setupHub(t *testing.T, checker MailboxChecker) (*Hub, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := NewHub(checker, nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	router := gin.New()
	router.GET("/mailbox/:address/ws", HandleWebSocket(hub))
	server := httptest.NewServer(router)

	t.Cleanup(func() {
		server.Close()
		cancel()
	})
	return hub, server
}

func dial(t *testing.T, server *httptest.Server, address string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/mailbox/" + address + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })

	var msg Message
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, MessageTypeSubscribed, msg.Type)
	return conn
}

func TestHub_UnknownMailbox(t *testing.T) {
	_, server := setupHub(t, staticChecker{})

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/mailbox/nobody@tempmail.io/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHub_NewMail(t *testing.T) {
	address := "abc1234567@tempmail.io"
	hub, server := setupHub(t, staticChecker{address: true})

	conn := dial(t, server, address)
	assert.Equal(t, 1, hub.Subscribers(address))

	receivedAt := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	err := hub.Publish(context.Background(), storage.Event{
		Kind:    storage.EventNewMail,
		Address: address,
		Message: &domain.Message{ID: 1, From: "alice@example.com", Subject: "hi", ReceivedAt: receivedAt},
		At:      receivedAt,
	})
	require.NoError(t, err)

	var msg Message
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, MessageTypeNewMail, msg.Type)
	assert.Equal(t, address, msg.Address)
	assert.JSONEq(t, `{"id":1,"sender":"alice@example.com","subject":"hi","receivedAt":"2026-01-01T12:00:00Z","isNew":true}`, string(msg.Data))
}

func TestHub_OtherMailboxNotNotified(t *testing.T) {
	mine := "mine000000@tempmail.io"
	other := "other00000@tempmail.io"
	hub, server := setupHub(t, staticChecker{mine: true, other: true})

	conn := dial(t, server, mine)

	require.NoError(t, hub.Publish(context.Background(), storage.Event{Kind: storage.EventNewMail, Address: other}))

	var msg Message
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	assert.Error(t, conn.ReadJSON(&msg))
}

func TestHub_ExpiredClosesSubscribers(t *testing.T) {
	address := "gone000000@tempmail.io"
	hub, server := setupHub(t, staticChecker{address: true})

	conn := dial(t, server, address)

	require.NoError(t, hub.Publish(context.Background(), storage.Event{Kind: storage.EventMailboxExpired, Address: address}))

	var msg Message
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, MessageTypeMailboxExpired, msg.Type)

	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
	assert.Eventually(t, func() bool { return hub.Subscribers(address) == 0 }, time.Second, 10*time.Millisecond)
}

func TestHub_Ping(t *testing.T) {
	address := "ping000000@tempmail.io"
	_, server := setupHub(t, staticChecker{address: true})

	conn := dial(t, server, address)
	require.NoError(t, conn.WriteJSON(Message{Type: MessageTypePing}))

	var msg Message
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, MessageTypePong, msg.Type)
}

func TestHub_PublishBusy(t *testing.T) {
	hub := NewHub(nil, nil, zap.NewNop())
	for i := 0; i < cap(hub.broadcast); i++ {
		require.NoError(t, hub.Publish(context.Background(), storage.Event{Kind: storage.EventNewMail}))
	}
	assert.ErrorIs(t, hub.Publish(context.Background(), storage.Event{Kind: storage.EventNewMail}), ErrHubBusy)
}
