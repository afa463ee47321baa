package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quiet() *logrus.Entry {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(log)
}

func bareClient(h *Hub, tenant uuid.UUID) *Client {
	return &Client{hub: h, send: make(chan []byte, 4), TenantID: tenant, log: quiet()}
}

func receive(t *testing.T, c *Client) Envelope {
	t.Helper()
	select {
	case raw := <-c.send:
		var env Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		return env
	case <-time.After(time.Second):
		t.Fatal("no message")
	}
	return Envelope{}
}

func TestPushIsTenantScoped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewHub(quiet())
	go h.Run(ctx)

	a, b := uuid.New(), uuid.New()
	ca, cb := bareClient(h, a), bareClient(h, b)
	h.Register(ca)
	h.Register(cb)
	require.Equal(t, 1, h.Clients(a))

	h.Push(a, TypeNewMessage, map[string]string{"content": "hi"})
	env := receive(t, ca)
	assert.Equal(t, TypeNewMessage, env.Type)
	assert.JSONEq(t, `{"content":"hi"}`, string(env.Payload))

	require.Equal(t, 1, h.Clients(b))
	assert.Empty(t, cb.send)

	h.Unregister(ca)
	h.Unregister(ca)
	assert.Equal(t, 0, h.Clients(a))
	_, open := <-ca.send
	assert.False(t, open)
}

func TestHubStopClosesClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := NewHub(quiet())
	stopped := make(chan struct{})
	go func() { h.Run(ctx); close(stopped) }()

	c := bareClient(h, uuid.New())
	h.Register(c)
	cancel()
	<-stopped

	_, open := <-c.send
	assert.False(t, open)
	h.Unregister(c)
	assert.Equal(t, 0, h.Clients(c.TenantID))
}

func TestSocketReceivesPush(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewHub(quiet())
	go h.Run(ctx)
	tenant := uuid.New()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := NewClient(h, conn, tenant, uuid.New())
		h.Register(c)
		go c.WritePump()
		c.ReadPump(nil)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.Clients(tenant) == 1 }, time.Second, 10*time.Millisecond)
	h.Push(tenant, TypeNewMessage, map[string]int{"n": 1})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, TypeNewMessage, env.Type)
}
