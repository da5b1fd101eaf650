package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanBus struct {
	ch       chan []byte
	patterns chan string
}

func newChanBus() *chanBus {
	return &chanBus{ch: make(chan []byte, 8), patterns: make(chan string, 1)}
}

func (b *chanBus) Publish(_ context.Context, _ string, payload []byte) error {
	b.ch <- payload
	return nil
}

func (b *chanBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	b.patterns <- channel
	return b.ch, nil
}

func startHub(t *testing.T) (*chanBus, *websocket.Conn) {
	t.Helper()
	bus := newChanBus()
	hub := NewHub(bus, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{Mode: "serve", ChainID: 1})

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	select {
	case p := <-bus.patterns:
		assert.Equal(t, "snapshots:*", p)
	case <-time.After(2 * time.Second):
		t.Fatal("hub never subscribed")
	}

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	msg := readJSON(t, conn)
	assert.Equal(t, "hub_status", msg["type"])
	return bus, conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func update(entity, key string) []byte {
	b, _ := json.Marshal(map[string]any{"entity": entity, "key": key, "chainId": 1, "snapshot": map[string]any{}})
	return b
}

func TestHub_ForwardsSnapshotUpdates(t *testing.T) {
	bus, conn := startHub(t)

	bus.ch <- update("senior_pool", "0xabc")
	msg := readJSON(t, conn)
	assert.Equal(t, "senior_pool", msg["entity"])
	assert.Equal(t, "0xabc", msg["key"])
}

func TestHub_DropsMalformedUpdates(t *testing.T) {
	bus, conn := startHub(t)

	bus.ch <- []byte("not json")
	bus.ch <- update("borrower", "0x1")
	msg := readJSON(t, conn)
	assert.Equal(t, "borrower", msg["entity"])
}

func TestHub_SubscriptionsNarrowDelivery(t *testing.T) {
	bus, conn := startHub(t)

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "unsubscribe", "channels": []string{"snapshots:*"}}))
	ack := readJSON(t, conn)
	assert.Equal(t, "subscriptions", ack["type"])
	assert.Empty(t, ack["channels"])

	require.NoError(t, conn.WriteJSON(map[string]any{
		"action":   "subscribe",
		"channels": []string{"snapshots:tranched_pool:0xpool"},
	}))
	ack = readJSON(t, conn)
	assert.Equal(t, []any{"snapshots:tranched_pool:0xpool"}, ack["channels"])

	bus.ch <- update("senior_pool", "0xsenior")
	bus.ch <- update("tranched_pool", "0xother")
	bus.ch <- update("tranched_pool", "0xPOOL")

	msg := readJSON(t, conn)
	assert.Equal(t, "tranched_pool", msg["entity"])
	assert.Equal(t, "0xPOOL", msg["key"])
}

func TestClient_IsSubscribed(t *testing.T) {
	c := &client{subs: map[string]bool{
		"snapshots:borrower":          true,
		"snapshots:tranched_pool:0xa": true,
		"snapshots:capital*":          true,
	}}
	assert.True(t, c.isSubscribed("snapshots:borrower", "0xb"))
	assert.True(t, c.isSubscribed("snapshots:tranched_pool", "0xA"))
	assert.False(t, c.isSubscribed("snapshots:tranched_pool", "0xb"))
	assert.True(t, c.isSubscribed("snapshots:capital_provider", ""))
	assert.False(t, c.isSubscribed("snapshots:senior_pool", ""))
}
