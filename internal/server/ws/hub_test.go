package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/milestonebet/internal/domain"
)

type chanBus struct {
	mu   sync.Mutex
	subs map[string]chan []byte
}

func newChanBus() *chanBus {
	b := &chanBus{subs: map[string]chan []byte{}}
	for _, ch := range Channels {
		b.subs[ch] = make(chan []byte, 16)
	}
	return b
}

func (b *chanBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	ch := b.subs[channel]
	b.mu.Unlock()
	ch <- payload
	return nil
}

func (b *chanBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subs[channel], nil
}

type staticHistory map[string][][]byte

func (h staticHistory) Recent(_ context.Context, channel string, n int) ([][]byte, error) {
	events := h[channel]
	if len(events) > n {
		events = events[len(events)-n:]
	}
	return events, nil
}

func startHub(t *testing.T, history domain.EventHistory) (*chanBus, *Hub, string) {
	t.Helper()
	bus := newChanBus()
	hub := NewHub(bus, history, "test", slog.New(slog.DiscardHandler))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = hub.Run(ctx)
	}()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(func() {
		cancel()
		<-done
		srv.Close()
	})
	return bus, hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f Frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func event(t *testing.T, typ, marketID string) []byte {
	t.Helper()
	b, err := json.Marshal(domain.Event{Type: typ, MarketID: marketID})
	require.NoError(t, err)
	return b
}

func TestHub_RelaysBusEvents(t *testing.T) {
	bus, hub, url := startHub(t, nil)
	conn := dial(t, url)

	_, hello, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(hello), `"type":"hello"`)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, bus.Publish(context.Background(), domain.ChannelBets, event(t, domain.EventBetPlaced, "m1")))
	f := readFrame(t, conn)
	assert.Equal(t, domain.ChannelBets, f.Channel)
	assert.Contains(t, string(f.Event), domain.EventBetPlaced)
}

func TestHub_MarketFilter(t *testing.T) {
	bus, hub, url := startHub(t, nil)
	conn := dial(t, url)
	_, _, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(subscribeMsg{Action: "subscribe", Markets: []string{"m2"}}))
	require.NoError(t, conn.WriteJSON(subscribeMsg{Action: "unsubscribe", Channels: []string{domain.ChannelClaims}}))
	time.Sleep(50 * time.Millisecond)

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, domain.ChannelBets, event(t, domain.EventBetPlaced, "m1")))
	require.NoError(t, bus.Publish(ctx, domain.ChannelClaims, event(t, domain.EventBetClaimed, "m2")))
	require.NoError(t, bus.Publish(ctx, domain.ChannelBets, event(t, domain.EventBetPlaced, "m2")))

	f := readFrame(t, conn)
	assert.Equal(t, domain.ChannelBets, f.Channel)
	assert.Contains(t, string(f.Event), `"market_id":"m2"`)
}

func TestClientApply_SubscribeNarrowsChannels(t *testing.T) {
	c := &client{subs: map[string]bool{}, markets: map[string]bool{}}
	for _, ch := range Channels {
		c.subs[ch] = true
	}

	c.apply(subscribeMsg{Action: "subscribe", Markets: []string{"m1"}})
	assert.True(t, c.wants(domain.ChannelClaims, "m1"), "markets alone keep every channel")

	c.apply(subscribeMsg{Action: "subscribe", Channels: []string{domain.ChannelBets}})
	assert.True(t, c.wants(domain.ChannelBets, "m1"))
	assert.False(t, c.wants(domain.ChannelClaims, "m1"))
	assert.False(t, c.wants(domain.ChannelMarkets, "m1"))
	assert.False(t, c.wants(domain.ChannelBets, "m2"), "market filter survives")

	c.apply(subscribeMsg{Action: "subscribe", Channels: []string{domain.ChannelMarkets}})
	assert.False(t, c.wants(domain.ChannelBets, "m1"), "a later list replaces the earlier one")
	assert.True(t, c.wants(domain.ChannelMarkets, "m1"))
}

func TestHub_SubscribeChannels(t *testing.T) {
	bus, hub, url := startHub(t, nil)
	conn := dial(t, url)
	_, _, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(subscribeMsg{Action: "subscribe", Channels: []string{domain.ChannelMarkets}}))
	time.Sleep(50 * time.Millisecond)

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, domain.ChannelBets, event(t, domain.EventBetPlaced, "m1")))
	require.NoError(t, bus.Publish(ctx, domain.ChannelClaims, event(t, domain.EventBetClaimed, "m1")))
	require.NoError(t, bus.Publish(ctx, domain.ChannelMarkets, event(t, domain.EventMarketResolved, "m1")))

	f := readFrame(t, conn)
	assert.Equal(t, domain.ChannelMarkets, f.Channel)
	assert.Contains(t, string(f.Event), domain.EventMarketResolved)
}

func TestHub_Replay(t *testing.T) {
	history := staticHistory{
		domain.ChannelMarkets: {
			event(t, domain.EventMarketResolved, "old"),
			event(t, domain.EventMarketResolved, "new"),
		},
	}
	_, _, url := startHub(t, history)
	conn := dial(t, url+"?replay=1")

	_, _, err := conn.ReadMessage() // hello
	require.NoError(t, err)
	f := readFrame(t, conn)
	assert.Equal(t, domain.ChannelMarkets, f.Channel)
	assert.Contains(t, string(f.Event), `"market_id":"new"`)
}
