package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/kvsync/internal/models"
	"github.com/iudanet/kvsync/pkg/api"
)

// fakeChannelServer - минимальный websocket сервер синхронизации для тестов
type fakeChannelServer struct {
	mu    sync.Mutex
	items map[string]api.ItemPayload
	conns []*websocket.Conn
	clock int64
}

func newFakeChannelServer() *fakeChannelServer {
	return &fakeChannelServer{items: make(map[string]api.ItemPayload)}
}

func (s *fakeChannelServer) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}

		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		ctx := r.Context()
		for {
			var msg api.Message
			if err := wsjson.Read(ctx, conn, &msg); err != nil {
				return
			}
			reply := s.dispatch(&msg)
			if err := wsjson.Write(ctx, conn, reply); err != nil {
				return
			}
		}
	})
}

func (s *fakeChannelServer) dispatch(msg *api.Message) *api.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	reply := &api.Message{ID: msg.ID, OK: true}

	switch msg.Action {
	case api.ActionSet:
		var req api.SetItemRequest
		_ = json.Unmarshal(msg.Payload, &req)
		s.clock += 1000
		item := api.ItemPayload{
			Key:       req.Key,
			Value:     req.Value,
			Metadata:  req.Metadata,
			Version:   s.items[req.Key].Version + 1,
			Timestamp: s.clock,
		}
		s.items[req.Key] = item
		reply.Payload = mustMarshal(api.ItemResponse{
			Value:     item.Value,
			Metadata:  item.Metadata,
			Version:   item.Version,
			Timestamp: item.Timestamp,
		})
	case api.ActionGet:
		var req struct {
			Key string `json:"key"`
		}
		_ = json.Unmarshal(msg.Payload, &req)
		item, ok := s.items[req.Key]
		if !ok {
			reply.OK = false
			reply.Error = "item not found"
			break
		}
		reply.Payload = mustMarshal(api.ItemResponse{
			Value:     item.Value,
			Version:   item.Version,
			Timestamp: item.Timestamp,
		})
	case api.ActionRemove:
		var req struct {
			Key string `json:"key"`
		}
		_ = json.Unmarshal(msg.Payload, &req)
		delete(s.items, req.Key)
	case api.ActionGetKeys:
		keys := make([]string, 0, len(s.items))
		for key := range s.items {
			keys = append(keys, key)
		}
		reply.Payload = mustMarshal(api.KeysResponse{Keys: keys})
	case api.ActionClear:
		s.items = make(map[string]api.ItemPayload)
	case api.ActionSubscribe, api.ActionUnsubscribe:
		// подписки в тестах эмулируются явным push
	case api.ActionStorageInfo:
		reply.Payload = mustMarshal(api.StorageInfo{TotalSize: 1 << 20})
	default:
		reply.OK = false
		reply.Error = "unknown action: " + msg.Action
	}

	return reply
}

// push отправляет unsolicited-кадр всем подключенным клиентам
func (s *fakeChannelServer) push(event string, payload any) {
	s.mu.Lock()
	conns := append([]*websocket.Conn(nil), s.conns...)
	s.mu.Unlock()

	msg := api.Message{Event: event, Payload: mustMarshal(payload)}
	for _, conn := range conns {
		_ = wsjson.Write(context.Background(), conn, msg)
	}
}

// dropConns аварийно закрывает все соединения
func (s *fakeChannelServer) dropConns() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close(websocket.StatusInternalError, "server going away")
	}
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func newTestChannel(t *testing.T, srv *fakeChannelServer) *ChannelTransport {
	t.Helper()

	ts := httptest.NewServer(srv.handler())
	t.Cleanup(ts.Close)

	c := NewChannel(Config{
		ServerURL:  ts.URL,
		UserID:     "user-1",
		InstanceID: "instance-1",
		Timeout:    5 * time.Second,
	})
	t.Cleanup(func() { _ = c.Disconnect(context.Background()) })
	return c
}

func TestChannel_ConnectAndRoundTrip(t *testing.T) {
	srv := newFakeChannelServer()
	c := newTestChannel(t, srv)
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	assert.True(t, c.IsConnected())
	assert.Equal(t, models.StateConnected, c.State())
	assert.Equal(t, ModeChannel, c.Type())

	stored, err := c.SetItem(ctx, &models.StorageItem{Key: "settings", Value: "dark"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Version)

	got, err := c.GetItem(ctx, "settings")
	require.NoError(t, err)
	assert.Equal(t, "dark", got.Value)

	require.NoError(t, c.RemoveItem(ctx, "settings"))
	_, err = c.GetItem(ctx, "settings")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestChannel_RequestWhileDisconnected(t *testing.T) {
	c := NewChannel(Config{ServerURL: "http://127.0.0.1:1", Timeout: time.Second})

	_, err := c.GetItem(context.Background(), "any")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestChannel_ConnectUnreachable(t *testing.T) {
	c := NewChannel(Config{
		ServerURL: "http://127.0.0.1:1",
		Timeout:   200 * time.Millisecond,
	})

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.False(t, c.IsConnected())
}

func TestChannel_KeysAndClear(t *testing.T) {
	srv := newFakeChannelServer()
	c := newTestChannel(t, srv)
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))

	_, err := c.SetItem(ctx, &models.StorageItem{Key: "a", Value: 1})
	require.NoError(t, err)
	_, err = c.SetItem(ctx, &models.StorageItem{Key: "b", Value: 2})
	require.NoError(t, err)

	keys, err := c.GetKeys(ctx, "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, keys)

	require.NoError(t, c.Clear(ctx))
	keys, err = c.GetKeys(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestChannel_PushDispatch(t *testing.T) {
	srv := newFakeChannelServer()
	c := newTestChannel(t, srv)
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))

	updates := make(chan *api.PushPayload, 1)
	c.Events().On(api.EventSyncUpdate, func(data any) {
		if payload, ok := data.(*api.PushPayload); ok {
			updates <- payload
		}
	})

	srv.push(api.EventSyncUpdate, api.PushPayload{
		Key:       "pushed",
		Item:      &api.ItemPayload{Key: "pushed", Value: "fresh", Version: 7},
		Timestamp: 12345,
	})

	select {
	case payload := <-updates:
		assert.Equal(t, "pushed", payload.Key)
		require.NotNil(t, payload.Item)
		assert.Equal(t, "fresh", payload.Item.Value)
		assert.Equal(t, int64(7), payload.Item.Version)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for push")
	}
}

func TestChannel_PendingUpdatesDispatch(t *testing.T) {
	srv := newFakeChannelServer()
	c := newTestChannel(t, srv)
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))

	pending := make(chan *api.PendingUpdates, 1)
	c.Events().On(api.EventPendingUpdates, func(data any) {
		if payload, ok := data.(*api.PendingUpdates); ok {
			pending <- payload
		}
	})

	srv.push(api.EventPendingUpdates, api.PendingUpdates{
		Updates: []api.PushPayload{{Key: "one"}, {Key: "two"}},
	})

	select {
	case payload := <-pending:
		require.Len(t, payload.Updates, 2)
		assert.Equal(t, "one", payload.Updates[0].Key)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for pending-updates")
	}
}

func TestChannel_ConnectionLost(t *testing.T) {
	srv := newFakeChannelServer()
	c := newTestChannel(t, srv)
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))

	lost := make(chan struct{}, 1)
	c.Events().On(EventConnectionLost, func(any) {
		select {
		case lost <- struct{}{}:
		default:
		}
	})

	srv.dropConns()

	select {
	case <-lost:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for connection:lost")
	}

	assert.False(t, c.IsConnected())
	_, err := c.GetItem(ctx, "any")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestChannel_DisconnectIdempotent(t *testing.T) {
	srv := newFakeChannelServer()
	c := newTestChannel(t, srv)
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.Disconnect(ctx))
	require.NoError(t, c.Disconnect(ctx))
	assert.False(t, c.IsConnected())
}

func TestWSURL(t *testing.T) {
	assert.Equal(t, "ws://host:8080", wsURL("http://host:8080"))
	assert.Equal(t, "wss://host", wsURL("https://host"))
}
