package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/kvsync/internal/models"
	"github.com/iudanet/kvsync/pkg/api"
)

// fakeSyncServer - минимальный HTTP сервер синхронизации для тестов
type fakeSyncServer struct {
	mu       sync.Mutex
	items    map[string]api.ItemPayload
	lastAuth http.Header
	clock    int64
}

func newFakeSyncServer() *fakeSyncServer {
	return &fakeSyncServer{items: make(map[string]api.ItemPayload)}
}

func (s *fakeSyncServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/sync/storage", func(w http.ResponseWriter, r *http.Request) {
		s.remember(r)
		writeJSON(w, api.StorageInfo{TotalSize: 1 << 20})
	})
	mux.HandleFunc("/api/v1/sync/item/", func(w http.ResponseWriter, r *http.Request) {
		s.remember(r)
		key := strings.TrimPrefix(r.URL.Path, "/api/v1/sync/item/")

		s.mu.Lock()
		defer s.mu.Unlock()

		switch r.Method {
		case http.MethodGet:
			item, ok := s.items[key]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				writeJSON(w, api.ErrorResponse{Error: "item not found"})
				return
			}
			writeJSON(w, api.ItemResponse{
				Value:     item.Value,
				Metadata:  item.Metadata,
				Version:   item.Version,
				Timestamp: item.Timestamp,
			})
		case http.MethodPut:
			var req api.SetItemRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			s.clock += 1000
			item := api.ItemPayload{
				Key:       key,
				Value:     req.Value,
				Metadata:  req.Metadata,
				Version:   s.items[key].Version + 1,
				Timestamp: s.clock,
			}
			s.items[key] = item
			writeJSON(w, api.ItemResponse{
				Value:     item.Value,
				Metadata:  item.Metadata,
				Version:   item.Version,
				Timestamp: item.Timestamp,
			})
		case http.MethodDelete:
			delete(s.items, key)
			w.WriteHeader(http.StatusNoContent)
		}
	})
	mux.HandleFunc("/api/v1/sync/items", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		resp := api.ItemsResponse{}
		for _, item := range s.items {
			resp.Items = append(resp.Items, item)
		}
		writeJSON(w, resp)
	})
	mux.HandleFunc("/api/v1/sync/keys", func(w http.ResponseWriter, r *http.Request) {
		prefix := r.URL.Query().Get("prefix")
		s.mu.Lock()
		defer s.mu.Unlock()
		resp := api.KeysResponse{Keys: []string{}}
		for key := range s.items {
			if strings.HasPrefix(key, prefix) {
				resp.Keys = append(resp.Keys, key)
			}
		}
		writeJSON(w, resp)
	})
	mux.HandleFunc("/api/v1/sync/clear", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.items = make(map[string]api.ItemPayload)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/api/v1/conflicts/strategies", func(w http.ResponseWriter, r *http.Request) {
		names := make([]string, 0, len(models.Strategies()))
		for _, s := range models.Strategies() {
			names = append(names, string(s))
		}
		writeJSON(w, api.StrategiesResponse{Strategies: names})
	})
	return mux
}

func (s *fakeSyncServer) remember(r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAuth = r.Header.Clone()
}

func (s *fakeSyncServer) put(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock += 1000
	s.items[key] = api.ItemPayload{
		Key:       key,
		Value:     value,
		Version:   s.items[key].Version + 1,
		Timestamp: s.clock,
	}
}

func (s *fakeSyncServer) drop(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestPoll(t *testing.T, srv *fakeSyncServer) *PollTransport {
	t.Helper()

	ts := httptest.NewServer(srv.handler())
	t.Cleanup(ts.Close)

	p := NewPoll(Config{
		ServerURL:    ts.URL,
		UserID:       "user-1",
		InstanceID:   "instance-1",
		APIKey:       "secret",
		Timeout:      5 * time.Second,
		PollInterval: time.Hour, // опрос запускается вручную через pollOnce
	})
	t.Cleanup(func() { _ = p.Disconnect(context.Background()) })
	return p
}

func TestPoll_ConnectAndAuthHeaders(t *testing.T) {
	srv := newFakeSyncServer()
	p := newTestPoll(t, srv)

	require.NoError(t, p.Connect(context.Background()))
	assert.True(t, p.IsConnected())
	assert.Equal(t, models.StateConnected, p.State())
	assert.Equal(t, ModePoll, p.Type())

	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Equal(t, "Bearer secret", srv.lastAuth.Get("Authorization"))
	assert.Equal(t, "user-1", srv.lastAuth.Get("X-User-ID"))
	assert.Equal(t, "instance-1", srv.lastAuth.Get("X-Instance-ID"))
}

func TestPoll_ConnectUnreachable(t *testing.T) {
	p := NewPoll(Config{
		ServerURL: "http://127.0.0.1:1",
		Timeout:   100 * time.Millisecond,
	})

	err := p.Connect(context.Background())
	require.Error(t, err)
	assert.False(t, p.IsConnected())
	assert.Equal(t, models.StateDisconnected, p.State())
}

func TestPoll_ItemRoundTrip(t *testing.T) {
	srv := newFakeSyncServer()
	p := newTestPoll(t, srv)
	ctx := context.Background()

	stored, err := p.SetItem(ctx, &models.StorageItem{
		Key:      "settings",
		Value:    map[string]any{"theme": "dark"},
		Metadata: map[string]any{"origin": "test"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Version)
	assert.Positive(t, stored.Timestamp)

	got, err := p.GetItem(ctx, "settings")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"theme": "dark"}, got.Value)
	assert.Equal(t, stored.Version, got.Version)

	require.NoError(t, p.RemoveItem(ctx, "settings"))
	_, err = p.GetItem(ctx, "settings")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPoll_KeysAndClear(t *testing.T) {
	srv := newFakeSyncServer()
	p := newTestPoll(t, srv)
	ctx := context.Background()

	srv.put("app:one", 1)
	srv.put("app:two", 2)
	srv.put("other", 3)

	keys, err := p.GetKeys(ctx, "app:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"app:one", "app:two"}, keys)

	items, err := p.GetAllItems(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, items, 3)

	require.NoError(t, p.Clear(ctx))
	keys, err = p.GetKeys(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestPoll_SubscribeEmitsUpdates(t *testing.T) {
	srv := newFakeSyncServer()
	p := newTestPoll(t, srv)
	ctx := context.Background()

	srv.put("watched", "v1")
	require.NoError(t, p.Subscribe(ctx, []string{"watched"}))

	updates := make(chan *api.PushPayload, 10)
	p.Events().On(api.EventSyncUpdate, func(data any) {
		if payload, ok := data.(*api.PushPayload); ok {
			updates <- payload
		}
	})

	// База установлена подпиской: без изменений событий нет
	p.pollOnce(ctx)
	assert.Empty(t, updates)

	srv.put("watched", "v2")
	p.pollOnce(ctx)

	select {
	case payload := <-updates:
		assert.Equal(t, "watched", payload.Key)
		require.NotNil(t, payload.Item)
		assert.Equal(t, "v2", payload.Item.Value)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for sync:update")
	}

	// Повторный опрос без изменений молчит
	p.pollOnce(ctx)
	assert.Empty(t, updates)
}

func TestPoll_SubscribeEmitsRemove(t *testing.T) {
	srv := newFakeSyncServer()
	p := newTestPoll(t, srv)
	ctx := context.Background()

	srv.put("doomed", "v1")
	require.NoError(t, p.Subscribe(ctx, []string{"doomed"}))

	removes := make(chan *api.PushPayload, 1)
	p.Events().On(api.EventSyncRemove, func(data any) {
		if payload, ok := data.(*api.PushPayload); ok {
			removes <- payload
		}
	})

	srv.drop("doomed")
	p.pollOnce(ctx)

	select {
	case payload := <-removes:
		assert.Equal(t, "doomed", payload.Key)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for sync:remove")
	}

	// Отсутствие ключа видели: повторного события нет
	p.pollOnce(ctx)
	assert.Empty(t, removes)
}

func TestPoll_OwnWriteNotEchoed(t *testing.T) {
	srv := newFakeSyncServer()
	p := newTestPoll(t, srv)
	ctx := context.Background()

	require.NoError(t, p.Subscribe(ctx, []string{"mine"}))

	var updates int
	p.Events().On(api.EventSyncUpdate, func(any) { updates++ })

	_, err := p.SetItem(ctx, &models.StorageItem{Key: "mine", Value: "local write"})
	require.NoError(t, err)

	p.pollOnce(ctx)
	assert.Zero(t, updates)
}

func TestPoll_ExecuteBatchPartialFailure(t *testing.T) {
	srv := newFakeSyncServer()
	p := newTestPoll(t, srv)
	ctx := context.Background()

	result, err := p.ExecuteBatch(ctx, []BatchOp{
		{Method: models.QueueMethodSet, Key: "a", Value: 1},
		{Method: "bogus", Key: "b"},
		{Method: models.QueueMethodRemove, Key: "a"},
	})
	require.NoError(t, err)
	require.Len(t, result.Results, 3)

	assert.False(t, result.Success)
	assert.True(t, result.Results[0].Success)
	assert.False(t, result.Results[1].Success)
	assert.Contains(t, result.Results[1].Error, "unknown batch method")
	assert.True(t, result.Results[2].Success)
}

func TestPoll_ConflictStrategies(t *testing.T) {
	srv := newFakeSyncServer()
	p := newTestPoll(t, srv)

	strategies, err := p.GetConflictStrategies(context.Background())
	require.NoError(t, err)
	assert.Contains(t, strategies, string(models.StrategyLastWriteWins))
}

func TestPoll_MetricsObserved(t *testing.T) {
	srv := newFakeSyncServer()
	p := newTestPoll(t, srv)
	ctx := context.Background()

	_, _ = p.SetItem(ctx, &models.StorageItem{Key: "m", Value: 1})
	_, _ = p.GetItem(ctx, "missing")

	m := p.Metrics()
	assert.Equal(t, int64(2), m.RequestCount)
	assert.Equal(t, int64(1), m.SuccessCount)
	assert.Equal(t, int64(1), m.ErrorCount)
	assert.Positive(t, m.BytesTransferred)
}
