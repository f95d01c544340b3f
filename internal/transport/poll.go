package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/iudanet/kvsync/internal/events"
	"github.com/iudanet/kvsync/internal/models"
	"github.com/iudanet/kvsync/pkg/api"
)

// PollTransport реализует Transport поверх дискретных HTTP запросов.
// Push-событий у HTTP нет: транспорт эмулирует их периодическим опросом
// подписанных ключей и diff-ом по timestamp против последнего известного
// состояния.
type PollTransport struct {
	logger     *slog.Logger
	httpClient *http.Client
	bus        *events.Bus
	tracker    *metricsTracker
	cfg        Config

	mu         sync.Mutex
	subs       map[string]struct{}
	lastSeen   map[string]int64 // key -> timestamp последнего увиденного состояния
	pollCancel context.CancelFunc
	connected  bool

	wg sync.WaitGroup
}

// NewPoll создает poll-транспорт
func NewPoll(cfg Config) *PollTransport {
	cfg = cfg.withDefaults()
	return &PollTransport{
		logger: cfg.Logger.With("transport", ModePoll),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		bus:      events.NewBus(0, cfg.Logger),
		tracker:  newMetricsTracker(),
		cfg:      cfg,
		subs:     make(map[string]struct{}),
		lastSeen: make(map[string]int64),
	}
}

// Connect проверяет достижимость сервера и запускает цикл опроса
func (p *PollTransport) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.connected {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	// Достижимость сервера проверяем содержательным запросом
	if err := p.doRequest(ctx, http.MethodGet, "/api/v1/sync/storage", nil, nil); err != nil {
		return fmt.Errorf("poll connect failed: %w", err)
	}

	pollCtx, cancel := context.WithCancel(context.Background())

	p.mu.Lock()
	p.connected = true
	p.pollCancel = cancel
	p.mu.Unlock()

	p.tracker.markConnected()

	p.wg.Add(1)
	go p.pollLoop(pollCtx)

	p.logger.Info("poll transport connected",
		"server", p.cfg.ServerURL,
		"interval", p.cfg.PollInterval)
	return nil
}

// Disconnect останавливает цикл опроса
func (p *PollTransport) Disconnect(_ context.Context) error {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return nil
	}
	p.connected = false
	cancel := p.pollCancel
	p.pollCancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
	p.tracker.markDisconnected()

	p.logger.Info("poll transport disconnected")
	return nil
}

// IsConnected сообщает, установлено ли соединение
func (p *PollTransport) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// State возвращает состояние соединения
func (p *PollTransport) State() models.ConnectionState {
	if p.IsConnected() {
		return models.StateConnected
	}
	return models.StateDisconnected
}

// Type возвращает режим транспорта
func (p *PollTransport) Type() Mode { return ModePoll }

// Events возвращает шину событий транспорта
func (p *PollTransport) Events() *events.Bus { return p.bus }

// Metrics возвращает снимок метрик
func (p *PollTransport) Metrics() Metrics { return p.tracker.snapshot() }

// SetItem записывает элемент на сервер
func (p *PollTransport) SetItem(ctx context.Context, item *models.StorageItem) (*models.StorageItem, error) {
	req := api.SetItemRequest{
		Key:       item.Key,
		Value:     item.Value,
		Metadata:  item.Metadata,
		Version:   item.Version,
		Timestamp: item.Timestamp,
	}

	var resp api.ItemResponse
	if err := p.doRequest(ctx, http.MethodPut, itemPath(item.Key), req, &resp); err != nil {
		return nil, fmt.Errorf("set item %q: %w", item.Key, err)
	}

	stored := &models.StorageItem{
		Key:       item.Key,
		Value:     resp.Value,
		Metadata:  resp.Metadata,
		Version:   resp.Version,
		Timestamp: resp.Timestamp,
	}

	// Собственная запись не должна вернуться эхом из цикла опроса
	p.mu.Lock()
	if _, ok := p.subs[item.Key]; ok {
		p.lastSeen[item.Key] = resp.Timestamp
	}
	p.mu.Unlock()

	return stored, nil
}

// GetItem читает элемент с сервера
func (p *PollTransport) GetItem(ctx context.Context, key string) (*models.StorageItem, error) {
	var resp api.ItemResponse
	if err := p.doRequest(ctx, http.MethodGet, itemPath(key), nil, &resp); err != nil {
		return nil, fmt.Errorf("get item %q: %w", key, err)
	}

	return &models.StorageItem{
		Key:       key,
		Value:     resp.Value,
		Metadata:  resp.Metadata,
		Version:   resp.Version,
		Timestamp: resp.Timestamp,
	}, nil
}

// RemoveItem удаляет элемент на сервере
func (p *PollTransport) RemoveItem(ctx context.Context, key string) error {
	if err := p.doRequest(ctx, http.MethodDelete, itemPath(key), nil, nil); err != nil {
		return fmt.Errorf("remove item %q: %w", key, err)
	}

	p.mu.Lock()
	delete(p.lastSeen, key)
	p.mu.Unlock()
	return nil
}

// GetAllItems читает все элементы пользователя (опционально с фильтром по метаданным)
func (p *PollTransport) GetAllItems(ctx context.Context, filter map[string]string) ([]*models.StorageItem, error) {
	path := "/api/v1/sync/items"
	if len(filter) > 0 {
		q := url.Values{}
		for k, v := range filter {
			q.Set(k, v)
		}
		path += "?" + q.Encode()
	}

	var resp api.ItemsResponse
	if err := p.doRequest(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("get all items: %w", err)
	}

	items := make([]*models.StorageItem, 0, len(resp.Items))
	for i := range resp.Items {
		items = append(items, itemFromPayload(&resp.Items[i]))
	}
	return items, nil
}

// GetKeys читает ключи пользователя (опционально с префиксом)
func (p *PollTransport) GetKeys(ctx context.Context, prefix string) ([]string, error) {
	path := "/api/v1/sync/keys"
	if prefix != "" {
		path += "?prefix=" + url.QueryEscape(prefix)
	}

	var resp api.KeysResponse
	if err := p.doRequest(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("get keys: %w", err)
	}
	return resp.Keys, nil
}

// Clear удаляет все элементы пользователя на сервере
func (p *PollTransport) Clear(ctx context.Context) error {
	if err := p.doRequest(ctx, http.MethodPost, "/api/v1/sync/clear", nil, nil); err != nil {
		return fmt.Errorf("clear: %w", err)
	}

	p.mu.Lock()
	p.lastSeen = make(map[string]int64)
	p.mu.Unlock()
	return nil
}

// ExecuteBatch выполняет операции пакета последовательно.
// У дискретного транспорта нет атомарного серверного batch: частичные сбои
// фиксируются поэлементно.
func (p *PollTransport) ExecuteBatch(ctx context.Context, ops []BatchOp) (*BatchResult, error) {
	return executeBatch(ctx, p, ops)
}

// Subscribe добавляет ключи в список опроса. Текущее состояние ключей
// становится базой для diff, событий о нем не публикуется.
func (p *PollTransport) Subscribe(ctx context.Context, keys []string) error {
	for _, key := range keys {
		item, err := p.GetItem(ctx, key)

		p.mu.Lock()
		p.subs[key] = struct{}{}
		switch {
		case err == nil:
			p.lastSeen[key] = item.Timestamp
		default:
			// Ключа на сервере нет: базой служит его отсутствие
			delete(p.lastSeen, key)
		}
		p.mu.Unlock()
	}
	return nil
}

// Unsubscribe убирает ключи из списка опроса
func (p *PollTransport) Unsubscribe(_ context.Context, keys []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, key := range keys {
		delete(p.subs, key)
		delete(p.lastSeen, key)
	}
	return nil
}

// GetConflictHistory возвращает историю разрешений конфликта с сервера
func (p *PollTransport) GetConflictHistory(ctx context.Context, itemID string) ([]*models.ConflictResolution, error) {
	var resolutions []*models.ConflictResolution
	path := "/api/v1/conflicts/history/" + url.PathEscape(itemID)
	if err := p.doRequest(ctx, http.MethodGet, path, nil, &resolutions); err != nil {
		return nil, fmt.Errorf("conflict history %q: %w", itemID, err)
	}
	return resolutions, nil
}

// GetConflictStats возвращает серверную статистику конфликтов за интервал
func (p *PollTransport) GetConflictStats(ctx context.Context, startDate, endDate int64) (*api.ConflictStatsResponse, error) {
	var resp api.ConflictStatsResponse
	req := api.ConflictStatsRequest{StartDate: startDate, EndDate: endDate}
	if err := p.doRequest(ctx, http.MethodPost, "/api/v1/conflicts/stats", req, &resp); err != nil {
		return nil, fmt.Errorf("conflict stats: %w", err)
	}
	return &resp, nil
}

// ResolveConflict отправляет серверу ручное разрешение конфликта
func (p *PollTransport) ResolveConflict(ctx context.Context, conflictID string, resolution any) error {
	req := api.ConflictResolveRequest{ConflictID: conflictID, Resolution: resolution}
	if err := p.doRequest(ctx, http.MethodPost, "/api/v1/conflicts/resolve", req, nil); err != nil {
		return fmt.Errorf("resolve conflict %q: %w", conflictID, err)
	}
	return nil
}

// AnalyzeConflict запрашивает серверный анализ конфликта
func (p *PollTransport) AnalyzeConflict(ctx context.Context, data *models.ConflictData) (json.RawMessage, error) {
	var resp api.AnalyzeResponse
	if err := p.doRequest(ctx, http.MethodPost, "/api/v1/conflicts/analyze", data, &resp); err != nil {
		return nil, fmt.Errorf("analyze conflict: %w", err)
	}
	return resp.Analysis, nil
}

// GetConflictStrategies возвращает список стратегий сервера
func (p *PollTransport) GetConflictStrategies(ctx context.Context) ([]string, error) {
	var resp api.StrategiesResponse
	if err := p.doRequest(ctx, http.MethodGet, "/api/v1/conflicts/strategies", nil, &resp); err != nil {
		return nil, fmt.Errorf("conflict strategies: %w", err)
	}
	return resp.Strategies, nil
}

// GetStorageInfo возвращает сведения о серверном хранилище
func (p *PollTransport) GetStorageInfo(ctx context.Context) (*api.StorageInfo, error) {
	var resp api.StorageInfo
	if err := p.doRequest(ctx, http.MethodGet, "/api/v1/sync/storage", nil, &resp); err != nil {
		return nil, fmt.Errorf("storage info: %w", err)
	}
	return &resp, nil
}

// pollLoop периодически опрашивает подписанные ключи и синтезирует
// push-события из diff-а по timestamp
func (p *PollTransport) pollLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

// pollOnce выполняет один проход опроса
func (p *PollTransport) pollOnce(ctx context.Context) {
	p.mu.Lock()
	keys := make([]string, 0, len(p.subs))
	for key := range p.subs {
		keys = append(keys, key)
	}
	p.mu.Unlock()

	for _, key := range keys {
		select {
		case <-ctx.Done():
			return
		default:
		}

		item, err := p.GetItem(ctx, key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				p.emitRemoveIfSeen(key)
				continue
			}
			p.logger.Warn("poll request failed", "key", key, "error", err)
			continue
		}

		p.mu.Lock()
		last, seen := p.lastSeen[key]
		changed := !seen || item.Timestamp > last
		if changed {
			p.lastSeen[key] = item.Timestamp
		}
		p.mu.Unlock()

		if changed {
			p.bus.Emit(api.EventSyncUpdate, &api.PushPayload{
				Key:       key,
				Item:      payloadFromItem(item),
				Timestamp: item.Timestamp,
			})
		}
	}
}

// emitRemoveIfSeen публикует sync:remove, если ключ ранее наблюдался
func (p *PollTransport) emitRemoveIfSeen(key string) {
	p.mu.Lock()
	last, seen := p.lastSeen[key]
	if seen {
		delete(p.lastSeen, key)
	}
	p.mu.Unlock()

	if seen {
		p.bus.Emit(api.EventSyncRemove, &api.PushPayload{
			Key:       key,
			Timestamp: last,
		})
	}
}

// doRequest выполняет HTTP запрос с аутентификационными заголовками
// и учетом метрик
func (p *PollTransport) doRequest(ctx context.Context, method, path string, body, result any) error {
	start := time.Now()
	n, err := p.doRequestBytes(ctx, method, path, body, result)
	p.tracker.observe(start, n, err)
	return err
}

func (p *PollTransport) doRequestBytes(ctx context.Context, method, path string, body, result any) (int64, error) {
	reqURL := p.cfg.ServerURL + path

	var transferred int64
	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal request body: %w", err)
		}
		transferred += int64(len(jsonData))
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return transferred, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	p.setAuthHeaders(req.Header)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return transferred, fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return transferred, fmt.Errorf("failed to read response body: %w", err)
	}
	transferred += int64(len(respBody))

	if resp.StatusCode == http.StatusNotFound {
		return transferred, ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp api.ErrorResponse
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error != "" {
			return transferred, fmt.Errorf("server error (%d): %s", resp.StatusCode, errResp.Error)
		}
		return transferred, fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return transferred, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return transferred, nil
}

// setAuthHeaders проставляет заголовки идентификации клиента
func (p *PollTransport) setAuthHeaders(h http.Header) {
	if p.cfg.APIKey != "" {
		h.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
	if p.cfg.UserID != "" {
		h.Set("X-User-ID", p.cfg.UserID)
	}
	if p.cfg.InstanceID != "" {
		h.Set("X-Instance-ID", p.cfg.InstanceID)
	}
}

// itemPath строит путь операции над одним элементом
func itemPath(key string) string {
	return "/api/v1/sync/item/" + url.PathEscape(key)
}
