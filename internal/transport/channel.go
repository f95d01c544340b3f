package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/iudanet/kvsync/internal/events"
	"github.com/iudanet/kvsync/internal/models"
	"github.com/iudanet/kvsync/pkg/api"
)

// ChannelTransport реализует Transport поверх одного долгоживущего
// websocket-соединения. Запросы коррелируются с ответами по ID кадра;
// unsolicited-кадры сервера публикуются на шине как push-события.
type ChannelTransport struct {
	logger  *slog.Logger
	bus     *events.Bus
	tracker *metricsTracker
	cfg     Config

	mu         sync.Mutex
	conn       *websocket.Conn
	pending    map[string]chan *api.Message
	readCancel context.CancelFunc
	connected  bool

	wg sync.WaitGroup
}

// NewChannel создает channel-транспорт
func NewChannel(cfg Config) *ChannelTransport {
	cfg = cfg.withDefaults()
	return &ChannelTransport{
		logger:  cfg.Logger.With("transport", ModeChannel),
		bus:     events.NewBus(0, cfg.Logger),
		tracker: newMetricsTracker(),
		cfg:     cfg,
		pending: make(map[string]chan *api.Message),
	}
}

// Connect устанавливает websocket-соединение и запускает цикл чтения
func (c *ChannelTransport) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	header := http.Header{}
	if c.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if c.cfg.UserID != "" {
		header.Set("X-User-ID", c.cfg.UserID)
	}
	if c.cfg.InstanceID != "" {
		header.Set("X-Instance-ID", c.cfg.InstanceID)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, wsURL(c.cfg.ServerURL)+"/api/v1/sync/ws", &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return fmt.Errorf("channel connect failed: %w", err)
	}

	readCtx, readCancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.readCancel = readCancel
	c.mu.Unlock()

	c.tracker.markConnected()

	c.wg.Add(1)
	go c.readLoop(readCtx, conn)

	c.logger.Info("channel transport connected", "server", c.cfg.ServerURL)
	return nil
}

// Disconnect закрывает соединение штатно
func (c *ChannelTransport) Disconnect(_ context.Context) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	conn := c.conn
	c.conn = nil
	cancel := c.readCancel
	c.readCancel = nil
	c.failPendingLocked(ErrNotConnected)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	c.tracker.markDisconnected()

	c.logger.Info("channel transport disconnected")
	return nil
}

// IsConnected сообщает, установлено ли соединение
func (c *ChannelTransport) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// State возвращает состояние соединения
func (c *ChannelTransport) State() models.ConnectionState {
	if c.IsConnected() {
		return models.StateConnected
	}
	return models.StateDisconnected
}

// Type возвращает режим транспорта
func (c *ChannelTransport) Type() Mode { return ModeChannel }

// Events возвращает шину событий транспорта
func (c *ChannelTransport) Events() *events.Bus { return c.bus }

// Metrics возвращает снимок метрик
func (c *ChannelTransport) Metrics() Metrics { return c.tracker.snapshot() }

// SetItem записывает элемент на сервер
func (c *ChannelTransport) SetItem(ctx context.Context, item *models.StorageItem) (*models.StorageItem, error) {
	req := api.SetItemRequest{
		Key:       item.Key,
		Value:     item.Value,
		Metadata:  item.Metadata,
		Version:   item.Version,
		Timestamp: item.Timestamp,
	}

	var resp api.ItemResponse
	if err := c.request(ctx, api.ActionSet, req, &resp); err != nil {
		return nil, fmt.Errorf("set item %q: %w", item.Key, err)
	}

	return &models.StorageItem{
		Key:       item.Key,
		Value:     resp.Value,
		Metadata:  resp.Metadata,
		Version:   resp.Version,
		Timestamp: resp.Timestamp,
	}, nil
}

// GetItem читает элемент с сервера
func (c *ChannelTransport) GetItem(ctx context.Context, key string) (*models.StorageItem, error) {
	req := struct {
		Key string `json:"key"`
	}{Key: key}

	var resp api.ItemResponse
	if err := c.request(ctx, api.ActionGet, req, &resp); err != nil {
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
func (c *ChannelTransport) RemoveItem(ctx context.Context, key string) error {
	req := struct {
		Key string `json:"key"`
	}{Key: key}

	if err := c.request(ctx, api.ActionRemove, req, nil); err != nil {
		return fmt.Errorf("remove item %q: %w", key, err)
	}
	return nil
}

// GetAllItems читает все элементы пользователя
func (c *ChannelTransport) GetAllItems(ctx context.Context, filter map[string]string) ([]*models.StorageItem, error) {
	req := struct {
		Filter map[string]string `json:"filter,omitempty"`
	}{Filter: filter}

	var resp api.ItemsResponse
	if err := c.request(ctx, api.ActionGetAll, req, &resp); err != nil {
		return nil, fmt.Errorf("get all items: %w", err)
	}

	items := make([]*models.StorageItem, 0, len(resp.Items))
	for i := range resp.Items {
		items = append(items, itemFromPayload(&resp.Items[i]))
	}
	return items, nil
}

// GetKeys читает ключи пользователя
func (c *ChannelTransport) GetKeys(ctx context.Context, prefix string) ([]string, error) {
	req := struct {
		Prefix string `json:"prefix,omitempty"`
	}{Prefix: prefix}

	var resp api.KeysResponse
	if err := c.request(ctx, api.ActionGetKeys, req, &resp); err != nil {
		return nil, fmt.Errorf("get keys: %w", err)
	}
	return resp.Keys, nil
}

// Clear удаляет все элементы пользователя
func (c *ChannelTransport) Clear(ctx context.Context) error {
	if err := c.request(ctx, api.ActionClear, nil, nil); err != nil {
		return fmt.Errorf("clear: %w", err)
	}
	return nil
}

// ExecuteBatch выполняет операции пакета последовательно поверх канала
func (c *ChannelTransport) ExecuteBatch(ctx context.Context, ops []BatchOp) (*BatchResult, error) {
	return executeBatch(ctx, c, ops)
}

// Subscribe подписывает клиента на изменения ключей
func (c *ChannelTransport) Subscribe(ctx context.Context, keys []string) error {
	if err := c.request(ctx, api.ActionSubscribe, api.SubscribeRequest{Keys: keys}, nil); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

// Unsubscribe отписывает клиента от изменений ключей
func (c *ChannelTransport) Unsubscribe(ctx context.Context, keys []string) error {
	if err := c.request(ctx, api.ActionUnsubscribe, api.SubscribeRequest{Keys: keys}, nil); err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	return nil
}

// GetConflictHistory возвращает историю разрешений конфликта
func (c *ChannelTransport) GetConflictHistory(ctx context.Context, itemID string) ([]*models.ConflictResolution, error) {
	req := struct {
		ItemID string `json:"item_id"`
	}{ItemID: itemID}

	var resolutions []*models.ConflictResolution
	if err := c.request(ctx, api.ActionConflictHistory, req, &resolutions); err != nil {
		return nil, fmt.Errorf("conflict history %q: %w", itemID, err)
	}
	return resolutions, nil
}

// GetConflictStats возвращает серверную статистику конфликтов
func (c *ChannelTransport) GetConflictStats(ctx context.Context, startDate, endDate int64) (*api.ConflictStatsResponse, error) {
	var resp api.ConflictStatsResponse
	req := api.ConflictStatsRequest{StartDate: startDate, EndDate: endDate}
	if err := c.request(ctx, api.ActionConflictStats, req, &resp); err != nil {
		return nil, fmt.Errorf("conflict stats: %w", err)
	}
	return &resp, nil
}

// ResolveConflict отправляет серверу ручное разрешение конфликта
func (c *ChannelTransport) ResolveConflict(ctx context.Context, conflictID string, resolution any) error {
	req := api.ConflictResolveRequest{ConflictID: conflictID, Resolution: resolution}
	if err := c.request(ctx, api.ActionConflictResolve, req, nil); err != nil {
		return fmt.Errorf("resolve conflict %q: %w", conflictID, err)
	}
	return nil
}

// AnalyzeConflict запрашивает серверный анализ конфликта
func (c *ChannelTransport) AnalyzeConflict(ctx context.Context, data *models.ConflictData) (json.RawMessage, error) {
	var resp api.AnalyzeResponse
	if err := c.request(ctx, api.ActionConflictAnalyze, data, &resp); err != nil {
		return nil, fmt.Errorf("analyze conflict: %w", err)
	}
	return resp.Analysis, nil
}

// GetConflictStrategies возвращает список стратегий сервера
func (c *ChannelTransport) GetConflictStrategies(ctx context.Context) ([]string, error) {
	var resp api.StrategiesResponse
	if err := c.request(ctx, api.ActionConflictStrategies, nil, &resp); err != nil {
		return nil, fmt.Errorf("conflict strategies: %w", err)
	}
	return resp.Strategies, nil
}

// GetStorageInfo возвращает сведения о серверном хранилище
func (c *ChannelTransport) GetStorageInfo(ctx context.Context) (*api.StorageInfo, error) {
	var resp api.StorageInfo
	if err := c.request(ctx, api.ActionStorageInfo, nil, &resp); err != nil {
		return nil, fmt.Errorf("storage info: %w", err)
	}
	return &resp, nil
}

// request отправляет кадр запроса и ждет коррелированный ответ
func (c *ChannelTransport) request(ctx context.Context, action string, payload, result any) error {
	start := time.Now()
	n, err := c.requestBytes(ctx, action, payload, result)
	c.tracker.observe(start, n, err)
	return err
}

func (c *ChannelTransport) requestBytes(ctx context.Context, action string, payload, result any) (int64, error) {
	c.mu.Lock()
	if !c.connected || c.conn == nil {
		c.mu.Unlock()
		return 0, ErrNotConnected
	}
	conn := c.conn

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			c.mu.Unlock()
			return 0, fmt.Errorf("failed to marshal request payload: %w", err)
		}
		raw = data
	}

	msg := api.Message{
		ID:         uuid.NewString(),
		Action:     action,
		UserID:     c.cfg.UserID,
		InstanceID: c.cfg.InstanceID,
		Payload:    raw,
	}

	reply := make(chan *api.Message, 1)
	c.pending[msg.ID] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.ID)
		c.mu.Unlock()
	}()

	writeCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	transferred := int64(len(raw))
	if err := wsjson.Write(writeCtx, conn, msg); err != nil {
		return transferred, fmt.Errorf("write %s: %w", action, err)
	}

	select {
	case resp := <-reply:
		transferred += int64(len(resp.Payload))
		if !resp.OK {
			switch {
			case resp.Error == ErrNotConnected.Error():
				return transferred, ErrNotConnected
			case isNotFoundText(resp.Error):
				return transferred, ErrNotFound
			}
			return transferred, fmt.Errorf("server error: %s", resp.Error)
		}
		if result != nil && len(resp.Payload) > 0 {
			if err := json.Unmarshal(resp.Payload, result); err != nil {
				return transferred, fmt.Errorf("failed to decode response payload: %w", err)
			}
		}
		return transferred, nil
	case <-ctx.Done():
		return transferred, ctx.Err()
	case <-time.After(c.cfg.Timeout):
		return transferred, fmt.Errorf("%s: reply timeout after %s", action, c.cfg.Timeout)
	}
}

// readLoop читает кадры до закрытия соединения: ответы раздаются по
// корреляционному ID, push-кадры публикуются на шине
func (c *ChannelTransport) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		var msg api.Message
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			c.handleReadFailure(err)
			return
		}

		if msg.ID != "" {
			c.mu.Lock()
			reply, ok := c.pending[msg.ID]
			c.mu.Unlock()
			if ok {
				reply <- &msg
			} else {
				c.logger.Debug("reply for unknown request id", "id", msg.ID)
			}
			continue
		}

		if msg.Event != "" {
			c.dispatchPush(&msg)
		}
	}
}

// dispatchPush декодирует unsolicited-кадр и публикует его как событие
func (c *ChannelTransport) dispatchPush(msg *api.Message) {
	switch msg.Event {
	case api.EventSyncUpdate, api.EventSyncRemove, api.EventSyncConflict:
		var payload api.PushPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			c.logger.Warn("malformed push payload", "event", msg.Event, "error", err)
			return
		}
		c.bus.Emit(msg.Event, &payload)
	case api.EventPendingUpdates:
		var payload api.PendingUpdates
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			c.logger.Warn("malformed pending-updates payload", "error", err)
			return
		}
		c.bus.Emit(msg.Event, &payload)
	default:
		c.logger.Debug("unknown push event", "event", msg.Event)
	}
}

// handleReadFailure обрабатывает разрыв соединения со стороны чтения
func (c *ChannelTransport) handleReadFailure(err error) {
	c.mu.Lock()
	wasConnected := c.connected
	if wasConnected {
		// Разрыв, а не штатный Disconnect: сбрасываем состояние
		c.connected = false
		c.conn = nil
		if c.readCancel != nil {
			c.readCancel()
			c.readCancel = nil
		}
		c.failPendingLocked(ErrNotConnected)
	}
	c.mu.Unlock()

	if !wasConnected {
		return
	}

	c.tracker.markDisconnected()
	c.logger.Warn("channel connection lost", "error", err)
	c.bus.Emit(EventConnectionLost, err)
}

// failPendingLocked отклоняет все in-flight запросы. Вызывается под c.mu.
func (c *ChannelTransport) failPendingLocked(err error) {
	for id, reply := range c.pending {
		select {
		case reply <- &api.Message{ID: id, OK: false, Error: err.Error()}:
		default:
		}
		delete(c.pending, id)
	}
}

// isNotFoundText распознает серверную ошибку "не найдено" в тексте
func isNotFoundText(s string) bool {
	return strings.Contains(strings.ToLower(s), "not found")
}

// wsURL переводит http(s) базовый URL в ws(s)
func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}
