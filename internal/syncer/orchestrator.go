package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iudanet/kvsync/internal/cache"
	"github.com/iudanet/kvsync/internal/config"
	"github.com/iudanet/kvsync/internal/conflict"
	"github.com/iudanet/kvsync/internal/connection"
	"github.com/iudanet/kvsync/internal/events"
	"github.com/iudanet/kvsync/internal/models"
	"github.com/iudanet/kvsync/internal/transport"
	"github.com/iudanet/kvsync/internal/validation"
	"github.com/iudanet/kvsync/pkg/api"
)

// События фасада синхронизации
const (
	// EventChange - одно изменение пересекло границу local/remote
	// (полезная нагрузка *models.SyncEvent)
	EventChange = "change"
	// EventConflict - обнаружено расхождение значений
	// (полезная нагрузка *ConflictEvent)
	EventConflict = "conflict"
	// EventError - классифицированная ошибка движка
	// (полезная нагрузка *EngineError)
	EventError = "error"
	// EventSyncComplete - завершение сверки (полезная нагрузка *SyncResult)
	EventSyncComplete = "sync:complete"
)

// ConflictEvent - полезная нагрузка события conflict.
// Resolution == nil означает, что авторазрешение выключено и локальное
// состояние не тронуто: разрешение остается за встраивающим приложением.
type ConflictEvent struct {
	Conflict   *models.ConflictData       `json:"conflict"`
	Resolution *models.ConflictResolution `json:"resolution,omitempty"`
}

// Status - снимок состояния движка
type Status struct {
	Connection        models.ConnectionInfo `json:"connection"`
	Metrics           transport.Metrics     `json:"metrics"`
	TransportMode     transport.Mode        `json:"transport_mode"`
	PendingOperations int                   `json:"pending_operations"`
}

// Syncer - фасад движка синхронизации. Владеет локальным кэшем, транспортом,
// резолвером конфликтов, контроллером соединения и очередью отложенных
// операций. Мутации локальны прежде всего: запись в кэш происходит
// синхронно, доставка на сервер - best effort с откатом в очередь.
type Syncer struct {
	logger     *slog.Logger
	cfg        *config.Config
	bus        *events.Bus
	store      cache.Store
	transport  transport.Transport
	resolver   *conflict.Resolver
	controller *connection.Controller
	queue      *offlineQueue

	mu       sync.Mutex
	inflight map[string]chan struct{}
	closed   bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New создает движок поверх готового кэша и транспорта.
// signal == nil означает "платформа всегда online".
func New(cfg *config.Config, store cache.Store, tr transport.Transport, signal connection.SignalSource, logger *slog.Logger) (*Syncer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	bus := events.NewBus(0, logger)

	s := &Syncer{
		logger:     logger,
		cfg:        cfg,
		bus:        bus,
		store:      store,
		transport:  tr,
		resolver:   conflict.NewResolver(cfg.Conflict.Strategy, logger),
		controller: connection.NewController(retryPolicy(cfg), signal, bus, logger),
		queue:      newOfflineQueue(DefaultQueueLimit, logger),
		inflight:   make(map[string]chan struct{}),
		done:       make(chan struct{}),
	}

	s.wireTransportEvents()

	// Каждый вход в CONNECTED запускает сверку
	bus.On(connection.EventStateChange, func(data any) {
		info, ok := data.(models.ConnectionInfo)
		if !ok || info.State != models.StateConnected {
			return
		}
		s.reconcileAsync()
	})

	if cfg.Network.BackgroundSync {
		s.wg.Add(1)
		go s.backgroundSyncLoop()
	}

	if cfg.AutoConnect {
		s.controller.Connect(s.dial)
	}

	return s, nil
}

func retryPolicy(cfg *config.Config) connection.RetryPolicy {
	return connection.RetryPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
		Jitter:      cfg.Retry.Jitter,
	}
}

// wireTransportEvents подключает входящие push-события транспорта
func (s *Syncer) wireTransportEvents() {
	tb := s.transport.Events()

	tb.On(api.EventSyncUpdate, func(data any) {
		if payload, ok := data.(*api.PushPayload); ok {
			s.handleRemoteUpdate(payload)
		}
	})
	tb.On(api.EventSyncRemove, func(data any) {
		if payload, ok := data.(*api.PushPayload); ok {
			s.handleRemoteRemove(payload)
		}
	})
	tb.On(api.EventSyncConflict, func(data any) {
		// Серверный конфликт несет актуальный серверный элемент:
		// прогоняем его через обычный путь обработки удаленного значения
		if payload, ok := data.(*api.PushPayload); ok {
			s.handleRemoteUpdate(payload)
		}
	})
	tb.On(api.EventPendingUpdates, func(data any) {
		payload, ok := data.(*api.PendingUpdates)
		if !ok {
			return
		}
		for i := range payload.Updates {
			update := &payload.Updates[i]
			if update.Item == nil {
				s.handleRemoteRemove(update)
			} else {
				s.handleRemoteUpdate(update)
			}
		}
	})
	tb.On(transport.EventConnectionLost, func(data any) {
		err, _ := data.(error)
		s.emitError(ErrorTypeSocket, "connection", "", err)
		if s.cfg.Reconnection {
			s.controller.ConnectionLost(err)
		} else {
			s.controller.Disconnect()
		}
	})
}

// Connect подключает транспорт. Неудача первой попытки возвращается ошибкой;
// при включенном Reconnection переподключение продолжается в фоне.
func (s *Syncer) Connect(_ context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}

	s.controller.Connect(s.dial)

	if s.controller.State() != models.StateConnected {
		err := newEngineError(ErrorTypeConnection, "connect", "",
			errors.New(s.controller.Snapshot().Error))
		return err
	}
	return nil
}

// dial - одна попытка подключения; исход сообщается контроллеру
func (s *Syncer) dial() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()

	if err := s.transport.Connect(ctx); err != nil {
		s.logger.Warn("transport connect failed", "error", err)
		s.emitError(ErrorTypeConnection, "connect", "", err)
		s.controller.MarkFailed(err)
		return
	}
	s.controller.MarkConnected()
}

// Disconnect выполняет явное отключение: переподключения отменяются
func (s *Syncer) Disconnect(ctx context.Context) error {
	s.controller.Disconnect()
	if err := s.transport.Disconnect(ctx); err != nil {
		return fmt.Errorf("transport disconnect: %w", err)
	}
	return nil
}

// Close отключает движок и освобождает ресурсы, включая локальный кэш
func (s *Syncer) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()

	disconnectErr := s.Disconnect(ctx)
	s.controller.Close()

	if err := s.store.Close(); err != nil {
		return fmt.Errorf("cache close: %w", err)
	}
	return disconnectErr
}

// SetItem записывает значение: сначала локально (синхронно), затем на сервер
// (best effort). Сбой доставки не является сбоем операции - запись уходит
// в очередь, вызывающему гарантирована локальная долговечность.
// События публикуются после снятия блокировки ключа: слушатели могут
// синхронно вызывать мутации движка, включая тот же ключ.
func (s *Syncer) SetItem(ctx context.Context, key string, value any, metadata map[string]any) error {
	if s.isClosed() {
		return ErrClosed
	}
	if err := validation.ValidateKey(key); err != nil {
		verr := newEngineError(ErrorTypeValidation, "setItem", key, err)
		s.bus.Emit(EventError, verr)
		return verr
	}

	unlock := s.lockKey(key)

	opts := []cache.SetOption{}
	if metadata != nil {
		opts = append(opts, cache.WithMetadata(metadata))
	}
	if s.cfg.Storage.TTL > 0 {
		opts = append(opts, cache.WithTTL(s.cfg.Storage.TTL))
	}

	item, err := s.store.SetItem(ctx, key, value, opts...)
	if err != nil {
		unlock()
		if errors.Is(err, cache.ErrItemTooLarge) {
			qerr := newEngineError(ErrorTypeQuota, "setItem", key, err)
			s.bus.Emit(EventError, qerr)
			return qerr
		}
		return fmt.Errorf("local write failed: %w", err)
	}

	pushErr := s.pushSet(ctx, item)
	unlock()

	s.emitChange(models.SyncEventSync, item, models.SourceLocal)
	if pushErr != nil {
		s.emitError(ErrorTypeTransport, "setItem", key, pushErr)
	}
	return nil
}

// pushSet доставляет запись на сервер или ставит ее в очередь.
// Вызывается под блокировкой ключа; вернувшаяся ошибка означает, что
// доставка не удалась и запись уже поставлена в очередь.
func (s *Syncer) pushSet(ctx context.Context, item *models.StorageItem) error {
	if !s.transport.IsConnected() {
		s.enqueue(models.QueueMethodSet, item.Key, item.Value, item.Metadata)
		return nil
	}

	rctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	stored, err := s.transport.SetItem(rctx, item)
	if err != nil {
		s.enqueue(models.QueueMethodSet, item.Key, item.Value, item.Metadata)
		return err
	}
	s.controller.MarkActivity()

	// Локальные метаданные приводятся к серверным version/timestamp
	_, err = s.store.SetItem(ctx, item.Key, stored.Value,
		cache.WithMetadata(stored.Metadata),
		cache.WithVersion(stored.Version),
		cache.WithTimestamp(stored.Timestamp))
	if err != nil {
		s.logger.Warn("failed to pin server metadata locally",
			"key", item.Key, "error", err)
	}
	return nil
}

// GetItem читает значение из локального кэша; сеть не используется.
// Отсутствующий или истекший ключ дает (nil, nil).
func (s *Syncer) GetItem(ctx context.Context, key string) (any, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}

	value, err := s.store.GetItem(ctx, key)
	if errors.Is(err, cache.ErrItemNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("local read failed: %w", err)
	}
	return value, nil
}

// GetItemWithMetadata читает элемент с метаданными из локального кэша
func (s *Syncer) GetItemWithMetadata(ctx context.Context, key string) (*models.StorageItem, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	item, err := s.store.GetItemWithMetadata(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("local read failed: %w", err)
	}
	return item, nil
}

// RemoveItem удаляет ключ локально и на сервере (best effort)
func (s *Syncer) RemoveItem(ctx context.Context, key string) error {
	if s.isClosed() {
		return ErrClosed
	}
	if err := validation.ValidateKey(key); err != nil {
		verr := newEngineError(ErrorTypeValidation, "removeItem", key, err)
		s.bus.Emit(EventError, verr)
		return verr
	}

	unlock := s.lockKey(key)

	if err := s.store.RemoveItem(ctx, key); err != nil {
		unlock()
		return fmt.Errorf("local remove failed: %w", err)
	}

	var pushErr error
	if !s.transport.IsConnected() {
		s.enqueue(models.QueueMethodRemove, key, nil, nil)
	} else {
		rctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		if pushErr = s.transport.RemoveItem(rctx, key); pushErr != nil {
			s.enqueue(models.QueueMethodRemove, key, nil, nil)
		} else {
			s.controller.MarkActivity()
		}
		cancel()
	}
	unlock()

	s.emitChange(models.SyncEventRemove, &models.StorageItem{Key: key, Timestamp: nowMillis()}, models.SourceLocal)
	if pushErr != nil {
		s.emitError(ErrorTypeTransport, "removeItem", key, pushErr)
	}
	return nil
}

// Clear очищает namespace локально и на сервере (best effort)
func (s *Syncer) Clear(ctx context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}

	if err := s.store.Clear(ctx); err != nil {
		return fmt.Errorf("local clear failed: %w", err)
	}

	s.emitChange(models.SyncEventClear, &models.StorageItem{Timestamp: nowMillis()}, models.SourceLocal)

	if !s.transport.IsConnected() {
		s.enqueue(models.QueueMethodClear, "", nil, nil)
		return nil
	}

	rctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	if err := s.transport.Clear(rctx); err != nil {
		s.emitError(ErrorTypeTransport, "clear", "", err)
		s.enqueue(models.QueueMethodClear, "", nil, nil)
		return nil
	}
	s.controller.MarkActivity()
	return nil
}

// GetAllKeys возвращает локальные ключи
func (s *Syncer) GetAllKeys(ctx context.Context) ([]string, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	return s.store.GetAllKeys(ctx)
}

// GetAllItems предпочитает серверный список; при сбое или offline
// возвращается локальный снимок
func (s *Syncer) GetAllItems(ctx context.Context) ([]*models.StorageItem, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}

	if s.transport.IsConnected() {
		rctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		items, err := s.transport.GetAllItems(rctx, nil)
		cancel()
		if err == nil {
			s.controller.MarkActivity()
			return items, nil
		}
		s.logger.Warn("remote getAllItems failed, falling back to local snapshot",
			"error", err)
	}

	return s.store.GetAllItems(ctx)
}

// ExecuteBatch выполняет операции пакета последовательно через обычные
// локально-первые пути. Частичный сбой не прерывает пакет.
func (s *Syncer) ExecuteBatch(ctx context.Context, ops []transport.BatchOp) (*transport.BatchResult, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}

	start := time.Now()
	result := &transport.BatchResult{
		Results: make([]transport.BatchOpResult, 0, len(ops)),
		Success: true,
	}

	for _, op := range ops {
		var err error
		switch op.Method {
		case models.QueueMethodSet:
			err = s.SetItem(ctx, op.Key, op.Value, op.Metadata)
		case models.QueueMethodRemove:
			err = s.RemoveItem(ctx, op.Key)
		case models.QueueMethodClear:
			err = s.Clear(ctx)
		default:
			err = fmt.Errorf("unknown batch method: %s", op.Method)
		}

		opResult := transport.BatchOpResult{Op: op, Success: err == nil}
		if err != nil {
			opResult.Error = err.Error()
			result.Success = false
		}
		result.Results = append(result.Results, opResult)
	}

	result.Elapsed = time.Since(start)
	s.bus.Emit(EventChange, &models.SyncEvent{
		Type:       models.SyncEventBatch,
		Source:     models.SourceLocal,
		InstanceID: s.cfg.InstanceID,
		Timestamp:  nowMillis(),
	})
	return result, nil
}

// Subscribe подписывает движок на серверные изменения ключей
func (s *Syncer) Subscribe(ctx context.Context, keys []string) error {
	if s.isClosed() {
		return ErrClosed
	}
	for _, key := range keys {
		if err := validation.ValidateKey(key); err != nil {
			return newEngineError(ErrorTypeValidation, "subscribe", key, err)
		}
	}
	if err := s.transport.Subscribe(ctx, keys); err != nil {
		return fmt.Errorf("subscribe failed: %w", err)
	}
	return nil
}

// Unsubscribe отписывает движок от серверных изменений ключей
func (s *Syncer) Unsubscribe(ctx context.Context, keys []string) error {
	if s.isClosed() {
		return ErrClosed
	}
	if err := s.transport.Unsubscribe(ctx, keys); err != nil {
		return fmt.Errorf("unsubscribe failed: %w", err)
	}
	return nil
}

// Events возвращает шину событий движка (change, conflict, error,
// sync:complete, state-change)
func (s *Syncer) Events() *events.Bus { return s.bus }

// Resolver возвращает резолвер конфликтов (история, статистика)
func (s *Syncer) Resolver() *conflict.Resolver { return s.resolver }

// PendingOperations возвращает количество операций в офлайн-очереди
func (s *Syncer) PendingOperations() int { return s.queue.Len() }

// Status возвращает снимок состояния движка
func (s *Syncer) Status() Status {
	return Status{
		Connection:        s.controller.Snapshot(),
		Metrics:           s.transport.Metrics(),
		TransportMode:     s.transport.Type(),
		PendingOperations: s.queue.Len(),
	}
}

// handleRemoteUpdate применяет входящее удаленное значение, разрешая
// расхождение с локальным согласно политике конфликтов
func (s *Syncer) handleRemoteUpdate(payload *api.PushPayload) {
	if payload == nil || payload.Item == nil {
		return
	}
	if payload.InstanceID != "" && payload.InstanceID == s.cfg.InstanceID {
		// Эхо собственной записи
		return
	}

	remote := &models.StorageItem{
		Key:       payload.Item.Key,
		Value:     payload.Item.Value,
		Metadata:  payload.Item.Metadata,
		Version:   payload.Item.Version,
		Timestamp: payload.Item.Timestamp,
	}
	if remote.Key == "" {
		remote.Key = payload.Key
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()

	unlock := s.lockKey(remote.Key)

	var (
		applied    *models.StorageItem
		conflictEv *ConflictEvent
	)

	local, err := s.store.GetItemWithMetadata(ctx, remote.Key)
	switch {
	case errors.Is(err, cache.ErrItemNotFound):
		applied = s.applyRemote(ctx, remote)
	case err != nil:
		s.logger.Warn("failed to read local value for remote update",
			"key", remote.Key, "error", err)
	case conflict.Equal(local.Value, remote.Value):
		// Значения сходятся: обновляются только метаданные
		applied = s.applyRemote(ctx, remote)
	default:
		applied, conflictEv = s.handleDivergence(ctx, local, remote)
	}
	unlock()

	// События уходят после снятия блокировки ключа: слушатели могут
	// синхронно вызывать мутации движка
	if applied != nil {
		s.emitChangeFrom(models.SyncEventSync, applied, models.SourceRemote, payload.InstanceID)
	}
	if conflictEv != nil {
		s.bus.Emit(EventConflict, conflictEv)
	}
}

// applyRemote записывает удаленный элемент локально с его метаданными.
// Возвращает записанный элемент для события change или nil при сбое.
func (s *Syncer) applyRemote(ctx context.Context, remote *models.StorageItem) *models.StorageItem {
	opts := []cache.SetOption{
		cache.WithVersion(remote.Version),
		cache.WithTimestamp(remote.Timestamp),
	}
	if remote.Metadata != nil {
		opts = append(opts, cache.WithMetadata(remote.Metadata))
	}

	if _, err := s.store.SetItem(ctx, remote.Key, remote.Value, opts...); err != nil {
		s.logger.Warn("failed to apply remote update", "key", remote.Key, "error", err)
		return nil
	}

	return remote.Clone()
}

// handleDivergence обрабатывает расхождение локального и удаленного значений.
// Возвращает примененный элемент (nil, если локальное значение не тронуто)
// и событие conflict; вызывающий публикует их после снятия блокировки ключа.
func (s *Syncer) handleDivergence(ctx context.Context, local, remote *models.StorageItem) (*models.StorageItem, *ConflictEvent) {
	data := &models.ConflictData{
		ID:              uuid.NewString(),
		Key:             remote.Key,
		LocalValue:      local.Value,
		RemoteValue:     remote.Value,
		LocalVersion:    local.Version,
		RemoteVersion:   remote.Version,
		LocalTimestamp:  local.Timestamp,
		RemoteTimestamp: remote.Timestamp,
		Type:            conflict.Classify(local, remote),
	}

	if !s.cfg.Conflict.AutoResolve {
		// Локальное состояние не трогаем: разрешение за встраивающим кодом
		s.logger.Info("conflict detected, auto-resolve disabled",
			"key", data.Key, "type", data.Type)
		return nil, &ConflictEvent{Conflict: data}
	}

	resolution := s.resolver.Resolve(data, s.cfg.Conflict.Strategy, s.cfg.Conflict.OnConflict)

	var applied *models.StorageItem
	if resolution.Success {
		resolved := &models.StorageItem{
			Key:       remote.Key,
			Value:     resolution.ResolvedValue,
			Metadata:  remote.Metadata,
			Version:   maxInt64(local.Version, remote.Version),
			Timestamp: maxInt64(local.Timestamp, remote.Timestamp),
		}
		applied = s.applyRemote(ctx, resolved)
	} else {
		s.logger.Warn("conflict resolution failed, local value kept",
			"key", data.Key, "error", resolution.Error)
	}

	return applied, &ConflictEvent{Conflict: data, Resolution: resolution}
}

// handleRemoteRemove применяет удаленное удаление ключа
func (s *Syncer) handleRemoteRemove(payload *api.PushPayload) {
	if payload == nil || payload.Key == "" {
		return
	}
	if payload.InstanceID != "" && payload.InstanceID == s.cfg.InstanceID {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()

	unlock := s.lockKey(payload.Key)
	err := s.store.RemoveItem(ctx, payload.Key)
	unlock()

	if err != nil {
		s.logger.Warn("failed to apply remote remove", "key", payload.Key, "error", err)
		return
	}

	s.emitChangeFrom(models.SyncEventRemove,
		&models.StorageItem{Key: payload.Key, Timestamp: payload.Timestamp},
		models.SourceRemote, payload.InstanceID)
}

// lockKey сериализует мутации одного ключа: новый вызов дожидается
// завершения in-flight операции, затем занимает ключ сам
func (s *Syncer) lockKey(key string) (unlock func()) {
	for {
		s.mu.Lock()
		pending, busy := s.inflight[key]
		if !busy {
			done := make(chan struct{})
			s.inflight[key] = done
			s.mu.Unlock()
			return func() {
				s.mu.Lock()
				delete(s.inflight, key)
				s.mu.Unlock()
				close(done)
			}
		}
		s.mu.Unlock()
		<-pending
	}
}

// enqueue ставит недоставленную мутацию в офлайн-очередь
func (s *Syncer) enqueue(method, key string, value any, metadata map[string]any) {
	s.queue.Push(models.QueueEntry{
		Method:    method,
		Key:       key,
		Value:     value,
		Metadata:  metadata,
		Timestamp: nowMillis(),
	})
	s.logger.Debug("operation queued for later delivery",
		"method", method, "key", key, "pending", s.queue.Len())
}

func (s *Syncer) emitChange(eventType models.SyncEventType, item *models.StorageItem, source models.EventSource) {
	s.emitChangeFrom(eventType, item, source, s.cfg.InstanceID)
}

func (s *Syncer) emitChangeFrom(eventType models.SyncEventType, item *models.StorageItem, source models.EventSource, instanceID string) {
	s.bus.Emit(EventChange, &models.SyncEvent{
		Type:       eventType,
		Key:        item.Key,
		Value:      item.Value,
		Metadata:   item.Metadata,
		Source:     source,
		InstanceID: instanceID,
		Timestamp:  item.Timestamp,
		Version:    item.Version,
	})
}

func (s *Syncer) emitError(errType ErrorType, op, key string, err error) {
	s.bus.Emit(EventError, newEngineError(errType, op, key, err))
}

func (s *Syncer) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
