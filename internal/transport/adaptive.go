package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/iudanet/kvsync/internal/events"
	"github.com/iudanet/kvsync/internal/models"
	"github.com/iudanet/kvsync/pkg/api"
)

// EventTransportSwitched публикуется при смене активного транспорта.
// Полезная нагрузка - Mode нового активного транспорта.
const EventTransportSwitched = "transport:switched"

// AdaptiveTransport комбинирует канал и опрос: канал предпочтителен,
// при его недоступности работа продолжается на опросе, а фоновый таймер
// периодически пробует вернуться на канал. Подписки переживают смену
// транспорта: адаптер переносит их на новый активный транспорт сам.
type AdaptiveTransport struct {
	logger   *slog.Logger
	bus      *events.Bus
	primary  Transport // канал
	fallback Transport // опрос
	cfg      Config

	mu            sync.Mutex
	active        Transport
	subscribed    map[string]struct{}
	promoteCancel context.CancelFunc
	fallbackCount int
	closed        bool

	wg sync.WaitGroup
}

// NewAdaptive создает адаптивный транспорт поверх primary (канал)
// и fallback (опрос)
func NewAdaptive(primary, fallback Transport, cfg Config) *AdaptiveTransport {
	cfg = cfg.withDefaults()
	a := &AdaptiveTransport{
		logger:     cfg.Logger.With("transport", ModeAuto),
		bus:        events.NewBus(0, cfg.Logger),
		primary:    primary,
		fallback:   fallback,
		cfg:        cfg,
		subscribed: make(map[string]struct{}),
	}
	a.forwardEvents(primary)
	a.forwardEvents(fallback)
	return a
}

// forwardEvents ретранслирует события источника на шину адаптера,
// но только пока источник активен
func (a *AdaptiveTransport) forwardEvents(t Transport) {
	for _, event := range []string{
		api.EventSyncUpdate,
		api.EventSyncRemove,
		api.EventSyncConflict,
		api.EventPendingUpdates,
	} {
		t.Events().On(event, func(data any) {
			if a.isActive(t) {
				a.bus.Emit(event, data)
			}
		})
	}

	t.Events().On(EventConnectionLost, func(data any) {
		if !a.isActive(t) {
			return
		}
		err, _ := data.(error)
		a.handleActiveLost(t, err)
	})
}

// Connect подключает предпочтительный транспорт, при неудаче - запасной
func (a *AdaptiveTransport) Connect(ctx context.Context) error {
	a.mu.Lock()
	a.closed = false
	a.mu.Unlock()

	primaryErr := a.primary.Connect(ctx)
	if primaryErr == nil {
		a.setActive(a.primary)
		if err := a.resubscribe(ctx, a.primary); err != nil {
			a.logger.Warn("resubscribe after connect failed", "error", err)
		}
		return nil
	}

	a.logger.Warn("primary transport unavailable, falling back",
		"error", primaryErr)

	if err := a.demote(ctx); err != nil {
		return fmt.Errorf("connect failed: %w (primary: %w)", err, primaryErr)
	}
	return nil
}

// demote переводит работу на запасной транспорт
func (a *AdaptiveTransport) demote(ctx context.Context) error {
	a.mu.Lock()
	a.fallbackCount++
	count := a.fallbackCount
	limit := a.cfg.MaxFallbackAttempts
	a.mu.Unlock()

	if count > limit {
		a.setActiveNone()
		return fmt.Errorf("fallback attempts exhausted (%d/%d): %w", count-1, limit, ErrNoActiveTransport)
	}

	if err := a.fallback.Connect(ctx); err != nil {
		a.setActiveNone()
		return fmt.Errorf("fallback connect failed: %w", err)
	}

	a.setActive(a.fallback)
	if err := a.resubscribe(ctx, a.fallback); err != nil {
		a.logger.Warn("resubscribe after fallback failed", "error", err)
	}

	a.startPromotionLoop()
	a.logger.Info("running on fallback transport", "attempt", count, "limit", limit)
	return nil
}

// handleActiveLost обрабатывает разрыв активного транспорта
func (a *AdaptiveTransport) handleActiveLost(t Transport, err error) {
	a.logger.Warn("active transport lost", "mode", t.Type(), "error", err)

	if t == a.primary {
		// Канал упал: пробуем удержаться на опросе
		if demoteErr := a.demote(context.Background()); demoteErr == nil {
			return
		}
	}

	// Опрос тоже недоступен: наружу уходит connection:lost,
	// дальше решает контроллер соединения встраивающего кода
	a.setActiveNone()
	a.bus.Emit(EventConnectionLost, err)
}

// startPromotionLoop запускает фоновые попытки вернуться на канал
func (a *AdaptiveTransport) startPromotionLoop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.promoteCancel != nil || a.closed {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.promoteCancel = cancel

	a.wg.Add(1)
	go a.promotionLoop(ctx)
}

func (a *AdaptiveTransport) promotionLoop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.PromotionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if a.tryPromote(ctx) {
				return
			}
		}
	}
}

// tryPromote пробует вернуться на канал. Переключение идет в порядке
// "сначала новый, потом снятие старого": до отключения опроса канал уже
// активен и подписан, окна без транспорта нет.
func (a *AdaptiveTransport) tryPromote(ctx context.Context) bool {
	attemptCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	if err := a.primary.Connect(attemptCtx); err != nil {
		a.logger.Debug("promotion attempt failed", "error", err)
		return false
	}

	if err := a.resubscribe(attemptCtx, a.primary); err != nil {
		a.logger.Warn("resubscribe on promotion failed", "error", err)
	}

	a.mu.Lock()
	a.active = a.primary
	a.fallbackCount = 0
	promoteCancel := a.promoteCancel
	a.promoteCancel = nil
	a.mu.Unlock()

	if promoteCancel != nil {
		promoteCancel()
	}

	if err := a.fallback.Disconnect(context.Background()); err != nil {
		a.logger.Warn("fallback disconnect failed", "error", err)
	}

	a.logger.Info("promoted back to primary transport")
	a.bus.Emit(EventTransportSwitched, a.primary.Type())
	return true
}

// resubscribe переносит накопленные подписки на транспорт
func (a *AdaptiveTransport) resubscribe(ctx context.Context, t Transport) error {
	a.mu.Lock()
	keys := make([]string, 0, len(a.subscribed))
	for key := range a.subscribed {
		keys = append(keys, key)
	}
	a.mu.Unlock()

	if len(keys) == 0 {
		return nil
	}
	return t.Subscribe(ctx, keys)
}

// Disconnect отключает оба транспорта и останавливает промоушен
func (a *AdaptiveTransport) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	a.active = nil
	a.fallbackCount = 0
	cancel := a.promoteCancel
	a.promoteCancel = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.wg.Wait()

	primaryErr := a.primary.Disconnect(ctx)
	fallbackErr := a.fallback.Disconnect(ctx)
	if primaryErr != nil {
		return primaryErr
	}
	return fallbackErr
}

// IsConnected сообщает, есть ли подключенный активный транспорт
func (a *AdaptiveTransport) IsConnected() bool {
	a.mu.Lock()
	active := a.active
	a.mu.Unlock()
	return active != nil && active.IsConnected()
}

// State возвращает состояние активного транспорта
func (a *AdaptiveTransport) State() models.ConnectionState {
	a.mu.Lock()
	active := a.active
	a.mu.Unlock()
	if active == nil {
		return models.StateDisconnected
	}
	return active.State()
}

// Type возвращает режим транспорта
func (a *AdaptiveTransport) Type() Mode { return ModeAuto }

// ActiveMode возвращает режим текущего активного транспорта
// (poll или channel); пустая строка - активного транспорта нет
func (a *AdaptiveTransport) ActiveMode() Mode {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active == nil {
		return ""
	}
	return a.active.Type()
}

// Events возвращает шину событий адаптера
func (a *AdaptiveTransport) Events() *events.Bus { return a.bus }

// Metrics возвращает метрики активного транспорта
func (a *AdaptiveTransport) Metrics() Metrics {
	a.mu.Lock()
	active := a.active
	a.mu.Unlock()
	if active == nil {
		return Metrics{}
	}
	return active.Metrics()
}

// SetItem делегирует активному транспорту
func (a *AdaptiveTransport) SetItem(ctx context.Context, item *models.StorageItem) (*models.StorageItem, error) {
	t, err := a.activeTransport()
	if err != nil {
		return nil, err
	}
	return t.SetItem(ctx, item)
}

// GetItem делегирует активному транспорту
func (a *AdaptiveTransport) GetItem(ctx context.Context, key string) (*models.StorageItem, error) {
	t, err := a.activeTransport()
	if err != nil {
		return nil, err
	}
	return t.GetItem(ctx, key)
}

// RemoveItem делегирует активному транспорту
func (a *AdaptiveTransport) RemoveItem(ctx context.Context, key string) error {
	t, err := a.activeTransport()
	if err != nil {
		return err
	}
	return t.RemoveItem(ctx, key)
}

// GetAllItems делегирует активному транспорту
func (a *AdaptiveTransport) GetAllItems(ctx context.Context, filter map[string]string) ([]*models.StorageItem, error) {
	t, err := a.activeTransport()
	if err != nil {
		return nil, err
	}
	return t.GetAllItems(ctx, filter)
}

// GetKeys делегирует активному транспорту
func (a *AdaptiveTransport) GetKeys(ctx context.Context, prefix string) ([]string, error) {
	t, err := a.activeTransport()
	if err != nil {
		return nil, err
	}
	return t.GetKeys(ctx, prefix)
}

// Clear делегирует активному транспорту
func (a *AdaptiveTransport) Clear(ctx context.Context) error {
	t, err := a.activeTransport()
	if err != nil {
		return err
	}
	return t.Clear(ctx)
}

// ExecuteBatch делегирует активному транспорту
func (a *AdaptiveTransport) ExecuteBatch(ctx context.Context, ops []BatchOp) (*BatchResult, error) {
	t, err := a.activeTransport()
	if err != nil {
		return nil, err
	}
	return t.ExecuteBatch(ctx, ops)
}

// Subscribe запоминает ключи и делегирует активному транспорту
func (a *AdaptiveTransport) Subscribe(ctx context.Context, keys []string) error {
	a.mu.Lock()
	for _, key := range keys {
		a.subscribed[key] = struct{}{}
	}
	a.mu.Unlock()

	t, err := a.activeTransport()
	if err != nil {
		return err
	}
	return t.Subscribe(ctx, keys)
}

// Unsubscribe забывает ключи и делегирует активному транспорту
func (a *AdaptiveTransport) Unsubscribe(ctx context.Context, keys []string) error {
	a.mu.Lock()
	for _, key := range keys {
		delete(a.subscribed, key)
	}
	a.mu.Unlock()

	t, err := a.activeTransport()
	if err != nil {
		return err
	}
	return t.Unsubscribe(ctx, keys)
}

// GetConflictHistory делегирует активному транспорту
func (a *AdaptiveTransport) GetConflictHistory(ctx context.Context, itemID string) ([]*models.ConflictResolution, error) {
	t, err := a.activeTransport()
	if err != nil {
		return nil, err
	}
	return t.GetConflictHistory(ctx, itemID)
}

// GetConflictStats делегирует активному транспорту
func (a *AdaptiveTransport) GetConflictStats(ctx context.Context, startDate, endDate int64) (*api.ConflictStatsResponse, error) {
	t, err := a.activeTransport()
	if err != nil {
		return nil, err
	}
	return t.GetConflictStats(ctx, startDate, endDate)
}

// ResolveConflict делегирует активному транспорту
func (a *AdaptiveTransport) ResolveConflict(ctx context.Context, conflictID string, resolution any) error {
	t, err := a.activeTransport()
	if err != nil {
		return err
	}
	return t.ResolveConflict(ctx, conflictID, resolution)
}

// AnalyzeConflict делегирует активному транспорту
func (a *AdaptiveTransport) AnalyzeConflict(ctx context.Context, data *models.ConflictData) (json.RawMessage, error) {
	t, err := a.activeTransport()
	if err != nil {
		return nil, err
	}
	return t.AnalyzeConflict(ctx, data)
}

// GetConflictStrategies делегирует активному транспорту
func (a *AdaptiveTransport) GetConflictStrategies(ctx context.Context) ([]string, error) {
	t, err := a.activeTransport()
	if err != nil {
		return nil, err
	}
	return t.GetConflictStrategies(ctx)
}

// GetStorageInfo делегирует активному транспорту
func (a *AdaptiveTransport) GetStorageInfo(ctx context.Context) (*api.StorageInfo, error) {
	t, err := a.activeTransport()
	if err != nil {
		return nil, err
	}
	return t.GetStorageInfo(ctx)
}

// activeTransport возвращает активный транспорт или fail-fast ошибку
func (a *AdaptiveTransport) activeTransport() (Transport, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active == nil {
		return nil, ErrNoActiveTransport
	}
	return a.active, nil
}

func (a *AdaptiveTransport) isActive(t Transport) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active == t
}

func (a *AdaptiveTransport) setActive(t Transport) {
	a.mu.Lock()
	a.active = t
	if t == a.primary {
		a.fallbackCount = 0
	}
	a.mu.Unlock()

	a.bus.Emit(EventTransportSwitched, t.Type())
}

func (a *AdaptiveTransport) setActiveNone() {
	a.mu.Lock()
	a.active = nil
	a.mu.Unlock()
}
