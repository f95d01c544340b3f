package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/iudanet/kvsync/internal/events"
	"github.com/iudanet/kvsync/internal/models"
	"github.com/iudanet/kvsync/pkg/api"
)

//go:generate moq -out transport_mock.go . Transport

// Mode выбирает реализацию транспорта
type Mode string

const (
	// ModePoll - дискретные запрос/ответ с эмуляцией push через опрос
	ModePoll Mode = "poll"
	// ModeChannel - один долгоживущий двунаправленный канал
	ModeChannel Mode = "channel"
	// ModeAuto - канал с автоматическим откатом на опрос
	ModeAuto Mode = "auto"
)

// EventConnectionLost публикуется на шине транспорта при разрыве соединения
const EventConnectionLost = "connection:lost"

// Common transport errors
var (
	// ErrNotConnected indicates the transport has no established connection
	ErrNotConnected = errors.New("transport is not connected")

	// ErrNotFound indicates the server has no item for the key
	ErrNotFound = errors.New("item not found on server")

	// ErrNoActiveTransport indicates the adaptive transport has nothing to delegate to
	ErrNoActiveTransport = errors.New("no active transport")

	// ErrInvalidMode indicates an unrecognized transport mode
	ErrInvalidMode = errors.New("invalid transport mode")
)

// Config настраивает транспорт
type Config struct {
	Logger *slog.Logger

	ServerURL  string
	UserID     string
	InstanceID string
	APIKey     string

	// Timeout ограничивает каждую отдельную операцию
	Timeout time.Duration

	// PollInterval - период опроса подписанных ключей (poll-транспорт)
	PollInterval time.Duration

	// PromotionInterval - период попыток вернуться на канал (adaptive)
	PromotionInterval time.Duration

	// MaxFallbackAttempts ограничивает откаты на poll до полного отказа (adaptive)
	MaxFallbackAttempts int
}

// withDefaults заполняет незаданные поля значениями по умолчанию
func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.PromotionInterval <= 0 {
		c.PromotionInterval = 30 * time.Second
	}
	if c.MaxFallbackAttempts <= 0 {
		c.MaxFallbackAttempts = 3
	}
	return c
}

// BatchOp представляет одну операцию пакета
type BatchOp struct {
	Metadata map[string]any `json:"metadata,omitempty"`
	Method   string         `json:"method"` // setItem | removeItem | clear
	Key      string         `json:"key,omitempty"`
	Value    any            `json:"value,omitempty"`
}

// BatchOpResult представляет исход одной операции пакета
type BatchOpResult struct {
	Op      BatchOp `json:"op"`
	Error   string  `json:"error,omitempty"`
	Success bool    `json:"success"`
}

// BatchResult представляет исход пакета целиком
type BatchResult struct {
	Results []BatchOpResult `json:"results"`
	Elapsed time.Duration   `json:"elapsed"`
	Success bool            `json:"success"` // true, если все операции успешны
}

// Transport defines the protocol-agnostic contract with the remote store.
// Реализации владеют своим соединением и метриками; входящие push-события
// публикуются на их шине Events (sync:update, sync:remove, sync:conflict,
// pending-updates) плюс connection:lost при разрыве.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
	State() models.ConnectionState
	Type() Mode

	SetItem(ctx context.Context, item *models.StorageItem) (*models.StorageItem, error)
	GetItem(ctx context.Context, key string) (*models.StorageItem, error)
	RemoveItem(ctx context.Context, key string) error
	GetAllItems(ctx context.Context, filter map[string]string) ([]*models.StorageItem, error)
	GetKeys(ctx context.Context, prefix string) ([]string, error)
	Clear(ctx context.Context) error
	ExecuteBatch(ctx context.Context, ops []BatchOp) (*BatchResult, error)

	Subscribe(ctx context.Context, keys []string) error
	Unsubscribe(ctx context.Context, keys []string) error

	GetConflictHistory(ctx context.Context, itemID string) ([]*models.ConflictResolution, error)
	GetConflictStats(ctx context.Context, startDate, endDate int64) (*api.ConflictStatsResponse, error)
	ResolveConflict(ctx context.Context, conflictID string, resolution any) error
	AnalyzeConflict(ctx context.Context, data *models.ConflictData) (json.RawMessage, error)
	GetConflictStrategies(ctx context.Context) ([]string, error)

	GetStorageInfo(ctx context.Context) (*api.StorageInfo, error)
	Metrics() Metrics
	Events() *events.Bus
}

// New создает транспорт выбранного режима.
// Невалидный режим - это ошибка конфигурации, она возвращается сразу.
func New(mode Mode, cfg Config) (Transport, error) {
	switch mode {
	case ModePoll:
		return NewPoll(cfg), nil
	case ModeChannel:
		return NewChannel(cfg), nil
	case ModeAuto:
		return NewAdaptive(NewChannel(cfg), NewPoll(cfg), cfg), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
}

// executeBatch последовательно выполняет операции пакета поверх одиночных
// операций транспорта. Частичные сбои не прерывают пакет: каждая операция
// получает собственный исход.
func executeBatch(ctx context.Context, t Transport, ops []BatchOp) (*BatchResult, error) {
	start := time.Now()

	result := &BatchResult{
		Results: make([]BatchOpResult, 0, len(ops)),
		Success: true,
	}

	for _, op := range ops {
		var err error
		switch op.Method {
		case models.QueueMethodSet:
			_, err = t.SetItem(ctx, &models.StorageItem{
				Key:      op.Key,
				Value:    op.Value,
				Metadata: op.Metadata,
			})
		case models.QueueMethodRemove:
			err = t.RemoveItem(ctx, op.Key)
		case models.QueueMethodClear:
			err = t.Clear(ctx)
		default:
			err = fmt.Errorf("unknown batch method: %s", op.Method)
		}

		opResult := BatchOpResult{Op: op, Success: err == nil}
		if err != nil {
			opResult.Error = err.Error()
			result.Success = false
		}
		result.Results = append(result.Results, opResult)
	}

	result.Elapsed = time.Since(start)
	return result, nil
}

// itemFromPayload конвертирует wire-формат в модель
func itemFromPayload(p *api.ItemPayload) *models.StorageItem {
	if p == nil {
		return nil
	}
	return &models.StorageItem{
		Key:       p.Key,
		Value:     p.Value,
		Metadata:  p.Metadata,
		Version:   p.Version,
		Timestamp: p.Timestamp,
	}
}

// payloadFromItem конвертирует модель в wire-формат
func payloadFromItem(item *models.StorageItem) *api.ItemPayload {
	return &api.ItemPayload{
		Key:       item.Key,
		Value:     item.Value,
		Metadata:  item.Metadata,
		Version:   item.Version,
		Timestamp: item.Timestamp,
	}
}
