package conflict

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iudanet/kvsync/internal/models"
)

// ManualFunc разрешает конфликт внешним решением вызывающего.
// Возвращенное значение используется как есть с уверенностью 1.0.
type ManualFunc func(conflict *models.ConflictData) (any, error)

// Statistics представляет агрегированную статистику по истории разрешений
type Statistics struct {
	ByStrategy            map[models.Strategy]int `json:"by_strategy"`
	Total                 int                     `json:"total"`
	SuccessRate           float64                 `json:"success_rate"`
	AverageResolutionTime time.Duration           `json:"average_resolution_time"`
	AverageConfidence     float64                 `json:"average_confidence"`
}

// Resolver принимает решения по конфликтам. Сам по себе stateless:
// единственное состояние - append-only журнал принятых решений.
type Resolver struct {
	logger          *slog.Logger
	history         map[string][]*models.ConflictResolution
	byStrategy      map[models.Strategy]int
	defaultStrategy models.Strategy

	mu              sync.Mutex
	total           int
	successes       int
	totalTime       time.Duration
	totalConfidence float64

	// nowFn подменяется в тестах
	nowFn func() time.Time
}

// NewResolver создает resolver со стратегией по умолчанию.
// Пустая стратегия означает last_write_wins.
func NewResolver(defaultStrategy models.Strategy, logger *slog.Logger) *Resolver {
	if defaultStrategy == "" {
		defaultStrategy = models.StrategyLastWriteWins
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		logger:          logger,
		history:         make(map[string][]*models.ConflictResolution),
		byStrategy:      make(map[models.Strategy]int),
		defaultStrategy: defaultStrategy,
		nowFn:           time.Now,
	}
}

// DefaultStrategy возвращает стратегию по умолчанию
func (r *Resolver) DefaultStrategy() models.Strategy {
	return r.defaultStrategy
}

// Strategies перечисляет поддерживаемые стратегии
func (r *Resolver) Strategies() []models.Strategy {
	return models.Strategies()
}

// Resolve разрешает конфликт выбранной стратегией (пустая = по умолчанию).
// Никогда не паникует и не возвращает ошибку: любой сбой стратегии дает
// резолюцию Success=false, в которой ResolvedValue - локальное значение
// (безопасный выбор: не затирать локальные данные неразрешенным конфликтом).
// Каждый вызов, успешный или нет, замеряется и попадает в журнал.
func (r *Resolver) Resolve(conflict *models.ConflictData, strategy models.Strategy, manual ManualFunc) *models.ConflictResolution {
	start := r.nowFn()

	if strategy == "" {
		strategy = r.defaultStrategy
	}
	if conflict.ID == "" {
		conflict.ID = uuid.New().String()
	}

	value, confidence, err := r.apply(conflict, strategy, manual)

	resolution := &models.ConflictResolution{
		ID:             uuid.New().String(),
		Strategy:       strategy,
		Success:        err == nil,
		ResolvedValue:  value,
		Confidence:     confidence,
		ResolutionTime: r.nowFn().Sub(start),
		Timestamp:      start.UnixMilli(),
	}
	if err != nil {
		resolution.Error = err.Error()
		// Fail-safe: не затираем локальные данные
		resolution.ResolvedValue = conflict.LocalValue
		resolution.Confidence = 0
		r.logger.Warn("conflict resolution failed",
			"conflict_id", conflict.ID,
			"key", conflict.Key,
			"strategy", strategy,
			"error", err)
	}

	r.record(conflict.ID, resolution)

	return resolution
}

// apply выполняет выбранную стратегию
func (r *Resolver) apply(conflict *models.ConflictData, strategy models.Strategy, manual ManualFunc) (any, float64, error) {
	switch strategy {
	case models.StrategyLastWriteWins:
		return r.lastWriteWins(conflict), 1.0, nil

	case models.StrategyFirstWriteWins:
		// Зеркало LWW: побеждает меньший timestamp
		if conflict.RemoteTimestamp < conflict.LocalTimestamp {
			return conflict.RemoteValue, 1.0, nil
		}
		return conflict.LocalValue, 1.0, nil

	case models.StrategyMerge:
		return r.merge(conflict)

	case models.StrategyManual:
		if manual == nil {
			return nil, 0, fmt.Errorf("manual strategy requires a resolver function")
		}
		value, err := manual(conflict)
		if err != nil {
			return nil, 0, fmt.Errorf("manual resolver failed: %w", err)
		}
		return value, 1.0, nil

	default:
		return nil, 0, fmt.Errorf("unknown conflict strategy: %s", strategy)
	}
}

// lastWriteWins выбирает значение с большим timestamp.
// Строгое сравнение: при равных timestamps остается локальное значение.
func (r *Resolver) lastWriteWins(conflict *models.ConflictData) any {
	if conflict.RemoteTimestamp > conflict.LocalTimestamp {
		return conflict.RemoteValue
	}
	return conflict.LocalValue
}

// merge выполняет структурное слияние. Если слияние неприменимо
// (несовместимые типы, примитивы) или падает - fallback на last_write_wins.
func (r *Resolver) merge(conflict *models.ConflictData) (any, float64, error) {
	merged, ok, err := mergeValues(conflict.LocalValue, conflict.RemoteValue)
	if err != nil {
		// Внутренний сбой слияния: тот же исход, что у last_write_wins
		r.logger.Warn("merge failed, falling back to last_write_wins",
			"conflict_id", conflict.ID,
			"key", conflict.Key,
			"error", err)
		return r.lastWriteWins(conflict), 1.0, nil
	}
	if !ok {
		merged = r.lastWriteWins(conflict)
	}

	return merged, r.mergeConfidence(conflict), nil
}

// mergeConfidence считает эвристическую уверенность слияния.
// Формула продуктовая, сохранена как есть: база 0.5, +0.3 если обе стороны
// объекты, -0.2 при разных видах значений, поправка по типу конфликта,
// результат ограничен [0,1].
func (r *Resolver) mergeConfidence(conflict *models.ConflictData) float64 {
	confidence := 0.5

	local, _ := normalize(conflict.LocalValue)
	remote, _ := normalize(conflict.RemoteValue)

	if isObject(local) && isObject(remote) {
		confidence += 0.3
	}
	if !sameKind(local, remote) {
		confidence -= 0.2
	}

	switch conflict.Type {
	case models.ConflictVersionMismatch:
		confidence += 0.1
	case models.ConflictConcurrentUpdate:
		confidence -= 0.1
	case models.ConflictSchemaChange:
		confidence -= 0.2
	}

	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return confidence
}

// record добавляет резолюцию в журнал и счетчики
func (r *Resolver) record(conflictID string, resolution *models.ConflictResolution) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.history[conflictID] = append(r.history[conflictID], resolution)
	r.byStrategy[resolution.Strategy]++
	r.total++
	if resolution.Success {
		r.successes++
	}
	r.totalTime += resolution.ResolutionTime
	r.totalConfidence += resolution.Confidence
}

// History возвращает журнал резолюций конфликта (копию)
func (r *Resolver) History(conflictID string) []*models.ConflictResolution {
	r.mu.Lock()
	defer r.mu.Unlock()

	resolutions := r.history[conflictID]
	out := make([]*models.ConflictResolution, len(resolutions))
	copy(out, resolutions)
	return out
}

// GetStatistics агрегирует журнал: всего, доля успешных, среднее время,
// распределение по стратегиям, средняя уверенность
func (r *Resolver) GetStatistics() *Statistics {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := &Statistics{
		Total:      r.total,
		ByStrategy: make(map[models.Strategy]int, len(r.byStrategy)),
	}
	for strategy, count := range r.byStrategy {
		stats.ByStrategy[strategy] = count
	}

	if r.total > 0 {
		stats.SuccessRate = float64(r.successes) / float64(r.total)
		stats.AverageResolutionTime = r.totalTime / time.Duration(r.total)
		stats.AverageConfidence = r.totalConfidence / float64(r.total)
	}

	return stats
}
