package models

import "time"

// ConflictType классифицирует причину расхождения значений
type ConflictType string

const (
	// ConflictVersionMismatch - версии локальной и удаленной записи различаются
	ConflictVersionMismatch ConflictType = "version_mismatch"
	// ConflictConcurrentUpdate - одинаковые версии, но разные значения (параллельная запись)
	ConflictConcurrentUpdate ConflictType = "concurrent_update"
	// ConflictSchemaChange - структура значения изменилась между версиями
	ConflictSchemaChange ConflictType = "schema_change"
)

// Strategy определяет политику выбора победителя при конфликте
type Strategy string

const (
	// StrategyLastWriteWins - побеждает значение с большим timestamp
	StrategyLastWriteWins Strategy = "last_write_wins"
	// StrategyFirstWriteWins - побеждает значение с меньшим timestamp
	StrategyFirstWriteWins Strategy = "first_write_wins"
	// StrategyMerge - структурное слияние значений с fallback на LWW
	StrategyMerge Strategy = "merge"
	// StrategyManual - разрешение внешней функцией, переданной вызывающим
	StrategyManual Strategy = "manual"
)

// Strategies перечисляет все поддерживаемые стратегии
func Strategies() []Strategy {
	return []Strategy{
		StrategyLastWriteWins,
		StrategyFirstWriteWins,
		StrategyMerge,
		StrategyManual,
	}
}

// ConflictData представляет обнаруженное расхождение локального и удаленного
// значений одного ключа. Создается только когда значения различаются
// по структурному сравнению.
type ConflictData struct {
	Metadata        map[string]any `json:"metadata,omitempty"`
	ID              string         `json:"id"`
	Key             string         `json:"key"`
	Type            ConflictType   `json:"conflict_type"`
	LocalValue      any            `json:"local_value"`
	RemoteValue     any            `json:"remote_value"`
	LocalVersion    int64          `json:"local_version"`
	RemoteVersion   int64          `json:"remote_version"`
	LocalTimestamp  int64          `json:"local_timestamp"`
	RemoteTimestamp int64          `json:"remote_timestamp"`
}

// ConflictResolution представляет результат одного вызова resolve.
// Записи append-only: после создания не изменяются.
type ConflictResolution struct {
	ID             string        `json:"id"`
	Strategy       Strategy      `json:"strategy"`
	ResolvedValue  any           `json:"resolved_value,omitempty"`
	Error          string        `json:"error,omitempty"`
	Confidence     float64       `json:"confidence"` // уверенность в результате, [0,1]
	ResolutionTime time.Duration `json:"resolution_time"`
	Timestamp      int64         `json:"timestamp"` // epoch ms момента разрешения
	Success        bool          `json:"success"`
}
