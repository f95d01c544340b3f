package api

import "encoding/json"

// ItemPayload представляет один элемент хранилища в wire-формате.
// Оба транспорта (poll и channel) обмениваются элементами в этом виде.
type ItemPayload struct {
	Metadata  map[string]any `json:"metadata,omitempty"`
	Key       string         `json:"key"`
	Value     any            `json:"value"`
	Version   int64          `json:"version"`
	Timestamp int64          `json:"timestamp"` // epoch ms записи, породившей текущую версию
}

// SetItemRequest представляет запрос на запись элемента
type SetItemRequest struct {
	Metadata  map[string]any `json:"metadata,omitempty"`
	Key       string         `json:"key"`
	Value     any            `json:"value"`
	Version   int64          `json:"version,omitempty"`
	Timestamp int64          `json:"timestamp,omitempty"`
}

// ItemResponse представляет ответ сервера на запись или чтение элемента
type ItemResponse struct {
	Metadata  map[string]any `json:"metadata,omitempty"`
	Value     any            `json:"value"`
	Version   int64          `json:"version"`
	Timestamp int64          `json:"timestamp"`
}

// ItemsResponse представляет ответ со списком элементов
type ItemsResponse struct {
	Items []ItemPayload `json:"items"`
}

// KeysResponse представляет ответ со списком ключей
type KeysResponse struct {
	Keys []string `json:"keys"`
}

// SubscribeRequest представляет запрос на подписку/отписку по ключам
type SubscribeRequest struct {
	Keys []string `json:"keys"`
}

// StorageInfo представляет сведения о серверном хранилище пользователя
type StorageInfo struct {
	UsagePercentage float64 `json:"usage_percentage"`
	TotalSize       int64   `json:"total_size"`
	UsedSize        int64   `json:"used_size"`
	ItemCount       int     `json:"item_count"`
	MaxItemSize     int64   `json:"max_item_size"`
	QuotaRemaining  int64   `json:"quota_remaining"`
}

// ErrorResponse представляет ответ с ошибкой
type ErrorResponse struct {
	Error   string `json:"error"`             // описание ошибки
	Message string `json:"message,omitempty"` // дополнительное сообщение
}

// ConflictResolveRequest представляет запрос на ручное разрешение конфликта
type ConflictResolveRequest struct {
	ConflictID string `json:"conflict_id"`
	Resolution any    `json:"resolution"`
}

// ConflictStatsRequest задает интервал для агрегации статистики конфликтов
type ConflictStatsRequest struct {
	StartDate int64 `json:"start_date,omitempty"` // epoch ms, 0 = без нижней границы
	EndDate   int64 `json:"end_date,omitempty"`   // epoch ms, 0 = без верхней границы
}

// ConflictStatsResponse представляет агрегированную статистику конфликтов
type ConflictStatsResponse struct {
	ByStrategy            map[string]int `json:"by_strategy"`
	Total                 int            `json:"total"`
	SuccessRate           float64        `json:"success_rate"`
	AverageResolutionTime float64        `json:"average_resolution_time_ms"`
	AverageConfidence     float64        `json:"average_confidence"`
}

// StrategiesResponse перечисляет стратегии разрешения конфликтов сервера
type StrategiesResponse struct {
	Strategies []string `json:"strategies"`
}

// AnalyzeResponse представляет результат серверного анализа конфликта
type AnalyzeResponse struct {
	Analysis json.RawMessage `json:"analysis"`
}
