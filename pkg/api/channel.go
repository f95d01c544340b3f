package api

import "encoding/json"

// Действия персистентного канала. Каждая операция хранилища передается
// с префиксом "sync:", операции над конфликтами — с префиксом "conflict:".
const (
	ActionSet         = "sync:set"
	ActionGet         = "sync:get"
	ActionRemove      = "sync:remove"
	ActionGetAll      = "sync:get_all"
	ActionGetKeys     = "sync:get_keys"
	ActionClear       = "sync:clear"
	ActionSubscribe   = "sync:subscribe"
	ActionUnsubscribe = "sync:unsubscribe"
	ActionStorageInfo = "sync:storage_info"

	ActionConflictHistory    = "conflict:history"
	ActionConflictStats      = "conflict:stats"
	ActionConflictResolve    = "conflict:resolve"
	ActionConflictAnalyze    = "conflict:analyze"
	ActionConflictStrategies = "conflict:strategies"
)

// Имена серверных push-событий. Одинаковы для обоих транспортов:
// канал получает их как unsolicited-сообщения, poll-транспорт синтезирует.
const (
	EventSyncUpdate     = "sync:update"
	EventSyncRemove     = "sync:remove"
	EventSyncConflict   = "sync:conflict"
	EventPendingUpdates = "pending-updates"
)

// Message представляет один кадр персистентного канала.
// Запросы несут Action и корреляционный ID; ответ сервера повторяет ID.
// Серверные push-кадры несут Event и не имеют ID.
type Message struct {
	ID         string          `json:"id,omitempty"`
	Action     string          `json:"action,omitempty"`
	Event      string          `json:"event,omitempty"`
	UserID     string          `json:"user_id,omitempty"`
	InstanceID string          `json:"instance_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Error      string          `json:"error,omitempty"`
	OK         bool            `json:"ok,omitempty"`
}

// PushPayload представляет полезную нагрузку push-событий sync:update,
// sync:remove и sync:conflict.
type PushPayload struct {
	Item       *ItemPayload `json:"item,omitempty"`
	Key        string       `json:"key"`
	InstanceID string       `json:"instance_id,omitempty"` // инстанс, породивший изменение
	Timestamp  int64        `json:"timestamp"`
}

// PendingUpdates представляет полезную нагрузку события pending-updates:
// изменения, накопившиеся на сервере пока клиент был отключен.
type PendingUpdates struct {
	Updates []PushPayload `json:"updates"`
}
