package models

import "time"

// SyncEventType определяет вид изменения, пересекающего границу local/remote
type SyncEventType string

const (
	SyncEventSync     SyncEventType = "sync"
	SyncEventRemove   SyncEventType = "remove"
	SyncEventClear    SyncEventType = "clear"
	SyncEventConflict SyncEventType = "conflict"
	SyncEventBatch    SyncEventType = "batch"
)

// EventSource указывает, на какой стороне возникло изменение
type EventSource string

const (
	SourceLocal  EventSource = "local"
	SourceRemote EventSource = "remote"
)

// SyncEvent представляет одну единицу изменения в любом направлении
type SyncEvent struct {
	Metadata   map[string]any `json:"metadata,omitempty"`
	Type       SyncEventType  `json:"type"`
	Key        string         `json:"key,omitempty"`
	Value      any            `json:"value,omitempty"`
	Source     EventSource    `json:"source"`
	InstanceID string         `json:"instance_id,omitempty"`
	Timestamp  int64          `json:"timestamp"`
	Version    int64          `json:"version,omitempty"`
}

// ConnectionState описывает состояние соединения с сервером
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateError        ConnectionState = "error"
)

// ConnectionInfo представляет снимок состояния соединения.
// Владелец - ConnectionController; остальные компоненты читают копию.
type ConnectionInfo struct {
	ConnectedAt       time.Time       `json:"connected_at,omitzero"`
	LastActivity      time.Time       `json:"last_activity,omitzero"`
	State             ConnectionState `json:"state"`
	Error             string          `json:"error,omitempty"`
	ReconnectAttempts int             `json:"reconnect_attempts"`
	IsOnline          bool            `json:"is_online"`
}

// Методы очереди отложенных операций
const (
	QueueMethodSet    = "setItem"
	QueueMethodRemove = "removeItem"
	QueueMethodClear  = "clear"
)

// QueueEntry представляет одну отложенную мутацию, не доставленную на сервер.
// Очередь воспроизводится строго в FIFO-порядке.
type QueueEntry struct {
	Metadata  map[string]any `json:"metadata,omitempty"`
	Method    string         `json:"method"`
	Key       string         `json:"key,omitempty"`
	Value     any            `json:"value,omitempty"`
	Timestamp int64          `json:"timestamp"` // epoch ms момента постановки в очередь
}
