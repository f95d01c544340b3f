package syncer

import (
	"errors"
	"fmt"
)

// ErrClosed возвращается из операций после Close
var ErrClosed = errors.New("syncer is closed")

// ErrorType классифицирует ошибку движка для события error
type ErrorType string

const (
	// ErrorTypeConnection - не удалось установить соединение
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeSocket - разрыв установленного канала
	ErrorTypeSocket ErrorType = "socket"
	// ErrorTypeTransport - сбой удаленной операции (таймаут, сеть, сервер)
	ErrorTypeTransport ErrorType = "transport"
	// ErrorTypeQuota - превышение лимитов хранилища; не ставится в очередь
	ErrorTypeQuota ErrorType = "quota"
	// ErrorTypeValidation - малформированный ввод; не ставится в очередь
	ErrorTypeValidation ErrorType = "validation"
)

// EngineError несет классифицированную ошибку движка.
// Транспортные ошибки не доходят до вызывающего как отказ операции:
// они публикуются событием error, а операция уходит в очередь.
type EngineError struct {
	Err  error
	Type ErrorType
	Op   string
	Key  string
}

func (e *EngineError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s error in %s (key %q): %v", e.Type, e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("%s error in %s: %v", e.Type, e.Op, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

func newEngineError(errType ErrorType, op, key string, err error) *EngineError {
	return &EngineError{Type: errType, Op: op, Key: key, Err: err}
}
