package connection

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/iudanet/kvsync/internal/events"
	"github.com/iudanet/kvsync/internal/models"
)

// EventStateChange публикуется на шине при каждом переходе состояния.
// Полезная нагрузка - снимок models.ConnectionInfo.
const EventStateChange = "state-change"

// RetryPolicy задает политику переподключения
type RetryPolicy struct {
	// MaxAttempts ограничивает число попыток переподключения.
	// После исчерпания контроллер остается в ERROR до явного Connect.
	MaxAttempts int

	// BaseDelay базовая задержка экспоненциального backoff
	BaseDelay time.Duration

	// MaxDelay верхняя граница задержки
	MaxDelay time.Duration

	// Jitter включает равномерный случайный множитель [0.5, 1.0]
	Jitter bool
}

// DefaultRetryPolicy возвращает политику по умолчанию
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 10,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      true,
	}
}

// Controller владеет состоянием соединения и расписанием переподключений.
// Сам он ничего не дозванивается: попытка подключения - это вызов dial,
// переданного в Connect; контроллер лишь решает, когда его повторять.
type Controller struct {
	logger *slog.Logger
	bus    *events.Bus
	signal SignalSource
	policy RetryPolicy

	mu          sync.Mutex
	info        models.ConnectionInfo
	dial        func()
	timer       *time.Timer
	stopped     bool // явный disconnect: переподключения не планируются
	signalUnsub func()
	rng         *rand.Rand
}

// NewController создает контроллер. signal == nil означает "всегда online".
func NewController(policy RetryPolicy, signal SignalSource, bus *events.Bus, logger *slog.Logger) *Controller {
	if signal == nil {
		signal = AlwaysOnline()
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Controller{
		logger: logger,
		bus:    bus,
		signal: signal,
		policy: policy,
		info: models.ConnectionInfo{
			State:    models.StateDisconnected,
			IsOnline: signal.IsOnline(),
		},
		stopped: true,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	c.signalUnsub = signal.OnChange(c.handleSignal)

	return c
}

// Connect запускает попытку подключения: переход в CONNECTING и вызов dial.
// dial обязан сообщить исход через MarkConnected или MarkFailed.
// Повторный Connect из ERROR сбрасывает счетчик попыток.
func (c *Controller) Connect(dial func()) {
	c.mu.Lock()
	c.dial = dial
	c.stopped = false
	c.info.ReconnectAttempts = 0
	c.cancelTimerLocked()
	c.transitionLocked(models.StateConnecting, "")
	c.mu.Unlock()

	dial()
}

// MarkConnected фиксирует успешное подключение: сброс счетчика попыток
// и отмена запланированного переподключения
func (c *Controller) MarkConnected() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cancelTimerLocked()
	c.info.ReconnectAttempts = 0
	c.info.ConnectedAt = time.Now()
	c.info.LastActivity = c.info.ConnectedAt
	c.transitionLocked(models.StateConnected, "")
}

// MarkActivity обновляет отметку последней активности соединения
func (c *Controller) MarkActivity() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.info.LastActivity = time.Now()
}

// MarkFailed фиксирует неудачную попытку подключения и планирует следующую
// по экспоненциальному backoff (или переводит в ERROR после исчерпания попыток)
func (c *Controller) MarkFailed(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scheduleReconnectLocked(err)
}

// ConnectionLost фиксирует разрыв установленного соединения
func (c *Controller) ConnectionLost(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped || c.info.State == models.StateDisconnected {
		return
	}
	c.scheduleReconnectLocked(err)
}

// Disconnect выполняет явное отключение: переподключения отменяются
func (c *Controller) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopped = true
	c.cancelTimerLocked()
	c.info.ReconnectAttempts = 0
	c.transitionLocked(models.StateDisconnected, "")
}

// Snapshot возвращает копию текущего состояния соединения
func (c *Controller) Snapshot() models.ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// State возвращает текущее состояние
func (c *Controller) State() models.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info.State
}

// Close останавливает таймеры и отписывается от платформенных сигналов
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopped = true
	c.cancelTimerLocked()
	if c.signalUnsub != nil {
		c.signalUnsub()
		c.signalUnsub = nil
	}
}

// scheduleReconnectLocked планирует следующую попытку подключения.
// Вызывается под c.mu.
func (c *Controller) scheduleReconnectLocked(err error) {
	errText := ""
	if err != nil {
		errText = err.Error()
	}

	if c.stopped {
		c.transitionLocked(models.StateDisconnected, errText)
		return
	}

	if !c.info.IsOnline {
		// Платформа offline: ждем сигнала online вместо холостых попыток
		c.cancelTimerLocked()
		c.transitionLocked(models.StateDisconnected, errText)
		return
	}

	if c.policy.MaxAttempts > 0 && c.info.ReconnectAttempts >= c.policy.MaxAttempts {
		c.cancelTimerLocked()
		c.logger.Error("reconnect attempts exhausted",
			"attempts", c.info.ReconnectAttempts,
			"error", errText)
		c.transitionLocked(models.StateError, errText)
		return
	}

	c.info.ReconnectAttempts++
	delay := c.backoffDelayLocked(c.info.ReconnectAttempts)

	c.logger.Info("scheduling reconnect",
		"attempt", c.info.ReconnectAttempts,
		"delay", delay,
		"error", errText)

	c.cancelTimerLocked()
	c.timer = time.AfterFunc(delay, c.fireReconnect)
	c.transitionLocked(models.StateReconnecting, errText)
}

// fireReconnect выполняет запланированную попытку подключения
func (c *Controller) fireReconnect() {
	c.mu.Lock()
	dial := c.dial
	if c.stopped || !c.info.IsOnline || dial == nil {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	dial()
}

// backoffDelayLocked считает задержку attempt-й попытки:
// min(maxDelay, baseDelay * 2^(attempt-1) * jitterFactor),
// где jitterFactor равномерно распределен в [0.5, 1.0]
func (c *Controller) backoffDelayLocked(attempt int) time.Duration {
	delay := c.policy.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.policy.MaxDelay {
			delay = c.policy.MaxDelay
			break
		}
	}

	if c.policy.Jitter {
		jitter := 0.5 + c.rng.Float64()*0.5
		delay = time.Duration(float64(delay) * jitter)
	}

	if c.policy.MaxDelay > 0 && delay > c.policy.MaxDelay {
		delay = c.policy.MaxDelay
	}
	return delay
}

// handleSignal зеркалирует платформенный сигнал связности в состояние
func (c *Controller) handleSignal(online bool) {
	c.mu.Lock()

	c.info.IsOnline = online

	if !online {
		// Ушли в offline: замораживаем переподключения до возврата сети
		c.cancelTimerLocked()
		if c.info.State == models.StateConnected ||
			c.info.State == models.StateConnecting ||
			c.info.State == models.StateReconnecting {
			c.transitionLocked(models.StateDisconnected, "platform offline")
		}
		c.mu.Unlock()
		return
	}

	// Сеть вернулась: возобновляем подключение, если не было явного disconnect
	if c.stopped || c.dial == nil || c.info.State == models.StateConnected {
		c.mu.Unlock()
		return
	}

	c.info.ReconnectAttempts = 0
	c.transitionLocked(models.StateConnecting, "")
	dial := c.dial
	c.mu.Unlock()

	dial()
}

// transitionLocked применяет переход состояния и публикует state-change.
// Вызывается под c.mu.
func (c *Controller) transitionLocked(state models.ConnectionState, errText string) {
	if c.info.State == state && c.info.Error == errText {
		return
	}

	from := c.info.State
	c.info.State = state
	c.info.Error = errText

	c.logger.Debug("connection state changed", "from", from, "to", state)

	if c.bus != nil {
		// Снимок до выхода из-под mu, доставка без блокировки контроллера
		snapshot := c.info
		go c.bus.Emit(EventStateChange, snapshot)
	}
}

// cancelTimerLocked останавливает запланированное переподключение.
// Вызывается под c.mu.
func (c *Controller) cancelTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
