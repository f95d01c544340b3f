package connection

import (
	"errors"
	"log/slog"
	"math/rand"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/kvsync/internal/events"
	"github.com/iudanet/kvsync/internal/models"
)

func newTestController(policy RetryPolicy, signal SignalSource) (*Controller, *events.Bus) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	bus := events.NewBus(0, logger)
	c := NewController(policy, signal, bus, logger)
	return c, bus
}

func TestController_InitialState(t *testing.T) {
	c, _ := newTestController(DefaultRetryPolicy(), nil)
	defer c.Close()

	info := c.Snapshot()
	assert.Equal(t, models.StateDisconnected, info.State)
	assert.True(t, info.IsOnline)
	assert.Zero(t, info.ReconnectAttempts)
}

func TestController_ConnectLifecycle(t *testing.T) {
	c, _ := newTestController(DefaultRetryPolicy(), nil)
	defer c.Close()

	var dials atomic.Int32
	c.Connect(func() {
		dials.Add(1)
		// Внутри dial контроллер уже в CONNECTING
		assert.Equal(t, models.StateConnecting, c.State())
		c.MarkConnected()
	})

	assert.Equal(t, int32(1), dials.Load())
	info := c.Snapshot()
	assert.Equal(t, models.StateConnected, info.State)
	assert.False(t, info.ConnectedAt.IsZero())
	assert.Zero(t, info.ReconnectAttempts)
}

func TestController_Disconnect(t *testing.T) {
	c, _ := newTestController(DefaultRetryPolicy(), nil)
	defer c.Close()

	c.Connect(func() { c.MarkConnected() })
	c.Disconnect()

	assert.Equal(t, models.StateDisconnected, c.State())

	// Разрыв после явного disconnect не планирует переподключение
	c.ConnectionLost(errors.New("socket closed"))
	assert.Equal(t, models.StateDisconnected, c.State())
}

func TestController_ReconnectWithBackoff(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Jitter: false}
	c, _ := newTestController(policy, nil)
	defer c.Close()

	var dials atomic.Int32
	c.Connect(func() {
		if dials.Add(1) < 3 {
			c.MarkFailed(errors.New("refused"))
			return
		}
		c.MarkConnected()
	})

	require.Eventually(t, func() bool {
		return c.State() == models.StateConnected
	}, time.Second, time.Millisecond)

	assert.Equal(t, int32(3), dials.Load())
	// Успешное подключение сбрасывает счетчик попыток
	assert.Zero(t, c.Snapshot().ReconnectAttempts)
}

func TestController_ExhaustedAttemptsTerminal(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Jitter: false}
	c, _ := newTestController(policy, nil)
	defer c.Close()

	var dials atomic.Int32
	c.Connect(func() {
		dials.Add(1)
		c.MarkFailed(errors.New("refused"))
	})

	require.Eventually(t, func() bool {
		return c.State() == models.StateError
	}, time.Second, time.Millisecond)

	// Терминальное состояние: новых попыток не планируется
	got := dials.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, got, dials.Load())
	assert.NotEmpty(t, c.Snapshot().Error)

	// Явный Connect сбрасывает счетчик и выводит из ERROR
	c.Connect(func() { c.MarkConnected() })
	assert.Equal(t, models.StateConnected, c.State())
}

func TestController_StateChangeEvents(t *testing.T) {
	c, bus := newTestController(DefaultRetryPolicy(), nil)
	defer c.Close()

	done := make(chan models.ConnectionInfo, 1)
	bus.On(EventStateChange, func(data any) {
		info, ok := data.(models.ConnectionInfo)
		if ok && info.State == models.StateConnected {
			select {
			case done <- info:
			default:
			}
		}
	})

	c.Connect(func() { c.MarkConnected() })

	select {
	case info := <-done:
		assert.Equal(t, models.StateConnected, info.State)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for state-change event")
	}
}

func TestController_OfflineFreezesReconnect(t *testing.T) {
	signal := NewManualSignal(true)
	policy := RetryPolicy{MaxAttempts: 100, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Jitter: false}
	c, _ := newTestController(policy, signal)
	defer c.Close()

	var dials atomic.Int32
	connected := atomic.Bool{}
	c.Connect(func() {
		dials.Add(1)
		if connected.Load() {
			c.MarkConnected()
			return
		}
		c.MarkFailed(errors.New("refused"))
	})

	// Уходим в offline: переподключения замораживаются
	signal.SetOnline(false)
	require.Eventually(t, func() bool {
		return c.State() == models.StateDisconnected
	}, time.Second, time.Millisecond)

	before := dials.Load()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, before, dials.Load())
	assert.False(t, c.Snapshot().IsOnline)

	// Возврат online возобновляет подключение с нулевым счетчиком
	connected.Store(true)
	signal.SetOnline(true)
	require.Eventually(t, func() bool {
		return c.State() == models.StateConnected
	}, time.Second, time.Millisecond)
	assert.True(t, c.Snapshot().IsOnline)
}

func TestController_ConnectionLostSchedulesReconnect(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Jitter: false}
	c, _ := newTestController(policy, nil)
	defer c.Close()

	attempt := atomic.Int32{}
	c.Connect(func() {
		attempt.Add(1)
		c.MarkConnected()
	})
	require.Equal(t, models.StateConnected, c.State())

	c.ConnectionLost(errors.New("read: connection reset"))
	assert.Equal(t, models.StateReconnecting, c.State())

	require.Eventually(t, func() bool {
		return c.State() == models.StateConnected && attempt.Load() == 2
	}, time.Second, time.Millisecond)
}

func TestBackoffDelay_Formula(t *testing.T) {
	c, _ := newTestController(RetryPolicy{
		MaxAttempts: 10,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    time.Second,
		Jitter:      false,
	}, nil)
	defer c.Close()

	// Без джиттера: base * 2^(attempt-1), ограничено maxDelay
	assert.Equal(t, 100*time.Millisecond, c.backoffDelayLocked(1))
	assert.Equal(t, 200*time.Millisecond, c.backoffDelayLocked(2))
	assert.Equal(t, 400*time.Millisecond, c.backoffDelayLocked(3))
	assert.Equal(t, 800*time.Millisecond, c.backoffDelayLocked(4))
	assert.Equal(t, time.Second, c.backoffDelayLocked(5))
	assert.Equal(t, time.Second, c.backoffDelayLocked(50))
}

func TestBackoffDelay_JitterBounds(t *testing.T) {
	c, _ := newTestController(RetryPolicy{
		MaxAttempts: 10,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Jitter:      true,
	}, nil)
	defer c.Close()

	c.rng = rand.New(rand.NewSource(42))

	// jitterFactor равномерен в [0.5, 1.0]
	for range 100 {
		delay := c.backoffDelayLocked(3) // база 400ms
		assert.GreaterOrEqual(t, delay, 200*time.Millisecond)
		assert.LessOrEqual(t, delay, 400*time.Millisecond)
	}
}
