package transport

import (
	"sync"
	"time"
)

// latencyAlpha - коэффициент сглаживания EMA для средней задержки
const latencyAlpha = 0.3

// Metrics представляет снимок метрик транспорта
type Metrics struct {
	LastRequestTime  time.Time     `json:"last_request_time"`
	RequestCount     int64         `json:"request_count"`
	SuccessCount     int64         `json:"success_count"`
	ErrorCount       int64         `json:"error_count"`
	BytesTransferred int64         `json:"bytes_transferred"`
	AverageLatency   time.Duration `json:"average_latency"`
	ConnectionUptime time.Duration `json:"connection_uptime"`
}

// metricsTracker накапливает метрики транспорта.
// Средняя задержка - экспоненциальное скользящее среднее:
// avg = alpha*sample + (1-alpha)*avg.
type metricsTracker struct {
	mu          sync.Mutex
	metrics     Metrics
	connectedAt time.Time
	nowFn       func() time.Time
}

func newMetricsTracker() *metricsTracker {
	return &metricsTracker{nowFn: time.Now}
}

// observe фиксирует завершение одного запроса
func (t *metricsTracker) observe(start time.Time, bytes int64, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.nowFn()
	latency := now.Sub(start)

	t.metrics.RequestCount++
	t.metrics.LastRequestTime = now
	t.metrics.BytesTransferred += bytes

	if err != nil {
		t.metrics.ErrorCount++
	} else {
		t.metrics.SuccessCount++
	}

	if t.metrics.AverageLatency == 0 {
		t.metrics.AverageLatency = latency
		return
	}
	t.metrics.AverageLatency = time.Duration(
		latencyAlpha*float64(latency) + (1-latencyAlpha)*float64(t.metrics.AverageLatency))
}

// markConnected запускает отсчет uptime соединения
func (t *metricsTracker) markConnected() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectedAt = t.nowFn()
}

// markDisconnected фиксирует накопленный uptime и останавливает отсчет
func (t *metricsTracker) markDisconnected() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connectedAt.IsZero() {
		t.metrics.ConnectionUptime += t.nowFn().Sub(t.connectedAt)
		t.connectedAt = time.Time{}
	}
}

// snapshot возвращает копию метрик с актуальным uptime
func (t *metricsTracker) snapshot() Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()

	m := t.metrics
	if !t.connectedAt.IsZero() {
		m.ConnectionUptime += t.nowFn().Sub(t.connectedAt)
	}
	return m
}
