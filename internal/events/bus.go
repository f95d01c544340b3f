package events

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultMaxListeners мягкий лимит слушателей на одно событие.
// Превышение логируется предупреждением, регистрация не отклоняется.
const DefaultMaxListeners = 100

// ErrWaitTimeout возвращается из WaitFor, если событие не пришло за отведенное время
var ErrWaitTimeout = errors.New("timed out waiting for event")

// Listener обрабатывает одно событие. Listener-ы одного события запускаются
// конкурентно; паника внутри listener изолируется и логируется.
type Listener func(data any)

// handle представляет одну регистрацию слушателя
type handle struct {
	fn   Listener
	id   uint64
	once bool
}

// Bus представляет типизированный publish/subscribe хаб.
// Снимок списка слушателей делается до доставки: регистрация или удаление
// во время emit не влияют на уже запущенную доставку.
type Bus struct {
	listeners    map[string][]*handle
	logger       *slog.Logger
	mu           sync.Mutex
	nextID       uint64
	maxListeners int
}

// NewBus создает новый event bus с мягким лимитом maxListeners.
// maxListeners <= 0 означает DefaultMaxListeners.
func NewBus(maxListeners int, logger *slog.Logger) *Bus {
	if maxListeners <= 0 {
		maxListeners = DefaultMaxListeners
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		listeners:    make(map[string][]*handle),
		maxListeners: maxListeners,
		logger:       logger,
	}
}

// On регистрирует слушателя события и возвращает функцию отписки
func (b *Bus) On(event string, fn Listener) func() {
	return b.subscribe(event, fn, false)
}

// Once регистрирует слушателя, который сработает не более одного раза
func (b *Bus) Once(event string, fn Listener) func() {
	return b.subscribe(event, fn, true)
}

func (b *Bus) subscribe(event string, fn Listener, once bool) func() {
	b.mu.Lock()
	b.nextID++
	h := &handle{id: b.nextID, fn: fn, once: once}
	b.listeners[event] = append(b.listeners[event], h)
	count := len(b.listeners[event])
	b.mu.Unlock()

	if count > b.maxListeners {
		b.logger.Warn("listener count exceeds soft limit",
			"event", event,
			"count", count,
			"limit", b.maxListeners)
	}

	id := h.id
	return func() { b.remove(event, id) }
}

// remove удаляет регистрацию по id; повторный вызов безопасен
func (b *Bus) remove(event string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	handles := b.listeners[event]
	for i, h := range handles {
		if h.id == id {
			b.listeners[event] = append(handles[:i], handles[i+1:]...)
			break
		}
	}
	if len(b.listeners[event]) == 0 {
		delete(b.listeners, event)
	}
}

// Off удаляет всех слушателей события
func (b *Bus) Off(event string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.listeners, event)
}

// snapshot возвращает копию слушателей события и сразу вычеркивает once-регистрации,
// чтобы once сработал ровно один раз даже при конкурентных emit
func (b *Bus) snapshot(event string) []*handle {
	b.mu.Lock()
	defer b.mu.Unlock()

	handles := b.listeners[event]
	if len(handles) == 0 {
		return nil
	}

	out := make([]*handle, len(handles))
	copy(out, handles)

	remaining := handles[:0]
	for _, h := range handles {
		if !h.once {
			remaining = append(remaining, h)
		}
	}
	if len(remaining) == 0 {
		delete(b.listeners, event)
	} else {
		b.listeners[event] = remaining
	}

	return out
}

// Emit доставляет событие всем слушателям конкурентно и дожидается завершения.
// Паника слушателя изолируется: логируется и не распространяется.
func (b *Bus) Emit(event string, data any) {
	handles := b.snapshot(event)
	if len(handles) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *handle) {
			defer wg.Done()
			b.call(event, h, data)
		}(h)
	}
	wg.Wait()
}

// EmitSync доставляет событие слушателям последовательно, в порядке подписки.
// Слушатели не должны блокироваться на долгих операциях.
func (b *Bus) EmitSync(event string, data any) {
	for _, h := range b.snapshot(event) {
		b.call(event, h, data)
	}
}

func (b *Bus) call(event string, h *handle, data any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event listener panicked",
				"event", event,
				"panic", r)
		}
	}()
	h.fn(data)
}

// WaitFor блокируется до следующего emit события или истечения timeout.
// timeout <= 0 означает ожидание без ограничения.
func (b *Bus) WaitFor(event string, timeout time.Duration) (any, error) {
	ch := make(chan any, 1)
	unsubscribe := b.Once(event, func(data any) {
		select {
		case ch <- data:
		default:
		}
	})

	if timeout <= 0 {
		return <-ch, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case data := <-ch:
		return data, nil
	case <-timer.C:
		unsubscribe()
		return nil, ErrWaitTimeout
	}
}

// ListenerCount возвращает количество слушателей события
func (b *Bus) ListenerCount(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners[event])
}

// EventNames возвращает отсортированный список событий с хотя бы одним слушателем
func (b *Bus) EventNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.listeners))
	for name := range b.listeners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RemoveAllListeners удаляет всех слушателей всех событий
func (b *Bus) RemoveAllListeners() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = make(map[string][]*handle)
}
