package connection

import "sync"

// SignalSource отдает платформенные сигналы связности (online/offline).
// Ядро не обращается к конкретному платформенному API: источник сигналов
// инжектируется снаружи (браузерные события, netlink, что угодно).
type SignalSource interface {
	// IsOnline возвращает текущее состояние связности платформы
	IsOnline() bool

	// OnChange регистрирует обработчик смены связности и возвращает отписку
	OnChange(fn func(online bool)) (unsubscribe func())
}

// staticSignal считает платформу всегда online. Используется по умолчанию,
// когда у встраивающего приложения нет источника сигналов.
type staticSignal struct{}

func (staticSignal) IsOnline() bool                    { return true }
func (staticSignal) OnChange(func(online bool)) func() { return func() {} }

// AlwaysOnline возвращает источник сигналов, считающий платформу всегда online
func AlwaysOnline() SignalSource { return staticSignal{} }

// ManualSignal представляет программно управляемый источник сигналов.
// Встраивающее приложение (или тест) переключает состояние через SetOnline.
type ManualSignal struct {
	mu     sync.Mutex
	subs   map[int]func(online bool)
	nextID int
	online bool
}

// NewManualSignal создает ManualSignal с начальным состоянием online
func NewManualSignal(online bool) *ManualSignal {
	return &ManualSignal{
		subs:   make(map[int]func(online bool)),
		online: online,
	}
}

// IsOnline возвращает текущее состояние связности
func (s *ManualSignal) IsOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// OnChange регистрирует обработчик смены связности
func (s *ManualSignal) OnChange(fn func(online bool)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// SetOnline переключает состояние и уведомляет подписчиков при изменении
func (s *ManualSignal) SetOnline(online bool) {
	s.mu.Lock()
	if s.online == online {
		s.mu.Unlock()
		return
	}
	s.online = online
	subs := make([]func(online bool), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(online)
	}
}
