package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/iudanet/kvsync/internal/cache"
	"github.com/iudanet/kvsync/internal/conflict"
	"github.com/iudanet/kvsync/internal/models"
)

// SyncResult - итог одного прохода сверки
type SyncResult struct {
	Pushed    int `json:"pushed"`    // локальных изменений отправлено на сервер
	Pulled    int `json:"pulled"`    // серверных изменений применено локально
	Merged    int `json:"merged"`    // применений, перезаписавших расходившееся локальное значение
	Conflicts int `json:"conflicts"` // конфликтов, прошедших через резолвер
	Skipped   int `json:"skipped"`   // записей, пропущенных из-за ошибок
}

// Sync выполняет полную двустороннюю сверку с сервером:
// 1. Воспроизводит офлайн-очередь в FIFO-порядке (неудачи - обратно в очередь)
// 2. Сравнивает серверный и локальный наборы по timestamp: строго более
//    свежая удаленная запись применяется локально, иначе локальная уходит
//    на сервер; ключи только одной стороны доставляются на другую
// Сбой одной записи не прерывает проход.
func (s *Syncer) Sync(ctx context.Context) (*SyncResult, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}

	s.logger.Info("starting synchronization",
		"user_id", s.cfg.UserID,
		"pending", s.queue.Len())

	result := &SyncResult{}

	s.replayQueue(ctx, result)

	if err := s.reconcileItems(ctx, result); err != nil {
		return result, err
	}

	s.logger.Info("synchronization completed",
		"pushed", result.Pushed,
		"pulled", result.Pulled,
		"merged", result.Merged,
		"conflicts", result.Conflicts,
		"skipped", result.Skipped)

	s.bus.Emit(EventSyncComplete, result)
	return result, nil
}

// replayQueue воспроизводит офлайн-очередь. Каждая неудачная запись
// возвращается в очередь и не прерывает остальные.
func (s *Syncer) replayQueue(ctx context.Context, result *SyncResult) {
	entries := s.queue.Drain()
	if len(entries) == 0 {
		return
	}

	s.logger.Info("replaying offline queue", "entries", len(entries))

	for _, entry := range entries {
		if err := s.replayEntry(ctx, entry); err != nil {
			s.logger.Warn("queue replay failed, entry re-queued",
				"method", entry.Method,
				"key", entry.Key,
				"error", err)
			s.queue.Push(entry)
			result.Skipped++
			continue
		}
		result.Pushed++
	}
}

// replayEntry доставляет одну отложенную мутацию
func (s *Syncer) replayEntry(ctx context.Context, entry models.QueueEntry) error {
	rctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	switch entry.Method {
	case models.QueueMethodSet:
		item := &models.StorageItem{
			Key:      entry.Key,
			Value:    entry.Value,
			Metadata: entry.Metadata,
		}
		// Если ключ успели перезаписать, отправляется актуальное значение
		if current, err := s.store.GetItemWithMetadata(ctx, entry.Key); err == nil {
			item = current
		}
		_, err := s.transport.SetItem(rctx, item)
		return err
	case models.QueueMethodRemove:
		return s.transport.RemoveItem(rctx, entry.Key)
	case models.QueueMethodClear:
		return s.transport.Clear(rctx)
	default:
		return fmt.Errorf("unknown queue method: %s", entry.Method)
	}
}

// reconcileItems выполняет двустороннее сравнение наборов
func (s *Syncer) reconcileItems(ctx context.Context, result *SyncResult) error {
	rctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	remoteItems, err := s.transport.GetAllItems(rctx, nil)
	cancel()
	if err != nil {
		s.emitError(ErrorTypeTransport, "sync", "", err)
		return fmt.Errorf("failed to fetch remote items: %w", err)
	}
	s.controller.MarkActivity()

	localItems, err := s.store.GetAllItems(ctx)
	if err != nil {
		return fmt.Errorf("failed to list local items: %w", err)
	}

	localByKey := make(map[string]*models.StorageItem, len(localItems))
	for _, item := range localItems {
		localByKey[item.Key] = item
	}

	for _, remote := range remoteItems {
		local, exists := localByKey[remote.Key]
		delete(localByKey, remote.Key)

		if !exists {
			s.reconcilePull(ctx, remote, result, false)
			continue
		}

		switch {
		case remote.NewerThan(local):
			s.reconcilePull(ctx, remote, result, !conflict.Equal(local.Value, remote.Value))
		case local.NewerThan(remote):
			s.reconcilePush(ctx, local, result)
		case conflict.Equal(local.Value, remote.Value):
			result.Skipped++
		default:
			// Одинаковые timestamps, разные значения: настоящий конфликт
			s.reconcileConflict(ctx, local, remote, result)
		}
	}

	// Ключи, которых нет на сервере, доставляются туда
	for _, local := range localByKey {
		s.reconcilePush(ctx, local, result)
	}

	return nil
}

// reconcilePull применяет удаленную запись локально
func (s *Syncer) reconcilePull(ctx context.Context, remote *models.StorageItem, result *SyncResult, overwrote bool) {
	opts := []cache.SetOption{
		cache.WithVersion(remote.Version),
		cache.WithTimestamp(remote.Timestamp),
	}
	if remote.Metadata != nil {
		opts = append(opts, cache.WithMetadata(remote.Metadata))
	}

	unlock := s.lockKey(remote.Key)
	_, err := s.store.SetItem(ctx, remote.Key, remote.Value, opts...)
	unlock()

	if err != nil {
		s.logger.Warn("failed to apply remote item", "key", remote.Key, "error", err)
		result.Skipped++
		return
	}

	result.Pulled++
	if overwrote {
		result.Merged++
	}
	s.emitChangeFrom(models.SyncEventSync, remote, models.SourceRemote, "")
}

// reconcilePush отправляет локальную запись на сервер
func (s *Syncer) reconcilePush(ctx context.Context, local *models.StorageItem, result *SyncResult) {
	rctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	if _, err := s.transport.SetItem(rctx, local); err != nil {
		s.logger.Warn("failed to push local item", "key", local.Key, "error", err)
		result.Skipped++
		return
	}
	s.controller.MarkActivity()
	result.Pushed++
}

// reconcileConflict разрешает расхождение при равных timestamps
func (s *Syncer) reconcileConflict(ctx context.Context, local, remote *models.StorageItem, result *SyncResult) {
	data := &models.ConflictData{
		ID:              uuid.NewString(),
		Key:             remote.Key,
		LocalValue:      local.Value,
		RemoteValue:     remote.Value,
		LocalVersion:    local.Version,
		RemoteVersion:   remote.Version,
		LocalTimestamp:  local.Timestamp,
		RemoteTimestamp: remote.Timestamp,
		Type:            conflict.Classify(local, remote),
	}

	result.Conflicts++

	if !s.cfg.Conflict.AutoResolve {
		s.bus.Emit(EventConflict, &ConflictEvent{Conflict: data})
		result.Skipped++
		return
	}

	resolution := s.resolver.Resolve(data, s.cfg.Conflict.Strategy, s.cfg.Conflict.OnConflict)
	s.bus.Emit(EventConflict, &ConflictEvent{Conflict: data, Resolution: resolution})

	if !resolution.Success {
		result.Skipped++
		return
	}

	resolved := &models.StorageItem{
		Key:       remote.Key,
		Value:     resolution.ResolvedValue,
		Metadata:  remote.Metadata,
		Version:   maxInt64(local.Version, remote.Version) + 1,
		Timestamp: nowMillis(),
	}

	unlock := s.lockKey(resolved.Key)
	if _, err := s.store.SetItem(ctx, resolved.Key, resolved.Value,
		cache.WithVersion(resolved.Version),
		cache.WithTimestamp(resolved.Timestamp)); err != nil {
		unlock()
		s.logger.Warn("failed to store resolved value", "key", resolved.Key, "error", err)
		result.Skipped++
		return
	}
	unlock()

	s.reconcilePush(ctx, resolved, result)
	result.Merged++
}

// reconcileAsync запускает сверку в фоне (вход в CONNECTED).
// Проверка closed и регистрация в wg атомарны относительно Close:
// после того как Close зафиксировал остановку, новые сверки не стартуют.
func (s *Syncer) reconcileAsync() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		if _, err := s.Sync(ctx); err != nil && !errors.Is(err, ErrClosed) {
			s.logger.Warn("reconnect reconciliation failed", "error", err)
		}
	}()
}

// backgroundSyncLoop периодически сверяется с сервером, пока движок жив
func (s *Syncer) backgroundSyncLoop() {
	defer s.wg.Done()

	interval := s.cfg.Network.BackgroundInterval
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if !s.transport.IsConnected() {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
			if _, err := s.Sync(ctx); err != nil && !errors.Is(err, ErrClosed) {
				s.logger.Warn("background sync failed", "error", err)
			}
			cancel()
		}
	}
}
