package syncer

import (
	"fmt"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/kvsync/internal/models"
)

func newTestQueue(limit int) *offlineQueue {
	return newOfflineQueue(limit, slog.New(slog.NewTextHandler(os.Stdout, nil)))
}

func TestQueue_FIFO(t *testing.T) {
	q := newTestQueue(10)

	q.Push(models.QueueEntry{Method: models.QueueMethodSet, Key: "a"})
	q.Push(models.QueueEntry{Method: models.QueueMethodRemove, Key: "b"})
	q.Push(models.QueueEntry{Method: models.QueueMethodClear})

	assert.Equal(t, 3, q.Len())

	entries := q.Drain()
	require.Len(t, entries, 3)
	assert.Equal(t, "a", entries[0].Key)
	assert.Equal(t, "b", entries[1].Key)
	assert.Equal(t, models.QueueMethodClear, entries[2].Method)
	assert.Zero(t, q.Len())
}

func TestQueue_OverflowKeepsNewest(t *testing.T) {
	q := newTestQueue(DefaultQueueLimit)

	for i := 1; i <= DefaultQueueLimit+1; i++ {
		q.Push(models.QueueEntry{
			Method: models.QueueMethodSet,
			Key:    fmt.Sprintf("key-%04d", i),
		})
	}

	// 1001-я запись переполняет очередь: остаются 500 самых свежих
	assert.Equal(t, queueKeepOnOverflow, q.Len())

	entries := q.Drain()
	require.Len(t, entries, queueKeepOnOverflow)
	assert.Equal(t, "key-0502", entries[0].Key)
	assert.Equal(t, "key-1001", entries[len(entries)-1].Key)
}

func TestQueue_RequeueAfterDrain(t *testing.T) {
	q := newTestQueue(10)

	q.Push(models.QueueEntry{Method: models.QueueMethodSet, Key: "a"})
	q.Push(models.QueueEntry{Method: models.QueueMethodSet, Key: "b"})

	entries := q.Drain()
	require.Len(t, entries, 2)

	// Неудачная доставка: запись возвращается в хвост
	q.Push(entries[1])
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, "b", q.Drain()[0].Key)
}
