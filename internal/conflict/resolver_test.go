package conflict

import (
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/kvsync/internal/models"
)

func newTestResolver() *Resolver {
	return NewResolver("", slog.New(slog.NewTextHandler(os.Stdout, nil)))
}

func testConflict(local, remote any, localTS, remoteTS int64) *models.ConflictData {
	return &models.ConflictData{
		ID:              "conflict-1",
		Key:             "item",
		LocalValue:      local,
		RemoteValue:     remote,
		LocalVersion:    1,
		RemoteVersion:   2,
		LocalTimestamp:  localTS,
		RemoteTimestamp: remoteTS,
		Type:            models.ConflictVersionMismatch,
	}
}

func TestResolve_LastWriteWins_RemoteNewer(t *testing.T) {
	r := newTestResolver()

	resolution := r.Resolve(testConflict("local", "remote", 100, 200), models.StrategyLastWriteWins, nil)

	require.True(t, resolution.Success)
	assert.Equal(t, "remote", resolution.ResolvedValue)
	assert.Equal(t, 1.0, resolution.Confidence)
}

func TestResolve_LastWriteWins_LocalNewer(t *testing.T) {
	r := newTestResolver()

	resolution := r.Resolve(testConflict("local", "remote", 200, 100), models.StrategyLastWriteWins, nil)

	require.True(t, resolution.Success)
	assert.Equal(t, "local", resolution.ResolvedValue)
}

func TestResolve_LastWriteWins_TieKeepsLocal(t *testing.T) {
	r := newTestResolver()

	// Строгое сравнение: при равных timestamps остается локальное значение
	resolution := r.Resolve(testConflict("local", "remote", 100, 100), models.StrategyLastWriteWins, nil)

	require.True(t, resolution.Success)
	assert.Equal(t, "local", resolution.ResolvedValue)
}

func TestResolve_FirstWriteWins(t *testing.T) {
	r := newTestResolver()

	resolution := r.Resolve(testConflict("local", "remote", 200, 100), models.StrategyFirstWriteWins, nil)
	require.True(t, resolution.Success)
	assert.Equal(t, "remote", resolution.ResolvedValue)

	resolution = r.Resolve(testConflict("local", "remote", 100, 200), models.StrategyFirstWriteWins, nil)
	require.True(t, resolution.Success)
	assert.Equal(t, "local", resolution.ResolvedValue)

	// Зеркальное правило: при равных timestamps остается локальное
	resolution = r.Resolve(testConflict("local", "remote", 100, 100), models.StrategyFirstWriteWins, nil)
	require.True(t, resolution.Success)
	assert.Equal(t, "local", resolution.ResolvedValue)
}

func TestResolve_DefaultStrategy(t *testing.T) {
	r := newTestResolver()
	assert.Equal(t, models.StrategyLastWriteWins, r.DefaultStrategy())

	resolution := r.Resolve(testConflict("local", "remote", 100, 200), "", nil)
	assert.Equal(t, models.StrategyLastWriteWins, resolution.Strategy)
	assert.Equal(t, "remote", resolution.ResolvedValue)
}

func TestResolve_Merge_Arrays(t *testing.T) {
	r := newTestResolver()

	resolution := r.Resolve(testConflict([]int{1, 2, 3}, []int{3, 4, 5}, 100, 200), models.StrategyMerge, nil)

	require.True(t, resolution.Success)
	// Локальный порядок сохранен, новые удаленные элементы добавлены в конец
	assert.Equal(t, []any{float64(1), float64(2), float64(3), float64(4), float64(5)}, resolution.ResolvedValue)
}

func TestResolve_Merge_NullSides(t *testing.T) {
	r := newTestResolver()

	resolution := r.Resolve(testConflict(nil, "remote", 100, 200), models.StrategyMerge, nil)
	require.True(t, resolution.Success)
	assert.Equal(t, "remote", resolution.ResolvedValue)

	resolution = r.Resolve(testConflict("local", nil, 100, 200), models.StrategyMerge, nil)
	require.True(t, resolution.Success)
	assert.Equal(t, "local", resolution.ResolvedValue)
}

func TestResolve_Merge_DeepEqual(t *testing.T) {
	r := newTestResolver()

	local := map[string]any{"a": float64(1)}
	remote := map[string]any{"a": float64(1)}
	resolution := r.Resolve(testConflict(local, remote, 100, 200), models.StrategyMerge, nil)

	require.True(t, resolution.Success)
	assert.Equal(t, local, resolution.ResolvedValue)
}

func TestResolve_Merge_Objects(t *testing.T) {
	r := newTestResolver()

	local := map[string]any{
		"name":  "alice",
		"theme": "dark",
		"nested": map[string]any{
			"keep":  "local",
			"leaf":  "local",
			"local": true,
		},
	}
	remote := map[string]any{
		"name": "alice",
		"lang": "ru",
		"nested": map[string]any{
			"leaf":   "remote",
			"remote": true,
		},
	}

	resolution := r.Resolve(testConflict(local, remote, 100, 200), models.StrategyMerge, nil)
	require.True(t, resolution.Success)

	merged, ok := resolution.ResolvedValue.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "dark", merged["theme"])
	assert.Equal(t, "ru", merged["lang"])

	nested, ok := merged["nested"].(map[string]any)
	require.True(t, ok)
	// Рекурсивное слияние: на листовом конфликте побеждает remote
	assert.Equal(t, "remote", nested["leaf"])
	assert.Equal(t, "local", nested["keep"])
	assert.Equal(t, true, nested["remote"])
}

func TestResolve_Merge_TypeMismatchFallsBackToLWW(t *testing.T) {
	r := newTestResolver()

	conflict := testConflict("string value", float64(42), 100, 200)

	mergeResolution := r.Resolve(conflict, models.StrategyMerge, nil)
	lwwResolution := r.Resolve(conflict, models.StrategyLastWriteWins, nil)

	require.True(t, mergeResolution.Success)
	assert.Equal(t, lwwResolution.ResolvedValue, mergeResolution.ResolvedValue)
}

func TestResolve_Merge_UnserializableFallsBackToLWW(t *testing.T) {
	r := newTestResolver()

	// Канал не сериализуется в JSON: внутренний сбой слияния
	conflict := testConflict(make(chan int), "remote", 100, 200)

	resolution := r.Resolve(conflict, models.StrategyMerge, nil)
	require.True(t, resolution.Success)
	assert.Equal(t, "remote", resolution.ResolvedValue)
	assert.Equal(t, 1.0, resolution.Confidence)
}

func TestMergeConfidence(t *testing.T) {
	r := newTestResolver()

	tests := []struct {
		name     string
		local    any
		remote   any
		ctype    models.ConflictType
		expected float64
	}{
		{
			name:     "objects with version mismatch",
			local:    map[string]any{"a": 1},
			remote:   map[string]any{"b": 2},
			ctype:    models.ConflictVersionMismatch,
			expected: 0.9, // 0.5 + 0.3 + 0.1
		},
		{
			name:     "arrays with concurrent update",
			local:    []any{1},
			remote:   []any{2},
			ctype:    models.ConflictConcurrentUpdate,
			expected: 0.4, // 0.5 - 0.1
		},
		{
			name:     "type mismatch with schema change",
			local:    "text",
			remote:   float64(1),
			ctype:    models.ConflictSchemaChange,
			expected: 0.1, // 0.5 - 0.2 - 0.2
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conflict := testConflict(tt.local, tt.remote, 100, 200)
			conflict.Type = tt.ctype
			resolution := r.Resolve(conflict, models.StrategyMerge, nil)
			assert.InDelta(t, tt.expected, resolution.Confidence, 1e-9)
		})
	}
}

func TestResolve_Manual(t *testing.T) {
	r := newTestResolver()

	resolution := r.Resolve(testConflict("local", "remote", 100, 200), models.StrategyManual,
		func(conflict *models.ConflictData) (any, error) {
			return "custom", nil
		})

	require.True(t, resolution.Success)
	assert.Equal(t, "custom", resolution.ResolvedValue)
	assert.Equal(t, 1.0, resolution.Confidence)
}

func TestResolve_Manual_MissingResolver(t *testing.T) {
	r := newTestResolver()

	resolution := r.Resolve(testConflict("local", "remote", 100, 200), models.StrategyManual, nil)

	require.False(t, resolution.Success)
	assert.NotEmpty(t, resolution.Error)
	// Fail-safe: неразрешенный конфликт не затирает локальные данные
	assert.Equal(t, "local", resolution.ResolvedValue)
	assert.Zero(t, resolution.Confidence)
}

func TestResolve_Manual_ResolverError(t *testing.T) {
	r := newTestResolver()

	resolution := r.Resolve(testConflict("local", "remote", 100, 200), models.StrategyManual,
		func(conflict *models.ConflictData) (any, error) {
			return nil, errors.New("cannot decide")
		})

	require.False(t, resolution.Success)
	assert.Equal(t, "local", resolution.ResolvedValue)
}

func TestResolve_UnknownStrategy(t *testing.T) {
	r := newTestResolver()

	resolution := r.Resolve(testConflict("local", "remote", 100, 200), "voodoo", nil)

	require.False(t, resolution.Success)
	assert.Equal(t, "local", resolution.ResolvedValue)
}

func TestResolve_AssignsConflictID(t *testing.T) {
	r := newTestResolver()

	conflict := testConflict("local", "remote", 100, 200)
	conflict.ID = ""
	resolution := r.Resolve(conflict, models.StrategyLastWriteWins, nil)

	assert.NotEmpty(t, conflict.ID)
	assert.NotEmpty(t, resolution.ID)
}

func TestHistory_AppendOnly(t *testing.T) {
	r := newTestResolver()

	conflict := testConflict("local", "remote", 100, 200)
	r.Resolve(conflict, models.StrategyLastWriteWins, nil)
	r.Resolve(conflict, models.StrategyMerge, nil)

	history := r.History(conflict.ID)
	require.Len(t, history, 2)
	assert.Equal(t, models.StrategyLastWriteWins, history[0].Strategy)
	assert.Equal(t, models.StrategyMerge, history[1].Strategy)

	assert.Empty(t, r.History("unknown"))
}

func TestGetStatistics(t *testing.T) {
	r := newTestResolver()

	now := time.Unix(0, 0)
	r.nowFn = func() time.Time {
		now = now.Add(10 * time.Millisecond)
		return now
	}

	r.Resolve(testConflict("local", "remote", 100, 200), models.StrategyLastWriteWins, nil)
	r.Resolve(testConflict("local", "remote", 100, 200), models.StrategyLastWriteWins, nil)
	r.Resolve(testConflict("local", "remote", 100, 200), models.StrategyManual, nil) // провал

	stats := r.GetStatistics()
	assert.Equal(t, 3, stats.Total)
	assert.InDelta(t, 2.0/3.0, stats.SuccessRate, 1e-9)
	assert.Equal(t, 2, stats.ByStrategy[models.StrategyLastWriteWins])
	assert.Equal(t, 1, stats.ByStrategy[models.StrategyManual])
	assert.Equal(t, 10*time.Millisecond, stats.AverageResolutionTime)
	assert.InDelta(t, 2.0/3.0, stats.AverageConfidence, 1e-9)
}

func TestGetStatistics_Empty(t *testing.T) {
	stats := newTestResolver().GetStatistics()
	assert.Zero(t, stats.Total)
	assert.Zero(t, stats.SuccessRate)
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(map[string]any{"a": 1, "b": 2}, map[string]any{"b": 2, "a": 1}))
	assert.True(t, Equal([]int{1, 2}, []int{1, 2}))
	assert.False(t, Equal([]int{1, 2}, []int{2, 1}))
	assert.False(t, Equal("a", "b"))
	assert.True(t, Equal(nil, nil))
}
