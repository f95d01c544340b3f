package conflict

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/iudanet/kvsync/internal/models"
)

// normalize приводит значение к канонической JSON-форме (map[string]any,
// []any, float64, string, bool, nil), чтобы структурное сравнение и слияние
// не зависели от исходного Go-типа значения
func normalize(value any) (any, error) {
	if value == nil {
		return nil, nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("value is not serializable: %w", err)
	}

	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to normalize value: %w", err)
	}
	return out, nil
}

// Equal выполняет глубокое структурное сравнение двух значений.
// Сравнение идет по канонической JSON-форме: ключи карт сериализуются
// отсортированными, поэтому равенство детерминировано.
func Equal(a, b any) bool {
	aJSON, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bJSON, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(aJSON, bJSON)
}

// mergeValues выполняет структурное слияние local и remote.
// Возвращает (значение, merged): merged=false означает, что слияние
// неприменимо (несовместимые типы или примитивы) и вызывающий должен
// применить fallback-правило.
func mergeValues(local, remote any) (any, bool, error) {
	local, err := normalize(local)
	if err != nil {
		return nil, false, err
	}
	remote, err = normalize(remote)
	if err != nil {
		return nil, false, err
	}

	// Если одна из сторон пуста - возвращаем другую
	if local == nil {
		return remote, true, nil
	}
	if remote == nil {
		return local, true, nil
	}

	// Идентичные значения сливать нечего
	if Equal(local, remote) {
		return local, true, nil
	}

	localArr, localIsArr := local.([]any)
	remoteArr, remoteIsArr := remote.([]any)
	if localIsArr && remoteIsArr {
		return mergeArrays(localArr, remoteArr), true, nil
	}

	localMap, localIsMap := local.(map[string]any)
	remoteMap, remoteIsMap := remote.(map[string]any)
	if localIsMap && remoteIsMap {
		return mergeMaps(localMap, remoteMap), true, nil
	}

	// Несовместимые типы или примитивы: слияние неприменимо
	return nil, false, nil
}

// mergeArrays конкатенирует массивы с дедупликацией по структурному
// равенству: сначала локальные элементы в исходном порядке, затем
// удаленные, которых еще нет
func mergeArrays(local, remote []any) []any {
	merged := make([]any, 0, len(local)+len(remote))
	merged = append(merged, local...)

	for _, item := range remote {
		present := false
		for _, existing := range merged {
			if Equal(existing, item) {
				present = true
				break
			}
		}
		if !present {
			merged = append(merged, item)
		}
	}

	return merged
}

// mergeMaps рекурсивно сливает карты; на листовых конфликтах побеждает remote
func mergeMaps(local, remote map[string]any) map[string]any {
	merged := make(map[string]any, len(local)+len(remote))
	for k, v := range local {
		merged[k] = v
	}

	for k, remoteVal := range remote {
		localVal, exists := merged[k]
		if !exists {
			merged[k] = remoteVal
			continue
		}

		localMap, localIsMap := localVal.(map[string]any)
		remoteMap, remoteIsMap := remoteVal.(map[string]any)
		if localIsMap && remoteIsMap {
			merged[k] = mergeMaps(localMap, remoteMap)
			continue
		}

		merged[k] = remoteVal
	}

	return merged
}

// Classify определяет тип конфликта двух версий одного ключа:
// смена JSON-вида значения - schema_change, разные версии - version_mismatch,
// одинаковые версии с разными значениями - concurrent_update
func Classify(local, remote *models.StorageItem) models.ConflictType {
	localVal, localErr := normalize(local.Value)
	remoteVal, remoteErr := normalize(remote.Value)
	if localErr == nil && remoteErr == nil && !sameKind(localVal, remoteVal) {
		return models.ConflictSchemaChange
	}
	if local.Version != remote.Version {
		return models.ConflictVersionMismatch
	}
	return models.ConflictConcurrentUpdate
}

// isObject сообщает, является ли значение JSON-объектом
func isObject(value any) bool {
	_, ok := value.(map[string]any)
	return ok
}

// sameKind сообщает, относятся ли значения к одному JSON-виду
// (объект, массив, строка, число, булево, null)
func sameKind(a, b any) bool {
	return kindOf(a) == kindOf(b)
}

func kindOf(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return "number"
	default:
		return "unknown"
	}
}
