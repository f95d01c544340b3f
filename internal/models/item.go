package models

// StorageItem представляет один элемент локального хранилища вместе с
// метаданными синхронизации. Инвариант: Version монотонно не убывает для
// одного ключа, Timestamp отражает запись, породившую текущую версию.
type StorageItem struct {
	Metadata  map[string]any `json:"metadata,omitempty"`
	Key       string         `json:"key"`       // уникален в пределах namespace
	Value     any            `json:"value"`     // произвольное JSON-сериализуемое значение
	Version   int64          `json:"version"`   // монотонно растущая версия записи
	Timestamp int64          `json:"timestamp"` // epoch ms последней записи
	Size      int64          `json:"size"`      // размер сериализованного значения в байтах
	TTL       int64          `json:"ttl,omitempty"` // время жизни в ms, 0 = бессрочно
}

// Expired сообщает, истек ли TTL элемента на момент now (epoch ms).
// Элементы без TTL не истекают.
func (i *StorageItem) Expired(now int64) bool {
	if i.TTL <= 0 {
		return false
	}
	return now >= i.Timestamp+i.TTL
}

// Clone создает копию элемента с независимой картой метаданных.
// Value не копируется глубоко: значения считаются immutable после записи.
func (i *StorageItem) Clone() *StorageItem {
	clone := *i
	if i.Metadata != nil {
		clone.Metadata = make(map[string]any, len(i.Metadata))
		for k, v := range i.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

// NewerThan сравнивает элементы по timestamp записи.
// Возвращает true, если текущий элемент строго новее other.
func (i *StorageItem) NewerThan(other *StorageItem) bool {
	return i.Timestamp > other.Timestamp
}
