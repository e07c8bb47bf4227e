package model

import (
	"encoding/json"
	"sort"
)

// OrderedMap is a map that keeps its keys in sorted order, used for
// card_id -> Card so that replay and JSON serialization are deterministic
// regardless of Go's randomized native map iteration order.
type OrderedMap[K interface {
	comparable
	String() string
}, V any] struct {
	data map[K]V
	keys []K
}

func NewOrderedMap[K interface {
	comparable
	String() string
}, V any]() *OrderedMap[K, V] {
	return &OrderedMap[K, V]{data: make(map[K]V)}
}

func (m *OrderedMap[K, V]) Set(key K, val V) {
	if _, exists := m.data[key]; !exists {
		m.keys = append(m.keys, key)
		m.sortKeys()
	}
	m.data[key] = val
}

func (m *OrderedMap[K, V]) Get(key K) (V, bool) {
	v, ok := m.data[key]
	return v, ok
}

func (m *OrderedMap[K, V]) Delete(key K) {
	if _, exists := m.data[key]; !exists {
		return
	}
	delete(m.data, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

func (m *OrderedMap[K, V]) Len() int { return len(m.data) }

func (m *OrderedMap[K, V]) Keys() []K {
	result := make([]K, len(m.keys))
	copy(result, m.keys)
	return result
}

func (m *OrderedMap[K, V]) Values() []V {
	result := make([]V, 0, len(m.keys))
	for _, k := range m.keys {
		result = append(result, m.data[k])
	}
	return result
}

// Range visits entries in sorted key order; returning false stops early.
func (m *OrderedMap[K, V]) Range(fn func(K, V) bool) {
	for _, k := range m.keys {
		if !fn(k, m.data[k]) {
			break
		}
	}
}

func (m *OrderedMap[K, V]) Clone() *OrderedMap[K, V] {
	c := NewOrderedMap[K, V]()
	for _, k := range m.keys {
		c.Set(k, m.data[k])
	}
	return c
}

func (m *OrderedMap[K, V]) sortKeys() {
	sort.Slice(m.keys, func(i, j int) bool {
		return m.keys[i].String() < m.keys[j].String()
	})
}

func (m *OrderedMap[K, V]) MarshalJSON() ([]byte, error) {
	type entry struct {
		Key string
		Val V
	}
	entries := make([]entry, 0, len(m.keys))
	for _, k := range m.keys {
		entries = append(entries, entry{Key: k.String(), Val: m.data[k]})
	}
	buf := []byte{'{'}
	for i, e := range entries {
		if i > 0 {
			buf = append(buf, ',')
		}
		keyJSON, err := json.Marshal(e.Key)
		if err != nil {
			return nil, err
		}
		valJSON, err := json.Marshal(e.Val)
		if err != nil {
			return nil, err
		}
		buf = append(buf, keyJSON...)
		buf = append(buf, ':')
		buf = append(buf, valJSON...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// UnmarshalJSON is not implemented generically: K's parsing (e.g. ULID)
// depends on the concrete key type. Callers unmarshal into map[string]V
// and rebuild the OrderedMap themselves.
