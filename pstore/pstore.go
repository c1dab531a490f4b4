// Package pstore provides the key-value abstraction that the pool's
// blacklist, cooldown, and stats tables are built on.
//
// The pool never knows whether a given table lives only in memory or is
// mirrored to a JSON file on disk: it only ever sees the Map/OrderedMap
// traits below. Mutations that reach a file-backed implementation are
// flushed synchronously, mirroring the auto-save dict contract the source
// system describes.
package pstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Map is a flushable key/value store keyed by proxy address. Values are
// opaque to the pool; callers marshal/unmarshal their own payload.
type Map interface {
	Get(key string) (value json.RawMessage, ok bool)
	Put(key string, value any) error
	Remove(key string)
	Keys() []string
	Len() int
	Flush() error
}

// OrderedMap is a Map that additionally preserves insertion order, as
// required for the blacklist table (§3: "insertion-ordered mapping"). A Put
// of an already-present key moves it to the end of the order (§6:
// "last-updated-to-end on re-insertion").
type OrderedMap interface {
	Map
}

// appendMovingToEnd returns order with key moved (or added) to the end,
// given the map it is keyed into (used to tell "already present" from
// "new").
func appendMovingToEnd(order []string, key string, values map[string]json.RawMessage) []string {
	if _, exists := values[key]; exists {
		for i, k := range order {
			if k == key {
				order = append(order[:i], order[i+1:]...)
				break
			}
		}
	}
	return append(order, key)
}

// MemoryMap is an in-process, non-persistent OrderedMap. Flush is a no-op.
type MemoryMap struct {
	mu     sync.Mutex
	order  []string
	values map[string]json.RawMessage
}

// NewMemoryMap returns an empty in-memory ordered map.
func NewMemoryMap() *MemoryMap {
	return &MemoryMap{values: make(map[string]json.RawMessage)}
}

var _ OrderedMap = (*MemoryMap)(nil)

func (m *MemoryMap) Get(key string) (json.RawMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *MemoryMap) Put(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("pstore: marshal value for %q: %w", key, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.order = appendMovingToEnd(m.order, key, m.values)
	m.values[key] = raw
	return nil
}

func (m *MemoryMap) Remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.values[key]; !exists {
		return
	}
	delete(m.values, key)
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

func (m *MemoryMap) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

func (m *MemoryMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}

func (m *MemoryMap) Flush() error { return nil }

// FileMap is a JSON-file-backed OrderedMap. Every mutation is flushed to
// disk immediately (the auto-save contract §9 describes), written via a
// temp-file-then-rename so a crash mid-write never corrupts the table.
type FileMap struct {
	mu     sync.Mutex
	path   string
	order  []string
	values map[string]json.RawMessage
}

// NewFileMap loads path if it exists (a JSON object of ordered keys is not
// representable by encoding/json's map type, so the file stores an array of
// {key, value} pairs) or starts empty if it does not.
func NewFileMap(path string) (*FileMap, error) {
	fm := &FileMap{
		path:   path,
		values: make(map[string]json.RawMessage),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fm, nil
		}
		return nil, fmt.Errorf("pstore: read %s: %w", path, err)
	}

	var entries []fileEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("pstore: parse %s: %w", path, err)
	}
	for _, e := range entries {
		if _, exists := fm.values[e.Key]; !exists {
			fm.order = append(fm.order, e.Key)
		}
		fm.values[e.Key] = e.Value
	}
	return fm, nil
}

type fileEntry struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

var _ OrderedMap = (*FileMap)(nil)

func (m *FileMap) Get(key string) (json.RawMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *FileMap) Put(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("pstore: marshal value for %q: %w", key, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.order = appendMovingToEnd(m.order, key, m.values)
	m.values[key] = raw
	return m.flushLocked()
}

func (m *FileMap) Remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.values[key]; !exists {
		return
	}
	delete(m.values, key)
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	_ = m.flushLocked()
}

func (m *FileMap) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

func (m *FileMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}

func (m *FileMap) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushLocked()
}

func (m *FileMap) flushLocked() error {
	entries := make([]fileEntry, 0, len(m.order))
	for _, k := range m.order {
		entries = append(entries, fileEntry{Key: k, Value: m.values[k]})
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("pstore: marshal %s: %w", m.path, err)
	}

	dir := filepath.Dir(m.path)
	tmp, err := os.CreateTemp(dir, ".pstore-*.tmp")
	if err != nil {
		return fmt.Errorf("pstore: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("pstore: write %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("pstore: close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, m.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("pstore: rename %s -> %s: %w", tmpName, m.path, err)
	}
	return nil
}
