package statemanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"

	"github.com/shelfapp/shelf/util"
)

const persistTimeout = 5 * time.Second

// Manager is a durable key/value store backed by a single JSON file. Every
// mutation is written through to disk before it returns, so a value observed by
// a reader has already survived a crash of the writing process.
//
// Several processes may share the file. Each operation holds an exclusive lock
// on a sibling .lock file and rereads the state before acting on it.
type Manager struct {
	mu sync.Mutex

	filePath string
	values   map[string]json.RawMessage
}

// New creates a new Manager instance. Call Load to read existing values.
func New(filePath string) *Manager {
	return &Manager{
		filePath: filePath,
		values:   make(map[string]json.RawMessage),
	}
}

// Load replaces the in-memory values with the content of the state file. A
// missing file yields an empty store. A corrupted file is moved aside and the
// store starts empty.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	release, err := m.begin()
	if err != nil {
		return err
	}
	defer release()

	log.Debugf("loaded states: %v", maps.Keys(m.values))
	return nil
}

// reload must be called with both locks held.
func (m *Manager) reload() error {
	data, err := os.ReadFile(m.filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Tracef("state file %s does not exist", m.filePath)
			clear(m.values)
			return nil
		}
		return fmt.Errorf("read state file: %w", err)
	}

	values := make(map[string]json.RawMessage)
	if len(data) != 0 {
		if err := json.Unmarshal(data, &values); err != nil {
			m.handleCorruptedState()
			clear(m.values)
			return nil
		}
	}

	m.values = values
	return nil
}

// begin takes the cross-process lock and rereads the state file, so the caller
// acts on what other processes persisted. mu must be held.
func (m *Manager) begin() (func(), error) {
	if err := os.MkdirAll(filepath.Dir(m.filePath), 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	f, err := os.OpenFile(m.filePath+".lock", os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open state lock: %w", err)
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("lock state file: %w", err)
	}

	release := func() {
		if err := unlockFile(f); err != nil {
			log.Debugf("failed to unlock state file: %v", err)
		}
		if err := f.Close(); err != nil {
			log.Debugf("failed to close state lock: %v", err)
		}
	}

	if err := m.reload(); err != nil {
		release()
		return nil, err
	}
	return release, nil
}

// view refreshes the values for a read. On failure the cached values are used.
func (m *Manager) view() {
	release, err := m.begin()
	if err != nil {
		log.Warnf("failed to refresh state, using cached values: %v", err)
		return
	}
	release()
}

// GetString returns the string stored under key.
func (m *Manager) GetString(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.view()
	return m.getString(key)
}

// PutString stores value under key and persists it.
func (m *Manager) PutString(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	release, err := m.begin()
	if err != nil {
		return err
	}
	defer release()

	return m.set(key, value)
}

// GetBool returns the bool stored under key, false when absent.
func (m *Manager) GetBool(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.view()
	raw, ok := m.values[key]
	if !ok {
		return false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		log.Warnf("state %s is not a bool: %v", key, err)
		return false
	}
	return b
}

// PutBool stores value under key and persists it.
func (m *Manager) PutBool(key string, value bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	release, err := m.begin()
	if err != nil {
		return err
	}
	defer release()

	return m.set(key, value)
}

// Remove deletes key. Removing an absent key is a no-op and does not touch the file.
func (m *Manager) Remove(keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	release, err := m.begin()
	if err != nil {
		return err
	}
	defer release()

	prev := make(map[string]json.RawMessage, len(keys))
	for _, key := range keys {
		if raw, ok := m.values[key]; ok {
			prev[key] = raw
			delete(m.values, key)
		}
	}
	if len(prev) == 0 {
		return nil
	}

	if err := m.persist(); err != nil {
		maps.Copy(m.values, prev)
		return err
	}
	return nil
}

// UpdateString runs a read-modify-write of a single string key while holding the
// store lock, atomic across processes sharing the file. fn receives the current value, nil when absent, and returns the
// new value; returning nil removes the key. Unchanged values are not rewritten.
func (m *Manager) UpdateString(key string, fn func(current *string) *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	release, err := m.begin()
	if err != nil {
		return err
	}
	defer release()

	var current *string
	if v, ok := m.getString(key); ok {
		current = &v
	}
	next := fn(current)

	switch {
	case next == nil && current == nil:
		return nil
	case next != nil && current != nil && *next == *current:
		return nil
	case next != nil:
		return m.set(key, *next)
	}

	raw, existed := m.values[key]
	delete(m.values, key)
	if err := m.persist(); err != nil {
		if existed {
			m.values[key] = raw
		}
		return err
	}
	return nil
}

// Keys returns the keys currently stored.
func (m *Manager) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.view()
	return maps.Keys(m.values)
}

func (m *Manager) getString(key string) (string, bool) {
	raw, ok := m.values[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		log.Warnf("state %s is not a string: %v", key, err)
		return "", false
	}
	return s, true
}

// set must be called with both locks held.
func (m *Manager) set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal state %s: %w", key, err)
	}

	prev, existed := m.values[key]
	m.values[key] = raw

	if err := m.persist(); err != nil {
		if existed {
			m.values[key] = prev
		} else {
			delete(m.values, key)
		}
		return err
	}
	return nil
}

// persist must be called with both locks held.
func (m *Manager) persist() error {
	bs, err := json.Marshal(m.values)
	if err != nil {
		return fmt.Errorf("marshal states: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	done := make(chan error, 1)
	start := time.Now()
	go func() {
		done <- util.WriteBytesWithRestrictedPermission(ctx, m.filePath, bs)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("persist state: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("persist state: %w", err)
		}
	}

	log.Tracef("persisted states, took %v", time.Since(start))
	return nil
}

// handleCorruptedState creates a backup of a corrupted state file by moving it
func (m *Manager) handleCorruptedState() {
	log.Warn("State file appears to be corrupted, attempting to back it up")

	backupPath := fmt.Sprintf("%s.corrupted.%d", m.filePath, time.Now().UnixNano())
	if err := os.Rename(m.filePath, backupPath); err != nil {
		log.Errorf("Failed to backup corrupted state file: %v", err)
		return
	}

	log.Infof("Created backup of corrupted state file at: %s", backupPath)
}
