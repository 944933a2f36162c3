package briefsync

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// RoutingMap holds the static canonical-key → file-key mapping. Entries come
// from configuration and, optionally, from a JSON file on disk that is hot
// reloaded so operators can map a new month without a redeploy.
type RoutingMap struct {
	mu      sync.RWMutex
	entries map[string]string
	path    string
	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once
}

func NewRoutingMap(initial map[string]string) *RoutingMap {
	entries := make(map[string]string, len(initial))
	for k, v := range initial {
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		if k == "" || v == "" {
			continue
		}
		entries[k] = v
	}
	return &RoutingMap{entries: entries, done: make(chan struct{})}
}

func (m *RoutingMap) Lookup(canonical string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v, ok := m.entries[canonical]; ok {
		return v, true
	}
	for k, v := range m.entries {
		if strings.EqualFold(k, canonical) {
			return v, true
		}
	}
	return "", false
}

func (m *RoutingMap) Snapshot() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.entries))
	for k, v := range m.entries {
		out[k] = v
	}
	return out
}

// Watch loads the mapping file and reloads it whenever it changes. File
// entries are merged over the initial entries; a broken file keeps the last
// good mapping.
func (m *RoutingMap) Watch(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return ErrInvalidInput
	}
	if err := m.loadFile(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory: editors replace files, which drops a watch on the
	// file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return err
	}
	m.mu.Lock()
	m.path = path
	m.watcher = watcher
	m.mu.Unlock()

	go func() {
		for {
			select {
			case <-m.done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if err := m.loadFile(path); err != nil {
					log.Printf("routing map reload failed for %s: %v", path, err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("routing map watcher error: %v", err)
			}
		}
	}()
	return nil
}

func (m *RoutingMap) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var fileEntries map[string]string
	if err := json.Unmarshal(data, &fileEntries); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range fileEntries {
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		if k == "" {
			continue
		}
		if v == "" {
			delete(m.entries, k)
			continue
		}
		m.entries[k] = v
	}
	return nil
}

func (m *RoutingMap) Close() error {
	var err error
	m.once.Do(func() {
		close(m.done)
		m.mu.Lock()
		watcher := m.watcher
		m.watcher = nil
		m.mu.Unlock()
		if watcher != nil {
			err = watcher.Close()
		}
	})
	return err
}
