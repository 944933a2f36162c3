package briefsync

import (
	"sort"
	"strings"
	"sync"
)

// KV is the primitive surface both store backends implement: string blobs,
// sets, sorted sets, and lists. The job store is written against this
// interface only, so backend selection happens once at construction and
// never inside business logic. No cross-key transactions are offered;
// callers tolerate read-after-write races on secondary indexes.
type KV interface {
	Set(key, value string) error
	// SetNX writes only when the key is absent and reports whether the
	// write happened. It is the claim step that keeps concurrent enqueues
	// for one idempotency key from producing two jobs.
	SetNX(key, value string) (bool, error)
	Get(key string) (string, bool, error)
	Del(key string) error

	SAdd(key string, members ...string) error
	SRem(key string, members ...string) error
	SMembers(key string) ([]string, error)
	SCard(key string) (int, error)

	ZAdd(key string, score float64, member string) error
	ZRange(key string, start, stop int) ([]string, error)
	ZRem(key string, members ...string) error
	ZCard(key string) (int, error)

	LPush(key string, values ...string) error
	LTrim(key string, start, stop int) error
	LRange(key string, start, stop int) ([]string, error)

	Name() string
	Close() error
}

type scoredMember struct {
	member string
	score  float64
}

// MemoryKV is the in-process fallback backend. It is safe for concurrent use
// within one process and documented as a single-node degraded mode only.
type MemoryKV struct {
	mu      sync.RWMutex
	strings map[string]string
	sets    map[string]map[string]struct{}
	zsets   map[string]map[string]float64
	lists   map[string][]string
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{
		strings: map[string]string{},
		sets:    map[string]map[string]struct{}{},
		zsets:   map[string]map[string]float64{},
		lists:   map[string][]string{},
	}
}

// processKVRegistry pins shared MemoryKV instances to the process rather
// than to any one constructor call site, so a development-time reload of the
// serving layer does not lose queued jobs. Tests construct isolated
// instances with NewMemoryKV instead.
var processKVRegistry = struct {
	mu        sync.Mutex
	instances map[string]*MemoryKV
}{instances: map[string]*MemoryKV{}}

func ProcessMemoryKV(name string) *MemoryKV {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "default"
	}
	processKVRegistry.mu.Lock()
	defer processKVRegistry.mu.Unlock()
	if existing, ok := processKVRegistry.instances[name]; ok {
		return existing
	}
	instance := NewMemoryKV()
	processKVRegistry.instances[name] = instance
	return instance
}

func (m *MemoryKV) Name() string { return "memory" }

func (m *MemoryKV) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strings[key] = value
	return nil
}

func (m *MemoryKV) SetNX(key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.strings[key]; exists {
		return false, nil
	}
	m.strings[key] = value
	return true, nil
}

func (m *MemoryKV) Get(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.strings[key]
	return value, ok, nil
}

func (m *MemoryKV) Del(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.strings, key)
	delete(m.sets, key)
	delete(m.zsets, key)
	delete(m.lists, key)
	return nil
}

func (m *MemoryKV) SAdd(key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		set = map[string]struct{}{}
		m.sets[key] = set
	}
	for _, member := range members {
		set[member] = struct{}{}
	}
	return nil
}

func (m *MemoryKV) SRem(key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		return nil
	}
	for _, member := range members {
		delete(set, member)
	}
	return nil
}

func (m *MemoryKV) SMembers(key string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.sets[key]
	members := make([]string, 0, len(set))
	for member := range set {
		members = append(members, member)
	}
	sort.Strings(members)
	return members, nil
}

func (m *MemoryKV) SCard(key string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sets[key]), nil
}

func (m *MemoryKV) ZAdd(key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	zset, ok := m.zsets[key]
	if !ok {
		zset = map[string]float64{}
		m.zsets[key] = zset
	}
	zset[member] = score
	return nil
}

func (m *MemoryKV) ZRange(key string, start, stop int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	zset := m.zsets[key]
	ordered := make([]scoredMember, 0, len(zset))
	for member, score := range zset {
		ordered = append(ordered, scoredMember{member: member, score: score})
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].score == ordered[j].score {
			return ordered[i].member < ordered[j].member
		}
		return ordered[i].score < ordered[j].score
	})
	members := make([]string, len(ordered))
	for i, entry := range ordered {
		members[i] = entry.member
	}
	return sliceRange(members, start, stop), nil
}

func (m *MemoryKV) ZRem(key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	zset, ok := m.zsets[key]
	if !ok {
		return nil
	}
	for _, member := range members {
		delete(zset, member)
	}
	return nil
}

func (m *MemoryKV) ZCard(key string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.zsets[key]), nil
}

func (m *MemoryKV) LPush(key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.lists[key]
	for _, value := range values {
		list = append([]string{value}, list...)
	}
	m.lists[key] = list
	return nil
}

func (m *MemoryKV) LTrim(key string, start, stop int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = sliceRange(m.lists[key], start, stop)
	return nil
}

func (m *MemoryKV) LRange(key string, start, stop int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sliceRange(m.lists[key], start, stop), nil
}

func (m *MemoryKV) Close() error { return nil }

// sliceRange applies start/stop semantics shared by ZRange, LRange, and
// LTrim: stop is inclusive, negative indices count from the end.
func sliceRange(items []string, start, stop int) []string {
	n := len(items)
	if n == 0 {
		return []string{}
	}
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return []string{}
	}
	out := make([]string, stop-start+1)
	copy(out, items[start:stop+1])
	return out
}
