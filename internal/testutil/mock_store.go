package testutil

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/developingchet/immune-gate/internal/storage"
)

type entryKind int

const (
	kindString entryKind = iota
	kindList
	kindZSet
)

type entry struct {
	kind      entryKind
	str       string
	list      []string
	zset      map[string]float64
	expiresAt time.Time
}

// MockStore implements storage.Store with in-memory maps for testing.
// All methods are safe for concurrent use. Time is controlled by the test
// through Advance so TTL behaviour is deterministic.
type MockStore struct {
	mu   sync.Mutex
	data map[string]*entry
	now  time.Time

	// Error injection: method -> next error (consumed on first call)
	errors map[string]error
	// failAll, when set, is returned by every method until cleared.
	failAll error
	calls   map[string]int

	// SizeBytes value returned by SizeBytes()
	Size int64
}

// NewMockStore returns a zero-state MockStore whose clock starts at a fixed instant.
func NewMockStore() *MockStore {
	return &MockStore{
		data:   make(map[string]*entry),
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		errors: make(map[string]error),
		calls:  make(map[string]int),
		Size:   1024,
	}
}

// Now returns the store's current clock. Pass it to components under test so
// they share the store's notion of time.
func (m *MockStore) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward, expiring keys whose TTL has elapsed.
func (m *MockStore) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// SetError injects an error to be returned on the next call to the named method.
func (m *MockStore) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[method] = err
}

// FailAll makes every call return err until FailAll(nil) is called.
func (m *MockStore) FailAll(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAll = err
}

// Calls reports how many times the named method has been invoked.
func (m *MockStore) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// enter records the call and returns any injected error. Caller holds mu.
func (m *MockStore) enter(method string) error {
	m.calls[method]++
	if m.failAll != nil {
		return m.failAll
	}
	err := m.errors[method]
	delete(m.errors, method)
	return err
}

func (m *MockStore) live(key string) *entry {
	e, ok := m.data[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && !m.now.Before(e.expiresAt) {
		delete(m.data, key)
		return nil
	}
	return e
}

func (m *MockStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now.Add(ttl)
}

// --- key/value ---------------------------------------------------------------

func (m *MockStore) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Get"); err != nil {
		return "", err
	}
	e := m.live(key)
	if e == nil {
		return "", storage.ErrNotFound
	}
	if e.kind != kindString {
		return "", storage.ErrWrongType
	}
	return e.str, nil
}

func (m *MockStore) MGet(_ context.Context, keys ...string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("MGet"); err != nil {
		return nil, err
	}
	out := make([]string, len(keys))
	for i, k := range keys {
		if e := m.live(k); e != nil && e.kind == kindString {
			out[i] = e.str
		}
	}
	return out, nil
}

func (m *MockStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Set"); err != nil {
		return err
	}
	m.data[key] = &entry{kind: kindString, str: value, expiresAt: m.expiry(ttl)}
	return nil
}

func (m *MockStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Exists"); err != nil {
		return false, err
	}
	return m.live(key) != nil, nil
}

func (m *MockStore) Del(_ context.Context, keys ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Del"); err != nil {
		return 0, err
	}
	var n int64
	for _, k := range keys {
		if m.live(k) != nil {
			n++
			delete(m.data, k)
		}
	}
	return n, nil
}

func (m *MockStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Incr"); err != nil {
		return 0, 0, err
	}
	e := m.live(key)
	if e == nil {
		e = &entry{kind: kindString, str: "0", expiresAt: m.expiry(ttl)}
		m.data[key] = e
	}
	if e.kind != kindString {
		return 0, 0, storage.ErrWrongType
	}
	n, err := strconv.ParseInt(e.str, 10, 64)
	if err != nil {
		return 0, 0, storage.ErrWrongType
	}
	n++
	e.str = strconv.FormatInt(n, 10)
	var remaining time.Duration
	if !e.expiresAt.IsZero() {
		remaining = e.expiresAt.Sub(m.now)
	}
	return n, remaining, nil
}

// --- lists -------------------------------------------------------------------

func (m *MockStore) LPushTrim(_ context.Context, key, value string, maxLen int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("LPushTrim"); err != nil {
		return err
	}
	e := m.live(key)
	if e == nil {
		e = &entry{kind: kindList}
		m.data[key] = e
	}
	if e.kind != kindList {
		return storage.ErrWrongType
	}
	e.list = append([]string{value}, e.list...)
	if maxLen > 0 && int64(len(e.list)) > maxLen {
		e.list = e.list[:maxLen]
	}
	return nil
}

func (m *MockStore) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("LRange"); err != nil {
		return nil, err
	}
	e := m.live(key)
	if e == nil {
		return nil, nil
	}
	if e.kind != kindList {
		return nil, storage.ErrWrongType
	}
	lo, hi, ok := storage.ListBounds(len(e.list), start, stop)
	if !ok {
		return nil, nil
	}
	return append([]string(nil), e.list[lo:hi]...), nil
}

func (m *MockStore) LLen(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("LLen"); err != nil {
		return 0, err
	}
	e := m.live(key)
	if e == nil {
		return 0, nil
	}
	if e.kind != kindList {
		return 0, storage.ErrWrongType
	}
	return int64(len(e.list)), nil
}

// PushRaw prepends value to a list without validation, for seeding corrupt
// audit entries.
func (m *MockStore) PushRaw(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil {
		e = &entry{kind: kindList}
		m.data[key] = e
	}
	e.list = append([]string{value}, e.list...)
}

// --- sorted sets ---------------------------------------------------------------

func (m *MockStore) zset(key string) (*entry, error) {
	e := m.live(key)
	if e == nil {
		e = &entry{kind: kindZSet, zset: map[string]float64{}}
		m.data[key] = e
	}
	if e.kind != kindZSet {
		return nil, storage.ErrWrongType
	}
	return e, nil
}

func (m *MockStore) ZAdd(_ context.Context, key, member string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ZAdd"); err != nil {
		return err
	}
	e, err := m.zset(key)
	if err != nil {
		return err
	}
	e.zset[member] = score
	return nil
}

func (m *MockStore) ZRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ZRem"); err != nil {
		return err
	}
	e, err := m.zset(key)
	if err != nil {
		return err
	}
	for _, mem := range members {
		delete(e.zset, mem)
	}
	return nil
}

func (m *MockStore) ZRangeByScore(_ context.Context, key string, min float64, limit int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ZRangeByScore"); err != nil {
		return nil, err
	}
	e, err := m.zset(key)
	if err != nil {
		return nil, err
	}
	return storage.SortedMembers(e.zset, min, limit), nil
}

func (m *MockStore) ZCount(_ context.Context, key string, min float64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ZCount"); err != nil {
		return 0, err
	}
	e, err := m.zset(key)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, s := range e.zset {
		if s >= min {
			n++
		}
	}
	return n, nil
}

func (m *MockStore) ZRemBelow(_ context.Context, key string, max float64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ZRemBelow"); err != nil {
		return 0, err
	}
	e, err := m.zset(key)
	if err != nil {
		return 0, err
	}
	var n int64
	for mem, s := range e.zset {
		if s < max {
			delete(e.zset, mem)
			n++
		}
	}
	return n, nil
}

// --- lifecycle -----------------------------------------------------------------

func (m *MockStore) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enter("Ping")
}

func (m *MockStore) Close() error { return nil }

// PruneExpired implements storage.Maintainer.
func (m *MockStore) PruneExpired(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("PruneExpired"); err != nil {
		return 0, err
	}
	n := 0
	for k := range m.data {
		before := len(m.data)
		m.live(k)
		if len(m.data) < before {
			n++
		}
	}
	return n, nil
}

func (m *MockStore) SizeBytes() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("SizeBytes"); err != nil {
		return 0, err
	}
	return m.Size, nil
}

var (
	_ storage.Store      = (*MockStore)(nil)
	_ storage.Maintainer = (*MockStore)(nil)
)
