package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

const (
	backendBolt = "bbolt"
	bucketKV    = "kv"
)

const (
	kindString uint8 = iota + 1
	kindCounter
	kindList
	kindZSet
)

// item is the msgpack envelope stored under every key.
type item struct {
	Kind      uint8              `msgpack:"k"`
	Str       string             `msgpack:"s,omitempty"`
	Int       int64              `msgpack:"i,omitempty"`
	List      []string           `msgpack:"l,omitempty"`
	ZSet      map[string]float64 `msgpack:"z,omitempty"`
	ExpiresAt int64              `msgpack:"e,omitempty"` // unix nano, 0 = never
}

func (it *item) expired(now time.Time) bool {
	return it.ExpiresAt != 0 && now.UnixNano() >= it.ExpiresAt
}

// BoltStore implements Store on a local bbolt file. bbolt serialises write
// transactions, which gives every operation the required atomicity within a
// single process. Expiry is enforced on read; PruneExpired reclaims space.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// BoltOption customises a BoltStore.
type BoltOption func(*BoltStore)

// WithClock overrides the time source used for TTL bookkeeping.
func WithClock(now func() time.Time) BoltOption {
	return func(s *BoltStore) { s.now = now }
}

// NewBoltStore opens (or creates) a bbolt database at dataDir/immune-gate.db.
func NewBoltStore(dataDir string, opts ...BoltOption) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "immune-gate.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt at %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketKV))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bucket %s: %w", bucketKV, err)
	}
	s := &BoltStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ---- envelope helpers ------------------------------------------------------

// load returns the live item at key, or nil when absent or expired.
func (s *BoltStore) load(b *bolt.Bucket, key string) (*item, error) {
	raw := b.Get([]byte(key))
	if raw == nil {
		return nil, nil
	}
	var it item
	if err := msgpack.Unmarshal(raw, &it); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	if it.expired(s.now()) {
		return nil, nil
	}
	return &it, nil
}

func (s *BoltStore) save(b *bolt.Bucket, key string, it *item) error {
	data, err := msgpack.Marshal(it)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return b.Put([]byte(key), data)
}

func (s *BoltStore) expiry(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return s.now().Add(ttl).UnixNano()
}

func (s *BoltStore) view(op string, fn func(b *bolt.Bucket) error) (err error) {
	defer func(start time.Time) { observe(backendBolt, op, start, err) }(time.Now())
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(tx.Bucket([]byte(bucketKV)))
	})
}

func (s *BoltStore) update(op string, fn func(b *bolt.Bucket) error) (err error) {
	defer func(start time.Time) { observe(backendBolt, op, start, err) }(time.Now())
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(tx.Bucket([]byte(bucketKV)))
	})
}

func stringValue(it *item) (string, error) {
	switch it.Kind {
	case kindString:
		return it.Str, nil
	case kindCounter:
		return strconv.FormatInt(it.Int, 10), nil
	default:
		return "", ErrWrongType
	}
}

// ---- key/value -------------------------------------------------------------

func (s *BoltStore) Get(_ context.Context, key string) (string, error) {
	var val string
	err := s.view("get", func(b *bolt.Bucket) error {
		it, err := s.load(b, key)
		if err != nil {
			return err
		}
		if it == nil {
			return ErrNotFound
		}
		val, err = stringValue(it)
		return err
	})
	return val, err
}

func (s *BoltStore) MGet(_ context.Context, keys ...string) ([]string, error) {
	out := make([]string, len(keys))
	err := s.view("mget", func(b *bolt.Bucket) error {
		for i, key := range keys {
			it, err := s.load(b, key)
			if err != nil || it == nil {
				continue
			}
			if v, err := stringValue(it); err == nil {
				out[i] = v
			}
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	return s.update("set", func(b *bolt.Bucket) error {
		return s.save(b, key, &item{Kind: kindString, Str: value, ExpiresAt: s.expiry(ttl)})
	})
}

func (s *BoltStore) Exists(_ context.Context, key string) (bool, error) {
	var ok bool
	err := s.view("exists", func(b *bolt.Bucket) error {
		it, err := s.load(b, key)
		ok = it != nil
		return err
	})
	return ok, err
}

func (s *BoltStore) Del(_ context.Context, keys ...string) (int64, error) {
	var n int64
	err := s.update("del", func(b *bolt.Bucket) error {
		for _, key := range keys {
			it, err := s.load(b, key)
			if err != nil {
				return err
			}
			if it != nil {
				n++
			}
			if err := b.Delete([]byte(key)); err != nil {
				return err
			}
		}
		return nil
	})
	return n, err
}

func (s *BoltStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	var (
		count     int64
		remaining time.Duration
	)
	err := s.update("incr", func(b *bolt.Bucket) error {
		it, err := s.load(b, key)
		if err != nil {
			return err
		}
		if it == nil {
			it = &item{Kind: kindCounter, ExpiresAt: s.expiry(ttl)}
		}
		switch it.Kind {
		case kindCounter:
		case kindString:
			n, err := strconv.ParseInt(it.Str, 10, 64)
			if err != nil {
				return ErrWrongType
			}
			it = &item{Kind: kindCounter, Int: n, ExpiresAt: it.ExpiresAt}
		default:
			return ErrWrongType
		}
		it.Int++
		count = it.Int
		if it.ExpiresAt != 0 {
			remaining = time.Duration(it.ExpiresAt - s.now().UnixNano())
		}
		return s.save(b, key, it)
	})
	return count, remaining, err
}

// ---- lists -----------------------------------------------------------------

func (s *BoltStore) LPushTrim(_ context.Context, key, value string, maxLen int64) error {
	return s.update("lpush", func(b *bolt.Bucket) error {
		it, err := s.load(b, key)
		if err != nil {
			return err
		}
		if it == nil {
			it = &item{Kind: kindList}
		}
		if it.Kind != kindList {
			return ErrWrongType
		}
		list := make([]string, 0, len(it.List)+1)
		list = append(list, value)
		list = append(list, it.List...)
		if maxLen > 0 && int64(len(list)) > maxLen {
			list = list[:maxLen]
		}
		it.List = list
		return s.save(b, key, it)
	})
}

func (s *BoltStore) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	var out []string
	err := s.view("lrange", func(b *bolt.Bucket) error {
		it, err := s.load(b, key)
		if err != nil || it == nil {
			return err
		}
		if it.Kind != kindList {
			return ErrWrongType
		}
		lo, hi, ok := ListBounds(len(it.List), start, stop)
		if !ok {
			return nil
		}
		out = append([]string(nil), it.List[lo:hi]...)
		return nil
	})
	return out, err
}

func (s *BoltStore) LLen(_ context.Context, key string) (int64, error) {
	var n int64
	err := s.view("llen", func(b *bolt.Bucket) error {
		it, err := s.load(b, key)
		if err != nil || it == nil {
			return err
		}
		if it.Kind != kindList {
			return ErrWrongType
		}
		n = int64(len(it.List))
		return nil
	})
	return n, err
}

// ---- sorted sets -----------------------------------------------------------

func (s *BoltStore) loadZSet(b *bolt.Bucket, key string) (*item, error) {
	it, err := s.load(b, key)
	if err != nil {
		return nil, err
	}
	if it == nil {
		return &item{Kind: kindZSet, ZSet: map[string]float64{}}, nil
	}
	if it.Kind != kindZSet {
		return nil, ErrWrongType
	}
	if it.ZSet == nil {
		it.ZSet = map[string]float64{}
	}
	return it, nil
}

func (s *BoltStore) ZAdd(_ context.Context, key, member string, score float64) error {
	return s.update("zadd", func(b *bolt.Bucket) error {
		it, err := s.loadZSet(b, key)
		if err != nil {
			return err
		}
		it.ZSet[member] = score
		return s.save(b, key, it)
	})
}

func (s *BoltStore) ZRem(_ context.Context, key string, members ...string) error {
	return s.update("zrem", func(b *bolt.Bucket) error {
		it, err := s.loadZSet(b, key)
		if err != nil {
			return err
		}
		for _, m := range members {
			delete(it.ZSet, m)
		}
		return s.save(b, key, it)
	})
}

func (s *BoltStore) ZRangeByScore(_ context.Context, key string, min float64, limit int64) ([]string, error) {
	var out []string
	err := s.view("zrange", func(b *bolt.Bucket) error {
		it, err := s.loadZSet(b, key)
		if err != nil {
			return err
		}
		out = SortedMembers(it.ZSet, min, limit)
		return nil
	})
	return out, err
}

func (s *BoltStore) ZCount(_ context.Context, key string, min float64) (int64, error) {
	var n int64
	err := s.view("zcount", func(b *bolt.Bucket) error {
		it, err := s.loadZSet(b, key)
		if err != nil {
			return err
		}
		for _, score := range it.ZSet {
			if score >= min {
				n++
			}
		}
		return nil
	})
	return n, err
}

func (s *BoltStore) ZRemBelow(_ context.Context, key string, max float64) (int64, error) {
	var n int64
	err := s.update("zremrange", func(b *bolt.Bucket) error {
		it, err := s.loadZSet(b, key)
		if err != nil {
			return err
		}
		for m, score := range it.ZSet {
			if score < max {
				delete(it.ZSet, m)
				n++
			}
		}
		return s.save(b, key, it)
	})
	return n, err
}

// SortedMembers returns members with score >= min ordered by (score, member).
func SortedMembers(set map[string]float64, min float64, limit int64) []string {
	type pair struct {
		member string
		score  float64
	}
	pairs := make([]pair, 0, len(set))
	for m, score := range set {
		if score >= min {
			pairs = append(pairs, pair{m, score})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].score != pairs[j].score {
			return pairs[i].score < pairs[j].score
		}
		return pairs[i].member < pairs[j].member
	})
	if limit > 0 && int64(len(pairs)) > limit {
		pairs = pairs[:limit]
	}
	out := make([]string, len(pairs))
	for i, p := range pairs {
		out[i] = p.member
	}
	return out
}

// ---- maintenance -----------------------------------------------------------

// PruneExpired deletes every expired key and returns how many were removed.
func (s *BoltStore) PruneExpired(_ context.Context) (int, error) {
	now := s.now()
	var pruned int
	err := s.update("prune", func(b *bolt.Bucket) error {
		var toDelete [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			var it item
			if err := msgpack.Unmarshal(v, &it); err != nil {
				return nil // skip corrupt entries
			}
			if it.expired(now) {
				key := make([]byte, len(k))
				copy(key, k)
				toDelete = append(toDelete, key)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	return pruned, err
}

func (s *BoltStore) SizeBytes() (int64, error) {
	info, err := os.Stat(s.db.Path())
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *BoltStore) Ping(_ context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(bucketKV)) == nil {
			return fmt.Errorf("bucket %s missing", bucketKV)
		}
		return nil
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
