package admission

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/developingchet/immune-gate/internal/storage"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// FlagParanoia lowers both classifier thresholds when set.
const FlagParanoia = "paranoiaMode"

// KnownFlags lists every SystemConfig flag the gate understands.
var KnownFlags = []string{FlagParanoia}

// ErrUnknownFlag is returned for flag names outside KnownFlags.
var ErrUnknownFlag = errors.New("admission: unknown config flag")

func knownFlag(name string) bool {
	for _, f := range KnownFlags {
		if f == name {
			return true
		}
	}
	return false
}

// Flags reads SystemConfig flags through a short-lived local cache.
// Concurrent misses for the same flag share one store read.
type Flags struct {
	store storage.Store
	keys  storage.Keys
	cache *expirable.LRU[string, bool]
	group singleflight.Group
}

// NewFlags returns a Flags reader. ttl <= 0 disables caching.
func NewFlags(store storage.Store, keys storage.Keys, ttl time.Duration) *Flags {
	f := &Flags{store: store, keys: keys}
	if ttl > 0 {
		f.cache = expirable.NewLRU[string, bool](len(KnownFlags)*2, nil, ttl)
	}
	return f
}

// Get returns the flag value. Unset flags read as false.
func (f *Flags) Get(ctx context.Context, flag string) (bool, error) {
	if !knownFlag(flag) {
		return false, fmt.Errorf("%w: %q", ErrUnknownFlag, flag)
	}
	if f.cache != nil {
		if v, ok := f.cache.Get(flag); ok {
			return v, nil
		}
	}
	v, err, _ := f.group.Do(flag, func() (interface{}, error) {
		raw, err := f.store.Get(ctx, f.keys.Config(flag))
		if errors.Is(err, storage.ErrNotFound) {
			raw = "false"
		} else if err != nil {
			return false, fmt.Errorf("read flag %s: %w", flag, err)
		}
		b, perr := strconv.ParseBool(raw)
		if perr != nil {
			b = false
		}
		if f.cache != nil {
			f.cache.Add(flag, b)
		}
		return b, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// Set writes the flag and drops the local cached value.
func (f *Flags) Set(ctx context.Context, flag string, value bool) error {
	if !knownFlag(flag) {
		return fmt.Errorf("%w: %q", ErrUnknownFlag, flag)
	}
	if err := f.store.Set(ctx, f.keys.Config(flag), strconv.FormatBool(value), 0); err != nil {
		return fmt.Errorf("write flag %s: %w", flag, err)
	}
	f.Invalidate(flag)
	return nil
}

// Invalidate drops flag from the local cache.
func (f *Flags) Invalidate(flag string) {
	if f.cache != nil {
		f.cache.Remove(flag)
	}
}

// All returns every known flag.
func (f *Flags) All(ctx context.Context) (map[string]bool, error) {
	out := make(map[string]bool, len(KnownFlags))
	for _, name := range KnownFlags {
		v, err := f.Get(ctx, name)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}
