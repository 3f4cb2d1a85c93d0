// Package audit owns the append-only audit lists and the strict schemas used
// to read them back.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/developingchet/immune-gate/internal/storage"
	"github.com/rs/zerolog"
)

// SchemaVersion is written on every entry; entries with any other version are
// rejected at the read boundary.
const SchemaVersion = 1

// ErrCorrupt wraps every decode failure.
var ErrCorrupt = errors.New("audit: corrupt entry")

type envelope struct {
	Kind Kind            `json:"kind"`
	V    int             `json:"v"`
	Data json.RawMessage `json:"data"`
}

// Encode wraps rec in its tagged envelope.
func Encode(rec Record) ([]byte, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", rec.Kind(), err)
	}
	return json.Marshal(envelope{Kind: rec.Kind(), V: SchemaVersion, Data: data})
}

// Decode parses raw into T, rejecting unknown fields, a kind other than T's,
// an unknown schema version, and records that fail validation.
func Decode[T Record](raw []byte) (T, error) {
	var zero T

	var env envelope
	if err := strictUnmarshal(raw, &env); err != nil {
		return zero, fmt.Errorf("%w: envelope: %v", ErrCorrupt, err)
	}
	if env.V != SchemaVersion {
		return zero, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, env.V)
	}
	if env.Kind != zero.Kind() {
		return zero, fmt.Errorf("%w: kind %q, want %q", ErrCorrupt, env.Kind, zero.Kind())
	}
	if len(env.Data) == 0 {
		return zero, fmt.Errorf("%w: missing data", ErrCorrupt)
	}

	var rec T
	if err := strictUnmarshal(env.Data, &rec); err != nil {
		return zero, fmt.Errorf("%w: %s: %v", ErrCorrupt, env.Kind, err)
	}
	if err := rec.Validate(); err != nil {
		return zero, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return rec, nil
}

func strictUnmarshal(raw []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data")
	}
	return nil
}

// ListFor returns the audit list a record kind is written to.
func ListFor(k Kind) string {
	switch k {
	case KindBan:
		return storage.ListBans
	case KindBypass:
		return storage.ListBypasses
	case KindThreat:
		return storage.ListThreats
	case KindPow:
		return storage.ListPow
	default:
		return storage.ListAdmin
	}
}

// Log appends records to their capped lists.
type Log struct {
	store      storage.Store
	keys       storage.Keys
	maxEntries int64
	log        zerolog.Logger
}

// NewLog returns a Log that keeps at most maxEntries per list.
func NewLog(store storage.Store, keys storage.Keys, maxEntries int, log zerolog.Logger) *Log {
	if maxEntries < 1 {
		maxEntries = 1000
	}
	return &Log{store: store, keys: keys, maxEntries: int64(maxEntries), log: log}
}

// Append validates, encodes and pushes rec, trimming the list to its cap.
func (l *Log) Append(ctx context.Context, rec Record) error {
	raw, err := Encode(rec)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	list := ListFor(rec.Kind())
	if err := l.store.LPushTrim(ctx, l.keys.Audit(list), string(raw), l.maxEntries); err != nil {
		return fmt.Errorf("append to audit list %s: %w", list, err)
	}
	return nil
}

// Record appends rec and logs, rather than returns, any failure. Used on
// request paths where an audit write must not change the response.
func (l *Log) Record(ctx context.Context, rec Record) {
	if err := l.Append(ctx, rec); err != nil {
		l.log.Error().Err(err).Str("kind", string(rec.Kind())).Msg("audit write failed")
	}
}
