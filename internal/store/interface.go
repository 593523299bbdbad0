package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// Key identifies one computation: symbol + timeframe + indicator (the
// indicator name embeds its parameter set, e.g. "macd_12_26_9").
type Key struct {
	Symbol    string
	Timeframe string
	Indicator string
}

func (k Key) String() string {
	return k.Symbol + "/" + k.Timeframe + "/" + k.Indicator
}

// Row is one output field bound for storage. A null Value records "no value
// yet" for the bar.
type Row struct {
	Key     Key
	Field   string
	BarTime int64
	Value   decimal.NullDecimal
}

// Checkpoint is the resume record for a key.
type Checkpoint struct {
	LastTime int64
	State    json.RawMessage
}

// KeyStatus summarizes stored progress for a key.
type KeyStatus struct {
	FirstTime  int64
	LastTime   int64
	ValuedBars int64
}

// ErrNotFound is returned when no checkpoint exists for a key.
var ErrNotFound = errors.New("store: not found")

// ErrTransient tags storage failures worth retrying (lock contention,
// busy timeouts). Everything else is permanent.
var (
	ErrTransient = errors.New("store: transient error")
	ErrPermanent = errors.New("store: permanent error")
)

// Store persists indicator rows and checkpoints. CommitBatch is the only
// write path for batch results: rows and the checkpoint advance together or
// not at all.
type Store interface {
	// Migrate applies the schema. Idempotent; runs once before any batch.
	Migrate(ctx context.Context) error

	GetCheckpoint(ctx context.Context, key Key) (Checkpoint, error)
	// ResetCheckpoint discards a key's checkpoint (operator force-reload).
	ResetCheckpoint(ctx context.Context, key Key) error

	CommitBatch(ctx context.Context, key Key, rows []Row, cp Checkpoint) error

	KeyStatus(ctx context.Context, key Key) (KeyStatus, error)
	// LatestRows returns every stored field at the key's newest bar time,
	// or an empty slice when nothing is stored yet.
	LatestRows(ctx context.Context, key Key) ([]Row, error)

	Close() error
}

// IsTransient reports whether an error is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Classify tags a raw storage error as transient or permanent. SQLite
// signals contention through busy/locked diagnostics; those heal on retry.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, ErrPermanent) {
		return err
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "table is locked") ||
		strings.Contains(msg, "busy") {
		return errors.Join(ErrTransient, err)
	}
	return errors.Join(ErrPermanent, err)
}
