// Package gamestore defines the storage protocol the fable core depends on:
// key/value records with key scans, hash field maps, sets, an append-only
// per-key event log, and per-channel publish/subscribe. Any backend offering
// these primitives is substitutable; implementations live in subpackages.
package gamestore

import (
	"context"
	"encoding/json"
	"time"
)

// ConnState is the connection lifecycle of a store backend.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateReady
	StateDegraded
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	default:
		return "disconnected"
	}
}

// LogEntry is one record in an append-only log. Seq is store-assigned,
// strictly increasing per log key, starting at 1.
type LogEntry struct {
	Seq       int64           `json:"seq"`
	PlayerID  string          `json:"player_id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Message is a single pub/sub delivery.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a live pub/sub channel membership. C is closed after Close.
type Subscription interface {
	C() <-chan Message
	Close() error
}

// KV provides plain key/value records and key scans.
// Pattern syntax for Keys follows path.Match ("game:*:state").
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	// Delete removes whatever record kind lives at each key (value, hash,
	// set, or log). Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, pattern string) ([]string, error)
}

// Hashes provides field-map records.
type Hashes interface {
	HSet(ctx context.Context, key string, fields map[string]string) error
	// HGetAll returns an empty map for a missing key.
	HGetAll(ctx context.Context, key string) (map[string]string, error)
}

// Sets provides unordered string-set records.
type Sets interface {
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int64, error)
}

// EventLog provides append-only ordered logs with full-range reads.
type EventLog interface {
	// Append assigns the next sequence for key and returns the stored entry.
	Append(ctx context.Context, key string, e LogEntry) (LogEntry, error)
	// Range returns all entries for key, oldest to newest.
	Range(ctx context.Context, key string) ([]LogEntry, error)
}

// PubSub provides per-channel fanout to all current subscribers.
type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Store aggregates every primitive the core needs, plus connection health.
type Store interface {
	KV
	Hashes
	Sets
	EventLog
	PubSub
	Status() ConnState
	Close() error
}
