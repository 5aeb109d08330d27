// Package memstore is an in-process gamestore.Store implementation intended
// for tests and single-node development. All primitives share one keyspace,
// so Delete on a key removes the record regardless of kind.
package memstore

import (
	"context"
	"errors"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/wyldmark/fable/pkg/gamestore"
)

// Store implements gamestore.Store with mutex-guarded maps and the shared
// in-process broker for pub/sub.
type Store struct {
	mu     sync.RWMutex
	values map[string]string
	hashes map[string]map[string]string
	sets   map[string]map[string]struct{}
	logs   map[string][]gamestore.LogEntry
	closed bool

	broker *gamestore.Broker
}

// New creates an empty store.
func New() *Store {
	return &Store{
		values: make(map[string]string),
		hashes: make(map[string]map[string]string),
		sets:   make(map[string]map[string]struct{}),
		logs:   make(map[string][]gamestore.LogEntry),
		broker: gamestore.NewBroker(),
	}
}

// Status reports ready until the store is closed.
func (s *Store) Status() gamestore.ConnState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return gamestore.StateDisconnected
	}
	return gamestore.StateReady
}

// Close drops all data and closes every live subscription.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.broker.Close()
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.values, k)
		delete(s.hashes, k)
		delete(s.sets, k)
		delete(s.logs, k)
	}
	return nil
}

// Keys scans every keyspace and returns keys matching the path.Match pattern.
func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	collect := func(k string) {
		if ok, err := path.Match(pattern, k); err == nil && ok {
			seen[k] = struct{}{}
		}
	}
	for k := range s.values {
		collect(k)
	}
	for k := range s.hashes {
		collect(k)
	}
	for k := range s.sets {
		collect(k)
	}
	for k := range s.logs {
		collect(k)
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string, len(fields))
		s.hashes[key] = h
	}
	for f, v := range fields {
		h[f] = v
	}
	return nil
}

func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.hashes[key]))
	for f, v := range s.hashes[key] {
		out[f] = v
	}
	return out, nil
}

func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{}, len(members))
		s.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.sets[key]
	for _, m := range members {
		delete(set, m)
	}
	if len(set) == 0 {
		delete(s.sets, key)
	}
	return nil
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.sets[key]))
	for m := range s.sets[key] {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) SCard(ctx context.Context, key string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.sets[key])), nil
}

func (s *Store) Append(ctx context.Context, key string, e gamestore.LogEntry) (gamestore.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return gamestore.LogEntry{}, errors.New("memstore: closed")
	}
	e.Seq = int64(len(s.logs[key])) + 1
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	s.logs[key] = append(s.logs[key], e)
	return e, nil
}

func (s *Store) Range(ctx context.Context, key string) ([]gamestore.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]gamestore.LogEntry, len(s.logs[key]))
	copy(out, s.logs[key])
	return out, nil
}

func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	return s.broker.Publish(ctx, channel, payload)
}

func (s *Store) Subscribe(ctx context.Context, channel string) (gamestore.Subscription, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, errors.New("memstore: closed")
	}
	return s.broker.Subscribe(ctx, channel)
}
