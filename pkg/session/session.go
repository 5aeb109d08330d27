// Package session owns the shared-adventure lifecycle: session records,
// membership sets, and the per-session event log. The coordinator is the only
// writer of session state; the narrator only reads it.
package session

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/wyldmark/fable/pkg/errmodel"
	"github.com/wyldmark/fable/pkg/gamestore"
	"github.com/wyldmark/fable/pkg/retry"
)

// Session status values.
const (
	StatusInitializing = "initializing"
	StatusActive       = "active"
	StatusEnded        = "ended"
)

// Key layout for one session's records. The wildcard scan in ListActive
// depends on this shape.
func StateKey(id string) string   { return "game:" + id + ":state" }
func EventsKey(id string) string  { return "game:" + id + ":events" }
func PlayersKey(id string) string { return "game:" + id + ":players" }

// UpdatesChannel is the pub/sub channel narration is published on.
func UpdatesChannel(id string) string { return "game:" + id + ":updates" }

// Info is the externally visible summary of a session.
type Info struct {
	SessionID    string `json:"sessionId"`
	Status       string `json:"status"`
	PlayerCount  int64  `json:"playerCount"`
	CreatedAt    int64  `json:"createdAt"`
	LastActivity int64  `json:"lastActivity"`
}

// Coordinator manages session lifecycle and membership against a store.
// All state writes go through the retry policy; reads used for presence
// checks do not mask absence as an error.
type Coordinator struct {
	store     gamestore.Store
	retryOpts []retry.Option
	teardown  func(sessionID string)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRetryOptions overrides the retry policy for store writes. Tests use
// this to collapse backoff delays.
func WithRetryOptions(opts ...retry.Option) Option {
	return func(c *Coordinator) { c.retryOpts = opts }
}

// WithTeardown installs a hook invoked after a successful delete, so the
// broadcast layer can drop the session's subscription.
func WithTeardown(fn func(sessionID string)) Option {
	return func(c *Coordinator) { c.teardown = fn }
}

// New returns a Coordinator over store.
func New(store gamestore.Store, opts ...Option) *Coordinator {
	c := &Coordinator{store: store}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Create makes a new active session and returns its id: a short opaque token,
// collision-resistant at this corpus size.
func (c *Coordinator) Create(ctx context.Context) (string, error) {
	id := newSessionID()
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	err := retry.Do(ctx, "create game session", func(ctx context.Context) error {
		return c.store.HSet(ctx, StateKey(id), map[string]string{
			"status":        StatusActive,
			"created_at":    now,
			"last_activity": now,
		})
	}, c.retryOpts...)
	if err != nil {
		return "", err
	}
	log.WithField("session", id).Info("created game session")
	return id, nil
}

// Join adds playerID to the session's membership set and bumps last_activity.
// Returns (false, nil) when the session is missing or ended; joining is a set
// union, so re-joining an existing member is a no-op.
func (c *Coordinator) Join(ctx context.Context, sessionID, playerID string) (bool, error) {
	state, err := c.store.HGetAll(ctx, StateKey(sessionID))
	if err != nil {
		return false, errmodel.StoreUnavailable("read session state", err)
	}
	status := state["status"]
	if status == "" || status == StatusEnded {
		return false, nil
	}
	err = retry.Do(ctx, "join session", func(ctx context.Context) error {
		if err := c.store.SAdd(ctx, PlayersKey(sessionID), playerID); err != nil {
			return err
		}
		return c.touch(ctx, sessionID)
	}, c.retryOpts...)
	if err != nil {
		return false, err
	}
	log.WithFields(log.Fields{"session": sessionID, "player": playerID}).Info("player joined")
	return true, nil
}

// Leave removes playerID from the membership set. Best-effort: disconnect
// handlers call this and must not block on store trouble, so failures are
// logged and swallowed.
func (c *Coordinator) Leave(ctx context.Context, sessionID, playerID string) {
	if err := c.store.SRem(ctx, PlayersKey(sessionID), playerID); err != nil {
		log.WithFields(log.Fields{"session": sessionID, "player": playerID}).
			WithError(err).Warn("leave session failed")
		return
	}
	if err := c.touch(ctx, sessionID); err != nil {
		log.WithField("session", sessionID).WithError(err).Warn("activity bump failed")
	}
	log.WithFields(log.Fields{"session": sessionID, "player": playerID}).Info("player left")
}

// Delete removes the session's state, log, and membership records and tears
// down any active subscription. Returns (false, nil) for an unknown id.
// Safe to race with an in-flight command: once this returns, joins and
// commands for the id see "session not found".
func (c *Coordinator) Delete(ctx context.Context, sessionID string) (bool, error) {
	state, err := c.store.HGetAll(ctx, StateKey(sessionID))
	if err != nil {
		return false, errmodel.StoreUnavailable("read session state", err)
	}
	if state["status"] == "" {
		return false, nil
	}
	err = retry.Do(ctx, "delete session", func(ctx context.Context) error {
		return c.store.Delete(ctx, StateKey(sessionID), EventsKey(sessionID), PlayersKey(sessionID))
	}, c.retryOpts...)
	if err != nil {
		return false, err
	}
	if c.teardown != nil {
		c.teardown(sessionID)
	}
	log.WithField("session", sessionID).Info("deleted game session")
	return true, nil
}

// ListActive scans session-state keys, keeps active/initializing sessions,
// and sorts by last activity, most recent first. Discovery degrades
// gracefully: any scan failure yields an empty list, never an error.
func (c *Coordinator) ListActive(ctx context.Context) []Info {
	keys, err := c.store.Keys(ctx, "game:*:state")
	if err != nil {
		log.WithError(err).Warn("session scan failed")
		return []Info{}
	}
	sessions := make([]Info, 0, len(keys))
	for _, key := range keys {
		parts := strings.Split(key, ":")
		if len(parts) != 3 {
			continue
		}
		id := parts[1]
		state, err := c.store.HGetAll(ctx, key)
		if err != nil {
			log.WithField("session", id).WithError(err).Warn("session state read failed")
			return []Info{}
		}
		status := state["status"]
		if status != StatusActive && status != StatusInitializing {
			continue
		}
		count, err := c.store.SCard(ctx, PlayersKey(id))
		if err != nil {
			log.WithField("session", id).WithError(err).Warn("player count read failed")
			return []Info{}
		}
		sessions = append(sessions, Info{
			SessionID:    id,
			Status:       status,
			PlayerCount:  count,
			CreatedAt:    parseMillis(state["created_at"]),
			LastActivity: parseMillis(state["last_activity"]),
		})
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastActivity > sessions[j].LastActivity
	})
	return sessions
}

// Details returns a session summary, (nil, nil) when the session does not
// exist, and a non-nil error on store failure so callers can tell absence
// from trouble.
func (c *Coordinator) Details(ctx context.Context, sessionID string) (*Info, error) {
	state, err := c.store.HGetAll(ctx, StateKey(sessionID))
	if err != nil {
		return nil, errmodel.StoreUnavailable("read session state", err)
	}
	status := state["status"]
	if status == "" {
		return nil, nil
	}
	count, err := c.store.SCard(ctx, PlayersKey(sessionID))
	if err != nil {
		return nil, errmodel.StoreUnavailable("read player count", err)
	}
	return &Info{
		SessionID:    sessionID,
		Status:       status,
		PlayerCount:  count,
		CreatedAt:    parseMillis(state["created_at"]),
		LastActivity: parseMillis(state["last_activity"]),
	}, nil
}

func (c *Coordinator) touch(ctx context.Context, sessionID string) error {
	return c.store.HSet(ctx, StateKey(sessionID), map[string]string{
		"last_activity": strconv.FormatInt(time.Now().UnixMilli(), 10),
	})
}

func newSessionID() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return raw[:10]
}

func parseMillis(s string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
