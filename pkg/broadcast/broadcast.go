// Package broadcast owns the per-session fanout of published updates to
// connected clients. It holds the process-wide registry of live
// subscriptions: at most one store subscription exists per session no matter
// how many clients join, so no client ever sees a duplicate delivery.
package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/wyldmark/fable/pkg/gamestore"
	"github.com/wyldmark/fable/pkg/session"
)

// Conn is one client's outbound half. Implementations must be safe for
// concurrent SendEvent calls.
type Conn interface {
	SendEvent(event string, data any) error
}

// ErrorEvent is sent to a session's clients when a published update cannot
// be parsed.
type ErrorEvent struct {
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

type sessionFanout struct {
	sub   gamestore.Subscription
	conns map[Conn]struct{}
}

// Hub is the broadcast registry. Construct with New and pass it where it is
// needed; it is not a package-level singleton.
type Hub struct {
	store gamestore.PubSub

	mu       sync.Mutex
	sessions map[string]*sessionFanout
	wg       sync.WaitGroup
}

// New returns an empty Hub over the store's pub/sub.
func New(store gamestore.PubSub) *Hub {
	return &Hub{store: store, sessions: make(map[string]*sessionFanout)}
}

// Attach registers conn for sessionID's updates. The first attach for a
// session establishes the store subscription; the check and the subscribe
// happen under one lock so concurrent joins cannot double-subscribe.
func (h *Hub) Attach(ctx context.Context, sessionID string, conn Conn) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	f, ok := h.sessions[sessionID]
	if !ok {
		sub, err := h.store.Subscribe(ctx, session.UpdatesChannel(sessionID))
		if err != nil {
			return err
		}
		f = &sessionFanout{sub: sub, conns: make(map[Conn]struct{})}
		h.sessions[sessionID] = f
		h.wg.Add(1)
		go h.dispatch(sessionID, sub)
		log.WithField("session", sessionID).Info("subscribed to session updates")
	}
	f.conns[conn] = struct{}{}
	return nil
}

// Detach removes conn from sessionID's fanout. The subscription stays alive
// until Teardown; a session with zero connections simply drops messages.
func (h *Hub) Detach(sessionID string, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if f, ok := h.sessions[sessionID]; ok {
		delete(f.conns, conn)
	}
}

// Teardown closes sessionID's subscription and clears its registry entry.
// Called on session delete; safe when no subscription exists.
func (h *Hub) Teardown(sessionID string) {
	h.mu.Lock()
	f, ok := h.sessions[sessionID]
	if ok {
		delete(h.sessions, sessionID)
	}
	h.mu.Unlock()
	if ok {
		_ = f.sub.Close()
		log.WithField("session", sessionID).Info("tore down session subscription")
	}
}

// CloseAll tears down every live subscription and waits for the dispatch
// loops to drain. Called on graceful shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	fans := make([]*sessionFanout, 0, len(h.sessions))
	for id, f := range h.sessions {
		fans = append(fans, f)
		delete(h.sessions, id)
	}
	h.mu.Unlock()
	for _, f := range fans {
		_ = f.sub.Close()
	}
	h.wg.Wait()
}

// Notify sends an event straight to sessionID's current connections,
// bypassing the store channel. except, when non-nil, is skipped; membership
// events go to everyone but the client that caused them.
func (h *Hub) Notify(sessionID, event string, data any, except Conn) {
	h.mu.Lock()
	f, ok := h.sessions[sessionID]
	var conns []Conn
	if ok {
		conns = make([]Conn, 0, len(f.conns))
		for c := range f.conns {
			if c == except {
				continue
			}
			conns = append(conns, c)
		}
	}
	h.mu.Unlock()
	for _, c := range conns {
		if err := c.SendEvent(event, data); err != nil {
			log.WithField("session", sessionID).WithError(err).Warn("client send failed")
		}
	}
}

// dispatch pumps one session's subscription to its current connections.
// Runs until the subscription channel closes.
func (h *Hub) dispatch(sessionID string, sub gamestore.Subscription) {
	defer h.wg.Done()
	for msg := range sub.C() {
		var update map[string]any
		if err := json.Unmarshal(msg.Payload, &update); err != nil {
			log.WithField("session", sessionID).WithError(err).Error("bad update payload")
			h.fanout(sessionID, "game:error", ErrorEvent{
				Message:   "Failed to process game update",
				Timestamp: time.Now().UnixMilli(),
			})
			continue
		}
		h.fanout(sessionID, "game:update", update)
	}
}

func (h *Hub) fanout(sessionID, event string, data any) {
	h.mu.Lock()
	f, ok := h.sessions[sessionID]
	var conns []Conn
	if ok {
		conns = make([]Conn, 0, len(f.conns))
		for c := range f.conns {
			conns = append(conns, c)
		}
	}
	h.mu.Unlock()
	for _, c := range conns {
		if err := c.SendEvent(event, data); err != nil {
			log.WithField("session", sessionID).WithError(err).Warn("client send failed")
		}
	}
}
