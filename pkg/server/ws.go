package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/wyldmark/fable/pkg/session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// clientEnvelope is an inbound websocket frame.
type clientEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// serverEnvelope is an outbound websocket frame.
type serverEnvelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type joinPayload struct {
	SessionID string `json:"sessionId"`
}

type commandPayload struct {
	Command string `json:"command"`
}

// wsConn is one client connection. Writes are serialized; the read loop is
// the only reader.
type wsConn struct {
	conn     *websocket.Conn
	playerID string
	writeMu  sync.Mutex

	sessionID string
}

// SendEvent implements broadcast.Conn.
func (c *wsConn) SendEvent(event string, data any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(serverEnvelope{Event: event, Data: data})
}

func (c *wsConn) sendError(message string) {
	_ = c.SendEvent("game:error", gin.H{
		"message":   message,
		"timestamp": time.Now().UnixMilli(),
	})
}

func (s *Server) handleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	client := &wsConn{conn: conn, playerID: uuid.NewString()}
	log.WithField("player", client.playerID).Info("client connected")

	defer func() {
		s.disconnect(client)
		_ = conn.Close()
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var envelope clientEnvelope
		if err := json.Unmarshal(payload, &envelope); err != nil {
			client.sendError("Malformed message")
			continue
		}
		switch envelope.Type {
		case "join":
			s.handleJoin(c.Request.Context(), client, envelope.Payload)
		case "command":
			s.handleCommand(c.Request.Context(), client, envelope.Payload)
		default:
			client.sendError("Unknown message type")
		}
	}
}

func (s *Server) handleJoin(ctx context.Context, client *wsConn, payload json.RawMessage) {
	var join joinPayload
	if err := json.Unmarshal(payload, &join); err != nil || join.SessionID == "" {
		client.sendError("Session ID is required")
		return
	}

	joined, err := s.sessions.Join(ctx, join.SessionID, client.playerID)
	if err != nil {
		log.WithField("session", join.SessionID).WithError(err).Error("join failed")
		client.sendError("Failed to join game session")
		return
	}
	if !joined {
		client.sendError("Session not found or inactive")
		return
	}

	if err := s.hub.Attach(ctx, join.SessionID, client); err != nil {
		log.WithField("session", join.SessionID).WithError(err).Error("subscription setup failed")
		client.sendError("Failed to setup game session")
		return
	}
	client.sessionID = join.SessionID

	_ = client.SendEvent("game:joined", gin.H{
		"sessionId": join.SessionID,
		"playerId":  client.playerID,
		"timestamp": time.Now().UnixMilli(),
	})
	s.hub.Notify(join.SessionID, "game:player_joined", gin.H{
		"playerId":  client.playerID,
		"sessionId": join.SessionID,
		"timestamp": time.Now().UnixMilli(),
	}, client)
}

func (s *Server) handleCommand(ctx context.Context, client *wsConn, payload json.RawMessage) {
	if client.sessionID == "" {
		client.sendError("Not joined to any session")
		return
	}
	var cmd commandPayload
	if err := json.Unmarshal(payload, &cmd); err != nil || strings.TrimSpace(cmd.Command) == "" {
		client.sendError("Command cannot be empty")
		return
	}

	event, _ := json.Marshal(session.EventData{Action: "command", Target: cmd.Command})
	if err := s.sessions.LogEvent(ctx, client.sessionID, client.playerID, event); err != nil {
		log.WithField("session", client.sessionID).WithError(err).Error("command log failed")
		client.sendError("Failed to process command. Please try again.")
		return
	}

	// The narration reaches every member through the session channel; only
	// the initiating client is told about a failure.
	if _, err := s.narrator.GetAIResponse(ctx, client.sessionID, cmd.Command); err != nil {
		log.WithField("session", client.sessionID).WithError(err).Error("narration failed")
		client.sendError("Failed to process command. Please try again.")
	}
}

func (s *Server) disconnect(client *wsConn) {
	if client.sessionID == "" {
		log.WithField("player", client.playerID).Info("client disconnected")
		return
	}
	s.hub.Detach(client.sessionID, client)
	s.sessions.Leave(context.Background(), client.sessionID, client.playerID)
	s.hub.Notify(client.sessionID, "game:player_left", gin.H{
		"playerId":  client.playerID,
		"sessionId": client.sessionID,
		"timestamp": time.Now().UnixMilli(),
	}, client)
	log.WithFields(log.Fields{"player": client.playerID, "session": client.sessionID}).Info("client disconnected")
}
