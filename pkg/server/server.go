// Package server exposes the fable core over HTTP and websockets: session
// management and lore endpoints under /api, and the realtime game surface
// at /ws.
package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/wyldmark/fable/pkg/broadcast"
	"github.com/wyldmark/fable/pkg/errmodel"
	"github.com/wyldmark/fable/pkg/gamestore"
	"github.com/wyldmark/fable/pkg/lore"
	"github.com/wyldmark/fable/pkg/narrator"
	"github.com/wyldmark/fable/pkg/session"
)

// Version reported by the health and root endpoints.
const Version = "1.0.0"

// Server wires the coordinator, lore index, narrator, and broadcast hub into
// a gin router.
type Server struct {
	store    gamestore.Store
	sessions *session.Coordinator
	lore     *lore.Index
	narrator *narrator.Engine
	hub      *broadcast.Hub
	router   *gin.Engine
	started  time.Time
}

// New builds the router. Callers own the http.Server lifecycle.
func New(store gamestore.Store, sessions *session.Coordinator, loreIndex *lore.Index, engine *narrator.Engine, hub *broadcast.Hub) *Server {
	s := &Server{
		store:    store,
		sessions: sessions,
		lore:     loreIndex,
		narrator: engine,
		hub:      hub,
		started:  time.Now(),
	}
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/", s.handleRoot)
	r.GET("/api/health", s.handleHealth)
	r.GET("/api/game", s.handleGameInfo)
	r.POST("/api/game", s.handleCreateSession)
	r.GET("/api/sessions", s.handleListSessions)
	r.GET("/api/sessions/:sessionId", s.handleSessionDetails)
	r.DELETE("/api/sessions/:sessionId", s.handleDeleteSession)
	r.GET("/api/lore", s.handleListLore)
	r.POST("/api/lore", s.handleCreateLore)
	r.GET("/ws", s.handleWS)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Endpoint not found", "path": c.Request.URL.Path})
	})
	s.router = r
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.router }

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(log.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"elapsed": time.Since(start),
		}).Info("request")
	}
}

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "AI Dungeon Master API",
		"version": Version,
		"endpoints": gin.H{
			"health":   "/api/health",
			"sessions": "/api/sessions",
			"game":     "/api/game",
			"lore":     "/api/lore",
		},
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	state := s.store.Status()
	status := http.StatusOK
	health := "healthy"
	if state != gamestore.StateReady {
		status = http.StatusServiceUnavailable
		health = "unhealthy"
	}
	c.JSON(status, gin.H{
		"status":    health,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(s.started).Seconds(),
		"store":     state.String(),
		"version":   Version,
	})
}

func (s *Server) handleGameInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"message":     "Game API endpoint",
		"description": "Create a new game session by sending a POST request to this endpoint",
	})
}

func (s *Server) handleCreateSession(c *gin.Context) {
	id, err := s.sessions.Create(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"success":   true,
		"sessionId": id,
		"message":   "Game session created successfully",
	})
}

func (s *Server) handleListSessions(c *gin.Context) {
	sessions := s.sessions.ListActive(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"success": true, "sessions": sessions})
}

func (s *Server) handleSessionDetails(c *gin.Context) {
	info, err := s.sessions.Details(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		writeError(c, err)
		return
	}
	if info == nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Session not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "session": info})
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	ok, err := s.sessions.Delete(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Session not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Session deleted successfully"})
}

func (s *Server) handleListLore(c *gin.Context) {
	ctx := c.Request.Context()
	if t := c.Query("type"); t != "" {
		entries, err := s.lore.GetByType(ctx, lore.EntryType(t))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "lore": entries, "type": t})
		return
	}
	keys, err := s.store.Keys(ctx, "lore:*")
	if err != nil {
		writeError(c, err)
		return
	}
	entries := make([]lore.Entry, 0, len(keys))
	for _, key := range keys {
		if strings.Contains(key, ":type:") || strings.Contains(key, ":tag:") {
			continue
		}
		e, err := s.lore.Get(ctx, strings.TrimPrefix(key, "lore:"))
		if err != nil || e == nil {
			continue
		}
		entries = append(entries, *e)
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "lore": entries})
}

type createLoreRequest struct {
	Type    string   `json:"type"`
	Title   string   `json:"title"`
	Content string   `json:"content"`
	Tags    []string `json:"tags"`
}

func (s *Server) handleCreateLore(c *gin.Context) {
	var req createLoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Invalid request body"})
		return
	}
	if req.Type == "" || req.Title == "" || req.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Type, title, and content are required"})
		return
	}
	id, err := s.lore.CreateEntry(c.Request.Context(), lore.EntryType(req.Type), req.Title, req.Content, req.Tags)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "id": id, "message": "Lore entry created successfully"})
}

// writeError maps a typed error to its HTTP status; raw internals stay in
// the server log only.
func writeError(c *gin.Context, err error) {
	ce := errmodel.From(err)
	log.WithError(err).Error("request failed")
	c.JSON(errmodel.HTTPStatus(ce), gin.H{
		"success": false,
		"message": publicMessage(ce),
	})
}

func publicMessage(ce *errmodel.Error) string {
	switch ce.Category {
	case errmodel.CategoryValidation:
		return ce.Message
	case errmodel.CategoryStore:
		return "Storage temporarily unavailable"
	case errmodel.CategoryEmbedding:
		return "Embedding service unavailable"
	case errmodel.CategoryModel:
		return "AI service unavailable"
	default:
		return "Internal server error"
	}
}
