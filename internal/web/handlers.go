package web

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"Aurelia/server/internal/engine"
	"Aurelia/server/internal/models"
	"Aurelia/server/internal/relay"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for development
	},
}

// ChatService is the relay surface the HTTP layer needs.
type ChatService interface {
	Deliver(ctx context.Context, req *engine.TurnRequest) (*models.Turn, error)
	Greet(ctx context.Context, userID, personaID string) (*models.Turn, error)
	Stats() relay.Stats
}

// HistoryService exposes the session read and archive operations.
type HistoryService interface {
	History(ctx context.Context, userID, personaID, tier string) ([]models.Message, error)
	ClearHistory(ctx context.Context, userID, personaID string) error
}

type Handlers struct {
	chat    ChatService
	history HistoryService
	hub     *ChatHub
	logger  *zap.Logger
}

func NewHandlers(chat ChatService, history HistoryService, hub *ChatHub, logger *zap.Logger) *Handlers {
	return &Handlers{chat: chat, history: history, hub: hub, logger: logger}
}

// CORS middleware
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		w.Header().Set("Access-Control-Max-Age", "300")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// NewRouter assembles the HTTP surface.
func NewRouter(h *Handlers, logger *zap.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, req)
			logger.Debug("request",
				zap.String("method", req.Method),
				zap.String("path", req.URL.Path),
				zap.Duration("elapsed", time.Since(start)))
		})
	})
	r.Use(corsMiddleware)

	r.Get("/health", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/chat", func(r chi.Router) {
			r.Post("/turn", h.PostTurn)
			r.Post("/branch", h.PostBranch)
			r.Post("/greet", h.PostGreet)
			r.Post("/clear", h.ClearHistory)
			r.Get("/history", h.GetHistory)
			r.Get("/stream", h.Stream)
		})
	})

	return r
}

func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"service": "aurelia",
		"clients": h.hub.ClientCount(),
		"stats":   h.chat.Stats(),
	})
}

type turnResponse struct {
	Turn *models.Turn `json:"turn"`
}

// PostTurn handles one reactive user turn.
func (h *Handlers) PostTurn(w http.ResponseWriter, r *http.Request) {
	var req engine.TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.PersonaID == "" || req.Text == "" {
		writeError(w, http.StatusBadRequest, "user_id, persona_id and text are required")
		return
	}
	if req.Tier == "" {
		req.Tier = models.TierBaseline
	}
	// Branch selection has its own endpoint.
	req.BranchIndex = nil

	h.respondTurn(w, r, &req)
}

type branchRequest struct {
	UserID      string `json:"user_id"`
	PersonaID   string `json:"persona_id"`
	Tier        string `json:"tier"`
	BranchIndex int    `json:"branch_index"`
}

// PostBranch executes an explicit story branch selection.
func (h *Handlers) PostBranch(w http.ResponseWriter, r *http.Request) {
	var req branchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.PersonaID == "" {
		writeError(w, http.StatusBadRequest, "user_id and persona_id are required")
		return
	}
	if req.Tier == "" {
		req.Tier = models.TierBaseline
	}

	idx := req.BranchIndex
	h.respondTurn(w, r, &engine.TurnRequest{
		UserID:      req.UserID,
		PersonaID:   req.PersonaID,
		Text:        "",
		Tier:        req.Tier,
		BranchIndex: &idx,
	})
}

func (h *Handlers) respondTurn(w http.ResponseWriter, r *http.Request, req *engine.TurnRequest) {
	turn, err := h.chat.Deliver(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.hub.Publish(TurnEvent{
		Type:      "turn",
		UserID:    req.UserID,
		PersonaID: req.PersonaID,
		Turn:      turn,
	})
	writeJSON(w, http.StatusOK, turnResponse{Turn: turn})
}

type greetRequest struct {
	UserID    string `json:"user_id"`
	PersonaID string `json:"persona_id"`
}

// PostGreet triggers the once-daily proactive greeting. A 204 means
// another channel already greeted today.
func (h *Handlers) PostGreet(w http.ResponseWriter, r *http.Request) {
	var req greetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.PersonaID == "" {
		writeError(w, http.StatusBadRequest, "user_id and persona_id are required")
		return
	}

	turn, err := h.chat.Greet(r.Context(), req.UserID, req.PersonaID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if turn == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	h.hub.Publish(TurnEvent{
		Type:      "greeting",
		UserID:    req.UserID,
		PersonaID: req.PersonaID,
		Turn:      turn,
	})
	writeJSON(w, http.StatusOK, turnResponse{Turn: turn})
}

// GetHistory returns the recent message window.
func (h *Handlers) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	personaID := r.URL.Query().Get("persona_id")
	if userID == "" || personaID == "" {
		writeError(w, http.StatusBadRequest, "user_id and persona_id are required")
		return
	}
	tier := r.URL.Query().Get("tier")
	if tier == "" {
		tier = models.TierBaseline
	}

	messages, err := h.history.History(r.Context(), userID, personaID, tier)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": messages})
}

type clearRequest struct {
	UserID    string `json:"user_id"`
	PersonaID string `json:"persona_id"`
}

// ClearHistory archives the live session. The story position survives;
// only the visible conversation resets.
func (h *Handlers) ClearHistory(w http.ResponseWriter, r *http.Request) {
	var req clearRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.PersonaID == "" {
		writeError(w, http.StatusBadRequest, "user_id and persona_id are required")
		return
	}

	if err := h.history.ClearHistory(r.Context(), req.UserID, req.PersonaID); err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// Stream upgrades to a websocket and subscribes the client to its
// user's turn events.
func (h *Handlers) Stream(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &Client{
		ID:     generateClientID(),
		UserID: userID,
		Conn:   conn,
		Send:   make(chan []byte, 256),
		Hub:    h.hub,
	}
	h.hub.register <- client

	go client.readPump()
}

func (h *Handlers) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrUsageLimitReached):
		writeError(w, http.StatusTooManyRequests, "daily message limit reached")
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	default:
		h.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// generateClientID generates a unique client ID.
func generateClientID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return hex.EncodeToString([]byte(time.Now().String()))[:16]
	}
	return hex.EncodeToString(b)
}
