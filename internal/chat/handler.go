package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"crm-realtime/internal/bus"
	"crm-realtime/internal/middleware"
	"crm-realtime/internal/presence"
	"crm-realtime/internal/ws"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// In prod, restrict origins. For dev we allow all.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Handler struct {
	repo       *Repository
	hub        *bus.Bus
	presence   *presence.Tracker
	dispatcher Dispatcher
}

func NewHandler(repo *Repository, hub *bus.Bus, tracker *presence.Tracker, dispatcher Dispatcher) *Handler {
	return &Handler{
		repo:       repo,
		hub:        hub,
		presence:   tracker,
		dispatcher: dispatcher,
	}
}

// ServeWS is the conversation-scoped socket: GET /ws/chat/{roomID}.
//
// The bearer credential was already verified by the auth middleware
// (Connecting -> Authenticated). Participant membership is checked after the
// upgrade; a non-participant connection is Rejected and simply closed, with
// no chat-level error frame.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID, username, ok := middleware.Identity(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	roomID, err := strconv.Atoi(chi.URLParam(r, "roomID"))
	if err != nil {
		http.Error(w, "bad conversation id", http.StatusBadRequest)
		return
	}

	// Membership is read before the upgrade so a rejected socket never
	// holds registry state; the check result is only valid for the life
	// of this connection.
	member, err := h.repo.IsParticipant(r.Context(), roomID, userID)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("chat upgrade failed")
		return
	}

	client := ws.NewClient(conn, userID, username)
	client.MarkAuthenticated()

	if !member {
		client.Reject()
		return
	}

	if !h.attach(client, roomID, userID, username) {
		return
	}

	// The request context dies when this handler returns; the pumps get
	// their own.
	go client.WritePump()
	go client.ReadPump(context.Background())
}

// attach wires the client into the bus and the presence tracker. The close
// path is installed before Register: the moment Register returns, a
// concurrent publish can overflow the send buffer and close the connection,
// and that close must already see the cleanup. Deregister and MarkInactive
// tolerate identities they have never seen, so an early Reject unwinds
// cleanly too.
func (h *Handler) attach(client *ws.Client, roomID, userID int, username string) bool {
	connID := client.ID()
	client.SetFrameHandler(NewSession(roomID, userID, username, h.hub, h.dispatcher, h.repo))
	client.SetCleanup(func() {
		h.hub.Deregister(connID)
		h.presence.MarkInactive(connID)
	})
	h.presence.MarkActive(userID, roomID, connID)

	if err := h.hub.Register(connID, userID, client); err != nil {
		// Duplicate connection identity: programming-error class.
		log.Error().Err(err).Str("conn_id", connID).Msg("chat register failed")
		client.Reject()
		return false
	}
	// Subscribe fails only when the connection already closed itself and
	// left the registry; Reject is then a no-op on the consumed close path.
	if err := h.hub.Subscribe(connID, RoomTopic(roomID)); err != nil {
		client.Reject()
		return false
	}
	if err := h.hub.Subscribe(connID, ActiveTopic(roomID, userID)); err != nil {
		client.Reject()
		return false
	}
	client.MarkJoined()
	return true
}

// StartConversation finds or creates the private conversation between the
// caller and the given user: POST /api/conversations {"user_id": N}.
func (h *Handler) StartConversation(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := middleware.Identity(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		UserID int `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == 0 {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	id, err := h.repo.FindOrCreatePrivate(r.Context(), userID, req.UserID)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(map[string]int{"conversation_id": id})
}

// GetMessages loads recent history: GET /api/conversations/{id}/messages.
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := middleware.Identity(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	roomID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "bad conversation id", http.StatusBadRequest)
		return
	}

	member, err := h.repo.IsParticipant(r.Context(), roomID, userID)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if !member {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	msgs, err := h.repo.History(r.Context(), roomID, limit)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(msgs)
}
