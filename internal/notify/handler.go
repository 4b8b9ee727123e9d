package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

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
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// EventDispatcher is what the write path calls after a notification commit.
type EventDispatcher interface {
	DispatchNotification(ctx context.Context, ev NewNotification) error
}

type Handler struct {
	repo       *Repository
	hub        *bus.Bus
	presence   *presence.Tracker
	dispatcher EventDispatcher
}

func NewHandler(repo *Repository, hub *bus.Bus, tracker *presence.Tracker, dispatcher EventDispatcher) *Handler {
	return &Handler{
		repo:       repo,
		hub:        hub,
		presence:   tracker,
		dispatcher: dispatcher,
	}
}

// ServeWS is the user-scoped notification socket: GET /ws/notifications.
// It joins the user's notification and popup topics and opens with the
// current unread count, read from the store at connect time.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID, username, ok := middleware.Identity(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	count, err := h.repo.UnreadCount(r.Context(), userID)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("notification upgrade failed")
		return
	}

	client := ws.NewClient(conn, userID, username)
	client.MarkAuthenticated()

	if !h.attach(client, userID) {
		return
	}

	if payload, err := json.Marshal(ConnectionEstablishedFrame{
		Type:        "connection_established",
		UnreadCount: count,
	}); err == nil {
		client.TrySend(payload)
	}

	go client.WritePump()
	go client.ReadPump(context.Background())
}

// attach wires the client into the bus. The close path is installed before
// Register: the moment Register returns, a concurrent publish can overflow
// the send buffer and close the connection, and that close must already see
// the cleanup.
func (h *Handler) attach(client *ws.Client, userID int) bool {
	connID := client.ID()
	client.SetFrameHandler(NewSession(userID, h.hub, h.repo))
	client.SetCleanup(func() {
		h.hub.Deregister(connID)
		// This socket holds no conversation presence; the call is a
		// harmless no-op that keeps the close path uniform.
		h.presence.MarkInactive(connID)
	})

	if err := h.hub.Register(connID, userID, client); err != nil {
		log.Error().Err(err).Str("conn_id", connID).Msg("notification register failed")
		client.Reject()
		return false
	}
	if err := h.hub.Subscribe(connID, NotificationsTopic(userID)); err != nil {
		client.Reject()
		return false
	}
	if err := h.hub.Subscribe(connID, PopupTopic(userID)); err != nil {
		client.Reject()
		return false
	}
	client.MarkJoined()
	return true
}

// Create is the REST write path: POST /api/notifications. The handler
// persists nothing itself; it hands the event to the dispatcher, which
// commits first and fans out after — the explicit dispatch boundary.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := middleware.Identity(r.Context()); !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var ev NewNotification
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil || ev.RecipientID == 0 || ev.Title == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if ev.Kind == "" {
		ev.Kind = KindGeneral
	}

	if err := h.dispatcher.DispatchNotification(r.Context(), ev); err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// List returns recent notifications: GET /api/notifications?limit=N.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := middleware.Identity(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := h.repo.Recent(r.Context(), userID, limit)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(items)
}
