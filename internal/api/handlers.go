package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"collabdoc/internal/models"
	"collabdoc/internal/session"
	"collabdoc/internal/utils"
)

const maxMessageSize = 1 << 20

type sessionManager interface {
	Register(c *session.Client) error
	Unregister(ctx context.Context, c *session.Client)
	Open(ctx context.Context, c *session.Client, req models.OpenDocument) (*session.Room, models.SessionView, error)
	Close(ctx context.Context, c *session.Client) error
	Submit(c *session.Client, req models.SubmitSteps) (bool, error)
	Save(ctx context.Context, c *session.Client, req models.SaveRequest) error
	Stats() models.Stats
	RoomStatus(roomID string) (models.RoomStatus, bool)
}

// roomStatusLookup resolves rooms hosted by other instances.
type roomStatusLookup interface {
	GetRoomStatus(ctx context.Context, roomID string) (models.RoomStatus, error)
}

type admitter interface {
	Admit(r *http.Request) (models.Principal, error)
}

type Handlers struct {
	log       *utils.Logger
	manager   sessionManager
	admission admitter
	upgrader  websocket.Upgrader
	commands  map[string]commandHandler
	statuses  roomStatusLookup
}

func NewHandlers(log *utils.Logger, manager sessionManager, admission admitter) *Handlers {
	h := &Handlers{
		log:       log,
		manager:   manager,
		admission: admission,
		upgrader:  websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
	h.commands = h.commandTable()
	return h
}

// SetRoomStatusLookup enables cluster-wide answers from RoomStatus.
func (h *Handlers) SetRoomStatusLookup(l roomStatusLookup) { h.statuses = l }

func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok"))
}

// Alive answers the collaboration liveness probe.
func (h *Handlers) Alive(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("Alive!"))
}

// Stats reports live rooms and connections.
func (h *Handlers) Stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, h.manager.Stats())
}

// RoomStatus reports a live room, local rooms first.
func (h *Handlers) RoomStatus(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomId")
	if st, ok := h.manager.RoomStatus(roomID); ok {
		writeJSON(w, st)
		return
	}
	if h.statuses != nil {
		st, err := h.statuses.GetRoomStatus(r.Context(), roomID)
		if err == nil {
			writeJSON(w, st)
			return
		}
		h.log.Debug("room status lookup failed", "room", roomID, "error", err)
	}
	http.Error(w, "room not found", http.StatusNotFound)
}

/*** Collab WebSocket ***/

// CollabWS admits the caller, upgrades the connection and runs its event
// loop until the client disconnects or a command fails.
func (h *Handlers) CollabWS(w http.ResponseWriter, r *http.Request) {
	p, err := h.admission.Admit(r)
	if err != nil {
		h.log.Warn("connection refused", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(maxMessageSize)

	client := session.NewClient(conn, p)
	go client.WritePump()
	defer client.Close()

	if err := h.manager.Register(client); err != nil {
		client.Send(errFrame("shutting_down", err.Error()))
		return
	}
	defer h.manager.Unregister(context.Background(), client)
	log := h.log.With("client", client.ID, "principal", p.ID, "organization", p.Organization)
	log.Debug("client connected", "readOnly", p.ReadOnly)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			log.Debug("client disconnected", "error", err)
			return
		}
		var frame models.InboundFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			client.Send(errFrame("bad_frame", err.Error()))
			continue
		}
		if err := h.dispatch(r.Context(), client, frame); err != nil {
			log.Warn("closing connection", "event", frame.Type, "error", err)
			return
		}
	}
}

func errFrame(code, msg string) models.WSFrame {
	return models.WSFrame{Type: models.EventError, Data: models.ErrorFrame{Code: code, Message: msg}}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
