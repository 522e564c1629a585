package relay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sanadflow/collab/internal/codec"
	"github.com/sanadflow/collab/internal/persist"
	"github.com/sanadflow/collab/internal/realtime"
)

// Server handles HTTP and WebSocket requests for the relay.
type Server struct {
	store    persist.Store
	hub      *Hub
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// ServerConfig holds configuration for creating a server.
type ServerConfig struct {
	Store  persist.Store
	Hub    *Hub
	Logger *slog.Logger
}

// NewServer creates a new relay server.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		store:  cfg.Store,
		hub:    cfg.Hub,
		logger: logger.With("component", "relay"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool {
				return true // auth is handled by the fronting proxy
			},
		},
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /realtime", s.handleRealtime)
	mux.HandleFunc("GET /documents/{id}/state", s.handleGetState)
	mux.HandleFunc("PUT /documents/{id}/state", s.handlePutState)

	return mux
}

// handleRealtime upgrades the connection and runs the client's frame loop
// until it disconnects.
func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room")
	if roomID == "" {
		http.Error(w, "room query parameter is required", http.StatusBadRequest)

		return
	}

	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		clientID = uuid.New().String()
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)

		return
	}

	client := NewClient(clientID, conn)
	s.hub.Register(client)
	s.hub.Join(client, roomID)

	s.logger.Info("client joined", "client", clientID, "room", roomID,
		"room_size", s.hub.ClientCount(roomID))

	defer func() {
		s.hub.Unregister(client)
		_ = client.Close()
		s.logger.Info("client left", "client", clientID, "room", roomID)
	}()

	s.frameLoop(client, roomID)
}

func (s *Server) frameLoop(client *Client, roomID string) {
	for {
		frame, err := client.Receive()
		if err != nil {
			return
		}

		switch frame.Type {
		case realtime.FrameBroadcast:
			s.hub.Broadcast(roomID, frame, client.ID)
		case realtime.FramePresence:
			client.SetPresence(frame.Payload)
		default:
			s.logger.Warn("ignoring unknown frame type",
				"client", client.ID, "type", frame.Type)
		}
	}
}

// stateBody is the JSON shape of the snapshot endpoints.
type stateBody struct {
	State     string    `json:"state"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// handleGetState serves GET /documents/{id}/state. A document without a
// snapshot yet answers 404; clients treat that as a fresh document.
func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	documentID := r.PathValue("id")

	snap, err := s.store.LoadSnapshot(r.Context(), documentID)
	if err != nil {
		if errors.Is(err, persist.ErrSnapshotNotFound) {
			http.Error(w, "no snapshot for document", http.StatusNotFound)

			return
		}

		s.logger.Error("snapshot load failed", "document", documentID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)

		return
	}

	s.writeJSON(w, stateBody{
		State:     codec.EncodeString(snap.State),
		UpdatedAt: snap.UpdatedAt,
	})
}

// handlePutState serves PUT /documents/{id}/state with upsert semantics.
func (s *Server) handlePutState(w http.ResponseWriter, r *http.Request) {
	documentID := r.PathValue("id")

	var body stateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	state, err := codec.DecodeString(body.State)
	if err != nil {
		http.Error(w, "state must be base64", http.StatusBadRequest)

		return
	}

	updatedAt, err := s.store.SaveSnapshot(r.Context(), documentID, state)
	if err != nil {
		s.logger.Error("snapshot save failed", "document", documentID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)

		return
	}

	s.writeJSON(w, stateBody{State: body.State, UpdatedAt: updatedAt})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "error", err)
	}
}
