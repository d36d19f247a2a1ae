package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/ride-hailing/internal/models"
	"github.com/example/ride-hailing/internal/observability"
	"github.com/example/ride-hailing/internal/ride"
	"github.com/example/ride-hailing/internal/session"
)

var upgrader = websocket.Upgrader{}

// Hub tracks one live stream per uid. A second connection for the same uid
// replaces the first.
type Hub struct {
	mu      sync.RWMutex
	streams map[string]*clientStream
}

func newHub() *Hub {
	return &Hub{streams: make(map[string]*clientStream)}
}

func (h *Hub) feedFor(uid string) *ride.Feed {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if st, ok := h.streams[uid]; ok {
		return st.feed
	}
	return nil
}

func (h *Hub) add(uid string, st *clientStream) {
	h.mu.Lock()
	old := h.streams[uid]
	h.streams[uid] = st
	h.mu.Unlock()
	if old != nil {
		old.conn.Close()
	}
}

func (h *Hub) remove(uid string, st *clientStream) {
	h.mu.Lock()
	if h.streams[uid] == st {
		delete(h.streams, uid)
	}
	h.mu.Unlock()
}

// clientStream is one connected client: a websocket plus the session
// synchronizer and driver feed scoped to it. Writes are serialized.
type clientStream struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	feed    *ride.Feed
}

func (c *clientStream) send(event string, payload any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(map[string]any{"event": event, "data": payload})
}

type wsCommand struct {
	Action string `json:"action"` // online | offline | accept | reject
}

// handleWS streams session state and feed deliveries to the client and
// accepts feed commands back. Everything scoped to the connection is torn
// down on every exit path.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ident := identityFromContext(r.Context())
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already replied
	}

	st := &clientStream{conn: conn}
	st.feed = ride.NewFeed(s.workflow, s.store, ident.UID, func(req *models.RideRequest) {
		_ = st.send("ride_request", req)
	}, s.logger)

	sess := s.auth.SessionFor(ident)
	synchronizer := session.New(sess, s.store, s.logger)
	unsubState := synchronizer.Subscribe(func(state session.State) {
		_ = st.send("session", map[string]any{
			"identity":  state.Identity,
			"profile":   state.Profile,
			"resolving": state.Resolving,
		})
	})

	s.hub.add(ident.UID, st)
	observability.SessionsActive.Inc()
	defer func() {
		unsubState()
		synchronizer.Close()
		st.feed.Close()
		s.hub.remove(ident.UID, st)
		observability.SessionsActive.Dec()
		conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd wsCommand
		if err := json.Unmarshal(msg, &cmd); err != nil {
			_ = st.send("error", "bad command")
			continue
		}
		switch cmd.Action {
		case "online":
			if err := st.feed.SetOnline(r.Context(), true); err != nil {
				_ = st.send("error", err.Error())
			}
		case "offline":
			if err := st.feed.SetOnline(r.Context(), false); err != nil {
				_ = st.send("error", err.Error())
			}
		case "accept":
			if err := st.feed.Accept(r.Context()); err != nil {
				_ = st.send("error", err.Error())
			}
		case "reject":
			st.feed.Reject()
		default:
			_ = st.send("error", "unknown action")
		}
	}
}
