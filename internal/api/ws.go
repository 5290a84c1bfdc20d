package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"lightwatch/internal/broadcast"
	"lightwatch/internal/model"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Operator dashboards connect from their own origins.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWS upgrades the connection and streams matching events until the
// client goes away. Filters come from query params: ?stations=a,b and
// ?min_severity=high.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	var filter broadcast.Filter
	if v := r.URL.Query().Get("stations"); v != "" {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				filter.StationIDs = append(filter.StationIDs, id)
			}
		}
	}
	if v := r.URL.Query().Get("min_severity"); v != "" {
		filter.MinSeverity = model.Severity(strings.ToLower(v))
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("websocket upgrade failed", "err", err)
		}
		return
	}
	sub := s.bus.Subscribe(filter)
	if s.logger != nil {
		s.logger.Info("websocket subscriber connected",
			"sub_id", sub.ID, "remote", conn.RemoteAddr().String())
	}

	done := make(chan struct{})
	go s.readPump(conn, done)
	if s.sendSnapshot(conn, filter) {
		s.writePump(conn, sub, done)
	}

	s.bus.Unsubscribe(sub)
	_ = conn.Close()
	if s.logger != nil {
		s.logger.Info("websocket subscriber disconnected",
			"sub_id", sub.ID, "dropped", sub.Dropped())
	}
}

// sendSnapshot primes a new subscriber with the latest known values for
// its stations before live events flow. Subscribing first and writing the
// snapshot second means nothing published in between is lost; it just
// arrives after the snapshot. Reports whether the connection is still
// usable.
func (s *Server) sendSnapshot(conn *websocket.Conn, filter broadcast.Filter) bool {
	var updates []model.TelemetryUpdate
	if len(filter.StationIDs) > 0 {
		for _, id := range filter.StationIDs {
			if u, ok := s.bus.Latest(id); ok {
				updates = append(updates, u)
			}
		}
	} else {
		updates = s.bus.LatestAll()
	}
	for i := range updates {
		u := updates[i]
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		ev := model.Event{
			Kind:      model.EventTelemetryUpdate,
			StationID: u.StationID,
			Telemetry: &u,
		}
		if err := conn.WriteJSON(ev); err != nil {
			return false
		}
	}
	return true
}

// readPump exists to surface the close handshake and keep pongs flowing;
// inbound frames are ignored.
func (s *Server) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writePump(conn *websocket.Conn, sub *broadcast.Subscription, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
