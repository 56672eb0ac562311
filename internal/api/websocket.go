package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/single-channel-gateway/internal/models"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsBuffer     = 64
)

func (s *RESTServer) upgrader() websocket.Upgrader {
	origins := s.allowedOrigins()
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, o := range origins {
				if o == "*" || strings.EqualFold(o, origin) {
					return true
				}
			}
			return false
		},
	}
}

// HandleWebSocket streams gateway events to the client as JSON. The
// optional types query parameter is a comma separated event type filter.
func (s *RESTServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.deps.Feed == nil {
		s.respondError(w, http.StatusServiceUnavailable, "live feed disabled")
		return
	}

	var filter map[models.EventType]bool
	if types := r.URL.Query().Get("types"); types != "" {
		filter = make(map[models.EventType]bool)
		for _, t := range strings.Split(types, ",") {
			filter[models.EventType(strings.ToUpper(strings.TrimSpace(t)))] = true
		}
	}

	up := s.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	events, cancel := s.deps.Feed.Subscribe(wsBuffer)
	defer cancel()

	log.Debug().Str("remote", r.RemoteAddr).Msg("WebSocket client connected")

	// The reader only handles control frames; it ends when the peer goes away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(wsWriteWait))
				return
			}
			if filter != nil && !filter[ev.Type] {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				log.Debug().Err(err).Msg("WebSocket write failed")
				return
			}

		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}

		case <-closed:
			log.Debug().Str("remote", r.RemoteAddr).Msg("WebSocket client disconnected")
			return

		case <-r.Context().Done():
			return
		}
	}
}
