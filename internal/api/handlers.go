package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/single-channel-gateway/internal/auth"
	"github.com/lorawan-server/single-channel-gateway/internal/models"
	"github.com/lorawan-server/single-channel-gateway/internal/radio"
	"github.com/lorawan-server/single-channel-gateway/internal/storage"
)

// ========== Status handlers ==========

// HandleHealth health check
func (s *RESTServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now(),
	})
}

type serverStatus struct {
	Address       string     `json:"address"`
	LastPullAck   *time.Time `json:"lastPullAck,omitempty"`
	PendingTokens int        `json:"pendingTokens"`
	UnknownAcks   uint64     `json:"unknownAcks"`
}

// HandleStatus reports the radio state and the network server links.
func (s *RESTServer) HandleStatus(w http.ResponseWriter, r *http.Request) {
	servers := make([]serverStatus, 0, len(s.deps.Servers))
	for _, up := range s.deps.Servers {
		st := serverStatus{
			Address:       up.Server(),
			PendingTokens: up.Tokens().Pending(),
			UnknownAcks:   up.Tokens().Unknown(),
		}
		if last := up.LastPullAck(); !last.IsZero() {
			st.LastPullAck = &last
		}
		servers = append(servers, st)
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"gatewayEui": s.config.Gateway.EUI,
		"uptime":     time.Since(s.started).Round(time.Second).String(),
		"radio":      s.deps.Radio.Snapshot(),
		"servers":    servers,
	})
}

type statsResponse struct {
	models.Counters
	RxTotal   uint64            `json:"rxTotal"`
	Forwarded uint64            `json:"rxForwarded"`
	PerSF     map[string]uint64 `json:"perSF"`
}

func (s *RESTServer) statsSnapshot() statsResponse {
	c := s.deps.Stats.Counters()
	perSF := make(map[string]uint64)
	for sf := uint8(6); sf <= 12; sf++ {
		if n := c.SF(sf); n > 0 {
			perSF["SF"+strconv.Itoa(int(sf))] = n
		}
	}
	return statsResponse{
		Counters:  c,
		RxTotal:   c.RxTotal(),
		Forwarded: s.deps.Stats.Forwarded(),
		PerSF:     perSF,
	}
}

// HandleStats returns the statistics counters
func (s *RESTServer) HandleStats(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.statsSnapshot())
}

// HandleStatsHistory returns the in-memory packet history, newest last.
// limit selects the most recent entries.
func (s *RESTServer) HandleStatsHistory(w http.ResponseWriter, r *http.Request) {
	var history []models.PacketSummary
	if limit, _ := strconv.Atoi(r.URL.Query().Get("limit")); limit > 0 {
		history = s.deps.Stats.Recent(limit)
	} else {
		history = s.deps.Stats.History()
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"packets": history,
		"total":   len(history),
	})
}

// HandleListPackets lists the persisted packet history, newest first.
func (s *RESTServer) HandleListPackets(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		s.respondError(w, http.StatusServiceUnavailable, "packet storage disabled")
		return
	}
	limit, offset := pagination(r)

	packets, total, err := s.deps.Store.ListPackets(r.Context(), s.config.Gateway.EUI, limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"packets": packets,
		"total":   total,
	})
}

// HandleListEvents lists events
func (s *RESTServer) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		s.respondError(w, http.StatusServiceUnavailable, "event storage disabled")
		return
	}
	limit, offset := pagination(r)

	eui := s.config.Gateway.EUI
	filters := storage.EventLogFilters{GatewayID: &eui}
	q := r.URL.Query()

	if eventType := q.Get("type"); eventType != "" {
		modelEventType := models.EventType(eventType)
		filters.Type = &modelEventType
	}

	if level := q.Get("level"); level != "" {
		modelEventLevel := models.EventLevel(level)
		filters.Level = &modelEventLevel
	}

	for _, bound := range []struct {
		key  string
		dest **time.Time
	}{{"start", &filters.StartTime}, {"end", &filters.EndTime}} {
		v := q.Get(bound.key)
		if v == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid "+bound.key+" time")
			return
		}
		*bound.dest = &ts
	}

	events, total, err := s.deps.Store.ListEventLogs(r.Context(), filters, limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"total":  total,
	})
}

// ========== Auth handlers ==========

// HandleLogin handles admin login
func (s *RESTServer) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username" validate:"required"`
		Password string `json:"password" validate:"required"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	token, expires, err := s.auth.Login(s.config.API, req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			s.respondError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.respondError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"access_token": token,
		"expires_in":   int(time.Until(expires).Seconds()),
		"token_type":   "Bearer",
	})
}

// ========== Management handlers ==========

// HandleResetStats zeroes the statistics counters
func (s *RESTServer) HandleResetStats(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Control.Apply(models.ConfigChange{Kind: models.ChangeResetStatistics}); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, s.statsSnapshot())
}

// HandleSetSpreadingFactor queues a receive spreading factor change.
func (s *RESTServer) HandleSetSpreadingFactor(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SpreadingFactor uint8 `json:"spreading_factor" validate:"required,min=7,max=12"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	s.applyChange(w, models.ConfigChange{
		Kind:            models.ChangeSpreadingFactor,
		SpreadingFactor: req.SpreadingFactor,
	})
}

// HandleSetFrequency queues a fixed receive frequency. Hopping stops.
func (s *RESTServer) HandleSetFrequency(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Frequency uint32 `json:"frequency" validate:"required"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	s.applyChange(w, models.ConfigChange{
		Kind:      models.ChangeFrequency,
		Frequency: req.Frequency,
	})
}

func (s *RESTServer) applyChange(w http.ResponseWriter, change models.ConfigChange) {
	if err := s.deps.Control.Apply(change); err != nil {
		if errors.Is(err, radio.ErrInvalidChange) {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"change": change,
		"radio":  s.deps.Radio.Snapshot(),
	})
}

// HandleCancelTx drops a pending downlink by token
func (s *RESTServer) HandleCancelTx(w http.ResponseWriter, r *http.Request) {
	token, err := strconv.ParseUint(chi.URLParam(r, "token"), 10, 16)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid token")
		return
	}
	if !s.deps.Radio.Cancel(uint16(token)) {
		s.respondError(w, http.StatusNotFound, "no pending downlink with that token")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ========== Helper methods ==========

func (s *RESTServer) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := s.validator.Validate(dst); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// respondJSON responds with JSON
func (s *RESTServer) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(response)
}

// respondError responds with error
func (s *RESTServer) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{
		"error": message,
	})
}

// ========== Helper functions ==========

func pagination(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 20
	}
	if limit > 500 {
		limit = 500
	}
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
