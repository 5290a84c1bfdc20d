package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"lightwatch/internal/alerting"
	"lightwatch/internal/broadcast"
	"lightwatch/internal/config"
	"lightwatch/internal/logging"
	"lightwatch/internal/processor"
	"lightwatch/internal/sequencer"
	"lightwatch/internal/threshold"
	"lightwatch/internal/watchdog"
)

type EngineControl interface {
	UpdateConfig(cfg *config.Config)
}

type Server struct {
	cfg      *config.Manager
	alerts   *alerting.Manager
	bus      *broadcast.Broadcaster
	seq      *sequencer.Sequencer
	proc     *processor.Processor
	engine   *threshold.Engine
	watchdog *watchdog.Watchdog
	control  EngineControl
	logger   *slog.Logger
	version  string
}

type statusResponse struct {
	Status      string         `json:"status"`
	Time        string         `json:"time"`
	Version     string         `json:"version"`
	ConfigPath  string         `json:"config_path"`
	Ingest      ingestStatus   `json:"ingest"`
	Pipeline    pipelineStatus `json:"pipeline"`
	Alerts      alerting.Stats `json:"alerts"`
	Subscribers int            `json:"subscribers"`
	LagDrops    int64          `json:"lag_drops"`
}

type ingestStatus struct {
	MQTT bool `json:"mqtt"`
	REST bool `json:"rest"`
}

type pipelineStatus struct {
	ActiveStations  int      `json:"active_stations"`
	Overflow        int64    `json:"overflow"`
	Persisted       int64    `json:"persisted"`
	Duplicates      int64    `json:"duplicates"`
	Retried         int64    `json:"retried"`
	Exhausted       int64    `json:"exhausted"`
	StaleDiscarded  int64    `json:"stale_discarded"`
	FlaggedStations []string `json:"flagged_stations"`
}

func Start(ctx context.Context, s *Server) *http.Server {
	if s == nil || s.cfg == nil {
		return nil
	}
	current := s.cfg.Get().API
	if !current.Enabled {
		if s.logger != nil {
			s.logger.Info("api disabled")
		}
		return nil
	}
	if s.logger != nil {
		s.logger.Info("api enabled", "addr", current.Addr)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/alerts", s.handleAlerts)
	mux.HandleFunc("/alerts/ack", s.handleAck)
	mux.HandleFunc("/alerts/resolve", s.handleResolve)
	mux.HandleFunc("/stations/", s.handleStationLatest)
	mux.HandleFunc("/config/reload", s.handleReload)
	mux.HandleFunc("/ws", s.handleWS)

	httpServer := &http.Server{Addr: current.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if s.logger != nil {
				s.logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func NewServer(cfg *config.Manager, alerts *alerting.Manager, bus *broadcast.Broadcaster,
	seq *sequencer.Sequencer, proc *processor.Processor, engine *threshold.Engine,
	wd *watchdog.Watchdog, control EngineControl, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Server{
		cfg:      cfg,
		alerts:   alerts,
		bus:      bus,
		seq:      seq,
		proc:     proc,
		engine:   engine,
		watchdog: wd,
		control:  control,
		logger:   logger,
		version:  version,
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := s.cfg.Get()
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Ingest: ingestStatus{
			MQTT: cfg.Ingest.MQTT.Enabled,
			REST: cfg.Ingest.REST.Enabled,
		},
	}
	if s.seq != nil {
		resp.Pipeline.ActiveStations = s.seq.ActiveStations()
		resp.Pipeline.Overflow = s.seq.Overflow.Load()
	}
	if s.proc != nil {
		resp.Pipeline.Persisted = s.proc.Persisted.Load()
		resp.Pipeline.Duplicates = s.proc.Duplicates.Load()
		resp.Pipeline.Retried = s.proc.Retried.Load()
		resp.Pipeline.Exhausted = s.proc.Exhausted.Load()
	}
	if s.engine != nil {
		resp.Pipeline.StaleDiscarded = s.engine.Stale.Load()
	}
	if s.watchdog != nil {
		resp.Pipeline.FlaggedStations = s.watchdog.FlaggedStations()
	}
	if s.alerts != nil {
		resp.Alerts = s.alerts.Stats()
	}
	if s.bus != nil {
		resp.Subscribers = s.bus.Subscribers()
		resp.LagDrops = s.bus.LagDrops.Load()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	list := s.alerts.Open()
	if station := r.URL.Query().Get("station"); station != "" {
		filtered := list[:0]
		for _, a := range list {
			if a.StationID == station {
				filtered = append(filtered, a)
			}
		}
		list = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": list,
		"count":  len(list),
	})
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		ID string `json:"id"`
		By string `json:"by"`
	}
	if !decodeCommand(w, r, &req) || req.ID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	changed := s.alerts.Acknowledge(r.Context(), req.ID, req.By)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "changed": changed})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		ID string `json:"id"`
	}
	if !decodeCommand(w, r, &req) || req.ID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	changed := s.alerts.Resolve(r.Context(), req.ID)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "changed": changed})
}

// handleStationLatest serves /stations/{id}/latest from the in-memory
// snapshot the broadcaster keeps per station.
func (s *Server) handleStationLatest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/stations/")
	stationID, tail, ok := strings.Cut(rest, "/")
	if !ok || tail != "latest" || stationID == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	latest, ok := s.bus.Latest(stationID)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, latest)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg, err := s.cfg.Reload()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if s.control != nil {
		s.control.UpdateConfig(cfg)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func decodeCommand(w http.ResponseWriter, r *http.Request, out any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		return false
	}
	return json.Unmarshal(body, out) == nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
