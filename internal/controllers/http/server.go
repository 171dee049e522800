package httpctrl

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/oyvindkinsey/dual-zone-hvac-controller/internal/engine"
	"github.com/oyvindkinsey/dual-zone-hvac-controller/internal/ports"
)

type Server struct {
	svc      ports.EngineService
	srv      *http.Server
	deviceID string
}

// New returns a runnable server.
func New(svc ports.EngineService, addr string, deviceID string) *Server {
	mux := http.NewServeMux()
	s := &Server{svc: svc, deviceID: deviceID}

	// Read
	mux.HandleFunc("GET /v1", s.handleGet)

	// Write: engine-wide
	mux.HandleFunc("POST /v1/enabled", s.handlePostEnabled)
	mux.HandleFunc("POST /v1/reset_learning", s.handlePostResetLearning)

	// Write: one endpoint per zone variable
	mux.HandleFunc("POST /v1/zones/{zone}/target_temperature", s.handlePostTarget)
	mux.HandleFunc("POST /v1/zones/{zone}/nominal_fan_speed", s.handlePostNominalFan)
	mux.HandleFunc("POST /v1/zones/{zone}/mode", s.handlePostMode)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// ---- DTOs ----

type snapshotDTO struct {
	DeviceID string `json:"device_id"`
	engine.Snapshot
}

// ---- Handlers ----

func (s *Server) handleGet(w http.ResponseWriter, _ *http.Request) {
	s.respondSnapshot(w)
}

func (s *Server) handlePostEnabled(w http.ResponseWriter, r *http.Request) {
	postValue(s, w, r, func(v bool) error {
		s.svc.SetEnabled(v)
		return nil
	})
}

func (s *Server) handlePostResetLearning(w http.ResponseWriter, _ *http.Request) {
	s.svc.ResetLearning()
	s.respondSnapshot(w)
}

func (s *Server) handlePostTarget(w http.ResponseWriter, r *http.Request) {
	zone, ok := pathZone(w, r)
	if !ok {
		return
	}
	postValue(s, w, r, func(v float64) error {
		return s.svc.SetTargetTemperature(zone, v)
	})
}

func (s *Server) handlePostNominalFan(w http.ResponseWriter, r *http.Request) {
	zone, ok := pathZone(w, r)
	if !ok {
		return
	}
	// body: {"value": "low"}
	postValue(s, w, r, func(v string) error {
		f, err := engine.ParseFanSpeed(v)
		if err != nil {
			return err
		}
		return s.svc.SetNominalFanSpeed(zone, f)
	})
}

func (s *Server) handlePostMode(w http.ResponseWriter, r *http.Request) {
	zone, ok := pathZone(w, r)
	if !ok {
		return
	}
	// body: {"value": "heat"}
	postValue(s, w, r, func(v string) error {
		m, err := engine.ParseMode(v)
		if err != nil {
			return err
		}
		return s.svc.SetUserMode(zone, m)
	})
}

// ---- generic helpers ----

func pathZone(w http.ResponseWriter, r *http.Request) (engine.ZoneID, bool) {
	zone, err := engine.ParseZoneID(r.PathValue("zone"))
	if err != nil {
		writeErr(w, http.StatusNotFound, err.Error())
		return zone, false
	}
	return zone, true
}

func (s *Server) respondSnapshot(w http.ResponseWriter) {
	dto := snapshotDTO{DeviceID: s.deviceID, Snapshot: s.svc.GetSnapshot()}
	writeJSON(w, http.StatusOK, dto)
}

func postValue[T any](s *Server, w http.ResponseWriter, r *http.Request, apply func(T) error) {
	dec := json.NewDecoder(r.Body)
	var req struct {
		Value *T `json:"value"`
	}
	if err := dec.Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Value == nil {
		writeErr(w, http.StatusBadRequest, "missing field 'value'")
		return
	}

	if err := apply(*req.Value); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}

	s.respondSnapshot(w)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
