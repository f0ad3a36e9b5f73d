// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the SwissFEL data acquisition
// system (sf-daq).

// Package api exposes the broker manager verbs over HTTP. All replies
// are JSON; unhandled errors are trapped and returned as
// {"state": "error", "status": <message>} with HTTP 200, so beamline
// clients only ever parse one shape.
package api

import (
	"encoding/json"
	"net"
	"net/http"
	"os"
	"strconv"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/sf-daq/databuffer-broker/pkg/broker"
	"github.com/sf-daq/databuffer-broker/pkg/request"
	"github.com/sf-daq/databuffer-broker/pkg/util/log"
)

// exitProcess is swapped out in tests of the kill verb.
var exitProcess = func() { os.Exit(0) }

// Server serves the broker REST interface.
type Server struct {
	manager *broker.Manager
	router  *mux.Router
}

// NewServer builds the REST facade around manager.
func NewServer(manager *broker.Manager) *Server {
	s := &Server{manager: manager, router: mux.NewRouter()}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/status", s.getStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/parameters", s.setParameters).Methods(http.MethodPost)
	s.router.HandleFunc("/parameters", s.getParameters).Methods(http.MethodGet)
	s.router.HandleFunc("/start_pulse_id/{pulse_id}", s.startPulseID).Methods(http.MethodPut)
	s.router.HandleFunc("/stop_pulse_id/{pulse_id}", s.stopPulseID).Methods(http.MethodPut)
	s.router.HandleFunc("/stop", s.stop).Methods(http.MethodGet)
	s.router.HandleFunc("/statistics", s.getStatistics).Methods(http.MethodGet)
	s.router.HandleFunc("/kill", s.kill).Methods(http.MethodGet)
	s.router.HandleFunc("/retrieve_from_buffers", s.retrieve).Methods(http.MethodPost)
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler {
	return handlers.LoggingHandler(&accessLogWriter{}, s.recoverErrors(s.router))
}

// ListenAndServe blocks serving the REST interface.
func (s *Server) ListenAndServe(addr string) error {
	log.Infof("Starting the broker REST interface on %s.", addr)
	return http.ListenAndServe(addr, s.Handler())
}

type accessLogWriter struct{}

func (w *accessLogWriter) Write(p []byte) (int, error) {
	log.Debugf("%s", p)
	return len(p), nil
}

func (s *Server) recoverErrors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Errorf("Panic serving %s %s: %v", r.Method, r.URL.Path, rec)
				writeJSON(w, map[string]any{"state": "error", "status": rec})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("Cannot encode the reply: %s", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	log.Errorf("%s", err)
	writeJSON(w, map[string]any{"state": "error", "status": err.Error()})
}

func (s *Server) getStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{"state": "ok", "status": s.manager.Status()})
}

func (s *Server) setParameters(w http.ResponseWriter, r *http.Request) {
	var parameters map[string]any
	if err := json.NewDecoder(r.Body).Decode(&parameters); err != nil {
		writeError(w, err)
		return
	}

	if err := s.manager.SetParameters(parameters); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, map[string]any{
		"state":      "ok",
		"status":     s.manager.Status(),
		"parameters": s.manager.Parameters(),
	})
}

func (s *Server) getParameters(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"state":      "ok",
		"status":     s.manager.Status(),
		"parameters": s.manager.Parameters(),
	})
}

func pulseIDFromPath(r *http.Request) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)["pulse_id"], 10, 64)
}

func (s *Server) startPulseID(w http.ResponseWriter, r *http.Request) {
	pulseID, err := pulseIDFromPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	log.Infof("Received start_pulse_id %d.", pulseID)

	if err := s.manager.StartWriter(pulseID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"state": "ok", "status": s.manager.Status()})
}

func (s *Server) stopPulseID(w http.ResponseWriter, r *http.Request) {
	pulseID, err := pulseIDFromPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	log.Infof("Received stop_pulse_id %d.", pulseID)

	if err := s.manager.StopWriter(pulseID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"state": "ok", "status": s.manager.Status()})
}

func (s *Server) stop(w http.ResponseWriter, _ *http.Request) {
	s.manager.Stop()
	writeJSON(w, map[string]any{"state": "ok", "status": s.manager.Status()})
}

func (s *Server) getStatistics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"state":      "ok",
		"status":     s.manager.Status(),
		"statistics": s.manager.Statistics(),
	})
}

func (s *Server) kill(w http.ResponseWriter, _ *http.Request) {
	log.Info("Received kill, terminating.")
	writeJSON(w, map[string]any{"state": "ok"})
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	log.Flush()
	exitProcess()
}

func (s *Server) retrieve(w http.ResponseWriter, r *http.Request) {
	var req request.AcquisitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, err)
		return
	}

	remoteIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		remoteIP = r.RemoteAddr
	}

	result := s.manager.Retrieve(&req, remoteIP, r.URL.Query().Get("beamline_force"))
	writeJSON(w, result)
}
