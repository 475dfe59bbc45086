package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"drydock/manager"
	"drydock/scan"
	"drydock/types"
)

// ScanService is the slice of the scan runner the API exposes.
type ScanService interface {
	InProgress() bool
	History() []types.ScanRun
}

// Dispatcher triggers manual scan runs and reports the schedule.
type Dispatcher interface {
	Dispatch(ctx context.Context) (*types.ScanRun, error)
	NextRun() time.Time
}

// PreviewSource lists active preview records.
type PreviewSource interface {
	GetAllRecords() []types.ServicePreview
}

// Server represents the harness control API server
type Server struct {
	router    *mux.Router
	state     *manager.StateManager
	scans     ScanService
	scheduler Dispatcher
	preview   PreviewSource // Optional
	addr      string
	httpSrv   *http.Server
}

// NewServer creates a new API server. preview may be nil.
func NewServer(addr string, state *manager.StateManager, scans ScanService, scheduler Dispatcher, preview PreviewSource) *Server {
	server := &Server{
		router:    mux.NewRouter(),
		state:     state,
		scans:     scans,
		scheduler: scheduler,
		preview:   preview,
		addr:      addr,
	}

	// Set up routes
	server.routes()

	return server
}

// routes sets up the API routes
func (s *Server) routes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.statusHandler).Methods("GET")
	api.HandleFunc("/services", s.listServicesHandler).Methods("GET")
	api.HandleFunc("/services/{name}", s.getServiceHandler).Methods("GET")
	api.HandleFunc("/scans", s.listScansHandler).Methods("GET")
	api.HandleFunc("/scans", s.dispatchScanHandler).Methods("POST")
	api.HandleFunc("/previews", s.listPreviewsHandler).Methods("GET")

	// Add middleware
	s.router.Use(s.loggingMiddleware)
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:    s.addr,
		Handler: s.router,
	}
	log.Printf("[API] Starting server on %s", s.addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	log.Println("[API] Shutting down server")
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// statusHandler summarizes the environment and the scan schedule
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"services":       s.state.AllStatuses(),
		"scanInProgress": s.scans.InProgress(),
	}
	if next := s.scheduler.NextRun(); !next.IsZero() {
		response["nextScan"] = next
	}

	writeJSON(w, http.StatusOK, response)
}

// listServicesHandler returns the status of every service
func (s *Server) listServicesHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.state.AllStatuses())
}

// getServiceHandler returns the status of a specific service
func (s *Server) getServiceHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name := vars["name"]

	status, exists := s.state.GetStatus(name)
	if !exists {
		http.Error(w, "Service not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// listScansHandler returns recent scan runs, latest first
func (s *Server) listScansHandler(w http.ResponseWriter, r *http.Request) {
	history := s.scans.History()
	if history == nil {
		history = []types.ScanRun{}
	}
	writeJSON(w, http.StatusOK, history)
}

// dispatchScanHandler triggers a manual scan run. The run executes
// synchronously; the full result is returned to the caller.
func (s *Server) dispatchScanHandler(w http.ResponseWriter, r *http.Request) {
	run, err := s.scheduler.Dispatch(r.Context())
	if err != nil {
		switch {
		case errors.Is(err, scan.ErrRunInProgress):
			http.Error(w, "A scan run is already in progress", http.StatusConflict)
		case errors.Is(err, scan.ErrScanningDisabled):
			http.Error(w, "Scanning is disabled", http.StatusServiceUnavailable)
		default:
			log.Printf("[API] Manual scan dispatch failed: %v", err)
			http.Error(w, "Scan run failed to start", http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, run)
}

// listPreviewsHandler returns active preview records
func (s *Server) listPreviewsHandler(w http.ResponseWriter, r *http.Request) {
	records := []types.ServicePreview{}
	if s.preview != nil {
		records = s.preview.GetAllRecords()
	}
	writeJSON(w, http.StatusOK, records)
}

// loggingMiddleware logs incoming requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("[API] %s %s %s", r.Method, r.RequestURI, time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] Failed to encode response: %v", err)
	}
}
