package web

import (
	"embed"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/0xvermeer/lbkeeper/internal/logger"
	"github.com/0xvermeer/lbkeeper/internal/state"
)

var webLogger = logger.GetForComponent("web_server")

//go:embed static/*
var staticFiles embed.FS

//go:embed static/index.html
var dashboardHTML []byte

// WebServer serves the read-only dashboard and API over recorded cycle
// snapshots. It never touches the keeper loop or the chain.
type WebServer struct {
	router *mux.Router
	port   string
}

// NewWebServer creates a new web server instance.
func NewWebServer(port string) *WebServer {
	if port == "" {
		port = "8080"
	}

	server := &WebServer{
		router: mux.NewRouter(),
		port:   port,
	}

	server.setupRoutes()
	return server
}

// setupRoutes configures all HTTP routes.
func (ws *WebServer) setupRoutes() {
	staticHandler := http.FileServer(http.FS(staticFiles))
	ws.router.PathPrefix("/static/").Handler(http.StripPrefix("/", staticHandler))

	ws.router.HandleFunc("/", ws.handleDashboard).Methods("GET")
	ws.router.HandleFunc("/health", ws.handleHealth).Methods("GET")

	api := ws.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", ws.handleHealth).Methods("GET")
	api.HandleFunc("/cycles", ws.handleGetCycles).Methods("GET")
	api.HandleFunc("/cycles/latest", ws.handleGetLatestCycle).Methods("GET")
	api.HandleFunc("/cycles/{id:[0-9]+}", ws.handleGetCycle).Methods("GET")
	api.HandleFunc("/keeper/summary", ws.handleGetKeeperSummary).Methods("GET")
	api.HandleFunc("/performance", ws.handleGetPerformanceMetrics).Methods("GET")

	ws.router.Use(ws.corsMiddleware)
	ws.router.Use(ws.loggingMiddleware)
}

// Start starts the web server and blocks until it exits.
func (ws *WebServer) Start() error {
	webLogger.Info().Str("port", ws.port).Msg("Starting web server")

	server := &http.Server{
		Addr:         ":" + ws.port,
		Handler:      ws.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return server.ListenAndServe()
}

func (ws *WebServer) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(dashboardHTML)
}

// handleHealth reports database reachability and the last cycle seen.
func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "OK"

	dbHealthy := true
	if err := state.TestDBConnection(); err != nil {
		dbHealthy = false
		status = "DEGRADED"
	}

	var lastCycle interface{}
	if recent, err := state.GetRecentCycles(1); err == nil && len(recent) > 0 {
		lastCycle = map[string]interface{}{
			"cycle_number": recent[0].CycleNumber,
			"timestamp":    recent[0].Timestamp,
			"decision":     recent[0].Decision,
			"outcome":      recent[0].OutcomeStatus,
			"in_range":     recent[0].InRange,
		}
	} else {
		status = "DEGRADED"
	}

	ws.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     status,
		"database":   dbHealthy,
		"last_cycle": lastCycle,
		"timestamp":  time.Now().UTC(),
	})
}

func (ws *WebServer) handleGetCycles(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}

	cycles, err := state.GetRecentCycles(limit)
	if err != nil {
		ws.writeError(w, "failed to load cycles", err)
		return
	}
	ws.writeJSON(w, http.StatusOK, cycles)
}

func (ws *WebServer) handleGetCycle(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		ws.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid cycle id"})
		return
	}

	cycle, err := state.GetCycleByID(id)
	if err != nil {
		ws.writeError(w, "failed to load cycle", err)
		return
	}
	if cycle == nil {
		ws.writeJSON(w, http.StatusNotFound, map[string]string{"error": "cycle not found"})
		return
	}
	ws.writeJSON(w, http.StatusOK, cycle)
}

func (ws *WebServer) handleGetLatestCycle(w http.ResponseWriter, r *http.Request) {
	cycles, err := state.GetRecentCycles(1)
	if err != nil {
		ws.writeError(w, "failed to load latest cycle", err)
		return
	}
	if len(cycles) == 0 {
		ws.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no cycles recorded yet"})
		return
	}
	ws.writeJSON(w, http.StatusOK, cycles[0])
}

func (ws *WebServer) handleGetKeeperSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := state.GetKeeperSummary()
	if err != nil {
		ws.writeError(w, "failed to load keeper summary", err)
		return
	}
	ws.writeJSON(w, http.StatusOK, summary)
}

func (ws *WebServer) handleGetPerformanceMetrics(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			hours = parsed
		}
	}

	metrics, err := state.GetPerformanceMetrics(hours)
	if err != nil {
		ws.writeError(w, "failed to load performance metrics", err)
		return
	}
	ws.writeJSON(w, http.StatusOK, metrics)
}

func (ws *WebServer) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		webLogger.Error().Err(err).Msg("Failed to encode API response")
	}
}

func (ws *WebServer) writeError(w http.ResponseWriter, message string, err error) {
	webLogger.Error().Err(err).Msg(message)
	ws.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": message})
}

func (ws *WebServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (ws *WebServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		webLogger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}
