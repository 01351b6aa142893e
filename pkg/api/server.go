// Package api serves the aggregate read endpoint and the live WebSocket channel.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hervehildenbrand/attack-radar/pkg/hub"
	"github.com/hervehildenbrand/attack-radar/pkg/logging"
	"github.com/hervehildenbrand/attack-radar/pkg/metrics"
	"github.com/hervehildenbrand/attack-radar/pkg/models"
)

// DefaultOrigins is the CORS allow-list used when none is configured.
var DefaultOrigins = []string{"http://localhost:8080"}

// AllowedHeaders are the request headers accepted cross-origin.
var AllowedHeaders = []string{"x-access-token", "Origin", "Content-Type", "Accept", "Authorization"}

const healthTimeout = 2 * time.Second

// Aggregates serves the per-source aggregate.
type Aggregates interface {
	GetAggregate(ctx context.Context) (models.Aggregate, error)
}

// Live accepts new WebSocket subscribers.
type Live interface {
	Connect(ctx context.Context, sub hub.Subscriber)
	Unregister(sub hub.Subscriber)
}

// Pinger is a dependency checked by /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config configures the HTTP surface.
type Config struct {
	JWTSecret   string
	CORSOrigins []string
	// Roles allowed to read the aggregate; defaults to user and admin.
	Roles []string
	// QueueSize is the per-subscriber send queue length.
	QueueSize int
	// Checks are pinged by /healthz, keyed by name.
	Checks map[string]Pinger
}

type envelope struct {
	StatusCode int         `json:"statusCode"`
	Success    bool        `json:"success"`
	Data       interface{} `json:"data,omitempty"`
	Message    string      `json:"message,omitempty"`
}

// Server routes HTTP requests.
type Server struct {
	aggregates Aggregates
	live       Live
	auth       *Authenticator
	upgrader   websocket.Upgrader
	origins    map[string]struct{}
	cfg        Config
	router     *mux.Router
	log        zerolog.Logger
}

// New creates a server and registers its routes.
func New(aggregates Aggregates, live Live, cfg Config) *Server {
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = DefaultOrigins
	}
	if len(cfg.Roles) == 0 {
		cfg.Roles = []string{"user", "admin"}
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = hub.DefaultQueueSize
	}

	s := &Server{
		aggregates: aggregates,
		live:       live,
		auth:       NewAuthenticator(cfg.JWTSecret, cfg.Roles...),
		origins:    make(map[string]struct{}, len(cfg.CORSOrigins)),
		cfg:        cfg,
		router:     mux.NewRouter(),
		log:        logging.Component("api"),
	}
	for _, o := range cfg.CORSOrigins {
		s.origins[o] = struct{}{}
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	s.router.Handle("/api/data", s.auth.Middleware(http.HandlerFunc(s.handleData))).Methods(http.MethodGet)
	s.router.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
}

// Handler returns the full HTTP handler with CORS, access logging and
// panic recovery applied.
func (s *Server) Handler() http.Handler {
	return s.wrap(s.router)
}

// WSHandler upgrades every request to a live subscription, for a
// dedicated WebSocket listener.
func (s *Server) WSHandler() http.Handler {
	return s.wrap(http.HandlerFunc(s.handleWS))
}

func (s *Server) wrap(h http.Handler) http.Handler {
	h = handlers.CORS(
		handlers.AllowedOrigins(s.cfg.CORSOrigins),
		handlers.AllowedHeaders(AllowedHeaders),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodOptions}),
	)(h)
	h = handlers.CustomLoggingHandler(io.Discard, h, s.logRequest)
	return handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{s.log}))(h)
}

func (s *Server) logRequest(_ io.Writer, p handlers.LogFormatterParams) {
	metrics.HTTPRequests.WithLabelValues(p.Request.Method, strconv.Itoa(p.StatusCode)).Inc()
	s.log.Debug().
		Str("method", p.Request.Method).
		Str("path", p.URL.Path).
		Int("status", p.StatusCode).
		Int("size", p.Size).
		Dur("took", time.Since(p.TimeStamp)).
		Msg("Request")
}

type recoveryLogger struct{ log zerolog.Logger }

func (l recoveryLogger) Println(v ...interface{}) {
	l.log.Error().Msg(fmt.Sprint(v...))
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if _, ok := s.origins["*"]; ok {
		return true
	}
	_, ok := s.origins[origin]
	return ok
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Hello"})
}

func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	agg, err := s.aggregates.GetAggregate(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("Aggregate read failed")
		writeJSON(w, http.StatusInternalServerError, envelope{
			StatusCode: http.StatusInternalServerError,
			Message:    err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, envelope{StatusCode: http.StatusOK, Success: true, Data: agg})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	sub := hub.NewWSSubscriber(conn, s.cfg.QueueSize)
	defer s.live.Unregister(sub)

	s.live.Connect(r.Context(), sub)
	sub.Run()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(s.cfg.Checks))
	for name, p := range s.cfg.Checks {
		if err := p.Ping(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	result := "ok"
	if status != http.StatusOK {
		result = "degraded"
	}
	writeJSON(w, status, map[string]interface{}{"status": result, "checks": checks})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
