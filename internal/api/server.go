// Package api provides the REST API and websocket event stream of the
// YumeBox daemon.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/net/websocket"

	"github.com/yumelira/yumebox-go/internal/core"
	"github.com/yumelira/yumebox-go/internal/engine"
	"github.com/yumelira/yumebox-go/internal/facade"
	"github.com/yumelira/yumebox-go/internal/health"
	"github.com/yumelira/yumebox-go/internal/logging"
	"github.com/yumelira/yumebox-go/internal/netinfo"
	"github.com/yumelira/yumebox-go/internal/profile"
	"github.com/yumelira/yumebox-go/internal/proxystate"
	"github.com/yumelira/yumebox-go/internal/traffic"
	"github.com/yumelira/yumebox-go/internal/util"
	"github.com/yumelira/yumebox-go/internal/version"
)

// DefaultRequestTimeout bounds every API request except the event stream.
// Profile downloads with retries can take a while.
const DefaultRequestTimeout = 2 * time.Minute

// EngineStatus reports the core process status. *engine.Process implements it.
type EngineStatus interface {
	Status() engine.Status
}

// RequestRecorder records served requests. *metrics.Collector implements it.
type RequestRecorder interface {
	RecordRequest(method, route string, status int, duration time.Duration)
}

// Config holds API configuration.
type Config struct {
	Proxy    *facade.ProxyFacade
	Profiles *facade.ProfilesFacade
	Engine   EngineStatus
	Traffic  *traffic.Collector
	Stats    *traffic.Statistics
	NetInfo  *netinfo.Monitor
	Health   *health.Manager
	Hub      *WebSocketHub

	// Metrics, when set, is served on MetricsPath without authentication.
	Metrics     http.Handler
	MetricsPath string
	Recorder    RequestRecorder

	Token          string
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// API provides the REST API.
type API struct {
	proxy       *facade.ProxyFacade
	profiles    *facade.ProfilesFacade
	engine      EngineStatus
	traffic     *traffic.Collector
	stats       *traffic.Statistics
	netinfo     *netinfo.Monitor
	health      *health.Manager
	hub         *WebSocketHub
	metrics     http.Handler
	metricsPath string
	recorder    RequestRecorder
	token       string
	timeout     time.Duration
	logger      *slog.Logger
}

// New creates a new API server.
func New(cfg Config) *API {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.WithComponent("api")
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	metricsPath := cfg.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	return &API{
		proxy:       cfg.Proxy,
		profiles:    cfg.Profiles,
		engine:      cfg.Engine,
		traffic:     cfg.Traffic,
		stats:       cfg.Stats,
		netinfo:     cfg.NetInfo,
		health:      cfg.Health,
		hub:         cfg.Hub,
		metrics:     cfg.Metrics,
		metricsPath: metricsPath,
		recorder:    cfg.Recorder,
		token:       cfg.Token,
		timeout:     timeout,
		logger:      logger,
	}
}

// Handler returns the HTTP handler for the API, the event stream and the
// embedded dashboard.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Group(func(r chi.Router) {
		if a.token != "" {
			r.Use(a.authMiddleware)
		}

		r.Group(func(r chi.Router) {
			r.Use(securityHeadersMiddleware)
			r.Use(middleware.Timeout(a.timeout))
			a.addAPIRoutes(r)
		})

		if a.hub != nil {
			r.Handle("/api/v1/ws", websocket.Handler(a.hub.ServeWS))
		}
	})

	if a.metrics != nil {
		r.Handle(a.metricsPath, a.metrics)
	}

	// Dashboard (no auth, it asks for the token itself)
	r.Handle("/", StaticHandler())
	r.Handle("/*", StaticHandler())

	return r
}

func (a *API) addAPIRoutes(r chi.Router) {
	r.Get("/api/v1/health", a.handleHealth)
	r.Get("/api/v1/version", a.handleVersion)
	r.Get("/api/v1/status", a.handleStatus)

	r.Route("/api/v1/core", func(r chi.Router) {
		r.Get("/", a.handleCoreStatus)
		r.Post("/start", a.handleStart)
		r.Post("/stop", a.handleStop)
		r.Post("/reload", a.handleReload)
	})

	r.Route("/api/v1/groups", func(r chi.Router) {
		r.Get("/", a.handleListGroups)
		r.Post("/healthcheck", a.handleHealthCheckAll)
		r.Get("/{name}", a.handleGetGroup)
		r.Put("/{name}", a.handleSelect)
		r.Put("/{name}/pin", a.handlePin)
		r.Post("/{name}/healthcheck", a.handleHealthCheck)
		r.Get("/{name}/chain", a.handleChain)
	})

	r.Route("/api/v1/proxies", func(r chi.Router) {
		r.Get("/{name}/delay", a.handleDelay)
		r.Get("/{name}/resolve", a.handleResolve)
	})

	r.Route("/api/v1/settings", func(r chi.Router) {
		r.Get("/mode", a.handleGetMode)
		r.Put("/mode", a.handleSetMode)
		r.Get("/sort", a.handleGetSort)
		r.Put("/sort", a.handleSetSort)
	})

	r.Route("/api/v1/override", func(r chi.Router) {
		r.Get("/", a.handleGetOverride)
		r.Patch("/", a.handlePatchOverride)
	})

	r.Route("/api/v1/providers", func(r chi.Router) {
		r.Get("/", a.handleListProviders)
		r.Post("/update", a.handleUpdateAllProviders)
		r.Post("/{kind}/{name}/update", a.handleUpdateProvider)
	})

	r.Route("/api/v1/connections", func(r chi.Router) {
		r.Get("/", a.handleListConnections)
		r.Delete("/", a.handleCloseAllConnections)
		r.Delete("/{id}", a.handleCloseConnection)
	})

	r.Route("/api/v1/traffic", func(r chi.Router) {
		r.Get("/", a.handleTraffic)
		r.Get("/days", a.handleTrafficDays)
		r.Get("/profiles", a.handleTrafficProfiles)
	})

	r.Route("/api/v1/netinfo", func(r chi.Router) {
		r.Get("/", a.handleNetInfo)
		r.Post("/refresh", a.handleNetInfoRefresh)
	})

	r.Route("/api/v1/profiles", func(r chi.Router) {
		r.Get("/", a.handleListProfiles)
		r.Post("/", a.handleImportProfile)
		r.Post("/update", a.handleUpdateAllProfiles)
		r.Put("/order", a.handleReorderProfiles)
		r.Post("/cleanup", a.handleCleanupProfiles)
		r.Get("/{id}", a.handleGetProfile)
		r.Put("/{id}", a.handleEditProfile)
		r.Delete("/{id}", a.handleDeleteProfile)
		r.Post("/{id}/update", a.handleUpdateProfile)
	})
}

func (a *API) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")
		if token == "" {
			// Browsers cannot set headers on websocket upgrades
			token = r.URL.Query().Get("token")
		}

		if len(token) > 7 && token[:7] == "Bearer " {
			token = token[7:]
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(a.token)) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requestLogger logs through slog and feeds the request metrics.
func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)

		if a.recorder != nil {
			a.recorder.RecordRequest(r.Method, route, status, elapsed)
		}
		a.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration", elapsed,
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && isLocalOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// isLocalOrigin checks if the origin is from localhost or 127.0.0.1
func isLocalOrigin(origin string) bool {
	localPrefixes := []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
		"https://127.0.0.1",
		"http://[::1]",
		"https://[::1]",
	}
	for _, prefix := range localPrefixes {
		if len(origin) >= len(prefix) && origin[:len(prefix)] == prefix {
			rest := origin[len(prefix):]
			if rest == "" || rest[0] == ':' || rest[0] == '/' {
				return true
			}
		}
	}
	return false
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		next.ServeHTTP(w, r)
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]any{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	}

	if name := r.URL.Query().Get("check"); name != "" && a.health != nil {
		result, err := a.health.CheckNow(r.Context(), name)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	if a.health != nil {
		if !a.health.IsHealthy() {
			response["status"] = "degraded"
		}
		response["checks"] = a.health.GetAllResults()
	}

	writeJSON(w, http.StatusOK, response)
}

func (a *API) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, version.GetInfo())
}

// StatusResponse is the daemon overview returned by /api/v1/status.
type StatusResponse struct {
	Version   string           `json:"version"`
	Running   bool             `json:"running"`
	Core      *engine.Status   `json:"core,omitempty"`
	Profile   *profile.Profile `json:"profile,omitempty"`
	Mode      core.Mode        `json:"mode"`
	SortMode  string           `json:"sort_mode"`
	Traffic   *TrafficResponse `json:"traffic,omitempty"`
	WSClients int              `json:"ws_clients"`
	Time      string           `json:"time"`
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Version:  version.Short(),
		Running:  a.proxy.IsRunning(),
		Mode:     a.proxy.ProxyMode(),
		SortMode: a.proxy.SortMode().String(),
		Time:     time.Now().Format(time.RFC3339),
	}
	if a.engine != nil {
		status := a.engine.Status()
		resp.Core = &status
	}
	if p, ok := a.proxy.CurrentProfile(); ok {
		resp.Profile = &p
	}
	if a.traffic != nil {
		t := a.trafficResponse()
		resp.Traffic = &t
	}
	if a.hub != nil {
		resp.WSClients = a.hub.ClientCount()
	}
	writeJSON(w, http.StatusOK, resp)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeMessage(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusOK, map[string]string{"message": msg})
}

// writeError maps err onto an HTTP status.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusOf(err), errorBody{Error: err.Error()})
}

func statusOf(err error) int {
	switch {
	case util.IsNotFound(err), errors.Is(err, proxystate.ErrGroupNotFound):
		return http.StatusNotFound
	case errors.Is(err, profile.ErrInvalidProfile),
		errors.Is(err, proxystate.ErrNotSelectable),
		errors.Is(err, core.ErrNotGroup),
		errors.Is(err, util.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, util.ErrAlreadyExists),
		errors.Is(err, profile.ErrDownloadInProgress),
		errors.Is(err, profile.ErrNoProfile),
		errors.Is(err, engine.ErrAlreadyRunning):
		return http.StatusConflict
	case util.IsUnavailable(err), errors.Is(err, proxystate.ErrNotStarted):
		return http.StatusServiceUnavailable
	case util.IsTimeout(err):
		return http.StatusGatewayTimeout
	case errors.Is(err, util.ErrAuthFailed):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return util.WrapError(util.ErrInvalidConfig, "invalid request body: "+err.Error())
	}
	return nil
}
