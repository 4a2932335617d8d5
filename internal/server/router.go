package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/appvisor/internal/auth"
	"github.com/loykin/appvisor/internal/logger"
	mng "github.com/loykin/appvisor/internal/manager"
	"github.com/loykin/appvisor/internal/metrics"
	"github.com/loykin/appvisor/internal/process"
	"github.com/loykin/appvisor/internal/store"
)

// Controller is the part of the manager the API drives.
type Controller interface {
	Start(name string) error
	Stop(name string) error
	Restart(name string) error
	Status(name string) (process.Status, error)
	List() []process.Status
	Runs(ctx context.Context, name string, limit int) ([]store.Run, error)
}

// Router provides embeddable HTTP handlers for managing apps.
// Endpoints, relative to basePath:
//
//	GET  /apps
//	GET  /apps/:name
//	POST /apps/:name/start|stop|restart
//	GET  /apps/:name/runs?limit=N
//	GET  /healthz
//	POST /auth/login                  (only with auth)
//
// GET /metrics is served at the root. With a non-nil auth service every /apps
// endpoint needs a Bearer token or Basic credentials; GETs need the read
// permission and actions the write permission.
type Router struct {
	ctl      Controller
	basePath string
	log      *slog.Logger
	auth     *auth.Service
}

func NewRouter(ctl Controller, basePath string, log *slog.Logger, authn *auth.Service) *Router {
	if log == nil {
		log = logger.Discard()
	}
	return &Router{ctl: ctl, basePath: sanitizeBase(basePath), log: log, auth: authn}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	group := g.Group(r.basePath)
	group.GET("/healthz", func(c *gin.Context) { writeJSON(c, http.StatusOK, okResp{OK: true}) })

	apps := group.Group("/apps")
	read, write := r.require(auth.ActionRead), r.require(auth.ActionWrite)
	if r.auth != nil {
		group.POST("/auth/login", r.handleLogin)
		apps.Use(r.auth.GinAuth())
	}
	apps.GET("", read, r.handleList)
	apps.GET("/:name", read, r.handleStatus)
	apps.POST("/:name/start", write, r.action("start", r.ctl.Start))
	apps.POST("/:name/stop", write, r.action("stop", r.ctl.Stop))
	apps.POST("/:name/restart", write, r.action("restart", r.ctl.Restart))
	apps.GET("/:name/runs", read, r.handleRuns)
	return g
}

func (r *Router) require(action string) gin.HandlerFunc {
	if r.auth == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return auth.GinRequire(action)
}

// DefaultWriteTimeout bounds a single API response. Stop and restart answer
// only after the app exits, so callers raise it above the largest kill_timeout.
const DefaultWriteTimeout = 60 * time.Second

// ServerOptions tunes NewServer. Zero values use the defaults.
type ServerOptions struct {
	TLS          *tls.Config // serve HTTPS when set
	WriteTimeout time.Duration
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr string, r *Router, opts ServerOptions) *http.Server {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      opts.WriteTimeout,
		IdleTimeout:       60 * time.Second,
		TLSConfig:         opts.TLS,
	}
	tlsConf := opts.TLS
	go func() {
		var err error
		if tlsConf != nil {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Error("api server", "addr", addr, "error", err)
		}
	}()
	return server
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) handleList(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.ctl.List())
}

func (r *Router) handleStatus(c *gin.Context) {
	name, ok := r.name(c)
	if !ok {
		return
	}
	st, err := r.ctl.Status(name)
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) action(verb string, fn func(string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		name, ok := r.name(c)
		if !ok {
			return
		}
		if err := fn(name); err != nil {
			r.log.Warn("api "+verb+" failed", "app", name, "error", err)
			r.fail(c, err)
			return
		}
		r.log.Info("api "+verb, "app", name)
		writeJSON(c, http.StatusOK, okResp{OK: true})
	}
}

func (r *Router) handleRuns(c *gin.Context) {
	name, ok := r.name(c)
	if !ok {
		return
	}
	limit := 0
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	runs, err := r.ctl.Runs(c.Request.Context(), name, limit)
	if err != nil {
		r.fail(c, err)
		return
	}
	if runs == nil {
		runs = []store.Run{}
	}
	writeJSON(c, http.StatusOK, runs)
}

func (r *Router) name(c *gin.Context) (string, bool) {
	name := c.Param("name")
	if !process.IsSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid app name: allowed [A-Za-z0-9._-] and no '..'"})
		return "", false
	}
	return name, true
}

func (r *Router) fail(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, mng.ErrUnknownApp):
		code = http.StatusNotFound
	case errors.Is(err, mng.ErrAlreadyRunning):
		code = http.StatusConflict
	case errors.Is(err, mng.ErrShuttingDown), errors.Is(err, mng.ErrNoStore):
		code = http.StatusServiceUnavailable
	}
	writeJSON(c, code, errorResp{Error: err.Error()})
}
