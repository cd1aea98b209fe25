// Package apiserver assembles the HTTP surface: the admission and detection
// middleware in front of the protected application, plus the operator API
// for stats and block management.
package apiserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/edgegate/edgegate/internal/api_server/middleware"
	"github.com/edgegate/edgegate/internal/config"
	"github.com/edgegate/edgegate/internal/kvstore"
	"github.com/edgegate/edgegate/internal/security"
	"github.com/edgegate/edgegate/internal/security/ratelimit"
)

const gracefulShutdownTimeout = 5 * time.Second

type Server struct {
	log      logrus.FieldLogger
	cfg      *config.Config
	listener net.Listener
	kv       kvstore.KVStore
	limiter  *ratelimit.Limiter
	monitor  *security.Monitor
	// app is the protected surface everything admitted flows into.
	app http.Handler
}

func New(
	log logrus.FieldLogger,
	cfg *config.Config,
	listener net.Listener,
	kv kvstore.KVStore,
	limiter *ratelimit.Limiter,
	monitor *security.Monitor,
	app http.Handler,
) *Server {
	if app == nil {
		app = http.NotFoundHandler()
	}
	return &Server{
		log:      log,
		cfg:      cfg,
		listener: listener,
		kv:       kv,
		limiter:  limiter,
		monitor:  monitor,
		app:      app,
	}
}

// Router builds the full route tree. Health and metrics endpoints sit in
// front of admission so probes and scrapes are never throttled.
func (s *Server) Router() chi.Router {
	router := chi.NewRouter()
	router.Use(chimw.RequestID)
	if len(s.cfg.Service.TrustedProxies) > 0 {
		router.Use(middleware.TrustedRealIP(s.cfg.Service.TrustedProxies))
	}
	router.Use(middleware.RequestLogger(s.log))
	router.Use(chimw.Recoverer)

	router.Method(http.MethodGet, "/healthz", HealthzHandler())
	router.Method(http.MethodGet, "/readyz", ReadyzHandler(2*time.Second, s.kv))
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	admin := &adminHandler{monitor: s.monitor, limiter: s.limiter, log: s.log}
	router.Route("/api/v1/security", func(r chi.Router) {
		// Coarse local limiter so a misbehaving dashboard cannot hammer
		// the operator surface; the shared-store limiter is not consulted
		// here.
		r.Use(httprate.Limit(
			s.cfg.Service.AdminRateRequests,
			time.Duration(s.cfg.Service.AdminRateWindowSeconds)*time.Second,
			httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
				return middleware.ClientIP(r), nil
			}),
		))
		r.Get("/stats", admin.getStats)
		r.Post("/blocks", admin.createBlock)
		r.Get("/blocks/{identifier}", admin.getBlock)
		r.Delete("/blocks/{identifier}", admin.deleteBlock)
	})

	router.Group(func(r chi.Router) {
		r.Use(middleware.Admission(s.limiter, s.log))
		r.Use(middleware.Detection(s.monitor, s.cfg.Service.BodyExcerptBytes, s.log))
		r.Handle("/*", s.app)
	})

	return router
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Println("Shutdown signal received:", ctx.Err())
		ctxTimeout, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()

		srv.SetKeepAlivesEnabled(false)
		_ = srv.Shutdown(ctxTimeout)
		s.monitor.Close()
		_ = s.kv.Close()
	}()

	s.log.Printf("Listening on %s...", s.listener.Addr().String())
	if err := srv.Serve(s.listener); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
