package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/org/keyrelay/internal/audit"
	"github.com/org/keyrelay/internal/forward"
	"github.com/org/keyrelay/internal/identity"
	"github.com/org/keyrelay/internal/keys"
	"github.com/org/keyrelay/internal/policy"
	"github.com/org/keyrelay/internal/relay"
	"github.com/org/keyrelay/internal/replay"
	"github.com/org/keyrelay/internal/storage"
	"github.com/org/keyrelay/internal/target"
)

// Config holds server configuration.
type Config struct {
	ListenAddr         string
	TLSCertFile        string
	TLSKeyFile         string
	Admins             identity.Set
	Namespace          string
	TransferFunctionID uint8
	RequestSkew        time.Duration
	RateLimitRPS       int
	RateLimitBurst     int
	// TrustedProxies are the peers whose X-Forwarded-For is believed.
	TrustedProxies     []netip.Prefix
	// Now replaces time.Now for every component. Tests only.
	Now                func() time.Time
}

// Server is the API server.
type Server struct {
	store      storage.StorageBackend
	keys       *keys.Manager
	policy     *policy.Manager
	dispatcher *relay.Dispatcher
	auditor    *audit.Logger
	guard      replay.Guard
	target     *target.Service
	cfg        Config
	httpSrv    *http.Server
}

// NewServer creates a fully wired Server. tgt is the embedded downstream
// target and may be nil when fwd delivers to a remote one.
func NewServer(store storage.StorageBackend, fwd forward.Forwarder, tgt *target.Service, guard replay.Guard, cfg Config) *Server {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Namespace == "" {
		cfg.Namespace = identity.DefaultNamespace
	}
	if cfg.RequestSkew <= 0 {
		cfg.RequestSkew = 5 * time.Minute
	}
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS, cfg.RateLimitBurst = 100, 200
	}
	if guard == nil {
		guard = replay.NewMemory()
	}

	auditor := audit.NewLogger(store)
	return &Server{
		store:  store,
		keys:   keys.NewManager(store, cfg.Admins, keys.WithNamespace(cfg.Namespace), keys.WithClock(cfg.Now)),
		policy: policy.NewManager(store, cfg.Admins, cfg.Now),
		dispatcher: relay.NewDispatcher(store, fwd,
			relay.WithClock(cfg.Now),
			relay.WithTransferFunctionID(cfg.TransferFunctionID),
			relay.WithRecorder(auditor),
		),
		auditor: auditor,
		guard:   guard,
		target:  tgt,
		cfg:     cfg,
	}
}

// BuildRouter wires up all routes and returns a chi router.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(metricsMiddleware)
	r.Use(newRateLimiter(s.cfg.RateLimitRPS, s.cfg.RateLimitBurst, s.cfg.TrustedProxies).middleware)
	r.Use(accessLogMiddleware(s.cfg.TrustedProxies))

	// Prometheus metrics (unauthenticated)
	r.Handle("/metrics", MetricsHandler())
	r.Get("/v1/sys/health", s.HealthHandler)

	// Signed routes
	r.Group(func(r chi.Router) {
		r.Use(signedRequestMiddleware(s.guard, s.cfg.RequestSkew, s.cfg.Now))

		// Key mappings
		r.Post("/v1/mappings", s.MappingRegisterHandler)
		r.Get("/v1/mappings/{temp}", s.MappingReadHandler)
		r.Post("/v1/mappings/{temp}/revoke", s.MappingRevokeHandler)
		r.Post("/v1/mappings/{temp}/rotate-backup", s.MappingRotateHandler)

		// Policy
		r.Put("/v1/policy/fee", s.FeePolicyWriteHandler)
		r.Get("/v1/policy/fee", s.FeePolicyReadHandler)
		r.Put("/v1/policy/assets/{asset}", s.AssetFeePolicyWriteHandler)
		r.Get("/v1/policy/assets/{asset}", s.AssetFeePolicyReadHandler)
		r.Put("/v1/policy/security/{user_id}", s.SecurityPolicyWriteHandler)
		r.Get("/v1/policy/security/{user_id}", s.SecurityPolicyReadHandler)

		// Actions
		r.Post("/v1/actions/transfer", s.TransferHandler)
		r.Post("/v1/actions/relay", s.RelayHandler)

		// Ledger
		r.Get("/v1/ledger/balance", s.BalanceHandler)

		// Embedded target
		if s.target != nil {
			r.Get("/v1/target/status", s.TargetStatusHandler)
			r.Post("/v1/target/pause", s.TargetPauseHandler)
			r.Post("/v1/target/admin", s.TargetAdminHandler)
			r.Post(forward.InvokePath, s.TargetInvokeHandler)
		}

		// Admin only
		r.Group(func(r chi.Router) {
			r.Use(adminMiddleware(s.cfg.Admins))
			r.Get("/v1/actions", s.ActionLogHandler)
			r.Post("/v1/ledger/credit", s.CreditHandler)
		})
	})

	return r
}

// Start begins listening on the configured address.
func (s *Server) Start() error {
	handler := s.BuildRouter()

	s.httpSrv = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		s.httpSrv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			CurvePreferences: []tls.CurveID{
				tls.CurveP256,
				tls.X25519,
			},
		}
		log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTPS server")
		return s.httpSrv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	}

	log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTP server")
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
