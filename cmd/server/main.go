package main

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/org/keyrelay/internal/api"
	"github.com/org/keyrelay/internal/crypto"
	"github.com/org/keyrelay/internal/forward"
	"github.com/org/keyrelay/internal/identity"
	"github.com/org/keyrelay/internal/replay"
	"github.com/org/keyrelay/internal/storage"
	"github.com/org/keyrelay/internal/target"
)

type config struct {
	ListenAddr         string        `yaml:"listen_addr"`
	TLSCertFile        string        `yaml:"tls_cert"`
	TLSKeyFile         string        `yaml:"tls_key"`
	Backend            string        `yaml:"backend"`
	DBUrl              string        `yaml:"db_url"`
	MigrationsDir      string        `yaml:"migrations_dir"`
	RedisURL           string        `yaml:"redis_url"`
	LogLevel           string        `yaml:"log_level"`
	Namespace          string        `yaml:"namespace_tag"`
	Admins             []string      `yaml:"admins"`
	TransferFunctionID uint8         `yaml:"transfer_function_id"`
	RequestSkew        time.Duration `yaml:"request_skew"`
	RateLimitRPS       int           `yaml:"rate_limit_rps"`
	RateLimitBurst     int           `yaml:"rate_limit_burst"`
	TrustedProxies     []string      `yaml:"trusted_proxies"`
	RelayKeyFile       string        `yaml:"relay_key_file"`
	ForwardURL         string        `yaml:"forward_url"`
	ForwardTimeout     time.Duration `yaml:"forward_timeout"`
	TargetAdmin        string        `yaml:"target_admin"`
}

func main() {
	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Load config
	cfgFile := "config.yaml"
	if v := os.Getenv("KEYRELAY_CONFIG"); v != "" {
		cfgFile = v
	}

	cfg := config{
		ListenAddr:         ":8300",
		Backend:            "postgres",
		MigrationsDir:      "migrations",
		LogLevel:           "info",
		Namespace:          identity.DefaultNamespace,
		TransferFunctionID: 2,
		RequestSkew:        5 * time.Minute,
		ForwardTimeout:     10 * time.Second,
	}

	if data, err := os.ReadFile(cfgFile); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatal().Err(err).Msg("failed to parse config")
		}
	} else {
		log.Warn().Str("file", cfgFile).Msg("config file not found, using defaults")
	}

	// Env overrides
	if v := os.Getenv("KEYRELAY_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DBUrl = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if err := validateConfig(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	trusted, err := parseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid trusted_proxies entry")
	}

	admins, err := parseAdmins(cfg.Admins)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid admins entry")
	}
	if len(admins) == 0 {
		log.Warn().Msg("no admins configured; registration and policy writes will be refused")
	}

	ctx := context.Background()

	store, closeStore := openStore(ctx, cfg)
	defer closeStore()

	relayKey, relayPriv := loadRelayKey(cfg.RelayKeyFile)

	var (
		fwd forward.Forwarder
		tgt *target.Service
	)
	if cfg.ForwardURL != "" {
		fwd, err = forward.NewHTTPForwarder(cfg.ForwardURL, relayPriv, cfg.ForwardTimeout)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to build forwarder")
		}
		log.Info().Str("url", cfg.ForwardURL).Msg("forwarding to remote target")
	} else {
		targetAdmin := relayKey
		if cfg.TargetAdmin != "" {
			if targetAdmin, err = identity.ParseKey(cfg.TargetAdmin); err != nil {
				log.Fatal().Err(err).Msg("invalid target_admin")
			}
		}
		tgt = target.NewService(targetAdmin, relayKey)
		fwd = forward.NewLocal(tgt, relayKey)
		log.Info().Str("admin", targetAdmin.String()).Msg("serving embedded target")
	}

	var guard replay.Guard
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid redis_url")
		}
		client := redis.NewClient(opts)
		defer client.Close()
		guard = replay.NewRedis(client)
		log.Info().Str("addr", opts.Addr).Msg("replay guard backed by redis")
	}

	// Create server
	srv := api.NewServer(store, fwd, tgt, guard, api.Config{
		ListenAddr:         cfg.ListenAddr,
		TLSCertFile:        cfg.TLSCertFile,
		TLSKeyFile:         cfg.TLSKeyFile,
		Admins:             admins,
		Namespace:          cfg.Namespace,
		TransferFunctionID: cfg.TransferFunctionID,
		RequestSkew:        cfg.RequestSkew,
		RateLimitRPS:       cfg.RateLimitRPS,
		RateLimitBurst:     cfg.RateLimitBurst,
		TrustedProxies:     trusted,
	})

	// Handle graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	log.Info().Str("addr", cfg.ListenAddr).Str("relay", relayKey.String()).Msg("server started")
	<-quit

	log.Info().Msg("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	log.Info().Msg("server stopped")
}

// validateConfig rejects settings that would only fail once requests arrive.
func validateConfig(cfg config) error {
	switch cfg.Backend {
	case "memory":
	case "postgres":
		if cfg.DBUrl == "" {
			return errors.New("db_url must be configured (or DATABASE_URL env var)")
		}
	default:
		return fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	// A remote target only authorizes a caller it knows, which an
	// ephemeral identity never is.
	if cfg.ForwardURL != "" && cfg.RelayKeyFile == "" {
		return errors.New("relay_key_file is required with forward_url")
	}
	return nil
}

func parseAdmins(entries []string) (identity.Set, error) {
	keys := make([]identity.Key, 0, len(entries))
	for _, e := range entries {
		k, err := identity.ParseKey(e)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return identity.NewSet(keys...), nil
}

// parseTrustedProxies accepts CIDR prefixes and bare addresses.
func parseTrustedProxies(entries []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(entries))
	for _, e := range entries {
		if p, err := netip.ParsePrefix(e); err == nil {
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("%q is neither an address nor a prefix", e)
		}
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

func openStore(ctx context.Context, cfg config) (storage.StorageBackend, func()) {
	switch cfg.Backend {
	case "memory":
		log.Warn().Msg("using in-memory storage; state is lost on restart")
		m := storage.NewMemoryBackend()
		return m, m.Close
	case "postgres":
		pg, err := storage.NewPostgresBackend(ctx, cfg.DBUrl)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		if err := storage.RunMigrations(cfg.DBUrl, cfg.MigrationsDir); err != nil {
			log.Fatal().Err(err).Msg("failed to run migrations")
		}
		log.Info().Msg("migrations applied")
		return pg, pg.Close
	default:
		log.Fatal().Str("backend", cfg.Backend).Msg("unknown backend")
		return nil, nil
	}
}

// loadRelayKey opens the relay identity. Without a key file an ephemeral
// identity is generated, which only suits an embedded target.
func loadRelayKey(path string) (identity.Key, ed25519.PrivateKey) {
	if path == "" {
		k, priv, err := crypto.GenerateKey()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to generate relay key")
		}
		log.Warn().Str("relay", k.String()).Msg("no relay_key_file; using an ephemeral relay identity")
		return k, priv
	}
	kf, err := crypto.ReadKeyFile(path)
	if err != nil {
		log.Fatal().Err(err).Str("file", path).Msg("failed to read relay key file")
	}
	priv, err := crypto.OpenKey(kf, []byte(os.Getenv("KEYRELAY_KEY_PASSPHRASE")))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open relay key")
	}
	k, err := identity.FromPublicKey(priv.Public().(ed25519.PublicKey))
	if err != nil {
		log.Fatal().Err(err).Msg("invalid relay key")
	}
	return k, priv
}
