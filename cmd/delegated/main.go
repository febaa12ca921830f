// Command delegated runs a standalone authorization server.
//
// User authentication is delegated to an upstream layer (SSO proxy, gateway)
// that sets a trusted identity header on every request it has authenticated.
// delegated handles everything after that: authorization codes, token
// issuance and rotation, revocation, and key publishing.
//
// Configuration is read from DELEGATE_-prefixed environment variables; see
// envConfig for the full list.
package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/shoresuite/delegate"
	"github.com/shoresuite/delegate/instrumentation"
	"github.com/shoresuite/delegate/security"
	"github.com/shoresuite/delegate/server"
	"github.com/shoresuite/delegate/storage"
	"github.com/shoresuite/delegate/storage/memory"
	"github.com/shoresuite/delegate/storage/valkey"
)

// envConfig is the environment-variable configuration surface.
type envConfig struct {
	// Issuer is the public base URL of this server. Required.
	Issuer string `env:"DELEGATE_ISSUER,required"`

	// ListenAddr is the HTTP listen address.
	ListenAddr string `env:"DELEGATE_LISTEN_ADDR" envDefault:":8080"`

	// TLSCertFile and TLSKeyFile enable HTTPS when both are set.
	TLSCertFile string `env:"DELEGATE_TLS_CERT_FILE"`
	TLSKeyFile  string `env:"DELEGATE_TLS_KEY_FILE"`

	// UserHeader carries the authenticated user ID set by the upstream
	// auth layer. Requests without it are rejected at /authorize.
	UserHeader string `env:"DELEGATE_USER_HEADER" envDefault:"X-Authenticated-User"`

	// Storage selects the backend: "memory" or "valkey".
	Storage string `env:"DELEGATE_STORAGE" envDefault:"memory"`

	// Valkey connection settings, used when Storage is "valkey".
	ValkeyAddr     string `env:"DELEGATE_VALKEY_ADDR" envDefault:"localhost:6379"`
	ValkeyPassword string `env:"DELEGATE_VALKEY_PASSWORD"`
	ValkeyDB       int    `env:"DELEGATE_VALKEY_DB"`

	// EncryptionKey is a base64-encoded 32-byte key. When set, signing key
	// material is encrypted at rest in the valkey backend.
	EncryptionKey string `env:"DELEGATE_ENCRYPTION_KEY"`

	// Token lifetimes, in seconds. Zero uses the secure defaults.
	AuthorizationCodeTTL int64 `env:"DELEGATE_CODE_TTL"`
	AccessTokenTTL       int64 `env:"DELEGATE_ACCESS_TOKEN_TTL"`
	RefreshTokenTTL      int64 `env:"DELEGATE_REFRESH_TOKEN_TTL"`

	// SupportedScopes restricts what clients may request. Empty allows all.
	SupportedScopes []string `env:"DELEGATE_SUPPORTED_SCOPES"`

	// KeyRotationInterval enables automatic signing key rotation.
	// Zero disables it.
	KeyRotationInterval time.Duration `env:"DELEGATE_KEY_ROTATION_INTERVAL"`

	// Rate limiting, requests per second. Zero disables the limiter.
	RateLimit      int `env:"DELEGATE_RATE_LIMIT" envDefault:"10"`
	RateLimitBurst int `env:"DELEGATE_RATE_LIMIT_BURST" envDefault:"20"`
	UserRateLimit  int `env:"DELEGATE_USER_RATE_LIMIT" envDefault:"100"`
	UserRateBurst  int `env:"DELEGATE_USER_RATE_BURST" envDefault:"200"`

	// TrustProxy enables X-Forwarded-For handling. Only set behind a
	// trusted reverse proxy.
	TrustProxy        bool `env:"DELEGATE_TRUST_PROXY"`
	TrustedProxyCount int  `env:"DELEGATE_TRUSTED_PROXY_COUNT" envDefault:"1"`

	// AllowInsecureHTTP permits a non-HTTPS issuer outside localhost.
	// Never enable in production.
	AllowInsecureHTTP bool `env:"DELEGATE_ALLOW_INSECURE_HTTP"`

	AuditLogging bool `env:"DELEGATE_AUDIT_LOGGING" envDefault:"true"`

	// Telemetry enables OpenTelemetry metrics and traces.
	Telemetry      bool   `env:"DELEGATE_TELEMETRY"`
	ServiceVersion string `env:"DELEGATE_SERVICE_VERSION"`

	// Startup client seeding. A single confidential client registered at
	// boot; further clients are seeded through the library API.
	ClientID           string   `env:"DELEGATE_CLIENT_ID"`
	ClientSecret       string   `env:"DELEGATE_CLIENT_SECRET"`
	ClientRedirectURIs []string `env:"DELEGATE_CLIENT_REDIRECT_URIS"`
	ClientScopes       []string `env:"DELEGATE_CLIENT_SCOPES"`

	LogLevel  string `env:"DELEGATE_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"DELEGATE_LOG_FORMAT" envDefault:"json"`
}

// headerAuthenticator trusts an identity header set by the upstream auth
// layer. The header must be stripped from external traffic at the edge.
type headerAuthenticator struct {
	header string
}

func (a headerAuthenticator) AuthenticateRequest(r *http.Request) (string, error) {
	userID := strings.TrimSpace(r.Header.Get(a.header))
	if userID == "" {
		return "", fmt.Errorf("no authenticated user")
	}
	return userID, nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "delegated:", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg envConfig
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}

	logger, err := setupLogger(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	srv, err := delegate.New(ctx, store, server.AutoApproveConsent{}, &delegate.Config{
		Engine: server.Config{
			Issuer:               cfg.Issuer,
			AuthorizationCodeTTL: cfg.AuthorizationCodeTTL,
			AccessTokenTTL:       cfg.AccessTokenTTL,
			RefreshTokenTTL:      cfg.RefreshTokenTTL,
			SupportedScopes:      cfg.SupportedScopes,
			TrustProxy:           cfg.TrustProxy,
			TrustedProxyCount:    cfg.TrustedProxyCount,
			AllowInsecureHTTP:    cfg.AllowInsecureHTTP,
		},
		Keys: delegate.KeysConfig{
			RotationInterval: cfg.KeyRotationInterval,
		},
		RateLimit: delegate.RateLimitConfig{
			Rate:      cfg.RateLimit,
			Burst:     cfg.RateLimitBurst,
			UserRate:  cfg.UserRateLimit,
			UserBurst: cfg.UserRateBurst,
		},
		EnableAuditLogging: cfg.AuditLogging,
		Logger:             logger,
	})
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	defer srv.Close()

	if err := seedClient(ctx, srv, cfg); err != nil {
		return err
	}

	handler := delegate.NewHandler(srv, headerAuthenticator{header: cfg.UserHeader}, logger)

	var inst *instrumentation.Instrumentation
	if cfg.Telemetry {
		inst, err = instrumentation.New(instrumentation.Config{
			ServiceName:    "delegated",
			ServiceVersion: cfg.ServiceVersion,
			Enabled:        true,
		})
		if err != nil {
			return fmt.Errorf("init instrumentation: %w", err)
		}
		handler.SetInstrumentation(inst)
		if ms, ok := store.(*memory.Store); ok {
			ms.SetInstrumentation(inst)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := inst.Shutdown(shutdownCtx); err != nil {
				logger.Error("instrumentation shutdown failed", "error", err)
			}
		}()
	}

	mux := http.NewServeMux()
	handler.Routes(mux)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"status":"ok"}`)
	})

	go srv.RunKeyRotation(ctx)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           security.RequestIDMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("authorization server listening",
			"addr", cfg.ListenAddr,
			"issuer", cfg.Issuer,
			"storage", cfg.Storage,
			"tls", cfg.TLSCertFile != "")
		if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
			errCh <- httpServer.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			errCh <- httpServer.ListenAndServe()
		}
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}

	return nil
}

func setupLogger(cfg envConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch cfg.LogFormat {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("invalid log format %q (want json or text)", cfg.LogFormat)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}

func openStore(cfg envConfig, logger *slog.Logger) (storage.Store, func(), error) {
	switch cfg.Storage {
	case "memory":
		store := memory.New()
		if cfg.EncryptionKey != "" {
			logger.Warn("encryption key ignored: the memory backend does not persist key material")
		}
		return store, store.Stop, nil

	case "valkey":
		store, err := valkey.New(valkey.Config{
			Address:  cfg.ValkeyAddr,
			Password: cfg.ValkeyPassword,
			DB:       cfg.ValkeyDB,
			Logger:   logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connect to valkey: %w", err)
		}
		if cfg.EncryptionKey != "" {
			key, err := base64.StdEncoding.DecodeString(cfg.EncryptionKey)
			if err != nil {
				store.Close()
				return nil, nil, fmt.Errorf("decode encryption key: %w", err)
			}
			enc, err := security.NewEncryptor(key)
			if err != nil {
				store.Close()
				return nil, nil, fmt.Errorf("init encryptor: %w", err)
			}
			store.SetEncryptor(enc)
		}
		return store, store.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q (want memory or valkey)", cfg.Storage)
	}
}

func seedClient(ctx context.Context, srv *delegate.Server, cfg envConfig) error {
	if cfg.ClientID == "" {
		return nil
	}
	if len(cfg.ClientRedirectURIs) == 0 {
		return fmt.Errorf("DELEGATE_CLIENT_REDIRECT_URIS is required when seeding a client")
	}

	clientType := server.ClientTypeConfidential
	if cfg.ClientSecret == "" {
		clientType = server.ClientTypePublic
	}

	client := &storage.Client{
		ClientID:     cfg.ClientID,
		ClientType:   clientType,
		RedirectURIs: cfg.ClientRedirectURIs,
		Scopes:       cfg.ClientScopes,
	}
	if err := srv.SeedClient(ctx, client, cfg.ClientSecret); err != nil {
		return fmt.Errorf("seed client %q: %w", cfg.ClientID, err)
	}
	return nil
}
