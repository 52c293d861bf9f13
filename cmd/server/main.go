package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goodlistener/callserver/internal/config"
	"github.com/goodlistener/callserver/internal/database"
	"github.com/goodlistener/callserver/internal/handlers"
	"github.com/goodlistener/callserver/internal/turn"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/acme/autocert"
)

const AppVersion = "1.0.0"

// Build timestamp - set at compile time or use current time
var buildTimestamp = time.Now().Unix()

func main() {
	httpOnly := flag.Bool("http-only", false, "Run in backend-only mode (disable SSL/LE, use HTTP)")
	selfSigned := flag.Bool("self-signed", false, "Enable HTTPS using a generated self-signed certificate")
	frontendURI := flag.String("frontend-uri", "", "Allowed CORS origin in http-only mode")
	flag.Parse()

	cfg := config.Load(config.Flags{HTTPOnly: *httpOnly, FrontendURI: *frontendURI})
	var level slog.LevelVar
	level.Set(cfg.SlogLevel())
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)

	logger.Info("GoodListener call server", "version", AppVersion, "build", buildTimestamp)

	db, err := database.Initialize(cfg.DatabasePath)
	if err != nil {
		logger.Error("failed to initialize database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}

	turnServer, err := turn.Initialize(turn.Options{
		Port:     cfg.TURNPort,
		Realm:    cfg.TURNRealm,
		PublicIP: cfg.TURNPublicIP,
		KeysDir:  config.KeysDirectory(),
		Logger:   logger.With("component", "turn"),
	})
	if err != nil {
		logger.Error("failed to initialize TURN server", "error", err)
		os.Exit(1)
	}
	defer turnServer.Close()

	sessions := handlers.NewSessionStore(cfg.SessionTTL, cfg.RetryLimit, cfg.RetryWindow, logger.With("component", "callflow"))
	h := handlers.New(
		db,
		cfg,
		turnServer,
		sessions,
		handlers.NewWSHub(),
		websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := config.Watch(ctx, logger.With("component", "config"), func(file *config.Config) {
		applyReload(file, sessions, &level, logger)
	}); err != nil {
		logger.Warn("config hot reload disabled", "error", err)
	}

	router := setupRouter(h, cfg, logger)

	servers, errCh := startServers(router, cfg, *selfSigned, logger)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		logger.Error("server stopped", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown", "addr", srv.Addr, "error", err)
		}
	}
	sessions.CloseAll(shutdownCtx)
	sessions.Stop()
}

// applyReload applies the settings that can change without a restart. Values absent
// from config.json keep their current setting.
func applyReload(file *config.Config, sessions *handlers.SessionStore, level *slog.LevelVar, logger *slog.Logger) {
	limit, window := sessions.RetryBudget()
	if file.RetryLimit > 0 {
		limit = file.RetryLimit
	}
	if file.RetryWindow > 0 {
		window = file.RetryWindow
	}
	sessions.SetRetryBudget(limit, window)

	if file.LogLevel != "" {
		level.Set(file.SlogLevel())
	}
	logger.Info("runtime settings updated", "retry_limit", limit, "retry_window", window.String(), "log_level", level.Level().String())
}

func setupRouter(h *handlers.Handlers, cfg *config.Config, logger *slog.Logger) *gin.Engine {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery(), slogGinLogger(logger))

	router.Use(func(c *gin.Context) {
		origin := "*"
		if cfg.HTTPOnly && cfg.FrontendURI != "" {
			origin = cfg.FrontendURI
		}
		c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Accept-Language, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": AppVersion})
	})

	h.Mount(router.Group("/api"))

	return router
}

// startServers starts the listeners for the configured mode. Fatal listener errors are
// reported on the returned channel.
func startServers(router *gin.Engine, cfg *config.Config, selfSigned bool, logger *slog.Logger) ([]*http.Server, <-chan error) {
	errCh := make(chan error, 2)
	errorLog := log.New(newTLSErrorWriter(logger), "", 0)

	serve := func(srv *http.Server, tls bool) {
		go func() {
			var err error
			if tls {
				err = srv.ListenAndServeTLS("", "")
			} else {
				err = srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("%s: %w", srv.Addr, err)
			}
		}()
	}

	if cfg.HTTPOnly {
		if cfg.FrontendURI == "" {
			logger.Warn("FRONTEND_URI is not set in http-only mode, CORS allows any origin")
		}
		srv := newServer(":"+cfg.HTTPPort, router, errorLog)
		logger.Info("starting HTTP server", "port", cfg.HTTPPort, "frontend_uri", cfg.FrontendURI)
		serve(srv, false)
		return []*http.Server{srv}, errCh
	}

	if selfSigned {
		tlsConfig, err := selfSignedTLSConfig(cfg.Domain)
		if err != nil {
			errCh <- err
			return nil, errCh
		}
		httpsServer := newServer(":"+cfg.HTTPSPort, router, errorLog)
		httpsServer.TLSConfig = tlsConfig
		redirect := newServer(":"+cfg.HTTPPort, httpsRedirect(cfg.HTTPSPort), errorLog)

		logger.Info("starting HTTPS server with self-signed certificate", "port", cfg.HTTPSPort, "domain", cfg.Domain)
		serve(redirect, false)
		serve(httpsServer, true)
		return []*http.Server{httpsServer, redirect}, errCh
	}

	certsDir := config.CertsDirectory()
	if err := os.MkdirAll(certsDir, 0700); err != nil {
		errCh <- fmt.Errorf("create certs directory: %w", err)
		return nil, errCh
	}

	domain := normalizeDomain(cfg.Domain)
	m := &autocert.Manager{
		Prompt: autocert.AcceptTOS,
		HostPolicy: func(ctx context.Context, host string) error {
			if normalizeDomain(host) != domain {
				return fmt.Errorf("host %q not configured (expected %q)", host, domain)
			}
			return nil
		},
		Cache: autocert.DirCache(certsDir),
	}

	acmeHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/.well-known/acme-challenge/") {
			m.HTTPHandler(nil).ServeHTTP(w, r)
			return
		}
		http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
	})

	httpServer := newServer(":"+cfg.HTTPPort, acmeHandler, errorLog)
	httpsServer := newServer(":"+cfg.HTTPSPort, router, errorLog)
	httpsServer.TLSConfig = m.TLSConfig()

	if domain == "localhost" || domain == "127.0.0.1" {
		logger.Warn("Let's Encrypt will not work for localhost. Use --self-signed for local development.")
	}
	logger.Info("starting HTTPS server", "port", cfg.HTTPSPort, "domain", domain, "certs_dir", certsDir)

	serve(httpServer, false)
	serve(httpsServer, true)
	go startCertificateRenewal(m, domain, logger)

	return []*http.Server{httpsServer, httpServer}, errCh
}

func newServer(addr string, handler http.Handler, errorLog *log.Logger) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          errorLog,
	}
}

func httpsRedirect(httpsPort string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := r.Host
		if idx := strings.Index(host, ":"); idx != -1 {
			host = host[:idx]
		}
		target := "https://" + host + ":" + httpsPort + r.URL.Path
		if r.URL.RawQuery != "" {
			target += "?" + r.URL.RawQuery
		}
		http.Redirect(w, r, target, http.StatusMovedPermanently)
	})
}

// normalizeDomain lowercases and drops a www. prefix.
func normalizeDomain(domain string) string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	return strings.TrimPrefix(domain, "www.")
}
