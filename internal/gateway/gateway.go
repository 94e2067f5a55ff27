// ABOUTME: Gateway orchestrator that wires stores, the auth service and its listeners
// ABOUTME: Runs the public HTTP API, the optional tailnet admin listener, gRPC health and the janitor

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/keygate/internal/auth"
	"github.com/2389/keygate/internal/challenge"
	"github.com/2389/keygate/internal/config"
	"github.com/2389/keygate/internal/emailverify"
	"github.com/2389/keygate/internal/ledger"
	"github.com/2389/keygate/internal/notify"
	"github.com/2389/keygate/internal/pgpkey"
	"github.com/2389/keygate/internal/ratelimit"
	"github.com/2389/keygate/internal/service"
	"github.com/2389/keygate/internal/store"
)

// Gateway orchestrates the keygate server components.
type Gateway struct {
	config  *config.Config
	service *service.Service
	api     *API
	janitor *Janitor
	logger  *slog.Logger

	subjects  store.Store
	ephemeral store.EphemeralStore

	httpServer  *http.Server
	adminServer *http.Server
	grpcServer  *grpc.Server
	health      *healthReporter
	tsnetServer *tsnet.Server

	limiter *ratelimit.Limiter
	alerts  *notify.ThrottledAlerter

	closeOnce sync.Once
}

// Stores holds the opened backends. Ephemeral may be the same value as
// Subjects.
type Stores struct {
	Subjects  store.Store
	Ephemeral store.EphemeralStore
}

// Ping checks every distinct backend.
func (s Stores) Ping(ctx context.Context) error {
	if err := s.Subjects.Ping(ctx); err != nil {
		return err
	}
	if s.Ephemeral != store.EphemeralStore(s.Subjects) {
		return s.Ephemeral.Ping(ctx)
	}
	return nil
}

// Close closes every distinct backend.
func (s Stores) Close() error {
	var errs []error
	if s.Ephemeral != nil && s.Ephemeral != store.EphemeralStore(s.Subjects) {
		errs = appendCloseError(errs, "ephemeral store", s.Ephemeral.Close())
	}
	if s.Subjects != nil {
		errs = appendCloseError(errs, "subject store", s.Subjects.Close())
	}
	return errors.Join(errs...)
}

// OpenStores opens the configured backends. Challenges, bans and e-mail
// tokens go to Redis when a Redis URL is set.
func OpenStores(ctx context.Context, cfg *config.Config) (Stores, error) {
	var stores Stores

	switch cfg.Store.Backend {
	case "postgres":
		pg, err := store.NewPostgresStore(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return Stores{}, fmt.Errorf("opening postgres store: %w", err)
		}
		stores.Subjects = pg
	default:
		sq, err := store.NewSQLiteStore(cfg.Store.SQLitePath)
		if err != nil {
			return Stores{}, fmt.Errorf("opening sqlite store: %w", err)
		}
		stores.Subjects = sq
	}
	stores.Ephemeral = stores.Subjects

	if cfg.Store.RedisURL != "" {
		rs, err := store.NewRedisStore(ctx, cfg.Store.RedisURL, store.WithKeyPrefix(cfg.Store.RedisPrefix))
		if err != nil {
			_ = stores.Subjects.Close()
			return Stores{}, fmt.Errorf("opening redis store: %w", err)
		}
		stores.Ephemeral = rs
	}
	return stores, nil
}

// New creates a Gateway from configuration, opening its stores.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	stores, err := OpenStores(ctx, cfg)
	if err != nil {
		return nil, err
	}
	gw, err := NewWithStores(cfg, stores, logger)
	if err != nil {
		_ = stores.Close()
		return nil, err
	}
	return gw, nil
}

// NewWithStores creates a Gateway over already opened stores. The gateway
// takes ownership of them.
func NewWithStores(cfg *config.Config, stores Stores, logger *slog.Logger) (*Gateway, error) {
	gw := &Gateway{
		config:    cfg,
		logger:    logger,
		subjects:  stores.Subjects,
		ephemeral: stores.Ephemeral,
	}

	alerter, err := buildAlerter(cfg)
	if err != nil {
		return nil, err
	}
	gw.alerts = notify.NewThrottledAlerter(alerter, cfg.Alerts.Window)

	validator := pgpkey.NewValidator(cfg.Auth.MinKeyBits)
	l := ledger.New(stores.Subjects, validator, auth.NewAdminGate(cfg.Auth.AdminToken), nil)
	if cfg.Auth.AdminToken == "" {
		logger.Warn("auth.admin_token is empty; approvals are disabled")
	}

	engine := challenge.NewEngine(stores.Ephemeral, challenge.NewBanTracker(stores.Ephemeral), validator, challenge.Config{
		BanDuration:     cfg.Auth.BanDuration,
		SubjectCooldown: cfg.Auth.SubjectCooldown,
		StoreTimeout:    cfg.Auth.StoreTimeout,
		OnBan:           service.BanAlerts(gw.alerts),
	})

	flow := emailverify.New(stores.Ephemeral, l, validator, buildMailer(cfg), gw.alerts, emailverify.Config{
		BaseURL:      publicURL(cfg),
		TokenTTL:     cfg.Auth.EmailTokenTTL,
		StoreTimeout: cfg.Auth.StoreTimeout,
	})

	sessions := auth.NewSessionIssuer([]byte(cfg.Auth.SessionSecret), cfg.Auth.SessionTTL, nil)
	gw.service = service.New(l, validator, engine, flow, sessions, stores, service.Config{
		StoreTimeout: cfg.Auth.StoreTimeout,
	})

	gw.api = NewAPI(gw.service, strings.HasPrefix(publicURL(cfg), "https://"))
	gw.janitor = NewJanitor(engine, flow, cfg.Server.JanitorInterval)

	if rl := cfg.RateLimit; rl.RequestsPerMinute > 0 {
		burst := rl.Burst
		if burst <= 0 {
			burst = rl.RequestsPerMinute
		}
		gw.limiter = ratelimit.New(rate.Limit(float64(rl.RequestsPerMinute)/60), burst, 10*time.Minute, rl.MaxClients)
	}

	publicMux := http.NewServeMux()
	gw.api.RegisterPublicRoutes(publicMux)
	if cfg.Tailscale.Enabled {
		adminMux := http.NewServeMux()
		gw.api.RegisterAdminRoutes(adminMux)
		gw.api.RegisterHealthRoutes(adminMux)
		gw.adminServer = &http.Server{
			Handler:           chain(adminMux, nil, logger),
			ReadHeaderTimeout: 10 * time.Second,
		}
	} else {
		gw.api.RegisterAdminRoutes(publicMux)
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           chain(publicMux, gw.limiter, logger),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	if cfg.Server.GRPCAddr != "" {
		gw.grpcServer, gw.health = newGRPCServer(gw.service, logger.With("component", "grpc"))
	}

	return gw, nil
}

// Handler returns the public HTTP handler.
func (g *Gateway) Handler() http.Handler { return g.httpServer.Handler }

// AdminHandler returns the tailnet admin handler, or nil when admin routes are public.
func (g *Gateway) AdminHandler() http.Handler {
	if g.adminServer == nil {
		return nil
	}
	return g.adminServer.Handler
}

// Service returns the underlying auth service.
func (g *Gateway) Service() *service.Service { return g.service }

func buildAlerter(cfg *config.Config) (notify.Alerter, error) {
	m := cfg.Alerts.Matrix
	if !m.Enabled {
		return notify.NewLogAlerter(), nil
	}
	a, err := notify.NewMatrixAlerter(notify.MatrixConfig{
		Homeserver:  m.Homeserver,
		UserID:      m.UserID,
		AccessToken: m.AccessToken,
		RoomID:      m.RoomID,
	})
	if err != nil {
		return nil, fmt.Errorf("creating matrix alerter: %w", err)
	}
	return a, nil
}

func buildMailer(cfg *config.Config) notify.Mailer {
	if cfg.SMTP.Host == "" {
		return notify.NoopMailer{}
	}
	return notify.NewSMTPMailer(notify.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
		StartTLS: cfg.SMTP.StartTLS,
	})
}

// publicURL returns the origin used in verification links.
func publicURL(cfg *config.Config) string {
	if cfg.Server.PublicURL != "" {
		return strings.TrimRight(cfg.Server.PublicURL, "/")
	}
	return "http://" + cfg.Server.HTTPAddr
}

// listeners holds the sockets Run serves on. Admin and gRPC are optional.
type listeners struct {
	http, admin, grpc net.Listener
}

func (l listeners) close() {
	for _, ln := range []net.Listener{l.http, l.admin, l.grpc} {
		if ln != nil {
			_ = ln.Close()
		}
	}
}

// setupListeners creates the TCP listeners and, when enabled, the tailnet admin listener.
func (g *Gateway) setupListeners(ctx context.Context) (listeners, error) {
	var ls listeners
	var err error

	g.logger.Info("starting gateway",
		"http_addr", g.config.Server.HTTPAddr,
		"grpc_addr", g.config.Server.GRPCAddr,
		"tailscale", g.config.Tailscale.Enabled,
	)

	ls.http, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return ls, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.grpcServer != nil {
		ls.grpc, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			ls.close()
			return listeners{}, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	if g.adminServer != nil {
		ls.admin, err = g.setupTailscaleListener(ctx)
		if err != nil {
			ls.close()
			return listeners{}, err
		}
	}
	return ls, nil
}

// startServers starts each server in a goroutine, returning an error channel.
func (g *Gateway) startServers(ls listeners) chan error {
	errCh := make(chan error, 3)

	go func() {
		g.logger.Info("HTTP server listening", "addr", ls.http.Addr().String())
		if err := g.httpServer.Serve(ls.http); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	if ls.admin != nil {
		go func() {
			g.logger.Info("admin server listening on tailnet", "addr", ls.admin.Addr().String())
			if err := g.adminServer.Serve(ls.admin); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("admin server: %w", err)
			}
		}()
	}

	if ls.grpc != nil {
		go func() {
			g.logger.Info("gRPC health server listening", "addr", ls.grpc.Addr().String())
			if err := g.grpcServer.Serve(ls.grpc); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	for {
		select {
		case additionalErr := <-errCh:
			g.logger.Error("additional server error", "error", additionalErr)
		default:
			return
		}
	}
}

// Run starts the servers and background workers and blocks until the
// context is canceled or a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ls, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	go g.janitor.Run(bgCtx)
	if g.health != nil {
		go g.health.run(bgCtx)
	}

	errCh := g.startServers(ls)
	serverErr := g.waitForShutdownSignal(ctx, errCh)
	stopBackground()

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "keygate", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set tailscale.auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet and listens for admin traffic.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	port := tsCfg.Port
	if port == 0 {
		port = 80
	}
	ln, err := g.tsnetServer.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale admin port: %w", err)
	}
	return ln, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = strings.TrimSuffix(status.Self.DNSName, ".")
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops all servers and releases resources. It is safe
// to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var errs []error
	g.closeOnce.Do(func() {
		g.logger.Info("shutting down gateway")

		errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
		if g.adminServer != nil {
			errs = appendCloseError(errs, "admin shutdown", g.adminServer.Shutdown(ctx))
		}
		if g.grpcServer != nil {
			g.shutdownGRPCServer(ctx)
		}
		if g.tsnetServer != nil {
			errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
		}

		errs = appendCloseError(errs, "store close", Stores{Subjects: g.subjects, Ephemeral: g.ephemeral}.Close())

		if g.limiter != nil {
			g.limiter.Close()
		}
		g.alerts.Close()
	})

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

