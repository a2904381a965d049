package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/ocx/gateway/internal/authn"
	"github.com/ocx/gateway/internal/billing"
	"github.com/ocx/gateway/internal/catalog"
	"github.com/ocx/gateway/internal/circuitbreaker"
	"github.com/ocx/gateway/internal/config"
	"github.com/ocx/gateway/internal/errs"
	"github.com/ocx/gateway/internal/finalizequeue"
	"github.com/ocx/gateway/internal/idempotency"
	"github.com/ocx/gateway/internal/ledger"
	"github.com/ocx/gateway/internal/leaderlock"
	"github.com/ocx/gateway/internal/metrics"
	"github.com/ocx/gateway/internal/modeladapter"
	"github.com/ocx/gateway/internal/orchestrator"
	"github.com/ocx/gateway/internal/ratelimiter"
	"github.com/ocx/gateway/internal/reorgwatch"
	"github.com/ocx/gateway/internal/streambridge"
	"github.com/ocx/gateway/internal/tenancy"
	"github.com/ocx/gateway/internal/tooldispatch"
	"github.com/ocx/gateway/internal/walog"
)

func main() {
	cfg := config.Get()
	gw, err := buildGateway(cfg)
	if err != nil {
		log.Fatalf("failed to build gateway: %v", err)
	}

	router := mux.NewRouter()

	router.HandleFunc("/healthz", gw.handleHealthz).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/v1/infer", gw.handleInfer)
	router.HandleFunc("/v1/keys", gw.handleIssueKey).Methods("POST")

	server := &http.Server{
		Addr:         ":" + portOrDefault(cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  durationOrDefault(cfg.Server.ReadTimeoutSec, 30) * time.Second,
		WriteTimeout: 0, // streaming responses hold the connection open past WriteTimeout
		IdleTimeout:  durationOrDefault(cfg.Server.IdleTimeoutSec, 120) * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		slog.Info("shutdown signal received, draining")
		shutdownCancel()
		gw.reorgWatcher.Stop()
		gw.jwksCache.Stop()
		gw.finalizeQueue.Shutdown()
		if gw.leaderLock != nil {
			_ = gw.leaderLock.Release(context.Background())
		}

		ctx, cancel := context.WithTimeout(context.Background(), durationOrDefault(cfg.Server.ShutdownTimeout, 15)*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()
	_ = shutdownCtx

	slog.Info("gateway starting", "port", cfg.Server.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed: %v", err)
	}
	slog.Info("gateway stopped")
}

// gateway holds every component wired at startup, and is the receiver
// for the HTTP handlers registered in main.
type gateway struct {
	cfg           *config.Config
	log           *walog.EventLog
	creditLedger  *ledger.CreditLedger
	leaderLock    *leaderlock.Lock
	billingSM     *billing.StateMachine
	finalizeQueue *finalizequeue.Queue
	idemCache     *idempotency.Cache
	rateLimiter   *ratelimiter.Limiter
	reorgWatcher  *reorgwatch.Watcher
	tenancyResolver *tenancy.Resolver
	hmacVerifier  *authn.Verifier
	jwksCache     *authn.JWKSCache
	jwtVerifier   *authn.JWTVerifier
	dispatcher    *tooldispatch.Dispatcher
	breakers      *circuitbreaker.BillingCircuitBreakers
	metrics       *metrics.Metrics
	upgrader      websocket.Upgrader
}

func buildGateway(cfg *config.Config) (*gateway, error) {
	logger := slog.Default()
	m := metrics.New()

	walBackend, err := buildWALBackend(cfg.WAL)
	if err != nil {
		return nil, err
	}
	eventLog := walog.New(walBackend, walog.WithPageSize(cfg.WAL.PageSize), walog.WithLogger(logger))

	breakers := circuitbreaker.NewBillingCircuitBreakers()

	creditLedger := ledger.New(eventLog, logger)
	creditLedger.SetBreaker(breakers.BudgetWriter)

	var leaderLock *leaderlock.Lock
	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		leaderLock = leaderlock.New(redisClient, "gateway:leader", hostname(), leaderlock.WithLogger(logger))
		if acquired, _, holder, err := leaderLock.Acquire(context.Background()); err != nil {
			slog.Warn("leader lock acquisition failed, proceeding as follower", "error", err)
		} else if !acquired {
			slog.Info("another instance holds the writer lock", "holder", holder)
		}
	}

	finalizeAck := &walCompletionAcknowledger{log: logger}
	billingSM := billing.New(eventLog, creditLedger, nil)
	billingSM.SetBreaker(breakers.BudgetWriter)
	finalizeCallback := billing.NewFinalizeCallback(billingSM, fencingSourceOf(leaderLock))

	var deadLetter finalizequeue.DeadLetter
	finalizeQueue := finalizequeue.New(finalizeAck, finalizeCallback, deadLetter, breakers.FinalizeAck, finalizequeue.Config{
		Workers:        cfg.FinalizeQueue.Workers,
		MaxAttempts:    cfg.FinalizeQueue.MaxAttempts,
		BaseBackoff:    time.Duration(cfg.FinalizeQueue.BaseBackoffMs) * time.Millisecond,
		MaxBackoff:     time.Duration(cfg.FinalizeQueue.MaxBackoffSec) * time.Second,
		JitterFraction: cfg.FinalizeQueue.JitterFraction,
		QueueDepth:     cfg.FinalizeQueue.QueueDepth,
	})
	billingSM.SetFinalizeQueue(finalizeQueue)

	idemCache := idempotency.New(cfg.Idempotency.Capacity, time.Duration(cfg.Idempotency.TTLSecond)*time.Second)

	rateLimit := ratelimiter.New(map[ratelimiter.Tier]ratelimiter.Limits{
		ratelimiter.DefaultTier: {Max: cfg.RateLimit.MaxCallsPerMinute, Window: time.Minute},
	})

	tenantStore := tenancy.NewMemoryStore()
	tenancyResolver := tenancy.NewResolver(tenantStore)

	hmacVerifier := authn.NewVerifier([]byte(cfg.Auth.HMACSecret), time.Duration(cfg.Auth.ClockSkewSec)*time.Second)

	jwksCache := authn.NewJWKSCache(&authn.HTTPJWKSFetcher{URL: cfg.Auth.JWKSURL})
	jwksCache.Start(context.Background(), 5*time.Minute)
	jwtVerifier := authn.NewJWTVerifier(jwksCache, cfg.Auth.JWTIssuer, cfg.Auth.JWTAudience)

	toolCatalog := catalog.NewToolCatalog()
	dispatcher := tooldispatch.New(toolCatalog, tooldispatch.StaticImageResolver{}, 0.8, "standard", logger)

	reorgWatcher := reorgwatch.New(
		&reorgwatch.JSONRPCBlockSource{URL: os.Getenv("GATEWAY_CHAIN_RPC_URL")},
		nil,
		eventLog,
		creditLedger,
		fencingSourceOf(leaderLock),
		reorgwatch.LogAlertSink{Logger: logger},
		reorgwatch.Config{Horizon: cfg.ReorgWatch.Horizon(), Interval: cfg.ReorgWatch.Interval()},
		logger,
	)
	reorgWatcher.SetBreaker(breakers.ReorgVerification)
	reorgWatcher.Start()

	go sampleMetrics(m, breakers, finalizeQueue)

	return &gateway{
		cfg: cfg, log: eventLog, creditLedger: creditLedger, leaderLock: leaderLock,
		billingSM: billingSM, finalizeQueue: finalizeQueue, idemCache: idemCache,
		rateLimiter: rateLimit, reorgWatcher: reorgWatcher, tenancyResolver: tenancyResolver,
		hmacVerifier: hmacVerifier, jwksCache: jwksCache, jwtVerifier: jwtVerifier,
		dispatcher: dispatcher, breakers: breakers, metrics: m,
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
	}, nil
}

// sampleMetrics polls the circuit breakers and finalize queue on an
// interval and exports their state as gauges, since those components
// don't push metrics themselves.
func sampleMetrics(m *metrics.Metrics, breakers *circuitbreaker.BillingCircuitBreakers, finalizeQueue *finalizequeue.Queue) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		m.CircuitBreakerState.WithLabelValues(breakers.BudgetWriter.Name()).Set(float64(breakers.BudgetWriter.State()))
		m.CircuitBreakerState.WithLabelValues(breakers.FinalizeAck.Name()).Set(float64(breakers.FinalizeAck.State()))
		m.CircuitBreakerState.WithLabelValues(breakers.ReorgVerification.Name()).Set(float64(breakers.ReorgVerification.State()))
		m.FinalizeQueueDepth.WithLabelValues("wal").Set(float64(finalizeQueue.Depth()))
	}
}

func buildWALBackend(cfg config.WALConfig) (walog.Backend, error) {
	switch cfg.Backend {
	case "file":
		return walog.NewFileBackend(cfg.FilePath)
	case "postgres":
		return walog.NewPostgresBackend(context.Background(), cfg.PostgresDSN)
	default:
		return walog.NewMemoryBackend(), nil
	}
}

func (g *gateway) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy", "service": "ocx-gateway"})
}

func (g *gateway) handleIssueKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantID string   `json:"tenant_id"`
		Scopes   []string `json:"scopes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}
	key, err := g.tenancyResolver.IssueAPIKey(r.Context(), req.TenantID, req.Scopes)
	if err != nil {
		http.Error(w, "failed to issue key", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"api_key": key})
}

// handleInfer upgrades to a WebSocket, binds a StreamBridge to one
// Orchestrator run, and pumps events until the run or the connection
// ends.
func (g *gateway) handleInfer(w http.ResponseWriter, r *http.Request) {
	tenantID, err := g.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if !g.rateLimiter.Allow(ratelimiter.DefaultTier, tenantID) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	bridge, ctx := streambridge.New(r.Context(), conn, slog.Default())
	go bridge.WatchForClose()

	orch := orchestrator.New(g.tenancyResolver, g.billingSM, fencingSourceOf(g.leaderLock), g.idemCache, g.dispatcher, g.breakers, slog.Default())

	req := orchestrator.Request{
		TenantID:     tenantID,
		AccountID:    tenantID,
		TraceID:      r.Header.Get("X-Trace-Id"),
		PromptTokens: 0,
		AdapterConfig: modeladapter.Config{
			Command:    g.cfg.ModelAdapter.Command,
			Args:       g.cfg.ModelAdapter.Args,
			Mode:       modeladapter.ModeStream,
			MaxRuntime: durationOrDefault(g.cfg.ModelAdapter.MaxRuntimeSec, 60) * time.Second,
			KillGrace:  durationOrDefault(g.cfg.ModelAdapter.KillGraceSec, 3) * time.Second,
		},
	}

	events := make(chan orchestrator.Event, 64)
	go orch.Run(ctx, req, events)
	bridge.Pump(events)
}

// authenticate accepts either a bearer JWT (validated against the JWKS
// cache) or an X-API-Key header, per §6's dual auth contract.
func (g *gateway) authenticate(r *http.Request) (string, error) {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		claims, err := g.jwtVerifier.Verify(strings.TrimPrefix(auth, "Bearer "))
		if err != nil {
			return "", errs.OpaqueAuthFailure("jwt_verification_failed", err)
		}
		return claims.TenantID, nil
	}
	return g.tenancyResolver.AuthenticateAPIKey(r.Context(), r.Header.Get("X-API-Key"))
}

// walCompletionAcknowledger is the default finalizequeue.Acknowledger:
// treats finalize as already settled once the commit landed in the
// event log, useful for deployments with no external settlement
// service to call back into.
type walCompletionAcknowledger struct {
	log *slog.Logger
}

func (a *walCompletionAcknowledger) Finalize(ctx context.Context, entryID, accountID string, amount uint64, correlationID string) (string, error) {
	return "acked", nil
}

type staticFencingSource struct{ lock *leaderlock.Lock }

func (s staticFencingSource) FencingToken() uint64 {
	if s.lock == nil {
		return 1
	}
	return s.lock.FencingToken()
}

func fencingSourceOf(lock *leaderlock.Lock) staticFencingSource {
	return staticFencingSource{lock: lock}
}

func portOrDefault(port string) string {
	if port == "" {
		return "8080"
	}
	return port
}

func durationOrDefault(v int, def int) time.Duration {
	if v <= 0 {
		return time.Duration(def)
	}
	return time.Duration(v)
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "gateway-unknown"
	}
	return h
}
