package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"drone-surveillance-console/console/internal/alerts"
	"drone-surveillance-console/console/internal/api"
	"drone-surveillance-console/console/internal/backend"
	"drone-surveillance-console/console/internal/geo"
	"drone-surveillance-console/console/internal/jobs"
	"drone-surveillance-console/console/internal/livechannel"
	"drone-surveillance-console/console/internal/liveness"
	"drone-surveillance-console/console/internal/middleware"
	"drone-surveillance-console/console/internal/mission"
	"drone-surveillance-console/console/internal/notices"
	"drone-surveillance-console/console/internal/offlinemap"
	"drone-surveillance-console/console/internal/push"
	"drone-surveillance-console/console/internal/repos"
	"drone-surveillance-console/console/internal/roster"
	"drone-surveillance-console/console/internal/telemetry"
	"drone-surveillance-console/shared/authx"
	"drone-surveillance-console/shared/cachex"
	"drone-surveillance-console/shared/config"
	"drone-surveillance-console/shared/dbx"
	"drone-surveillance-console/shared/events"
	"drone-surveillance-console/shared/httpx"
	"drone-surveillance-console/shared/lockx"
	"drone-surveillance-console/shared/logx"
	"drone-surveillance-console/shared/metricsx"
	"drone-surveillance-console/shared/mqttx"
	"drone-surveillance-console/shared/mqx"
	"drone-surveillance-console/shared/observability"
)

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

func isProbe(r *http.Request) bool {
	return r.URL.Path == "/healthz" || r.URL.Path == "/readyz" || r.URL.Path == "/metrics"
}

func main() {
	cfg, readyProblems := config.Load("console", 8080)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	metricsx.Register()

	shutdownTracer, err := observability.InitTracer(context.Background(), observability.TracerConfigFrom(cfg))
	if err != nil {
		logger.Error(context.Background(), "otel_init_failed", "otel init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
	}

	backendClient, err := backend.NewClient(cfg.BackendURL, cfg.BackendToken, cfg.BackendTimeout())
	if err != nil {
		logger.Error(context.Background(), "backend_init_failed", "backend client init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	if cfg.LiveChannelURL == "" {
		readyProblems = append(readyProblems, config.Problem{Field: "LIVE_CHANNEL_URL", Message: "LIVE_CHANNEL_URL is required"})
	}

	ctx, cancel := context.WithCancel(context.Background())

	var cache *cachex.Client
	var locker *lockx.Locker
	if cfg.RedisAddr != "" {
		cache, err = cachex.New(cfg)
		if err == nil {
			pingCtx, pingCancel := context.WithTimeout(ctx, 2*time.Second)
			err = cache.Ping(pingCtx)
			pingCancel()
		}
		if err != nil {
			logger.Warn(context.Background(), "redis_unavailable", "redis unavailable, roster cache and action locks run degraded",
				slog.String("error_code", "UNAVAILABLE"),
				slog.String("error", err.Error()),
			)
		}
		if cache != nil {
			locker = lockx.NewLocker(cache.Redis(), "console:action:", cfg.ActionLockTTL())
		}
	}

	var dbPool *pgxpool.Pool
	if cfg.AuditEnabled {
		if cfg.DatabaseURL == "" {
			readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required when AUDIT_ENABLED is set"})
		} else {
			dbPool, err = dbx.Open(ctx, cfg, 5*time.Second)
			if err == nil {
				err = repos.EnsureSchema(ctx, dbPool)
			}
			if err != nil {
				readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "failed to connect to database"})
				logger.Error(context.Background(), "db_init_failed", "database init failed",
					slog.String("error_code", "FAILED_PRECONDITION"),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	verifier, err := authx.NewVerifierFromConfig(cfg)
	if err != nil {
		readyProblems = append(readyProblems, config.Problem{Field: "OIDC_ISSUER", Message: "failed to initialize JWT verifier"})
		logger.Error(context.Background(), "auth_init_failed", "jwt verifier init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
	}

	var producer *mqx.Producer
	if len(cfg.KafkaBrokers) > 0 {
		producer, err = mqx.NewProducer(cfg)
		if err != nil {
			logger.Error(context.Background(), "kafka_producer_init_failed", "kafka producer init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		}
	}

	var asynqRedis asynq.RedisClientOpt
	var asynqClient *asynq.Client
	if cfg.AsynqEnabled {
		if strings.TrimSpace(cfg.AsynqRedisAddr) == "" {
			readyProblems = append(readyProblems, config.Problem{Field: "ASYNQ_REDIS_ADDR", Message: "ASYNQ_REDIS_ADDR or REDIS_ADDR is required when ASYNQ_ENABLED is set"})
		} else {
			asynqRedis = asynq.RedisClientOpt{
				Addr:     cfg.AsynqRedisAddr,
				Password: cfg.AsynqRedisPass,
				DB:       cfg.AsynqRedisDB,
			}
			asynqClient = asynq.NewClient(asynqRedis)
		}
	}

	store := notices.NewStore(notices.DefaultCapacity)
	feed := alerts.NewFeed(alerts.NewIndex(), backendClient, store, logger)

	var rosterCache cachex.JSONStore
	if cache != nil {
		rosterCache = cache
	}
	rost := roster.New(backendClient, rosterCache, cfg.RosterCacheTTL())

	deps := mission.Deps{
		Commander:        backendClient,
		Alerts:           feed,
		Roster:           rost,
		Notifier:         store,
		Logger:           logger,
		NeutraliseReason: cfg.NeutraliseReason,
	}
	if locker != nil {
		deps.Locker = locker
	}
	if producer != nil {
		deps.Publisher = producer
	}
	if asynqClient != nil {
		deps.Scheduler = jobs.NewScheduler(asynqClient, cfg.AsynqQueue, cfg.MissionTimeout())
	}
	orch := mission.New(deps)
	feed.OnResolved = func(id string) { orch.ForceClose(id) }

	tracker := liveness.NewTracker(liveness.Windows{Liveness: cfg.LivenessWindow(), Loss: cfg.LossWindow()})
	resolver := geo.NewResolver(geo.Options{
		ReachRadiusMeters: cfg.ReachRadiusM,
		OffsetNorthMeters: cfg.OffsetNorthM,
		OffsetEastMeters:  cfg.OffsetEastM,
		MinZoom:           cfg.MarkerMinZoom,
		MaxZoom:           cfg.MarkerMaxZoom,
		MinSizePx:         cfg.MarkerMinPX,
		MaxSizePx:         cfg.MarkerMaxPX,
	})
	offline := offlinemap.NewView(backendClient, cfg.PollInterval(), logger)
	hub := push.NewHub(cfg.CORSAllowedOrigins, logger)
	mapsHub := push.NewHub(cfg.CORSAllowedOrigins, logger)

	connector := livechannel.NewConnector(
		livechannel.NewWebSocketTransport(cfg.LiveChannelURL, cfg.BackendToken, cfg.LiveChannelRetry(), logger),
		logger,
	)
	connector.OnAlertActive(feed.HandleActive)
	connector.OnAlertResolved(feed.HandleResolved)

	consoleAPI := api.New(api.Deps{
		Connection:   connector,
		Feed:         feed,
		Orchestrator: orch,
		Roster:       rost,
		Tracker:      tracker,
		Resolver:     resolver,
		Notices:      store,
		OfflineMaps:  offline,
		Hub:          hub,
		MapsHub:      mapsHub,
		Logger:       logger,
	})
	consoleAPI.Bind()
	connector.OnStatus(consoleAPI.ConnectionChanged)

	sink := telemetry.NewSink(tracker, time.Now, logger)
	sink.OnTransition = func(t liveness.Transition) {
		consoleAPI.TransitionsChanged([]liveness.Transition{t})
	}

	var wg sync.WaitGroup
	goRun := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}
	goRun(func() { hub.Run(ctx) })
	goRun(func() { mapsHub.Run(ctx) })

	// One snapshot at startup; a failure leaves the list empty with a notice.
	_ = feed.Load(ctx, false)

	goRun(func() {
		if err := connector.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error(ctx, "live_channel_failed", "live channel stopped",
				slog.String("error_code", "UNAVAILABLE"),
				slog.String("error", err.Error()),
			)
		}
	})
	goRun(func() { tracker.Run(ctx, cfg.LivenessTick(), time.Now, consoleAPI.TransitionsChanged) })
	goRun(func() { consoleAPI.RunDronePush(ctx, cfg.LivenessTick()) })

	var asynqServer *asynq.Server
	var inspector *asynq.Inspector
	if asynqClient != nil {
		asynqServer = asynq.NewServer(asynqRedis, asynq.Config{
			Concurrency: cfg.AsynqConcurrency,
			Queues: map[string]int{
				cfg.AsynqQueue: 1,
			},
		})
		if err := asynqServer.Start(jobs.NewServeMux(orch, logger)); err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "ASYNQ_REDIS_ADDR", Message: "mission expiry worker failed to start"})
			logger.Error(context.Background(), "asynq_start_failed", "asynq server start failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
			asynqServer = nil
		} else {
			inspector = asynq.NewInspector(asynqRedis)
			goRun(func() { jobs.RunQueueMonitor(ctx, inspector, cfg.AsynqQueue, 10*time.Second) })
		}
	}

	var readers []*kafka.Reader
	var mqttClient *mqttx.Client
	switch cfg.TelemetrySource {
	case config.TelemetrySourceKafka:
		telemetryReader, err := mqx.NewConsumer(cfg, events.TopicDroneTelemetry, cfg.KafkaGroupID)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "KAFKA_BROKERS", Message: "telemetry consumer: " + err.Error()})
			break
		}
		missionReader, err := mqx.NewConsumer(cfg, events.TopicMissionEvents, cfg.KafkaGroupID)
		if err != nil {
			_ = telemetryReader.Close()
			readyProblems = append(readyProblems, config.Problem{Field: "KAFKA_BROKERS", Message: "mission consumer: " + err.Error()})
			break
		}
		readers = append(readers, telemetryReader, missionReader)
		source := &telemetry.KafkaSource{
			Telemetry: telemetryReader,
			Missions:  missionReader,
			GroupID:   cfg.KafkaGroupID,
			Sink:      sink,
			Ender:     orch,
			Logger:    logger,
		}
		goRun(func() { source.Run(ctx) })
	case config.TelemetrySourceMQTT:
		mqttClient, err = mqttx.New(mqttx.Config{
			Broker:   cfg.MQTTBroker,
			ClientID: cfg.MQTTClientID,
			Username: cfg.MQTTUsername,
			Password: cfg.MQTTPassword,
		}, logger)
		if err == nil {
			err = telemetry.NewMQTTSource(mqttClient, cfg.MQTTTelemetryTopic, sink, logger).Start(ctx)
		}
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "MQTT_BROKER", Message: "telemetry subscription failed"})
			logger.Error(context.Background(), "mqtt_init_failed", "mqtt telemetry init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		}
	default:
		logger.Warn(context.Background(), "telemetry_disabled", "no telemetry source configured")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ok",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if len(readyProblems) > 0 {
			httpx.WriteError(
				w,
				r,
				http.StatusServiceUnavailable,
				"FAILED_PRECONDITION",
				"service not ready: invalid configuration",
				map[string]any{"problems": readyProblems},
			)
			return
		}
		if dbPool != nil {
			if err := dbx.Ping(r.Context(), dbPool); err != nil {
				httpx.WriteError(
					w,
					r,
					http.StatusServiceUnavailable,
					"FAILED_PRECONDITION",
					"service not ready: database unavailable",
					map[string]any{"problem": "db_ping_failed"},
				)
				return
			}
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ready",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.Handle("GET /metrics", metricsx.Handler())
	mux.HandleFunc("GET /api/v1/me", func(w http.ResponseWriter, r *http.Request) {
		auth, ok := authx.FromContext(r.Context())
		if !ok {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing auth context", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"subject": auth.Subject,
			"email":   auth.Email,
			"name":    auth.Name,
			"roles":   auth.Roles,
		})
	})
	consoleAPI.Register(mux)

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})

	var auditWriter middleware.AuditWriter
	if dbPool != nil {
		auditWriter = repos.NewAuditRepo(dbPool)
	}

	handler := httpx.WrapServeMux(mux, notFound)
	handler = middleware.AuditMiddleware{
		Enabled: cfg.AuditEnabled,
		Repo:    auditWriter,
		Logger:  logger,
		Skip:    isProbe,
	}.Wrap(handler)
	handler = middleware.RateLimitMiddleware{
		Limiter: middleware.NewKeyedLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, 10*time.Minute),
		Skip: func(r *http.Request) bool {
			return r.Method == http.MethodGet || r.Method == http.MethodOptions || httpx.IsWebSocketUpgrade(r)
		},
	}.Wrap(handler)
	if verifier != nil {
		handler = middleware.RoleMiddleware{Skip: isProbe}.Wrap(handler)
		handler = middleware.AuthMiddleware{
			Verifier: verifier,
			Logger:   logger,
			Skip:     isProbe,
		}.Wrap(handler)
	} else {
		logger.Warn(context.Background(), "auth_disabled", "OIDC_ISSUER not set, operator routes are unauthenticated")
	}
	handler = httpx.WithTimeout(cfg.RequestTimeout, handler)
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRecover(logger, handler)
	handler = middleware.CORSMiddleware{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowCredentials: true,
		MaxAge:           10 * time.Minute,
		Skip:             isProbe,
	}.Wrap(handler)
	handler = metricsx.Instrument(handler)
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/metrics": true}}, handler)
	handler = otelhttp.NewHandler(handler, "http")

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.Int("http_port", cfg.HTTPPort),
			slog.String("log_level", cfg.LogLevel),
			slog.Int("request_timeout_ms", cfg.RequestTimeoutMS),
			slog.String("telemetry_source", cfg.TelemetrySource),
			slog.Bool("auth_enabled", verifier != nil),
			slog.Bool("audit_enabled", dbPool != nil),
			slog.Bool("mission_expiry_enabled", asynqServer != nil),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server_failed", "server failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "shutdown_failed", "shutdown failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
	}

	cancel()
	offline.Close()
	wg.Wait()

	if asynqServer != nil {
		asynqServer.Shutdown()
	}
	if inspector != nil {
		_ = inspector.Close()
	}
	if asynqClient != nil {
		_ = asynqClient.Close()
	}

	for _, r := range readers {
		_ = r.Close()
	}
	if mqttClient != nil {
		mqttClient.Close()
	}
	if producer != nil {
		if err := producer.Close(); err != nil {
			logger.Error(context.Background(), "kafka_producer_close_failed", "kafka producer close failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
		}
	}
	if cache != nil {
		_ = cache.Close()
	}
	if dbPool != nil {
		dbPool.Close()
	}
	if shutdownTracer != nil {
		_ = shutdownTracer(context.Background())
	}
	logger.Info(context.Background(), "service_stop", "service stopped")
}
