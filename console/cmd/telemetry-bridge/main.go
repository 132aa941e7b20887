// Command telemetry-bridge relays drone telemetry from the MQTT broker onto
// the drone.telemetry Kafka topic for the console to consume.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"drone-surveillance-console/console/internal/telemetry"
	"drone-surveillance-console/shared/config"
	"drone-surveillance-console/shared/httpx"
	"drone-surveillance-console/shared/logx"
	"drone-surveillance-console/shared/metricsx"
	"drone-surveillance-console/shared/mqttx"
	"drone-surveillance-console/shared/mqx"
	"drone-surveillance-console/shared/observability"
)

type bridgeStatus struct {
	Status  string                 `json:"status"`
	Service string                 `json:"service"`
	Env     string                 `json:"env,omitempty"`
	Version string                 `json:"version,omitempty"`
	Topic   string                 `json:"topic,omitempty"`
	Bridge  *telemetry.BridgeStats `json:"bridge,omitempty"`
}

func main() {
	cfg, problems := config.Load("telemetry-bridge", 8091)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, problems, version, logger); err != nil {
		logger.Error(context.Background(), "service_failed", "telemetry bridge exited",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	logger.Info(context.Background(), "service_stop", "service stopped")
}

func run(ctx context.Context, cfg config.Config, problems []config.Problem, version string, logger logx.Logger) error {
	metricsx.Register()
	shutdownTracer, err := observability.InitTracer(ctx, observability.TracerConfigFrom(cfg))
	if err != nil {
		logger.Warn(ctx, "otel_init_failed", "tracing disabled",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
	}
	if shutdownTracer != nil {
		defer func() { _ = shutdownTracer(context.Background()) }()
	}

	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
	}
	if strings.TrimSpace(cfg.MQTTBroker) == "" {
		problems = append(problems, config.Problem{Field: "MQTT_BROKER", Message: "MQTT_BROKER is required"})
	}

	var (
		producer *mqx.Producer
		client   *mqttx.Client
		bridge   *telemetry.Bridge
	)
	if len(problems) == 0 {
		producer, client, bridge, err = startBridge(ctx, cfg, logger)
		if err != nil {
			problems = append(problems, config.Problem{Field: "MQTT_BROKER", Message: "bridge init failed"})
			logger.Error(ctx, "bridge_init_failed", "bridge init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		}
	}
	defer func() {
		client.Close()
		if err := producer.Close(); err != nil {
			logger.Warn(context.Background(), "bridge_writer_close_failed", "kafka writer close failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
		}
	}()

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           routes(cfg, problems, version, client, bridge, logger),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info(gctx, "service_start", "starting telemetry bridge",
			slog.String("addr", server.Addr),
			slog.String("mqtt_topic", cfg.MQTTTelemetryTopic),
			slog.Int("kafka_brokers", len(cfg.KafkaBrokers)),
			slog.Bool("ready", len(problems) == 0),
		)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info(context.Background(), "shutdown_signal", "shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func startBridge(ctx context.Context, cfg config.Config, logger logx.Logger) (*mqx.Producer, *mqttx.Client, *telemetry.Bridge, error) {
	producer, err := mqx.NewProducer(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	client, err := mqttx.New(mqttx.Config{
		Broker:   cfg.MQTTBroker,
		ClientID: cfg.MQTTClientID,
		Username: cfg.MQTTUsername,
		Password: cfg.MQTTPassword,
	}, logger)
	if err != nil {
		return producer, nil, nil, err
	}
	bridge := telemetry.NewBridge(producer, cfg.ServiceName, time.Now, logger)
	if err := client.Subscribe(cfg.MQTTTelemetryTopic, 1, bridge.Handler(ctx)); err != nil {
		return producer, client, nil, fmt.Errorf("subscribe %s: %w", cfg.MQTTTelemetryTopic, err)
	}
	return producer, client, bridge, nil
}

func routes(cfg config.Config, problems []config.Problem, version string, client *mqttx.Client, bridge *telemetry.Bridge, logger logx.Logger) http.Handler {
	status := func(s string) bridgeStatus {
		out := bridgeStatus{Status: s, Service: cfg.ServiceName, Env: cfg.Env, Version: version, Topic: cfg.MQTTTelemetryTopic}
		if bridge != nil {
			st := bridge.Stats()
			out.Bridge = &st
		}
		return out
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, status("ok"))
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case len(problems) > 0:
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION",
				"service not ready: invalid configuration", map[string]any{"problems": problems})
		case !client.Connected():
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE",
				"service not ready: mqtt disconnected", map[string]any{"problem": "mqtt_disconnected"})
		default:
			httpx.WriteJSON(w, http.StatusOK, status("ready"))
		}
	})
	mux.Handle("GET /metrics", metricsx.Handler())

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})
	h := httpx.WrapServeMux(mux, notFound)
	h = httpx.WithTimeout(cfg.RequestTimeout, h)
	h = httpx.WithRequestID(h)
	h = httpx.WithRecover(logger, h)
	h = metricsx.Instrument(h)
	h = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/metrics": true}}, h)
	return otelhttp.NewHandler(h, "telemetry-bridge")
}
