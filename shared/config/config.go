package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

const (
	TelemetrySourceKafka = "kafka"
	TelemetrySourceMQTT  = "mqtt"
	TelemetrySourceNone  = "none"
)

type Config struct {
	Env              string
	ServiceName      string
	HTTPPort         int
	LogLevel         string
	ConfigPath       string
	RequestTimeoutMS int
	RequestTimeout   time.Duration

	BackendURL         string
	BackendToken       string
	BackendTimeoutMS   int
	LiveChannelURL     string
	LiveChannelRetryMS int

	LivenessWindowMS int
	LossWindowMS     int
	LivenessTickMS   int

	ReachRadiusM  float64
	OffsetNorthM  float64
	OffsetEastM   float64
	MarkerMinZoom float64
	MarkerMaxZoom float64
	MarkerMinPX   float64
	MarkerMaxPX   float64

	PollIntervalMS    int
	RosterCacheTTLSec int
	NeutraliseReason  string

	TelemetrySource    string
	KafkaBrokers       []string
	KafkaClientID      string
	KafkaGroupID       string
	KafkaRetryMax      int
	KafkaWriteMS       int
	MQTTBroker         string
	MQTTClientID       string
	MQTTUsername       string
	MQTTPassword       string
	MQTTTelemetryTopic string

	DatabaseURL      string
	DBMaxConns       int
	DBMinConns       int
	DBConnMaxIdleSec int
	DBConnMaxLifeSec int
	AuditEnabled     bool
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	ActionLockTTLSec int

	AsynqEnabled      bool
	AsynqRedisAddr    string
	AsynqRedisPass    string
	AsynqRedisDB      int
	AsynqQueue        string
	AsynqConcurrency  int
	MissionTimeoutSec int

	OIDCIssuer      string
	OIDCAudience    string
	OIDCJWKSURL     string
	JWKSTTLSeconds  int
	JWTClockSkewSec int

	CORSAllowedOrigins []string
	RateLimitRPS       float64
	RateLimitBurst     int

	OtelEnabled     bool
	OtelEndpoint    string
	OtelInsecure    bool
	OtelSampleRatio float64
}

func defaults(serviceNameDefault string, httpPortDefault int) Config {
	return Config{
		Env:                "",
		ServiceName:        serviceNameDefault,
		HTTPPort:           httpPortDefault,
		LogLevel:           "info",
		RequestTimeoutMS:   30000,
		BackendTimeoutMS:   5000,
		LiveChannelRetryMS: 2000,
		LivenessWindowMS:   10000,
		LossWindowMS:       60000,
		LivenessTickMS:     1000,
		ReachRadiusM:       6,
		OffsetNorthM:       2,
		OffsetEastM:        2,
		MarkerMinZoom:      10,
		MarkerMaxZoom:      40,
		MarkerMinPX:        18,
		MarkerMaxPX:        48,
		PollIntervalMS:     2000,
		RosterCacheTTLSec:  300,
		NeutraliseReason:   "Neutralised by operator",
		TelemetrySource:    TelemetrySourceKafka,
		KafkaRetryMax:      5,
		KafkaWriteMS:       5000,
		MQTTClientID:       serviceNameDefault,
		MQTTTelemetryTopic: "drones/+/telemetry",
		DBMaxConns:         10,
		DBMinConns:         1,
		DBConnMaxIdleSec:   300,
		DBConnMaxLifeSec:   1800,
		ActionLockTTLSec:   30,
		AsynqQueue:         "default",
		AsynqConcurrency:   10,
		MissionTimeoutSec:  1800,
		JWKSTTLSeconds:     300,
		JWTClockSkewSec:    60,
		RateLimitRPS:       20,
		RateLimitBurst:     40,
		OtelInsecure:       true,
		OtelSampleRatio:    1.0,
	}
}

func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	_ = godotenv.Load()

	cfg := defaults(serviceNameDefault, httpPortDefault)
	cfg.Env = strings.TrimSpace(os.Getenv("ENV"))
	cfg.ConfigPath = strings.TrimSpace(os.Getenv("CONFIG_PATH"))

	problems := make([]Problem, 0, 4)
	envProvided := cfg.Env != ""

	if repoRoot, ok := findRepoRoot(); ok && cfg.Env != "" && cfg.ConfigPath == "" {
		cfg.ConfigPath = filepath.Join(repoRoot, "configs", cfg.Env+".json")
	}

	fileData, fileProblems, ok := loadConfigFile(cfg.ConfigPath, strings.TrimSpace(os.Getenv("CONFIG_PATH")) != "")
	problems = append(problems, fileProblems...)
	if ok {
		if fileEnv, ok := readStringKey(fileData, "ENV"); ok && strings.TrimSpace(fileEnv) != "" {
			envProvided = true
		}
		applyConfigMap(&cfg, fileData, &problems)
	}

	applyConfigMap(&cfg, envMap(), &problems)

	if cfg.OIDCIssuer != "" && strings.TrimSpace(cfg.OIDCJWKSURL) == "" {
		cfg.OIDCJWKSURL = strings.TrimRight(cfg.OIDCIssuer, "/") + "/.well-known/jwks.json"
	}

	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if !envProvided {
		problems = append(problems, Problem{Field: "ENV", Message: "ENV is required"})
	}

	validate(&cfg, httpPortDefault, &problems)
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	return cfg, problems
}

func validate(cfg *Config, httpPortDefault int, problems *[]Problem) {
	d := defaults(cfg.ServiceName, httpPortDefault)
	add := func(field string, msg string) {
		*problems = append(*problems, Problem{Field: field, Message: msg})
	}

	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		add("HTTP_PORT", "HTTP_PORT must be 1-65535")
		cfg.HTTPPort = httpPortDefault
	}
	positiveInts := []struct {
		field string
		value *int
		def   int
	}{
		{"REQUEST_TIMEOUT_MS", &cfg.RequestTimeoutMS, d.RequestTimeoutMS},
		{"BACKEND_TIMEOUT_MS", &cfg.BackendTimeoutMS, d.BackendTimeoutMS},
		{"LIVE_CHANNEL_RETRY_MS", &cfg.LiveChannelRetryMS, d.LiveChannelRetryMS},
		{"LIVENESS_WINDOW_MS", &cfg.LivenessWindowMS, d.LivenessWindowMS},
		{"LOSS_WINDOW_MS", &cfg.LossWindowMS, d.LossWindowMS},
		{"LIVENESS_TICK_MS", &cfg.LivenessTickMS, d.LivenessTickMS},
		{"POLL_INTERVAL_MS", &cfg.PollIntervalMS, d.PollIntervalMS},
		{"ROSTER_CACHE_TTL_SECONDS", &cfg.RosterCacheTTLSec, d.RosterCacheTTLSec},
		{"KAFKA_WRITE_TIMEOUT_MS", &cfg.KafkaWriteMS, d.KafkaWriteMS},
		{"DB_MAX_CONNS", &cfg.DBMaxConns, d.DBMaxConns},
		{"DB_CONN_MAX_IDLE_SECONDS", &cfg.DBConnMaxIdleSec, d.DBConnMaxIdleSec},
		{"DB_CONN_MAX_LIFETIME_SECONDS", &cfg.DBConnMaxLifeSec, d.DBConnMaxLifeSec},
		{"ACTION_LOCK_TTL_SECONDS", &cfg.ActionLockTTLSec, d.ActionLockTTLSec},
		{"ASYNQ_CONCURRENCY", &cfg.AsynqConcurrency, d.AsynqConcurrency},
		{"MISSION_TIMEOUT_SECONDS", &cfg.MissionTimeoutSec, d.MissionTimeoutSec},
		{"JWKS_CACHE_TTL_SECONDS", &cfg.JWKSTTLSeconds, d.JWKSTTLSeconds},
		{"RATE_LIMIT_BURST", &cfg.RateLimitBurst, d.RateLimitBurst},
	}
	for _, item := range positiveInts {
		if *item.value <= 0 {
			add(item.field, item.field+" must be > 0")
			*item.value = item.def
		}
	}
	if cfg.LossWindowMS <= cfg.LivenessWindowMS {
		add("LOSS_WINDOW_MS", "LOSS_WINDOW_MS must be greater than LIVENESS_WINDOW_MS")
		cfg.LivenessWindowMS = d.LivenessWindowMS
		cfg.LossWindowMS = d.LossWindowMS
	}
	if cfg.ReachRadiusM < 0 {
		add("REACH_RADIUS_METERS", "REACH_RADIUS_METERS must be >= 0")
		cfg.ReachRadiusM = d.ReachRadiusM
	}
	if cfg.MarkerMaxZoom <= cfg.MarkerMinZoom {
		add("MARKER_MAX_ZOOM", "MARKER_MAX_ZOOM must be greater than MARKER_MIN_ZOOM")
		cfg.MarkerMinZoom = d.MarkerMinZoom
		cfg.MarkerMaxZoom = d.MarkerMaxZoom
	}
	if cfg.MarkerMinPX <= 0 || cfg.MarkerMaxPX < cfg.MarkerMinPX {
		add("MARKER_MAX_PX", "marker pixel sizes must satisfy 0 < MARKER_MIN_PX <= MARKER_MAX_PX")
		cfg.MarkerMinPX = d.MarkerMinPX
		cfg.MarkerMaxPX = d.MarkerMaxPX
	}
	switch cfg.TelemetrySource {
	case TelemetrySourceKafka, TelemetrySourceMQTT, TelemetrySourceNone:
	default:
		add("TELEMETRY_SOURCE", "TELEMETRY_SOURCE must be kafka, mqtt or none")
		cfg.TelemetrySource = d.TelemetrySource
	}
	if strings.TrimSpace(cfg.NeutraliseReason) == "" {
		cfg.NeutraliseReason = d.NeutraliseReason
	}
	if cfg.JWTClockSkewSec < 0 {
		add("JWT_CLOCK_SKEW_SECONDS", "JWT_CLOCK_SKEW_SECONDS must be >= 0")
		cfg.JWTClockSkewSec = d.JWTClockSkewSec
	}
	if cfg.DBMinConns < 0 {
		add("DB_MIN_CONNS", "DB_MIN_CONNS must be >= 0")
		cfg.DBMinConns = d.DBMinConns
	}
	if cfg.DBMinConns > cfg.DBMaxConns {
		add("DB_MIN_CONNS", "DB_MIN_CONNS must be <= DB_MAX_CONNS")
		cfg.DBMinConns = cfg.DBMaxConns
	}
	if cfg.KafkaRetryMax < 0 {
		add("KAFKA_RETRY_MAX", "KAFKA_RETRY_MAX must be >= 0")
		cfg.KafkaRetryMax = d.KafkaRetryMax
	}
	if cfg.RedisDB < 0 {
		add("REDIS_DB", "REDIS_DB must be >= 0")
		cfg.RedisDB = 0
	}
	if cfg.AsynqRedisDB < 0 {
		add("ASYNQ_REDIS_DB", "ASYNQ_REDIS_DB must be >= 0")
		cfg.AsynqRedisDB = 0
	}
	if strings.TrimSpace(cfg.AsynqQueue) == "" {
		cfg.AsynqQueue = d.AsynqQueue
	}
	if cfg.AsynqEnabled && strings.TrimSpace(cfg.AsynqRedisAddr) == "" {
		cfg.AsynqRedisAddr = cfg.RedisAddr
		cfg.AsynqRedisPass = cfg.RedisPassword
	}
	if cfg.RateLimitRPS <= 0 {
		add("RATE_LIMIT_RPS", "RATE_LIMIT_RPS must be > 0")
		cfg.RateLimitRPS = d.RateLimitRPS
	}
	if cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1 {
		add("OTEL_SAMPLE_RATIO", "OTEL_SAMPLE_RATIO must be 0-1")
		cfg.OtelSampleRatio = 1.0
	}
}

func (c Config) LivenessWindow() time.Duration {
	return time.Duration(c.LivenessWindowMS) * time.Millisecond
}

func (c Config) LossWindow() time.Duration {
	return time.Duration(c.LossWindowMS) * time.Millisecond
}

func (c Config) LivenessTick() time.Duration {
	return time.Duration(c.LivenessTickMS) * time.Millisecond
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

func (c Config) BackendTimeout() time.Duration {
	return time.Duration(c.BackendTimeoutMS) * time.Millisecond
}

func (c Config) LiveChannelRetry() time.Duration {
	return time.Duration(c.LiveChannelRetryMS) * time.Millisecond
}

func (c Config) RosterCacheTTL() time.Duration {
	return time.Duration(c.RosterCacheTTLSec) * time.Second
}

func (c Config) ActionLockTTL() time.Duration {
	return time.Duration(c.ActionLockTTLSec) * time.Second
}

func (c Config) MissionTimeout() time.Duration {
	return time.Duration(c.MissionTimeoutSec) * time.Second
}

func findRepoRoot() (string, bool) {
	start, err := os.Getwd()
	if err != nil {
		return "", false
	}
	dir := start
	for i := 0; i < 8; i++ {
		candidate := filepath.Join(dir, "configs")
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

func loadConfigFile(path string, explicit bool) (map[string]any, []Problem, bool) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, false
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if explicit && !errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("failed to read config file: %v", err)}}, false
		}
		if explicit && errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: "config file not found"}}, false
		}
		return nil, nil, false
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("invalid json: %v", err)}}, false
	}
	return raw, nil, true
}

var knownKeys = []string{
	"SERVICE_NAME", "HTTP_PORT", "LOG_LEVEL", "REQUEST_TIMEOUT_MS",
	"BACKEND_URL", "BACKEND_TOKEN", "BACKEND_TIMEOUT_MS", "LIVE_CHANNEL_URL", "LIVE_CHANNEL_RETRY_MS",
	"LIVENESS_WINDOW_MS", "LOSS_WINDOW_MS", "LIVENESS_TICK_MS",
	"REACH_RADIUS_METERS", "COLLISION_OFFSET_NORTH_METERS", "COLLISION_OFFSET_EAST_METERS",
	"MARKER_MIN_ZOOM", "MARKER_MAX_ZOOM", "MARKER_MIN_PX", "MARKER_MAX_PX",
	"POLL_INTERVAL_MS", "ROSTER_CACHE_TTL_SECONDS", "NEUTRALISE_REASON",
	"TELEMETRY_SOURCE", "KAFKA_BROKERS", "KAFKA_CLIENT_ID", "KAFKA_CONSUMER_GROUP", "KAFKA_RETRY_MAX", "KAFKA_WRITE_TIMEOUT_MS",
	"MQTT_BROKER", "MQTT_CLIENT_ID", "MQTT_USERNAME", "MQTT_PASSWORD", "MQTT_TELEMETRY_TOPIC",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_CONN_MAX_IDLE_SECONDS", "DB_CONN_MAX_LIFETIME_SECONDS", "AUDIT_ENABLED",
	"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB", "ACTION_LOCK_TTL_SECONDS",
	"ASYNQ_ENABLED", "ASYNQ_REDIS_ADDR", "ASYNQ_REDIS_PASSWORD", "ASYNQ_REDIS_DB", "ASYNQ_QUEUE", "ASYNQ_CONCURRENCY",
	"MISSION_TIMEOUT_SECONDS",
	"OIDC_ISSUER", "OIDC_AUDIENCE", "OIDC_JWKS_URL", "JWKS_CACHE_TTL_SECONDS", "JWT_CLOCK_SKEW_SECONDS",
	"CORS_ALLOWED_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"OTEL_ENABLED", "OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_INSECURE", "OTEL_SAMPLE_RATIO",
}

// envMap collects the environment overrides so they run through the same
// parser as the config file. PORT is accepted as an alias for HTTP_PORT.
func envMap() map[string]any {
	out := make(map[string]any, len(knownKeys))
	for _, key := range knownKeys {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			out[key] = v
		}
	}
	if _, ok := out["HTTP_PORT"]; !ok {
		if v := strings.TrimSpace(os.Getenv("PORT")); v != "" {
			out["HTTP_PORT"] = v
		}
	}
	return out
}

func applyConfigMap(cfg *Config, raw map[string]any, problems *[]Problem) {
	for k, v := range raw {
		key := strings.ToUpper(strings.TrimSpace(k))
		switch key {
		case "ENV":
			if s, ok := v.(string); ok {
				cfg.Env = strings.TrimSpace(s)
			}
		case "SERVICE_NAME":
			setString(&cfg.ServiceName, v, false)
		case "HTTP_PORT":
			p, ok := asInt(v)
			if !ok || p <= 0 || p > 65535 {
				*problems = append(*problems, Problem{Field: key, Message: "HTTP_PORT must be 1-65535"})
			} else {
				cfg.HTTPPort = p
			}
		case "LOG_LEVEL":
			setString(&cfg.LogLevel, v, false)
		case "REQUEST_TIMEOUT_MS":
			setInt(&cfg.RequestTimeoutMS, key, v, problems)
		case "BACKEND_URL":
			setString(&cfg.BackendURL, v, true)
			cfg.BackendURL = strings.TrimRight(cfg.BackendURL, "/")
		case "BACKEND_TOKEN":
			setString(&cfg.BackendToken, v, true)
		case "BACKEND_TIMEOUT_MS":
			setInt(&cfg.BackendTimeoutMS, key, v, problems)
		case "LIVE_CHANNEL_URL":
			setString(&cfg.LiveChannelURL, v, true)
		case "LIVE_CHANNEL_RETRY_MS":
			setInt(&cfg.LiveChannelRetryMS, key, v, problems)
		case "LIVENESS_WINDOW_MS":
			setInt(&cfg.LivenessWindowMS, key, v, problems)
		case "LOSS_WINDOW_MS":
			setInt(&cfg.LossWindowMS, key, v, problems)
		case "LIVENESS_TICK_MS":
			setInt(&cfg.LivenessTickMS, key, v, problems)
		case "REACH_RADIUS_METERS":
			setFloat(&cfg.ReachRadiusM, key, v, problems)
		case "COLLISION_OFFSET_NORTH_METERS":
			setFloat(&cfg.OffsetNorthM, key, v, problems)
		case "COLLISION_OFFSET_EAST_METERS":
			setFloat(&cfg.OffsetEastM, key, v, problems)
		case "MARKER_MIN_ZOOM":
			setFloat(&cfg.MarkerMinZoom, key, v, problems)
		case "MARKER_MAX_ZOOM":
			setFloat(&cfg.MarkerMaxZoom, key, v, problems)
		case "MARKER_MIN_PX":
			setFloat(&cfg.MarkerMinPX, key, v, problems)
		case "MARKER_MAX_PX":
			setFloat(&cfg.MarkerMaxPX, key, v, problems)
		case "POLL_INTERVAL_MS":
			setInt(&cfg.PollIntervalMS, key, v, problems)
		case "ROSTER_CACHE_TTL_SECONDS":
			setInt(&cfg.RosterCacheTTLSec, key, v, problems)
		case "NEUTRALISE_REASON":
			setString(&cfg.NeutraliseReason, v, false)
		case "TELEMETRY_SOURCE":
			if s, ok := v.(string); ok {
				cfg.TelemetrySource = strings.ToLower(strings.TrimSpace(s))
			}
		case "KAFKA_BROKERS":
			setList(&cfg.KafkaBrokers, v)
		case "KAFKA_CLIENT_ID":
			setString(&cfg.KafkaClientID, v, true)
		case "KAFKA_CONSUMER_GROUP":
			setString(&cfg.KafkaGroupID, v, true)
		case "KAFKA_RETRY_MAX":
			setInt(&cfg.KafkaRetryMax, key, v, problems)
		case "KAFKA_WRITE_TIMEOUT_MS":
			setInt(&cfg.KafkaWriteMS, key, v, problems)
		case "MQTT_BROKER":
			setString(&cfg.MQTTBroker, v, true)
		case "MQTT_CLIENT_ID":
			setString(&cfg.MQTTClientID, v, false)
		case "MQTT_USERNAME":
			setString(&cfg.MQTTUsername, v, true)
		case "MQTT_PASSWORD":
			if s, ok := v.(string); ok {
				cfg.MQTTPassword = s
			}
		case "MQTT_TELEMETRY_TOPIC":
			setString(&cfg.MQTTTelemetryTopic, v, false)
		case "DATABASE_URL":
			setString(&cfg.DatabaseURL, v, true)
		case "DB_MAX_CONNS":
			setInt(&cfg.DBMaxConns, key, v, problems)
		case "DB_MIN_CONNS":
			setInt(&cfg.DBMinConns, key, v, problems)
		case "DB_CONN_MAX_IDLE_SECONDS":
			setInt(&cfg.DBConnMaxIdleSec, key, v, problems)
		case "DB_CONN_MAX_LIFETIME_SECONDS":
			setInt(&cfg.DBConnMaxLifeSec, key, v, problems)
		case "AUDIT_ENABLED":
			setBool(&cfg.AuditEnabled, key, v, problems)
		case "REDIS_ADDR":
			setString(&cfg.RedisAddr, v, true)
		case "REDIS_PASSWORD":
			if s, ok := v.(string); ok {
				cfg.RedisPassword = s
			}
		case "REDIS_DB":
			setInt(&cfg.RedisDB, key, v, problems)
		case "ACTION_LOCK_TTL_SECONDS":
			setInt(&cfg.ActionLockTTLSec, key, v, problems)
		case "ASYNQ_ENABLED":
			setBool(&cfg.AsynqEnabled, key, v, problems)
		case "ASYNQ_REDIS_ADDR":
			setString(&cfg.AsynqRedisAddr, v, true)
		case "ASYNQ_REDIS_PASSWORD":
			if s, ok := v.(string); ok {
				cfg.AsynqRedisPass = s
			}
		case "ASYNQ_REDIS_DB":
			setInt(&cfg.AsynqRedisDB, key, v, problems)
		case "ASYNQ_QUEUE":
			setString(&cfg.AsynqQueue, v, false)
		case "ASYNQ_CONCURRENCY":
			setInt(&cfg.AsynqConcurrency, key, v, problems)
		case "MISSION_TIMEOUT_SECONDS":
			setInt(&cfg.MissionTimeoutSec, key, v, problems)
		case "OIDC_ISSUER":
			setString(&cfg.OIDCIssuer, v, true)
		case "OIDC_AUDIENCE":
			setString(&cfg.OIDCAudience, v, true)
		case "OIDC_JWKS_URL":
			setString(&cfg.OIDCJWKSURL, v, true)
		case "JWKS_CACHE_TTL_SECONDS":
			setInt(&cfg.JWKSTTLSeconds, key, v, problems)
		case "JWT_CLOCK_SKEW_SECONDS":
			setInt(&cfg.JWTClockSkewSec, key, v, problems)
		case "CORS_ALLOWED_ORIGINS":
			setList(&cfg.CORSAllowedOrigins, v)
		case "RATE_LIMIT_RPS":
			setFloat(&cfg.RateLimitRPS, key, v, problems)
		case "RATE_LIMIT_BURST":
			setInt(&cfg.RateLimitBurst, key, v, problems)
		case "OTEL_ENABLED":
			setBool(&cfg.OtelEnabled, key, v, problems)
		case "OTEL_EXPORTER_OTLP_ENDPOINT":
			setString(&cfg.OtelEndpoint, v, true)
		case "OTEL_EXPORTER_OTLP_INSECURE":
			setBool(&cfg.OtelInsecure, key, v, problems)
		case "OTEL_SAMPLE_RATIO":
			setFloat(&cfg.OtelSampleRatio, key, v, problems)
		}
	}
}

func setString(dst *string, v any, allowEmpty bool) {
	s, ok := v.(string)
	if !ok {
		return
	}
	s = strings.TrimSpace(s)
	if s == "" && !allowEmpty {
		return
	}
	*dst = s
}

func setInt(dst *int, field string, v any, problems *[]Problem) {
	n, ok := asInt(v)
	if !ok {
		*problems = append(*problems, Problem{Field: field, Message: field + " must be an integer"})
		return
	}
	*dst = n
}

func setFloat(dst *float64, field string, v any, problems *[]Problem) {
	f, ok := asFloat(v)
	if !ok {
		*problems = append(*problems, Problem{Field: field, Message: field + " must be a number"})
		return
	}
	*dst = f
}

func setBool(dst *bool, field string, v any, problems *[]Problem) {
	switch t := v.(type) {
	case bool:
		*dst = t
		return
	case string:
		if b, ok := asBool(t); ok {
			*dst = b
			return
		}
	}
	*problems = append(*problems, Problem{Field: field, Message: field + " must be a boolean"})
}

func setList(dst *[]string, v any) {
	switch t := v.(type) {
	case string:
		*dst = parseCSV(t)
	case []any:
		*dst = parseAnyCSV(t)
	}
}

func readStringKey(raw map[string]any, key string) (string, bool) {
	for k, v := range raw {
		if strings.EqualFold(strings.TrimSpace(k), key) {
			s, ok := v.(string)
			return s, ok
		}
	}
	return "", false
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case json.Number:
		i, err := t.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		return i, err == nil
	default:
		return 0, false
	}
}

func asBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "y":
		return true, true
	case "false", "0", "no", "n":
		return false, true
	default:
		return false, false
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseAnyCSV(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			s = strings.TrimSpace(s)
			if s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
