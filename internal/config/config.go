package config

import (
	"bufio"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// NATS Configuration
	NatsURL          string
	RequestSubject   string
	QueueGroup       string
	BroadcastPrefix  string
	HeartbeatSubject string

	// Redis Configuration
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// HTTP Configuration
	HTTPAddr string

	// Completion Provider Configuration
	ProviderURL     string
	ProviderModel   string
	ProviderTimeout time.Duration

	// Pipeline Configuration
	InstanceName     string
	Concurrency      int
	VIPUsers         []string
	MetricsRetention time.Duration
	HeartbeatEvery   time.Duration

	// Alert thresholds
	AlertP99Ms      float64
	AlertHitRate    float64
	AlertQueueDepth int64

	// Database Configuration
	DBPath string
}

func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := loadDotEnv(envFile); err != nil {
			slog.Warn("Could not load env file", "file", envFile, "error", err)
		} else {
			slog.Info("Environment loaded", "file", envFile)
		}
	}

	return &Config{
		NatsURL:          getEnv("NATS_URL", "nats://127.0.0.1:4222"),
		RequestSubject:   getEnv("REQUEST_SUBJECT", "pipeline.request.default"),
		QueueGroup:       getEnv("QUEUE_GROUP", "pipeline-workers"),
		BroadcastPrefix:  getEnv("BROADCAST_PREFIX", "pipeline.stream"),
		HeartbeatSubject: getEnv("HEARTBEAT_SUBJECT", "monitoring.pipeline.heartbeat"),
		RedisAddr:        getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:    getEnv("REDIS_PASSWORD", ""),
		RedisDB:          getEnvInt("REDIS_DB", 0),
		HTTPAddr:         getEnv("HTTP_ADDR", ":8082"),
		ProviderURL:      getEnv("PROVIDER_URL", "http://127.0.0.1:11434"),
		ProviderModel:    getEnv("PROVIDER_MODEL", "default"),
		ProviderTimeout:  getEnvDuration("PROVIDER_TIMEOUT", "5m"),
		InstanceName:     getEnv("INSTANCE_NAME", "pipeline-1"),
		Concurrency:      getEnvInt("WORKER_CONCURRENCY", 2),
		VIPUsers:         getEnvList("VIP_USERS"),
		MetricsRetention: getEnvDuration("METRICS_RETENTION", "1h"),
		HeartbeatEvery:   getEnvDuration("HEARTBEAT_EVERY", "10s"),
		AlertP99Ms:       getEnvFloat("ALERT_P99_MS", 3000),
		AlertHitRate:     getEnvFloat("ALERT_HIT_RATE", 0.30),
		AlertQueueDepth:  int64(getEnvInt("ALERT_QUEUE_DEPTH", 100)),
		DBPath:           getEnv("DB_PATH", "data/pipeline.sqlite"),
	}, nil
}

func loadDotEnv(filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			value := strings.TrimSpace(parts[1])
			os.Setenv(key, value)
		}
	}
	return scanner.Err()
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvDuration(key, defaultVal string) time.Duration {
	val := getEnv(key, defaultVal)
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	d, _ := time.ParseDuration(defaultVal)
	return d
}

func getEnvList(key string) []string {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
