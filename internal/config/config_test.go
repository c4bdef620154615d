package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	clearPipelineEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.NatsURL != "nats://127.0.0.1:4222" {
		t.Errorf("NatsURL = %s", cfg.NatsURL)
	}
	if cfg.RequestSubject != "pipeline.request.default" {
		t.Errorf("RequestSubject = %s", cfg.RequestSubject)
	}
	if cfg.QueueGroup != "pipeline-workers" {
		t.Errorf("QueueGroup = %s", cfg.QueueGroup)
	}
	if cfg.BroadcastPrefix != "pipeline.stream" {
		t.Errorf("BroadcastPrefix = %s", cfg.BroadcastPrefix)
	}
	if cfg.HTTPAddr != ":8082" {
		t.Errorf("HTTPAddr = %s", cfg.HTTPAddr)
	}
	if cfg.Concurrency != 2 {
		t.Errorf("Concurrency = %d", cfg.Concurrency)
	}
	if cfg.MetricsRetention != time.Hour {
		t.Errorf("MetricsRetention = %v", cfg.MetricsRetention)
	}
	if cfg.HeartbeatEvery != 10*time.Second {
		t.Errorf("HeartbeatEvery = %v", cfg.HeartbeatEvery)
	}
	if cfg.AlertP99Ms != 3000 {
		t.Errorf("AlertP99Ms = %v", cfg.AlertP99Ms)
	}
	if cfg.AlertHitRate != 0.30 {
		t.Errorf("AlertHitRate = %v", cfg.AlertHitRate)
	}
	if cfg.AlertQueueDepth != 100 {
		t.Errorf("AlertQueueDepth = %v", cfg.AlertQueueDepth)
	}
	if len(cfg.VIPUsers) != 0 {
		t.Errorf("VIPUsers = %v, want empty", cfg.VIPUsers)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	clearPipelineEnv(t)

	t.Setenv("NATS_URL", "nats://nats.internal:4222")
	t.Setenv("WORKER_CONCURRENCY", "8")
	t.Setenv("VIP_USERS", "alice, bob ,carol")
	t.Setenv("METRICS_RETENTION", "30m")
	t.Setenv("ALERT_P99_MS", "1500")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.NatsURL != "nats://nats.internal:4222" {
		t.Errorf("NatsURL = %s", cfg.NatsURL)
	}
	if cfg.Concurrency != 8 {
		t.Errorf("Concurrency = %d", cfg.Concurrency)
	}
	want := []string{"alice", "bob", "carol"}
	if len(cfg.VIPUsers) != len(want) {
		t.Fatalf("VIPUsers = %v, want %v", cfg.VIPUsers, want)
	}
	for i := range want {
		if cfg.VIPUsers[i] != want[i] {
			t.Errorf("VIPUsers[%d] = %q, want %q", i, cfg.VIPUsers[i], want[i])
		}
	}
	if cfg.MetricsRetention != 30*time.Minute {
		t.Errorf("MetricsRetention = %v", cfg.MetricsRetention)
	}
	if cfg.AlertP99Ms != 1500 {
		t.Errorf("AlertP99Ms = %v", cfg.AlertP99Ms)
	}
}

func TestLoadDotEnvFile(t *testing.T) {
	clearPipelineEnv(t)

	envFile := filepath.Join(t.TempDir(), "test.env")
	content := "# pipeline test env\nINSTANCE_NAME=pipeline-test\nHTTP_ADDR=:9090\n\nPROVIDER_TIMEOUT=90s\n"
	if err := os.WriteFile(envFile, []byte(content), 0644); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("INSTANCE_NAME", "") // restored after the test

	cfg, err := Load(envFile)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.InstanceName != "pipeline-test" {
		t.Errorf("InstanceName = %s", cfg.InstanceName)
	}
	if cfg.HTTPAddr != ":9090" {
		t.Errorf("HTTPAddr = %s", cfg.HTTPAddr)
	}
	if cfg.ProviderTimeout != 90*time.Second {
		t.Errorf("ProviderTimeout = %v", cfg.ProviderTimeout)
	}
}

func TestLoadBadValuesFallBack(t *testing.T) {
	clearPipelineEnv(t)

	t.Setenv("WORKER_CONCURRENCY", "not-a-number")
	t.Setenv("METRICS_RETENTION", "not-a-duration")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Concurrency != 2 {
		t.Errorf("Concurrency = %d, want default 2", cfg.Concurrency)
	}
	if cfg.MetricsRetention != time.Hour {
		t.Errorf("MetricsRetention = %v, want default 1h", cfg.MetricsRetention)
	}
}

func clearPipelineEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"NATS_URL", "REQUEST_SUBJECT", "QUEUE_GROUP", "BROADCAST_PREFIX",
		"HEARTBEAT_SUBJECT", "REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB",
		"HTTP_ADDR", "PROVIDER_URL", "PROVIDER_MODEL", "PROVIDER_TIMEOUT",
		"INSTANCE_NAME", "WORKER_CONCURRENCY", "VIP_USERS",
		"METRICS_RETENTION", "HEARTBEAT_EVERY", "ALERT_P99_MS",
		"ALERT_HIT_RATE", "ALERT_QUEUE_DEPTH", "DB_PATH",
	} {
		t.Setenv(key, "")
	}
}
