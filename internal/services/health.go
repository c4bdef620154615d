package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/chatforge/pipeline-service/internal/config"
	"github.com/chatforge/pipeline-service/internal/metrics"
	"github.com/chatforge/pipeline-service/internal/queue"
)

// HeartbeatReport is published periodically so monitors can watch every
// pipeline instance without polling its HTTP surface.
type HeartbeatReport struct {
	Instance   string                 `json:"instance"`
	Timestamp  time.Time              `json:"timestamp"`
	Status     string                 `json:"status"` // healthy, warning, critical
	Metrics    metrics.MetricsSummary `json:"metrics"`
	QueueStats *queue.QueueStats      `json:"queue_stats,omitempty"`
	Alerts     []metrics.AlertState   `json:"alerts"`
}

// HealthService publishes pipeline heartbeats over NATS. The reporting
// interval tightens while any alert is firing.
type HealthService struct {
	nats     *nats.Conn
	cfg      *config.Config
	pipeline *PipelineService
}

func NewHealthService(natsConn *nats.Conn, cfg *config.Config, pipeline *PipelineService) *HealthService {
	return &HealthService{
		nats:     natsConn,
		cfg:      cfg,
		pipeline: pipeline,
	}
}

func (h *HealthService) Start(ctx context.Context) error {
	slog.Info("Starting health reporting",
		"subject", h.cfg.HeartbeatSubject,
		"instance", h.cfg.InstanceName,
		"interval", h.cfg.HeartbeatEvery)

	go h.reportLoop(ctx)
	return nil
}

func (h *HealthService) reportLoop(ctx context.Context) {
	// Different intervals based on alert state
	alertTicker := time.NewTicker(2 * time.Second)
	calmTicker := time.NewTicker(h.cfg.HeartbeatEvery)
	defer alertTicker.Stop()
	defer calmTicker.Stop()

	currentTicker := calmTicker

	for {
		select {
		case <-ctx.Done():
			return
		case <-currentTicker.C:
			firing := h.publishHeartbeat(ctx)

			// Switch ticker based on alert state
			if firing && currentTicker == calmTicker {
				currentTicker = alertTicker
				slog.Debug("Switched to high-frequency health reporting")
			} else if !firing && currentTicker == alertTicker {
				currentTicker = calmTicker
				slog.Debug("Switched to low-frequency health reporting")
			}
		}
	}
}

// publishHeartbeat assembles and publishes one report, returning whether any
// alert is currently firing.
func (h *HealthService) publishHeartbeat(ctx context.Context) bool {
	summary := h.pipeline.Collector().GetMetrics(ctx)
	alerts := h.pipeline.Collector().GetAlertStatus(ctx)

	report := HeartbeatReport{
		Instance:  h.cfg.InstanceName,
		Timestamp: time.Now(),
		Metrics:   summary,
		Alerts:    alerts,
	}
	if qs, err := h.pipeline.Dispatcher().GetQueueStats(ctx); err == nil {
		report.QueueStats = qs
	}
	report.Status = statusFromAlerts(alerts)

	data, err := json.Marshal(report)
	if err != nil {
		slog.Error("Failed to marshal heartbeat report", "error", err)
		return report.Status != "healthy"
	}

	subject := fmt.Sprintf("%s.%s", h.cfg.HeartbeatSubject, h.cfg.InstanceName)
	if err := h.nats.Publish(subject, data); err != nil {
		slog.Warn("Failed to publish heartbeat", "subject", subject, "error", err)
	}

	if report.Status != "healthy" {
		slog.Info("Pipeline health degraded",
			"status", report.Status,
			"p99_ms", summary.ResponseTime.P99,
			"hit_rate", summary.Cache.HitRate,
			"queue_depth", summary.Queue.Depth)
	}
	return report.Status != "healthy"
}

func statusFromAlerts(alerts []metrics.AlertState) string {
	status := "healthy"
	for _, a := range alerts {
		if a.Status != metrics.StatusFiring {
			continue
		}
		if a.Severity == metrics.SeverityCritical {
			return "critical"
		}
		status = "warning"
	}
	return status
}
