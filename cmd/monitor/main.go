package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
)

// Heartbeat mirrors the report published by pipeline instances. Only the
// fields the monitor renders are decoded.
type Heartbeat struct {
	Instance  string    `json:"instance"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
	Metrics   struct {
		ResponseTime struct {
			P50       float64 `json:"p50"`
			P99       float64 `json:"p99"`
			AverageMs float64 `json:"average_ms"`
			Samples   int     `json:"samples"`
		} `json:"response_time"`
		Cache struct {
			Hits    int64   `json:"hits"`
			Misses  int64   `json:"misses"`
			HitRate float64 `json:"hit_rate"`
		} `json:"cache"`
		Queue struct {
			Depth       int64            `json:"depth"`
			DepthByTier map[string]int64 `json:"depth_by_tier"`
		} `json:"queue"`
		Throughput struct {
			RequestsPerSec float64 `json:"requests_per_sec"`
			TotalRequests  int64   `json:"total_requests"`
		} `json:"throughput"`
	} `json:"metrics"`
	Alerts []struct {
		Name     string  `json:"name"`
		Severity string  `json:"severity"`
		Status   string  `json:"status"`
		Value    float64 `json:"value"`
	} `json:"alerts"`
}

// InstanceStatus is a heartbeat plus the monitor's own bookkeeping.
type InstanceStatus struct {
	Heartbeat
	LastSeen  time.Time     `json:"last_seen"`
	FirstSeen time.Time     `json:"first_seen"`
	Uptime    time.Duration `json:"uptime"`
}

// MonitorService tracks pipeline instances via their heartbeats
type MonitorService struct {
	nats      *nats.Conn
	subject   string
	instances map[string]*InstanceStatus
	mu        sync.RWMutex
	listeners []chan []InstanceStatus
}

func NewMonitorService(natsURL, subject string) (*MonitorService, error) {
	nc, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &MonitorService{
		nats:      nc,
		subject:   subject,
		instances: make(map[string]*InstanceStatus),
	}, nil
}

func (m *MonitorService) Start(ctx context.Context) error {
	_, err := m.nats.Subscribe(m.subject+".*", func(msg *nats.Msg) {
		var hb Heartbeat
		if err := json.Unmarshal(msg.Data, &hb); err != nil {
			log.Printf("Failed to parse heartbeat from %s: %v", msg.Subject, err)
			return
		}
		if hb.Instance == "" {
			hb.Instance = strings.TrimPrefix(msg.Subject, m.subject+".")
		}

		now := time.Now()

		m.mu.Lock()
		status := &InstanceStatus{Heartbeat: hb, LastSeen: now, FirstSeen: now}
		if existing, exists := m.instances[hb.Instance]; exists {
			status.FirstSeen = existing.FirstSeen
		}
		status.Uptime = now.Sub(status.FirstSeen)
		m.instances[hb.Instance] = status
		m.mu.Unlock()

		m.notifyListeners()
	})

	if err != nil {
		return fmt.Errorf("failed to subscribe to heartbeats: %w", err)
	}

	log.Printf("Monitor started, listening on %s.*", m.subject)

	go m.markStaleInstances(ctx)

	return nil
}

// markStaleInstances flags instances whose heartbeats stopped arriving.
// They stay in the table so an operator can see what disappeared.
func (m *MonitorService) markStaleInstances(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			now := time.Now()
			for name, inst := range m.instances {
				if now.Sub(inst.LastSeen) > time.Minute && inst.Status != "offline" {
					inst.Status = "offline"
					log.Printf("Marked instance as offline: %s", name)
				}
			}
			m.mu.Unlock()
			m.notifyListeners()
		}
	}
}

func (m *MonitorService) GetInstances() []InstanceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var instances []InstanceStatus
	for _, inst := range m.instances {
		instances = append(instances, *inst)
	}

	sort.Slice(instances, func(i, j int) bool {
		return instances[i].Instance < instances[j].Instance
	})

	return instances
}

func (m *MonitorService) AddListener() chan []InstanceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan []InstanceStatus, 10)
	m.listeners = append(m.listeners, ch)
	return ch
}

func (m *MonitorService) notifyListeners() {
	instances := m.GetInstances()

	m.mu.RLock()
	for _, ch := range m.listeners {
		select {
		case ch <- instances:
		default:
			// Channel full, skip
		}
	}
	m.mu.RUnlock()
}

func (m *MonitorService) Close() {
	if m.nats != nil {
		m.nats.Close()
	}
}

func main() {
	var (
		natsURL  = flag.String("nats", "nats://127.0.0.1:4222", "NATS server URL")
		subject  = flag.String("subject", "monitoring.pipeline.heartbeat", "Heartbeat subject prefix")
		httpAddr = flag.String("http", ":8083", "HTTP server address")
		cliMode  = flag.Bool("cli", false, "Run in CLI dashboard mode")
		onceMode = flag.Bool("once", false, "Query once and exit")
	)
	flag.Parse()

	monitor, err := NewMonitorService(*natsURL, *subject)
	if err != nil {
		log.Fatalf("Failed to create monitor service: %v", err)
	}
	defer monitor.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := monitor.Start(ctx); err != nil {
		log.Fatalf("Failed to start monitor service: %v", err)
	}

	if *onceMode {
		// Wait for at least one heartbeat cycle
		time.Sleep(12 * time.Second)
		printInstances(monitor.GetInstances())
		return
	}

	if *cliMode {
		runCLIDashboard(ctx, monitor)
	} else {
		runHTTPServer(ctx, monitor, *httpAddr)
	}
}

func printInstances(instances []InstanceStatus) {
	if len(instances) == 0 {
		fmt.Println("No pipeline instances found")
		return
	}

	fmt.Printf("Found %d pipeline instances:\n\n", len(instances))

	for _, inst := range instances {
		fmt.Printf("%s\n", inst.Instance)
		fmt.Printf("   Status: %s\n", inst.Status)
		fmt.Printf("   P99: %.0fms (avg %.0fms over %d samples)\n",
			inst.Metrics.ResponseTime.P99, inst.Metrics.ResponseTime.AverageMs, inst.Metrics.ResponseTime.Samples)
		fmt.Printf("   Cache hit rate: %.1f%%\n", inst.Metrics.Cache.HitRate*100)
		fmt.Printf("   Queue depth: %d\n", inst.Metrics.Queue.Depth)
		fmt.Printf("   Throughput: %.2f req/s\n", inst.Metrics.Throughput.RequestsPerSec)
		if firing := firingAlerts(inst); firing != "" {
			fmt.Printf("   Alerts: %s\n", firing)
		}
		fmt.Printf("   Last seen: %v ago\n", time.Since(inst.LastSeen).Truncate(time.Second))
		fmt.Println()
	}
}

func firingAlerts(inst InstanceStatus) string {
	var names []string
	for _, a := range inst.Alerts {
		if a.Status == "firing" {
			names = append(names, fmt.Sprintf("%s(%s)", a.Name, a.Severity))
		}
	}
	return strings.Join(names, ", ")
}

func runCLIDashboard(ctx context.Context, monitor *MonitorService) {
	// Clear screen and hide cursor
	fmt.Print("\033[2J\033[H\033[?25l")
	defer fmt.Print("\033[?25h")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	updates := monitor.AddListener()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sigCh:
			return
		case <-ticker.C:
			renderDashboard(monitor.GetInstances())
		case <-updates:
			renderDashboard(monitor.GetInstances())
		}
	}
}

func renderDashboard(instances []InstanceStatus) {
	fmt.Print("\033[2J\033[H")

	now := time.Now()
	fmt.Printf("Pipeline Monitor - %s\n", now.Format("15:04:05"))
	fmt.Println(strings.Repeat("=", 96))
	fmt.Println()

	if len(instances) == 0 {
		fmt.Println("No pipeline instances detected")
		fmt.Println("\nWaiting for heartbeats...")
		return
	}

	fmt.Printf("Active instances: %d\n\n", len(instances))

	fmt.Printf("%-14s %-10s %-9s %-9s %-7s %-9s %-24s %-9s\n",
		"INSTANCE", "STATUS", "P99_MS", "HIT_RATE", "DEPTH", "REQ/S", "ALERTS", "LAST_SEEN")
	fmt.Printf("%-14s %-10s %-9s %-9s %-7s %-9s %-24s %-9s\n",
		strings.Repeat("-", 14), strings.Repeat("-", 10), strings.Repeat("-", 9),
		strings.Repeat("-", 9), strings.Repeat("-", 7), strings.Repeat("-", 9),
		strings.Repeat("-", 24), strings.Repeat("-", 9))

	for _, inst := range instances {
		status := inst.Status
		if time.Since(inst.LastSeen) > time.Minute {
			status = "stale"
		}

		alerts := firingAlerts(inst)
		if alerts == "" {
			alerts = "-"
		}

		fmt.Printf("%-14s %-10s %-9.0f %-9.1f %-7d %-9.2f %-24s %-9s\n",
			inst.Instance, status,
			inst.Metrics.ResponseTime.P99,
			inst.Metrics.Cache.HitRate*100,
			inst.Metrics.Queue.Depth,
			inst.Metrics.Throughput.RequestsPerSec,
			truncateString(alerts, 22),
			formatDuration(time.Since(inst.LastSeen)))
	}

	fmt.Printf("\nPress Ctrl+C to exit\n")
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	} else if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh", int(d.Hours()))
}

func runHTTPServer(ctx context.Context, monitor *MonitorService, addr string) {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/instances", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		json.NewEncoder(w).Encode(monitor.GetInstances())
	})

	// Server-Sent Events for real-time updates
	mux.HandleFunc("/api/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("Access-Control-Allow-Origin", "*")

		instances := monitor.GetInstances()
		data, _ := json.Marshal(instances)
		fmt.Fprintf(w, "data: %s\n\n", data)
		w.(http.Flusher).Flush()

		updates := monitor.AddListener()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.Context().Done():
				return
			case instances := <-updates:
				data, _ := json.Marshal(instances)
				fmt.Fprintf(w, "data: %s\n\n", data)
				w.(http.Flusher).Flush()
			}
		}
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(dashboardHTML))
	})

	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	log.Printf("Starting HTTP monitor server on %s", addr)
	log.Printf("Dashboard: http://localhost%s", addr)
	log.Printf("API: http://localhost%s/api/instances", addr)

	go func() {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("HTTP server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-ctx.Done():
	case <-sigCh:
	}

	log.Println("Shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	server.Shutdown(shutdownCtx)
}

const dashboardHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Pipeline Monitor</title>
    <meta charset="utf-8">
    <meta name="viewport" content="width=device-width, initial-scale=1">
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, sans-serif; margin: 20px; background: #f5f5f5; }
        .header { background: white; padding: 20px; border-radius: 8px; margin-bottom: 20px; box-shadow: 0 2px 4px rgba(0,0,0,0.1); }
        .instances { background: white; border-radius: 8px; overflow: hidden; box-shadow: 0 2px 4px rgba(0,0,0,0.1); }
        .instance { padding: 15px; border-bottom: 1px solid #eee; }
        .instance:last-child { border-bottom: none; }
        .instance-name { font-size: 18px; font-weight: bold; color: #333; }
        .instance-meta { color: #666; font-size: 14px; margin: 5px 0; }
        .alert { display: inline-block; background: #fdecea; color: #c62828; padding: 2px 8px; border-radius: 12px; font-size: 12px; margin-right: 5px; }
        .status { display: inline-block; padding: 4px 8px; border-radius: 4px; font-size: 12px; font-weight: bold; }
        .status.healthy { background: #4caf50; color: white; }
        .status.warning { background: #ff9800; color: white; }
        .status.critical { background: #f44336; color: white; }
        .status.offline { background: #9e9e9e; color: white; }
        .instance.offline { opacity: 0.6; background: #f9f9f9; }
        .no-instances { text-align: center; padding: 40px; color: #666; }
        .update-time { color: #999; font-size: 12px; }
    </style>
</head>
<body>
    <div class="header">
        <h1>Pipeline Monitor</h1>
        <p>Real-time monitoring of agent-response pipeline instances</p>
        <div class="update-time" id="lastUpdate">Connecting...</div>
    </div>

    <div id="instances" class="instances">
        <div class="no-instances">Waiting for heartbeats...</div>
    </div>

    <script>
        const container = document.getElementById('instances');
        const lastUpdateEl = document.getElementById('lastUpdate');

        const eventSource = new EventSource('/api/events');

        eventSource.onmessage = function(event) {
            renderInstances(JSON.parse(event.data));
            lastUpdateEl.textContent = 'Last update: ' + new Date().toLocaleTimeString();
        };

        eventSource.onerror = function() {
            lastUpdateEl.textContent = 'Connection error - retrying...';
        };

        function renderInstances(instances) {
            if (!instances || instances.length === 0) {
                container.innerHTML = '<div class="no-instances">No pipeline instances detected</div>';
                return;
            }

            container.innerHTML = instances.map(inst => {
                const m = inst.metrics || {};
                const rt = m.response_time || {};
                const cache = m.cache || {};
                const queue = m.queue || {};
                const tp = m.throughput || {};
                const alerts = (inst.alerts || [])
                    .filter(a => a.status === 'firing')
                    .map(a => '<span class="alert">' + a.name + '</span>')
                    .join('');

                const cls = inst.status === 'offline' ? 'instance offline' : 'instance';

                return '<div class="' + cls + '">' +
                    '<div class="instance-name">' + inst.instance +
                    ' <span class="status ' + inst.status + '">' + inst.status + '</span></div>' +
                    '<div class="instance-meta">P99: ' + Math.round(rt.p99 || 0) + 'ms | avg ' +
                        Math.round(rt.average_ms || 0) + 'ms over ' + (rt.samples || 0) + ' samples</div>' +
                    '<div class="instance-meta">Cache: ' + Math.round((cache.hit_rate || 0) * 100) + '% hit rate (' +
                        (cache.hits || 0) + ' hits / ' + (cache.misses || 0) + ' misses)</div>' +
                    '<div class="instance-meta">Queue depth: ' + (queue.depth || 0) + ' | ' +
                        (tp.requests_per_sec || 0).toFixed(2) + ' req/s</div>' +
                    (alerts ? '<div class="instance-meta">' + alerts + '</div>' : '') +
                    '<div class="instance-meta">Last seen: ' + formatLastSeen(inst.last_seen) + '</div>' +
                    '</div>';
            }).join('');
        }

        function formatLastSeen(lastSeenStr) {
            const diffSec = Math.floor((new Date() - new Date(lastSeenStr)) / 1000);
            if (diffSec < 60) return diffSec + 's ago';
            if (diffSec < 3600) return Math.floor(diffSec / 60) + 'm ago';
            return Math.floor(diffSec / 3600) + 'h ago';
        }
    </script>
</body>
</html>`
