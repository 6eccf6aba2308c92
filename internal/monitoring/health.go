package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-cleartext/internal/cpu"
	"github.com/23skdu/longbow-cleartext/internal/logger"
	"github.com/23skdu/longbow-cleartext/internal/metrics"
	"github.com/23skdu/longbow-cleartext/internal/seq2seq"
)

const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
	StatusCritical = "critical"

	maxPerfPoints = 1000
	maxAlerts     = 100
)

// HealthStatus represents the health status of the process
type HealthStatus struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Version     string          `json:"version"`
	Uptime      time.Duration   `json:"uptime"`
	System      SystemInfo      `json:"system"`
	Model       ModelInfo       `json:"model"`
	Performance PerformanceInfo `json:"performance"`
	Alerts      []Alert         `json:"alerts"`
}

type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

type ModelInfo struct {
	Loaded          bool   `json:"loaded"`
	Topology        string `json:"topology,omitempty"`
	Scoring         string `json:"scoring,omitempty"`
	RNNUnits        int    `json:"rnn_units,omitempty"`
	AttnUnits       int    `json:"attn_units,omitempty"`
	Layers          int    `json:"layers,omitempty"`
	TargetVocab     int    `json:"target_vocab,omitempty"`
	TrainableParams int    `json:"trainable_params"`
	TotalParams     int    `json:"total_params"`
	TensorBytes     int64  `json:"tensor_bytes"`
}

type PerformanceInfo struct {
	Forwards        int       `json:"forwards"`
	StepsPerSecond  float64   `json:"steps_per_second"`
	AvgLatencyMs    float64   `json:"avg_latency_ms"`
	P95LatencyMs    float64   `json:"p95_latency_ms"`
	ErrorRate       float64   `json:"error_rate"`
	NonFiniteLogits int       `json:"non_finite_logits"`
	ForcedRatio     float64   `json:"forced_ratio"`
	LastForward     time.Time `json:"last_forward"`
}

type Alert struct {
	Level      string     `json:"level"`     // info, warning, error, critical
	Component  string     `json:"component"` // model, performance, numerics
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// PerfPoint is one recorded forward pass.
type PerfPoint struct {
	Timestamp time.Time
	Steps     int
	Duration  time.Duration
	NonFinite int
	Failed    bool
}

// HealthMonitor tracks forward pass outcomes and serves them next to the Prometheus metrics.
type HealthMonitor struct {
	startTime   time.Time
	version     string
	server      *http.Server
	mu          sync.RWMutex
	alerts      []Alert
	lastForward time.Time
	perfHistory []PerfPoint
	model       ModelInfo

	// LatencyAlert is the forward duration above which an error alert is raised.
	LatencyAlert time.Duration
}

func NewHealthMonitor(version string) *HealthMonitor {
	return &HealthMonitor{
		startTime:    time.Now(),
		version:      version,
		alerts:       make([]Alert, 0),
		perfHistory:  make([]PerfPoint, 0),
		LatencyAlert: 5 * time.Second,
	}
}

// SetModel records the architecture of the served model.
func (hm *HealthMonitor) SetModel(m *seq2seq.Model) {
	cfg := m.Config()
	trainable, total := m.Size()
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.model = ModelInfo{
		Loaded:          true,
		Topology:        cfg.Topology.String(),
		Scoring:         cfg.Scoring.String(),
		RNNUnits:        cfg.RNNUnits,
		AttnUnits:       cfg.AttnUnits,
		Layers:          cfg.Layers,
		TargetVocab:     m.TargetVocabSize(),
		TrainableParams: trainable,
		TotalParams:     total,
	}
}

// Handler exposes /health, /healthz, /status, /metrics and the alert admin endpoints.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", hm.handleDetailedStatus)
	mux.HandleFunc("/admin/alerts", hm.handleAlerts)
	mux.HandleFunc("/admin/clear-alerts", hm.handleClearAlerts)
	return mux
}

// Start serves Handler on addr and blocks until the server stops.
func (hm *HealthMonitor) Start(addr string) error {
	hm.server = &http.Server{
		Addr:         addr,
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	logger.Log.Info("Health monitor starting", "addr", addr)
	return hm.server.ListenAndServe()
}

func (hm *HealthMonitor) Stop(ctx context.Context) error {
	if hm.server != nil {
		return hm.server.Shutdown(ctx)
	}
	return nil
}

// RecordForward records one rollout of steps decoder steps. err is the rollout's error, if any.
func (hm *HealthMonitor) RecordForward(steps int, duration time.Duration, nonFinite int, err error) {
	point := PerfPoint{
		Timestamp: time.Now(),
		Steps:     steps,
		Duration:  duration,
		NonFinite: nonFinite,
		Failed:    err != nil,
	}

	hm.mu.Lock()
	hm.lastForward = point.Timestamp
	hm.perfHistory = append(hm.perfHistory, point)
	if len(hm.perfHistory) > maxPerfPoints {
		hm.perfHistory = hm.perfHistory[1:]
	}
	hm.mu.Unlock()

	if err != nil {
		hm.AddAlert("error", "model", fmt.Sprintf("Forward failed: %v", err))
	}
	if nonFinite > 0 {
		hm.AddAlert("critical", "numerics", fmt.Sprintf("%d non-finite logits", nonFinite))
	}
	if hm.LatencyAlert > 0 && duration > hm.LatencyAlert {
		hm.AddAlert("error", "performance",
			fmt.Sprintf("High latency: %.2f ms", float64(duration.Nanoseconds())/1e6))
	}
}

func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})
	if len(hm.alerts) > maxAlerts {
		hm.alerts = hm.alerts[1:]
	}
	logger.Log.Warn("Alert raised", "level", level, "component", component, "message", message)
}

func (hm *HealthMonitor) ResolveAlert(index int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if index >= 0 && index < len(hm.alerts) {
		now := time.Now()
		hm.alerts[index].Resolved = true
		hm.alerts[index].ResolvedAt = &now
	}
}

// HTTP Handlers

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.Status()

	w.Header().Set("Content-Type", "application/json")
	if status.Status == StatusHealthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]string{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleDetailedStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(hm.Status())
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	hm.mu.RLock()
	alerts := slices.Clone(hm.alerts)
	hm.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(alerts)
}

func (hm *HealthMonitor) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hm.mu.Lock()
	hm.alerts = hm.alerts[:0]
	hm.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "alerts cleared"})
}

// Status computes the current health snapshot. Any unresolved critical alert makes the
// process critical; unresolved errors make it degraded.
func (hm *HealthMonitor) Status() HealthStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := StatusHealthy
	for _, alert := range hm.alerts {
		if alert.Resolved {
			continue
		}
		if alert.Level == "critical" {
			status = StatusCritical
			break
		}
		if alert.Level == "error" {
			status = StatusDegraded
		}
	}

	model := hm.model
	model.TensorBytes = cpu.AllocatedBytes()

	return HealthStatus{
		Status:      status,
		Timestamp:   time.Now(),
		Version:     hm.version,
		Uptime:      time.Since(hm.startTime),
		System:      systemInfo(),
		Model:       model,
		Performance: hm.performanceInfo(),
		Alerts:      slices.Clone(hm.alerts),
	}
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		MemoryMB:     int(m.Sys / 1024 / 1024),
		MemoryUsedMB: int(m.Alloc / 1024 / 1024),
	}
}

func (hm *HealthMonitor) performanceInfo() PerformanceInfo {
	info := PerformanceInfo{
		Forwards:    len(hm.perfHistory),
		ForcedRatio: metrics.ForcedRatio(),
		LastForward: hm.lastForward,
	}
	if len(hm.perfHistory) == 0 {
		return info
	}

	var (
		totalSteps    int
		totalDuration time.Duration
		failed        int
	)
	latencies := make([]float64, 0, len(hm.perfHistory))
	for _, point := range hm.perfHistory {
		totalSteps += point.Steps
		totalDuration += point.Duration
		info.NonFiniteLogits += point.NonFinite
		if point.Failed {
			failed++
		}
		latencies = append(latencies, float64(point.Duration.Nanoseconds())/1e6)
	}
	slices.Sort(latencies)

	p95Index := int(float64(len(latencies)) * 0.95)
	if p95Index >= len(latencies) {
		p95Index = len(latencies) - 1
	}
	info.AvgLatencyMs = float64(totalDuration.Nanoseconds()) / float64(len(hm.perfHistory)) / 1e6
	info.P95LatencyMs = latencies[p95Index]
	info.ErrorRate = float64(failed) / float64(len(hm.perfHistory))
	if totalDuration > 0 {
		info.StepsPerSecond = float64(totalSteps) / totalDuration.Seconds()
	}
	return info
}
