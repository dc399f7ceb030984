package federation

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// HealthReport summarizes site connectivity.
type HealthReport struct {
	Status    string       `json:"status"`
	SiteID    string       `json:"siteId"`
	Connected int          `json:"connected"`
	Expected  int          `json:"expected"`
	Sites     []SiteStatus `json:"sites"`
	Timestamp time.Time    `json:"timestamp"`
}

// HealthEndpoint provides HTTP health check endpoints
type HealthEndpoint struct {
	cm       *ConnectionManager
	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

// NewHealthEndpoint creates health check HTTP handlers
func NewHealthEndpoint(cm *ConnectionManager, gatherer prometheus.Gatherer, logger *zap.Logger) *HealthEndpoint {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	return &HealthEndpoint{
		cm:       cm,
		gatherer: gatherer,
		logger:   logger,
	}
}

// RegisterHandlers registers HTTP handlers
func (he *HealthEndpoint) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/health", he.handleHealth)
	mux.HandleFunc("/health/live", he.handleLiveness)
	mux.HandleFunc("/health/ready", he.handleReadiness)
	mux.HandleFunc("/status", he.handleStatus)
	mux.Handle("/metrics", promhttp.HandlerFor(he.gatherer, promhttp.HandlerOpts{}))
}

// Report computes the current health. Sites that are disabled or not
// configured are not expected to be connected.
func (he *HealthEndpoint) Report() HealthReport {
	statuses := he.cm.Statuses()
	report := HealthReport{
		SiteID:    he.cm.localSiteID,
		Sites:     statuses,
		Timestamp: time.Now(),
	}
	for _, s := range statuses {
		switch s.Status {
		case StatusDisabled, StatusNotConfigured:
			continue
		case StatusConnected:
			report.Connected++
		}
		report.Expected++
	}

	switch {
	case report.Expected == 0 || report.Connected == report.Expected:
		report.Status = "healthy"
	case report.Connected == 0:
		report.Status = "unhealthy"
	default:
		report.Status = "degraded"
	}
	return report
}

func (he *HealthEndpoint) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := he.Report()
	statusCode := http.StatusOK
	if report.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	he.writeJSON(w, statusCode, report)
}

// handleLiveness checks if the service is alive
func (he *HealthEndpoint) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// handleReadiness reports ready once at least one site is connected.
func (he *HealthEndpoint) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if he.cm.ConnectedCount() > 0 {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("READY"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte("NOT READY"))
}

func (he *HealthEndpoint) handleStatus(w http.ResponseWriter, r *http.Request) {
	he.writeJSON(w, http.StatusOK, he.cm.Statuses())
}

func (he *HealthEndpoint) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		he.logger.Debug("Failed to write response", zap.Error(err))
	}
}

// StartMetricsServer serves health, status and metrics on addr.
func StartMetricsServer(addr string, cm *ConnectionManager, gatherer prometheus.Gatherer, logger *zap.Logger) *http.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()

	healthEndpoint := NewHealthEndpoint(cm, gatherer, logger)
	healthEndpoint.RegisterHandlers(mux)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting metrics server", zap.String("address", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	return server
}
