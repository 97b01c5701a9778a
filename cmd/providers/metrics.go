package providers

import (
	"context"
	"net/http"
	"time"

	prometheusmetrics "github.com/deathowl/go-metrics-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcrowley/go-metrics"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Metrics config keys.
const (
	ConfMetricsNet  = "metrics.net"
	ConfMetricsBind = "metrics.bind"
)

func init() {
	viper.SetDefault(ConfMetricsNet, "tcp")
	viper.SetDefault(ConfMetricsBind, "")
}

// GOMPrometheusSync specifies the time interval to sync go-metrics to Prometheus.
var GOMPrometheusSync = 5 * time.Second

// SetupPrometheus bridges the go-metrics registry used by sarama to Prometheus.
// Returns the Prometheus exporter HTTP handler.
func SetupPrometheus(ctx context.Context, reg prometheus.Registerer, gatherer prometheus.Gatherer) http.Handler {
	gomProvider := prometheusmetrics.NewPrometheusProvider(
		metrics.DefaultRegistry,
		"conveyor", "",
		reg,
		GOMPrometheusSync)
	go func() {
		ticker := time.NewTicker(GOMPrometheusSync)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = gomProvider.UpdatePrometheusMetricsOnce()
			}
		}
	}()
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// NewMetricsRegistry returns the Prometheus registerer for queue metrics.
func NewMetricsRegistry() prometheus.Registerer {
	return prometheus.DefaultRegisterer
}

// ServeMetrics exposes Prometheus metrics over HTTP if a bind address is configured.
func ServeMetrics(ctx context.Context, log *zap.Logger, lc fx.Lifecycle, shutdowner fx.Shutdowner) {
	bind := viper.GetString(ConfMetricsBind)
	if bind == "" {
		log.Info("Metrics server disabled")
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", SetupPrometheus(ctx, prometheus.DefaultRegisterer, prometheus.DefaultGatherer))
	LifecycleServe(log.Named("metrics"), lc, shutdowner, viper.GetString(ConfMetricsNet), bind, newHTTPServer(mux))
}
