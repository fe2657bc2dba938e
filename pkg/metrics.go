package truevfs

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

// Management surface: gauges describing the default manager plus the I/O
// counters fed by the accounted streams.
var (
	metricBytesRead    = metrics.NewCounter(`truevfs_bytes_read_total`)
	metricBytesWritten = metrics.NewCounter(`truevfs_bytes_written_total`)
	metricMaxMounted   = metrics.NewGauge(`truevfs_max_filesystems_mounted`, nil)

	metricsManager atomic.Pointer[Manager]
	gaugesOnce     sync.Once
)

// initMetrics binds the manager gauges to the given manager. Later calls
// re-point the gauges, so tests can swap managers freely.
func initMetrics(m *Manager) {
	metricsManager.Store(m)
	gaugesOnce.Do(func() {
		metrics.NewGauge(`truevfs_filesystems_total`, func() float64 {
			if m := metricsManager.Load(); m != nil {
				return float64(m.Size())
			}
			return 0
		})
		metrics.NewGauge(`truevfs_filesystems_mounted`, func() float64 {
			if m := metricsManager.Load(); m != nil {
				return float64(m.MountedCount())
			}
			return 0
		})
		metrics.NewGauge(`truevfs_filesystems_touched`, func() float64 {
			if m := metricsManager.Load(); m != nil {
				return float64(m.TouchedCount())
			}
			return 0
		})
		metrics.NewGauge(`truevfs_toplevel_archives`, func() float64 {
			if m := metricsManager.Load(); m != nil {
				return float64(m.TopLevelArchiveCount())
			}
			return 0
		})
	})
	if m.pacemaker != nil {
		metricMaxMounted.Set(float64(m.pacemaker.MaximumFileSystemsMounted()))
	}
}

// StartMetricsServer exposes the metrics in Prometheus exposition format
// until the context is cancelled.
func StartMetricsServer(ctx context.Context, port uint) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		metrics.WritePrometheus(w, true)
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	GetLogger().Infof("metrics server listening on :%d", port)
	err := server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
