// ============================================================================
// cropbatch Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集批次執行指標，通過 /metrics 暴露給 Prometheus
//
// 指標分類:
//
//   1. 任務計數器 (Counter, label: mode)：
//      - cropbatch_jobs_admitted_total: 進入視窗 / 提交給 worker 的任務數
//      - cropbatch_jobs_completed_total: 成功任務數
//      - cropbatch_jobs_failed_total: 失敗任務數
//      - cropbatch_log_records_dropped_total: 結束標記之後才送達而被丟棄的日誌
//
//   2. 性能指標 (Histogram, label: mode)：
//      - cropbatch_job_latency_seconds: 單一任務耗時分佈
//
//   3. 狀態指標 (Gauge)：
//      - cropbatch_jobs_in_flight: 當前視窗大小
//      - cropbatch_workers: 當前 worker 數
//      - cropbatch_batch_duration_seconds{mode}: 最近一次批次耗時
//      - cropbatch_batch_throughput{mode}: 最近一次批次的每秒圖片數
//
// Prometheus 查詢示例:
//
//   # 每分鐘完成任務數
//   rate(cropbatch_jobs_completed_total[1m])
//
//   # 95 分位延遲
//   histogram_quantile(0.95, cropbatch_job_latency_seconds_bucket)
//
// 所有方法在 nil *Collector 上都是 no-op，關閉 metrics 時不需要判斷。
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 任務相關指標
	jobsAdmitted  *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobsFailed    *prometheus.CounterVec
	logsDropped   prometheus.Counter

	// 效能指標
	jobLatency    *prometheus.HistogramVec
	batchDuration *prometheus.GaugeVec
	throughput    *prometheus.GaugeVec

	// 狀態指標
	jobsInFlight prometheus.Gauge
	workers      prometheus.Gauge
}

// NewCollector 創建指標收集器並註冊到 prometheus.DefaultRegisterer
func NewCollector() *Collector {
	return NewCollectorWith(prometheus.DefaultRegisterer)
}

// NewCollectorWith 創建指標收集器並註冊到 reg
func NewCollectorWith(reg prometheus.Registerer) *Collector {
	c := &Collector{
		jobsAdmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cropbatch_jobs_admitted_total",
			Help: "Total number of jobs admitted into the window or submitted to workers",
		}, []string{"mode"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cropbatch_jobs_completed_total",
			Help: "Total number of jobs completed successfully",
		}, []string{"mode"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cropbatch_jobs_failed_total",
			Help: "Total number of jobs failed",
		}, []string{"mode"}),
		logsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cropbatch_log_records_dropped_total",
			Help: "Log records emitted after end of stream",
		}),
		jobLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cropbatch_job_latency_seconds",
			Help:    "Job processing latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"mode"}),
		batchDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cropbatch_batch_duration_seconds",
			Help: "Wall-clock duration of the last batch",
		}, []string{"mode"}),
		throughput: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cropbatch_batch_throughput",
			Help: "Images per second of the last batch",
		}, []string{"mode"}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cropbatch_jobs_in_flight",
			Help: "Current number of in-flight jobs",
		}),
		workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cropbatch_workers",
			Help: "Current number of parallel workers",
		}),
	}

	// 註冊所有指標
	reg.MustRegister(
		c.jobsAdmitted,
		c.jobsCompleted,
		c.jobsFailed,
		c.logsDropped,
		c.jobLatency,
		c.batchDuration,
		c.throughput,
		c.jobsInFlight,
		c.workers,
	)
	return c
}

// RecordAdmit 記錄任務進入視窗
func (c *Collector) RecordAdmit(mode string) {
	if c == nil {
		return
	}
	c.jobsAdmitted.WithLabelValues(mode).Inc()
	c.jobsInFlight.Inc()
}

// RecordResult 記錄任務結束
func (c *Collector) RecordResult(mode string, latency time.Duration, failed bool) {
	if c == nil {
		return
	}
	c.jobsInFlight.Dec()
	c.jobLatency.WithLabelValues(mode).Observe(latency.Seconds())
	if failed {
		c.jobsFailed.WithLabelValues(mode).Inc()
	} else {
		c.jobsCompleted.WithLabelValues(mode).Inc()
	}
}

// SetWorkers 設置 worker 數
func (c *Collector) SetWorkers(n int) {
	if c == nil {
		return
	}
	c.workers.Set(float64(n))
}

// RecordBatch 記錄批次總結
func (c *Collector) RecordBatch(mode string, elapsed time.Duration, images int, dropped int64) {
	if c == nil {
		return
	}
	c.batchDuration.WithLabelValues(mode).Set(elapsed.Seconds())
	if elapsed > 0 {
		c.throughput.WithLabelValues(mode).Set(float64(images) / elapsed.Seconds())
	}
	c.logsDropped.Add(float64(dropped))
	c.jobsInFlight.Set(0)
	c.workers.Set(0)
}

// StartServer 在背景啟動 /metrics HTTP 伺服器，ctx 結束時關閉
//
// 參數：
//   - port: HTTP 伺服器端口
//   - g: 指標來源，通常是 prometheus.DefaultGatherer
func StartServer(ctx context.Context, port int, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	return srv
}
