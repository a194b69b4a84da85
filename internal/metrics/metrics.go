// ============================================================================
// Drop-Order Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集 drop log 與隔離 worker 的運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 計數器 (Counter)：
//      - droporder_drops_total: 釋放事件總數
//      - droporder_element_aborts_total: 元素建構中止次數
//      - droporder_partial_cleanups_total: 進行中陣列清理次數
//      - droporder_partial_cleanup_drops_total: 清理時釋放的元素數
//      - droporder_workers_succeeded_total / droporder_workers_failed_total
//
//   2. 分佈 (Histogram)：
//      - droporder_worker_duration_seconds: worker 執行時間
//
//   3. 狀態 (Gauge)：
//      - droporder_drop_log_value: 最近一次寫入後的 drop log 值
//
// 使用方式:
//   Collector 同時實作 droplog.Observer 與 scope.Recorder，
//   訂閱到 drop log 並傳給 scope 即可。
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/ChuLiYu/drop-order/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器
type Collector struct {
	drops            prometheus.Counter
	aborts           prometheus.Counter
	partialCleanups  prometheus.Counter
	partialDrops     prometheus.Counter
	workersSucceeded prometheus.Counter
	workersFailed    prometheus.Counter
	workerDuration   prometheus.Histogram
	dropLogValue     prometheus.Gauge
}

// NewCollector 創建新的指標收集器並註冊到 prometheus.DefaultRegisterer
func NewCollector() *Collector {
	c := &Collector{
		drops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "droporder_drops_total",
			Help: "Total number of tagged values destroyed",
		}),
		aborts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "droporder_element_aborts_total",
			Help: "Total number of element constructions that aborted",
		}),
		partialCleanups: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "droporder_partial_cleanups_total",
			Help: "Total number of partially built arrays cleaned up",
		}),
		partialDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "droporder_partial_cleanup_drops_total",
			Help: "Total number of elements destroyed during partial cleanup",
		}),
		workersSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "droporder_workers_succeeded_total",
			Help: "Total number of isolated workers that completed normally",
		}),
		workersFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "droporder_workers_failed_total",
			Help: "Total number of isolated workers that aborted",
		}),
		workerDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "droporder_worker_duration_seconds",
			Help:    "Isolated worker execution time in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		dropLogValue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "droporder_drop_log_value",
			Help: "Drop log value after the most recent destruction",
		}),
	}

	prometheus.MustRegister(
		c.drops,
		c.aborts,
		c.partialCleanups,
		c.partialDrops,
		c.workersSucceeded,
		c.workersFailed,
		c.workerDuration,
		c.dropLogValue,
	)

	return c
}

// ObserveDrop 記錄一次釋放（droplog.Observer）
func (c *Collector) ObserveDrop(_ types.Tag, value uint64) {
	c.drops.Inc()
	c.dropLogValue.Set(float64(value))
}

// RecordAbort 記錄元素建構中止（scope.Recorder）
func (c *Collector) RecordAbort() {
	c.aborts.Inc()
}

// RecordPartialCleanup 記錄進行中陣列的清理（scope.Recorder）
func (c *Collector) RecordPartialCleanup(dropped int) {
	c.partialCleanups.Inc()
	c.partialDrops.Add(float64(dropped))
}

// RecordWorker 記錄 worker 終止結果
func (c *Collector) RecordWorker(outcome types.Outcome, seconds float64) {
	switch outcome {
	case types.OutcomeSucceeded:
		c.workersSucceeded.Inc()
	case types.OutcomeFailed:
		c.workersFailed.Inc()
	}
	c.workerDuration.Observe(seconds)
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
