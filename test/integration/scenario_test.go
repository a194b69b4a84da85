// ============================================================================
// Drop-Order 端到端測試套件
// ============================================================================
//
// Package: test/integration
// 文件: scenario_test.go
// 功能: 從設定檔到報告檔的完整流程
//
// 測試目標:
//   1. 參考情境在隔離 worker 上失敗，呼叫端只看到 Failed
//   2. drop log 恰為 0xA9_5678_1234，第四個陣列從未建構
//   3. metrics、tracing、報告檔都觀察到同一次執行
//
// 測試環境:
//   - 每個測試使用獨立的 drop log 與 Prometheus registry
//   - 報告寫入 t.TempDir()
//
// ============================================================================

package integration

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ChuLiYu/drop-order/internal/droplog"
	"github.com/ChuLiYu/drop-order/internal/metrics"
	"github.com/ChuLiYu/drop-order/internal/report"
	"github.com/ChuLiYu/drop-order/internal/scenario"
	"github.com/ChuLiYu/drop-order/internal/worker"
	"github.com/ChuLiYu/drop-order/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newCollector(t *testing.T) (*metrics.Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	prev := prometheus.DefaultRegisterer
	prometheus.DefaultRegisterer = reg
	t.Cleanup(func() { prometheus.DefaultRegisterer = prev })
	return metrics.NewCollector(), reg
}

func counter(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

// TestReferenceEndToEnd 參考情境完整流程
//
// 流程:
//  1. drop log 訂閱 metrics collector
//  2. 在隔離 worker 上執行參考情境（帶 tracer）
//  3. 驗證結果並寫入報告
//  4. 從報告檔讀回並再次驗證
func TestReferenceEndToEnd(t *testing.T) {
	collector, reg := newCollector(t)
	dl := droplog.New()
	dl.Subscribe(collector)

	var dropped []types.Tag
	dl.Subscribe(droplog.ObserverFunc(func(tag types.Tag, _ uint64) {
		dropped = append(dropped, tag)
	}))

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

	rep, err := scenario.Run(context.Background(), scenario.Reference(), dl,
		scenario.WithRecorder(collector),
		scenario.WithWorkerOptions(worker.WithTracer(tp.Tracer("integration"))))
	require.NoError(t, err)

	// 頂層斷言
	assert.Equal(t, types.OutcomeFailed, rep.Outcome)
	assert.Equal(t, uint64(0xA9_5678_1234), rep.Log)

	// 每次釋放都被觀察到，順序與 log 一致
	assert.Equal(t, []types.Tag{10, 9, 5, 6, 7, 8, 1, 2, 3, 4}, dropped)
	assert.Equal(t, droplog.Digits(rep.Log), dropped)

	// metrics
	assert.Equal(t, 10.0, counter(t, reg, "droporder_drops_total"))
	assert.Equal(t, 1.0, counter(t, reg, "droporder_element_aborts_total"))
	assert.Equal(t, 2.0, counter(t, reg, "droporder_partial_cleanup_drops_total"))
	assert.Equal(t, 1.0, counter(t, reg, "droporder_workers_failed_total"))
	assert.Equal(t, 0.0, counter(t, reg, "droporder_workers_succeeded_total"))

	// tracing
	require.Len(t, sr.Ended(), 1)
	assert.Equal(t, "worker.execute", sr.Ended()[0].Name())

	// 報告檔
	manager := report.NewManager(filepath.Join(t.TempDir(), "last_run.json"), report.WithBackups(2))
	require.NoError(t, manager.Append(*rep, 10))

	rec, err := manager.Load()
	require.NoError(t, err)
	last, ok := rec.Last()
	require.True(t, ok)
	assert.NoError(t, last.Verify())
	assert.Equal(t, rep.RunID, last.RunID)
	assert.Equal(t, rep.Drops, last.Drops)
}

// TestCallerSurvivesRepeatedAborts 呼叫端反覆執行中止情境，本身不受影響
func TestCallerSurvivesRepeatedAborts(t *testing.T) {
	dl := droplog.New()
	for i := 0; i < 100; i++ {
		rep, err := scenario.Run(context.Background(), scenario.Reference(), dl)
		require.NoError(t, err, "run %d", i)
		require.Equal(t, types.OutcomeFailed, rep.Outcome)
	}
}

// TestConcurrentScenarioRuns 多個情境各自使用獨立 drop log 並發執行
func TestConcurrentScenarioRuns(t *testing.T) {
	const runs = 16
	errs := make(chan error, runs)

	for i := 0; i < runs; i++ {
		go func() {
			_, err := scenario.Run(context.Background(), scenario.Reference(), droplog.New())
			errs <- err
		}()
	}
	for i := 0; i < runs; i++ {
		assert.NoError(t, <-errs)
	}
}
