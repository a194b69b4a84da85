// ============================================================================
// Drop-Order Scenario - Isolated Run and Assertions
// ============================================================================
//
// Package: internal/scenario
// File: scenario.go
// Purpose: Runs a Definition on one isolated worker and checks the result
//
// Flow:
//   1. Reset the drop log
//   2. Spawn a worker whose work opens a scope and builds every array
//   3. Join the worker (blocks until Succeeded or Failed)
//   4. Read the drop log and build a Report
//   5. Verify: the outcome matches whether the definition aborts, and the
//      drop log equals the expected value exactly
//
// The caller never sees the abort as a panic. It only sees the outcome and
// the drop log left behind by the worker.
//
// ============================================================================

package scenario

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/drop-order/internal/builder"
	"github.com/ChuLiYu/drop-order/internal/droplog"
	"github.com/ChuLiYu/drop-order/internal/element"
	"github.com/ChuLiYu/drop-order/internal/scope"
	"github.com/ChuLiYu/drop-order/internal/worker"
	"github.com/ChuLiYu/drop-order/pkg/types"
)

var log = slog.Default()

var (
	// ErrUnexpectedSuccess worker 應該失敗卻成功
	ErrUnexpectedSuccess = errors.New("worker succeeded but an element aborts")
	// ErrUnexpectedFailure worker 應該成功卻失敗
	ErrUnexpectedFailure = errors.New("worker failed but no element aborts")
	// ErrLogMismatch drop log 與預期不符
	ErrLogMismatch = errors.New("drop log mismatch")
)

// WorkerRecorder 接收 worker 終止結果（例如 metrics.Collector）
type WorkerRecorder interface {
	RecordWorker(outcome types.Outcome, seconds float64)
}

// Recorder 同時接收 scope 與 worker 事件
type Recorder interface {
	scope.Recorder
	WorkerRecorder
}

// Option 設定 Execute 與 Stress
type Option func(*runOptions)

type runOptions struct {
	recorder      Recorder
	workerOptions []worker.Option
}

// WithRecorder 設定事件接收者
func WithRecorder(r Recorder) Option {
	return func(o *runOptions) {
		o.recorder = r
	}
}

// WithWorkerOptions 傳遞給 worker.Spawn / worker.NewPool 的選項
func WithWorkerOptions(opts ...worker.Option) Option {
	return func(o *runOptions) {
		o.workerOptions = append(o.workerOptions, opts...)
	}
}

func buildRunOptions(opts []Option) runOptions {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o runOptions) scopeOptions() []scope.Option {
	if o.recorder == nil {
		return nil
	}
	return []scope.Option{scope.WithRecorder(o.recorder)}
}

func (o runOptions) recordWorker(res worker.Result) {
	if o.recorder != nil {
		o.recorder.RecordWorker(res.Outcome, res.Duration.Seconds())
	}
}

// ============================================================================
// Report
// ============================================================================

// Report 一次情境執行的結果
type Report struct {
	RunID           types.RunID   `json:"run_id"`
	Scenario        string        `json:"scenario"`
	Policy          string        `json:"policy"`
	Outcome         types.Outcome `json:"outcome"`
	ExpectedOutcome types.Outcome `json:"expected_outcome"`
	Error           string        `json:"error,omitempty"`
	Log             uint64        `json:"log"`
	Expected        uint64        `json:"expected"`
	Drops           []types.Tag   `json:"drops"`
	Constructed     int           `json:"constructed"`
	Duration        time.Duration `json:"duration"`
	FinishedAt      time.Time     `json:"finished_at"`
}

// LogHex drop log 的十六進位表示
func (r *Report) LogHex() string {
	return droplog.Format(r.Log)
}

// ExpectedHex 預期值的十六進位表示
func (r *Report) ExpectedHex() string {
	return droplog.Format(r.Expected)
}

// Verify 檢查兩個頂層斷言：worker 結果與 drop log
func (r *Report) Verify() error {
	if r.Outcome != r.ExpectedOutcome {
		if r.ExpectedOutcome == types.OutcomeFailed {
			return ErrUnexpectedSuccess
		}
		return fmt.Errorf("%w: %s", ErrUnexpectedFailure, r.Error)
	}
	if r.Log != r.Expected {
		return fmt.Errorf("%w: expect: 0x%x actual: 0x%x", ErrLogMismatch, r.Expected, r.Log)
	}
	return nil
}

// ============================================================================
// Execute
// ============================================================================

// Execute 在單一隔離 worker 上執行 def，回傳 Report。
// 只有定義本身不合法時才回傳 error；斷言由 Report.Verify 負責。
func Execute(ctx context.Context, def Definition, dl *droplog.Log, opts ...Option) (*Report, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	policy, err := def.TeardownPolicy()
	if err != nil {
		return nil, err
	}
	expected, err := def.ExpectedLog()
	if err != nil {
		return nil, err
	}
	o := buildRunOptions(opts)

	var constructed atomic.Int64
	onMake := func() { constructed.Add(1) }
	arrays := make([][builder.Size]element.Step, len(def.Arrays))
	for i, arr := range def.Arrays {
		for j, s := range arr {
			arrays[i][j] = s.step(dl, onMake)
		}
	}

	work := func(context.Context) error {
		scope.Run(policy, func(s *scope.Scope) {
			for _, steps := range arrays {
				s.Build(steps)
			}
		}, o.scopeOptions()...)
		return nil
	}

	dl.Reset()
	runID := types.NewRunID()
	log.Info("spawning scenario worker", "scenario", def.Name, "policy", policy.Name, "run_id", runID)

	h := worker.Spawn(ctx, runID, work, o.workerOptions...)
	res := h.Join()
	o.recordWorker(res)

	value := dl.Load()
	report := &Report{
		RunID:           runID,
		Scenario:        def.Name,
		Policy:          policy.Name,
		Outcome:         res.Outcome,
		ExpectedOutcome: def.ExpectedOutcome(),
		Log:             value,
		Expected:        expected,
		Drops:           droplog.Digits(value),
		Constructed:     int(constructed.Load()),
		Duration:        res.Duration,
		FinishedAt:      time.Now(),
	}
	if res.Error != nil {
		report.Error = res.Error.Error()
	}

	log.Info("scenario worker joined",
		"run_id", runID,
		"outcome", res.Outcome,
		"drop_log", report.LogHex(),
		"constructed", report.Constructed)
	return report, nil
}

// Run 執行並驗證
func Run(ctx context.Context, def Definition, dl *droplog.Log, opts ...Option) (*Report, error) {
	report, err := Execute(ctx, def, dl, opts...)
	if err != nil {
		return nil, err
	}
	return report, report.Verify()
}
