// ============================================================================
// Drop-Order Worker - Isolated Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Runs work on its own goroutine behind a recover boundary and
//           reports a terminal outcome over a channel
//
// How it works:
//   Spawn starts one goroutine for one unit of work:
//   1. Start a tracing span for the execution
//   2. Run the work; a returned error or a panic moves the state to Aborted
//   3. Any cleanup the work defers has finished before the recover boundary
//      sees the panic
//   4. Send the Result on a channel of capacity 1
//   The caller blocks in Join until that Result arrives.
//
// State Machine:
//   ┌─────────┐  return nil   ┌───────────┐
//   │ Running │ ────────────→ │ Completed │ → Succeeded
//   └─────────┘               └───────────┘
//        │   panic / error    ┌───────────┐
//        └──────────────────→ │  Aborted  │ → Failed
//                             └───────────┘
//
// Visibility:
//   Everything the work wrote before it returned or panicked happens before
//   the channel send, so it is visible to the caller once Join returns.
//
// ============================================================================

package worker

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/drop-order/pkg/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var log = slog.Default()

// TracerName 預設 tracer 名稱
const TracerName = "github.com/ChuLiYu/drop-order/internal/worker"

// Option 設定 Spawn 與 Pool
type Option func(*options)

type options struct {
	tracer trace.Tracer
}

// WithTracer 使用指定的 tracer 取代全域 tracer
func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		if t != nil {
			o.tracer = t
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{tracer: otel.Tracer(TracerName)}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// ============================================================================
// Spawn / Join
// ============================================================================

// Handle 已啟動的隔離 worker
type Handle struct {
	id     types.RunID
	done   chan Result
	state  atomic.Value // types.State
	once   sync.Once
	result Result
}

// Spawn 在新的 goroutine 中執行 work，並立即回傳 Handle
func Spawn(ctx context.Context, id types.RunID, work Work, opts ...Option) *Handle {
	o := buildOptions(opts)
	h := &Handle{
		id:   id,
		done: make(chan Result, 1),
	}
	h.state.Store(types.StateRunning)

	go func() {
		result := execute(ctx, o.tracer, Task{ID: id, Work: work})
		h.state.Store(result.State)
		h.done <- result
	}()
	return h
}

// ID 回傳此 worker 的 RunID
func (h *Handle) ID() types.RunID {
	return h.id
}

// State 回傳目前狀態；Join 之前可能仍為 Running
func (h *Handle) State() types.State {
	return h.state.Load().(types.State)
}

// Join 阻塞直到 worker 進入終止狀態；可重複呼叫
func (h *Handle) Join() Result {
	h.once.Do(func() {
		h.result = <-h.done
	})
	return h.result
}

// ============================================================================
// Pool Worker
// ============================================================================

// Worker represents a work execution unit inside a Pool
type Worker struct {
	id       int           // Worker unique identifier, used for logging
	taskCh   <-chan Task   // Task channel (read-only)
	resultCh chan<- Result // Result channel (write-only)
	stopCh   <-chan struct{}
	tracer   trace.Tracer
}

func newWorker(id int, taskCh <-chan Task, resultCh chan<- Result, stopCh <-chan struct{}, tracer trace.Tracer) *Worker {
	return &Worker{
		id:       id,
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
		tracer:   tracer,
	}
}

// Run is the main loop of Worker, receives tasks from task channel and executes them.
// A task that panics only fails that task; the worker keeps serving.
func (w *Worker) Run() {
	for task := range w.taskCh {
		result := execute(context.Background(), w.tracer, task)

		select {
		case w.resultCh <- result:
		case <-w.stopCh:
			log.Warn("pool stopped before result was received",
				"worker", w.id, "run_id", task.ID, "outcome", result.Outcome)
		}
	}
}

// execute runs one task behind the recover boundary.
func execute(ctx context.Context, tracer trace.Tracer, task Task) Result {
	start := time.Now()

	ctx, span := tracer.Start(ctx, "worker.execute",
		trace.WithAttributes(attribute.String("run.id", string(task.ID))))
	defer span.End()

	state := types.StateCompleted
	err := invoke(ctx, task.Work)
	if err != nil {
		state = types.StateAborted
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	outcome, _ := state.Outcome()
	span.SetAttributes(attribute.String("worker.outcome", string(outcome)))

	return Result{
		ID:       task.ID,
		State:    state,
		Outcome:  outcome,
		Error:    err,
		Duration: time.Since(start),
	}
}

func invoke(ctx context.Context, work Work) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	if work == nil {
		return nil
	}
	return work(ctx)
}
