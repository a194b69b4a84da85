// ============================================================================
// Drop-Order Scope - Owning Scope and Teardown Policy
// ============================================================================
//
// Package: internal/scope
// File: scope.go
// Purpose: Owns the arrays bound inside one unit of work and releases them
//          when the work returns or aborts
//
// Bindings:
//   Every array built through Scope.Build is bound to the scope. Bindings
//   are released last-bound-first when the scope ends, each array in
//   ascending index order.
//
// Abort:
//   When a build aborts, the scope keeps the Partial as the in-flight
//   construction and panics with *builder.AbortError. Run catches nothing:
//   it tears the scope down and lets the panic continue to the caller, so
//   the abort propagates exactly once.
//
// Teardown Policy:
//   The builder only guarantees the order inside one array. Where the
//   in-flight partial sits relative to the bound siblings, and in which
//   order its own elements go, belongs to the scope:
//
//   Host        partial (most recent first) → bindings (LIFO, ascending)
//   Constructed partial (construction order) → bindings (LIFO, ascending)
//
//   For [1,2,3,4] [5,6,7,8] [9,10,✗,12]:
//     Host        → A 9 5 6 7 8 1 2 3 4
//     Constructed → 9 A 5 6 7 8 1 2 3 4
//
// ============================================================================

package scope

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/ChuLiYu/drop-order/internal/builder"
	"github.com/ChuLiYu/drop-order/internal/element"
	"github.com/ChuLiYu/drop-order/pkg/types"
)

var log = slog.Default()

var (
	// ErrScopeClosed 表示 scope 已結束，不能再綁定陣列
	ErrScopeClosed = errors.New("scope is closed")
	// ErrUnknownPolicy 表示找不到指定名稱的 teardown policy
	ErrUnknownPolicy = errors.New("unknown teardown policy")
)

// ============================================================================
// Teardown Policy
// ============================================================================

// Policy 決定 scope 結束時的釋放順序
type Policy struct {
	Name string `yaml:"name" json:"name"`

	// PartialOrder 進行中陣列已建構元素的釋放順序
	PartialOrder types.Order `yaml:"partial_order" json:"partial_order"`

	// PartialFirst 為 true 時先清理進行中陣列，再釋放已綁定陣列
	PartialFirst bool `yaml:"partial_first" json:"partial_first"`
}

var (
	// Host 參考情境使用的 teardown policy。
	// 進行中陣列由後往前釋放是參考情境宿主的 teardown 順序，不是 builder 的保證；
	// builder 自行清理 (MustBuild、Partial.Cleanup 預設) 一律依建構順序。
	Host = Policy{Name: "host", PartialOrder: types.Descending, PartialFirst: true}

	// Constructed 進行中陣列依建構順序清理
	Constructed = Policy{Name: "constructed", PartialOrder: types.Ascending, PartialFirst: true}
)

// Policies 所有內建 policy，依名稱索引
var Policies = map[string]Policy{
	Host.Name:        Host,
	Constructed.Name: Constructed,
}

// Lookup 依名稱取得內建 policy
func Lookup(name string) (Policy, error) {
	p, ok := Policies[name]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
	}
	return p, nil
}

// Validate 檢查 policy 是否合法
func (p Policy) Validate() error {
	if !p.PartialOrder.Valid() {
		return fmt.Errorf("policy %q: %w", p.Name, builder.ErrInvalidOrder)
	}
	return nil
}

// ============================================================================
// Recorder
// ============================================================================

// Recorder 接收 scope 事件（例如 metrics.Collector）
type Recorder interface {
	RecordAbort()
	RecordPartialCleanup(dropped int)
}

type nopRecorder struct{}

func (nopRecorder) RecordAbort()             {}
func (nopRecorder) RecordPartialCleanup(int) {}

// ============================================================================
// Scope
// ============================================================================

// Scope 擁有在其中建構的所有陣列
type Scope struct {
	policy   Policy
	recorder Recorder
	bound    []*builder.Array
	inflight *builder.Partial
	closed   bool
}

// Option 設定 Scope
type Option func(*Scope)

// WithRecorder 設定事件接收者
func WithRecorder(r Recorder) Option {
	return func(s *Scope) {
		if r != nil {
			s.recorder = r
		}
	}
}

func newScope(policy Policy, opts ...Option) *Scope {
	s := &Scope{policy: policy, recorder: nopRecorder{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run 在新的 scope 中執行 fn，結束時依 policy 釋放所有綁定。
// fn panic 時先完成釋放，再將同一個 panic 繼續往上傳遞。
func Run(policy Policy, fn func(s *Scope), opts ...Option) {
	if err := policy.Validate(); err != nil {
		panic(err)
	}
	s := newScope(policy, opts...)
	defer func() {
		r := recover()
		s.teardown()
		if r != nil {
			panic(r)
		}
	}()
	fn(s)
}

// Build 建構並綁定一個陣列。中止時記錄進行中的 Partial 並以 *builder.AbortError panic。
func (s *Scope) Build(steps [builder.Size]element.Step) *builder.Array {
	if s.closed {
		panic(ErrScopeClosed)
	}
	res := builder.Build(steps)
	if !res.Ok() {
		s.inflight = res.Partial
		s.recorder.RecordAbort()
		log.Debug("array construction aborted",
			"index", res.Partial.Index(),
			"built", len(res.Partial.Built()),
			"cause", res.Partial.Cause())
		panic(res.Partial.Err())
	}
	s.bind(res.Array)
	return res.Array
}

// Bind 將已建構的陣列交給 scope 擁有
func (s *Scope) Bind(arr *builder.Array) error {
	if s.closed {
		return ErrScopeClosed
	}
	s.bind(arr)
	return nil
}

func (s *Scope) bind(arr *builder.Array) {
	s.bound = append(s.bound, arr)
}

// Bound 回傳目前綁定的陣列數
func (s *Scope) Bound() int {
	return len(s.bound)
}

// Policy 回傳此 scope 使用的 policy
func (s *Scope) Policy() Policy {
	return s.policy
}

func (s *Scope) teardown() {
	if s.closed {
		return
	}
	s.closed = true

	if s.policy.PartialFirst {
		s.cleanupInflight()
		s.releaseBound()
	} else {
		s.releaseBound()
		s.cleanupInflight()
	}
}

func (s *Scope) cleanupInflight() {
	if s.inflight == nil {
		return
	}
	n, err := s.inflight.Cleanup(s.policy.PartialOrder)
	if err != nil {
		// Validate 已檢查過 PartialOrder
		log.Error("partial cleanup failed", "error", err)
		return
	}
	s.recorder.RecordPartialCleanup(n)
}

func (s *Scope) releaseBound() {
	for i := len(s.bound) - 1; i >= 0; i-- {
		s.bound[i].Drop()
	}
	s.bound = nil
}
