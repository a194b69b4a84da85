// ============================================================================
// Drop-Order Array Builder - Partial-Construction-Aware Construction
// ============================================================================
//
// Package: internal/builder
// File: builder.go
// Purpose: Builds a heap-owned array of Size tagged values, one step at a time
//
// Construction:
//   Steps run strictly in index order. Each completed step moves its value
//   into the array in progress. A step aborts when it returns an error or
//   panics; the build stops there and the steps after it never run.
//
// Partial Failure:
//   An aborted build yields a Partial instead of an Array. The Partial holds
//   exactly the elements already built and the abort cause. Cleanup destroys
//   those elements and nothing else; it runs at most once.
//
//   ┌──────────┬──────────┬──────────┬──────────┐
//   │ step 0 ✓ │ step 1 ✓ │ step 2 ✗ │ step 3 - │
//   └──────────┴──────────┴──────────┴──────────┘
//     Partial.Built = [v0, v1], Index = 2
//
// Visibility:
//   An Array is only ever handed out fully built. Partial never exposes a
//   half-filled Array.
//
// ============================================================================

package builder

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ChuLiYu/drop-order/internal/element"
	"github.com/ChuLiYu/drop-order/pkg/types"
)

// Size is the fixed number of elements in an Array.
const Size = 4

var (
	// ErrNilElement 表示 Step 沒有回傳值也沒有回傳錯誤
	ErrNilElement = errors.New("step produced no element")
	// ErrInvalidOrder 表示清理順序不合法
	ErrInvalidOrder = errors.New("invalid cleanup order")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Array 完整建構的固定長度陣列
type Array [Size]*element.Value

// Tags 回傳元素標籤（依索引順序）
func (a *Array) Tags() []types.Tag {
	tags := make([]types.Tag, 0, Size)
	for _, v := range a {
		tags = append(tags, v.Tag())
	}
	return tags
}

// Drop 依索引遞增順序釋放所有元素，回傳實際釋放的數量
func (a *Array) Drop() int {
	dropped := 0
	for _, v := range a {
		if v.Drop() {
			dropped++
		}
	}
	return dropped
}

// Partial 中途中止的建構結果
type Partial struct {
	built   []*element.Value
	index   int
	cause   error
	cleaned atomic.Bool
}

// Built 回傳已建構元素的副本（依建構順序）
func (p *Partial) Built() []*element.Value {
	out := make([]*element.Value, len(p.built))
	copy(out, p.built)
	return out
}

// Index 回傳中止的 Step 索引
func (p *Partial) Index() int {
	return p.index
}

// Cause 回傳中止原因
func (p *Partial) Cause() error {
	return p.cause
}

// Err 將中止包裝為 *AbortError
func (p *Partial) Err() *AbortError {
	return &AbortError{Index: p.index, Built: len(p.built), Cause: p.cause}
}

// Cleanup 以指定順序釋放已建構的元素；第二次呼叫不做任何事
func (p *Partial) Cleanup(order types.Order) (int, error) {
	if !order.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidOrder, order)
	}
	if !p.cleaned.CompareAndSwap(false, true) {
		return 0, nil
	}

	dropped := 0
	drop := func(v *element.Value) {
		if v.Drop() {
			dropped++
		}
	}
	if order == types.Ascending {
		for _, v := range p.built {
			drop(v)
		}
	} else {
		for i := len(p.built) - 1; i >= 0; i-- {
			drop(p.built[i])
		}
	}
	return dropped, nil
}

// Cleaned 是否已執行清理
func (p *Partial) Cleaned() bool {
	return p.cleaned.Load()
}

// Result 建構結果：Array 與 Partial 恰有一個非 nil
type Result struct {
	Array   *Array
	Partial *Partial
}

// Ok 是否完整建構
func (r Result) Ok() bool {
	return r.Array != nil
}

// ============================================================================
// 錯誤型別
// ============================================================================

// AbortError 元素建構中止
type AbortError struct {
	Index int   // 中止的 Step 索引
	Built int   // 中止前已建構的元素數
	Cause error // 中止原因
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("element %d aborted after %d built: %v", e.Index, e.Built, e.Cause)
}

func (e *AbortError) Unwrap() error {
	return e.Cause
}

// StepPanic Step 發生 panic 時的中止原因
type StepPanic struct {
	Value any
}

func (e *StepPanic) Error() string {
	return fmt.Sprint(e.Value)
}

// Unwrap 若 panic 值本身為 error 則回傳之
func (e *StepPanic) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// ============================================================================
// 核心方法實作
// ============================================================================

// Build 依序執行 steps；任何 Step 中止時回傳 Partial，不做清理
func Build(steps [Size]element.Step) Result {
	built := make([]*element.Value, 0, Size)
	for i, step := range steps {
		v, err := run(step)
		if err == nil && v == nil {
			err = ErrNilElement
		}
		if err != nil {
			return Result{Partial: &Partial{built: built, index: i, cause: err}}
		}
		built = append(built, v)
	}

	arr := new(Array)
	copy(arr[:], built)
	return Result{Array: arr}
}

// MustBuild 建構陣列；中止時先依建構順序清理已建構元素，再以 *AbortError panic
func MustBuild(steps [Size]element.Step) *Array {
	res := Build(steps)
	if !res.Ok() {
		res.Partial.Cleanup(types.Ascending)
		panic(res.Partial.Err())
	}
	return res.Array
}

// Steps 將 tags 轉為 Step 陣列，便於測試與情境定義
func Steps(produce func(types.Tag) element.Step, tags [Size]types.Tag) [Size]element.Step {
	var steps [Size]element.Step
	for i, t := range tags {
		steps[i] = produce(t)
	}
	return steps
}

func run(step element.Step) (v *element.Value, err error) {
	if step == nil {
		return nil, ErrNilElement
	}
	defer func() {
		if r := recover(); r != nil {
			v, err = nil, &StepPanic{Value: r}
		}
	}()
	return step()
}
