// Package element 提供可觀察釋放行為的標籤值
package element

import (
	"errors"
	"sync/atomic"

	"github.com/ChuLiYu/drop-order/internal/droplog"
	"github.com/ChuLiYu/drop-order/pkg/types"
)

// ErrAborted 元素建構中止時使用的預設原因
var ErrAborted = errors.New("element construction aborted")

// DieMessage Die 產生的 panic 內容
const DieMessage = "Oh no"

// Value 帶有標籤的值，釋放時將標籤寫入 drop log
type Value struct {
	tag     types.Tag
	log     *droplog.Log
	dropped atomic.Bool
}

// New 建立新的 Value，log 不可為 nil
func New(log *droplog.Log, tag types.Tag) *Value {
	return &Value{tag: tag, log: log}
}

// Tag 回傳標籤
func (v *Value) Tag() types.Tag {
	return v.tag
}

// Dropped 是否已釋放
func (v *Value) Dropped() bool {
	return v.dropped.Load()
}

// Drop 釋放此值；只有第一次呼叫會寫入 drop log
func (v *Value) Drop() bool {
	if !v.dropped.CompareAndSwap(false, true) {
		return false
	}
	v.log.Record(v.tag)
	return true
}

// Step 產生一個元素；回傳 error 或 panic 皆視為建構中止
type Step func() (*Value, error)

// Make 回傳一個產生 tag 的 Step
func Make(log *droplog.Log, tag types.Tag) Step {
	return func() (*Value, error) {
		return New(log, tag), nil
	}
}

// Fail 回傳一個永遠以 err 中止的 Step
func Fail(err error) Step {
	if err == nil {
		err = ErrAborted
	}
	return func() (*Value, error) {
		return nil, err
	}
}

// Die 回傳一個永遠 panic 的 Step
func Die() Step {
	return func() (*Value, error) {
		panic(DieMessage)
	}
}
