// Package types 定義了 drop-order 系統中共用的領域模型
package types

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// Tag 元素識別標籤，只有低 4 位元會寫入 drop log
type Tag uint8

// Nibble 回傳寫入 drop log 的低 4 位元
func (t Tag) Nibble() uint64 {
	return uint64(t) & 0xF
}

// MarshalJSON 以數字輸出；[]Tag 不會被編碼成 base64 字串
func (t Tag) MarshalJSON() ([]byte, error) {
	return strconv.AppendUint(nil, uint64(t), 10), nil
}

// RunID 一次 worker 執行的唯一識別碼
type RunID string

// NewRunID 產生新的 RunID
func NewRunID() RunID {
	return RunID(uuid.New().String())
}

// Outcome worker 對外回報的結果
type Outcome string

// 定義 worker 結果常數
const (
	OutcomeSucceeded Outcome = "succeeded" // 工作正常完成
	OutcomeFailed    Outcome = "failed"    // 工作中途中止，已完成清理
)

// State worker 內部狀態
//
//	Running → Completed → (Succeeded)
//	Running → Aborted   → (cleanup) → (Failed)
type State string

// 定義 worker 狀態常數
const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateAborted   State = "aborted"
)

// Terminal 是否為終止狀態
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted
}

// Outcome 將終止狀態轉換為對外結果
func (s State) Outcome() (Outcome, error) {
	switch s {
	case StateCompleted:
		return OutcomeSucceeded, nil
	case StateAborted:
		return OutcomeFailed, nil
	default:
		return "", fmt.Errorf("state %q is not terminal", s)
	}
}

// Order 陣列元素釋放順序
type Order string

// 定義釋放順序常數
const (
	Ascending  Order = "ascending"  // 依建構順序（索引遞增）
	Descending Order = "descending" // 最後建構者先釋放
)

// Valid 檢查順序是否合法
func (o Order) Valid() bool {
	return o == Ascending || o == Descending
}
