package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/ChuLiYu/drop-order/pkg/types"
)

// Work 在隔離的 goroutine 中執行的工作；回傳 error 或 panic 皆視為中止
type Work func(ctx context.Context) error

// Task 代表要執行的任務
type Task struct {
	ID   types.RunID // 任務唯一識別碼
	Work Work        // 要執行的工作
}

// Result 代表任務執行結果
type Result struct {
	ID       types.RunID   // 任務 ID
	State    types.State   // 終止狀態（Completed 或 Aborted）
	Outcome  types.Outcome // 對外結果（Succeeded 或 Failed）
	Error    error         // 中止原因，僅供診斷
	Duration time.Duration // 實際執行時間
}

// Failed 是否以失敗結束
func (r Result) Failed() bool {
	return r.Outcome == types.OutcomeFailed
}

// PanicError 工作 panic 時由隔離邊界捕捉的值
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("worker panic: %v", e.Value)
}

// Unwrap 若 panic 值本身為 error 則回傳之
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
