// ============================================================================
// Drop-Order Worker Pool - 並發隔離執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理多個 Worker goroutine 的生命週期，讓多個隔離工作同時寫入同一個 drop log
//
// 架構組件:
//   ┌─────────────┐
//   │  Scenario   │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//   ReceiveResult()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  │Worker 3│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// 生命週期:
//   1. NewPool() - 創建 Pool，初始化 channels
//   2. Start(n) - 啟動 n 個 Worker goroutines
//   3. Submit(task) - 提交任務到 taskCh
//   4. ReceiveResult() - 從 resultCh 讀取結果
//   5. Stop() - 關閉 taskCh，等待所有 Worker 完成
//
// 隔離:
//   每個任務都在 execute() 的 recover 邊界內執行，
//   單一任務 panic 只會得到 Failed 結果，不會影響 Worker 或其他任務。
//
// ============================================================================

package worker

import (
	"errors"
	"sync"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStarted 表示 Pool 已啟動
	ErrPoolStarted = errors.New("worker pool already started")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	workers  []*Worker      // 所有啟動的 Worker 實例
	taskCh   chan Task      // 任務通道
	resultCh chan Result    // 結果通道
	stopCh   chan struct{}  // 停止訊號
	wg       sync.WaitGroup // 等待所有 Worker 完成
	opts     options
	started  bool
	stopped  bool
	mu       sync.Mutex // 保護 started 和 stopped 狀態

	// Submit 送出期間持有讀鎖，Stop 關閉 taskCh 前取得寫鎖
	sendMu sync.RWMutex
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
// 參數：
//   - bufferSize: 任務和結果通道的緩衝大小
func NewPool(bufferSize int, opts ...Option) *Pool {
	return &Pool{
		workers:  make([]*Worker, 0),
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
		opts:     buildOptions(opts),
	}
}

// Start 啟動指定數量的 Worker
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.taskCh, p.resultCh, p.stopCh, p.opts.tracer)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	p.started = true
	return nil
}

// Submit 提交任務到 Worker Pool
// taskCh 已滿時會阻塞，直到有 Worker 取走任務或 Pool 被停止
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	started, stopped := p.started, p.stopped
	p.mu.Unlock()

	if !started {
		return ErrPoolNotStarted
	}
	if stopped {
		return ErrPoolClosed
	}

	// 持有讀鎖期間 taskCh 不會被關閉
	p.sendMu.RLock()
	defer p.sendMu.RUnlock()

	select {
	case <-p.stopCh:
		return ErrPoolClosed
	default:
	}

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// ReceiveResult 從結果通道接收執行結果
func (p *Pool) ReceiveResult() (Result, error) {
	select {
	case result, ok := <-p.resultCh:
		if !ok {
			return Result{}, ErrPoolClosed
		}
		return result, nil
	case <-p.stopCh:
		return Result{}, ErrPoolClosed
	}
}

// Stop 優雅地關閉 Worker Pool
// 關閉流程：
//  1. 設定 stopped 標誌
//  2. 關閉 stopCh，通知所有 Worker 停止，阻塞中的 Submit 也會返回 ErrPoolClosed
//  3. 取得 sendMu 寫鎖，等待送出中的 Submit 離開後關閉 taskCh
//  4. 等待所有 Worker 完成當前任務
//  5. 關閉 resultCh
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)

	p.sendMu.Lock()
	close(p.taskCh)
	p.sendMu.Unlock()

	p.wg.Wait()

	close(p.resultCh)
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
