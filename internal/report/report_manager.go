package report

// ============================================================================
// 職責說明：
// 1. 將情境執行結果（scenario.Report）序列化為 JSON 報告檔
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// 4. 保留最近 N 筆執行紀錄，供 status 指令顯示
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/drop-order/internal/scenario"
)

// SchemaVersion 目前的報告格式版本
const SchemaVersion = 1

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedReport     = errors.New("report file is corrupted")
	ErrIncompatibleVersion = errors.New("report schema version is incompatible")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Record 報告檔內容
type Record struct {
	SchemaVer  int                    `json:"schema_ver"`
	Runs       []scenario.Report      `json:"runs"`                  // 最舊者在前
	LastStress *scenario.StressReport `json:"last_stress,omitempty"` // 最近一次 stress 結果
}

// Last 回傳最近一次執行紀錄
func (r Record) Last() (scenario.Report, bool) {
	if len(r.Runs) == 0 {
		return scenario.Report{}, false
	}
	return r.Runs[len(r.Runs)-1], true
}

// Manager 報告管理器
type Manager struct {
	path    string     // 報告檔案路徑
	backups int        // Append / SetStress 覆寫前保留的備份數，0 表示不備份
	mu      sync.Mutex // 保護檔案操作
}

// Option 設定 Manager
type Option func(*Manager)

// WithBackups 每次 Append / SetStress 覆寫前保留最近 n 個備份
func WithBackups(n int) Option {
	return func(m *Manager) {
		m.backups = n
	}
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewManager 建立報告管理器實例
func NewManager(path string, opts ...Option) *Manager {
	m := &Manager{
		path: path,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Write 原子性寫入報告
//
// 流程：
//  1. 序列化為 JSON
//  2. 寫入 path.tmp
//  3. os.Rename 覆蓋正式檔案
func (m *Manager) Write(rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.write(rec)
}

func (m *Manager) write(rec Record) error {
	rec.SchemaVer = SchemaVersion

	jsonBytes, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create report dir: %w", err)
		}
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0o644); err != nil {
		return fmt.Errorf("failed to write temp report: %w", err)
	}

	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename report: %w", err)
	}

	return nil
}

// Load 載入報告；檔案不存在時回傳空紀錄
func (m *Manager) Load() (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load()
}

func (m *Manager) load() (Record, error) {
	var rec Record

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Record{SchemaVer: SchemaVersion}, nil
		}
		return rec, fmt.Errorf("failed to read report: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &rec); err != nil {
		return rec, fmt.Errorf("%w: %v", ErrCorruptedReport, err)
	}

	if rec.SchemaVer != SchemaVersion {
		return rec, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, rec.SchemaVer, SchemaVersion)
	}

	return rec, nil
}

// Append 加入一筆執行紀錄，只保留最近 keep 筆（keep <= 0 表示不限）
func (m *Manager) Append(run scenario.Report, keep int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.load()
	if err != nil {
		return err
	}
	rec.Runs = append(rec.Runs, run)
	if keep > 0 && len(rec.Runs) > keep {
		rec.Runs = rec.Runs[len(rec.Runs)-keep:]
	}
	return m.commit(rec)
}

// SetStress 更新最近一次 stress 結果
func (m *Manager) SetStress(stress scenario.StressReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.load()
	if err != nil {
		return err
	}
	rec.LastStress = &stress
	return m.commit(rec)
}

// Exists 報告檔是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 回傳報告檔路徑
func (m *Manager) GetPath() string {
	return m.path
}

// WriteWithBackup 先將舊報告改名為帶時間戳的備份，再寫入新報告；
// 只保留最近 keepBackups 個備份
func (m *Manager) WriteWithBackup(rec Record, keepBackups int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeWithBackup(rec, keepBackups)
}

func (m *Manager) commit(rec Record) error {
	if m.backups > 0 {
		return m.writeWithBackup(rec, m.backups)
	}
	return m.write(rec)
}

func (m *Manager) writeWithBackup(rec Record, keepBackups int) error {
	if m.Exists() {
		backupPath := fmt.Sprintf("%s.%s", m.path, time.Now().Format("20060102_150405.000000000"))
		if err := os.Rename(m.path, backupPath); err != nil {
			return fmt.Errorf("failed to backup old report: %w", err)
		}
		if err := m.pruneBackups(keepBackups); err != nil {
			return err
		}
	}

	return m.write(rec)
}

// Backups 回傳現有備份檔，最舊者在前
func (m *Manager) Backups() ([]string, error) {
	matches, err := filepath.Glob(m.path + ".*")
	if err != nil {
		return nil, err
	}
	backups := matches[:0]
	for _, p := range matches {
		if !strings.HasSuffix(p, ".tmp") {
			backups = append(backups, p)
		}
	}
	sort.Strings(backups)
	return backups, nil
}

func (m *Manager) pruneBackups(keep int) error {
	if keep < 0 {
		return nil
	}
	backups, err := m.Backups()
	if err != nil {
		return fmt.Errorf("failed to list backups: %w", err)
	}
	for len(backups) > keep {
		if err := os.Remove(backups[0]); err != nil {
			return fmt.Errorf("failed to remove old backup: %w", err)
		}
		backups = backups[1:]
	}
	return nil
}
