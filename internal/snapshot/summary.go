package snapshot

// ============================================================================
// 職責說明：
// 1. 將一次批次執行的結果序列化為 JSON 摘要檔
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
//
// 摘要只描述已結束的批次，不是重啟狀態：批次不會從摘要恢復。
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

	"github.com/ChuLiYu/cropbatch/pkg/types"
)

// SchemaVersion 目前的摘要格式版本
const SchemaVersion = 1

// suffix 摘要檔副檔名
const suffix = ".summary.json"

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSummary    = errors.New("summary file is corrupted")
	ErrIncompatibleVersion = errors.New("summary schema version is incompatible")
	ErrSummaryNotFound     = errors.New("summary file not found")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Summary 一次批次的結果摘要
type Summary struct {
	SchemaVer       int               `json:"schema_version"`
	Mode            types.Mode        `json:"mode"`
	Storage         string            `json:"storage"` // local | remote
	Started         time.Time         `json:"started"`
	Elapsed         time.Duration     `json:"elapsed_ns"`
	Workers         int               `json:"workers"`
	Total           int               `json:"total"`
	Completed       int               `json:"completed"`
	Failed          int               `json:"failed"`
	FirstFailure    *int              `json:"first_failure,omitempty"`
	LogRecords      int64             `json:"log_records"`
	LogDropped      int64             `json:"log_dropped"`
	ExpectedOutputs int               `json:"expected_outputs"`
	ActualOutputs   int               `json:"actual_outputs"`
	Jobs            []types.JobRecord `json:"jobs"`
}

// Throughput 每秒完成的任務數
func (s Summary) Throughput() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Completed) / s.Elapsed.Seconds()
}

// Manager 摘要檔管理器
type Manager struct {
	path string     // 摘要檔案路徑
	mu   sync.Mutex // 保護檔案操作
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewManager 建立摘要管理器實例
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// PathFor 回傳某模式與儲存類型的摘要檔路徑，與日誌檔同名
func PathFor(dir string, mode types.Mode, storage string) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%s%s", mode, storage, suffix))
}

// Write 原子性寫入摘要
//
// 1. 寫入臨時檔案（.tmp）
// 2. 使用 os.Rename 原子性替換原始檔案
func (m *Manager) Write(s Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s.SchemaVer = SchemaVersion
	if s.Jobs == nil {
		s.Jobs = []types.JobRecord{}
	}

	// 帶縮排，方便人工閱讀
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("failed to create summary dir: %w", err)
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp summary: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename summary: %w", err)
	}
	return nil
}

// Load 載入摘要並驗證版本
func (m *Manager) Load() (Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s Summary
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, fmt.Errorf("%w: %s", ErrSummaryNotFound, m.path)
		}
		return s, fmt.Errorf("failed to read summary: %w", err)
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("%w: %v", ErrCorruptedSummary, err)
	}
	if s.SchemaVer != SchemaVersion {
		return s, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, s.SchemaVer, SchemaVersion)
	}
	return s, nil
}

// Exists 檢查摘要檔案是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 取得摘要檔案路徑
func (m *Manager) GetPath() string {
	return m.path
}

// List 列出 dir 下所有摘要檔，依名稱排序。dir 不存在時回傳空列表。
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasSuffix(e.Name(), suffix) {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}
