// ============================================================================
// cropbatch 任務帳本 - 批次任務狀態機
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 記錄一個批次中每個任務的生命週期，供 Orchestrator 統計結果
//
// 任務狀態轉換 (State Machine):
//   Pending (待處理)
//      ↓ MarkInFlight()   任務進入視窗 / 被提交給 worker
//   InFlight (執行中)
//      ↓ MarkDone(result)
//   Completed (已完成) / Failed (失敗)
//
// 狀態轉換規則:
//   - Pending → InFlight: 通過 MarkInFlight()
//   - InFlight → Completed / Failed: 通過 MarkDone()，依結果是否帶錯誤
//   - 終態不可再轉換，也沒有重試
//
// 數據結構設計:
//   jobs map[int]*types.JobRecord - 主存儲，以任務 index 為鍵
//   輔助索引: inFlight / completed / failed 集合，pending 計數
//
// 並發安全:
//   - sync.RWMutex 保護所有數據結構
//   - thread 模式下結果由單一 drain 迴圈寫入，但查詢可來自 metrics 等其他 goroutine
//
// ============================================================================

package jobmanager

import (
	"errors"
	"sort"
	"sync"

	"github.com/ChuLiYu/cropbatch/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務 index 重複
	ErrDuplicateJob = errors.New("job already exists")
	// 任務不在執行中狀態
	ErrNotInFlight = errors.New("job not in flight")
	// 任務不在待處理狀態
	ErrNotPending = errors.New("job not pending")
	// 任務不存在
	ErrJobNotFound = errors.New("job not found")
)

// JobManager 是一個批次的任務帳本
type JobManager struct {
	mu        sync.RWMutex
	jobs      map[int]*types.JobRecord
	pending   int
	inFlight  map[int]struct{}
	completed map[int]struct{}
	failed    map[int]*types.JobFailure
}

// NewJobManager 建立新的任務帳本
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:      make(map[int]*types.JobRecord),
		inFlight:  make(map[int]struct{}),
		completed: make(map[int]struct{}),
		failed:    make(map[int]*types.JobFailure),
	}
}

// Enqueue 登記一個待處理任務
//
// 錯誤處理：
//   - ErrDuplicateJob: 同一 index 已登記
func (jm *JobManager) Enqueue(job types.Job) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if _, exists := jm.jobs[job.Index]; exists {
		return ErrDuplicateJob
	}
	jm.jobs[job.Index] = &types.JobRecord{
		Index:   job.Index,
		TraceID: job.TraceID,
		Status:  types.StatusPending,
	}
	jm.pending++
	return nil
}

// EnqueueAll 登記整個批次
func (jm *JobManager) EnqueueAll(jobs []types.Job) error {
	for _, job := range jobs {
		if err := jm.Enqueue(job); err != nil {
			return err
		}
	}
	return nil
}

// MarkInFlight 將任務標記為執行中
//
// 錯誤處理：
//   - ErrJobNotFound: 任務不存在
//   - ErrNotPending: 任務已經離開 pending
func (jm *JobManager) MarkInFlight(index int) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	rec, exists := jm.jobs[index]
	if !exists {
		return ErrJobNotFound
	}
	if rec.Status != types.StatusPending {
		return ErrNotPending
	}
	rec.Status = types.StatusInFlight
	jm.pending--
	jm.inFlight[index] = struct{}{}
	return nil
}

// MarkDone 依結果將執行中任務移到 completed 或 failed
//
// 錯誤處理：
//   - ErrJobNotFound: 任務不存在
//   - ErrNotInFlight: 任務不在執行中（例如重複回報）
func (jm *JobManager) MarkDone(result types.JobResult) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	rec, exists := jm.jobs[result.Index]
	if !exists {
		return ErrJobNotFound
	}
	if rec.Status != types.StatusInFlight {
		return ErrNotInFlight
	}

	delete(jm.inFlight, result.Index)
	rec.WorkerID = result.WorkerID
	rec.Duration = result.Duration
	rec.Status = result.Status()
	if result.Failed() {
		jf := types.NewJobFailure(types.Job{Index: rec.Index, TraceID: rec.TraceID}, result.Err)
		rec.Error = jf.Cause.Error()
		jm.failed[result.Index] = jf
	} else {
		jm.completed[result.Index] = struct{}{}
	}
	return nil
}

// Stats 取得各狀態任務數量
func (jm *JobManager) Stats() map[string]int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	return map[string]int{
		string(types.StatusPending):   jm.pending,
		string(types.StatusInFlight):  len(jm.inFlight),
		string(types.StatusCompleted): len(jm.completed),
		string(types.StatusFailed):    len(jm.failed),
	}
}

// Completed 回傳成功任務數
func (jm *JobManager) Completed() int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return len(jm.completed)
}

// Failed 回傳失敗任務數
func (jm *JobManager) Failed() int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return len(jm.failed)
}

// FirstFailure 回傳 index 最小的失敗，沒有失敗時回傳 nil
func (jm *JobManager) FirstFailure() *types.JobFailure {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	var first *types.JobFailure
	for idx, jf := range jm.failed {
		if first == nil || idx < first.Index {
			first = jf
		}
	}
	return first
}

// InFlight 回傳執行中任務的 index，已排序
func (jm *JobManager) InFlight() []int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	out := make([]int, 0, len(jm.inFlight))
	for idx := range jm.inFlight {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// Done 表示所有任務都已到達終態
func (jm *JobManager) Done() bool {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return jm.pending == 0 && len(jm.inFlight) == 0
}

// GetJob 取得任務記錄的副本
func (jm *JobManager) GetJob(index int) (types.JobRecord, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	rec, ok := jm.jobs[index]
	if !ok {
		return types.JobRecord{}, false
	}
	return *rec, true
}

// Snapshot 依 index 排序深拷貝所有任務記錄，供批次摘要使用
func (jm *JobManager) Snapshot() []types.JobRecord {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	out := make([]types.JobRecord, 0, len(jm.jobs))
	for _, rec := range jm.jobs {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}
