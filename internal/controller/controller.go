// ============================================================================
// cropbatch 控制器 - 批次協調器 (Orchestrator)
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 選擇排程模式，列舉任務，計時並統計完成結果
//
// 架構設計:
//   控制器負責協調以下組件：
//   - LogFunnel: 整個批次唯一的日誌消費者，擁有日誌檔
//   - JobManager: 任務帳本（pending/in_flight/completed/failed）
//   - Limiter: cooperative 模式的准入視窗
//   - WorkerPool: thread / process 模式的平行執行
//   - Metrics: Prometheus 指標（可選）
//   - Snapshot: 批次結束後寫出結果摘要
//
// 批次流程 (RunBatch):
//   1. 建立日誌檔 <mode>-<local|remote>.log，啟動 LogFunnel
//   2. 可選清除輸出目錄（--rm），準備輸出目錄
//   3. 列舉 R 個任務，每個任務以 index 作為 trace id，登記到帳本
//   4. 依模式執行：
//        sequential  - 單一執行緒，依提交順序逐一執行
//        cooperative - Limiter 視窗 + 檢查點讓出，可選 GOMAXPROCS(1)
//        thread      - 共享位址空間的 worker.Pool
//        process     - 獨立 worker 進程的 worker.ProcessPool
//   5. 逐一消費結果：更新帳本、指標、進度
//   6. 驗證輸出數量，寫出耗時與吞吐量
//   7. 送出結束標記並等待 LogFunnel 清空，寫出摘要
//
// 錯誤處理:
//   - 設定錯誤 / 資源不足：在任何任務開始前中止批次，回傳錯誤
//   - 單一任務失敗：記錄在帳本，不影響其他任務，不重試
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/ChuLiYu/cropbatch/internal/config"
	"github.com/ChuLiYu/cropbatch/internal/cropjob"
	"github.com/ChuLiYu/cropbatch/internal/jobmanager"
	"github.com/ChuLiYu/cropbatch/internal/limiter"
	"github.com/ChuLiYu/cropbatch/internal/logfunnel"
	"github.com/ChuLiYu/cropbatch/internal/metrics"
	"github.com/ChuLiYu/cropbatch/internal/snapshot"
	"github.com/ChuLiYu/cropbatch/internal/storage"
	"github.com/ChuLiYu/cropbatch/internal/trace"
	"github.com/ChuLiYu/cropbatch/internal/worker"
	"github.com/ChuLiYu/cropbatch/pkg/types"
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Batch 描述一次批次的輸入與輸出位置
type Batch struct {
	Image   string // 圖片位置（本地路徑或 redis://）
	Crops   string // 裁切清單位置
	Output  string // 輸出目錄
	Remove  bool   // 執行前清除輸出目錄
	LogFile string // 覆寫日誌檔路徑，空值使用 <log.dir>/<mode>-<storage>.log
}

// Deps 可替換的協作者，零值使用預設實作
type Deps struct {
	Factory  worker.Factory        // 預設 cropjob.Factory
	Spawner  worker.Spawner        // process 模式，預設 ExecSpawner 重新執行本程式
	Metrics  *metrics.Collector    // nil 表示不收集指標
	Progress func(done, total int) // 每消費一個結果呼叫一次
}

// Report 批次結果
type Report struct {
	Mode            types.Mode
	Storage         string // local | remote
	Workers         int
	Total           int
	Elapsed         time.Duration
	Completed       int
	Failed          int
	FirstFailure    *types.JobFailure
	CropsPerJob     int
	ExpectedOutputs int
	ActualOutputs   int
	LogFile         string
	SummaryFile     string
	LogRecords      int64
	LogDropped      int64
}

// Images 成功任務產生的圖片數
func (r Report) Images() int {
	return r.Completed * r.CropsPerJob
}

// ImagesPerSecond 平均吞吐量
func (r Report) ImagesPerSecond() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Images()) / r.Elapsed.Seconds()
}

// OutputsMatch 輸出數量是否符合預期
func (r Report) OutputsMatch() bool {
	return r.ExpectedOutputs == r.ActualOutputs
}

// Controller 批次協調器，每個 Controller 執行一次批次
type Controller struct {
	cfg     *config.Config
	batch   Batch
	deps    Deps
	mode    types.Mode
	storage string
	ledger  *jobmanager.JobManager

	logger *slog.Logger // 引擎層事件，無 trace id
	jobLog *slog.Logger // 任務事件，執行時綁定 trace id
	done   int
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 驗證設定並建立控制器
//
// 錯誤處理：
//   - types.ErrConfiguration: 設定不合法或缺少輸入/輸出位置
func NewController(cfg *config.Config, batch Batch, deps Deps) (*Controller, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", types.ErrConfiguration)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var missing []string
	for name, v := range map[string]string{"image": batch.Image, "crops": batch.Crops, "output": batch.Output} {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %s location", types.ErrConfiguration, strings.Join(missing, ", "))
	}
	mode, err := cfg.Mode()
	if err != nil {
		return nil, err
	}
	if deps.Factory == nil {
		deps.Factory = cropjob.Factory
	}

	kind := "local"
	if storage.IsRemote(batch.Output) {
		kind = "remote"
	}
	return &Controller{
		cfg:     cfg,
		batch:   batch,
		deps:    deps,
		mode:    mode,
		storage: kind,
		ledger:  jobmanager.NewJobManager(),
	}, nil
}

// Mode 回傳批次模式
func (c *Controller) Mode() types.Mode {
	return c.mode
}

// Ledger 回傳任務帳本，可在批次執行中查詢
func (c *Controller) Ledger() *jobmanager.JobManager {
	return c.ledger
}

// LogPath 回傳日誌檔路徑
func (c *Controller) LogPath() string {
	if c.batch.LogFile != "" {
		return c.batch.LogFile
	}
	return filepath.Join(c.cfg.Log.Dir, fmt.Sprintf("%s-%s.log", c.mode, c.storage))
}

// SummaryPath 回傳摘要檔路徑，與日誌檔同目錄
func (c *Controller) SummaryPath() string {
	if c.batch.LogFile != "" {
		return strings.TrimSuffix(c.batch.LogFile, filepath.Ext(c.batch.LogFile)) + ".summary.json"
	}
	return snapshot.PathFor(c.cfg.Log.Dir, c.mode, c.storage)
}

// Workers 回傳本批次的平行度：parallel 模式為 worker 數，其他為 1
func (c *Controller) Workers() int {
	if c.mode.Parallel() {
		return c.cfg.Workers(c.mode)
	}
	return 1
}

// RunBatch 執行整個批次
//
// 返回值：
//   - Report: 完成數、失敗數、第一個失敗、耗時與日誌統計
//   - error: 只有引擎層錯誤（日誌檔、清除、worker 配置）才回傳
func (c *Controller) RunBatch(ctx context.Context) (rep Report, err error) {
	rep = Report{
		Mode:        c.mode,
		Storage:     c.storage,
		Workers:     c.Workers(),
		Total:       c.cfg.Batch.Repeats,
		LogFile:     c.LogPath(),
		SummaryFile: c.SummaryPath(),
	}

	// 1. LogFunnel：唯一擁有日誌檔的消費者
	dst, err := logfunnel.CreateFile(rep.LogFile)
	if err != nil {
		return rep, err
	}
	funnel := logfunnel.Start(dst)
	closeFunnel := func() {
		if ferr := funnel.Close(); ferr != nil && err == nil {
			err = fmt.Errorf("log funnel: %w", ferr)
		}
		rep.LogRecords = funnel.Written()
		rep.LogDropped = funnel.Dropped()
		// 日誌檔已關閉，遺失只能報到 stderr
		if derr := funnel.DroppedErr(); derr != nil {
			slog.Warn("batch log incomplete", "log", rep.LogFile, "error", derr)
		}
	}
	level := c.cfg.Level()
	c.logger = logfunnel.NewLogger(funnel, level, "main")
	c.jobLog = logfunnel.NewLogger(funnel.Sender(), level, worker.JobLoggerName)

	c.logger.Info(fmt.Sprintf("Running %s batch on %s %s/%s with %d CPUs", c.mode, runtime.Version(), runtime.GOOS, runtime.GOARCH, runtime.NumCPU()))
	c.logger.Info(fmt.Sprintf("Using %d workers", rep.Workers))
	c.logger.Info(fmt.Sprintf("Image: %s, crops: %s, output: %s", c.batch.Image, c.batch.Crops, c.batch.Output))

	// 2. 清除並準備輸出目錄
	pw := c.cfg.Redis.Password
	if c.batch.Remove {
		if err := cropjob.Cleanup(ctx, c.batch.Output, pw, c.logger); err != nil {
			closeFunnel()
			return rep, fmt.Errorf("cleanup %s: %w", c.batch.Output, err)
		}
	}
	if err := cropjob.Prepare(ctx, c.batch.Output, pw); err != nil {
		closeFunnel()
		return rep, fmt.Errorf("prepare %s: %w", c.batch.Output, err)
	}

	// 3. 列舉任務
	jobs := make([]types.Job, c.cfg.Batch.Repeats)
	for i := range jobs {
		jobs[i] = types.Job{Index: i, TraceID: trace.ForIndex(i).String()}
	}
	if err := c.ledger.EnqueueAll(jobs); err != nil {
		closeFunnel()
		return rep, err
	}
	spec := cropjob.Spec{
		Image:           c.batch.Image,
		Crops:           c.batch.Crops,
		Output:          c.batch.Output,
		SaveConcurrency: c.cfg.PersistConcurrency(),
		RedisPassword:   pw,
	}
	payload, err := spec.Encode()
	if err != nil {
		closeFunnel()
		return rep, err
	}

	// 4. 依模式執行
	c.deps.Metrics.SetWorkers(rep.Workers)
	started := time.Now()
	switch c.mode {
	case types.ModeSequential:
		err = c.runSequential(ctx, payload, jobs)
	case types.ModeCooperative:
		err = c.runCooperative(ctx, payload, jobs)
	case types.ModeThread:
		err = c.runParallel(ctx, c.threadPool(payload), jobs, rep.Workers)
	case types.ModeProcess:
		err = c.runParallel(ctx, c.processPool(payload, funnel), jobs, rep.Workers)
	}
	rep.Elapsed = time.Since(started)
	if err != nil {
		c.logger.Error("batch aborted", "error", err)
		closeFunnel()
		return rep, err
	}

	// 5. 統計
	rep.Completed = c.ledger.Completed()
	rep.Failed = c.ledger.Failed()
	rep.FirstFailure = c.ledger.FirstFailure()
	if rep.FirstFailure != nil {
		c.logger.Warn(fmt.Sprintf("%d of %d jobs failed, first failure: %v", rep.Failed, rep.Total, rep.FirstFailure))
	}

	// 6. 驗證輸出
	c.validateOutputs(ctx, &rep)
	c.logger.Info(fmt.Sprintf("Elapsed %.2f seconds, average %.2f img/s", rep.Elapsed.Seconds(), rep.ImagesPerSecond()))

	// 7. 結束標記，等待日誌寫完
	closeFunnel()
	c.deps.Metrics.RecordBatch(string(c.mode), rep.Elapsed, rep.Images(), rep.LogDropped)
	if werr := c.writeSummary(rep, started); werr != nil && err == nil {
		err = werr
	}
	return rep, err
}

// runSequential 單一執行緒，依提交順序執行
func (c *Controller) runSequential(ctx context.Context, payload []byte, jobs []types.Job) error {
	runner, closeRunner, err := c.buildRunner(ctx, payload)
	if err != nil {
		return err
	}
	defer closeRunner()

	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.admit(job)
		c.record(worker.Execute(ctx, "main", runner, job, c.jobLog))
	}
	return nil
}

// runCooperative 以 Limiter 視窗執行，任務在檢查點讓出處理器
func (c *Controller) runCooperative(ctx context.Context, payload []byte, jobs []types.Job) error {
	runner, closeRunner, err := c.buildRunner(ctx, payload)
	if err != nil {
		return err
	}
	defer closeRunner()

	if c.cfg.Cooperative.SingleThread {
		prev := runtime.GOMAXPROCS(1)
		defer runtime.GOMAXPROCS(prev)
	}
	ctx = limiter.WithCheckpoints(ctx, c.cfg.Cooperative.CheckpointEvery)

	// 任務在被拉入視窗時才建立並標記為 in_flight
	tasks := func(yield func(limiter.Task[types.JobResult]) bool) {
		for _, job := range jobs {
			c.admit(job)
			task := func(ctx context.Context) (types.JobResult, error) {
				return worker.Execute(ctx, "main", runner, job, c.jobLog), nil
			}
			if !yield(task) {
				return
			}
		}
	}
	outcomes, err := limiter.Limit[types.JobResult](ctx, tasks, c.cfg.Batch.Capacity)
	if err != nil {
		return err
	}
	for o := range outcomes {
		c.record(o.Value)
	}
	return ctx.Err()
}

// runParallel 將所有任務提交給 WorkerPool 並依完成順序消費結果
func (c *Controller) runParallel(ctx context.Context, ex worker.Executor, jobs []types.Job, workers int) error {
	tracked := &trackingExecutor{Executor: ex, admit: c.admit}
	if err := tracked.Start(ctx, workers); err != nil {
		return err
	}
	defer tracked.Stop()

	for result := range worker.SubmitAll(ctx, tracked, jobs) {
		c.record(result)
	}
	return ctx.Err()
}

func (c *Controller) threadPool(payload []byte) worker.Executor {
	return worker.NewPool(worker.PoolConfig{
		BufferSize: c.cfg.Worker.BufferSize,
		Factory:    c.deps.Factory,
		Init:       payload,
		Logger:     c.jobLog,
	})
}

func (c *Controller) processPool(payload []byte, funnel *logfunnel.Funnel) worker.Executor {
	spawner := c.deps.Spawner
	if spawner == nil {
		level := strings.ToLower(c.cfg.Level().String())
		spawner = &worker.ExecSpawner{
			Args: func(addr, workerID string) []string {
				return []string{"worker", "--coordinator", addr, "--id", workerID, "--log-level", level}
			},
		}
	}
	return worker.NewProcessPool(worker.ProcessConfig{
		BufferSize: c.cfg.Worker.BufferSize,
		Init:       payload,
		Spawner:    spawner,
		Logs:       funnel.Sender(),
		Logger:     c.logger,
	})
}

// buildRunner 為單執行緒模式建立唯一的 Runner
func (c *Controller) buildRunner(ctx context.Context, payload []byte) (worker.Runner, func(), error) {
	runner, err := c.deps.Factory(ctx, payload, c.jobLog)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build runner: %w", err)
	}
	closeRunner := func() {
		if cl, ok := runner.(interface{ Close() error }); ok {
			if err := cl.Close(); err != nil {
				c.logger.Warn("failed to close runner", "error", err)
			}
		}
	}
	return runner, closeRunner, nil
}

// admit 任務進入視窗 / 被提交
func (c *Controller) admit(job types.Job) {
	if err := c.ledger.MarkInFlight(job.Index); err != nil {
		c.logger.Error("ledger rejected admission", "index", job.Index, "error", err)
		return
	}
	c.deps.Metrics.RecordAdmit(string(c.mode))
}

// record 消費一個結果，每個結果只會被消費一次
func (c *Controller) record(result types.JobResult) {
	if err := c.ledger.MarkDone(result); err != nil {
		c.logger.Error("ledger rejected result", "index", result.Index, "error", err)
		return
	}
	c.deps.Metrics.RecordResult(string(c.mode), result.Duration, result.Failed())
	if result.Failed() {
		trace.Bind(c.logger, trace.ID(result.TraceID)).Error("job failed", "worker", result.WorkerID, "error", result.Err)
	}
	c.done++
	if c.deps.Progress != nil {
		c.deps.Progress(c.done, c.cfg.Batch.Repeats)
	}
}

// validateOutputs 比對預期輸出數量（repeats × crops）與實際數量
func (c *Controller) validateOutputs(ctx context.Context, rep *Report) {
	crops, err := cropjob.CountCrops(ctx, c.batch.Crops, c.cfg.Redis.Password)
	if err != nil {
		c.logger.Warn("could not read crop list for validation", "error", err)
		return
	}
	rep.CropsPerJob = crops
	rep.ExpectedOutputs = rep.Total * crops
	actual, err := cropjob.CountOutputs(ctx, c.batch.Output, c.cfg.Redis.Password)
	if err != nil {
		c.logger.Warn("could not count outputs", "error", err)
		return
	}
	rep.ActualOutputs = actual
	if !rep.OutputsMatch() {
		c.logger.Warn(fmt.Sprintf("Expected %d images in %s, found %d", rep.ExpectedOutputs, c.batch.Output, actual))
	}
}

func (c *Controller) writeSummary(rep Report, started time.Time) error {
	s := snapshot.Summary{
		Mode:            rep.Mode,
		Storage:         rep.Storage,
		Started:         started,
		Elapsed:         rep.Elapsed,
		Workers:         rep.Workers,
		Total:           rep.Total,
		Completed:       rep.Completed,
		Failed:          rep.Failed,
		LogRecords:      rep.LogRecords,
		LogDropped:      rep.LogDropped,
		ExpectedOutputs: rep.ExpectedOutputs,
		ActualOutputs:   rep.ActualOutputs,
		Jobs:            c.ledger.Snapshot(),
	}
	if rep.FirstFailure != nil {
		idx := rep.FirstFailure.Index
		s.FirstFailure = &idx
	}
	if err := snapshot.NewManager(rep.SummaryFile).Write(s); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}

// ============================================================================
// trackingExecutor
// ============================================================================

// trackingExecutor 在提交前把任務標記為 in_flight，
// 保證結果到達時帳本已經看過這個任務
type trackingExecutor struct {
	worker.Executor
	admit func(types.Job)
}

func (t *trackingExecutor) Submit(job types.Job) error {
	t.admit(job)
	return t.Executor.Submit(job)
}

// IsConfigError 判斷錯誤是否為設定錯誤，供 CLI 決定退出碼
func IsConfigError(err error) bool {
	return errors.Is(err, types.ErrConfiguration)
}
