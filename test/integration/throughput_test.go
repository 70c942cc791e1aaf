package integration

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ChuLiYu/cropbatch/internal/config"
	"github.com/ChuLiYu/cropbatch/internal/controller"
	"github.com/ChuLiYu/cropbatch/internal/cropjob"
	"github.com/ChuLiYu/cropbatch/internal/timeline"
	"github.com/ChuLiYu/cropbatch/internal/worker"
	"github.com/ChuLiYu/cropbatch/pkg/types"
	"github.com/stretchr/testify/require"
)

const (
	sampleCrops = 20
	jobsPerRun  = 8
)

func writeSample(tb testing.TB) (image, crops string) {
	tb.Helper()
	dir := tb.TempDir()
	img, csv, err := cropjob.GenerateSample(320, 240, sampleCrops, 3)
	require.NoError(tb, err)
	image = filepath.Join(dir, "image.png")
	crops = filepath.Join(dir, "crops.csv")
	require.NoError(tb, os.WriteFile(image, img, 0o644))
	require.NoError(tb, os.WriteFile(crops, csv, 0o644))
	return image, crops
}

func newController(tb testing.TB, mode types.Mode, image, crops string, repeats int) *controller.Controller {
	tb.Helper()
	dir := tb.TempDir()
	cfg := config.Default()
	cfg.Batch.Mode = string(mode)
	cfg.Batch.Repeats = repeats
	cfg.Batch.Capacity = 4
	cfg.Worker.Count = 4
	cfg.Log.Dir = filepath.Join(dir, "logs")
	cfg.Log.Level = "info"

	ctrl, err := controller.NewController(cfg, controller.Batch{
		Image:  image,
		Crops:  crops,
		Output: filepath.Join(dir, "out"),
		Remove: true,
	}, controller.Deps{
		Spawner: &worker.GoroutineSpawner{Factory: cropjob.Factory, Level: cfg.Level()},
	})
	require.NoError(tb, err)
	return ctrl
}

// 四種模式對相同輸入必須產生相同數量的輸出，且每個 job 都有自己的 trace
func TestModesAgree(t *testing.T) {
	image, crops := writeSample(t)

	for _, mode := range types.Modes {
		t.Run(string(mode), func(t *testing.T) {
			ctrl := newController(t, mode, image, crops, jobsPerRun)
			rep, err := ctrl.RunBatch(context.Background())
			require.NoError(t, err)

			require.Equal(t, jobsPerRun, rep.Completed)
			require.Zero(t, rep.Failed)
			require.Equal(t, jobsPerRun*sampleCrops, rep.ActualOutputs)
			require.True(t, rep.OutputsMatch())
			require.Zero(t, rep.LogDropped)

			tl, err := timeline.ParseFile(rep.LogFile)
			require.NoError(t, err)
			require.Len(t, tl.Traces, jobsPerRun)
			require.GreaterOrEqual(t, tl.Peak(), 1)
		})
	}
}

func benchmarkMode(b *testing.B, mode types.Mode) {
	image, crops := writeSample(b)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		ctrl := newController(b, mode, image, crops, jobsPerRun)
		b.StartTimer()

		rep, err := ctrl.RunBatch(context.Background())
		require.NoError(b, err)
		require.Zero(b, rep.Failed)
	}
	b.ReportMetric(float64(jobsPerRun*sampleCrops*b.N)/b.Elapsed().Seconds(), "img/s")
}

func BenchmarkSequential(b *testing.B)  { benchmarkMode(b, types.ModeSequential) }
func BenchmarkCooperative(b *testing.B) { benchmarkMode(b, types.ModeCooperative) }
func BenchmarkThread(b *testing.B)      { benchmarkMode(b, types.ModeThread) }
func BenchmarkProcess(b *testing.B)     { benchmarkMode(b, types.ModeProcess) }
