package main

// ============================================================================
// demo: 產生範例圖片與裁切清單，依序以四種模式各跑一個批次並比較耗時
//
//   go run ./cmd/demo [-dir demo] [-repeats 20] [-crops 50]
//
// process 模式在 demo 中以 GoroutineSpawner 執行：demo binary 沒有
// worker 子命令，worker 仍透過 gRPC 與 coordinator 溝通。
// ============================================================================

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ChuLiYu/cropbatch/internal/config"
	"github.com/ChuLiYu/cropbatch/internal/controller"
	"github.com/ChuLiYu/cropbatch/internal/cropjob"
	"github.com/ChuLiYu/cropbatch/internal/worker"
	"github.com/ChuLiYu/cropbatch/pkg/types"
)

func main() {
	dir := flag.String("dir", "demo", "working directory for inputs, outputs and logs")
	repeats := flag.Int("repeats", 20, "jobs per batch")
	crops := flag.Int("crops", 50, "crops per image")
	cfgPath := flag.String("config", "configs/default.yaml", "config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	img, csv, err := cropjob.GenerateSample(640, 480, *crops, 42)
	if err != nil {
		log.Fatalf("Failed to generate sample: %v", err)
	}
	if err := os.MkdirAll(*dir, 0o755); err != nil {
		log.Fatalf("Failed to create %s: %v", *dir, err)
	}
	imagePath := filepath.Join(*dir, "image.png")
	cropsPath := filepath.Join(*dir, "crops.csv")
	if err := os.WriteFile(imagePath, img, 0o644); err != nil {
		log.Fatal(err)
	}
	if err := os.WriteFile(cropsPath, csv, 0o644); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Sample: %s (%d crops), %d jobs per batch\n\n", imagePath, *crops, *repeats)

	var reports []controller.Report
	for _, mode := range types.Modes {
		cfg, err := config.Load(*cfgPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg.Batch.Mode = string(mode)
		cfg.Batch.Repeats = *repeats
		cfg.Log.Dir = filepath.Join(*dir, "logs")

		batch := controller.Batch{
			Image:  imagePath,
			Crops:  cropsPath,
			Output: filepath.Join(*dir, "out", string(mode)),
			Remove: true,
		}
		deps := controller.Deps{
			Spawner: &worker.GoroutineSpawner{Factory: cropjob.Factory, Level: cfg.Level()},
		}

		ctrl, err := controller.NewController(cfg, batch, deps)
		if err != nil {
			log.Fatalf("Failed to create controller: %v", err)
		}
		rep, err := ctrl.RunBatch(ctx)
		if err != nil {
			log.Fatalf("%s batch failed: %v", mode, err)
		}
		fmt.Printf("%-12s done: %d/%d  %.2fs  %.1f img/s  log: %s\n",
			mode, rep.Completed, rep.Total, rep.Elapsed.Seconds(), rep.ImagesPerSecond(), rep.LogFile)
		reports = append(reports, rep)
	}

	fmt.Println()
	fmt.Printf("Inspect a batch with: cropbatch timeline '%s'\n", filepath.Join(*dir, "logs", "*.log"))
	for _, rep := range reports {
		if rep.Failed > 0 || !rep.OutputsMatch() {
			os.Exit(1)
		}
	}
}
