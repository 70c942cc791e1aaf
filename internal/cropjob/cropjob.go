// ============================================================================
// cropbatch Crop Job - the per-job pipeline
// ============================================================================
//
// Package: internal/cropjob
// File: cropjob.go
// Purpose: fetch an image and its crop list, cut and JPEG-encode every crop,
//          save the crops under random names
//
// Pipeline of one job:
//   FetchInputs  I/O   image bytes + crop list from local disk or Redis
//   Transform    CPU   decode, crop, encode; Checkpoint after every crop and
//                      every encode so cooperative batches stay responsive
//   Persist      I/O   bounded fan-out of saves, <uuid>.jpg each
//
// A Runner is safe for concurrent use: the thread backend shares one across
// all workers, the process backend builds one per worker process.
//
// ============================================================================

package cropjob

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/ChuLiYu/cropbatch/internal/limiter"
	"github.com/ChuLiYu/cropbatch/internal/storage"
	"github.com/ChuLiYu/cropbatch/internal/worker"
	"github.com/ChuLiYu/cropbatch/pkg/types"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultQuality matches the usual JPEG default.
	DefaultQuality = 75
	// savedEvery is how often Persist reports progress.
	savedEvery = 25
)

var (
	// ErrBadCrops means the crop list cannot be parsed
	ErrBadCrops = errors.New("invalid crop list")
	// ErrCropOutOfBounds means a crop does not overlap the image
	ErrCropOutOfBounds = errors.New("crop outside image")
)

// Spec is the batch init payload every worker builds its Runner from.
type Spec struct {
	Image           string `json:"image"`
	Crops           string `json:"crops"`
	Output          string `json:"output"`
	SaveConcurrency int    `json:"save_concurrency"`
	Quality         int    `json:"quality,omitempty"`
	RedisPassword   string `json:"redis_password,omitempty"`
}

// Encode serializes the job spec for worker.Factory.
func (s Spec) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// DecodeSpec parses an init payload.
func DecodeSpec(data []byte) (Spec, error) {
	var s Spec
	if err := json.Unmarshal(data, &s); err != nil {
		return Spec{}, fmt.Errorf("decode crop job spec: %w", err)
	}
	return s, nil
}

// Rect is one crop: top-left corner plus size.
type Rect struct {
	X, Y, W, H int
}

func (r Rect) bounds() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.W, r.Y+r.H)
}

// ParseCrops reads a CSV crop list. The first line is a header; each
// following non-empty line is x,y,w,h.
func ParseCrops(data []byte) ([]Rect, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	var crops []Rect
	for line := 0; ; line++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadCrops, err)
		}
		if line == 0 {
			continue
		}
		if len(rec) != 4 {
			return nil, fmt.Errorf("%w: line %d has %d fields, want 4", ErrBadCrops, line+1, len(rec))
		}
		var v [4]int
		for i, f := range rec {
			if v[i], err = strconv.Atoi(strings.TrimSpace(f)); err != nil {
				return nil, fmt.Errorf("%w: line %d: %v", ErrBadCrops, line+1, err)
			}
		}
		if v[2] <= 0 || v[3] <= 0 {
			return nil, fmt.Errorf("%w: line %d has empty size", ErrBadCrops, line+1)
		}
		crops = append(crops, Rect{X: v[0], Y: v[1], W: v[2], H: v[3]})
	}
	return crops, nil
}

// Runner runs crop jobs. It owns its storage clients.
type Runner struct {
	spec   Spec
	opener *storage.Opener
	image  storage.Location
	crops  storage.Location
	output storage.Location
}

var (
	_ worker.Runner = (*Runner)(nil)
	_ io.Closer     = (*Runner)(nil)
)

// NewRunner resolves the job locations and builds a Runner.
func NewRunner(spec Spec) (*Runner, error) {
	if spec.SaveConcurrency <= 0 {
		return nil, fmt.Errorf("%w: save concurrency must be positive, got %d", types.ErrConfiguration, spec.SaveConcurrency)
	}
	if spec.Quality == 0 {
		spec.Quality = DefaultQuality
	}

	opener := storage.NewOpener(spec.RedisPassword)
	r := &Runner{spec: spec, opener: opener}
	var err error
	if r.image, err = opener.Open(spec.Image); err != nil {
		err = fmt.Errorf("image location: %w", err)
	} else if r.crops, err = opener.Open(spec.Crops); err != nil {
		err = fmt.Errorf("crops location: %w", err)
	} else if r.output, err = opener.Open(spec.Output); err != nil {
		err = fmt.Errorf("output location: %w", err)
	}
	if err != nil {
		opener.Close()
		return nil, err
	}
	return r, nil
}

// Factory is the worker.Factory of crop jobs: every call builds a Runner
// with its own storage clients from the encoded Spec.
func Factory(_ context.Context, init []byte, logger *slog.Logger) (worker.Runner, error) {
	spec, err := DecodeSpec(init)
	if err != nil {
		return nil, err
	}
	r, err := NewRunner(spec)
	if err != nil {
		return nil, err
	}
	logger.Debug("crop runner ready", "image", spec.Image, "output", spec.Output)
	return r, nil
}

// Run executes fetch, transform and persist for one job.
func (r *Runner) Run(ctx context.Context, job types.Job, logger *slog.Logger) error {
	img, crops, err := r.FetchInputs(ctx, logger)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	buffers, err := r.Transform(ctx, img, crops, logger)
	if err != nil {
		return fmt.Errorf("transform: %w", err)
	}
	if err := r.Persist(ctx, buffers, logger); err != nil {
		return fmt.Errorf("persist: %w", err)
	}
	return nil
}

// FetchInputs downloads the image and the crop list.
func (r *Runner) FetchInputs(ctx context.Context, logger *slog.Logger) ([]byte, []Rect, error) {
	logger.Debug("Downloading crops csv and image")
	img, err := r.image.Store.Get(ctx, r.image.Key)
	if err != nil {
		return nil, nil, err
	}
	raw, err := r.crops.Store.Get(ctx, r.crops.Key)
	if err != nil {
		return nil, nil, err
	}
	crops, err := ParseCrops(raw)
	if err != nil {
		return nil, nil, err
	}
	logger.Debug(fmt.Sprintf("Loaded %d crops", len(crops)))
	return img, crops, nil
}

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

// Transform decodes the image, cuts every crop and encodes each as JPEG.
func (r *Runner) Transform(ctx context.Context, data []byte, crops []Rect, logger *slog.Logger) ([][]byte, error) {
	logger.Debug("Opening image")
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	limiter.Checkpoint(ctx)

	logger.Debug("Cropping image")
	bounds := src.Bounds()
	cut := make([]image.Image, 0, len(crops))
	for i, c := range crops {
		rect := c.bounds().Intersect(bounds)
		if rect.Empty() {
			return nil, fmt.Errorf("%w: crop %d %v not in %v", ErrCropOutOfBounds, i, c.bounds(), bounds)
		}
		if si, ok := src.(subImager); ok {
			cut = append(cut, si.SubImage(rect))
		} else {
			dst := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
			draw.Draw(dst, dst.Bounds(), src, rect.Min, draw.Src)
			cut = append(cut, dst)
		}
		limiter.Checkpoint(ctx)
	}
	logger.Debug(fmt.Sprintf("Cut %d crops", len(cut)))

	buffers := make([][]byte, 0, len(cut))
	opts := &jpeg.Options{Quality: r.spec.Quality}
	for _, img := range cut {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, opts); err != nil {
			return nil, fmt.Errorf("encode crop: %w", err)
		}
		buffers = append(buffers, buf.Bytes())
		limiter.Checkpoint(ctx)
	}
	logger.Debug(fmt.Sprintf("Encoded %d jpg images", len(buffers)))
	return buffers, nil
}

// Persist saves every buffer as <uuid>.jpg in the output location, at most
// SaveConcurrency at a time.
func (r *Runner) Persist(ctx context.Context, buffers [][]byte, logger *slog.Logger) error {
	logger.Debug(fmt.Sprintf("Saving %d images to %s", len(buffers), r.spec.Output))

	save := func(ctx context.Context, data []byte) error {
		return r.output.Store.Put(ctx, r.output.Join(uuid.NewString()+".jpg"), data)
	}

	var saved atomic.Int64
	report := func() {
		if n := saved.Add(1) - 1; n%savedEvery == 0 {
			logger.Debug(fmt.Sprintf("Saved crop %d to storage", n))
		}
	}

	if limiter.Cooperative(ctx) {
		// Stay on the limiter so the cooperative batch keeps one admission model.
		tasks := func(yield func(limiter.Task[struct{}]) bool) {
			for _, data := range buffers {
				task := func(ctx context.Context) (struct{}, error) { return struct{}{}, save(ctx, data) }
				if !yield(task) {
					return
				}
			}
		}
		outcomes, err := limiter.Limit[struct{}](ctx, tasks, r.spec.SaveConcurrency)
		if err != nil {
			return err
		}
		for o := range outcomes {
			if o.Err != nil {
				return o.Err
			}
			report()
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.spec.SaveConcurrency)
		for _, data := range buffers {
			g.Go(func() error {
				if err := save(gctx, data); err != nil {
					return err
				}
				report()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	logger.Debug("Saved all images")
	return nil
}

// Close releases the runner's storage clients.
func (r *Runner) Close() error {
	return r.opener.Close()
}

// ============================================================================
// Batch-level helpers
// ============================================================================

// Cleanup removes the output location and everything in it.
func Cleanup(ctx context.Context, output, redisPassword string, logger *slog.Logger) error {
	opener := storage.NewOpener(redisPassword)
	defer opener.Close()
	loc, err := opener.Open(output)
	if err != nil {
		return err
	}
	logger.Debug(fmt.Sprintf("Removing output dir %s", output))
	return loc.Store.RemoveAll(ctx, loc.Key)
}

// Prepare makes sure the output location can receive saves.
func Prepare(ctx context.Context, output, redisPassword string) error {
	opener := storage.NewOpener(redisPassword)
	defer opener.Close()
	loc, err := opener.Open(output)
	if err != nil {
		return err
	}
	return loc.Store.MakeDir(ctx, loc.Key)
}

// CountCrops returns how many crops the crop list at location names.
func CountCrops(ctx context.Context, location, redisPassword string) (int, error) {
	opener := storage.NewOpener(redisPassword)
	defer opener.Close()
	loc, err := opener.Open(location)
	if err != nil {
		return 0, err
	}
	raw, err := loc.Store.Get(ctx, loc.Key)
	if err != nil {
		return 0, err
	}
	crops, err := ParseCrops(raw)
	if err != nil {
		return 0, err
	}
	return len(crops), nil
}

// CountOutputs returns how many .jpg objects the output location holds.
func CountOutputs(ctx context.Context, output, redisPassword string) (int, error) {
	opener := storage.NewOpener(redisPassword)
	defer opener.Close()
	loc, err := opener.Open(output)
	if err != nil {
		return 0, err
	}
	keys, err := loc.Store.List(ctx, loc.Key)
	if err != nil {
		return 0, err
	}
	keys = slices.DeleteFunc(keys, func(k string) bool { return !strings.HasSuffix(k, ".jpg") })
	return len(keys), nil
}
