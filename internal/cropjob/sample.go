package cropjob

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math/rand/v2"
)

// GenerateSample builds a synthetic w x h PNG and a crop list of n random
// crops inside it. The same seed gives the same inputs.
func GenerateSample(w, h, n int, seed uint64) (img, crops []byte, err error) {
	if w < 2 || h < 2 || n < 0 {
		return nil, nil, fmt.Errorf("invalid sample size %dx%d with %d crops", w, h, n)
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	canvas := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			canvas.Set(x, y, color.RGBA{
				R: uint8(x * 255 / w),
				G: uint8(y * 255 / h),
				B: uint8((x ^ y) & 0xff),
				A: 0xff,
			})
		}
	}
	var ib bytes.Buffer
	if err := png.Encode(&ib, canvas); err != nil {
		return nil, nil, err
	}

	var cb bytes.Buffer
	cb.WriteString("x,y,w,h\n")
	for i := 0; i < n; i++ {
		cw := 1 + rng.IntN(max(1, w/4))
		ch := 1 + rng.IntN(max(1, h/4))
		x := rng.IntN(w - cw + 1)
		y := rng.IntN(h - ch + 1)
		fmt.Fprintf(&cb, "%d,%d,%d,%d\n", x, y, cw, ch)
	}
	return ib.Bytes(), cb.Bytes(), nil
}
