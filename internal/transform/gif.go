package transform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color/palette"
	"image/gif"

	xdraw "golang.org/x/image/draw"
)

// AnimationConfig configures the animated GIF.
type AnimationConfig struct {
	// FrameDelay is the per-frame delay in 100ths of a second.
	FrameDelay int
	// LoopCount follows image/gif: 0 loops forever.
	LoopCount int
}

// Animation encodes the input images, in order, as the frames of one
// animated GIF. Frames are scaled to the bounds of the first image.
type Animation struct {
	cfg AnimationConfig
}

// NewAnimation creates the animation transform. A zero delay means 1s.
func NewAnimation(cfg AnimationConfig) *Animation {
	if cfg.FrameDelay <= 0 {
		cfg.FrameDelay = 100
	}
	return &Animation{cfg: cfg}
}

// Transform implements the animation stage.
func (a *Animation) Transform(ctx context.Context, files [][]byte) ([][]byte, error) {
	if len(files) == 0 {
		return nil, errors.New("animation: no images")
	}

	anim := &gif.GIF{LoopCount: a.cfg.LoopCount}
	var bounds image.Rectangle
	for i, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img, err := decodeImage(i, file)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			b := img.Bounds()
			bounds = image.Rect(0, 0, b.Dx(), b.Dy())
		}
		anim.Image = append(anim.Image, toPaletted(img, bounds))
		anim.Delay = append(anim.Delay, a.cfg.FrameDelay)
	}

	var buf bytes.Buffer
	if err := gif.EncodeAll(&buf, anim); err != nil {
		return nil, fmt.Errorf("animation: encode: %w", err)
	}
	return [][]byte{buf.Bytes()}, nil
}

// toPaletted scales img into bounds and dithers it onto the web-safe
// palette.
func toPaletted(img image.Image, bounds image.Rectangle) *image.Paletted {
	src := img
	if img.Bounds().Dx() != bounds.Dx() || img.Bounds().Dy() != bounds.Dy() {
		scaled := image.NewRGBA(bounds)
		xdraw.CatmullRom.Scale(scaled, bounds, img, img.Bounds(), xdraw.Src, nil)
		src = scaled
	}
	frame := image.NewPaletted(bounds, palette.WebSafe)
	xdraw.FloydSteinberg.Draw(frame, bounds, src, src.Bounds().Min)
	return frame
}
