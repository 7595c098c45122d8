package transform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"log/slog"
	"strings"
)

// OCRConfig configures the tesseract invocation.
type OCRConfig struct {
	Tesseract   string // binary name or absolute path; default "tesseract"
	Lang        string // default "eng"
	TessdataDir string
}

// OCR extracts the text of every image with tesseract. It yields one text
// file per input image, in input order.
type OCR struct {
	cfg    OCRConfig
	runner Runner
}

// NewOCR creates an OCR transform that shells out to tesseract.
func NewOCR(cfg OCRConfig, logger *slog.Logger) *OCR {
	if logger == nil {
		logger = slog.Default()
	}
	return NewOCRWithRunner(cfg, execRunner{logger: logger})
}

// NewOCRWithRunner creates an OCR transform on a custom runner.
func NewOCRWithRunner(cfg OCRConfig, runner Runner) *OCR {
	if cfg.Tesseract == "" {
		cfg.Tesseract = "tesseract"
	}
	if cfg.Lang == "" {
		cfg.Lang = "eng"
	}
	return &OCR{cfg: cfg, runner: runner}
}

// Transform implements the OCR stage.
func (o *OCR) Transform(ctx context.Context, files [][]byte) ([][]byte, error) {
	if len(files) == 0 {
		return nil, errors.New("ocr: no images")
	}
	out := make([][]byte, 0, len(files))
	for i, file := range files {
		img, err := decodeImage(i, file)
		if err != nil {
			return nil, err
		}
		gray, err := grayscalePNG(img)
		if err != nil {
			return nil, fmt.Errorf("ocr: image %d: %w", i, err)
		}

		// tesseract stdin stdout -l <lang>
		args := []string{"stdin", "stdout", "-l", o.cfg.Lang}
		if o.cfg.TessdataDir != "" {
			args = append(args, "--tessdata-dir", o.cfg.TessdataDir)
		}
		text, _, err := o.runner.Run(ctx, gray, o.cfg.Tesseract, args...)
		if err != nil {
			return nil, fmt.Errorf("tesseract: image %d: %w", i, err)
		}
		out = append(out, []byte(strings.TrimRight(string(text), "\f\n ")+"\n"))
	}
	return out, nil
}

// grayscalePNG converts img to 8-bit gray and encodes it as PNG.
func grayscalePNG(img image.Image) ([]byte, error) {
	b := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)

	var buf bytes.Buffer
	if err := png.Encode(&buf, gray); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
