package transform

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/openjobspec/ojs-imagepipe/internal/core"
)

// decodeImage decodes any registered raster format. Undecodable input is a
// permanent error: redelivering the same bytes cannot fix it.
func decodeImage(i int, data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, core.Permanent(fmt.Errorf("decode image %d: %w", i, err))
	}
	return img, nil
}
