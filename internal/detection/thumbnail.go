package detection

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	// Decoders for every image type accepted at upload.
	_ "image/gif"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"golang.org/x/image/draw"

	"birdnest/internal/models"
)

const (
	ThumbnailSize    = 128
	thumbnailQuality = 85
)

// Thumbnail decodes an image and re-encodes it as a JPEG that fits inside a
// size x size box with the aspect ratio kept. Images already inside the box
// are re-encoded at their own size.
func Thumbnail(data []byte, size int) ([]byte, error) {
	if size <= 0 {
		size = ThumbnailSize
	}
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decode image: %v", models.ErrInvalidInput, err)
	}
	bounds := src.Bounds()
	w, h := fitWithin(bounds.Dx(), bounds.Dy(), size)
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("%w: image has no pixels", models.ErrInvalidInput)
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Src, nil)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: thumbnailQuality}); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return out.Bytes(), nil
}

func fitWithin(w, h, size int) (int, int) {
	if w <= 0 || h <= 0 {
		return 0, 0
	}
	if w <= size && h <= size {
		return w, h
	}
	if w >= h {
		scaled := h * size / w
		if scaled < 1 {
			scaled = 1
		}
		return size, scaled
	}
	scaled := w * size / h
	if scaled < 1 {
		scaled = 1
	}
	return scaled, size
}
