package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
)

// Transformer consumes input bytes and produces an output object under the
// given key, returning a locator for the stored result.
type Transformer interface {
	Process(ctx context.Context, data []byte, params map[string]any, outputKey string) (string, error)
}

// ImageTransformer resizes (and optionally grayscales) images, writing the
// result through a BlobStore.
type ImageTransformer struct {
	blobs        BlobStore
	defaultWidth int
}

func NewImageTransformer(blobs BlobStore, defaultWidth int) *ImageTransformer {
	if defaultWidth <= 0 {
		defaultWidth = 320
	}
	return &ImageTransformer{blobs: blobs, defaultWidth: defaultWidth}
}

func (t *ImageTransformer) Process(ctx context.Context, data []byte, params map[string]any, outputKey string) (string, error) {
	if len(data) == 0 {
		return "", errors.New("empty input")
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}

	if gray, ok := params["grayscale"].(bool); ok && gray {
		img = imaging.Grayscale(img)
	}

	width, _ := asInt(params["width"])
	height, _ := asInt(params["height"])
	if width == 0 && height == 0 {
		width = t.defaultWidth
	}
	img = imaging.Resize(img, width, height, imaging.Lanczos)

	format, contentType := formatForKey(outputKey)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, format, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("encode image: %w", err)
	}

	locator, err := t.blobs.Put(ctx, outputKey, buf.Bytes(), contentType)
	if err != nil {
		return "", fmt.Errorf("store output: %w", err)
	}
	return locator, nil
}

func formatForKey(key string) (imaging.Format, string) {
	switch strings.ToLower(filepath.Ext(key)) {
	case ".png":
		return imaging.PNG, "image/png"
	case ".gif":
		return imaging.GIF, "image/gif"
	default:
		return imaging.JPEG, "image/jpeg"
	}
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case int64:
		return int(t), true
	default:
		return 0, false
	}
}
