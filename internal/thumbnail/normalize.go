// Package thumbnail produces platform-acceptable thumbnails and performs
// the atomic content-reference substitution after a custom thumbnail is
// attached.
package thumbnail

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	// Register decoders for the formats users actually paste.
	_ "image/gif"
	_ "image/png"

	"github.com/nfnt/resize"

	"chronopost/internal/errkind"
)

// Platform thumbnail constraints: 320px bounding box, 200 KiB hard cap.
const (
	boxWidth  = 320
	boxHeight = 320

	maxEncodedBytes = 200 << 10

	startQuality = 85
	qualityStep  = 5
	qualityFloor = 5
)

// Normalize converts an arbitrary source image into a thumbnail the
// platform accepts: transparency flattened onto an opaque white canvas,
// scaled down (never up) to fit the bounding box, JPEG-encoded, with
// quality stepped down until the result fits under the size cap. If even
// the minimum quality exceeds the cap the input is hopeless and the call
// fails with ProcessingFailed.
func Normalize(raw []byte) ([]byte, error) {
	return normalizeUnderCap(raw, maxEncodedBytes)
}

func normalizeUnderCap(raw []byte, sizeCap int) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, errkind.New(errkind.ProcessingFailed, err)
	}

	img := flatten(src)
	img = resize.Thumbnail(boxWidth, boxHeight, img, resize.Lanczos3)

	for q := startQuality; ; q -= qualityStep {
		if q < qualityFloor {
			q = qualityFloor
		}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: q}); err != nil {
			return nil, errkind.New(errkind.ProcessingFailed, err)
		}
		if buf.Len() <= sizeCap {
			return buf.Bytes(), nil
		}
		if q == qualityFloor {
			return nil, errkind.Newf(errkind.ProcessingFailed,
				"thumbnail still %d bytes at quality %d (cap %d)", buf.Len(), q, sizeCap)
		}
	}
}

// flatten composites transparency-bearing images onto a white canvas so the
// JPEG encoder never sees an alpha channel.
func flatten(src image.Image) image.Image {
	b := src.Bounds()
	if opaque(src) {
		return src
	}
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, b, src, b.Min, draw.Over)
	return dst
}

func opaque(img image.Image) bool {
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return o.Opaque()
	}
	return false
}
