package thumbnail

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"chronopost/internal/errkind"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png encode: %v", err)
	}
	return buf.Bytes()
}

func TestNormalizeScalesDownToBox(t *testing.T) {
	t.Parallel()
	src := image.NewRGBA(image.Rect(0, 0, 1280, 720))
	for y := 0; y < 720; y++ {
		for x := 0; x < 1280; x++ {
			src.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 40, A: 255})
		}
	}

	out, err := Normalize(encodePNG(t, src))
	if err != nil {
		t.Fatalf("Normalize() error: %v", err)
	}
	got, err := jpeg.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("result is not a decodable JPEG: %v", err)
	}
	b := got.Bounds()
	if b.Dx() > boxWidth || b.Dy() > boxHeight {
		t.Fatalf("result %dx%d exceeds %dx%d box", b.Dx(), b.Dy(), boxWidth, boxHeight)
	}
	// Aspect ratio preserved: 16:9 input lands on the width bound.
	if b.Dx() != boxWidth {
		t.Fatalf("width = %d, want %d", b.Dx(), boxWidth)
	}
	if len(out) > maxEncodedBytes {
		t.Fatalf("encoded size %d exceeds cap %d", len(out), maxEncodedBytes)
	}
}

func TestNormalizeNeverUpscales(t *testing.T) {
	t.Parallel()
	src := image.NewRGBA(image.Rect(0, 0, 100, 60))
	for y := 0; y < 60; y++ {
		for x := 0; x < 100; x++ {
			src.Set(x, y, color.RGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}

	out, err := Normalize(encodePNG(t, src))
	if err != nil {
		t.Fatalf("Normalize() error: %v", err)
	}
	got, err := jpeg.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	b := got.Bounds()
	if b.Dx() != 100 || b.Dy() != 60 {
		t.Fatalf("result %dx%d, want source 100x60 untouched", b.Dx(), b.Dy())
	}
}

func TestNormalizeFlattensTransparencyOntoWhite(t *testing.T) {
	t.Parallel()
	// Fully transparent canvas with one opaque black pixel in the middle.
	src := image.NewNRGBA(image.Rect(0, 0, 64, 64))
	src.Set(32, 32, color.NRGBA{A: 255})

	out, err := Normalize(encodePNG(t, src))
	if err != nil {
		t.Fatalf("Normalize() error: %v", err)
	}
	got, err := jpeg.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	r, g, b, _ := got.At(0, 0).RGBA()
	// JPEG is lossy; near-white is good enough.
	if r>>8 < 240 || g>>8 < 240 || b>>8 < 240 {
		t.Fatalf("transparent corner rendered as (%d,%d,%d), want near-white", r>>8, g>>8, b>>8)
	}
}

func TestNormalizeFailsWhenFloorQualityExceedsCap(t *testing.T) {
	t.Parallel()
	// Noisy input resists JPEG compression, so even the minimum quality
	// cannot fit under a deliberately tiny cap.
	src := image.NewRGBA(image.Rect(0, 0, 320, 320))
	for y := 0; y < 320; y++ {
		for x := 0; x < 320; x++ {
			src.Set(x, y, color.RGBA{
				R: uint8((x*7 + y*13) % 256),
				G: uint8((x*31 ^ y*17) % 256),
				B: uint8((x*3 + y*29) % 256),
				A: 255,
			})
		}
	}

	_, err := normalizeUnderCap(encodePNG(t, src), 64)
	if !errkind.Is(err, errkind.ProcessingFailed) {
		t.Fatalf("normalizeUnderCap(tiny cap) error = %v, want ProcessingFailed", err)
	}

	// The same input fits under the real cap.
	if _, err := Normalize(encodePNG(t, src)); err != nil {
		t.Fatalf("Normalize() error: %v", err)
	}
}

func TestNormalizeRejectsGarbage(t *testing.T) {
	t.Parallel()
	_, err := Normalize([]byte("definitely not an image"))
	if !errkind.Is(err, errkind.ProcessingFailed) {
		t.Fatalf("Normalize(garbage) error = %v, want ProcessingFailed", err)
	}
}
