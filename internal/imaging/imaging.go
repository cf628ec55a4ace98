// Package imaging decodes kiosk captures and prepares selfies for upload.
package imaging

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"strings"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// ErrInvalidImage is returned for payloads that are not decodable images.
var ErrInvalidImage = errors.New("invalid image")

// DecodeBase64 decodes a base64 image, tolerating a data URL prefix
// such as "data:image/jpeg;base64,".
func DecodeBase64(s string) ([]byte, error) {
	if i := strings.LastIndexByte(s, ','); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidImage)
	}

	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return data, nil
}

// Validate checks that data decodes as an image and returns its format.
func Validate(data []byte) (string, error) {
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return format, nil
}

// SelfieOptions controls CompressSelfie.
type SelfieOptions struct {
	MaxWidth int
	Quality  int
	Mirror   bool
}

// CompressSelfie mirrors the capture (front cameras deliver it flipped),
// downscales it to MaxWidth keeping the aspect ratio, and encodes it as JPEG.
func CompressSelfie(data []byte, opts SelfieOptions) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	if opts.Mirror {
		img = mirror(img)
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if opts.MaxWidth > 0 && width > opts.MaxWidth {
		newHeight := max(int(float64(height)*float64(opts.MaxWidth)/float64(width)), 1)
		resized := image.NewRGBA(image.Rect(0, 0, opts.MaxWidth, newHeight))
		draw.CatmullRom.Scale(resized, resized.Bounds(), img, bounds, draw.Over, nil)
		img = resized
	}

	quality := opts.Quality
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode selfie: %w", err)
	}
	return buf.Bytes(), nil
}

// mirror flips an image left to right.
func mirror(src image.Image) image.Image {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			dst.Set(b.Max.X-1-x, y-b.Min.Y, src.At(x, y))
		}
	}
	return dst
}
