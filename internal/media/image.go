package media

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// avatarSize is the minimum edge Telegram chat photos should have.
const avatarSize = 512

// NormalizeAvatar decodes an avatar image and re-encodes it as a square JPEG
// with edges of at least 512 px: center-cropped to square, upscaled with
// Catmull-Rom when too small.
func NormalizeAvatar(data []byte) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode avatar: %w", err)
	}

	b := src.Bounds()
	side := b.Dx()
	if b.Dy() < side {
		side = b.Dy()
	}
	// center crop
	x0 := b.Min.X + (b.Dx()-side)/2
	y0 := b.Min.Y + (b.Dy()-side)/2
	cropped := image.Rect(x0, y0, x0+side, y0+side)

	outSide := side
	if outSide < avatarSize {
		outSide = avatarSize
	}
	dst := image.NewRGBA(image.Rect(0, 0, outSide, outSide))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, cropped, draw.Src, nil)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("encode avatar: %w", err)
	}
	return out.Bytes(), nil
}

// PhotoPolicy decides whether an image goes out as a Telegram photo or falls
// back to a document.
type PhotoPolicy struct {
	// MaxRatio is the aspect-ratio cutoff (long edge / short edge).
	MaxRatio float64
	// MaxSizeMB is the byte-size cutoff.
	MaxSizeMB int
}

// SendAsDocument reports whether the image must be sent as a document.
// Undecodable images go as documents too; Telegram would reject them as
// photos anyway.
func (p PhotoPolicy) SendAsDocument(data []byte) bool {
	if len(data) > p.MaxSizeMB*1024*1024 {
		return true
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return true
	}
	if cfg.Width == 0 || cfg.Height == 0 {
		return true
	}
	ratio := float64(cfg.Width) / float64(cfg.Height)
	if ratio < 1 {
		ratio = 1 / ratio
	}
	return ratio > p.MaxRatio
}
