package runtime

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"regexp"
	"strings"

	_ "image/gif"

	_ "golang.org/x/image/webp"
)

const jpegQuality = 85

var excessNewlines = regexp.MustCompile(`\n{3,}`)

// PreprocessText normalizes incoming user text: surrounding whitespace is
// trimmed and runs of three or more newlines collapse to two.
func PreprocessText(s string) string {
	return excessNewlines.ReplaceAllString(strings.TrimSpace(s), "\n\n")
}

// ProcessedImage is a re-encoded image attachment.
type ProcessedImage struct {
	MimeType string
	Width    int
	Height   int
	Data     []byte
}

// PreprocessImage decodes an uploaded image and re-encodes it to JPEG, or
// PNG when the image carries transparency. The recorded dimensions and
// size describe the stored form.
func PreprocessImage(data []byte) (*ProcessedImage, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	bounds := img.Bounds()

	var buf bytes.Buffer
	mime := "image/jpeg"
	if hasAlpha(img) {
		mime = "image/png"
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	} else {
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	}

	return &ProcessedImage{
		MimeType: mime,
		Width:    bounds.Dx(),
		Height:   bounds.Dy(),
		Data:     buf.Bytes(),
	}, nil
}

func hasAlpha(img image.Image) bool {
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return !o.Opaque()
	}
	return false
}
