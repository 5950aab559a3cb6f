package render

import (
	"fmt"
	"image/color"
	"strconv"
	"strings"

	"github.com/skip2/go-qrcode"
)

const (
	DefaultMargin    = 4
	DefaultPixelSize = 8
)

type EncodeOptions struct {
	Level      string // low, medium, quartile or high
	Margin     int    // quiet zone in modules
	PixelSize  int    // units per module
	Foreground string
	Background string
}

func (o EncodeOptions) withDefaults() EncodeOptions {
	if o.Margin < 0 {
		o.Margin = 0
	}
	if o.PixelSize <= 0 {
		o.PixelSize = DefaultPixelSize
	}
	if o.Foreground == "" {
		o.Foreground = "#000000"
	}
	if o.Background == "" {
		o.Background = "#ffffff"
	}
	return o
}

// Encoder turns text into a QR matrix and draws it. Output is deterministic for a given input.
type Encoder struct{}

// recoveryLevel maps design levels onto go-qrcode's, which are named one step up:
// Low 7%, Medium 15%, High 25% (quartile), Highest 30% (high).
func recoveryLevel(level string) qrcode.RecoveryLevel {
	switch level {
	case "low":
		return qrcode.Low
	case "quartile":
		return qrcode.High
	case "high":
		return qrcode.Highest
	default:
		return qrcode.Medium
	}
}

func (Encoder) matrix(content, level string) ([][]bool, error) {
	q, err := qrcode.New(content, recoveryLevel(level))
	if err != nil {
		return nil, fmt.Errorf("failed to encode qr code: %w", err)
	}
	q.DisableBorder = true
	return q.Bitmap(), nil
}

// EncodeVector draws the matrix as an SVG document whose width and height equal its viewBox.
func (e Encoder) EncodeVector(content string, opts EncodeOptions) (string, error) {
	opts = opts.withDefaults()

	bitmap, err := e.matrix(content, opts.Level)
	if err != nil {
		return "", err
	}

	modules := len(bitmap)
	size := (modules + 2*opts.Margin) * opts.PixelSize

	var b strings.Builder
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d" viewBox="0 0 %d %d" shape-rendering="crispEdges">`,
		size, size, size, size)
	fmt.Fprintf(&b, `<rect width="%d" height="%d" fill="%s"/>`, size, size, text(opts.Background))
	fmt.Fprintf(&b, `<path fill="%s" d="`, text(opts.Foreground))

	// one horizontal run per subpath
	for y, row := range bitmap {
		for x := 0; x < len(row); {
			if !row[x] {
				x++
				continue
			}
			start := x
			for x < len(row) && row[x] {
				x++
			}
			px := (start + opts.Margin) * opts.PixelSize
			py := (y + opts.Margin) * opts.PixelSize
			fmt.Fprintf(&b, "M%d %dh%dv%dh-%dz", px, py, (x-start)*opts.PixelSize, opts.PixelSize, (x-start)*opts.PixelSize)
		}
	}

	b.WriteString(`"/></svg>`)
	return b.String(), nil
}

// EncodePNG draws the matrix as a square PNG. Logos are not overlaid on raster output.
func (Encoder) EncodePNG(content string, opts EncodeOptions) ([]byte, error) {
	opts = opts.withDefaults()

	q, err := qrcode.New(content, recoveryLevel(opts.Level))
	if err != nil {
		return nil, fmt.Errorf("failed to encode qr code: %w", err)
	}
	q.ForegroundColor = parseHexColor(opts.Foreground, color.Black)
	q.BackgroundColor = parseHexColor(opts.Background, color.White)

	// go-qrcode draws a fixed 4-module quiet zone
	modules := len(q.Bitmap())
	png, err := q.PNG(modules * opts.PixelSize)
	if err != nil {
		return nil, fmt.Errorf("failed to draw png: %w", err)
	}
	return png, nil
}

func parseHexColor(hex string, fallback color.Color) color.Color {
	hex = strings.TrimPrefix(hex, "#")
	if len(hex) == 3 {
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	}
	if len(hex) != 6 {
		return fallback
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return fallback
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}
}
