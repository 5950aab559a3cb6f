package render

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

const (
	minLogoPercent = 10
	maxLogoPercent = 40
	// knockout padding as a fraction of the logo extent
	knockoutPad = 0.06
)

type ComposeOptions struct {
	Background string
	Foreground string
	Border     bool
	Debug      bool
}

// Placement is the computed geometry of a logo overlay.
type Placement struct {
	Width, Height float64 // canvas extent
	Logo          float64 // logo side length
	X, Y          float64 // logo top-left corner
	PadX, PadY    float64 // knockout rect top-left corner
	PadW, PadH    float64 // knockout rect size
}

// Place computes where a logo of sizePercent goes on a canvas of width x height.
func Place(width, height, sizePercent float64) Placement {
	sizePercent = max(minLogoPercent, min(maxLogoPercent, sizePercent))

	logo := sizePercent / 100 * min(width, height)
	x := (width - logo) / 2
	y := (height - logo) / 2

	pad := logo * knockoutPad
	padX := max(0, x-pad)
	padY := max(0, y-pad)

	return Placement{
		Width:  width,
		Height: height,
		Logo:   logo,
		X:      x,
		Y:      y,
		PadX:   padX,
		PadY:   padY,
		PadW:   min(width, x+logo+pad) - padX,
		PadH:   min(height, y+logo+pad) - padY,
	}
}

// translate moves a placement into a coordinate system whose origin is at minX, minY.
func (p Placement) translate(minX, minY float64) Placement {
	p.X += minX
	p.Y += minY
	p.PadX += minX
	p.PadY += minY
	return p
}

// viewport is the user coordinate system of an svg root element.
type viewport struct {
	minX, minY    float64
	width, height float64
}

// Compose overlays an embeddable logo reference on the centre of a vector QR image.
// It returns svg unchanged if the image extent cannot be read, the document has no
// closing tag, or logoRef is empty.
func Compose(svg, logoRef string, sizePercent float64, opts ComposeOptions) string {
	if strings.TrimSpace(logoRef) == "" {
		return svg
	}

	vp, ok := extent(svg)
	if !ok {
		log.Warn().Msg("cannot determine image extent, skipping logo")
		return svg
	}

	closing := strings.LastIndex(svg, "</svg>")
	if closing < 0 {
		log.Warn().Msg("image has no closing svg tag, skipping logo")
		return svg
	}

	p := Place(vp.width, vp.height, sizePercent).translate(vp.minX, vp.minY)

	var b strings.Builder
	b.WriteString(svg[:closing])

	fmt.Fprintf(&b, `<rect x="%s" y="%s" width="%s" height="%s" fill="%s"`,
		num(p.PadX), num(p.PadY), num(p.PadW), num(p.PadH), attr(opts.Background, "#ffffff"))
	if opts.Border {
		strokeWidth := max(1, p.Logo*0.02)
		fmt.Fprintf(&b, ` stroke="%s" stroke-width="%s"`, attr(opts.Foreground, "#000000"), num(strokeWidth))
	}
	b.WriteString("/>")

	fmt.Fprintf(&b, `<image x="%s" y="%s" width="%s" height="%s" preserveAspectRatio="xMidYMid meet" href="%s"/>`,
		num(p.X), num(p.Y), num(p.Logo), num(p.Logo), attr(logoRef, ""))

	if opts.Debug {
		fmt.Fprintf(&b, `<rect x="%s" y="%s" width="%s" height="%s" fill="none" stroke="#ff0000" stroke-width="1" stroke-dasharray="4 2"/>`,
			num(p.X), num(p.Y), num(p.Logo), num(p.Logo))
		label := fmt.Sprintf("logo %s @ %s,%s canvas %sx%s",
			num(p.Logo), num(p.X), num(p.Y), num(p.Width), num(p.Height))
		fmt.Fprintf(&b, `<text x="%s" y="%s" font-family="monospace" font-size="10" fill="#ff0000">%s</text>`,
			num(p.X), num(max(vp.minY+10, p.Y-4)), text(label))
	}

	b.WriteString(svg[closing:])
	return b.String()
}

// extent reads the root element's viewBox, falling back to its width/height with the
// origin at 0,0. Overlay coordinates are in the viewBox's user space when one is declared.
func extent(svg string) (viewport, bool) {
	dec := xml.NewDecoder(strings.NewReader(svg))
	dec.Strict = false

	for {
		tok, err := dec.Token()
		if err != nil {
			return viewport{}, false
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if start.Name.Local != "svg" {
			return viewport{}, false
		}

		var width, height, viewBox string
		for _, a := range start.Attr {
			switch a.Name.Local {
			case "width":
				width = a.Value
			case "height":
				height = a.Value
			case "viewBox":
				viewBox = a.Value
			}
		}

		if vp, ok := parseViewBox(viewBox); ok {
			return vp, true
		}

		w, wok := dimension(width)
		h, hok := dimension(height)
		return viewport{width: w, height: h}, wok && hok
	}
}

func parseViewBox(v string) (viewport, bool) {
	fields := strings.FieldsFunc(v, func(r rune) bool { return r == ' ' || r == ',' })
	if len(fields) != 4 {
		return viewport{}, false
	}
	minX, xerr := strconv.ParseFloat(fields[0], 64)
	minY, yerr := strconv.ParseFloat(fields[1], 64)
	w, wok := dimension(fields[2])
	h, hok := dimension(fields[3])
	if xerr != nil || yerr != nil || math.IsInf(minX, 0) || math.IsInf(minY, 0) || !wok || !hok {
		return viewport{}, false
	}
	return viewport{minX: minX, minY: minY, width: w, height: h}, true
}

func dimension(v string) (float64, bool) {
	v = strings.TrimSuffix(strings.TrimSpace(v), "px")
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

func num(v float64) string {
	return strconv.FormatFloat(math.Round(v*100)/100, 'f', -1, 64)
}

func attr(v, fallback string) string {
	if v == "" {
		v = fallback
	}
	return text(v)
}

func text(v string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(v))
	return buf.String()
}
