// Package render draws a link's QR code from its stored design.
package render

import (
	"context"
	"strings"

	"github.com/abdusco/qrlinked/internal"
	"github.com/rs/zerolog/log"
)

const (
	ContentTypeSVG = "image/svg+xml"
	ContentTypePNG = "image/png"
)

type LinkSource interface {
	Get(ctx context.Context, owner, slug string) (*internal.Link, error)
}

type Service struct {
	links   LinkSource
	encoder Encoder
	logos   *LogoResolver
	baseURL string
}

func NewService(links LinkSource, logos *LogoResolver, publicBaseURL string) *Service {
	return &Service{
		links:   links,
		logos:   logos,
		baseURL: strings.TrimRight(publicBaseURL, "/"),
	}
}

// ShortURL is the address encoded into the QR code.
func (s *Service) ShortURL(slug string) string {
	return s.baseURL + "/r/" + slug
}

// Render returns the image for an owned link. A logo that cannot be placed is left out.
func (s *Service) Render(ctx context.Context, owner, slug string, debug bool) (string, []byte, error) {
	link, err := s.links.Get(ctx, owner, slug)
	if err != nil {
		return "", nil, err
	}

	design := link.Design
	opts := EncodeOptions{
		Level:      design.ErrorCorrection,
		Margin:     DefaultMargin,
		PixelSize:  DefaultPixelSize,
		Foreground: design.Foreground,
		Background: design.Background,
	}

	if design.Format == "png" {
		png, err := s.encoder.EncodePNG(s.ShortURL(link.Slug), opts)
		if err != nil {
			return "", nil, err
		}
		return ContentTypePNG, png, nil
	}

	svg, err := s.encoder.EncodeVector(s.ShortURL(link.Slug), opts)
	if err != nil {
		return "", nil, err
	}

	if design.Logo != "" {
		ref := design.Logo
		if s.logos != nil {
			ref = s.logos.Resolve(ctx, ref)
		}
		if !strings.HasPrefix(ref, "data:") {
			log.Warn().Str("slug", slug).Msg("logo could not be inlined, rendering without it")
		} else {
			svg = Compose(svg, ref, float64(design.LogoSize), ComposeOptions{
				Background: design.Background,
				Foreground: design.Foreground,
				Border:     design.LogoBorder,
				Debug:      debug,
			})
		}
	}

	return ContentTypeSVG, []byte(svg), nil
}
