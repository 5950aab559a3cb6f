package registry

import (
	"crypto/rand"
	"math/big"
	"net/url"
	"regexp"
	"slices"
	"strings"

	"github.com/abdusco/qrlinked/internal"
	"github.com/samber/lo"
)

const (
	MinSlugLength = 3
	MaxSlugLength = 48

	maxNameLength = 200
	maxURLLength  = 2048
	maxUTMLength  = 200
	maxTags       = 20
	maxTagLength  = 40

	MinLogoSize     = 10
	MaxLogoSize     = 40
	DefaultLogoSize = 20
)

var (
	slugRegex  = regexp.MustCompile(`^[a-zA-Z0-9](?:[a-zA-Z0-9-]*[a-zA-Z0-9])?$`)
	colorRegex = regexp.MustCompile(`^#(?:[0-9a-fA-F]{3}|[0-9a-fA-F]{6})$`)

	errorCorrectionLevels = []string{"low", "medium", "quartile", "high"}
	outputFormats         = []string{"svg", "png"}
)

func DefaultDesign() internal.Design {
	return internal.Design{
		Foreground:      "#000000",
		Background:      "#ffffff",
		ErrorCorrection: "medium",
		Format:          "svg",
		LogoSize:        DefaultLogoSize,
	}
}

// ValidateURL accepts absolute http and https URLs only.
func ValidateURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", internal.NewValidationError("url", "is required")
	}
	if len(raw) > maxURLLength {
		return "", internal.NewValidationError("url", "must be at most %d characters", maxURLLength)
	}

	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() {
		return "", internal.NewValidationError("url", "must be an absolute URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", internal.NewValidationError("url", "must use http or https")
	}
	if u.Host == "" {
		return "", internal.NewValidationError("url", "must have a host")
	}
	return u.String(), nil
}

func ValidateSlug(slug string) error {
	if len(slug) < MinSlugLength || len(slug) > MaxSlugLength {
		return internal.NewValidationError("slug", "must be between %d and %d characters", MinSlugLength, MaxSlugLength)
	}
	if !slugRegex.MatchString(slug) {
		return internal.NewValidationError("slug", "may only contain letters, digits and inner hyphens")
	}
	return nil
}

// ValidateUTM trims values and returns nil when no attribute is set.
func ValidateUTM(utm *internal.UTM) (*internal.UTM, error) {
	if utm == nil {
		return nil, nil
	}
	out := &internal.UTM{
		Source:   strings.TrimSpace(utm.Source),
		Medium:   strings.TrimSpace(utm.Medium),
		Campaign: strings.TrimSpace(utm.Campaign),
	}
	for field, v := range map[string]string{"utm.source": out.Source, "utm.medium": out.Medium, "utm.campaign": out.Campaign} {
		if len(v) > maxUTMLength {
			return nil, internal.NewValidationError(field, "must be at most %d characters", maxUTMLength)
		}
	}
	if out.IsZero() {
		return nil, nil
	}
	return out, nil
}

func validateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", internal.NewValidationError("name", "is required")
	}
	if len(name) > maxNameLength {
		return "", internal.NewValidationError("name", "must be at most %d characters", maxNameLength)
	}
	return name, nil
}

// normalizeTags lower-cases, trims, de-duplicates and sorts tags.
func normalizeTags(tags []string) ([]string, error) {
	cleaned := lo.Uniq(lo.FilterMap(tags, func(tag string, _ int) (string, bool) {
		tag = strings.ToLower(strings.TrimSpace(tag))
		return tag, tag != ""
	}))
	if len(cleaned) > maxTags {
		return nil, internal.NewValidationError("tags", "at most %d tags are allowed", maxTags)
	}
	for _, tag := range cleaned {
		if len(tag) > maxTagLength {
			return nil, internal.NewValidationError("tags", "tag %q is longer than %d characters", tag, maxTagLength)
		}
	}
	slices.Sort(cleaned)
	return cleaned, nil
}

// ClampLogoSize keeps the logo percentage in [10,40]; zero selects the default.
func ClampLogoSize(size int) int {
	if size == 0 {
		return DefaultLogoSize
	}
	return max(MinLogoSize, min(MaxLogoSize, size))
}

func validateDesign(d internal.Design) (internal.Design, error) {
	if !colorRegex.MatchString(d.Foreground) {
		return d, internal.NewValidationError("design.foreground", "must be a hex color like #000000")
	}
	if !colorRegex.MatchString(d.Background) {
		return d, internal.NewValidationError("design.background", "must be a hex color like #ffffff")
	}
	if !lo.Contains(errorCorrectionLevels, d.ErrorCorrection) {
		return d, internal.NewValidationError("design.error_correction", "must be one of %s", strings.Join(errorCorrectionLevels, ", "))
	}
	if !lo.Contains(outputFormats, d.Format) {
		return d, internal.NewValidationError("design.format", "must be one of %s", strings.Join(outputFormats, ", "))
	}
	if d.Logo != "" && !validLogoRef(d.Logo) {
		return d, internal.NewValidationError("design.logo", "must be an upload reference, an http(s) URL or a data URI")
	}
	d.LogoSize = ClampLogoSize(d.LogoSize)
	return d, nil
}

func validLogoRef(ref string) bool {
	switch {
	case strings.HasPrefix(ref, "data:image/"):
		return true
	case strings.HasPrefix(ref, "upload:"):
		return len(ref) > len("upload:")
	default:
		_, err := ValidateURL(ref)
		return err == nil
	}
}

const slugCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func GenerateSlug(length int) (string, error) {
	b := make([]byte, length)
	for i := range b {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(slugCharset))))
		if err != nil {
			return "", err
		}
		b[i] = slugCharset[n.Int64()]
	}
	return string(b), nil
}
