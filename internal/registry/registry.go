// Package registry owns link identity: slugs, names, tags, design and archive state.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/abdusco/qrlinked/internal"
	"github.com/abdusco/qrlinked/internal/cache"
	"github.com/abdusco/qrlinked/internal/repo"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

const (
	shortSlugLength = 7
	longSlugLength  = 10
	slugAttempts    = 5
)

type CreateInput struct {
	Name   string
	URL    string
	Slug   string
	Design *internal.Design
	UTM    *internal.UTM
	Tags   []string
}

// DesignPatch updates only the fields that are set.
type DesignPatch struct {
	Foreground      *string
	Background      *string
	ErrorCorrection *string
	Format          *string
	Logo            *string
	LogoSize        *int
	LogoBorder      *bool
}

type LinkPatch struct {
	Name *string
	Slug *string
	Tags *[]string
}

type Registry struct {
	links *repo.LinksRepo
	scans *repo.ScansRepo
	cache cache.Invalidator
	now   func() time.Time
}

func New(links *repo.LinksRepo, scans *repo.ScansRepo, invalidator cache.Invalidator) *Registry {
	if invalidator == nil {
		invalidator = cache.Nop{}
	}
	return &Registry{
		links: links,
		scans: scans,
		cache: invalidator,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Create mints a slug and stores the link with its version-1 target.
func (r *Registry) Create(ctx context.Context, owner string, in CreateInput) (*internal.Link, *internal.Target, error) {
	name, err := validateName(in.Name)
	if err != nil {
		return nil, nil, err
	}
	destination, err := ValidateURL(in.URL)
	if err != nil {
		return nil, nil, err
	}
	utm, err := ValidateUTM(in.UTM)
	if err != nil {
		return nil, nil, err
	}
	tags, err := normalizeTags(in.Tags)
	if err != nil {
		return nil, nil, err
	}

	design := DefaultDesign()
	if in.Design != nil {
		design = mergeDesignDefaults(*in.Design)
	}
	design, err = validateDesign(design)
	if err != nil {
		return nil, nil, err
	}

	custom := strings.TrimSpace(in.Slug)
	if custom != "" {
		if err := ValidateSlug(custom); err != nil {
			return nil, nil, err
		}
	}

	now := r.now()
	newLink := func(slug string) (*internal.Link, *internal.Target) {
		link := &internal.Link{
			ID:        uuid.NewString(),
			OwnerID:   owner,
			Slug:      slug,
			Name:      name,
			Design:    design,
			Tags:      tags,
			CreatedAt: now,
			UpdatedAt: now,
		}
		target := &internal.Target{
			ID:        uuid.NewString(),
			LinkID:    link.ID,
			Version:   1,
			URL:       destination,
			UTM:       utm,
			CreatedAt: now,
		}
		return link, target
	}

	if custom != "" {
		link, target := newLink(custom)
		if err := r.links.CreateWithTarget(ctx, link, target); err != nil {
			return nil, nil, err
		}
		return link, target, nil
	}

	for _, length := range []int{shortSlugLength, longSlugLength} {
		for attempt := 0; attempt < slugAttempts; attempt++ {
			slug, err := GenerateSlug(length)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to generate slug: %w", err)
			}

			link, target := newLink(slug)
			err = r.links.CreateWithTarget(ctx, link, target)
			if err == nil {
				return link, target, nil
			}
			if !errors.Is(err, internal.ErrSlugExists) {
				return nil, nil, err
			}
			log.Warn().Str("slug", slug).Int("length", length).Msg("generated slug collided, retrying")
		}
	}

	return nil, nil, fmt.Errorf("%w: could not generate a free slug", internal.ErrConflict)
}

func (r *Registry) Get(ctx context.Context, owner, slug string) (*internal.Link, error) {
	link, err := r.links.GetOwned(ctx, owner, slug)
	if err != nil {
		return nil, err
	}
	r.attachStats(ctx, link)
	return link, nil
}

// List returns the owner's active links, newest first, optionally filtered by tag.
func (r *Registry) List(ctx context.Context, owner, tag string) ([]*internal.Link, error) {
	links, err := r.links.ListByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}

	if tag = strings.ToLower(strings.TrimSpace(tag)); tag != "" {
		links = lo.Filter(links, func(link *internal.Link, _ int) bool {
			return lo.Contains(link.Tags, tag)
		})
	}

	for _, link := range links {
		r.attachStats(ctx, link)
	}
	return links, nil
}

func (r *Registry) UpdateDesign(ctx context.Context, owner, slug string, patch DesignPatch) (*internal.Link, error) {
	link, err := r.links.GetOwned(ctx, owner, slug)
	if err != nil {
		return nil, err
	}

	design, err := validateDesign(patch.apply(link.Design))
	if err != nil {
		return nil, err
	}

	now := r.now()
	if err := r.links.UpdateDesign(ctx, link.ID, design, now); err != nil {
		return nil, err
	}

	link.Design = design
	link.UpdatedAt = now
	return link, nil
}

// Update renames and/or retags a link. A new slug must be valid and unused.
func (r *Registry) Update(ctx context.Context, owner, slug string, patch LinkPatch) (*internal.Link, error) {
	link, err := r.links.GetOwned(ctx, owner, slug)
	if err != nil {
		return nil, err
	}

	if patch.Name != nil {
		if link.Name, err = validateName(*patch.Name); err != nil {
			return nil, err
		}
	}
	if patch.Tags != nil {
		if link.Tags, err = normalizeTags(*patch.Tags); err != nil {
			return nil, err
		}
	}

	oldSlug := link.Slug
	if patch.Slug != nil {
		newSlug := strings.TrimSpace(*patch.Slug)
		if err := ValidateSlug(newSlug); err != nil {
			return nil, err
		}
		link.Slug = newSlug
	}

	link.UpdatedAt = r.now()
	if err := r.links.UpdateDetails(ctx, link); err != nil {
		return nil, err
	}

	if link.Slug != oldSlug {
		log.Info().Str("id", link.ID).Str("from", oldSlug).Str("to", link.Slug).Msg("link renamed")
		r.cache.Invalidate(ctx, oldSlug, link.Slug)
	}
	return link, nil
}

// Archive hides the link from listings and resolution. Its targets and scans are kept.
func (r *Registry) Archive(ctx context.Context, owner, slug string) error {
	if _, err := r.links.Archive(ctx, owner, slug, r.now()); err != nil {
		return err
	}
	r.cache.Invalidate(ctx, slug)
	return nil
}

// Report aggregates the link's human scans. Prefetches are counted separately.
func (r *Registry) Report(ctx context.Context, owner, slug string) (*internal.ScanReport, error) {
	link, err := r.links.GetOwned(ctx, owner, slug)
	if err != nil {
		return nil, err
	}

	stats, err := r.scans.StatsForLink(ctx, link.ID)
	if err != nil {
		return nil, err
	}
	devices, err := r.scans.Breakdown(ctx, link.ID, "device")
	if err != nil {
		return nil, err
	}
	countries, err := r.scans.Breakdown(ctx, link.ID, "country")
	if err != nil {
		return nil, err
	}

	return &internal.ScanReport{
		LinkStats: *stats,
		Devices:   devices,
		Countries: countries,
	}, nil
}

// Scans lists every recorded scan of the link in chronological order, prefetches included.
func (r *Registry) Scans(ctx context.Context, owner, slug string) ([]internal.ScanEvent, error) {
	link, err := r.links.GetOwned(ctx, owner, slug)
	if err != nil {
		return nil, err
	}
	return r.scans.ListForLink(ctx, link.ID)
}

func (r *Registry) attachStats(ctx context.Context, link *internal.Link) {
	if r.scans == nil {
		return
	}
	stats, err := r.scans.StatsForLink(ctx, link.ID)
	if err != nil {
		log.Warn().Err(err).Str("slug", link.Slug).Msg("failed to load scan stats")
		return
	}
	link.Stats = stats
}

func (p DesignPatch) apply(d internal.Design) internal.Design {
	if p.Foreground != nil {
		d.Foreground = *p.Foreground
	}
	if p.Background != nil {
		d.Background = *p.Background
	}
	if p.ErrorCorrection != nil {
		d.ErrorCorrection = *p.ErrorCorrection
	}
	if p.Format != nil {
		d.Format = *p.Format
	}
	if p.Logo != nil {
		d.Logo = strings.TrimSpace(*p.Logo)
	}
	if p.LogoSize != nil {
		d.LogoSize = *p.LogoSize
	}
	if p.LogoBorder != nil {
		d.LogoBorder = *p.LogoBorder
	}
	return d
}

func mergeDesignDefaults(d internal.Design) internal.Design {
	def := DefaultDesign()
	d.Foreground = lo.CoalesceOrEmpty(d.Foreground, def.Foreground)
	d.Background = lo.CoalesceOrEmpty(d.Background, def.Background)
	d.ErrorCorrection = lo.CoalesceOrEmpty(d.ErrorCorrection, def.ErrorCorrection)
	d.Format = lo.CoalesceOrEmpty(d.Format, def.Format)
	d.Logo = strings.TrimSpace(d.Logo)
	return d
}
