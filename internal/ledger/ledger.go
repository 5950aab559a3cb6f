// Package ledger keeps the append-only destination history of each link.
package ledger

import (
	"context"
	"time"

	"github.com/abdusco/qrlinked/internal"
	"github.com/abdusco/qrlinked/internal/cache"
	"github.com/abdusco/qrlinked/internal/registry"
	"github.com/abdusco/qrlinked/internal/repo"
	"github.com/rs/zerolog/log"
)

type Ledger struct {
	links   *repo.LinksRepo
	targets *repo.TargetsRepo
	cache   cache.Invalidator
	now     func() time.Time
}

func New(links *repo.LinksRepo, targets *repo.TargetsRepo, invalidator cache.Invalidator) *Ledger {
	if invalidator == nil {
		invalidator = cache.Nop{}
	}
	return &Ledger{
		links:   links,
		targets: targets,
		cache:   invalidator,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Retarget appends a new version and makes it current. Earlier versions are never touched.
func (l *Ledger) Retarget(ctx context.Context, owner, slug, rawURL string, utm *internal.UTM) (*internal.Target, error) {
	destination, err := registry.ValidateURL(rawURL)
	if err != nil {
		return nil, err
	}
	utm, err = registry.ValidateUTM(utm)
	if err != nil {
		return nil, err
	}

	link, err := l.links.GetOwned(ctx, owner, slug)
	if err != nil {
		return nil, err
	}

	target, err := l.targets.Append(ctx, link.ID, destination, utm, l.now())
	if err != nil {
		log.Error().Err(err).Str("slug", slug).Msg("failed to retarget link")
		return nil, err
	}

	l.cache.Invalidate(ctx, link.Slug)
	return target, nil
}

// CurrentTarget returns the target the link's pointer designates.
func (l *Ledger) CurrentTarget(ctx context.Context, linkID string) (*internal.Target, error) {
	return l.targets.Current(ctx, linkID)
}

// History lists every version of an owned link in ascending version order.
func (l *Ledger) History(ctx context.Context, owner, slug string) ([]internal.Target, error) {
	link, err := l.links.GetOwned(ctx, owner, slug)
	if err != nil {
		return nil, err
	}
	return l.targets.History(ctx, link.ID)
}
