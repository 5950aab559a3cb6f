package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/abdusco/qrlinked/internal"
	"github.com/abdusco/qrlinked/internal/db"
	"github.com/doug-martin/goqu/v9"
	"github.com/rs/zerolog/log"
)

var linkColumns = []any{
	"id", "owner_id", "slug", "name", "design", "tags",
	"current_target_id", "archived_at", "created_at", "updated_at",
}

type linkRow struct {
	ID              string  `db:"id"`
	OwnerID         string  `db:"owner_id"`
	Slug            string  `db:"slug"`
	Name            string  `db:"name"`
	Design          string  `db:"design"`
	Tags            string  `db:"tags"`
	CurrentTargetID *string `db:"current_target_id"`
	ArchivedAt      *Date   `db:"archived_at"`
	CreatedAt       Date    `db:"created_at"`
	UpdatedAt       Date    `db:"updated_at"`
}

type resolutionRow struct {
	LinkID    string  `db:"link_id"`
	Slug      string  `db:"slug"`
	TargetID  string  `db:"target_id"`
	Version   int64   `db:"version"`
	URL       string  `db:"url"`
	UTM       *string `db:"utm"`
	CreatedAt Date    `db:"created_at"`
}

type LinksRepo struct {
	conn *db.Conn
}

func NewLinksRepo(conn *db.Conn) *LinksRepo {
	return &LinksRepo{conn: conn}
}

// CreateWithTarget inserts the link, its first target and the current-target pointer in one
// transaction, so readers never see a link without a current target.
func (r *LinksRepo) CreateWithTarget(ctx context.Context, link *internal.Link, target *internal.Target) error {
	log.Debug().Str("slug", link.Slug).Str("owner", link.OwnerID).Msg("creating link")

	design, err := encodeJSON(link.Design)
	if err != nil {
		return err
	}
	tags, err := encodeJSON(link.Tags)
	if err != nil {
		return err
	}

	tx, err := r.conn.Goqu().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	err = tx.Wrap(func() error {
		_, err := tx.Insert("links").Rows(goqu.Record{
			"id":         link.ID,
			"owner_id":   link.OwnerID,
			"slug":       link.Slug,
			"name":       link.Name,
			"design":     design,
			"tags":       tags,
			"created_at": NewDate(link.CreatedAt),
			"updated_at": NewDate(link.UpdatedAt),
		}).Executor().ExecContext(ctx)
		if err != nil {
			if db.IsUniqueViolation(err) {
				return internal.ErrSlugExists
			}
			return fmt.Errorf("failed to insert link: %w", err)
		}

		if err := insertTarget(ctx, tx, target); err != nil {
			return err
		}

		return setCurrentTarget(ctx, tx, link.ID, target.ID, link.UpdatedAt)
	})
	if err != nil {
		return err
	}

	link.CurrentTargetID = target.ID
	log.Info().Str("id", link.ID).Str("slug", link.Slug).Msg("link created successfully")
	return nil
}

// GetOwned returns an active link owned by owner. Archived, missing and foreign links are
// indistinguishable to the caller.
func (r *LinksRepo) GetOwned(ctx context.Context, owner, slug string) (*internal.Link, error) {
	return r.getOne(ctx, goqu.Ex{"owner_id": owner, "slug": slug, "archived_at": nil})
}

func (r *LinksRepo) getOne(ctx context.Context, where goqu.Ex) (*internal.Link, error) {
	query := r.conn.Goqu().From("links").Select(linkColumns...).Where(where)

	var row linkRow
	found, err := query.ScanStructContext(ctx, &row)
	if err != nil {
		log.Error().Err(err).Interface("where", where).Msg("failed to fetch link")
		return nil, fmt.Errorf("failed to fetch link: %w", err)
	}
	if !found {
		return nil, internal.ErrLinkNotFound
	}

	return row.toDomain()
}

func (r *LinksRepo) ListByOwner(ctx context.Context, owner string) ([]*internal.Link, error) {
	query := r.conn.Goqu().From("links").
		Select(linkColumns...).
		Where(goqu.Ex{"owner_id": owner, "archived_at": nil}).
		Order(goqu.C("created_at").Desc())

	var rows []linkRow
	if err := query.ScanStructsContext(ctx, &rows); err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}

	links := make([]*internal.Link, 0, len(rows))
	for _, row := range rows {
		link, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		links = append(links, link)
	}
	return links, nil
}

func (r *LinksRepo) UpdateDesign(ctx context.Context, linkID string, design internal.Design, now time.Time) error {
	encoded, err := encodeJSON(design)
	if err != nil {
		return err
	}

	return r.update(ctx, linkID, goqu.Record{
		"design":     encoded,
		"updated_at": NewDate(now),
	})
}

// UpdateDetails writes the name, slug and tags of link.
func (r *LinksRepo) UpdateDetails(ctx context.Context, link *internal.Link) error {
	tags, err := encodeJSON(link.Tags)
	if err != nil {
		return err
	}

	err = r.update(ctx, link.ID, goqu.Record{
		"name":       link.Name,
		"slug":       link.Slug,
		"tags":       tags,
		"updated_at": NewDate(link.UpdatedAt),
	})
	if db.IsUniqueViolation(err) {
		return internal.ErrSlugExists
	}
	return err
}

// Archive soft-deletes the link. Archiving an already archived link is a no-op.
func (r *LinksRepo) Archive(ctx context.Context, owner, slug string, now time.Time) (*internal.Link, error) {
	link, err := r.getOne(ctx, goqu.Ex{"owner_id": owner, "slug": slug})
	if err != nil {
		return nil, err
	}
	if link.Archived() {
		return link, nil
	}

	_, err = r.conn.Goqu().Update("links").
		Set(goqu.Record{"archived_at": NewDate(now), "updated_at": NewDate(now)}).
		Where(goqu.Ex{"id": link.ID, "archived_at": nil}).
		Executor().ExecContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to archive link: %w", err)
	}

	link.ArchivedAt = &now
	link.UpdatedAt = now
	log.Info().Str("id", link.ID).Str("slug", slug).Msg("link archived")
	return link, nil
}

// Resolve loads an active link and its current target in a single query through the
// current_target_id pointer.
func (r *LinksRepo) Resolve(ctx context.Context, slug string) (*internal.Resolution, error) {
	query := r.conn.Goqu().
		From(goqu.T("links").As("l")).
		InnerJoin(goqu.T("targets").As("t"), goqu.On(goqu.I("t.id").Eq(goqu.I("l.current_target_id")))).
		Where(goqu.I("l.slug").Eq(slug), goqu.I("l.archived_at").IsNull()).
		Select(
			goqu.I("l.id").As("link_id"),
			goqu.I("l.slug").As("slug"),
			goqu.I("t.id").As("target_id"),
			goqu.I("t.version").As("version"),
			goqu.I("t.url").As("url"),
			goqu.I("t.utm").As("utm"),
			goqu.I("t.created_at").As("created_at"),
		)

	var row resolutionRow
	found, err := query.ScanStructContext(ctx, &row)
	if err != nil {
		log.Error().Err(err).Str("slug", slug).Msg("failed to resolve link")
		return nil, fmt.Errorf("failed to resolve link: %w", err)
	}
	if !found {
		return nil, internal.ErrLinkNotFound
	}

	utm, err := decodeNullableJSON[internal.UTM](row.UTM)
	if err != nil {
		return nil, err
	}

	return &internal.Resolution{
		LinkID: row.LinkID,
		Slug:   row.Slug,
		Target: internal.Target{
			ID:        row.TargetID,
			LinkID:    row.LinkID,
			Version:   row.Version,
			URL:       row.URL,
			UTM:       utm,
			CreatedAt: row.CreatedAt.Time(),
		},
	}, nil
}

func (r *LinksRepo) update(ctx context.Context, linkID string, record goqu.Record) error {
	res, err := r.conn.Goqu().Update("links").
		Set(record).
		Where(goqu.Ex{"id": linkID}).
		Executor().ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to update link: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update link: %w", err)
	}
	if n == 0 {
		return internal.ErrLinkNotFound
	}
	return nil
}

func (r *linkRow) toDomain() (*internal.Link, error) {
	design, err := decodeJSON[internal.Design](r.Design)
	if err != nil {
		return nil, err
	}
	tags, err := decodeJSON[[]string](r.Tags)
	if err != nil {
		return nil, err
	}
	if tags == nil {
		tags = []string{}
	}

	link := &internal.Link{
		ID:         r.ID,
		OwnerID:    r.OwnerID,
		Slug:       r.Slug,
		Name:       r.Name,
		Design:     design,
		Tags:       tags,
		ArchivedAt: r.ArchivedAt.TimePtr(),
		CreatedAt:  r.CreatedAt.Time(),
		UpdatedAt:  r.UpdatedAt.Time(),
	}
	if r.CurrentTargetID != nil {
		link.CurrentTargetID = *r.CurrentTargetID
	}
	return link, nil
}
