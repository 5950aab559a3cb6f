package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/abdusco/qrlinked/internal"
	"github.com/abdusco/qrlinked/internal/db"
	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const maxAppendAttempts = 5

var targetColumns = []any{"id", "link_id", "version", "url", "utm", "created_at"}

type targetRow struct {
	ID        string  `db:"id"`
	LinkID    string  `db:"link_id"`
	Version   int64   `db:"version"`
	URL       string  `db:"url"`
	UTM       *string `db:"utm"`
	CreatedAt Date    `db:"created_at"`
}

type TargetsRepo struct {
	conn *db.Conn
}

func NewTargetsRepo(conn *db.Conn) *TargetsRepo {
	return &TargetsRepo{conn: conn}
}

// Append adds the next target version for a link and moves the link's pointer to it.
// Version allocation relies on UNIQUE(link_id, version): a concurrent writer that computed
// the same version loses the insert and retries with a fresh max.
func (r *TargetsRepo) Append(ctx context.Context, linkID, url string, utm *internal.UTM, now time.Time) (*internal.Target, error) {
	for attempt := 1; attempt <= maxAppendAttempts; attempt++ {
		target, err := r.appendOnce(ctx, linkID, url, utm, now)
		if err == nil {
			log.Info().Str("link_id", linkID).Int64("version", target.Version).Msg("link retargeted")
			return target, nil
		}
		if !errors.Is(err, internal.ErrVersionConflict) {
			return nil, err
		}
		log.Warn().Str("link_id", linkID).Int("attempt", attempt).Msg("target version conflict, retrying")
	}
	return nil, internal.ErrVersionConflict
}

func (r *TargetsRepo) appendOnce(ctx context.Context, linkID, url string, utm *internal.UTM, now time.Time) (*internal.Target, error) {
	tx, err := r.conn.Goqu().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	var target *internal.Target
	err = tx.Wrap(func() error {
		var maxVersion int64
		_, err := tx.From("targets").
			Select(goqu.COALESCE(goqu.MAX("version"), 0)).
			Where(goqu.Ex{"link_id": linkID}).
			ScanValContext(ctx, &maxVersion)
		if err != nil {
			return fmt.Errorf("failed to read max version: %w", err)
		}

		target = &internal.Target{
			ID:        uuid.NewString(),
			LinkID:    linkID,
			Version:   maxVersion + 1,
			URL:       url,
			UTM:       utm,
			CreatedAt: now,
		}
		if err := insertTarget(ctx, tx, target); err != nil {
			return err
		}
		return setCurrentTarget(ctx, tx, linkID, target.ID, now)
	})
	if err != nil {
		return nil, err
	}
	return target, nil
}

// Current follows the link's pointer; it never scans the history.
func (r *TargetsRepo) Current(ctx context.Context, linkID string) (*internal.Target, error) {
	query := r.conn.Goqu().
		From(goqu.T("targets").As("t")).
		InnerJoin(goqu.T("links").As("l"), goqu.On(goqu.I("l.current_target_id").Eq(goqu.I("t.id")))).
		Where(goqu.I("l.id").Eq(linkID)).
		Select(
			goqu.I("t.id"), goqu.I("t.link_id"), goqu.I("t.version"),
			goqu.I("t.url"), goqu.I("t.utm"), goqu.I("t.created_at"),
		)

	var row targetRow
	found, err := query.ScanStructContext(ctx, &row)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch current target: %w", err)
	}
	if !found {
		return nil, internal.ErrLinkNotFound
	}
	return row.toDomain()
}

func (r *TargetsRepo) History(ctx context.Context, linkID string) ([]internal.Target, error) {
	query := r.conn.Goqu().From("targets").
		Select(targetColumns...).
		Where(goqu.Ex{"link_id": linkID}).
		Order(goqu.C("version").Asc())

	var rows []targetRow
	if err := query.ScanStructsContext(ctx, &rows); err != nil {
		return nil, fmt.Errorf("failed to list targets: %w", err)
	}

	targets := make([]internal.Target, 0, len(rows))
	for _, row := range rows {
		t, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		targets = append(targets, *t)
	}
	return targets, nil
}

func insertTarget(ctx context.Context, tx *goqu.TxDatabase, t *internal.Target) error {
	utm, err := encodeNullableJSON(t.UTM, (*internal.UTM).IsZero)
	if err != nil {
		return err
	}

	_, err = tx.Insert("targets").Rows(goqu.Record{
		"id":         t.ID,
		"link_id":    t.LinkID,
		"version":    t.Version,
		"url":        t.URL,
		"utm":        nullable(utm),
		"created_at": NewDate(t.CreatedAt),
	}).Executor().ExecContext(ctx)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return internal.ErrVersionConflict
		}
		return fmt.Errorf("failed to insert target: %w", err)
	}
	return nil
}

func setCurrentTarget(ctx context.Context, tx *goqu.TxDatabase, linkID, targetID string, now time.Time) error {
	_, err := tx.Update("links").
		Set(goqu.Record{"current_target_id": targetID, "updated_at": NewDate(now)}).
		Where(goqu.Ex{"id": linkID}).
		Executor().ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to move current target: %w", err)
	}
	return nil
}

func (r *targetRow) toDomain() (*internal.Target, error) {
	utm, err := decodeNullableJSON[internal.UTM](r.UTM)
	if err != nil {
		return nil, err
	}
	return &internal.Target{
		ID:        r.ID,
		LinkID:    r.LinkID,
		Version:   r.Version,
		URL:       r.URL,
		UTM:       utm,
		CreatedAt: r.CreatedAt.Time(),
	}, nil
}
