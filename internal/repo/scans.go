package repo

import (
	"context"
	"fmt"

	"github.com/abdusco/qrlinked/internal"
	"github.com/abdusco/qrlinked/internal/db"
	"github.com/doug-martin/goqu/v9"
	"github.com/rs/zerolog/log"
)

var scanColumns = []any{
	"id", "link_id", "target_id", "target_version", "scanned_at", "ip_address", "user_agent",
	"device", "os", "browser", "country", "region", "city", "lat", "lon",
	"language", "referer", "utm", "is_prefetch",
}

type scanRow struct {
	ID            string   `db:"id"`
	LinkID        string   `db:"link_id"`
	TargetID      string   `db:"target_id"`
	TargetVersion int64    `db:"target_version"`
	ScannedAt     Date     `db:"scanned_at"`
	IPAddress     string   `db:"ip_address"`
	UserAgent     string   `db:"user_agent"`
	Device        string   `db:"device"`
	OS            string   `db:"os"`
	Browser       string   `db:"browser"`
	Country       string   `db:"country"`
	Region        string   `db:"region"`
	City          string   `db:"city"`
	Lat           *float64 `db:"lat"`
	Lon           *float64 `db:"lon"`
	Language      string   `db:"language"`
	Referer       string   `db:"referer"`
	UTM           *string  `db:"utm"`
	IsPrefetch    int64    `db:"is_prefetch"`
}

type scanStatsRow struct {
	Total          int64 `db:"total"`
	FirstScannedAt *Date `db:"first_scanned_at"`
	LastScannedAt  *Date `db:"last_scanned_at"`
}

type breakdownRow struct {
	Key   *string `db:"key"`
	Count int64   `db:"count"`
}

type ScansRepo struct {
	conn *db.Conn
}

func NewScansRepo(conn *db.Conn) *ScansRepo {
	return &ScansRepo{conn: conn}
}

func (r *ScansRepo) Create(ctx context.Context, ev *internal.ScanEvent) error {
	log.Debug().Str("link_id", ev.LinkID).Str("ip", ev.IP).Msg("recording scan")

	utm, err := encodeNullableJSON(ev.UTM, (*internal.UTM).IsZero)
	if err != nil {
		return err
	}

	prefetch := 0
	if ev.IsPrefetch {
		prefetch = 1
	}

	_, err = r.conn.Goqu().Insert("scans").Rows(goqu.Record{
		"id":             ev.ID,
		"link_id":        ev.LinkID,
		"target_id":      ev.TargetID,
		"target_version": ev.TargetVersion,
		"scanned_at":     NewDate(ev.ScannedAt),
		"ip_address":     ev.IP,
		"user_agent":     ev.UserAgent,
		"device":         ev.Device,
		"os":             ev.OS,
		"browser":        ev.Browser,
		"country":        ev.Country,
		"region":         ev.Region,
		"city":           ev.City,
		"lat":            nullableFloat(ev.Lat),
		"lon":            nullableFloat(ev.Lon),
		"language":       ev.Language,
		"referer":        ev.Referer,
		"utm":            nullable(utm),
		"is_prefetch":    prefetch,
	}).Executor().ExecContext(ctx)
	if err != nil {
		log.Error().Err(err).Str("link_id", ev.LinkID).Msg("failed to record scan")
		return fmt.Errorf("failed to record scan: %w", err)
	}

	log.Debug().Str("link_id", ev.LinkID).Bool("prefetch", ev.IsPrefetch).Msg("scan recorded successfully")
	return nil
}

// StatsForLink counts human scans and prefetches. First/last timestamps cover human scans only.
func (r *ScansRepo) StatsForLink(ctx context.Context, linkID string) (*internal.LinkStats, error) {
	executor := r.conn.Goqu()

	query := executor.From("scans").
		Where(goqu.Ex{"link_id": linkID, "is_prefetch": 0}).
		Select(
			goqu.COUNT("*").As("total"),
			goqu.MIN("scanned_at").As("first_scanned_at"),
			goqu.MAX("scanned_at").As("last_scanned_at"),
		)

	var row scanStatsRow
	if _, err := query.ScanStructContext(ctx, &row); err != nil {
		return nil, fmt.Errorf("failed to count scans: %w", err)
	}

	var prefetches int64
	_, err := executor.From("scans").
		Where(goqu.Ex{"link_id": linkID, "is_prefetch": 1}).
		Select(goqu.COUNT("*")).
		ScanValContext(ctx, &prefetches)
	if err != nil {
		return nil, fmt.Errorf("failed to count prefetches: %w", err)
	}

	return &internal.LinkStats{
		Scans:          row.Total,
		Prefetches:     prefetches,
		FirstScannedAt: row.FirstScannedAt.TimePtr(),
		LastScannedAt:  row.LastScannedAt.TimePtr(),
	}, nil
}

// Breakdown groups human scans of a link by one of the derived columns.
func (r *ScansRepo) Breakdown(ctx context.Context, linkID, column string) ([]internal.Breakdown, error) {
	switch column {
	case "device", "os", "browser", "country", "region", "city", "language":
	default:
		return nil, fmt.Errorf("cannot break down scans by %q", column)
	}

	query := r.conn.Goqu().From("scans").
		Where(goqu.Ex{"link_id": linkID, "is_prefetch": 0}).
		Select(goqu.C(column).As("key"), goqu.COUNT("*").As("count")).
		GroupBy(goqu.C(column)).
		Order(goqu.I("count").Desc(), goqu.C(column).Asc())

	var rows []breakdownRow
	if err := query.ScanStructsContext(ctx, &rows); err != nil {
		return nil, fmt.Errorf("failed to break down scans: %w", err)
	}

	out := make([]internal.Breakdown, 0, len(rows))
	for _, row := range rows {
		key := "unknown"
		if row.Key != nil && *row.Key != "" {
			key = *row.Key
		}
		out = append(out, internal.Breakdown{Key: key, Count: row.Count})
	}
	return out, nil
}

func (r *ScansRepo) ListForLink(ctx context.Context, linkID string) ([]internal.ScanEvent, error) {
	query := r.conn.Goqu().From("scans").
		Select(scanColumns...).
		Where(goqu.Ex{"link_id": linkID}).
		Order(goqu.C("scanned_at").Asc())

	var rows []scanRow
	if err := query.ScanStructsContext(ctx, &rows); err != nil {
		return nil, fmt.Errorf("failed to list scans: %w", err)
	}

	events := make([]internal.ScanEvent, 0, len(rows))
	for _, row := range rows {
		ev, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		events = append(events, *ev)
	}
	return events, nil
}

func (r *scanRow) toDomain() (*internal.ScanEvent, error) {
	utm, err := decodeNullableJSON[internal.UTM](r.UTM)
	if err != nil {
		return nil, err
	}
	return &internal.ScanEvent{
		ID:            r.ID,
		LinkID:        r.LinkID,
		TargetID:      r.TargetID,
		TargetVersion: r.TargetVersion,
		ScannedAt:     r.ScannedAt.Time(),
		IP:            r.IPAddress,
		UserAgent:     r.UserAgent,
		Device:        r.Device,
		OS:            r.OS,
		Browser:       r.Browser,
		Country:       r.Country,
		Region:        r.Region,
		City:          r.City,
		Lat:           r.Lat,
		Lon:           r.Lon,
		Language:      r.Language,
		Referer:       r.Referer,
		UTM:           utm,
		IsPrefetch:    r.IsPrefetch == 1,
	}, nil
}

func nullableFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
