package internal

import "time"

type Link struct {
	ID              string     `json:"id"`
	OwnerID         string     `json:"owner_id"`
	Slug            string     `json:"slug"`
	Name            string     `json:"name"`
	Design          Design     `json:"design"`
	Tags            []string   `json:"tags"`
	CurrentTargetID string     `json:"current_target_id"`
	ArchivedAt      *time.Time `json:"archived_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	Stats           *LinkStats `json:"stats,omitempty"`
}

func (l *Link) Archived() bool {
	return l.ArchivedAt != nil
}

type Design struct {
	Foreground      string `json:"foreground"`
	Background      string `json:"background"`
	ErrorCorrection string `json:"error_correction"`
	Format          string `json:"format"`
	Logo            string `json:"logo,omitempty"`
	LogoSize        int    `json:"logo_size"`
	LogoBorder      bool   `json:"logo_border"`
}

type UTM struct {
	Source   string `json:"source,omitempty"`
	Medium   string `json:"medium,omitempty"`
	Campaign string `json:"campaign,omitempty"`
}

func (u *UTM) IsZero() bool {
	return u == nil || (u.Source == "" && u.Medium == "" && u.Campaign == "")
}

// Params returns the present attributes as query parameter pairs in a fixed order.
func (u *UTM) Params() [][2]string {
	if u.IsZero() {
		return nil
	}
	var out [][2]string
	for _, kv := range [][2]string{
		{"utm_source", u.Source},
		{"utm_medium", u.Medium},
		{"utm_campaign", u.Campaign},
	} {
		if kv[1] != "" {
			out = append(out, kv)
		}
	}
	return out
}

type Target struct {
	ID        string    `json:"id"`
	LinkID    string    `json:"link_id"`
	Version   int64     `json:"version"`
	URL       string    `json:"url"`
	UTM       *UTM      `json:"utm,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Resolution is what the redirect path needs: the link identity and its current target.
type Resolution struct {
	LinkID string `json:"link_id"`
	Slug   string `json:"slug"`
	Target Target `json:"target"`
}

type ScanEvent struct {
	ID            string    `json:"id"`
	LinkID        string    `json:"link_id"`
	TargetID      string    `json:"target_id"`
	TargetVersion int64     `json:"target_version"`
	ScannedAt     time.Time `json:"scanned_at"`
	IP            string    `json:"ip"`
	UserAgent     string    `json:"user_agent"`
	Device        string    `json:"device"`
	OS            string    `json:"os"`
	Browser       string    `json:"browser"`
	Country       string    `json:"country"`
	Region        string    `json:"region"`
	City          string    `json:"city"`
	Lat           *float64  `json:"lat,omitempty"`
	Lon           *float64  `json:"lon,omitempty"`
	Language      string    `json:"language"`
	Referer       string    `json:"referer"`
	UTM           *UTM      `json:"utm,omitempty"`
	IsPrefetch    bool      `json:"is_prefetch"`
}

type LinkStats struct {
	Scans          int64      `json:"scans"`
	Prefetches     int64      `json:"prefetches"`
	FirstScannedAt *time.Time `json:"first_scanned_at"`
	LastScannedAt  *time.Time `json:"last_scanned_at"`
}

type Breakdown struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

type ScanReport struct {
	LinkStats
	Devices   []Breakdown `json:"devices"`
	Countries []Breakdown `json:"countries"`
}
