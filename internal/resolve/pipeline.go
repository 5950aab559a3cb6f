// Package resolve turns a slug into a redirect destination and records the scan.
package resolve

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/abdusco/qrlinked/internal"
	"github.com/abdusco/qrlinked/internal/cache"
	"github.com/abdusco/qrlinked/internal/classify"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

type Hit struct {
	IP        string
	UserAgent string
	Headers   http.Header
}

type Options struct {
	// RecordPrefetch keeps prefetch hits in the scan log, flagged as such.
	RecordPrefetch bool
}

type Pipeline struct {
	resolver   cache.Resolver
	classifier *classify.Classifier
	recorder   *Recorder
	opts       Options
	now        func() time.Time
}

func NewPipeline(resolver cache.Resolver, classifier *classify.Classifier, recorder *Recorder, opts Options) *Pipeline {
	return &Pipeline{
		resolver:   resolver,
		classifier: classifier,
		recorder:   recorder,
		opts:       opts,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Resolve returns the destination for slug with the target's UTM attributes applied.
// The scan is queued, not written, before returning.
func (p *Pipeline) Resolve(ctx context.Context, slug string, hit Hit) (string, error) {
	res, err := p.resolver.Resolve(ctx, slug)
	if err != nil {
		return "", err
	}

	result := p.classifier.Classify(classify.Request{
		IP:        hit.IP,
		UserAgent: hit.UserAgent,
		Headers:   hit.Headers,
	})

	destination := MergeUTM(res.Target.URL, res.Target.UTM)

	if !result.IsPrefetch || p.opts.RecordPrefetch {
		p.recorder.Enqueue(p.scanEvent(res, hit, result))
	} else {
		log.Debug().Str("slug", slug).Msg("skipping prefetch scan")
	}

	return destination, nil
}

func (p *Pipeline) scanEvent(res *internal.Resolution, hit Hit, result classify.Result) *internal.ScanEvent {
	return &internal.ScanEvent{
		ID:            uuid.NewString(),
		LinkID:        res.LinkID,
		TargetID:      res.Target.ID,
		TargetVersion: res.Target.Version,
		ScannedAt:     p.now(),
		IP:            hit.IP,
		UserAgent:     hit.UserAgent,
		Device:        result.Device,
		OS:            result.OS,
		Browser:       result.Browser,
		Country:       result.Country,
		Region:        result.Region,
		City:          result.City,
		Lat:           result.Lat,
		Lon:           result.Lon,
		Language:      result.Language,
		Referer:       result.Referer,
		UTM:           res.Target.UTM,
		IsPrefetch:    result.IsPrefetch,
	}
}

// MergeUTM sets each present UTM attribute as a query parameter on raw, overwriting any
// existing value. The rest of the query is kept byte for byte, in its original order.
// raw is returned as is when there is nothing to merge.
func MergeUTM(raw string, utm *internal.UTM) string {
	params := utm.Params()
	if len(params) == 0 {
		return raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		log.Warn().Err(err).Str("url", raw).Msg("cannot merge utm into unparseable url")
		return raw
	}

	overwritten := lo.Map(params, func(kv [2]string, _ int) string { return kv[0] })

	var segments []string
	if u.RawQuery != "" {
		segments = lo.Reject(strings.Split(u.RawQuery, "&"), func(segment string, _ int) bool {
			key, _, _ := strings.Cut(segment, "=")
			if unescaped, err := url.QueryUnescape(key); err == nil {
				key = unescaped
			}
			return lo.Contains(overwritten, key)
		})
	}
	for _, kv := range params {
		segments = append(segments, url.QueryEscape(kv[0])+"="+url.QueryEscape(kv[1]))
	}

	u.RawQuery = strings.Join(segments, "&")
	return u.String()
}
