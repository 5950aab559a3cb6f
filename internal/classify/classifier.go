// Package classify decides whether a hit is a human scan and derives device and geo fields.
package classify

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

const Unknown = "unknown"

// prefetchTokens are user-agent substrings of link unfurlers, crawlers and headless fetchers.
var prefetchTokens = []string{
	"facebookexternalhit", "facebot", "twitterbot", "slackbot", "slack-imgproxy",
	"discordbot", "telegrambot", "whatsapp", "linkedinbot", "skypeuripreview",
	"pinterest", "embedly", "redditbot", "applebot", "googlebot", "bingbot",
	"vkshare", "bot", "crawler", "spider", "preview", "headless",
}

// prefetchHeaders carry a browser's speculative-load or preview signal.
var prefetchHeaders = []string{"Purpose", "Sec-Purpose", "X-Purpose", "X-Moz"}

type Request struct {
	IP        string
	UserAgent string
	Headers   http.Header
}

// Result is the flat set of fields a scan record is built from.
type Result struct {
	IsPrefetch bool
	Device     string
	OS         string
	Browser    string
	Country    string
	Region     string
	City       string
	Lat        *float64
	Lon        *float64
	Language   string
	Referer    string
}

type Classifier struct {
	geo GeoLookup
	ua  UAParser
}

func New(geo GeoLookup, ua UAParser) *Classifier {
	if geo == nil {
		geo = NopGeo{}
	}
	if ua == nil {
		ua = UserAgentParser{}
	}
	return &Classifier{geo: geo, ua: ua}
}

// IsPrefetch reports whether a hit looks automated. It is a best-effort heuristic: bots that
// don't identify themselves pass as humans.
func IsPrefetch(headers http.Header, userAgent string) bool {
	for _, name := range prefetchHeaders {
		for _, v := range headers.Values(name) {
			v = strings.ToLower(v)
			if strings.Contains(v, "prefetch") || strings.Contains(v, "preview") {
				return true
			}
		}
	}

	ua := strings.ToLower(userAgent)
	for _, token := range prefetchTokens {
		if strings.Contains(ua, token) {
			return true
		}
	}
	return false
}

// Classify never fails. A collaborator that panics leaves every derived field unknown
// and the hit counted as human.
func (c *Classifier) Classify(req Request) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("panic", fmt.Sprint(r)).Str("ip", req.IP).Msg("classification failed, using fallback")
			res = fallback(req)
		}
	}()

	agent := c.ua.Parse(req.UserAgent)
	geo := c.geo.Lookup(req.IP)

	res = Result{
		IsPrefetch: IsPrefetch(req.Headers, req.UserAgent) || agent.Bot,
		Device:     orUnknown(agent.Device),
		OS:         orUnknown(agent.OS),
		Browser:    orUnknown(agent.Browser),
		Country:    orUnknown(geo.Country),
		Region:     orUnknown(refineRegion(geo)),
		City:       orUnknown(geo.City),
		Lat:        geo.Lat,
		Lon:        geo.Lon,
		Language:   primaryLanguage(req.Headers.Get("Accept-Language")),
		Referer:    req.Headers.Get("Referer"),
	}
	return res
}

func fallback(req Request) Result {
	return Result{
		Device:   Unknown,
		OS:       Unknown,
		Browser:  Unknown,
		Country:  Unknown,
		Region:   Unknown,
		City:     Unknown,
		Language: primaryLanguage(req.Headers.Get("Accept-Language")),
		Referer:  req.Headers.Get("Referer"),
	}
}

// primaryLanguage returns the first tag of an Accept-Language header.
func primaryLanguage(header string) string {
	first, _, _ := strings.Cut(header, ",")
	first, _, _ = strings.Cut(first, ";")
	first = strings.TrimSpace(first)
	if first == "" || first == "*" {
		return Unknown
	}
	return first
}

func orUnknown(v string) string {
	if strings.TrimSpace(v) == "" {
		return Unknown
	}
	return v
}
