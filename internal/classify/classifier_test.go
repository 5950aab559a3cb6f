package classify

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

const (
	chromeDesktop = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	safariIPhone  = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Mobile/15E148 Safari/604.1"
)

type stubGeo Geo

func (s stubGeo) Lookup(string) Geo { return Geo(s) }

type panickingUA struct{}

func (panickingUA) Parse(string) Agent { panic("boom") }

func ptr(f float64) *float64 { return &f }

func TestIsPrefetch(t *testing.T) {
	tests := []struct {
		name    string
		headers http.Header
		ua      string
		want    bool
	}{
		{"facebook unfurler", nil, "facebookexternalhit/1.1 (+http://www.facebook.com/externalhit_uatext.php)", true},
		{"facebook unfurler with browser headers", http.Header{"Accept-Language": {"en"}}, "facebookexternalhit/1.1", true},
		{"slack", nil, "Slackbot-LinkExpanding 1.0 (+https://api.slack.com/robots)", true},
		{"whatsapp", nil, "WhatsApp/2.23.20.0", true},
		{"generic crawler", nil, "SomeCrawler/1.0", true},
		{"headless chrome", nil, "Mozilla/5.0 HeadlessChrome/120.0", true},
		{"sec-purpose prefetch", http.Header{"Sec-Purpose": {"prefetch;prerender"}}, chromeDesktop, true},
		{"purpose preview", http.Header{"Purpose": {"preview"}}, chromeDesktop, true},
		{"firefox x-moz", http.Header{"X-Moz": {"prefetch"}}, chromeDesktop, true},
		{"desktop chrome", nil, chromeDesktop, false},
		{"iphone safari", http.Header{"Accept": {"text/html"}}, safariIPhone, false},
		{"empty", nil, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsPrefetch(tt.headers, tt.ua))
		})
	}
}

func TestClassify(t *testing.T) {
	c := New(stubGeo{CountryCode: "DE", Country: "Germany", Region: "Berlin", City: "Berlin", Lat: ptr(52.52), Lon: ptr(13.4)}, nil)

	res := c.Classify(Request{
		IP:        "203.0.113.9",
		UserAgent: chromeDesktop,
		Headers: http.Header{
			"Accept-Language": {"de-DE,de;q=0.9,en;q=0.8"},
			"Referer":         {"https://news.example/"},
		},
	})

	assert.False(t, res.IsPrefetch)
	assert.Equal(t, "desktop", res.Device)
	assert.Equal(t, "Windows", res.OS)
	assert.Equal(t, "Chrome", res.Browser)
	assert.Equal(t, "Germany", res.Country)
	assert.Equal(t, "Berlin", res.Region)
	assert.Equal(t, "Berlin", res.City)
	assert.InDelta(t, 52.52, *res.Lat, 1e-9)
	assert.Equal(t, "de-DE", res.Language)
	assert.Equal(t, "https://news.example/", res.Referer)
}

func TestClassify_MobileAndUnknowns(t *testing.T) {
	res := New(nil, nil).Classify(Request{UserAgent: safariIPhone, Headers: http.Header{}})

	assert.False(t, res.IsPrefetch)
	assert.Equal(t, "mobile", res.Device)
	assert.Equal(t, "iOS", res.OS)
	assert.Equal(t, Unknown, res.Country)
	assert.Equal(t, Unknown, res.Region)
	assert.Equal(t, Unknown, res.Language)
	assert.Nil(t, res.Lat)
}

func TestClassify_BotUserAgent(t *testing.T) {
	res := New(nil, nil).Classify(Request{UserAgent: "facebookexternalhit/1.1", Headers: http.Header{}})
	assert.True(t, res.IsPrefetch)
}

func TestClassify_PanicFallsBack(t *testing.T) {
	c := New(nil, panickingUA{})

	res := c.Classify(Request{
		UserAgent: "facebookexternalhit/1.1",
		Headers:   http.Header{"Accept-Language": {"fr"}},
	})

	assert.False(t, res.IsPrefetch)
	assert.Equal(t, Unknown, res.Device)
	assert.Equal(t, Unknown, res.Browser)
	assert.Equal(t, Unknown, res.Country)
	assert.Equal(t, "fr", res.Language)
}

func TestRefineRegion(t *testing.T) {
	tests := []struct {
		name string
		geo  Geo
		want string
	}{
		{"region from lookup wins", Geo{CountryCode: "SG", Country: "Singapore", Region: "Somewhere", Lat: ptr(1.29), Lon: ptr(103.85)}, "Somewhere"},
		{"singapore central", Geo{CountryCode: "SG", Country: "Singapore", Lat: ptr(1.29), Lon: ptr(103.85)}, "Central Region"},
		{"singapore west", Geo{CountryCode: "SG", Country: "Singapore", Lat: ptr(1.35), Lon: ptr(103.70)}, "West Region"},
		{"hong kong island", Geo{CountryCode: "HK", Country: "Hong Kong", Lat: ptr(22.28), Lon: ptr(114.16)}, "Hong Kong Island"},
		{"kowloon", Geo{CountryCode: "HK", Country: "Hong Kong", Lat: ptr(22.32), Lon: ptr(114.17)}, "Kowloon"},
		{"macau taipa", Geo{CountryCode: "MO", Country: "Macao", Lat: ptr(22.157), Lon: ptr(113.56)}, "Taipa"},
		{"city-state without coordinates", Geo{CountryCode: "SG", Country: "Singapore"}, "Singapore"},
		{"city-state outside boxes", Geo{CountryCode: "SG", Country: "Singapore", Lat: ptr(0), Lon: ptr(0)}, "Singapore"},
		{"other country", Geo{CountryCode: "FR", Country: "France", Lat: ptr(48.85), Lon: ptr(2.35)}, "France"},
		{"nothing known", Geo{}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, refineRegion(tt.geo))
		})
	}
}

func TestMaxMindGeo_SkipsPrivateAddresses(t *testing.T) {
	g := &MaxMindGeo{}
	assert.Equal(t, Geo{}, g.Lookup("127.0.0.1"))
	assert.Equal(t, Geo{}, g.Lookup("10.1.2.3"))
	assert.Equal(t, Geo{}, g.Lookup("not-an-ip"))
}
