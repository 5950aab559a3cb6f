package handler_test

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/abdusco/qrlinked/internal"
	"github.com/abdusco/qrlinked/internal/auth"
	"github.com/abdusco/qrlinked/internal/cache"
	"github.com/abdusco/qrlinked/internal/classify"
	"github.com/abdusco/qrlinked/internal/db"
	"github.com/abdusco/qrlinked/internal/db/dbtest"
	"github.com/abdusco/qrlinked/internal/handler"
	"github.com/abdusco/qrlinked/internal/ledger"
	"github.com/abdusco/qrlinked/internal/registry"
	"github.com/abdusco/qrlinked/internal/render"
	"github.com/abdusco/qrlinked/internal/repo"
	"github.com/abdusco/qrlinked/internal/resolve"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/labstack/echo/v4"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const chromeDesktop = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

type testApp struct {
	e        *echo.Echo
	conn     *db.Conn
	recorder *resolve.Recorder
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()

	conn := dbtest.Open(t)
	links := repo.NewLinksRepo(conn)
	scans := repo.NewScansRepo(conn)
	targets := repo.NewTargetsRepo(conn)

	reg := registry.New(links, scans, cache.Nop{})
	recorder := resolve.NewRecorder(scans, 16, 1)
	t.Cleanup(func() { _ = recorder.Close(context.Background()) })

	creds, err := auth.ParseCredentials("alice:secret,bob:hunter2")
	require.NoError(t, err)

	e := handler.NewRouter(handler.Deps{
		Registry:      reg,
		Ledger:        ledger.New(links, targets, cache.Nop{}),
		Renderer:      render.NewService(reg, render.NewLogoResolver(t.TempDir(), 0), "https://qr.example"),
		Pipeline:      resolve.NewPipeline(links, classify.New(nil, nil), recorder, resolve.Options{RecordPrefetch: true}),
		Authenticator: auth.NewAuthenticator(creds, "test-secret"),
		DB:            conn.SQL,
	})

	return &testApp{e: e, conn: conn, recorder: recorder}
}

func (a *testApp) do(t *testing.T, method, path, user, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if user != "" {
		pass := map[string]string{"alice": "secret", "bob": "hunter2"}[user]
		req.SetBasicAuth(user, pass)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rec := httptest.NewRecorder()
	a.e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func countRows(t *testing.T, conn *db.Conn, table, linkID string) int {
	t.Helper()
	var n int
	require.NoError(t, conn.SQL.QueryRow("SELECT COUNT(*) FROM "+table+" WHERE link_id = ?", linkID).Scan(&n))
	return n
}

func TestRetargetAndRedirect(t *testing.T) {
	app := newTestApp(t)

	rec := app.do(t, http.MethodPost, "/api/links", "alice", `{"name":"Menu","url":"https://example.com/page","slug":"menu"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[handler.CreateLinkResponse](t, rec)
	assert.Equal(t, "https://qr.example/r/menu", created.Link.ShortURL)
	assert.Equal(t, int64(1), created.Target.Version)
	linkID := created.Link.ID

	rec = app.do(t, http.MethodPost, "/api/links/menu/targets", "alice", `{"url":"https://example.com/v2","utm":{"source":"newsletter"}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	retargeted := decode[handler.TargetResponse](t, rec)
	assert.Equal(t, int64(2), retargeted.Target.Version)

	// inbound utm parameters are ignored
	rec = app.do(t, http.MethodGet, "/r/menu?utm_source=spoofed", "", "", "User-Agent", chromeDesktop, "X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://example.com/v2?utm_source=newsletter", rec.Header().Get(echo.HeaderLocation))
	assert.Equal(t, "no-store", rec.Header().Get(echo.HeaderCacheControl))

	require.NoError(t, app.recorder.Close(context.Background()))

	scans, err := repo.NewScansRepo(app.conn).ListForLink(context.Background(), linkID)
	require.NoError(t, err)
	require.Len(t, scans, 1)
	assert.Equal(t, retargeted.Target.ID, scans[0].TargetID)
	assert.Equal(t, int64(2), scans[0].TargetVersion)
	assert.Equal(t, "203.0.113.5", scans[0].IP)
	assert.False(t, scans[0].IsPrefetch)

	rec = app.do(t, http.MethodGet, "/api/links/menu/targets", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[handler.ListTargetsResponse](t, rec)
	require.Len(t, history.Targets, 2)
	assert.Equal(t, "https://example.com/page", history.Targets[0].URL)
}

func TestArchiveKeepsHistory(t *testing.T) {
	app := newTestApp(t)

	rec := app.do(t, http.MethodPost, "/api/links", "alice", `{"name":"Menu","url":"https://example.com/page","slug":"menu"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	linkID := decode[handler.CreateLinkResponse](t, rec).Link.ID

	rec = app.do(t, http.MethodGet, "/r/menu", "", "", "User-Agent", chromeDesktop)
	require.Equal(t, http.StatusFound, rec.Code)
	require.NoError(t, app.recorder.Close(context.Background()))

	rec = app.do(t, http.MethodDelete, "/api/links/menu", "alice", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = app.do(t, http.MethodDelete, "/api/links/menu", "alice", "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = app.do(t, http.MethodGet, "/r/menu", "", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "link not found", decode[map[string]string](t, rec)["error"])

	assert.Equal(t, 1, countRows(t, app.conn, "targets", linkID))
	assert.Equal(t, 1, countRows(t, app.conn, "scans", linkID))

	rec = app.do(t, http.MethodGet, "/api/links", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[handler.ListLinksResponse](t, rec).Links)

	// archived slugs stay reserved
	rec = app.do(t, http.MethodPost, "/api/links", "alice", `{"name":"Again","url":"https://example.com","slug":"menu"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestOwnershipIsNotLeaked(t *testing.T) {
	app := newTestApp(t)

	rec := app.do(t, http.MethodPost, "/api/links", "alice", `{"name":"Menu","url":"https://example.com/page","slug":"menu"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	foreign := app.do(t, http.MethodGet, "/api/links/menu", "bob", "")
	missing := app.do(t, http.MethodGet, "/api/links/nothing-here", "bob", "")
	assert.Equal(t, http.StatusNotFound, foreign.Code)
	assert.Equal(t, missing.Code, foreign.Code)
	assert.Equal(t, missing.Body.String(), foreign.Body.String())

	rec = app.do(t, http.MethodPost, "/api/links/menu/targets", "bob", `{"url":"https://evil.example"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = app.do(t, http.MethodGet, "/links/menu/image", "bob", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequestValidation(t *testing.T) {
	app := newTestApp(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"unknown field", `{"name":"Menu","url":"https://example.com","owner":"mallory"}`, http.StatusBadRequest},
		{"malformed json", `{"name":`, http.StatusBadRequest},
		{"relative url", `{"name":"Menu","url":"/page"}`, http.StatusBadRequest},
		{"bad slug", `{"name":"Menu","url":"https://example.com","slug":"-menu"}`, http.StatusBadRequest},
		{"ok", `{"name":"` + gofakeit.Company() + `","url":"` + "https://example.com/" + gofakeit.Word() + `","tags":["Print"]}`, http.StatusCreated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := app.do(t, http.MethodPost, "/api/links", "alice", tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestUnauthorized(t *testing.T) {
	app := newTestApp(t)

	rec := app.do(t, http.MethodGet, "/api/links", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = app.do(t, http.MethodGet, "/links/menu/image", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get(echo.HeaderWWWAuthenticate), "Basic")
}

func TestLoginSetsSessionCookie(t *testing.T) {
	app := newTestApp(t)

	rec := app.do(t, http.MethodPost, "/login", "", `{"username":"alice","password":"wrong"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = app.do(t, http.MethodPost, "/login", "", `{"username":"alice","password":"secret"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)

	req := httptest.NewRequest(http.MethodGet, "/api/links", nil)
	req.AddCookie(cookies[0])
	list := httptest.NewRecorder()
	app.e.ServeHTTP(list, req)
	assert.Equal(t, http.StatusOK, list.Code)

	rec = app.do(t, http.MethodGet, "/logout", "", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestDesignUpdateAndImage(t *testing.T) {
	app := newTestApp(t)

	rec := app.do(t, http.MethodPost, "/api/links", "alice", `{"name":"Menu","url":"https://example.com/page","slug":"menu"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = app.do(t, http.MethodPatch, "/api/links/menu/design", "alice",
		`{"logo":"data:image/png;base64,iVBORw0KGgo=","logo_size":22,"error_correction":"high"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	link := decode[handler.LinkResponse](t, rec)
	assert.Equal(t, 22, link.Design.LogoSize)
	assert.Equal(t, "high", link.Design.ErrorCorrection)

	rec = app.do(t, http.MethodGet, "/links/menu/image?debug=1", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, render.ContentTypeSVG, rec.Header().Get(echo.HeaderContentType))
	assert.Contains(t, rec.Body.String(), `preserveAspectRatio="xMidYMid meet"`)
	assert.Contains(t, rec.Body.String(), "<text")

	rec = app.do(t, http.MethodPatch, "/api/links/menu/design", "alice", `{"format":"png"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = app.do(t, http.MethodGet, "/links/menu/image", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, render.ContentTypePNG, rec.Header().Get(echo.HeaderContentType))
}

func TestRenameAndRetag(t *testing.T) {
	app := newTestApp(t)

	for _, body := range []string{
		`{"name":"Menu","url":"https://example.com/page","slug":"menu"}`,
		`{"name":"Other","url":"https://example.com/other","slug":"other"}`,
	} {
		rec := app.do(t, http.MethodPost, "/api/links", "alice", body)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := app.do(t, http.MethodPatch, "/api/links/menu", "alice", `{"slug":"other"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = app.do(t, http.MethodPatch, "/api/links/menu", "alice", `{"slug":"lunch","tags":["Food"]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = app.do(t, http.MethodGet, "/r/menu", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = app.do(t, http.MethodGet, "/r/lunch", "", "")
	assert.Equal(t, http.StatusFound, rec.Code)

	rec = app.do(t, http.MethodGet, "/api/links?tag=food", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	links := decode[handler.ListLinksResponse](t, rec).Links
	require.Len(t, links, 1)
	assert.Equal(t, "lunch", links[0].Slug)
}

func TestStatsAndExport(t *testing.T) {
	app := newTestApp(t)

	rec := app.do(t, http.MethodPost, "/api/links", "alice", `{"name":"Menu","url":"https://example.com/page","slug":"menu","utm":{"campaign":"spring"}}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	app.do(t, http.MethodGet, "/r/menu", "", "", "User-Agent", chromeDesktop, "Referer", `=HYPERLINK("https://evil.example","x")`)
	app.do(t, http.MethodGet, "/r/menu", "", "", "User-Agent", "facebookexternalhit/1.1")
	require.NoError(t, app.recorder.Close(context.Background()))

	rec = app.do(t, http.MethodGet, "/api/links/menu/stats", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[internal.ScanReport](t, rec)
	assert.Equal(t, int64(1), report.Scans)
	assert.Equal(t, int64(1), report.Prefetches)
	assert.NotNil(t, report.FirstScannedAt)
	assert.Equal(t, []internal.Breakdown{{Key: "desktop", Count: 1}}, report.Devices)

	rec = app.do(t, http.MethodGet, "/api/links/menu/scans.csv", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get(echo.HeaderContentType), "text/csv")

	rows, err := csv.NewReader(rec.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "scanned_at", rows[0][0])
	assert.Equal(t, "spring", rows[1][16])

	referers := lo.Map(rows[1:], func(row []string, _ int) string { return row[13] })
	assert.Contains(t, referers, `'=HYPERLINK("https://evil.example","x")`)
}

func TestHealth(t *testing.T) {
	app := newTestApp(t)

	rec := app.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
