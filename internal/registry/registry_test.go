package registry_test

import (
	"context"
	"sync"
	"testing"

	"github.com/abdusco/qrlinked/internal"
	"github.com/abdusco/qrlinked/internal/db/dbtest"
	"github.com/abdusco/qrlinked/internal/registry"
	"github.com/abdusco/qrlinked/internal/repo"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type spyInvalidator struct {
	mu    sync.Mutex
	slugs []string
}

func (s *spyInvalidator) Invalidate(_ context.Context, slugs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slugs = append(s.slugs, slugs...)
}

func newRegistry(t *testing.T) (*registry.Registry, *repo.LinksRepo, *spyInvalidator) {
	t.Helper()
	conn := dbtest.Open(t)
	links := repo.NewLinksRepo(conn)
	spy := &spyInvalidator{}
	return registry.New(links, repo.NewScansRepo(conn), spy), links, spy
}

func TestRegistry_CreateGeneratesSlug(t *testing.T) {
	reg, links, _ := newRegistry(t)
	ctx := context.Background()

	link, target, err := reg.Create(ctx, "alice", registry.CreateInput{
		Name: gofakeit.Company(),
		URL:  "https://example.com/menu",
	})
	require.NoError(t, err)

	assert.Len(t, link.Slug, 7)
	assert.Equal(t, int64(1), target.Version)
	assert.Equal(t, target.ID, link.CurrentTargetID)
	assert.Equal(t, registry.DefaultDesign(), link.Design)
	assert.Empty(t, link.Tags)

	res, err := links.Resolve(ctx, link.Slug)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/menu", res.Target.URL)
}

func TestRegistry_CreateNormalizesInput(t *testing.T) {
	reg, _, _ := newRegistry(t)

	link, target, err := reg.Create(context.Background(), "alice", registry.CreateInput{
		Name:   "  Spring menu ",
		URL:    "https://example.com",
		Slug:   "spring-menu",
		Tags:   []string{"Print", "print", " menu ", ""},
		UTM:    &internal.UTM{Source: " flyer "},
		Design: &internal.Design{Foreground: "#112233", LogoSize: 90},
	})
	require.NoError(t, err)

	assert.Equal(t, "Spring menu", link.Name)
	assert.Equal(t, "spring-menu", link.Slug)
	assert.Equal(t, []string{"menu", "print"}, link.Tags)
	assert.Equal(t, "#112233", link.Design.Foreground)
	assert.Equal(t, "#ffffff", link.Design.Background)
	assert.Equal(t, registry.MaxLogoSize, link.Design.LogoSize)
	require.NotNil(t, target.UTM)
	assert.Equal(t, "flyer", target.UTM.Source)
}

func TestRegistry_CreateRejectsInvalidInput(t *testing.T) {
	reg, _, _ := newRegistry(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		input registry.CreateInput
		field string
	}{
		{"missing name", registry.CreateInput{URL: "https://example.com"}, "name"},
		{"relative url", registry.CreateInput{Name: "x", URL: "/menu"}, "url"},
		{"ftp url", registry.CreateInput{Name: "x", URL: "ftp://example.com"}, "url"},
		{"short slug", registry.CreateInput{Name: "x", URL: "https://example.com", Slug: "ab"}, "slug"},
		{"slug with spaces", registry.CreateInput{Name: "x", URL: "https://example.com", Slug: "a b c"}, "slug"},
		{"bad color", registry.CreateInput{Name: "x", URL: "https://example.com", Design: &internal.Design{Foreground: "black"}}, "design.foreground"},
		{"bad logo", registry.CreateInput{Name: "x", URL: "https://example.com", Design: &internal.Design{Logo: "javascript:alert(1)"}}, "design.logo"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := reg.Create(ctx, "alice", tt.input)
			require.ErrorIs(t, err, internal.ErrValidation)

			var verr *internal.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestRegistry_CreateCustomSlugTaken(t *testing.T) {
	reg, _, _ := newRegistry(t)
	ctx := context.Background()

	_, _, err := reg.Create(ctx, "alice", registry.CreateInput{Name: "a", URL: "https://example.com", Slug: "menu"})
	require.NoError(t, err)

	_, _, err = reg.Create(ctx, "bob", registry.CreateInput{Name: "b", URL: "https://example.com", Slug: "menu"})
	require.ErrorIs(t, err, internal.ErrSlugExists)
}

func TestRegistry_ListFiltersByTag(t *testing.T) {
	reg, _, _ := newRegistry(t)
	ctx := context.Background()

	for _, in := range []registry.CreateInput{
		{Name: "a", URL: "https://example.com/a", Slug: "aaa", Tags: []string{"print"}},
		{Name: "b", URL: "https://example.com/b", Slug: "bbb", Tags: []string{"web"}},
		{Name: "c", URL: "https://example.com/c", Slug: "ccc", Tags: []string{"print", "web"}},
	} {
		_, _, err := reg.Create(ctx, "alice", in)
		require.NoError(t, err)
	}
	_, _, err := reg.Create(ctx, "bob", registry.CreateInput{Name: "d", URL: "https://example.com/d", Slug: "ddd", Tags: []string{"print"}})
	require.NoError(t, err)

	all, err := reg.List(ctx, "alice", "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	printed, err := reg.List(ctx, "alice", "PRINT")
	require.NoError(t, err)
	slugs := make([]string, 0, len(printed))
	for _, l := range printed {
		slugs = append(slugs, l.Slug)
		require.NotNil(t, l.Stats)
	}
	assert.ElementsMatch(t, []string{"aaa", "ccc"}, slugs)
}

func TestRegistry_UpdateDesignPatchesSetFields(t *testing.T) {
	reg, _, _ := newRegistry(t)
	ctx := context.Background()

	_, _, err := reg.Create(ctx, "alice", registry.CreateInput{Name: "a", URL: "https://example.com", Slug: "menu"})
	require.NoError(t, err)

	bg := "#fafafa"
	size := 3
	border := true
	link, err := reg.UpdateDesign(ctx, "alice", "menu", registry.DesignPatch{
		Background: &bg,
		LogoSize:   &size,
		LogoBorder: &border,
	})
	require.NoError(t, err)
	assert.Equal(t, "#000000", link.Design.Foreground)
	assert.Equal(t, "#fafafa", link.Design.Background)
	assert.Equal(t, registry.MinLogoSize, link.Design.LogoSize)
	assert.True(t, link.Design.LogoBorder)

	got, err := reg.Get(ctx, "alice", "menu")
	require.NoError(t, err)
	assert.Equal(t, link.Design, got.Design)

	format := "gif"
	_, err = reg.UpdateDesign(ctx, "alice", "menu", registry.DesignPatch{Format: &format})
	require.ErrorIs(t, err, internal.ErrValidation)

	_, err = reg.UpdateDesign(ctx, "bob", "menu", registry.DesignPatch{Background: &bg})
	require.ErrorIs(t, err, internal.ErrNotFound)
}

func TestRegistry_RenameInvalidatesOldSlug(t *testing.T) {
	reg, links, spy := newRegistry(t)
	ctx := context.Background()

	_, _, err := reg.Create(ctx, "alice", registry.CreateInput{Name: "a", URL: "https://example.com", Slug: "menu"})
	require.NoError(t, err)

	newSlug := "lunch-menu"
	tags := []string{"Food"}
	link, err := reg.Update(ctx, "alice", "menu", registry.LinkPatch{Slug: &newSlug, Tags: &tags})
	require.NoError(t, err)
	assert.Equal(t, "lunch-menu", link.Slug)
	assert.Equal(t, []string{"food"}, link.Tags)
	assert.Contains(t, spy.slugs, "menu")

	_, err = links.Resolve(ctx, "menu")
	require.ErrorIs(t, err, internal.ErrNotFound)
	_, err = links.Resolve(ctx, "lunch-menu")
	require.NoError(t, err)
}

func TestRegistry_ArchiveInvalidates(t *testing.T) {
	reg, links, spy := newRegistry(t)
	ctx := context.Background()

	_, _, err := reg.Create(ctx, "alice", registry.CreateInput{Name: "a", URL: "https://example.com", Slug: "menu"})
	require.NoError(t, err)

	require.NoError(t, reg.Archive(ctx, "alice", "menu"))
	require.NoError(t, reg.Archive(ctx, "alice", "menu"))
	assert.Equal(t, []string{"menu", "menu"}, spy.slugs)

	_, err = links.Resolve(ctx, "menu")
	require.ErrorIs(t, err, internal.ErrNotFound)

	_, err = reg.Get(ctx, "alice", "menu")
	require.ErrorIs(t, err, internal.ErrNotFound)

	require.ErrorIs(t, reg.Archive(ctx, "bob", "menu"), internal.ErrNotFound)
}

func TestRegistry_ReportOnFreshLink(t *testing.T) {
	reg, _, _ := newRegistry(t)
	ctx := context.Background()

	_, _, err := reg.Create(ctx, "alice", registry.CreateInput{Name: "a", URL: "https://example.com", Slug: "menu"})
	require.NoError(t, err)

	report, err := reg.Report(ctx, "alice", "menu")
	require.NoError(t, err)
	assert.Zero(t, report.Scans)
	assert.Nil(t, report.FirstScannedAt)
	assert.Empty(t, report.Devices)

	scans, err := reg.Scans(ctx, "alice", "menu")
	require.NoError(t, err)
	assert.Empty(t, scans)
}
