package handler

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/abdusco/qrlinked/internal"
	"github.com/abdusco/qrlinked/internal/auth"
	"github.com/abdusco/qrlinked/internal/ledger"
	"github.com/abdusco/qrlinked/internal/registry"
	"github.com/abdusco/qrlinked/internal/render"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

type LinkHandler struct {
	registry *registry.Registry
	ledger   *ledger.Ledger
	renderer *render.Service
}

func NewLinkHandler(reg *registry.Registry, led *ledger.Ledger, renderer *render.Service) *LinkHandler {
	return &LinkHandler{
		registry: reg,
		ledger:   led,
		renderer: renderer,
	}
}

type CreateLinkRequest struct {
	Name   string           `json:"name"`
	URL    string           `json:"url"`
	Slug   string           `json:"slug"`
	Design *internal.Design `json:"design"`
	UTM    *internal.UTM    `json:"utm"`
	Tags   []string         `json:"tags"`
}

type UpdateLinkRequest struct {
	Name *string   `json:"name"`
	Slug *string   `json:"slug"`
	Tags *[]string `json:"tags"`
}

type UpdateDesignRequest struct {
	Foreground      *string `json:"foreground"`
	Background      *string `json:"background"`
	ErrorCorrection *string `json:"error_correction"`
	Format          *string `json:"format"`
	Logo            *string `json:"logo"`
	LogoSize        *int    `json:"logo_size"`
	LogoBorder      *bool   `json:"logo_border"`
}

type RetargetRequest struct {
	URL string        `json:"url"`
	UTM *internal.UTM `json:"utm"`
}

type LinkResponse struct {
	*internal.Link
	ShortURL string `json:"short_url"`
	ImageURL string `json:"image_url"`
}

// API Response wrappers
type CreateLinkResponse struct {
	Link   LinkResponse     `json:"link"`
	Target *internal.Target `json:"target"`
}

type ListLinksResponse struct {
	Links []LinkResponse `json:"links"`
}

type TargetResponse struct {
	Target *internal.Target `json:"target"`
}

type ListTargetsResponse struct {
	Targets []internal.Target `json:"targets"`
}

func (h *LinkHandler) toResponse(link *internal.Link) LinkResponse {
	return LinkResponse{
		Link:     link,
		ShortURL: h.renderer.ShortURL(link.Slug),
		ImageURL: "/links/" + link.Slug + "/image",
	}
}

func (h *LinkHandler) CreateLink(c echo.Context) error {
	owner, err := auth.CurrentOwner(c)
	if err != nil {
		return err
	}

	var req CreateLinkRequest
	if err := bindStrict(c, &req); err != nil {
		return err
	}

	link, target, err := h.registry.Create(c.Request().Context(), owner, registry.CreateInput{
		Name:   req.Name,
		URL:    req.URL,
		Slug:   req.Slug,
		Design: req.Design,
		UTM:    req.UTM,
		Tags:   req.Tags,
	})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, CreateLinkResponse{Link: h.toResponse(link), Target: target})
}

func (h *LinkHandler) ListLinks(c echo.Context) error {
	owner, err := auth.CurrentOwner(c)
	if err != nil {
		return err
	}

	links, err := h.registry.List(c.Request().Context(), owner, c.QueryParam("tag"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, ListLinksResponse{
		Links: lo.Map(links, func(link *internal.Link, _ int) LinkResponse {
			return h.toResponse(link)
		}),
	})
}

func (h *LinkHandler) GetLink(c echo.Context) error {
	owner, err := auth.CurrentOwner(c)
	if err != nil {
		return err
	}

	link, err := h.registry.Get(c.Request().Context(), owner, c.Param("slug"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.toResponse(link))
}

func (h *LinkHandler) UpdateLink(c echo.Context) error {
	owner, err := auth.CurrentOwner(c)
	if err != nil {
		return err
	}

	var req UpdateLinkRequest
	if err := bindStrict(c, &req); err != nil {
		return err
	}

	link, err := h.registry.Update(c.Request().Context(), owner, c.Param("slug"), registry.LinkPatch{
		Name: req.Name,
		Slug: req.Slug,
		Tags: req.Tags,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.toResponse(link))
}

func (h *LinkHandler) UpdateDesign(c echo.Context) error {
	owner, err := auth.CurrentOwner(c)
	if err != nil {
		return err
	}

	var req UpdateDesignRequest
	if err := bindStrict(c, &req); err != nil {
		return err
	}

	link, err := h.registry.UpdateDesign(c.Request().Context(), owner, c.Param("slug"), registry.DesignPatch(req))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.toResponse(link))
}

func (h *LinkHandler) ArchiveLink(c echo.Context) error {
	owner, err := auth.CurrentOwner(c)
	if err != nil {
		return err
	}

	if err := h.registry.Archive(c.Request().Context(), owner, c.Param("slug")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *LinkHandler) Retarget(c echo.Context) error {
	owner, err := auth.CurrentOwner(c)
	if err != nil {
		return err
	}

	var req RetargetRequest
	if err := bindStrict(c, &req); err != nil {
		return err
	}

	target, err := h.ledger.Retarget(c.Request().Context(), owner, c.Param("slug"), req.URL, req.UTM)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, TargetResponse{Target: target})
}

func (h *LinkHandler) ListTargets(c echo.Context) error {
	owner, err := auth.CurrentOwner(c)
	if err != nil {
		return err
	}

	targets, err := h.ledger.History(c.Request().Context(), owner, c.Param("slug"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ListTargetsResponse{Targets: targets})
}

func (h *LinkHandler) Stats(c echo.Context) error {
	owner, err := auth.CurrentOwner(c)
	if err != nil {
		return err
	}

	report, err := h.registry.Report(c.Request().Context(), owner, c.Param("slug"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}

var scanCSVHeader = []string{
	"scanned_at", "target_version", "is_prefetch", "ip", "device", "os", "browser",
	"country", "region", "city", "lat", "lon", "language", "referer",
	"utm_source", "utm_medium", "utm_campaign", "user_agent",
}

// ExportScans streams the scan log of a link as CSV.
func (h *LinkHandler) ExportScans(c echo.Context) error {
	owner, err := auth.CurrentOwner(c)
	if err != nil {
		return err
	}
	slug := c.Param("slug")

	scans, err := h.registry.Scans(c.Request().Context(), owner, slug)
	if err != nil {
		return err
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/csv; charset=utf-8")
	res.Header().Set(echo.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="%s-scans.csv"`, slug))
	res.WriteHeader(http.StatusOK)

	w := csv.NewWriter(res)
	if err := w.Write(scanCSVHeader); err != nil {
		return err
	}
	for _, s := range scans {
		utm := lo.FromPtr(s.UTM)
		record := []string{
			s.ScannedAt.UTC().Format(time.RFC3339),
			strconv.FormatInt(s.TargetVersion, 10),
			strconv.FormatBool(s.IsPrefetch),
			s.IP, csvCell(s.Device), csvCell(s.OS), csvCell(s.Browser),
			csvCell(s.Country), csvCell(s.Region), csvCell(s.City),
			formatCoord(s.Lat), formatCoord(s.Lon),
			csvCell(s.Language), csvCell(s.Referer),
			csvCell(utm.Source), csvCell(utm.Medium), csvCell(utm.Campaign),
			csvCell(s.UserAgent),
		}
		if err := w.Write(record); err != nil {
			log.Warn().Err(err).Str("slug", slug).Msg("scan export interrupted")
			return nil
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		log.Warn().Err(err).Str("slug", slug).Msg("scan export interrupted")
	}
	return nil
}

// csvCell quotes text that a spreadsheet would otherwise evaluate as a formula.
func csvCell(v string) string {
	if v != "" && strings.ContainsRune("=+-@\t\r", rune(v[0])) {
		return "'" + v
	}
	return v
}

func formatCoord(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', 6, 64)
}

// Image renders the link's QR code. ?debug=1 draws the logo placement wireframe.
func (h *LinkHandler) Image(c echo.Context) error {
	owner, err := auth.CurrentOwner(c)
	if err != nil {
		return err
	}

	debug, _ := strconv.ParseBool(c.QueryParam("debug"))
	contentType, body, err := h.renderer.Render(c.Request().Context(), owner, c.Param("slug"), debug)
	if err != nil {
		return err
	}

	c.Response().Header().Set(echo.HeaderCacheControl, "no-store")
	return c.Blob(http.StatusOK, contentType, body)
}
