package render

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	uploadPrefix    = "upload:"
	maxLogoBytes    = 2 << 20
	DefaultLogoWait = 5 * time.Second
)

var (
	errBlockedAddress = errors.New("logo host resolves to a non-public address")
	errNotAnImage     = errors.New("logo is not an image")
)

// LogoResolver inlines logo references as data URIs so composed images are self-contained.
type LogoResolver struct {
	uploadDir string
	client    *http.Client
}

func NewLogoResolver(uploadDir string, timeout time.Duration) *LogoResolver {
	if timeout <= 0 {
		timeout = DefaultLogoWait
	}
	return &LogoResolver{
		uploadDir: uploadDir,
		client:    newLogoClient(timeout, publicOnly),
	}
}

func newLogoClient(timeout time.Duration, control func(network, address string, c syscall.RawConn) error) *http.Client {
	dialer := &net.Dialer{Timeout: timeout, Control: control}
	return &http.Client{
		Timeout: timeout,
		// no proxy: the dial check must see the logo host itself
		Transport: &http.Transport{
			DialContext:         dialer.DialContext,
			TLSHandshakeTimeout: timeout,
			MaxIdleConns:        4,
			IdleConnTimeout:     30 * time.Second,
		},
	}
}

// publicOnly refuses connections to loopback, private, link-local and other
// non-routable addresses. It runs on every dial, so redirects are checked too.
func publicOnly(_, address string, _ syscall.RawConn) error {
	addrPort, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("%w: %s", errBlockedAddress, address)
	}
	ip := addrPort.Addr().Unmap()
	if !ip.IsGlobalUnicast() || ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
		return fmt.Errorf("%w: %s", errBlockedAddress, ip)
	}
	return nil
}

// Resolve never fails: on any error the original reference is returned.
func (r *LogoResolver) Resolve(ctx context.Context, ref string) string {
	var (
		data        []byte
		contentType string
		err         error
	)

	switch {
	case ref == "", strings.HasPrefix(ref, "data:"):
		return ref
	case strings.HasPrefix(ref, uploadPrefix):
		data, contentType, err = r.readUpload(strings.TrimPrefix(ref, uploadPrefix))
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		data, contentType, err = r.fetch(ctx, ref)
	default:
		return ref
	}

	if err != nil {
		log.Warn().Err(err).Str("ref", ref).Msg("failed to resolve logo")
		return ref
	}

	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func (r *LogoResolver) readUpload(name string) ([]byte, string, error) {
	if r.uploadDir == "" {
		return nil, "", fmt.Errorf("no upload directory configured")
	}

	// uploads are flat; strip any path the reference tries to smuggle in
	path := filepath.Join(r.uploadDir, filepath.Base(name))
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open upload: %w", err)
	}
	defer f.Close()

	data, err := readLimited(f)
	if err != nil {
		return nil, "", err
	}
	contentType, ok := detectImageType(path, "", data)
	if !ok {
		return nil, "", errNotAnImage
	}
	return data, contentType, nil
}

func (r *LogoResolver) fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch logo: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("logo fetch returned status %d", resp.StatusCode)
	}

	data, err := readLimited(resp.Body)
	if err != nil {
		return nil, "", err
	}
	contentType, ok := detectImageType(req.URL.Path, resp.Header.Get("Content-Type"), data)
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", errNotAnImage, resp.Header.Get("Content-Type"))
	}
	return data, contentType, nil
}

func readLimited(rd io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(rd, maxLogoBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read logo: %w", err)
	}
	if len(data) > maxLogoBytes {
		return nil, fmt.Errorf("logo exceeds %d bytes", maxLogoBytes)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("logo is empty")
	}
	return data, nil
}

// detectImageType accepts data only when its bytes look like an image, whatever
// the declared type says.
func detectImageType(path, declared string, data []byte) (string, bool) {
	mediaType, _, err := mime.ParseMediaType(declared)
	if err != nil {
		mediaType = ""
	}

	// content sniffing reports svg as text/xml
	if (mediaType == "image/svg+xml" || strings.EqualFold(filepath.Ext(path), ".svg")) && looksLikeSVG(data) {
		return "image/svg+xml", true
	}

	sniffed := http.DetectContentType(data)
	if !strings.HasPrefix(sniffed, "image/") {
		return "", false
	}
	if strings.HasPrefix(mediaType, "image/") {
		return mediaType, true
	}
	return sniffed, true
}

func looksLikeSVG(data []byte) bool {
	head := strings.ToLower(string(data[:min(len(data), 1024)]))
	return strings.Contains(head, "<svg")
}
