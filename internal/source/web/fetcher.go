package web

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	apperrors "github.com/actor-graph/backend/pkg/errors"
)

const userAgent = "actor-graph-fetcher/1.0"

// Page is a fetched remote document.
type Page struct {
	URL         string
	Title       string
	Body        string
	ContentType string
}

type Fetcher struct {
	httpClient *http.Client
	maxBytes   int64
	log        *zap.Logger
}

func NewFetcher(timeout time.Duration, maxBytes int64, log *zap.Logger) *Fetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if maxBytes <= 0 {
		maxBytes = 10 * 1024 * 1024
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Fetcher{
		httpClient: &http.Client{Timeout: timeout},
		maxBytes:   maxBytes,
		log:        log,
	}
}

// IsRemote reports whether ref is an http(s) URL the fetcher can load.
func IsRemote(ref string) bool {
	u, err := url.Parse(ref)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Fetch downloads ref. Bodies beyond the size limit are cut off. Content types other
// than HTML, markdown and plain text are rejected.
func (f *Fetcher) Fetch(ctx context.Context, ref string) (*Page, error) {
	if !IsRemote(ref) {
		return nil, apperrors.NewValidation("source_ref", "not an http(s) url")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, apperrors.NewValidation("source_ref", err.Error())
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html, text/markdown, text/plain;q=0.9")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.NewSourceUnavailable(ref, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apperrors.NewSourceUnavailable(ref, fmt.Errorf("status %d", resp.StatusCode))
	}

	kind, err := contentKind(resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, apperrors.NewValidation("source_ref", err.Error())
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return nil, apperrors.NewSourceUnavailable(ref, err)
	}

	page := &Page{URL: ref, Body: string(raw), ContentType: kind}
	if kind == "html" {
		page.Title = htmlTitle(page.Body)
	}

	f.log.Info("Fetched remote document",
		zap.String("url", ref),
		zap.String("content_type", kind),
		zap.Int("bytes", len(raw)))
	return page, nil
}

// contentKind maps a Content-Type header to the content types documents accept.
func contentKind(header string) (string, error) {
	if header == "" {
		return "", nil
	}
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil {
		return "", fmt.Errorf("bad content type %q", header)
	}
	switch {
	case mediaType == "text/html" || mediaType == "application/xhtml+xml":
		return "html", nil
	case mediaType == "text/markdown":
		return "markdown", nil
	case strings.HasPrefix(mediaType, "text/"):
		return "text", nil
	}
	return "", fmt.Errorf("unsupported content type %q", mediaType)
}

func htmlTitle(body string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return ""
	}
	if t := strings.TrimSpace(doc.Find("title").First().Text()); t != "" {
		return t
	}
	return strings.TrimSpace(doc.Find("h1").First().Text())
}
