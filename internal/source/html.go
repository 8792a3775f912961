package source

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/linnemanlabs/sentinel/internal/news"
)

const (
	defaultTimeout   = 20 * time.Second
	defaultUserAgent = "Mozilla/5.0 (compatible; SentinelBot/1.0)"
)

// HTML scrapes a listing page with CSS selectors.
type HTML struct {
	spec   Spec
	base   *url.URL
	loc    *time.Location
	client *http.Client
	now    func() time.Time
}

// NewHTML validates spec and returns a scraper.
func NewHTML(spec Spec, client *http.Client) (*HTML, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	base, err := url.Parse(spec.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	loc := time.Local
	if spec.Timezone != "" {
		loc, _ = time.LoadLocation(spec.Timezone) // checked by Validate
	}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &HTML{spec: spec, base: base, loc: loc, client: client, now: time.Now}, nil
}

// Name implements news.Source.
func (h *HTML) Name() string { return h.spec.Name }

// Fetch implements news.Source.
func (h *HTML) Fetch(ctx context.Context) ([]news.RawItem, error) {
	doc, err := h.fetchDocument(ctx)
	if err != nil {
		return nil, err
	}
	return h.extract(doc), nil
}

func (h *HTML) fetchDocument(ctx context.Context) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.spec.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	ua := h.spec.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	req.Header.Set("User-Agent", ua)

	resp, err := h.client.Do(req) //nolint:gosec // G704: URL is from trusted config
	if err != nil {
		return nil, fmt.Errorf("request document: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned %s", h.spec.Name, resp.Status)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return doc, nil
}

func (h *HTML) extract(doc *goquery.Document) []news.RawItem {
	var items []news.RawItem
	doc.Find(h.spec.Item).Each(func(_ int, sel *goquery.Selection) {
		title := cleanText(sel.Find(h.spec.Title).First().Text())
		if title == "" {
			return
		}

		var body string
		if h.spec.Body != "" {
			body = cleanText(sel.Find(h.spec.Body).First().Text())
		}

		link := h.resolveLink(sel)
		published, known := h.publishedAt(sel)

		id := Fingerprint(title, published)
		if !known {
			id = Fingerprint(title+"|"+link, time.Time{})
			published = h.now()
		}

		items = append(items, news.RawItem{
			Source:      h.spec.Name,
			Identifier:  id,
			Title:       title,
			Body:        body,
			URL:         link,
			PublishedAt: published,
		})
	})
	return items
}

func (h *HTML) resolveLink(sel *goquery.Selection) string {
	var a *goquery.Selection
	switch {
	case h.spec.Link != "":
		a = sel.Find(h.spec.Link).First()
	case goquery.NodeName(sel) == "a":
		a = sel
	default:
		a = sel.Find("a[href]").First()
	}
	href, ok := a.Attr("href")
	if !ok || strings.TrimSpace(href) == "" {
		return ""
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return ""
	}
	return h.base.ResolveReference(ref).String()
}

func (h *HTML) publishedAt(sel *goquery.Selection) (time.Time, bool) {
	if h.spec.Time == "" {
		return time.Time{}, false
	}
	node := sel.Find(h.spec.Time).First()
	raw := node.Text()
	if h.spec.TimeAttr != "" {
		raw, _ = node.Attr(h.spec.TimeAttr)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(h.spec.TimeLayout, raw, h.loc)
	if err != nil {
		return time.Time{}, false
	}
	// clock-only layouts (e.g. "15:04") are taken as today
	if t.Year() == 0 {
		now := h.now().In(h.loc)
		t = time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), t.Second(), 0, h.loc)
	}
	return t, true
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
