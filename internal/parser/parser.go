package parser

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/PuerkitoBio/goquery"
)

// NewsItem is one entry of the news hub summary page.
type NewsItem struct {
	Title string
	Link  string
	Date  string
}

// HTML renders the item the way it is sent to a chat.
func (n NewsItem) HTML() string {
	return fmt.Sprintf("<b>%s</b>\n<a href='%s'>%s</a>",
		html.EscapeString(n.Date), html.EscapeString(n.Link), html.EscapeString(n.Title))
}

// ShuttleService is one campus shuttle bus service.
type ShuttleService struct {
	Name     string
	InfoURL  string // service detail page, absolute
	Info     string // HTML route description
	ImageURL string // route map, absolute; filled by LoadShuttleServices
}

var (
	// ErrNoNews indicates the page has no news summary block, usually
	// because the layout changed.
	ErrNoNews = errors.New("no news items found")
	// ErrNoServices indicates the transport page lists no shuttle routes.
	ErrNoServices = errors.New("no shuttle services found")
	ErrNoImage    = errors.New("no route image found")
)

// ParseNews returns up to n news items, newest first.
func ParseNews(content string, n int) ([]NewsItem, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %v", err)
	}

	cur := doc.Find("div.ntu_news_summary_title_first").First()
	if cur.Length() == 0 {
		return nil, ErrNoNews
	}

	items := make([]NewsItem, 0, n)
	for len(items) < n && cur.Length() > 0 {
		a := cur.Find("a").First()
		items = append(items, NewsItem{
			Title: titleCase(strings.TrimSpace(a.Text())),
			Link:  a.AttrOr("href", ""),
			Date:  strings.TrimSpace(cur.Next().Text()),
		})
		cur = cur.NextAllFiltered("div.ntu_news_summary_title").First()
	}
	return items, nil
}

// ParseShuttleServices reads the route list of the transport page.
// InfoURL is left as found in the page; ImageURL is not set.
func ParseShuttleServices(content string) ([]ShuttleService, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %v", err)
	}

	var services []ShuttleService
	doc.Find("span.route_label").Each(func(_ int, label *goquery.Selection) {
		name := strings.TrimSpace(label.Text())
		if name == "" {
			return
		}

		parent := label.Parent()
		subRoutes := parent.Find("strong")
		// Campus Rider lays out its two labels differently: the last
		// strong is not a sub-route header there.
		if parent.Find("span").Length() == 2 && subRoutes.Length() > 0 {
			subRoutes = subRoutes.Slice(0, subRoutes.Length()-1)
		}

		var route strings.Builder
		if subRoutes.Length() > 0 {
			subRoutes.Each(func(_ int, s *goquery.Selection) {
				route.WriteString("\n<b>" + html.EscapeString(strings.TrimSpace(s.Text())) + "</b>\n")
				route.WriteString(busStops(s))
			})
		} else {
			route.WriteString(busStops(label))
		}

		services = append(services, ShuttleService{
			Name:    name,
			InfoURL: label.NextAllFiltered("a").First().AttrOr("href", ""),
			Info:    fmt.Sprintf("<b>%s</b>\n\n<b>ROUTE</b>\n%s", html.EscapeString(strings.ToUpper(name)), route.String()),
		})
	})

	if len(services) == 0 {
		return nil, ErrNoServices
	}
	return services, nil
}

// ParseRouteImage returns the src of the route map on a service page.
func ParseRouteImage(content string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %v", err)
	}
	src, ok := doc.Find("div.img-caption img").First().Attr("src")
	if !ok || src == "" {
		return "", ErrNoImage
	}
	return src, nil
}

// busStops renders the first list following s as a numbered list,
// escaped for HTML messages.
func busStops(s *goquery.Selection) string {
	var lines []string
	nextList(s).Find("li").Each(func(i int, li *goquery.Selection) {
		lines = append(lines, strconv.Itoa(i+1)+". "+html.EscapeString(strings.TrimSpace(li.Text())))
	})
	return strings.Join(lines, "\n")
}

// nextList finds the first <ul> after s in document order.
func nextList(s *goquery.Selection) *goquery.Selection {
	if ul := s.Find("ul").First(); ul.Length() > 0 {
		return ul
	}
	for cur := s; cur.Length() > 0 && !cur.Is("body"); cur = cur.Parent() {
		for sib := cur.Next(); sib.Length() > 0; sib = sib.Next() {
			if sib.Is("ul") {
				return sib
			}
			if ul := sib.Find("ul").First(); ul.Length() > 0 {
				return ul
			}
		}
	}
	return &goquery.Selection{}
}

// titleCase upper-cases the first letter of every word and lower-cases
// the rest. Any non-letter starts a new word.
func titleCase(s string) string {
	var b strings.Builder
	prevLetter := false
	for _, r := range s {
		if prevLetter {
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteRune(unicode.ToTitle(r))
		}
		prevLetter = unicode.IsLetter(r)
	}
	return b.String()
}

// Fetcher downloads pages for the parsers.
type Fetcher struct {
	Client *http.Client
	Logger *slog.Logger
}

func NewFetcher(timeout time.Duration, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{Client: &http.Client{Timeout: timeout}, Logger: logger}
}

func (f *Fetcher) logger() *slog.Logger {
	if f.Logger == nil {
		return slog.Default()
	}
	return f.Logger
}

// Fetch returns the body of pageURL.
func (f *Fetcher) Fetch(ctx context.Context, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("User-Agent", "ntu-campusbot")

	hc := f.Client
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status code %d for %s", resp.StatusCode, pageURL)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read %s response body: %w", pageURL, err)
	}
	f.logger().Debug("fetched page", "url", pageURL, "bytes", len(body))
	return string(body), nil
}

// FetchNews fetches the news hub page and parses n items from it.
func (f *Fetcher) FetchNews(ctx context.Context, pageURL string, n int) ([]NewsItem, error) {
	content, err := f.Fetch(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	return ParseNews(content, n)
}

// LoadShuttleServices fetches the transport page and every service page
// it links to. A service whose detail page cannot be read is kept
// without an image.
func (f *Fetcher) LoadShuttleServices(ctx context.Context, pageURL string) ([]ShuttleService, error) {
	content, err := f.Fetch(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	services, err := ParseShuttleServices(content)
	if err != nil {
		return nil, err
	}

	for i := range services {
		svc := &services[i]
		if svc.InfoURL == "" {
			continue
		}
		svc.InfoURL = resolve(pageURL, svc.InfoURL)
		page, err := f.Fetch(ctx, svc.InfoURL)
		if err != nil {
			f.logger().Warn("failed to fetch shuttle service page", "service", svc.Name, "err", err)
			continue
		}
		src, err := ParseRouteImage(page)
		if err != nil {
			f.logger().Warn("no route image", "service", svc.Name, "err", err)
			continue
		}
		svc.ImageURL = resolve(svc.InfoURL, src)
	}
	return services, nil
}

func resolve(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}
