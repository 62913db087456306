// Package feed watches an account's public timeline and reports new posts.
package feed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
)

// Event is one post from the followed account.
type Event struct {
	ID        string
	Author    string
	Text      string
	Link      string
	Published time.Time
	Repost    bool
}

// Key identifies the post across polls: its ID, else its link, else a
// digest of author and text.
func (ev Event) Key() string {
	switch {
	case ev.ID != "":
		return ev.ID
	case ev.Link != "":
		return ev.Link
	}
	sum := sha256.Sum256([]byte(ev.Author + "\x00" + ev.Text))
	return "sha256:" + hex.EncodeToString(sum[:12])
}

// Source yields the posts currently visible on the timeline.
type Source interface {
	Poll(ctx context.Context) ([]Event, error)
}

// ErrNotModified is returned when the timeline has not changed since the
// previous poll.
var ErrNotModified = errors.New("feed not modified")

// StatusError is a non-200, non-304 answer from the feed server.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("want 200, got %d: %s", e.StatusCode, e.Body)
}

// RSSSource polls an RSS or Atom rendering of an account timeline,
// e.g. an RSS bridge URL.
type RSSSource struct {
	URL     string
	Account string // handle of the followed account, without "@"
	Client  *http.Client

	mu           sync.Mutex
	etag         string
	lastModified string
	fp           *gofeed.Parser
}

func NewRSSSource(url, account string) *RSSSource {
	return &RSSSource{
		URL:     url,
		Account: strings.TrimPrefix(account, "@"),
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *RSSSource) Poll(ctx context.Context) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "ntu-campusbot")
	if s.etag != "" {
		req.Header.Set("If-None-Match", s.etag)
	}
	if s.lastModified != "" {
		req.Header.Set("If-Modified-Since", s.lastModified)
	}

	hc := s.Client
	if hc == nil {
		hc = http.DefaultClient
	}
	res, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotModified {
		return nil, ErrNotModified
	}
	if res.StatusCode != http.StatusOK {
		const readLimit = 16384
		body, _ := io.ReadAll(io.LimitReader(res.Body, readLimit))
		return nil, &StatusError{StatusCode: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if s.fp == nil {
		s.fp = gofeed.NewParser()
	}
	f, err := s.fp.Parse(res.Body)
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	s.etag = res.Header.Get("ETag")
	if lm := res.Header.Get("Last-Modified"); lm != "" {
		s.lastModified = lm
	}

	events := make([]Event, 0, len(f.Items))
	for _, it := range f.Items {
		events = append(events, s.event(it))
	}
	return events, nil
}

func (s *RSSSource) event(it *gofeed.Item) Event {
	ev := Event{
		ID:   it.GUID,
		Link: it.Link,
		Text: strings.TrimSpace(it.Title),
	}
	if ev.ID == "" {
		ev.ID = it.Link
	}
	if ev.Text == "" {
		ev.Text = plainText(it.Description)
	}
	switch {
	case it.PublishedParsed != nil:
		ev.Published = *it.PublishedParsed
	case it.UpdatedParsed != nil:
		ev.Published = *it.UpdatedParsed
	}
	ev.Author = itemAuthor(it)
	if ev.Author == "" {
		ev.Author = s.Account
	}
	ev.Repost = IsRepost(ev, s.Account)
	return ev
}

// IsRepost reports whether ev shares someone else's post rather than
// being authored by account.
func IsRepost(ev Event, account string) bool {
	for _, p := range []string{"RT @", "RT by"} {
		if strings.HasPrefix(ev.Text, p) {
			return true
		}
	}
	account = strings.TrimPrefix(account, "@")
	return ev.Author != "" && account != "" && !strings.EqualFold(ev.Author, account)
}

// itemAuthor returns the author handle without "@". Handles such as
// "@NTUsg" do not survive gofeed's name/address parsing, so the raw
// dc:creator value is preferred.
func itemAuthor(it *gofeed.Item) string {
	var raw string
	if it.DublinCoreExt != nil && len(it.DublinCoreExt.Creator) > 0 {
		raw = it.DublinCoreExt.Creator[0]
	}
	for _, p := range it.Authors {
		if raw != "" {
			break
		}
		if p != nil {
			raw = p.Name
		}
	}
	return strings.TrimPrefix(strings.TrimSpace(raw), "@")
}

func plainText(html string) string {
	if html == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return strings.TrimSpace(html)
	}
	return strings.TrimSpace(doc.Text())
}
