package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const maxHeadlines = 20

// NewsFetcher scrapes recent headlines mentioning the subject from an HTML
// news index page.
type NewsFetcher struct {
	Endpoint string
	Client   *http.Client
}

// NewNewsFetcher builds a NewsFetcher with a bounded default client.
func NewNewsFetcher(endpoint string, timeout time.Duration) *NewsFetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &NewsFetcher{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: timeout},
	}
}

// Fetch pulls the news page for the subject and extracts headline links.
func (f *NewsFetcher) Fetch(ctx context.Context, subject string) (map[string]interface{}, error) {
	params := url.Values{}
	params.Add("q", subject)

	reqURL := fmt.Sprintf("%s?%s", f.Endpoint, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build news request: %w", err)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch news page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("news endpoint returned %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse news page: %w", err)
	}

	headlines := extractHeadlines(doc)
	return map[string]interface{}{
		"headlines":      headlines,
		"headline_count": len(headlines),
	}, nil
}

func extractHeadlines(doc *goquery.Document) []map[string]string {
	var headlines []map[string]string
	doc.Find("article a, h2 a, h3 a").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		title := strings.TrimSpace(sel.Text())
		if title == "" {
			return true
		}
		item := map[string]string{"title": title}
		if href, ok := sel.Attr("href"); ok {
			item["url"] = href
		}
		headlines = append(headlines, item)
		return len(headlines) < maxHeadlines
	})
	return headlines
}
