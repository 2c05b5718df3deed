// Package scrape implements ports.Scraper over a plain HTTP GET + HTML text
// extraction, generalized from the original internal/tools.FetchTool (same
// golang.org/x/net/html walk) onto the {url, title, content} contract §6
// names instead of a single flattened tool-result string.
package scrape

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"

	"deepresearch/internal/ports"
)

// HTTPScraper fetches a page and extracts its readable text.
type HTTPScraper struct {
	httpClient *http.Client
}

// NewHTTPScraper builds an HTTPScraper with the given timeout (§5: scraper
// default 30s).
func NewHTTPScraper(timeout time.Duration) *HTTPScraper {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPScraper{httpClient: &http.Client{Timeout: timeout}}
}

// Scrape implements ports.Scraper.
func (s *HTTPScraper) Scrape(ctx context.Context, rawURL string) (*ports.ScrapeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("scrape: build request for %s: %w", rawURL, err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; DeepResearchBot/1.0)")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("scrape: fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("scrape: %s returned %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("scrape: read body for %s: %w", rawURL, err)
	}

	raw := string(body)
	title, links := extractTitleAndLinks(raw)
	text := extractText(raw)
	if len(text) > 10000 {
		text = text[:10000] + "\n...[truncated]"
	}

	return &ports.ScrapeResult{URL: rawURL, Title: title, Content: text, Links: links}, nil
}

var _ ports.Scraper = (*HTTPScraper)(nil)

func extractTitleAndLinks(rawHTML string) (string, []string) {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return "", nil
	}

	var title string
	var links []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "title":
				if n.FirstChild != nil {
					title = strings.TrimSpace(n.FirstChild.Data)
				}
			case "a":
				for _, attr := range n.Attr {
					if attr.Key == "href" && strings.HasPrefix(attr.Val, "http") {
						links = append(links, attr.Val)
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return title, links
}

func extractText(rawHTML string) string {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		re := regexp.MustCompile(`<[^>]*>`)
		return cleanWhitespace(re.ReplaceAllString(rawHTML, ""))
	}

	var text strings.Builder
	var extract func(*html.Node)
	extract = func(n *html.Node) {
		if n.Type == html.TextNode {
			text.WriteString(n.Data)
			text.WriteString(" ")
		}
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style" || n.Data == "noscript") {
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			extract(c)
		}
	}
	extract(doc)

	return cleanWhitespace(text.String())
}

func cleanWhitespace(s string) string {
	re := regexp.MustCompile(`\s+`)
	return strings.TrimSpace(re.ReplaceAllString(s, " "))
}
