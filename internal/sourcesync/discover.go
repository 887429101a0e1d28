package sourcesync

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Discover fetches the HTML page at indexURL and returns the absolute URLs of
// its links to .json files, in document order and without duplicates.
//
// Only http(s) links on the index page's host are kept; fragments are
// dropped.
func Discover(ctx context.Context, client *http.Client, indexURL string) ([]string, error) {
	base, err := url.Parse(indexURL)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("discover: bad index url %q", indexURL)
	}

	body, err := Open(ctx, client, indexURL)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, fmt.Errorf("discover: parse %s: %w", indexURL, err)
	}
	return jsonLinks(doc, base), nil
}

func jsonLinks(doc *goquery.Document, base *url.URL) []string {
	seen := map[string]struct{}{}
	var out []string
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		abs, ok := resolveSameHost(base, strings.TrimSpace(href))
		if !ok {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		out = append(out, abs)
	})
	return out
}

// resolveSameHost resolves href against base and keeps it only when it is an
// http(s) URL on base's host whose path ends in .json.
func resolveSameHost(base *url.URL, href string) (string, bool) {
	if href == "" {
		return "", false
	}
	u, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	resolved := base.ResolveReference(u)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return "", false
	}
	if resolved.Host != base.Host {
		return "", false
	}
	if !strings.EqualFold(path.Ext(resolved.Path), ".json") {
		return "", false
	}
	resolved.Fragment = ""
	return resolved.String(), true
}
