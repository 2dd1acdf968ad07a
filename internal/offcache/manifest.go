package offcache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"gopkg.in/yaml.v3"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// DiscoverManifest walks the given sitemaps (and any sitemap indexes they
// reference) and returns the same-origin paths they list, in discovery
// order and without duplicates. Relative sitemap references are resolved
// against origin.
func DiscoverManifest(ctx context.Context, client *http.Client, origin string, sitemaps []string) ([]string, error) {
	base, err := parseHTTPURL(origin)
	if err != nil {
		return nil, fmt.Errorf("origin: %w", err)
	}

	seen := map[string]struct{}{}
	queue := make([]string, 0, len(sitemaps))
	for _, sm := range sitemaps {
		if sm = strings.TrimSpace(sm); sm != "" {
			queue = append(queue, resolveAgainst(base, sm))
		}
	}

	var paths []string
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seen[smURL]; ok {
			continue
		}
		seen[smURL] = struct{}{}

		doc, err := fetchSitemap(ctx, client, smURL)
		if err != nil {
			return nil, fmt.Errorf("fetch sitemap %q: %w", smURL, err)
		}
		for _, nested := range doc.Sitemaps {
			if nested != "" {
				queue = append(queue, resolveAgainst(base, nested))
			}
		}
		for _, loc := range doc.URLs {
			if p, ok := pathFromLoc(base, loc); ok {
				paths = append(paths, p)
			}
		}
	}
	return normalizeURLList(paths), nil
}

// WriteManifestYAML writes paths as a `precache:` config block.
func WriteManifestYAML(w io.Writer, paths []string) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(struct {
		Precache []string `yaml:"precache"`
	}{Precache: paths}); err != nil {
		return err
	}
	return enc.Close()
}

func resolveAgainst(base *url.URL, ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}

// pathFromLoc returns the path and query of loc if it belongs to base's
// origin.
func pathFromLoc(base *url.URL, loc string) (string, bool) {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return "", false
	}
	u, err := url.Parse(loc)
	if err != nil {
		return "", false
	}
	u = base.ResolveReference(u)
	if !sameOrigin(u, base) {
		return "", false
	}
	return u.RequestURI(), true
}

func fetchSitemap(ctx context.Context, client *http.Client, sitemapURL string) (sitemapDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return sitemapDoc{}, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return sitemapDoc{}, err
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return sitemapDoc{}, err
	}

	// A .gz sitemap may arrive already decompressed if the server also set
	// Content-Encoding, so go by the magic bytes too.
	tryGzip := strings.HasSuffix(strings.ToLower(sitemapURL), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b)
	if tryGzip {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			defer gz.Close()
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}
	return doc, nil
}
