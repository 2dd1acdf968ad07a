package offcache

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// effectiveURL returns the absolute URL a request was sent to. Requests in
// origin form carry only a path, so scheme and host come from the
// connection.
func effectiveURL(r *http.Request) *url.URL {
	u := *r.URL
	if u.IsAbs() {
		return &u
	}
	u.Scheme = "http"
	if r.TLS != nil {
		u.Scheme = "https"
	}
	u.Host = r.Host
	return &u
}

// originOf renders scheme://host[:port] with the default port dropped.
func originOf(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return scheme + "://" + host
}

func sameOrigin(a, b *url.URL) bool {
	return originOf(a) == originOf(b)
}

// requestKey is the cache identity of a GET for u: method plus the absolute
// URL with a normalized origin and no fragment.
func requestKey(u *url.URL) string {
	var b strings.Builder
	b.WriteString(http.MethodGet)
	b.WriteByte(' ')
	b.WriteString(originOf(u))
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	b.WriteString(p)
	if u.RawQuery != "" {
		b.WriteByte('?')
		b.WriteString(u.RawQuery)
	}
	return b.String()
}

// resolveInScope turns a manifest or fallback reference into an absolute
// URL inside scope.
func resolveInScope(scope *url.URL, ref string) (*url.URL, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, err
	}
	return scope.ResolveReference(u), nil
}
