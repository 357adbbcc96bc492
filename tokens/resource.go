package tokens

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Canonicalize reduces a resource URI to its canonical identity: the origin
// plus the first path segment. "https://h/mcp", "https://h/mcp/" and
// "https://h/mcp/anything/nested" all canonicalize to "https://h/mcp"; a URI
// with no path canonicalizes to its origin.
func Canonicalize(resource string) (string, error) {
	u, err := url.Parse(resource)
	if err != nil {
		return "", fmt.Errorf("invalid resource URI: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("resource URI must be absolute: %q", resource)
	}
	origin := u.Scheme + "://" + u.Host
	segment := firstPathSegment(u.Path)
	if segment == "" {
		return origin, nil
	}
	return origin + "/" + segment, nil
}

// ExpectedResource computes the resource identity of an incoming request,
// which the bearer token's audience must match exactly. The scheme honors
// X-Forwarded-Proto so the identity survives TLS-terminating proxies.
func ExpectedResource(r *http.Request) string {
	scheme := "http"
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	} else if r.TLS != nil {
		scheme = "https"
	}
	origin := scheme + "://" + r.Host
	segment := firstPathSegment(r.URL.Path)
	if segment == "" {
		return origin
	}
	return origin + "/" + segment
}

func firstPathSegment(path string) string {
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return ""
	}
	if i := strings.IndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return path
}
