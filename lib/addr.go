package lib

import (
	"net/url"
	"strings"

	"github.com/gravitational/trace"
)

// NormalizeBaseURL turns an address like "localhost:3000/api/v1" into a parsed URL
// with a scheme and without a trailing slash, so relative paths can be appended.
func NormalizeBaseURL(addr string) (*url.URL, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, trace.BadParameter("base URL is empty")
	}
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	result, err := url.Parse(addr)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if result.Host == "" {
		return nil, trace.BadParameter("base URL %q has no host", addr)
	}
	if result.Scheme == "https" && result.Port() == "443" {
		// Cut off redundant :443
		result.Host = result.Hostname()
	}
	result.Path = strings.TrimRight(result.Path, "/")
	result.RawQuery = ""
	result.Fragment = ""
	return result, nil
}

// JoinPath joins a base URL and a relative path, ignoring a leading slash on the path.
func JoinPath(base *url.URL, path string) string {
	return strings.TrimRight(base.String(), "/") + "/" + strings.TrimLeft(path, "/")
}
