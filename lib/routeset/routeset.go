package routeset

import "strings"

// RouteSet is a set of API paths relative to the base URL. An entry ending
// with "/*" matches every path below it.
type RouteSet map[string]struct{}

// New builds a route set with elements from a given slice.
func New(routes ...string) RouteSet {
	set := make(RouteSet, len(routes))
	set.Add(routes...)
	return set
}

// Add inserts routes to the set.
func (set RouteSet) Add(routes ...string) {
	for _, route := range routes {
		if route = normalize(route); route != "" {
			set[route] = struct{}{}
		}
	}
}

// Del removes a route from the set.
func (set RouteSet) Del(route string) {
	delete(set, normalize(route))
}

// Len returns a set size.
func (set RouteSet) Len() int {
	return len(set)
}

// Match checks if the path equals one of the routes or falls under a wildcard route.
func (set RouteSet) Match(path string) bool {
	path = normalize(path)
	if path == "" {
		return false
	}
	if _, ok := set[path]; ok {
		return true
	}
	for route := range set {
		prefix, ok := strings.CutSuffix(route, "/*")
		if ok && (path == prefix || strings.HasPrefix(path, prefix+"/")) {
			return true
		}
	}
	return false
}

// ToSlice returns a slice with set contents.
func (set RouteSet) ToSlice() []string {
	if n := set.Len(); n > 0 {
		result := make([]string, 0, n)
		for route := range set {
			result = append(result, route)
		}
		return result
	}
	return nil
}

// normalize strips the query string and surrounding slashes.
func normalize(path string) string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	return strings.Trim(strings.TrimSpace(path), "/")
}
