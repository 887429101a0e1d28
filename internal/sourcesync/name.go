package sourcesync

import (
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

// DefaultSourceName is used when a URL yields no usable name.
const DefaultSourceName = "source"

// SourceName derives a source name from the last path segment of rawURL,
// without a ".json" suffix: "https://h/feeds/shops.json" -> "shops".
//
// Only absolute URLs count. Relative or unparseable strings and URLs without
// a usable final segment fall back to DefaultSourceName rather than failing
// the sync. The segment is used as sent, percent escapes included.
func SourceName(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return DefaultSourceName
	}
	p := strings.TrimSuffix(u.EscapedPath(), "/")
	if p == "" {
		return DefaultSourceName
	}
	return trimName(path.Base(p))
}

// FileSourceName derives a source name from a local file path the same way
// SourceName does for URLs: "data/shops.json" -> "shops".
func FileSourceName(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return DefaultSourceName
	}
	return trimName(filepath.Base(p))
}

func trimName(name string) string {
	if strings.HasSuffix(strings.ToLower(name), ".json") {
		name = name[:len(name)-len(".json")]
	}
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == "/" || name == string(filepath.Separator) {
		return DefaultSourceName
	}
	return name
}
