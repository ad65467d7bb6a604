package precache

import (
	"fmt"
	"net/url"

	"github.com/Sternrassler/reqcache/pkg/cache"
)

// RevisionParam is the query parameter that carries an entry's revision
// inside its identity.
const RevisionParam = "__precache_rev"

// identityFor derives the content-addressed identity of a resolved entry.
func identityFor(u *url.URL, revision string) cache.Identity {
	if revision == "" {
		return cache.NewIdentity("GET", u, nil)
	}
	keyed := *u
	q := keyed.Query()
	q.Set(RevisionParam, revision)
	keyed.RawQuery = q.Encode()
	return cache.NewIdentity("GET", &keyed, nil)
}

// splitIdentity recovers the normalized URL and revision from an identity.
func splitIdentity(id cache.Identity) (normalized, revision string, err error) {
	_, raw, err := cache.ParseIdentity(id)
	if err != nil {
		return "", "", err
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("precache identity %q: %w", id, err)
	}
	q := u.Query()
	revision = q.Get(RevisionParam)
	q.Del(RevisionParam)
	u.RawQuery = q.Encode()
	return cache.NormalizeURL(u, nil), revision, nil
}
