package cache

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// Identity is the normalized key a cached response is addressed by.
// Format: "METHOD scheme://host/path?sorted=query"
type Identity string

// IgnoreParams lists query-parameter name patterns that are stripped
// before an identity is derived.
type IgnoreParams []*regexp.Regexp

// CompileIgnoreParams compiles query-parameter name patterns.
func CompileIgnoreParams(patterns ...string) (IgnoreParams, error) {
	out := make(IgnoreParams, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile ignore pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// Matches reports whether a query parameter name should be stripped.
func (ip IgnoreParams) Matches(name string) bool {
	for _, re := range ip {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// NormalizeURL lowercases scheme and host, drops the fragment, strips
// ignored query parameters and sorts the remaining ones (sorted for
// determinism).
func NormalizeURL(u *url.URL, ignore IgnoreParams) string {
	n := *u
	n.Scheme = strings.ToLower(n.Scheme)
	n.Host = strings.ToLower(n.Host)
	n.Fragment = ""
	n.RawFragment = ""
	n.User = nil

	q := n.Query()
	for name := range q {
		if ignore.Matches(name) {
			q.Del(name)
		}
	}
	n.RawQuery = encodeSorted(q)
	if n.Path == "" && n.Host != "" {
		n.Path = "/"
	}
	return n.String()
}

// NewIdentity derives the identity for a request method and URL.
func NewIdentity(method string, u *url.URL, ignore IgnoreParams) Identity {
	if method == "" {
		method = "GET"
	}
	return Identity(strings.ToUpper(method) + " " + NormalizeURL(u, ignore))
}

// ParseIdentity splits an identity into its method and URL parts.
func ParseIdentity(id Identity) (method, rawURL string, err error) {
	s := string(id)
	i := strings.IndexByte(s, ' ')
	if i <= 0 || i == len(s)-1 {
		return "", "", fmt.Errorf("malformed identity %q", s)
	}
	return s[:i], s[i+1:], nil
}

func encodeSorted(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		vals := append([]string(nil), q[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}
