package engine

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Sternrassler/reqcache/pkg/cacheable"
	"github.com/Sternrassler/reqcache/pkg/expiration"
	"github.com/Sternrassler/reqcache/pkg/routing"
)

// RouteSpec declares one runtime route served cache-first.
//
// A request matches when its method is listed, its origin constraint holds
// and it has at least one of the listed kinds (destination, path suffix or
// query parameter). Empty constraint lists match everything.
type RouteSpec struct {
	Name string `mapstructure:"name" yaml:"name"`

	// Bucket defaults to Name
	Bucket string `mapstructure:"bucket" yaml:"bucket"`

	// Methods defaults to GET
	Methods []string `mapstructure:"methods" yaml:"methods"`

	// SameOrigin and Origins are alternatives: either one satisfies the
	// origin constraint
	SameOrigin bool     `mapstructure:"same_origin" yaml:"same_origin"`
	Origins    []string `mapstructure:"origins" yaml:"origins"`

	Destinations []string `mapstructure:"destinations" yaml:"destinations"`
	PathSuffixes []string `mapstructure:"path_suffixes" yaml:"path_suffixes"`
	QueryParams  []string `mapstructure:"query_params" yaml:"query_params"`

	// Statuses is the cacheable allow-list; empty caches only 200
	Statuses []int `mapstructure:"statuses" yaml:"statuses"`

	MaxEntries int           `mapstructure:"max_entries" yaml:"max_entries"`
	MaxAge     time.Duration `mapstructure:"max_age" yaml:"max_age"`

	RangeRequests bool `mapstructure:"range_requests" yaml:"range_requests"`

	// IgnoreURLParameters are regular expressions of query parameter names
	// left out of the entry identity
	IgnoreURLParameters []string `mapstructure:"ignore_url_parameters" yaml:"ignore_url_parameters"`
}

// BucketName returns the bucket the route stores into.
func (s RouteSpec) BucketName() string {
	if s.Bucket != "" {
		return s.Bucket
	}
	return s.Name
}

// Validate checks the route declaration.
func (s RouteSpec) Validate() error {
	if s.Name == "" {
		return errors.New("route name is required")
	}
	if s.MaxEntries < 0 {
		return fmt.Errorf("route %q: max_entries must not be negative", s.Name)
	}
	if s.MaxAge < 0 {
		return fmt.Errorf("route %q: max_age must not be negative", s.Name)
	}
	return nil
}

// Predicate builds the route's match function.
func (s RouteSpec) Predicate() routing.Predicate {
	methods := s.Methods
	if len(methods) == 0 {
		methods = []string{http.MethodGet}
	}
	preds := []routing.Predicate{routing.Methods(methods...)}

	switch {
	case s.SameOrigin && len(s.Origins) > 0:
		preds = append(preds, routing.Any(routing.SameOrigin(), routing.Origins(s.Origins...)))
	case s.SameOrigin:
		preds = append(preds, routing.SameOrigin())
	case len(s.Origins) > 0:
		preds = append(preds, routing.Origins(s.Origins...))
	}

	var kinds []routing.Predicate
	if len(s.Destinations) > 0 {
		kinds = append(kinds, routing.Destinations(s.Destinations...))
	}
	if len(s.PathSuffixes) > 0 {
		kinds = append(kinds, routing.PathSuffixes(s.PathSuffixes...))
	}
	if len(s.QueryParams) > 0 {
		kinds = append(kinds, routing.QueryParams(s.QueryParams...))
	}
	if len(kinds) > 0 {
		preds = append(preds, routing.Any(kinds...))
	}

	return routing.All(preds...)
}

// Filter builds the route's cacheable-response filter.
func (s RouteSpec) Filter() cacheable.Filter {
	return cacheable.New(s.Statuses...)
}

// ExpirationPolicy returns the bucket policy for the route.
func (s RouteSpec) ExpirationPolicy() expiration.Policy {
	return expiration.Policy{MaxEntries: s.MaxEntries, MaxAge: s.MaxAge}
}

// Bucket names used by DefaultRoutes.
const (
	AssetBucket = "asset-cache"
	ImageBucket = "image-cache"
	MediaBucket = "media-cache"
	FontBucket  = "font-cache"
)

// DefaultRoutes returns the standard runtime route table: same-origin
// scripts and styles, images, media flagged by a *_cache query parameter
// (with range support) and fonts. allowedOrigins are the cross-origin hosts
// whose images, media and fonts may be cached.
func DefaultRoutes(allowedOrigins ...string) []RouteSpec {
	opaqueOK := []int{cacheable.StatusOpaque, http.StatusOK}
	return []RouteSpec{
		{
			Name:         AssetBucket,
			SameOrigin:   true,
			Destinations: []string{"script", "style"},
			PathSuffixes: []string{".js", ".css"},
			MaxEntries:   500,
		},
		{
			Name:         ImageBucket,
			SameOrigin:   true,
			Origins:      allowedOrigins,
			Destinations: []string{"image"},
			Statuses:     opaqueOK,
			MaxEntries:   50,
			MaxAge:       24 * time.Hour,
		},
		{
			Name:          MediaBucket,
			SameOrigin:    true,
			Origins:       allowedOrigins,
			QueryParams:   []string{"video_cache", "audio_cache", "json_cache", "zip_cache"},
			Statuses:      opaqueOK,
			MaxEntries:    500,
			RangeRequests: true,
		},
		{
			Name:         FontBucket,
			SameOrigin:   true,
			Origins:      allowedOrigins,
			Destinations: []string{"font"},
			PathSuffixes: []string{".svga"},
			Statuses:     opaqueOK,
			MaxEntries:   50,
		},
	}
}
