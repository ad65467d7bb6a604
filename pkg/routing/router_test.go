package routing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func named(name string) Handler {
	return HandlerFunc(func(ctx context.Context, req *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: 200, Status: name}, nil
	})
}

func newReq(t *testing.T, target, dest string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if dest != "" {
		req.Header.Set("Sec-Fetch-Dest", dest)
	}
	return req
}

func scope(t *testing.T) *url.URL {
	u, err := url.Parse("https://app.example.com/")
	require.NoError(t, err)
	return u
}

func TestRouter_FirstMatchWins(t *testing.T) {
	r := NewRouter(scope(t))
	require.NoError(t, r.Register(Route{Name: "p1", Match: PathSuffixes(".js"), Handler: named("p1")}))
	require.NoError(t, r.Register(Route{Name: "p2", Match: SameOrigin(), Handler: named("p2")}))

	// matches both predicates: P1 was registered first
	for i := 0; i < 10; i++ {
		route, err := r.Match(newReq(t, "https://app.example.com/app.js", ""))
		require.NoError(t, err)
		assert.Equal(t, "p1", route.Name)
	}

	route, err := r.Match(newReq(t, "https://app.example.com/page", ""))
	require.NoError(t, err)
	assert.Equal(t, "p2", route.Name)
}

func TestRouter_NoRoute(t *testing.T) {
	r := NewRouter(scope(t))
	require.NoError(t, r.Register(Route{Name: "img", Match: Destinations("image"), Handler: named("img")}))

	_, err := r.Match(newReq(t, "https://app.example.com/x.css", "style"))
	assert.True(t, errors.Is(err, ErrNoRoute))
}

func TestRouter_RegisterValidation(t *testing.T) {
	r := NewRouter(nil)
	assert.Error(t, r.Register(Route{Name: "no-pred", Handler: named("x")}))
	assert.Error(t, r.Register(Route{Name: "no-handler", Match: All()}))
	assert.Empty(t, r.Routes())
}

func TestRouter_Describe(t *testing.T) {
	r := NewRouter(scope(t))

	d := r.Describe(newReq(t, "https://APP.example.com/a.js", "Script"))
	assert.True(t, d.SameOrigin)
	assert.Equal(t, "script", d.Destination)
	assert.Equal(t, http.MethodGet, d.Method)

	d = r.Describe(newReq(t, "https://cdn.example.com/a.js", ""))
	assert.False(t, d.SameOrigin)

	d = NewRouter(nil).Describe(newReq(t, "https://app.example.com/a.js", ""))
	assert.False(t, d.SameOrigin)
}

func TestPredicates(t *testing.T) {
	r := NewRouter(scope(t))
	cdn := Origins("https://assets.example.com", "not a url")

	tests := []struct {
		name   string
		pred   Predicate
		target string
		dest   string
		want   bool
	}{
		{"method match", Methods("get"), "https://app.example.com/", "", true},
		{"method mismatch", Methods("POST"), "https://app.example.com/", "", false},
		{"destination match", Destinations("image"), "https://app.example.com/a.png", "image", true},
		{"destination empty", Destinations("image"), "https://app.example.com/a.png", "", false},
		{"suffix match", PathSuffixes(".js", ".css"), "https://app.example.com/x/y.css", "", true},
		{"suffix ignores query", PathSuffixes(".js"), "https://app.example.com/x?f=a.js", "", false},
		{"query param present", QueryParams("video_cache", "audio_cache"), "https://app.example.com/v.mp4?audio_cache=1", "", true},
		{"query param empty value", QueryParams("video_cache"), "https://app.example.com/v.mp4?video_cache", "", true},
		{"query param absent", QueryParams("video_cache"), "https://app.example.com/v.mp4?x=1", "", false},
		{"origin listed", cdn, "https://assets.example.com/a.png", "", true},
		{"origin unlisted", cdn, "https://evil.example.com/a.png", "", false},
		{"same origin", SameOrigin(), "https://app.example.com/a", "", true},
		{"all", All(SameOrigin(), PathSuffixes(".js")), "https://app.example.com/a.js", "", true},
		{"all fails", All(SameOrigin(), PathSuffixes(".js")), "https://cdn.example.com/a.js", "", false},
		{"any", Any(Destinations("font"), PathSuffixes(".svga")), "https://app.example.com/anim.svga", "", true},
		{"not", Not(SameOrigin()), "https://cdn.example.com/a", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.pred(r.Describe(newReq(t, tt.target, tt.dest))))
		})
	}
}

func TestOrigin_DefaultPorts(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"https://app.example.com/a.js", "https://app.example.com"},
		{"https://app.example.com:443/a.js", "https://app.example.com"},
		{"http://app.example.com:80/a.js", "http://app.example.com"},
		{"HTTPS://App.Example.com:443", "https://app.example.com"},
		{"https://app.example.com:8443/a.js", "https://app.example.com:8443"},
		{"http://app.example.com:443/a.js", "http://app.example.com:443"},
		{"https://[::1]:443/", "https://[::1]"},
	}
	for _, tt := range tests {
		u, err := url.Parse(tt.raw)
		require.NoError(t, err)
		assert.Equal(t, tt.want, Origin(u), tt.raw)
	}
}

func TestRouter_SameOriginExplicitDefaultPort(t *testing.T) {
	r := NewRouter(scope(t))
	require.NoError(t, r.Register(Route{Name: "assets", Match: All(SameOrigin(), Destinations("script")), Handler: named("assets")}))

	route, err := r.Match(newReq(t, "https://app.example.com:443/app.js", "script"))
	require.NoError(t, err)
	assert.Equal(t, "assets", route.Name)

	_, err = r.Match(newReq(t, "https://app.example.com:8443/app.js", "script"))
	assert.ErrorIs(t, err, ErrNoRoute)
}
