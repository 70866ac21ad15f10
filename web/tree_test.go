package web

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTreeStaticRoutes(t *testing.T) {
	tr := newTree()
	tr.add("GET", "/", "root")
	tr.add("GET", "/health", "health")
	tr.add("GET", "/healthz", "healthz")
	tr.add("GET", "/api/v1/users", "users")

	for path, want := range map[string]string{
		"/":             "root",
		"/health":       "health",
		"/healthz":      "healthz",
		"/api/v1/users": "users",
	} {
		v, params, result, _ := tr.lookup("GET", path)
		require.Equal(t, matchFound, result, path)
		assert.Equal(t, want, v, path)
		assert.Empty(t, params, path)
	}

	for _, path := range []string{"/heal", "/healthzz", "/api/v1", "/api/v1/users/", "/nope"} {
		_, _, result, _ := tr.lookup("GET", path)
		assert.Equal(t, matchNone, result, path)
	}
}

func TestTreeParamCapture(t *testing.T) {
	tr := newTree()
	tr.add("GET", "/users/:id", "user")
	tr.add("GET", "/users/:id/posts/:post", "post")
	tr.add("GET", "/users/:id/posts", "posts")

	v, params, result, _ := tr.lookup("GET", "/users/42")
	require.Equal(t, matchFound, result)
	assert.Equal(t, "user", v)
	assert.Equal(t, "42", params.Get("id"))

	v, params, result, _ = tr.lookup("GET", "/users/42/posts")
	require.Equal(t, matchFound, result)
	assert.Equal(t, "posts", v)
	assert.Equal(t, Params{{Name: "id", Value: "42"}}, params)

	v, params, result, _ = tr.lookup("GET", "/users/42/posts/7")
	require.Equal(t, matchFound, result)
	assert.Equal(t, "post", v)
	assert.Equal(t, Params{{Name: "id", Value: "42"}, {Name: "post", Value: "7"}}, params)

	// An empty segment never matches a parameter.
	_, _, result, _ = tr.lookup("GET", "/users//posts")
	assert.Equal(t, matchNone, result)

	assert.Equal(t, "", Params{}.Get("missing"))
}

func TestTreeWildcard(t *testing.T) {
	tr := newTree()
	tr.add("GET", "/static/*path", "static")
	tr.add("GET", "/static/app.css", "css")

	v, params, result, _ := tr.lookup("GET", "/static/js/app.js")
	require.Equal(t, matchFound, result)
	assert.Equal(t, "static", v)
	assert.Equal(t, "js/app.js", params.Get("path"))

	v, _, result, _ = tr.lookup("GET", "/static/app.css")
	require.Equal(t, matchFound, result)
	assert.Equal(t, "css", v)

	// A path that only shares a prefix with the static route falls back to
	// the wildcard.
	v, params, result, _ = tr.lookup("GET", "/static/app.css.map")
	require.Equal(t, matchFound, result)
	assert.Equal(t, "static", v)
	assert.Equal(t, "app.css.map", params.Get("path"))

	// The wildcard needs at least one byte after its slash.
	_, _, result, _ = tr.lookup("GET", "/static/")
	assert.Equal(t, matchNone, result)
	_, _, result, _ = tr.lookup("GET", "/static")
	assert.Equal(t, matchNone, result)
}

func TestTreeBacktracksToParam(t *testing.T) {
	tr := newTree()
	tr.add("GET", "/users/new", "form")
	tr.add("GET", "/users/:id", "user")

	v, _, result, _ := tr.lookup("GET", "/users/new")
	require.Equal(t, matchFound, result)
	assert.Equal(t, "form", v)

	// "nate" walks into the "new" branch, dead-ends and retries as :id.
	v, params, result, _ := tr.lookup("GET", "/users/nate")
	require.Equal(t, matchFound, result)
	assert.Equal(t, "user", v)
	assert.Equal(t, "nate", params.Get("id"))

	v, params, result, _ = tr.lookup("GET", "/users/ne")
	require.Equal(t, matchFound, result)
	assert.Equal(t, "user", v)
	assert.Equal(t, "ne", params.Get("id"))
}

func TestTreeMethodMissing(t *testing.T) {
	tr := newTree()
	tr.add("GET", "/things", "get")
	tr.add("POST", "/things", "post")
	tr.add("DELETE", "/things", "delete")

	_, _, result, allowed := tr.lookup("PUT", "/things")
	require.Equal(t, matchMethodMissing, result)
	assert.Equal(t, []string{"DELETE", "GET", "POST"}, allowed)

	_, _, result, allowed = tr.lookup("GET", "/nothing")
	assert.Equal(t, matchNone, result)
	assert.Nil(t, allowed)
}

func TestTreeRejectsBadPatterns(t *testing.T) {
	cases := map[string]func(tr *tree){
		"empty pattern":           func(tr *tree) { tr.add("GET", "", 1) },
		"no leading slash":        func(tr *tree) { tr.add("GET", "users", 1) },
		"unnamed parameter":       func(tr *tree) { tr.add("GET", "/users/:", 1) },
		"unnamed wildcard":        func(tr *tree) { tr.add("GET", "/files/*", 1) },
		"wildcard mid pattern":    func(tr *tree) { tr.add("GET", "/files/*path/x", 1) },
		"wildcard inside segment": func(tr *tree) { tr.add("GET", "/files/f*path", 1) },
		"parameter renamed": func(tr *tree) {
			tr.add("GET", "/users/:id", 1)
			tr.add("POST", "/users/:uid", 2)
		},
		"wildcard renamed": func(tr *tree) {
			tr.add("GET", "/files/*path", 1)
			tr.add("POST", "/files/*rest", 2)
		},
		"duplicate route": func(tr *tree) {
			tr.add("GET", "/users/:id", 1)
			tr.add("GET", "/users/:id", 2)
		},
	}
	for name, register := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Panics(t, func() { register(newTree()) })
		})
	}
}

func TestTreeSharedMethodsAcrossKinds(t *testing.T) {
	tr := newTree()
	tr.add("GET", "/files/*path", "get")
	tr.add("POST", "/files/upload", "upload")

	_, _, result, allowed := tr.lookup("DELETE", "/files/a/b")
	require.Equal(t, matchMethodMissing, result)
	assert.Equal(t, []string{"GET"}, allowed)

	v, _, result, _ := tr.lookup("POST", "/files/upload")
	require.Equal(t, matchFound, result)
	assert.Equal(t, "upload", v)

	// The static leaf holds the path even for methods only the wildcard
	// serves: method resolution happens on the best path match.
	_, _, result, allowed = tr.lookup("GET", "/files/upload")
	require.Equal(t, matchMethodMissing, result)
	assert.Equal(t, []string{"POST"}, allowed)
}
