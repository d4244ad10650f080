package mapping

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/appproxy/pkg/errors"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestAddMappingUniqueInsert(t *testing.T) {
	t.Parallel()

	m := NewManager("/api/route/")
	target := mustParse(t, "http://10.0.0.5:3838/")
	require.NoError(t, m.AddMapping("p-1", "p-1", target))

	// same name for another proxy is programmer error
	err := m.AddMapping("p-2", "p-1", mustParse(t, "http://10.0.0.6:3838/"))
	require.Error(t, err)
	assert.True(t, errors.IsIllegalState(err))

	// same proxy may update its own target
	updated := mustParse(t, "http://10.0.0.7:3838/")
	require.NoError(t, m.AddMapping("p-1", "p-1", updated))
	assert.Equal(t, updated, m.Target("p-1"))
}

func TestRemoveMapping(t *testing.T) {
	t.Parallel()

	m := NewManager("/api/route/")
	require.NoError(t, m.AddMapping("p-1", "app", mustParse(t, "http://10.0.0.5:80/")))

	m.RemoveMapping("app")
	assert.Nil(t, m.Target("app"))

	// removing twice is harmless
	m.RemoveMapping("app")
}

func TestMappingsOf(t *testing.T) {
	t.Parallel()

	m := NewManager("/api/route/")
	require.NoError(t, m.AddMapping("p-1", "a", mustParse(t, "http://h:1/")))
	require.NoError(t, m.AddMapping("p-1", "b", mustParse(t, "http://h:2/")))
	require.NoError(t, m.AddMapping("p-2", "c", mustParse(t, "http://h:3/")))

	assert.ElementsMatch(t, []string{"a", "b"}, m.MappingsOf("p-1"))
	assert.ElementsMatch(t, []string{"c"}, m.MappingsOf("p-2"))
}

func TestDispatch(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello from " + r.URL.Path))
	}))
	t.Cleanup(upstream.Close)

	m := NewManager("/api/route/")
	require.NoError(t, m.AddMapping("p-1", "p-1", mustParse(t, upstream.URL)))

	srv := httptest.NewServer(m.Routes())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/api/route/p-1/index.html")
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// unknown mapping
	resp2, err := http.Get(srv.URL + "/api/route/ghost/")
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp2.Body.Close() })
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}
