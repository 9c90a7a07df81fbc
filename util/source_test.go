package util

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nhttp "github.com/chaos-io/imgforge/util/http"
)

func TestReadSourceFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "photo.jpg")
	require.NoError(t, os.WriteFile(p, []byte("jpeg bytes"), 0o644))

	data, name, err := ReadSource(context.Background(), nil, p)
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg bytes"), data)
	assert.Equal(t, "photo.jpg", name)

	_, _, err = ReadSource(context.Background(), nil, filepath.Join(t.TempDir(), "nope.png"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestReadSourceURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.png" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("remote bytes"))
	}))
	defer srv.Close()

	data, name, err := ReadSource(context.Background(), nhttp.NewHTTPClient(), srv.URL+"/img/cat.webp?size=large")
	require.NoError(t, err)
	assert.Equal(t, []byte("remote bytes"), data)
	assert.Equal(t, "cat.webp", name)

	_, name, err = ReadSource(context.Background(), nil, srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "download", name)

	_, _, err = ReadSource(context.Background(), nil, srv.URL+"/missing.png")
	var se *nhttp.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Code)
}

func TestIsURL(t *testing.T) {
	assert.True(t, IsURL("https://example.com/a.png"))
	assert.True(t, IsURL("http://example.com"))
	assert.False(t, IsURL("ftp://example.com/a.png"))
	assert.False(t, IsURL("./a.png"))
}
