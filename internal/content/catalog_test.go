package content

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const listing = `[
  {
    "id": "fox",
    "title": "The Clever Fox",
    "pages": [{"image_url": "https://cdn.test/fox/1.png"}, {"image_url": ""}, {"image_url": "https://cdn.test/fox/2.png"}],
    "narration": [{"url": "https://cdn.test/fox/en.mp3", "language": "en"}]
  },
  {"id": "owl", "title": "Owl at Night", "pages": [], "narration": null}
]`

func TestStory_AssetURLs(t *testing.T) {
	s := Story{
		Pages:     []Page{{ImageURL: "a.png"}, {ImageURL: ""}, {ImageURL: "b.png"}},
		Narration: []Narration{{URL: "n.mp3"}, {URL: ""}},
	}

	assert.Equal(t, []string{"a.png", "b.png", "n.mp3"}, s.AssetURLs())
	assert.Empty(t, Story{}.AssetURLs())
}

func TestHTTPCatalog_ListStories(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(listing))
	}))
	defer srv.Close()

	c := NewHTTPCatalog(srv.URL, "secret", 5*time.Second, zerolog.Nop())

	stories, err := c.ListStories(context.Background())
	require.NoError(t, err)
	require.Len(t, stories, 2)

	assert.Equal(t, "fox", stories[0].ID)
	assert.Equal(t, []string{
		"https://cdn.test/fox/1.png",
		"https://cdn.test/fox/2.png",
		"https://cdn.test/fox/en.mp3",
	}, stories[0].AssetURLs())
	assert.Empty(t, stories[1].AssetURLs())
}

func TestHTTPCatalog_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewHTTPCatalog(srv.URL, "", 5*time.Second, zerolog.Nop())

	_, err := c.ListStories(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestHTTPCatalog_BadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"not": "a list"}`))
	}))
	defer srv.Close()

	_, err := NewHTTPCatalog(srv.URL, "", 5*time.Second, zerolog.Nop()).ListStories(context.Background())
	assert.Error(t, err)
}

func TestFileCatalog_ListStories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stories.json")
	require.NoError(t, os.WriteFile(path, []byte(listing), 0644))

	stories, err := NewFileCatalog(path).ListStories(context.Background())
	require.NoError(t, err)
	assert.Len(t, stories, 2)

	_, err = NewFileCatalog(filepath.Join(t.TempDir(), "missing.json")).ListStories(context.Background())
	assert.Error(t, err)
}

type countingCatalog struct {
	calls atomic.Int32
	err   error
}

func (c *countingCatalog) ListStories(context.Context) ([]Story, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return []Story{{ID: "fox"}}, nil
}

func TestCachedCatalog(t *testing.T) {
	next := &countingCatalog{}
	c := NewCachedCatalog(next, 1, time.Minute)

	for i := 0; i < 3; i++ {
		stories, err := c.ListStories(context.Background())
		require.NoError(t, err)
		assert.Len(t, stories, 1)
	}
	assert.EqualValues(t, 1, next.calls.Load())

	c.Invalidate()
	_, err := c.ListStories(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, next.calls.Load())
}

func TestCachedCatalog_ErrorsNotCached(t *testing.T) {
	next := &countingCatalog{err: errors.New("backend down")}
	c := NewCachedCatalog(next, 1, time.Minute)

	_, err := c.ListStories(context.Background())
	require.Error(t, err)

	next.err = nil
	stories, err := c.ListStories(context.Background())
	require.NoError(t, err)
	assert.Len(t, stories, 1)
	assert.EqualValues(t, 2, next.calls.Load())
}

func TestCachedCatalog_Expires(t *testing.T) {
	next := &countingCatalog{}
	c := NewCachedCatalog(next, 1, 20*time.Millisecond)

	_, err := c.ListStories(context.Background())
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)

	_, err = c.ListStories(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, next.calls.Load())
}
