package crawler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSiteValidate(t *testing.T) {
	t.Parallel()

	site := testSite(newFakeFetcher())
	require.NoError(t, site.Validate())

	bad := *site
	bad.BookURLTemplate = "https://demo.test/book"
	require.Error(t, bad.Validate())

	bad = *site
	bad.Adapter = nil
	require.Error(t, bad.Validate())

	var nilSite *Site
	require.Error(t, nilSite.Validate())
}

func TestSiteURLsAndDefaults(t *testing.T) {
	t.Parallel()

	site := testSite(newFakeFetcher())
	assert.Equal(t, "https://demo.test/book/42", site.BookURL(42))
	assert.Equal(t, "https://demo.test/book/42/chapters", site.ChapterListURL(42))
	assert.Equal(t, DefaultConcurrency, site.PoolSize())
	assert.Equal(t, DefaultDownloadWorkers, site.DownloadPoolSize())
	assert.Equal(t, 4, site.ChapterPoolSize())
	assert.Equal(t, DefaultMaxExploreErrors, site.ExploreErrorLimit())
}

func TestArtifactPath(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "hjwzw/10.txt", ArtifactPath("hjwzw", 10, 0))
	assert.Equal(t, "hjwzw/10-v2.txt", ArtifactPath("hjwzw", 10, 2))
}

func TestResolveURL(t *testing.T) {
	t.Parallel()

	got, err := resolveURL("https://demo.test/Book/Chapter/5/", "/Book/Read/5,100")
	require.NoError(t, err)
	assert.Equal(t, "https://demo.test/Book/Read/5,100", got)

	got, err = resolveURL("https://demo.test/Book/Chapter/5/", "https://cdn.test/x")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.test/x", got)
}
