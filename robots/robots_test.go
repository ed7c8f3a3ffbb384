package robots

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinylib/msgp/msgp"

	"github.com/codepr/crawlworker/crawler/fetcher"
)

type fakeNetIO struct {
	body       string
	statusCode int
	err        error
}

func (f *fakeNetIO) Fetch(ctx context.Context, url string) (*fetcher.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	status := f.statusCode
	if status == 0 {
		status = 200
	}
	return &fetcher.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(f.body))}, nil
}

func TestNewDefaultsToAllowEverything(t *testing.T) {
	p := New()
	assert.True(t, p.CanCrawl)
	assert.Equal(t, DefaultCrawlDelay, p.CrawlDelay)
}

func TestExcludeHonorsCanCrawlAndDisallowList(t *testing.T) {
	p := New()
	p.Domain = "https://example.com"
	p.DisallowList = []string{"/private"}
	assert.False(t, p.Exclude("https://example.com/public"))
	assert.True(t, p.Exclude("https://example.com/private/data"))

	p.CanCrawl = false
	assert.True(t, p.Exclude("https://example.com/public"))
}

func TestFetchParsesDisallowAllowAndCrawlDelay(t *testing.T) {
	p := New()
	p.Configure("testbot", "https://example.com")

	body := "User-agent: *\n" +
		"Disallow: /admin\n" +
		"Disallow: /admin/public\n" +
		"Allow: /admin/public\n" +
		"Crawl-delay: 5\n" +
		"Sitemap: https://example.com/sitemap.xml\n"
	net := &fakeNetIO{body: body}

	require.NoError(t, p.Fetch(context.Background(), net, nil))

	assert.Equal(t, []string{"/admin"}, p.DisallowList)
	assert.Equal(t, 5*time.Second, p.CrawlDelay)
	sitemap, ok := p.Sitemap()
	assert.True(t, ok)
	assert.Equal(t, "https://example.com/sitemap.xml", sitemap)
	assert.False(t, p.LastAccess.IsZero())
}

func TestFetchDisallowSlashBlocksEverything(t *testing.T) {
	p := New()
	p.Configure("testbot", "https://example.com")
	net := &fakeNetIO{body: "User-agent: *\nDisallow: /\n"}

	require.NoError(t, p.Fetch(context.Background(), net, nil))
	assert.False(t, p.CanCrawl)
}

func TestFetchFailureAppliesDefaults(t *testing.T) {
	p := New()
	p.Configure("testbot", "https://example.com")
	p.CanCrawl = false
	p.DisallowList = []string{"/x"}

	net := &fakeNetIO{err: assertError("boom")}
	require.NoError(t, p.Fetch(context.Background(), net, nil))

	assert.True(t, p.CanCrawl)
	assert.Empty(t, p.DisallowList)
	assert.Equal(t, DefaultCrawlDelay, p.CrawlDelay)
}

func TestFetchNotFoundAppliesDefaults(t *testing.T) {
	p := New()
	p.Configure("testbot", "https://example.com")
	p.CanCrawl = false
	p.DisallowList = []string{"/x"}

	net := &fakeNetIO{statusCode: 404}
	require.NoError(t, p.Fetch(context.Background(), net, nil))

	assert.True(t, p.CanCrawl)
	assert.Empty(t, p.DisallowList)
}

func TestProfileEncodeDecodeRoundTrip(t *testing.T) {
	p := New()
	p.AgentName = "testbot"
	p.Domain = "https://example.com"
	p.AllowList = []string{"/public"}
	p.DisallowList = []string{"/private"}
	p.CrawlDelay = 30 * time.Second
	p.LastAccess = time.Unix(1700000000, 0).UTC()
	p.SitemapURL = "https://example.com/sitemap.xml"
	p.hasSitemap = true

	var buf bytes.Buffer
	w := msgp.NewWriter(&buf)
	require.NoError(t, p.EncodeMsg(w))
	require.NoError(t, w.Flush())

	got := New()
	r := msgp.NewReader(&buf)
	require.NoError(t, got.DecodeMsg(r))

	assert.Equal(t, p.CanCrawl, got.CanCrawl)
	assert.Equal(t, p.AgentName, got.AgentName)
	assert.Equal(t, p.Domain, got.Domain)
	assert.Equal(t, p.AllowList, got.AllowList)
	assert.Equal(t, p.DisallowList, got.DisallowList)
	assert.Equal(t, p.CrawlDelay, got.CrawlDelay)
	assert.True(t, p.LastAccess.Equal(got.LastAccess))
	sitemap, ok := got.Sitemap()
	assert.True(t, ok)
	assert.Equal(t, p.SitemapURL, sitemap)
}

type assertError string

func (e assertError) Error() string { return string(e) }
