package crawler

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codepr/crawlworker/crawler/fetcher"
	"github.com/codepr/crawlworker/page"
	"github.com/codepr/crawlworker/robots"
	"github.com/codepr/crawlworker/store"
	"github.com/codepr/crawlworker/wire"
)

func TestRootOrigin(t *testing.T) {
	cases := map[string]string{
		"https://example.com/path/to/page": "https://example.com",
		"http://example.com":               "http://example.com",
		"https://example.com":              "https://example.com",
		"https://example.com?q=1":          "https://example.com",
		"https://example.com#frag":         "https://example.com",
	}
	for input, want := range cases {
		assert.Equal(t, want, rootOrigin(input), "input=%s", input)
	}
}

func TestSanitizeURL(t *testing.T) {
	t.Run("discards empty", func(t *testing.T) {
		_, ok := sanitizeURL("", "https://example.com")
		assert.False(t, ok)
	})
	t.Run("fixes up relative links", func(t *testing.T) {
		got, ok := sanitizeURL("/foo", "https://example.com")
		require.True(t, ok)
		assert.Equal(t, "https://example.com/foo", got)
	})
	t.Run("strips the s from https", func(t *testing.T) {
		got, ok := sanitizeURL("https://example.com/foo", "https://example.com")
		require.True(t, ok)
		assert.Equal(t, "http://example.com/foo", got)
	})
	t.Run("leaves http untouched", func(t *testing.T) {
		got, ok := sanitizeURL("http://example.com/foo", "https://example.com")
		require.True(t, ok)
		assert.Equal(t, "http://example.com/foo", got)
	})
}

func TestTokenizeMeta(t *testing.T) {
	got := tokenizeMeta("one two\tthree\nfour\rfive\ffsix")
	assert.Equal(t, []string{"one", "two", "three", "four", "five", "fsix"}, got)
}

// fakeDispatcher is a minimal in-memory crawler.Dispatcher for tests.
type fakeDispatcher struct {
	cfg   wire.WorkerConfig
	sent  []page.WorkItem
	items []page.WorkItem
}

func (d *fakeDispatcher) GetItem(ctx context.Context, timeout time.Duration) (page.WorkItem, error) {
	if len(d.items) == 0 {
		return page.WorkItem{}, nil
	}
	item := d.items[0]
	d.items = d.items[1:]
	return item, nil
}

func (d *fakeDispatcher) SendItem(ctx context.Context, item page.WorkItem) error {
	d.sent = append(d.sent, item)
	return nil
}

func (d *fakeDispatcher) SetStatus(wire.WorkerStatus) {}

func (d *fakeDispatcher) Config() wire.WorkerConfig { return d.cfg }

type fakeNetIO struct {
	body string
}

func (f *fakeNetIO) Fetch(ctx context.Context, url string) (*fetcher.Response, error) {
	return &fetcher.Response{StatusCode: 200, Body: io.NopCloser(strings.NewReader(f.body))}, nil
}

type fakeParser struct {
	tags []fetcher.Tag
}

func (p *fakeParser) Parse(baseURL string, body io.Reader) ([]fetcher.Tag, error) {
	return p.tags, nil
}

func newTestManagers(t *testing.T) (*store.Manager[*page.Page], *store.Manager[*robots.Profile]) {
	t.Helper()
	root := t.TempDir()

	pageStore, err := store.NewKvStore[*page.Page](root, "pages", page.New, nil)
	require.NoError(t, err)
	pages := store.NewManager[*page.Page](store.NewCache[*page.Page](8), pageStore, page.New, nil)

	robotsStore, err := store.NewKvStore[*robots.Profile](root, "robots", robots.New, nil)
	require.NoError(t, err)
	robotsMgr := store.NewManager[*robots.Profile](store.NewCache[*robots.Profile](8), robotsStore, robots.New, nil)

	return pages, robotsMgr
}

// TestProcessRankMathOnFirstCrawl mirrors spec.md's documented rank-math
// example: a page with rank=0 crawled with credit=100 and 4 URL tags;
// with the integer-division tax bug, tax(100,10)==100, so each discovered
// link gets credit 25 and the page's rank resets to 0.
func TestProcessRankMathOnFirstCrawl(t *testing.T) {
	pages, robotsMgr := newTestManagers(t)

	dispatcher := &fakeDispatcher{
		cfg: wire.WorkerConfig{UserAgent: "test-agent", DayMaxCrawls: 100},
	}
	net := &fakeNetIO{body: "<html></html>"}
	parser := &fakeParser{tags: []fetcher.Tag{
		{Type: page.TagURL, Attr: "https://example.com/a"},
		{Type: page.TagURL, Attr: "https://example.com/b"},
		{Type: page.TagURL, Attr: "https://example.com/c"},
		{Type: page.TagURL, Attr: "https://example.com/d"},
	}}

	clk := clock.NewMock()
	th := NewThread(0, dispatcher, pages, robotsMgr, net, parser, clk, nil)

	item := page.WorkItem{URL: "https://example.com/start", Credit: 100}
	th.process(context.Background(), item)

	require.Len(t, dispatcher.sent, 4)
	for _, sent := range dispatcher.sent {
		assert.Equal(t, uint32(25), sent.Credit)
	}

	pg, err := pages.GetNoBlock(item.URL)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), pg.Rank)
	assert.Equal(t, uint32(1), pg.CrawlCount)
}

func TestProcessExcludedByRobotsDropsPage(t *testing.T) {
	pages, robotsMgr := newTestManagers(t)

	dispatcher := &fakeDispatcher{cfg: wire.WorkerConfig{UserAgent: "test-agent", DayMaxCrawls: 100}}
	net := &fakeNetIO{body: "<html></html>"}
	parser := &fakeParser{}

	clk := clock.NewMock()
	th := NewThread(0, dispatcher, pages, robotsMgr, net, parser, clk, nil)

	root := "https://example.com"
	profile, err := robotsMgr.GetNoBlock(root)
	require.NoError(t, err)
	profile.CanCrawl = false
	profile.LastAccess = clk.Now() // avoid triggering a refresh that would reset CanCrawl
	require.NoError(t, robotsMgr.PutNoBlock(profile, root))

	item := page.WorkItem{URL: "https://example.com/blocked", Credit: 50}
	th.process(context.Background(), item)

	assert.Empty(t, dispatcher.sent)
	_, err = pages.GetNoBlock(item.URL)
	assert.NoError(t, err) // deleted then re-allocated fresh by GetNoBlock
}

// TestProcessReturnsPageWhenRobotsCheckoutFails guards against a lock leak:
// if the page checkout succeeds but the robots profile checkout fails, the
// page must still be returned so the next process() of the same URL is not
// permanently locked out.
func TestProcessReturnsPageWhenRobotsCheckoutFails(t *testing.T) {
	pages, robotsMgr := newTestManagers(t)

	dispatcher := &fakeDispatcher{cfg: wire.WorkerConfig{UserAgent: "test-agent", DayMaxCrawls: 100}}
	net := &fakeNetIO{body: "<html></html>"}
	parser := &fakeParser{}

	clk := clock.NewMock()
	th := NewThread(0, dispatcher, pages, robotsMgr, net, parser, clk, nil)

	item := page.WorkItem{URL: "https://example.com/a", Credit: 10}
	root := rootOrigin(item.URL)

	// Hold the robots profile locked for root, forcing th.process's own
	// GetNoBlock(root) to fail with store.ErrLocked.
	_, err := robotsMgr.GetNoBlock(root)
	require.NoError(t, err)

	th.process(context.Background(), item)

	// The page checkout must have been released despite the robots
	// checkout failure, so a fresh GetNoBlock succeeds immediately.
	_, err = pages.GetNoBlock(item.URL)
	assert.NoError(t, err, "page lock must not leak when robots checkout fails")
}
