package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codepr/crawlworker/page"
)

func serverMock() *httptest.Server {
	handler := http.NewServeMux()
	handler.HandleFunc("/foo/bar", resourceMock)
	return httptest.NewServer(handler)
}

func resourceMock(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte(
		`<head>
			<title>Sample Page</title>
			<meta name="description" content="a sample page"/>
			<link rel="canonical" href="https://example.com/sample-page/" />
			<link rel="canonical" href="/sample-page/" />
		 </head>
		 <body>
			<a href="foo/bar"><img src="/baz.png"></a>
			<a href="mailto:hello@example.com">mail us</a>
			<img src="/stonk">
			<a href="foo/bar">
		 </body>`,
	))
}

func TestHTTPNetIOFetch(t *testing.T) {
	server := serverMock()
	defer server.Close()

	f := NewHTTPNetIO("test-agent", 10*time.Second, 0)
	target := fmt.Sprintf("%s/foo/bar", server.URL)

	res, err := f.Fetch(context.Background(), target)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "Sample Page")
}

func TestHTTPNetIOFetchInvalidURL(t *testing.T) {
	f := NewHTTPNetIO("test-agent", 10*time.Second, 0)
	_, err := f.Fetch(context.Background(), "://bad-url")
	assert.Error(t, err)
}

func TestGoqueryParserParseURLs(t *testing.T) {
	server := serverMock()
	defer server.Close()

	target := fmt.Sprintf("%s/foo/bar", server.URL)
	resp, err := http.Get(target)
	require.NoError(t, err)
	defer resp.Body.Close()

	p := NewGoqueryParser([]TagRule{{Type: page.TagURL}})
	tags, err := p.Parse(server.URL, resp.Body)
	require.NoError(t, err)

	var links []string
	for _, tag := range tags {
		assert.Equal(t, page.TagURL, tag.Type)
		links = append(links, tag.Attr)
	}
	assert.Contains(t, links, "https://example.com/sample-page/")
	assert.Contains(t, links, server.URL+"/sample-page/")
	assert.Contains(t, links, server.URL+"/foo/bar")
}

func TestGoqueryParserDeduplicatesLinks(t *testing.T) {
	body := `<a href="/a">x</a><a href="/a">y</a>`
	p := NewGoqueryParser([]TagRule{{Type: page.TagURL}})
	tags, err := p.Parse("https://example.com", strings.NewReader(body))
	require.NoError(t, err)
	assert.Len(t, tags, 1)
}

func TestGoqueryParserExtractsTitleDescriptionAndEmail(t *testing.T) {
	server := serverMock()
	defer server.Close()
	target := fmt.Sprintf("%s/foo/bar", server.URL)
	resp, err := http.Get(target)
	require.NoError(t, err)
	defer resp.Body.Close()

	p := NewGoqueryParser([]TagRule{{Type: page.TagTitle}, {Type: page.TagDescription}, {Type: page.TagEmail}})
	tags, err := p.Parse(server.URL, resp.Body)
	require.NoError(t, err)

	byType := map[page.TagType][]string{}
	for _, tag := range tags {
		byType[tag.Type] = append(byType[tag.Type], tag.Attr)
	}
	assert.Equal(t, []string{"Sample Page"}, byType[page.TagTitle])
	assert.Equal(t, []string{"a sample page"}, byType[page.TagDescription])
	assert.Equal(t, []string{"hello@example.com"}, byType[page.TagEmail])
}
