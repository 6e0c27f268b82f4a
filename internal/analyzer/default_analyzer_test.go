package analyzer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const articleHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<title>A Long Article About Testing</title>
<link rel="canonical" href="https://news.test/a/canonical-story">
<meta property="article:published_time" content="2026-01-02">
<meta property="article:section" content="World">
</head>
<body>
<nav><a href="/home">Home</a><a href="/world">World</a></nav>
<article>
<p>` + strings.Repeat("This is a sentence about the testing process. ", 20) + `</p>
<p>` + strings.Repeat("More prose describing the story in great depth. ", 10) + `</p>
<p>` + strings.Repeat("A third paragraph to push the word count higher. ", 10) + `</p>
<a href="/a/related-story">Related story</a>
</article>
</body>
</html>`

const navHTML = `<!DOCTYPE html>
<html><head><title>Section Front</title></head>
<body>
<nav>
<a href="/a/1">Story one</a>
<a href="/a/2">Story two</a>
<a href="/a/3">Story three</a>
</nav>
</body></html>`

func TestAnalyzeClassifiesArticle(t *testing.T) {
	a := NewDefaultAnalyzer()
	res, err := a.Analyze("https://news.test/a/story", []byte(articleHTML), nil)
	require.NoError(t, err)
	require.Equal(t, ClassArticle, res.Classification)
	require.NotNil(t, res.Title)
	assert.Equal(t, "A Long Article About Testing", *res.Title)
	require.NotNil(t, res.CanonicalURL)
	assert.Equal(t, "https://news.test/a/canonical-story", *res.CanonicalURL)
	require.NotNil(t, res.Date)
	assert.Equal(t, "2026-01-02", *res.Date)
	require.NotNil(t, res.Section)
	assert.Equal(t, "World", *res.Section)
	require.NotNil(t, res.WordCount)
	assert.True(t, *res.WordCount >= articleMinWordCount)
	require.NotNil(t, res.ArticleXPath)
	assert.Equal(t, "//article", *res.ArticleXPath)
}

func TestAnalyzeDiscoversLinksWithTypes(t *testing.T) {
	a := NewDefaultAnalyzer()
	res, err := a.Analyze("https://news.test/a/story", []byte(articleHTML), nil)
	require.NoError(t, err)

	var navCount, articleCount int
	for _, l := range res.Links {
		switch l.Type {
		case LinkNav:
			navCount++
		case LinkArticle:
			articleCount++
		}
	}
	assert.Equal(t, 2, navCount)
	assert.Equal(t, 1, articleCount)
}

func TestAnalyzeClassifiesNav(t *testing.T) {
	a := NewDefaultAnalyzer()
	res, err := a.Analyze("https://news.test/section", []byte(navHTML), nil)
	require.NoError(t, err)
	assert.Equal(t, ClassNav, res.Classification)
	assert.Nil(t, res.ArticleXPath)
}

func TestAnalyzeInvalidURLReturnsParseError(t *testing.T) {
	a := NewDefaultAnalyzer()
	_, err := a.Analyze("://not-a-url", []byte(navHTML), nil)
	require.Error(t, err)
	var pe *ParseError
	assert.ErrorAs(t, err, &pe)
}

func TestAnalyzeFallbackOnNonHTMLContentType(t *testing.T) {
	a := NewDefaultAnalyzer()
	headers := map[string]string{"Content-Type": "application/rss+xml"}
	res, err := a.Analyze("https://news.test/feed.xml", []byte(`<?xml version="1.0"?><rss><channel><title>Feed</title></channel></rss>`), headers)
	require.NoError(t, err)
	assert.Equal(t, ClassOther, res.Classification)
}

func TestAnalyzeEmptyBodyReturnsParseError(t *testing.T) {
	a := NewDefaultAnalyzer()
	_, err := a.Analyze("https://news.test/a/story", []byte("   "), nil)
	require.Error(t, err)
	var pe *ParseError
	assert.ErrorAs(t, err, &pe)
}

func TestAnalyzeRelativeLinksResolveAgainstBase(t *testing.T) {
	a := NewDefaultAnalyzer()
	res, err := a.Analyze("https://news.test/a/story", []byte(articleHTML), nil)
	require.NoError(t, err)

	found := false
	for _, l := range res.Links {
		if l.URL == "https://news.test/home" {
			found = true
		}
	}
	assert.True(t, found, "relative href /home must resolve against the base url's scheme+host")
}
