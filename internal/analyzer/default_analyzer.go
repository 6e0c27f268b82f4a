package analyzer

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
)

const (
	maxDiscoveredLinks  = 2000
	articleMinWordCount = 120
	articleMinParagraphs = 3
)

// DefaultAnalyzer is the reference Analyzer implementation: goquery for
// DOM-based title/section/link/text extraction (grounded on
// codepr-webcrawler's GoqueryParser and theaidguild-kirk-ai's content
// processor), antchfx/htmlquery for computing the optional article_xpath,
// and a token-level fallback for documents goquery can't find a <body> in.
type DefaultAnalyzer struct{}

// NewDefaultAnalyzer constructs a DefaultAnalyzer. It holds no state: the
// spec requires Analyzers be pure over their inputs.
func NewDefaultAnalyzer() *DefaultAnalyzer { return &DefaultAnalyzer{} }

// Analyze implements Analyzer.
func (a *DefaultAnalyzer) Analyze(rawURL string, body []byte, headers map[string]string) (*AnalysisResult, error) {
	base, err := url.Parse(rawURL)
	if err != nil {
		return nil, &ParseError{URL: rawURL, Reason: "invalid base url", Err: err}
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, &ParseError{URL: rawURL, Reason: "empty body", Err: nil}
	}

	// net/html's HTML5 parser (goquery's backend) liberally wraps any input
	// in an html/head/body structure, so it is not a reliable signal for
	// "this wasn't HTML". Trust the Content-Type instead: non-HTML text
	// bodies (feeds, plain text) go through the token-level fallback, which
	// makes no assumption about document structure.
	if ct, ok := headerValue(headers, "Content-Type"); ok && ct != "" && !strings.Contains(strings.ToLower(ct), "html") {
		return a.analyzeWithFallback(rawURL, body)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, &ParseError{URL: rawURL, Reason: "goquery parse failed", Err: err}
	}

	if doc.Find("body").Length() == 0 {
		return a.analyzeWithFallback(rawURL, body)
	}

	result := &AnalysisResult{}

	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		result.Title = &title
	}
	if og, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok && result.Title == nil {
		t := strings.TrimSpace(og)
		result.Title = &t
	}

	if canonical, ok := doc.Find(`link[rel="canonical"]`).Attr("href"); ok {
		if resolved, ok := resolveURL(base, canonical); ok {
			result.CanonicalURL = &resolved
		}
	}

	if lang, ok := doc.Find("html").Attr("lang"); ok && lang != "" {
		result.Language = &lang
	}

	if date := firstMetaContent(doc, "article:published_time", "datePublished", "date"); date != "" {
		result.Date = &date
	} else if t, ok := doc.Find("time[datetime]").First().Attr("datetime"); ok {
		result.Date = &t
	}

	if section := firstMetaContent(doc, "article:section", "section"); section != "" {
		result.Section = &section
	}

	articleSel := doc.Find("article").First()
	contentSel := articleSel
	if contentSel.Length() == 0 {
		contentSel = doc.Find("main").First()
	}
	if contentSel.Length() == 0 {
		contentSel = doc.Find("body").First()
	}

	text := collapseWhitespace(contentSel.Text())
	wordCount := len(strings.Fields(text))
	paragraphCount := contentSel.Find("p").Length()

	if text != "" {
		result.Text = &text
		result.WordCount = &wordCount
	}

	result.Classification = classify(wordCount, paragraphCount, doc.Find("a").Length())
	if result.Classification == ClassArticle {
		result.ArticleXPath = articleXPath(body)
	}

	result.Links = extractLinks(doc, base)
	if len(result.Links) > maxDiscoveredLinks {
		result.Links = result.Links[:maxDiscoveredLinks]
	}

	analysisJSON, _ := json.Marshal(map[string]interface{}{
		"paragraph_count": paragraphCount,
		"anchor_count":    doc.Find("a").Length(),
		"has_article_tag": articleSel.Length() > 0,
	})
	result.Analysis = analysisJSON

	return result, nil
}

// classify applies the spec-level heuristic: enough prose spread over
// enough paragraphs reads as an article; otherwise, a text-sparse document
// with at least one link reads as navigation; anything else is other.
func classify(wordCount, paragraphCount, anchorCount int) Classification {
	if wordCount >= articleMinWordCount && paragraphCount >= articleMinParagraphs {
		return ClassArticle
	}
	if anchorCount > 0 && wordCount < articleMinWordCount {
		return ClassNav
	}
	return ClassOther
}

func extractLinks(doc *goquery.Document, base *url.URL) []DiscoveredLink {
	var links []DiscoveredLink
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		resolved, ok := resolveURL(base, href)
		if !ok {
			return
		}
		link := DiscoveredLink{URL: resolved, Type: linkTypeFor(sel)}
		if anchor := strings.TrimSpace(sel.Text()); anchor != "" {
			link.Anchor = &anchor
		}
		if rel, ok := sel.Attr("rel"); ok && rel != "" {
			link.Rel = &rel
		}
		links = append(links, link)
	})
	return links
}

// linkTypeFor classifies a discovered link as nav or article based on its
// DOM context: inside <article>/<main> reads as article, inside
// <nav>/<header>/<footer> (or anywhere else) reads as nav.
func linkTypeFor(sel *goquery.Selection) LinkType {
	if sel.Closest("article, main").Length() > 0 {
		return LinkArticle
	}
	return LinkNav
}

func firstMetaContent(doc *goquery.Document, names ...string) string {
	for _, name := range names {
		if v, ok := doc.Find(`meta[property="` + name + `"]`).Attr("content"); ok && v != "" {
			return v
		}
		if v, ok := doc.Find(`meta[name="` + name + `"]`).Attr("content"); ok && v != "" {
			return v
		}
	}
	return ""
}

// articleXPath returns an xpath expression locating the best content
// container found via antchfx/htmlquery, or nil if none is found.
func articleXPath(body []byte) *string {
	doc, err := htmlquery.Parse(bytes.NewReader(body))
	if err != nil {
		return nil
	}
	candidates := []string{"//article", "//main", "//div[@id='content']", "//div[@class='content']"}
	for _, expr := range candidates {
		if node := htmlquery.FindOne(doc, expr); node != nil {
			xp := expr
			return &xp
		}
	}
	return nil
}

func headerValue(headers map[string]string, name string) (string, bool) {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

func resolveURL(base *url.URL, ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "javascript:") || strings.HasPrefix(ref, "mailto:") {
		return "", false
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	return base.ResolveReference(u).String(), true
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// analyzeWithFallback handles documents goquery can't locate a <body> in
// (malformed markup or a non-HTML text/* body) via the token-level scan.
func (a *DefaultAnalyzer) analyzeWithFallback(rawURL string, body []byte) (*AnalysisResult, error) {
	base, err := url.Parse(rawURL)
	if err != nil {
		return nil, &ParseError{URL: rawURL, Reason: "invalid base url", Err: err}
	}

	ts := scanTokens(body, maxDiscoveredLinks)
	text := collapseWhitespace(ts.bodyText.String())
	wordCount := len(strings.Fields(text))

	result := &AnalysisResult{
		Classification: classify(wordCount, 0, len(ts.links)),
	}
	if ts.title != "" {
		result.Title = &ts.title
	}
	if ts.canonical != "" {
		if resolved, ok := resolveURL(base, ts.canonical); ok {
			result.CanonicalURL = &resolved
		}
	}
	if ts.lang != "" {
		result.Language = &ts.lang
	}
	if text != "" {
		result.Text = &text
		result.WordCount = &wordCount
	}

	for _, l := range ts.links {
		if resolved, ok := resolveURL(base, l.URL); ok {
			l.URL = resolved
			result.Links = append(result.Links, l)
		}
	}

	analysisJSON, _ := json.Marshal(map[string]interface{}{
		"fallback":     true,
		"meta_desc":    ts.metaDesc,
		"anchor_count": len(ts.links),
	})
	result.Analysis = analysisJSON

	return result, nil
}
