package analyzer

import (
	"bytes"
	"io"
	"strings"

	"golang.org/x/net/html"
)

// tokenScan is a minimal single-pass token-level extractor used only when
// goquery cannot locate a <body> in the document (malformed markup, a
// fragment, or a non-HTML text/* response). Adapted from the teacher's
// internal/perf.StreamingParser, trimmed to the fields DefaultAnalyzer
// needs: title, a canonical link, the html lang, the meta description,
// visible body text, and anchor hrefs with their text.
type tokenScan struct {
	title        string
	canonical    string
	lang         string
	metaDesc     string
	links        []DiscoveredLink
	bodyText     strings.Builder
	maxLinks     int
}

func scanTokens(body []byte, maxLinks int) *tokenScan {
	ts := &tokenScan{maxLinks: maxLinks}
	tokenizer := html.NewTokenizer(bytes.NewReader(body))

	var currentTag string
	var textBuf bytes.Buffer
	var inScript, inStyle bool

	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			if tokenizer.Err() != io.EOF {
				// Keep whatever was extracted before the error; a
				// truncated document is still worth partial results.
			}
			return ts

		case html.StartTagToken, html.SelfClosingTagToken:
			tn, hasAttr := tokenizer.TagName()
			tagName := string(tn)

			switch tagName {
			case "html":
				if hasAttr {
					ts.lang = attrValue(tokenizer, "lang")
				}
			case "script":
				inScript = true
			case "style":
				inStyle = true
			case "title":
				currentTag = "title"
				textBuf.Reset()
			case "meta":
				if hasAttr {
					ts.processMeta(tokenizer)
				}
			case "link":
				if hasAttr {
					ts.processLink(tokenizer)
				}
			case "a":
				if hasAttr && len(ts.links) < ts.maxLinks {
					ts.processAnchor(tokenizer)
					currentTag = "a"
					textBuf.Reset()
				}
			}

		case html.EndTagToken:
			tn, _ := tokenizer.TagName()
			tagName := string(tn)
			switch tagName {
			case "script":
				inScript = false
			case "style":
				inStyle = false
			case "title":
				if currentTag == "title" {
					ts.title = strings.TrimSpace(textBuf.String())
				}
				currentTag = ""
			case "a":
				if currentTag == "a" && len(ts.links) > 0 {
					anchor := strings.TrimSpace(textBuf.String())
					if anchor != "" {
						ts.links[len(ts.links)-1].Anchor = &anchor
					}
				}
				currentTag = ""
			}

		case html.TextToken:
			if inScript || inStyle {
				continue
			}
			text := tokenizer.Text()
			if currentTag != "" {
				textBuf.Write(text)
			}
			if t := strings.TrimSpace(string(text)); t != "" {
				ts.bodyText.WriteString(t)
				ts.bodyText.WriteByte(' ')
			}
		}
	}
}

func (ts *tokenScan) processMeta(tokenizer *html.Tokenizer) {
	var name, property, content string
	for {
		key, val, more := tokenizer.TagAttr()
		switch string(key) {
		case "name":
			name = string(val)
		case "property":
			property = string(val)
		case "content":
			content = string(val)
		}
		if !more {
			break
		}
	}
	if (name == "description" || property == "og:description") && ts.metaDesc == "" {
		ts.metaDesc = content
	}
}

func (ts *tokenScan) processLink(tokenizer *html.Tokenizer) {
	var rel, href string
	for {
		key, val, more := tokenizer.TagAttr()
		switch string(key) {
		case "rel":
			rel = string(val)
		case "href":
			href = string(val)
		}
		if !more {
			break
		}
	}
	if rel == "canonical" && href != "" {
		ts.canonical = href
	}
}

func (ts *tokenScan) processAnchor(tokenizer *html.Tokenizer) {
	var href, rel string
	for {
		key, val, more := tokenizer.TagAttr()
		switch string(key) {
		case "href":
			href = string(val)
		case "rel":
			rel = string(val)
		}
		if !more {
			break
		}
	}
	if href == "" {
		return
	}
	link := DiscoveredLink{URL: href, Type: LinkNav}
	if rel != "" {
		link.Rel = &rel
	}
	ts.links = append(ts.links, link)
}

func attrValue(tokenizer *html.Tokenizer, name string) string {
	for {
		key, val, more := tokenizer.TagAttr()
		if string(key) == name {
			return string(val)
		}
		if !more {
			return ""
		}
	}
}
