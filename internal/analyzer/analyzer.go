// Package analyzer implements the Analyzer contract (spec §4.5):
// classify a fetched document and extract its article content and
// outgoing links. Grounded on goquery-based DOM extraction patterns from
// codepr-webcrawler and theaidguild-kirk-ai, with an x/net/html
// tokenizer-level fallback (adapted from the teacher's
// internal/perf.StreamingParser) for documents goquery can't parse a body
// out of.
package analyzer

// Classification enumerates AnalysisResult.Classification (spec §4.5).
type Classification string

const (
	ClassArticle Classification = "article"
	ClassNav     Classification = "nav"
	ClassOther   Classification = "other"
)

// LinkType enumerates a discovered link's role, matching store.LinkType.
type LinkType string

const (
	LinkNav     LinkType = "nav"
	LinkArticle LinkType = "article"
)

// DiscoveredLink is one outgoing link found while analyzing a document.
type DiscoveredLink struct {
	URL    string
	Anchor *string
	Rel    *string
	Type   LinkType
}

// AnalysisResult is the Analyzer contract's output shape (spec §4.5).
type AnalysisResult struct {
	Classification Classification
	CanonicalURL   *string
	Title          *string
	Date           *string
	Section        *string
	Text           *string
	WordCount      *int
	Language       *string
	ArticleXPath   *string
	Links          []DiscoveredLink
	Analysis       []byte // opaque JSON, denormalized detail for storage
}

// ParseError is the typed failure an Analyzer raises when it cannot make
// sense of a document (spec §4.5: "throws a typed ParseError"). The
// Orchestrator records it as kind=parse, sets classification=other, and
// writes no article row.
type ParseError struct {
	URL    string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return "analyzer: " + e.URL + ": " + e.Reason + ": " + e.Err.Error()
	}
	return "analyzer: " + e.URL + ": " + e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }

// Analyzer is the pluggable content-classification contract (spec §4.5).
// Implementations must be pure over their inputs (modulo process-wide
// caches) and must not block on I/O beyond bounded local parsing.
type Analyzer interface {
	Analyze(url string, body []byte, headers map[string]string) (*AnalysisResult, error)
}
